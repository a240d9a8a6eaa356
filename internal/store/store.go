package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Account is one registered trading account, keyed by the Telegram user id.
type Account struct {
	UserID            int64
	ChatID            int64
	APIKey            string
	APISecret         string
	MonitoringEnabled bool
	CreatedAt         time.Time
}

// WatchItem is one entry in a user's monitored-symbol list. PairMint is the
// Solana mint used for the Jupiter reference feed; when empty the symbol is
// never evaluated by the decision engine.
type WatchItem struct {
	UserID   int64
	Symbol   string
	PairMint string
}

// HysteresisState is the persisted per-(user, symbol) record of the
// auto-trading engine. Armed flips only through engine decisions; the price
// fields are a diagnostic snapshot of the last evaluation, never an input
// to the next one.
type HysteresisState struct {
	UserID             int64
	Symbol             string
	Armed              bool
	LastExchangePrice  decimal.Decimal
	LastReferencePrice decimal.Decimal
	LastSpreadPercent  decimal.Decimal
	LastActionAt       time.Time
}

// Snapshot carries the diagnostic fields written alongside an armed update.
type Snapshot struct {
	ExchangePrice  decimal.Decimal
	ReferencePrice decimal.Decimal
	SpreadPercent  decimal.Decimal
}

type AccountStore interface {
	UpsertAccount(ctx context.Context, acct Account) error
	Account(ctx context.Context, userID int64) (Account, bool, error)
	SetMonitoring(ctx context.Context, userID int64, enabled bool) error
	MonitoredAccounts(ctx context.Context) ([]Account, error)
}

type WatchlistStore interface {
	AddWatch(ctx context.Context, item WatchItem) error
	RemoveWatch(ctx context.Context, userID int64, symbol string) (bool, error)
	Watchlist(ctx context.Context, userID int64) ([]WatchItem, error)
}

// HysteresisStore owns the armed invariant's persistence. GetOrInit must
// tolerate a concurrent first access for the same pair: exactly one logical
// record results, with armed=false.
type HysteresisStore interface {
	GetOrInit(ctx context.Context, userID int64, symbol string) (HysteresisState, error)
	UpdateHysteresis(ctx context.Context, userID int64, symbol string, armed bool, snap Snapshot) error
}

// KV is a small string key-value surface used for incidental state such as
// the Telegram update offset.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type Store interface {
	AccountStore
	WatchlistStore
	HysteresisStore
	KV
	Close() error
}
