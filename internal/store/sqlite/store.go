package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/okxloot20-pixel/Mexc-bot/internal/store"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store implements store.Store on a single SQLite file.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id INTEGER PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			api_key TEXT NOT NULL,
			api_secret TEXT NOT NULL,
			monitoring_enabled INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS watchlist (
			user_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			pair_mint TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS hysteresis (
			user_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			armed INTEGER NOT NULL DEFAULT 0,
			last_exchange_price TEXT NOT NULL DEFAULT '0',
			last_reference_price TEXT NOT NULL DEFAULT '0',
			last_spread_percent TEXT NOT NULL DEFAULT '0',
			last_action_at TEXT NOT NULL,
			PRIMARY KEY (user_id, symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertAccount(ctx context.Context, acct store.Account) error {
	createdAt := acct.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, chat_id, api_key, api_secret, monitoring_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			api_key = excluded.api_key,
			api_secret = excluded.api_secret`,
		acct.UserID, acct.ChatID, acct.APIKey, acct.APISecret, boolToInt(acct.MonitoringEnabled), createdAt.Format(time.RFC3339Nano))
	return err
}

func (s *Store) Account(ctx context.Context, userID int64) (store.Account, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, chat_id, api_key, api_secret, monitoring_enabled, created_at FROM accounts WHERE user_id = ?`, userID)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Account{}, false, nil
		}
		return store.Account{}, false, err
	}
	return acct, true, nil
}

func (s *Store) SetMonitoring(ctx context.Context, userID int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET monitoring_enabled = ? WHERE user_id = ?`, boolToInt(enabled), userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("account %d not registered", userID)
	}
	return nil
}

func (s *Store) MonitoredAccounts(ctx context.Context) ([]store.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, chat_id, api_key, api_secret, monitoring_enabled, created_at
		 FROM accounts WHERE monitoring_enabled = 1 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []store.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (s *Store) AddWatch(ctx context.Context, item store.WatchItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watchlist (user_id, symbol, pair_mint) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, symbol) DO UPDATE SET pair_mint = excluded.pair_mint`,
		item.UserID, item.Symbol, item.PairMint)
	return err
}

func (s *Store) RemoveWatch(ctx context.Context, userID int64, symbol string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM watchlist WHERE user_id = ? AND symbol = ?`, userID, symbol)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) Watchlist(ctx context.Context, userID int64) ([]store.WatchItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, symbol, pair_mint FROM watchlist WHERE user_id = ? ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []store.WatchItem
	for rows.Next() {
		var item store.WatchItem
		if err := rows.Scan(&item.UserID, &item.Symbol, &item.PairMint); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetOrInit creates the record with armed=false on first access. The insert
// ignores conflicts so two concurrent first accesses converge on one row.
func (s *Store) GetOrInit(ctx context.Context, userID int64, symbol string) (store.HysteresisState, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hysteresis (user_id, symbol, last_action_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, symbol) DO NOTHING`,
		userID, symbol, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return store.HysteresisState{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, symbol, armed, last_exchange_price, last_reference_price, last_spread_percent, last_action_at
		 FROM hysteresis WHERE user_id = ? AND symbol = ?`, userID, symbol)
	return scanHysteresis(row)
}

func (s *Store) UpdateHysteresis(ctx context.Context, userID int64, symbol string, armed bool, snap store.Snapshot) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hysteresis SET armed = ?, last_exchange_price = ?, last_reference_price = ?,
			last_spread_percent = ?, last_action_at = ?
		 WHERE user_id = ? AND symbol = ?`,
		boolToInt(armed), snap.ExchangePrice.String(), snap.ReferencePrice.String(),
		snap.SpreadPercent.String(), time.Now().UTC().Format(time.RFC3339Nano), userID, symbol)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("hysteresis record missing for user %d symbol %s", userID, symbol)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (store.Account, error) {
	var acct store.Account
	var enabled int
	var createdAt string
	if err := row.Scan(&acct.UserID, &acct.ChatID, &acct.APIKey, &acct.APISecret, &enabled, &createdAt); err != nil {
		return store.Account{}, err
	}
	acct.MonitoringEnabled = enabled != 0
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		acct.CreatedAt = ts
	}
	return acct, nil
}

func scanHysteresis(row rowScanner) (store.HysteresisState, error) {
	var st store.HysteresisState
	var armed int
	var exchange, reference, pct, actionAt string
	if err := row.Scan(&st.UserID, &st.Symbol, &armed, &exchange, &reference, &pct, &actionAt); err != nil {
		return store.HysteresisState{}, err
	}
	st.Armed = armed != 0
	var err error
	if st.LastExchangePrice, err = decimal.NewFromString(exchange); err != nil {
		return store.HysteresisState{}, fmt.Errorf("parse last_exchange_price: %w", err)
	}
	if st.LastReferencePrice, err = decimal.NewFromString(reference); err != nil {
		return store.HysteresisState{}, fmt.Errorf("parse last_reference_price: %w", err)
	}
	if st.LastSpreadPercent, err = decimal.NewFromString(pct); err != nil {
		return store.HysteresisState{}, fmt.Errorf("parse last_spread_percent: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, actionAt); err == nil {
		st.LastActionAt = ts
	}
	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
