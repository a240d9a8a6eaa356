// Package inspect answers "is this account already busy on this symbol"
// ahead of a trade decision.
package inspect

import (
	"context"

	"github.com/okxloot20-pixel/Mexc-bot/internal/mexc"

	"go.uber.org/zap"
)

type ExchangeLister interface {
	OpenPositions(ctx context.Context, creds mexc.Credentials) ([]mexc.Position, error)
	OpenOrders(ctx context.Context, creds mexc.Credentials) ([]mexc.OpenOrder, error)
}

type Inspector struct {
	exchange ExchangeLister
	log      *zap.Logger
}

func New(exchange ExchangeLister, log *zap.Logger) *Inspector {
	return &Inspector{exchange: exchange, log: log}
}

// ShortPosition returns the open short on the symbol, if any. Errors are
// reported raw so callers can pick their own safe side.
func (i *Inspector) ShortPosition(ctx context.Context, creds mexc.Credentials, symbol string) (mexc.Position, bool, error) {
	positions, err := i.exchange.OpenPositions(ctx, creds)
	if err != nil {
		return mexc.Position{}, false, err
	}
	contract := mexc.ContractSymbol(symbol)
	for _, pos := range positions {
		if pos.Symbol == contract && pos.PositionType == mexc.PositionShort && pos.HoldVol > 0 {
			return pos, true, nil
		}
	}
	return mexc.Position{}, false, nil
}

// HasOpenShort reports whether the account holds a short on the symbol.
// A listing failure deliberately reads as true: a false negative risks a
// duplicate entry, a false positive only delays one cycle.
func (i *Inspector) HasOpenShort(ctx context.Context, creds mexc.Credentials, symbol string) bool {
	_, ok, err := i.ShortPosition(ctx, creds, symbol)
	if err != nil {
		i.log.Warn("position listing failed, assuming open short", zap.String("symbol", symbol), zap.Error(err))
		return true
	}
	return ok
}

// HasPendingOrder reports whether any order affecting the symbol is still
// outstanding, with the same fail-safe-true default as HasOpenShort.
func (i *Inspector) HasPendingOrder(ctx context.Context, creds mexc.Credentials, symbol string) bool {
	orders, err := i.exchange.OpenOrders(ctx, creds)
	if err != nil {
		i.log.Warn("order listing failed, assuming pending order", zap.String("symbol", symbol), zap.Error(err))
		return true
	}
	contract := mexc.ContractSymbol(symbol)
	for _, order := range orders {
		if order.Symbol == contract {
			return true
		}
	}
	return false
}
