// Package spread computes the percentage divergence between the futures
// price on the exchange and a reference price from the DEX aggregator.
package spread

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrReferencePrice = errors.New("reference price must be positive")

var hundred = decimal.NewFromInt(100)

// Spread is one observation of the divergence between the two feeds.
// Percent is always non-negative; Favorable reports whether the exchange
// trades above the reference, which makes a short on the exchange the
// profitable side.
type Spread struct {
	ExchangePrice  decimal.Decimal
	ReferencePrice decimal.Decimal
	Percent        decimal.Decimal
	Favorable      bool
}

func Compute(exchange, reference decimal.Decimal) (Spread, error) {
	if !reference.IsPositive() {
		return Spread{}, ErrReferencePrice
	}
	pct := exchange.Sub(reference).Abs().Div(reference).Mul(hundred)
	return Spread{
		ExchangePrice:  exchange,
		ReferencePrice: reference,
		Percent:        pct,
		Favorable:      exchange.GreaterThan(reference),
	}, nil
}

// FromFloats is a convenience for callers holding feed values as float64.
func FromFloats(exchange, reference float64) (Spread, error) {
	return Compute(decimal.NewFromFloat(exchange), decimal.NewFromFloat(reference))
}
