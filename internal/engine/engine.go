// Package engine holds the spread-monitoring decision core: a two-state
// hysteresis machine per (user, symbol) that opens a short once per
// excursion above the entry threshold and re-arms only after the spread
// retreats below the reset threshold.
package engine

import (
	"errors"

	"github.com/okxloot20-pixel/Mexc-bot/internal/config"
	"github.com/okxloot20-pixel/Mexc-bot/internal/spread"

	"github.com/shopspring/decimal"
)

// Thresholds are percentages of the reference price. Entry is inclusive,
// reset and exit are strict less-than.
type Thresholds struct {
	Entry decimal.Decimal
	Reset decimal.Decimal
	Exit  decimal.Decimal
}

func ThresholdsFromConfig(cfg config.MonitorConfig) Thresholds {
	return Thresholds{
		Entry: decimal.NewFromFloat(cfg.EntryThresholdPercent),
		Reset: decimal.NewFromFloat(cfg.ResetThresholdPercent),
		Exit:  decimal.NewFromFloat(cfg.ExitThresholdPercent),
	}
}

// Validate rejects band orderings that would silently break the
// hysteresis: exit must sit inside reset, reset inside entry.
func (t Thresholds) Validate() error {
	if !t.Entry.IsPositive() {
		return errors.New("entry threshold must be positive")
	}
	if t.Exit.GreaterThan(t.Reset) {
		return errors.New("exit threshold must not exceed reset threshold")
	}
	if t.Reset.GreaterThanOrEqual(t.Entry) {
		return errors.New("reset threshold must be below entry threshold")
	}
	return nil
}

type Outcome string

const (
	OutcomeEnter Outcome = "enter"
	OutcomeSkip  Outcome = "skip"
	OutcomeReset Outcome = "reset"
	OutcomeExit  Outcome = "exit"
	OutcomeHold  Outcome = "hold"
)

// Conditions are the inputs to one decision: the persisted armed flag,
// the freshly computed spread and the duplicate-entry guards.
type Conditions struct {
	Armed           bool
	Spread          spread.Spread
	HasOpenShort    bool
	HasPendingOrder bool
}

// Decision is the output of one evaluation. Reset and exit can fire on the
// same tick; that is one decision carrying two facts, not two decisions.
type Decision struct {
	Outcome       Outcome
	EnterPosition bool
	ClosePosition bool
	StateCleared  bool
	NextArmed     bool
}

// Decide applies the transition table. Guards are evaluated in fixed
// order; the armed flag changes only through the enter and reset rows.
func Decide(th Thresholds, c Conditions) Decision {
	if !c.Armed {
		if c.Spread.Percent.GreaterThanOrEqual(th.Entry) &&
			c.Spread.Favorable &&
			!c.HasOpenShort &&
			!c.HasPendingOrder {
			return Decision{Outcome: OutcomeEnter, EnterPosition: true, NextArmed: true}
		}
		return Decision{Outcome: OutcomeSkip}
	}

	resetFires := c.Spread.Percent.LessThan(th.Reset)
	// Exit additionally requires the short to still exist: a manually
	// closed position must not trigger a second close order.
	exitFires := c.Spread.Percent.LessThan(th.Exit) && c.HasOpenShort
	if resetFires || exitFires {
		outcome := OutcomeReset
		if exitFires {
			outcome = OutcomeExit
		}
		return Decision{
			Outcome:       outcome,
			ClosePosition: exitFires,
			StateCleared:  resetFires,
			NextArmed:     !resetFires,
		}
	}
	return Decision{Outcome: OutcomeHold, NextArmed: true}
}
