package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okxloot20-pixel/Mexc-bot/internal/mexc"
	"github.com/okxloot20-pixel/Mexc-bot/internal/metrics"
	"github.com/okxloot20-pixel/Mexc-bot/internal/spread"
	"github.com/okxloot20-pixel/Mexc-bot/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceFeeds supplies the two legs of the spread: the exchange contract
// price and the external reference price for the paired mint.
type PriceFeeds interface {
	ExchangePrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	ReferencePrice(ctx context.Context, mint string) (decimal.Decimal, error)
}

// Inspector answers the duplicate-entry guards and locates the short to
// size a close order.
type Inspector interface {
	HasOpenShort(ctx context.Context, creds mexc.Credentials, symbol string) bool
	HasPendingOrder(ctx context.Context, creds mexc.Credentials, symbol string) bool
	ShortPosition(ctx context.Context, creds mexc.Credentials, symbol string) (mexc.Position, bool, error)
}

// Dispatcher places market orders, idempotent on the external oid.
type Dispatcher interface {
	OpenShort(ctx context.Context, creds mexc.Credentials, symbol string, vol float64, externalOid string) (string, error)
	CloseShort(ctx context.Context, creds mexc.Credentials, symbol string, vol float64, externalOid string) (string, error)
}

// Notifier delivers a short human-readable trade report to the account's
// chat. Delivery failures are logged, never propagated.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Evaluation is the per-tick record handed to the history recorder.
type Evaluation struct {
	Time           time.Time
	UserID         int64
	Symbol         string
	ExchangePrice  decimal.Decimal
	ReferencePrice decimal.Decimal
	SpreadPercent  decimal.Decimal
	Outcome        Outcome
	Armed          bool
	OrderID        string
}

// Recorder receives evaluation rows for offline analysis. Implementations
// must not block the tick.
type Recorder interface {
	Record(ev Evaluation)
}

// Result reports what one evaluation did. Evaluated is false when a feed
// was unavailable and the pair was skipped without touching state.
type Result struct {
	Evaluated bool
	Reason    string
	Spread    spread.Spread
	Decision  Decision
	OrderID   string
}

// ErrNoOpenShort is returned by ManualClose when the account holds no
// short on the symbol.
var ErrNoOpenShort = errors.New("no open short position")

type EvaluatorConfig struct {
	Thresholds  Thresholds
	OrderVolume float64
}

// Evaluator runs the full per-pair pipeline: fetch both prices, compute
// the spread, load the armed flag, decide, dispatch, persist, notify.
// State is written only after any order was accepted, so a crash in
// between replays the same decision on the next tick and the external
// oid plus the busy guards absorb the duplicate.
type Evaluator struct {
	feeds      PriceFeeds
	states     store.HysteresisStore
	inspector  Inspector
	dispatcher Dispatcher
	notifier   Notifier
	recorder   Recorder
	metrics    *metrics.Metrics
	log        *zap.Logger
	cfg        EvaluatorConfig
	now        func() time.Time

	mu    sync.Mutex
	locks map[pairKey]*sync.Mutex
}

type pairKey struct {
	userID int64
	symbol string
}

func NewEvaluator(feeds PriceFeeds, states store.HysteresisStore, inspector Inspector, dispatcher Dispatcher, notifier Notifier, recorder Recorder, m *metrics.Metrics, cfg EvaluatorConfig, log *zap.Logger) *Evaluator {
	if cfg.OrderVolume <= 0 {
		cfg.OrderVolume = 1
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Evaluator{
		feeds:      feeds,
		states:     states,
		inspector:  inspector,
		dispatcher: dispatcher,
		notifier:   notifier,
		recorder:   recorder,
		metrics:    m,
		log:        log,
		cfg:        cfg,
		now:        time.Now,
		locks:      make(map[pairKey]*sync.Mutex),
	}
}

// pairLock serializes evaluations and manual actions on one (user, symbol)
// pair. Different pairs proceed concurrently.
func (e *Evaluator) pairLock(userID int64, symbol string) *sync.Mutex {
	key := pairKey{userID: userID, symbol: symbol}
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

// EvaluateSymbol runs one decision cycle for the pair. A nil error with
// Evaluated=false means the pair was skipped this tick; a non-nil error
// is confined to this pair and must not stop the caller's loop.
func (e *Evaluator) EvaluateSymbol(ctx context.Context, acct store.Account, item store.WatchItem) (Result, error) {
	if item.PairMint == "" {
		return Result{Reason: "no reference pair configured"}, nil
	}
	lock := e.pairLock(acct.UserID, item.Symbol)
	lock.Lock()
	defer lock.Unlock()

	exchangePrice, err := e.feeds.ExchangePrice(ctx, item.Symbol)
	if err != nil {
		e.metrics.PriceFeedFailures.Inc()
		e.log.Debug("exchange price unavailable", zap.String("symbol", item.Symbol), zap.Error(err))
		return Result{Reason: "exchange price unavailable"}, nil
	}
	referencePrice, err := e.feeds.ReferencePrice(ctx, item.PairMint)
	if err != nil {
		e.metrics.PriceFeedFailures.Inc()
		e.log.Debug("reference price unavailable", zap.String("mint", item.PairMint), zap.Error(err))
		return Result{Reason: "reference price unavailable"}, nil
	}
	sp, err := spread.Compute(exchangePrice, referencePrice)
	if err != nil {
		e.metrics.PriceFeedFailures.Inc()
		e.log.Warn("spread computation rejected prices",
			zap.Int64("user_id", acct.UserID), zap.String("symbol", item.Symbol), zap.Error(err))
		return Result{Reason: "invalid prices"}, nil
	}

	st, err := e.states.GetOrInit(ctx, acct.UserID, item.Symbol)
	if err != nil {
		return Result{}, fmt.Errorf("load hysteresis state: %w", err)
	}

	creds := mexc.Credentials{APIKey: acct.APIKey, APISecret: acct.APISecret}
	cond := Conditions{Armed: st.Armed, Spread: sp}
	var shortVol float64
	if st.Armed {
		// While armed the listing is needed both as the exit guard and to
		// size the close. On a listing failure the close is withheld this
		// tick; a reset still clears the flag and the entry guard keeps
		// the unarmed side safe.
		pos, ok, posErr := e.inspector.ShortPosition(ctx, creds, item.Symbol)
		if posErr != nil {
			e.log.Warn("position listing failed, withholding close this tick",
				zap.Int64("user_id", acct.UserID), zap.String("symbol", item.Symbol), zap.Error(posErr))
		}
		cond.HasOpenShort = ok
		shortVol = pos.HoldVol
	} else {
		cond.HasOpenShort = e.inspector.HasOpenShort(ctx, creds, item.Symbol)
		cond.HasPendingOrder = e.inspector.HasPendingOrder(ctx, creds, item.Symbol)
	}

	decision := Decide(e.cfg.Thresholds, cond)
	res := Result{Evaluated: true, Spread: sp, Decision: decision}

	// The external oid is derived from the last persisted action time, so a
	// crash between dispatch and persist replays with the same oid.
	var orderID string
	switch {
	case decision.EnterPosition:
		oid := fmt.Sprintf("enter-%d-%s-%d", acct.UserID, item.Symbol, st.LastActionAt.UnixNano())
		orderID, err = e.dispatcher.OpenShort(ctx, creds, item.Symbol, e.cfg.OrderVolume, oid)
		if err != nil {
			e.metrics.OrdersFailed.Inc()
			return res, fmt.Errorf("open short %s: %w", item.Symbol, err)
		}
		e.metrics.OrdersPlaced.Inc()
	case decision.ClosePosition:
		oid := fmt.Sprintf("exit-%d-%s-%d", acct.UserID, item.Symbol, st.LastActionAt.UnixNano())
		orderID, err = e.dispatcher.CloseShort(ctx, creds, item.Symbol, shortVol, oid)
		if err != nil {
			e.metrics.OrdersFailed.Inc()
			return res, fmt.Errorf("close short %s: %w", item.Symbol, err)
		}
		e.metrics.OrdersPlaced.Inc()
	}
	res.OrderID = orderID

	snap := store.Snapshot{ExchangePrice: exchangePrice, ReferencePrice: referencePrice, SpreadPercent: sp.Percent}
	if err := e.states.UpdateHysteresis(ctx, acct.UserID, item.Symbol, decision.NextArmed, snap); err != nil {
		return res, fmt.Errorf("persist hysteresis state: %w", err)
	}

	e.count(decision.Outcome)
	if e.recorder != nil {
		e.recorder.Record(Evaluation{
			Time:           e.now(),
			UserID:         acct.UserID,
			Symbol:         item.Symbol,
			ExchangePrice:  exchangePrice,
			ReferencePrice: referencePrice,
			SpreadPercent:  sp.Percent,
			Outcome:        decision.Outcome,
			Armed:          decision.NextArmed,
			OrderID:        orderID,
		})
	}
	e.notify(ctx, acct, item.Symbol, sp, decision, orderID)
	return res, nil
}

// ManualClose closes the open short on the symbol outside the engine. It
// does not touch the armed flag: with the spread still wide the state
// machine would immediately re-enter otherwise, and the reset guard clears
// the flag on its own once the spread narrows.
func (e *Evaluator) ManualClose(ctx context.Context, acct store.Account, symbol string) (string, error) {
	lock := e.pairLock(acct.UserID, symbol)
	lock.Lock()
	defer lock.Unlock()

	creds := mexc.Credentials{APIKey: acct.APIKey, APISecret: acct.APISecret}
	pos, ok, err := e.inspector.ShortPosition(ctx, creds, symbol)
	if err != nil {
		return "", fmt.Errorf("list positions: %w", err)
	}
	if !ok {
		return "", ErrNoOpenShort
	}
	oid := fmt.Sprintf("manual-close-%d-%s-%d", acct.UserID, symbol, e.now().UnixNano())
	orderID, err := e.dispatcher.CloseShort(ctx, creds, symbol, pos.HoldVol, oid)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return "", err
	}
	e.metrics.OrdersPlaced.Inc()
	return orderID, nil
}

// ManualShort opens a short on operator request, bypassing the thresholds
// but not the busy guards.
func (e *Evaluator) ManualShort(ctx context.Context, acct store.Account, symbol string, vol float64) (string, error) {
	lock := e.pairLock(acct.UserID, symbol)
	lock.Lock()
	defer lock.Unlock()

	creds := mexc.Credentials{APIKey: acct.APIKey, APISecret: acct.APISecret}
	if e.inspector.HasOpenShort(ctx, creds, symbol) {
		return "", errors.New("short already open on " + symbol)
	}
	if e.inspector.HasPendingOrder(ctx, creds, symbol) {
		return "", errors.New("pending order on " + symbol)
	}
	if vol <= 0 {
		vol = e.cfg.OrderVolume
	}
	oid := fmt.Sprintf("manual-short-%d-%s-%d", acct.UserID, symbol, e.now().UnixNano())
	orderID, err := e.dispatcher.OpenShort(ctx, creds, symbol, vol, oid)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return "", err
	}
	e.metrics.OrdersPlaced.Inc()
	return orderID, nil
}

func (e *Evaluator) count(outcome Outcome) {
	e.metrics.TicksTotal.Inc()
	switch outcome {
	case OutcomeEnter:
		e.metrics.Entries.Inc()
	case OutcomeExit:
		e.metrics.Exits.Inc()
	case OutcomeReset:
		e.metrics.Resets.Inc()
	case OutcomeHold:
		e.metrics.Holds.Inc()
	case OutcomeSkip:
		e.metrics.Skips.Inc()
	}
}

func (e *Evaluator) notify(ctx context.Context, acct store.Account, symbol string, sp spread.Spread, d Decision, orderID string) {
	if e.notifier == nil || acct.ChatID == 0 {
		return
	}
	var text string
	switch {
	case d.EnterPosition:
		text = fmt.Sprintf("Opened short on %s: spread %s%% (exchange %s, reference %s), order %s",
			symbol, sp.Percent.StringFixed(2), sp.ExchangePrice, sp.ReferencePrice, orderID)
	case d.ClosePosition:
		text = fmt.Sprintf("Closed short on %s: spread %s%% (exchange %s, reference %s), order %s",
			symbol, sp.Percent.StringFixed(2), sp.ExchangePrice, sp.ReferencePrice, orderID)
	default:
		return
	}
	if err := e.notifier.Send(ctx, acct.ChatID, text); err != nil {
		e.log.Warn("trade notification failed", zap.Int64("chat_id", acct.ChatID), zap.Error(err))
	}
}
