// Package dispatch executes trade actions against the exchange with
// retries, request pacing and idempotent resubmission.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okxloot20-pixel/Mexc-bot/internal/mexc"
	"github.com/okxloot20-pixel/Mexc-bot/internal/store"

	"go.uber.org/zap"
)

type Exchange interface {
	SubmitMarketOrder(ctx context.Context, creds mexc.Credentials, symbol string, side int, vol float64, externalOid string) (string, error)
}

// Config exposes the retry and pacing policy as named knobs. The exchange
// rate limits are undocumented, so pacing is operational tuning, not a
// constant.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	RequestPacing  time.Duration
}

type Dispatcher struct {
	exchange Exchange
	kv       store.KV
	log      *zap.Logger
	cfg      Config

	mu          sync.Mutex
	cache       map[string]string
	lastRequest time.Time
}

func New(exchange Exchange, kv store.KV, cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	return &Dispatcher{
		exchange: exchange,
		kv:       kv,
		log:      log,
		cfg:      cfg,
		cache:    make(map[string]string),
	}
}

// OpenShort submits a market short. The externalOid makes resubmission
// after a crash idempotent: a previously recorded order id is returned
// without touching the exchange again.
func (d *Dispatcher) OpenShort(ctx context.Context, creds mexc.Credentials, symbol string, vol float64, externalOid string) (string, error) {
	return d.submit(ctx, creds, symbol, mexc.SideOpenShort, vol, externalOid)
}

// CloseShort submits a market order closing an existing short.
func (d *Dispatcher) CloseShort(ctx context.Context, creds mexc.Credentials, symbol string, vol float64, externalOid string) (string, error) {
	return d.submit(ctx, creds, symbol, mexc.SideCloseShort, vol, externalOid)
}

func (d *Dispatcher) submit(ctx context.Context, creds mexc.Credentials, symbol string, side int, vol float64, externalOid string) (string, error) {
	if externalOid == "" {
		return d.submitWithRetry(ctx, creds, symbol, side, vol, "")
	}
	cacheKey := "order:oid:" + externalOid
	d.mu.Lock()
	if oid, ok := d.cache[cacheKey]; ok {
		d.mu.Unlock()
		return oid, nil
	}
	d.mu.Unlock()
	if d.kv != nil {
		if oid, ok, err := d.kv.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			d.remember(cacheKey, oid)
			return oid, nil
		}
	}
	orderID, err := d.submitWithRetry(ctx, creds, symbol, side, vol, externalOid)
	if err != nil {
		return "", err
	}
	if d.kv != nil {
		if err := d.kv.Set(ctx, cacheKey, orderID); err != nil {
			d.log.Warn("failed to persist order id", zap.String("external_oid", externalOid), zap.Error(err))
		}
	}
	d.remember(cacheKey, orderID)
	return orderID, nil
}

func (d *Dispatcher) remember(key, orderID string) {
	d.mu.Lock()
	d.cache[key] = orderID
	d.mu.Unlock()
}

func (d *Dispatcher) submitWithRetry(ctx context.Context, creds mexc.Credentials, symbol string, side int, vol float64, externalOid string) (string, error) {
	backoff := d.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if err := d.pace(ctx); err != nil {
			return "", err
		}
		orderID, err := d.exchange.SubmitMarketOrder(ctx, creds, symbol, side, vol, externalOid)
		if err == nil {
			if orderID == "" {
				return "", errors.New("empty order id from exchange")
			}
			return orderID, nil
		}
		lastErr = err
		d.log.Warn("order submit attempt failed",
			zap.String("symbol", symbol), zap.Int("side", side), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return "", fmt.Errorf("order submit failed after %d attempts: %w", d.cfg.MaxAttempts, lastErr)
}

// pace enforces the minimum spacing between exchange requests. The slot
// is claimed at its future send time, not at the time of the call, so the
// wait imposed on this caller is not credited to the next one.
func (d *Dispatcher) pace(ctx context.Context) error {
	if d.cfg.RequestPacing <= 0 {
		return nil
	}
	d.mu.Lock()
	now := time.Now()
	wait := d.cfg.RequestPacing - now.Sub(d.lastRequest)
	if wait < 0 {
		wait = 0
	}
	d.lastRequest = now.Add(wait)
	d.mu.Unlock()
	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
