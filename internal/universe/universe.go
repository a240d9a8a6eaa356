// Package universe maintains the set of tradable tokens: contract symbols
// that carry enough 24h volume and have a known Solana mint for the
// reference price feed. The active set lives in redis so every process
// sees the same screen; a cron job refreshes it daily.
package universe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/okxloot20-pixel/Mexc-bot/internal/mexc"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const activeTokensKey = "spl_future_active_tokens"

// TickerSource lists every contract ticker with its 24h volume.
type TickerSource interface {
	AllTickers(ctx context.Context) ([]mexc.Ticker, error)
}

// activeSet is the slice of the redis API the universe touches. The
// concrete *redis.Client satisfies it.
type activeSet interface {
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// LoadMintMap reads the contract-symbol to Solana-mint mapping from a
// JSON object file, e.g. {"SOL_USDT": "So1111...112"}.
func LoadMintMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mint map: %w", err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse mint map %s: %w", path, err)
	}
	return m, nil
}

type Universe struct {
	redis     activeSet
	tickers   TickerSource
	mintMap   map[string]string
	minVolume float64
	log       *zap.Logger
	cron      *cron.Cron
}

func New(set activeSet, tickers TickerSource, mintMap map[string]string, minVolume float64, log *zap.Logger) *Universe {
	return &Universe{
		redis:     set,
		tickers:   tickers,
		mintMap:   mintMap,
		minVolume: minVolume,
		log:       log,
	}
}

// Refresh rebuilds the active set from the live ticker list: mapped
// symbols above the volume floor. An empty screen leaves the previous set
// in place rather than wiping the universe on a bad ticker response.
func (u *Universe) Refresh(ctx context.Context) (int, error) {
	tickers, err := u.tickers.AllTickers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tickers: %w", err)
	}
	fields := make(map[string]interface{})
	for _, t := range tickers {
		mint, ok := u.mintMap[t.Symbol]
		if !ok || t.Volume24h < u.minVolume {
			continue
		}
		fields[t.Symbol] = mint
	}
	if len(fields) == 0 {
		u.log.Warn("token screen produced no active tokens, keeping previous set")
		return 0, nil
	}
	if err := u.redis.Del(ctx, activeTokensKey).Err(); err != nil {
		return 0, fmt.Errorf("clear active set: %w", err)
	}
	if err := u.redis.HSet(ctx, activeTokensKey, fields).Err(); err != nil {
		return 0, fmt.Errorf("store active set: %w", err)
	}
	u.log.Info("token universe refreshed", zap.Int("active", len(fields)))
	return len(fields), nil
}

// PairMint resolves the reference mint for a symbol. The redis set is
// authoritative; when redis is unreachable the static map answers so a
// cache outage does not take down watch registration.
func (u *Universe) PairMint(ctx context.Context, symbol string) (string, bool, error) {
	contract := mexc.ContractSymbol(symbol)
	mint, err := u.redis.HGet(ctx, activeTokensKey, contract).Result()
	if err == nil {
		return mint, true, nil
	}
	if err == redis.Nil {
		return "", false, nil
	}
	u.log.Warn("redis lookup failed, falling back to static mint map", zap.Error(err))
	mint, ok := u.mintMap[contract]
	return mint, ok, nil
}

// ActiveTokens returns the current screen as symbol to mint.
func (u *Universe) ActiveTokens(ctx context.Context) (map[string]string, error) {
	return u.redis.HGetAll(ctx, activeTokensKey).Result()
}

// StartDailyRefresh schedules Refresh on the given cron spec in UTC and
// runs one refresh immediately so the set is never empty at startup.
func (u *Universe) StartDailyRefresh(ctx context.Context, spec string) error {
	if _, err := u.Refresh(ctx); err != nil {
		u.log.Warn("initial universe refresh failed", zap.Error(err))
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, func() {
		if _, err := u.Refresh(ctx); err != nil {
			u.log.Error("scheduled universe refresh failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule universe refresh %q: %w", spec, err)
	}
	c.Start()
	u.cron = c
	return nil
}

func (u *Universe) Stop() {
	if u.cron != nil {
		u.cron.Stop()
	}
}
