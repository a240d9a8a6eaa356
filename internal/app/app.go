// Package app wires the bot together: storage, price feeds, the decision
// engine, the monitor loop and the Telegram operator surface.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/okxloot20-pixel/Mexc-bot/internal/alerts"
	"github.com/okxloot20-pixel/Mexc-bot/internal/config"
	"github.com/okxloot20-pixel/Mexc-bot/internal/dispatch"
	"github.com/okxloot20-pixel/Mexc-bot/internal/engine"
	"github.com/okxloot20-pixel/Mexc-bot/internal/history"
	"github.com/okxloot20-pixel/Mexc-bot/internal/inspect"
	"github.com/okxloot20-pixel/Mexc-bot/internal/jupiter"
	"github.com/okxloot20-pixel/Mexc-bot/internal/metrics"
	"github.com/okxloot20-pixel/Mexc-bot/internal/mexc"
	"github.com/okxloot20-pixel/Mexc-bot/internal/monitor"
	"github.com/okxloot20-pixel/Mexc-bot/internal/store"
	"github.com/okxloot20-pixel/Mexc-bot/internal/store/sqlite"
	"github.com/okxloot20-pixel/Mexc-bot/internal/universe"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      store.Store
	exchange   *mexc.Client
	stream     *mexc.Stream
	jupiter    *jupiter.Client
	feeds      *priceFeeds
	universe   *universe.Universe
	evaluator  *engine.Evaluator
	scheduler  *monitor.Scheduler
	alerts     *alerts.Telegram
	metrics    *metrics.Metrics
	promServer *metrics.Prometheus
	history    *history.Writer

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	thresholds := engine.ThresholdsFromConfig(cfg.Monitor)
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.State.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	st, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	exchange := mexc.New(cfg.MEXC.BaseURL, cfg.MEXC.Timeout, log)
	jup := jupiter.New(cfg.Jupiter.BaseURL, cfg.Jupiter.Timeout, log)

	var stream *mexc.Stream
	if cfg.MEXC.StreamEnabled {
		stream = mexc.NewStream(cfg.MEXC.WSURL, cfg.MEXC.ReconnectDelay, cfg.MEXC.PingInterval, log)
	}

	var uni *universe.Universe
	if cfg.Universe.Enabled {
		mintMap, err := universe.LoadMintMap(cfg.Universe.TokenMapPath)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		uni = universe.New(rdb, exchange, mintMap, cfg.Universe.Volume24hMin, log)
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	hist, err := history.New(cfg.History, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	telegram := alerts.NewTelegram(cfg.Telegram, log)
	dispatcher := dispatch.New(exchange, st, dispatch.Config{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		InitialBackoff: cfg.Dispatch.InitialBackoff,
		RequestPacing:  cfg.Dispatch.RequestPacing,
	}, log)
	inspector := inspect.New(exchange, log)
	feeds := &priceFeeds{exchange: exchange, jupiter: jup, maxAge: cfg.Monitor.TickInterval}
	if stream != nil {
		feeds.cache = stream
	}

	var recorder engine.Recorder
	if hist != nil {
		recorder = hist
	}
	evaluator := engine.NewEvaluator(feeds, st, inspector, dispatcher, telegram, recorder, m,
		engine.EvaluatorConfig{Thresholds: thresholds, OrderVolume: cfg.Monitor.OrderVolume}, log)

	a := &App{
		cfg:        cfg,
		log:        log,
		store:      st,
		exchange:   exchange,
		stream:     stream,
		jupiter:    jup,
		feeds:      feeds,
		universe:   uni,
		evaluator:  evaluator,
		alerts:     telegram,
		metrics:    m,
		promServer: prom,
		history:    hist,
	}
	a.scheduler = monitor.New(cfg.Monitor.TickInterval, a.tick, log)
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.history.Close()

	a.history.Start(ctx)
	if a.stream != nil {
		go func() {
			if err := a.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("ticker stream stopped", zap.Error(err))
			}
		}()
	}
	if a.universe != nil {
		if err := a.universe.StartDailyRefresh(ctx, a.cfg.Universe.RefreshSpec); err != nil {
			return err
		}
		defer a.universe.Stop()
	}
	if a.promServer != nil && a.cfg.Metrics.Listen != "" {
		go a.serveMetrics(ctx)
	}

	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()
	a.startOperator(ctx)

	a.log.Info("bot running",
		zap.Duration("tick_interval", a.cfg.Monitor.TickInterval),
		zap.Float64("entry_threshold", a.cfg.Monitor.EntryThresholdPercent),
		zap.Float64("reset_threshold", a.cfg.Monitor.ResetThresholdPercent),
		zap.Float64("exit_threshold", a.cfg.Monitor.ExitThresholdPercent),
	)
	<-ctx.Done()
	return ctx.Err()
}

// tick evaluates every watched symbol of every monitored account. One
// pair's failure is logged and the sweep moves on.
func (a *App) tick(ctx context.Context) {
	accounts, err := a.store.MonitoredAccounts(ctx)
	if err != nil {
		a.log.Error("load monitored accounts", zap.Error(err))
		return
	}
	for _, acct := range accounts {
		items, err := a.store.Watchlist(ctx, acct.UserID)
		if err != nil {
			a.log.Error("load watchlist", zap.Int64("user_id", acct.UserID), zap.Error(err))
			continue
		}
		for _, item := range items {
			if ctx.Err() != nil {
				return
			}
			callCtx, cancel := context.WithTimeout(ctx, a.cfg.Monitor.CallTimeout)
			res, err := a.evaluator.EvaluateSymbol(callCtx, acct, item)
			cancel()
			if err != nil {
				a.metrics.PairFailures.Inc()
				a.log.Error("evaluation failed",
					zap.Int64("user_id", acct.UserID), zap.String("symbol", item.Symbol), zap.Error(err))
				continue
			}
			if res.Evaluated {
				a.log.Debug("evaluated",
					zap.Int64("user_id", acct.UserID),
					zap.String("symbol", item.Symbol),
					zap.String("outcome", string(res.Decision.Outcome)),
					zap.String("spread_percent", res.Spread.Percent.StringFixed(4)),
				)
			}
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.promServer.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("metrics listener stopped", zap.Error(err))
	}
}

// tickerCache is the slice of the ws stream the price feed consumes.
type tickerCache interface {
	Watch(symbol string)
	Last(symbol string) (mexc.Ticker, bool)
}

// priceFeeds joins the two legs of the spread. The websocket cache, when
// running, answers the exchange leg without an HTTP round trip — but only
// within maxAge of the push, so a stalled or reconnecting stream degrades
// to a REST re-fetch instead of serving the pre-disconnect price.
type priceFeeds struct {
	exchange *mexc.Client
	cache    tickerCache
	jupiter  *jupiter.Client
	maxAge   time.Duration
}

func (f *priceFeeds) ExchangePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if f.cache != nil {
		f.cache.Watch(symbol)
		if ticker, ok := f.cache.Last(symbol); ok &&
			ticker.LastPrice.IsPositive() &&
			f.maxAge > 0 &&
			time.Since(ticker.ReceivedAt) <= f.maxAge {
			return ticker.LastPrice, nil
		}
	}
	return f.exchange.TickerPrice(ctx, symbol)
}

func (f *priceFeeds) ReferencePrice(ctx context.Context, mint string) (decimal.Decimal, error) {
	return f.jupiter.Price(ctx, mint)
}
