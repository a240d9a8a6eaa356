// Package history persists every engine evaluation to Postgres for
// offline analysis of threshold behavior. Writes run on a background
// queue; a full queue drops rows rather than stalling the tick.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/okxloot20-pixel/Mexc-bot/internal/config"
	"github.com/okxloot20-pixel/Mexc-bot/internal/engine"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	rows    chan engine.Evaluation
	started atomic.Bool
	dropped atomic.Uint64
}

// New opens the history database. A disabled config returns a nil writer,
// which every method tolerates, so callers wire it unconditionally.
func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		rows:   make(chan engine.Evaluation, 256),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Record implements engine.Recorder without blocking the caller.
func (w *Writer) Record(ev engine.Evaluation) {
	if w == nil {
		return
	}
	select {
	case w.rows <- ev:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("evaluation history queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.rows:
			w.write(ctx, ev)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		user_id BIGINT NOT NULL,
		symbol TEXT NOT NULL,
		exchange_price NUMERIC NOT NULL,
		reference_price NUMERIC NOT NULL,
		spread_percent NUMERIC NOT NULL,
		outcome TEXT NOT NULL,
		armed BOOLEAN NOT NULL,
		order_id TEXT NOT NULL DEFAULT ''
	)`, w.table("spread_evaluations"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("spread_evaluations"))); err != nil && w.log != nil {
		w.log.Warn("spread_evaluations hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) write(ctx context.Context, ev engine.Evaluation) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, user_id, symbol, exchange_price, reference_price, spread_percent, outcome, armed, order_id
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	)`, w.table("spread_evaluations"))
	if _, err := w.db.ExecContext(ctx, query,
		ev.Time,
		ev.UserID,
		ev.Symbol,
		ev.ExchangePrice.String(),
		ev.ReferencePrice.String(),
		ev.SpreadPercent.String(),
		string(ev.Outcome),
		ev.Armed,
		ev.OrderID,
	); err != nil && w.log != nil {
		w.log.Warn("evaluation insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
