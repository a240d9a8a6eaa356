package mexc

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Stream keeps a live last-ticker cache fed by the contract websocket.
// Cached entries carry their receive time; consumers must reject entries
// older than their own freshness bound, since a disconnect leaves the
// last push in place until the stream recovers.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu      sync.Mutex
	symbols map[string]struct{}
	last    map[string]Ticker
}

func NewStream(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Stream {
	return &Stream{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		symbols:        make(map[string]struct{}),
		last:           make(map[string]Ticker),
	}
}

// Watch adds a contract symbol to the subscription set. Takes effect on the
// next (re)connect.
func (s *Stream) Watch(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[ContractSymbol(symbol)] = struct{}{}
}

// Last returns the most recent ticker pushed for a contract symbol.
func (s *Stream) Last(symbol string) (Ticker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticker, ok := s.last[ContractSymbol(symbol)]
	return ticker, ok
}

// Run connects, subscribes and consumes pushes until the context ends,
// reconnecting after transient failures.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := s.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("ticker stream disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

type subMessage struct {
	Method string            `json:"method"`
	Param  map[string]string `json:"param,omitempty"`
	ID     int64             `json:"id,omitempty"`
}

type pushMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Symbol    string      `json:"symbol"`
		LastPrice json.Number `json:"lastPrice"`
		Bid1      json.Number `json:"bid1"`
		Ask1      json.Number `json:"ask1"`
		Volume24  float64     `json:"volume24"`
	} `json:"data"`
}

func (s *Stream) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	symbols := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()
	for _, sym := range symbols {
		sub := subMessage{Method: "sub.ticker", Param: map[string]string{"symbol": sym}, ID: time.Now().UnixNano()}
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := writeJSON(pingCtx, conn, subMessage{Method: "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		payload, err := maybeGunzip(raw)
		if err != nil {
			s.log.Debug("ticker stream payload discarded", zap.Error(err))
			continue
		}
		var push pushMessage
		if err := json.Unmarshal(payload, &push); err != nil || push.Channel != "push.ticker" {
			continue
		}
		ticker := Ticker{Symbol: push.Data.Symbol, Volume24h: push.Data.Volume24, ReceivedAt: time.Now()}
		ticker.LastPrice, _ = decimal.NewFromString(push.Data.LastPrice.String())
		ticker.Bid1, _ = decimal.NewFromString(push.Data.Bid1.String())
		ticker.Ask1, _ = decimal.NewFromString(push.Data.Ask1.String())
		if ticker.Symbol == "" || !ticker.LastPrice.IsPositive() {
			continue
		}
		s.mu.Lock()
		s.last[ticker.Symbol] = ticker
		s.mu.Unlock()
	}
}

func maybeGunzip(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
