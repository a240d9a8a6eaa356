package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okxloot20-pixel/Mexc-bot/internal/mexc"

	"go.uber.org/zap"
)

type memoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: make(map[string]string)}
}

func (m *memoryKV) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryKV) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

type fakeExchange struct {
	mu        sync.Mutex
	calls     int
	fail      int
	orderID   string
	side      int
	callTimes []time.Time
}

func (f *fakeExchange) SubmitMarketOrder(ctx context.Context, creds mexc.Credentials, symbol string, side int, vol float64, externalOid string) (string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.side = side
	f.callTimes = append(f.callTimes, time.Now())
	if f.fail > 0 {
		f.fail--
		return "", errors.New("exchange busy")
	}
	return f.orderID, nil
}

func testConfig() Config {
	return Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, RequestPacing: 0}
}

func TestOpenShortIdempotent(t *testing.T) {
	kv := newMemoryKV()
	exchange := &fakeExchange{orderID: "oid-1"}
	d := New(exchange, kv, testConfig(), zap.NewNop())
	ctx := context.Background()

	id1, err := d.OpenShort(ctx, mexc.Credentials{}, "BTC", 1, "enter-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := d.OpenShort(ctx, mexc.Credentials{}, "BTC", 1, "enter-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same order id, got %s and %s", id1, id2)
	}
	if exchange.calls != 1 {
		t.Fatalf("expected 1 exchange call, got %d", exchange.calls)
	}
	if exchange.side != mexc.SideOpenShort {
		t.Fatalf("expected open short side, got %d", exchange.side)
	}

	// A fresh dispatcher sharing the store must not resubmit either.
	exchange2 := &fakeExchange{orderID: "oid-2"}
	d2 := New(exchange2, kv, testConfig(), zap.NewNop())
	id3, err := d2.OpenShort(ctx, mexc.Credentials{}, "BTC", 1, "enter-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id3 != id1 {
		t.Fatalf("expected persisted order id %s, got %s", id1, id3)
	}
	if exchange2.calls != 0 {
		t.Fatalf("expected no exchange calls on replay, got %d", exchange2.calls)
	}
}

func TestSubmitRetriesTransientFailure(t *testing.T) {
	exchange := &fakeExchange{orderID: "oid-1", fail: 2}
	d := New(exchange, newMemoryKV(), testConfig(), zap.NewNop())

	id, err := d.CloseShort(context.Background(), mexc.Credentials{}, "BTC", 1, "exit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "oid-1" {
		t.Fatalf("unexpected order id %s", id)
	}
	if exchange.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", exchange.calls)
	}
	if exchange.side != mexc.SideCloseShort {
		t.Fatalf("expected close short side, got %d", exchange.side)
	}
}

func TestSubmitExhaustsAttempts(t *testing.T) {
	exchange := &fakeExchange{orderID: "oid-1", fail: 5}
	d := New(exchange, newMemoryKV(), testConfig(), zap.NewNop())

	if _, err := d.OpenShort(context.Background(), mexc.Credentials{}, "BTC", 1, "enter-1"); err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if exchange.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", exchange.calls)
	}
}

func TestPacingSpacesRequests(t *testing.T) {
	const pacing = 50 * time.Millisecond
	exchange := &fakeExchange{orderID: "oid-1"}
	cfg := Config{MaxAttempts: 1, InitialBackoff: time.Millisecond, RequestPacing: pacing}
	d := New(exchange, newMemoryKV(), cfg, zap.NewNop())
	ctx := context.Background()

	// Every consecutive pair must be spaced, not just the first one: the
	// wait served by one caller must not be credited to the next.
	for i, oid := range []string{"a", "b", "c"} {
		if _, err := d.OpenShort(ctx, mexc.Credentials{}, "BTC", 1, oid); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if len(exchange.callTimes) != 3 {
		t.Fatalf("expected 3 exchange calls, got %d", len(exchange.callTimes))
	}
	for i := 1; i < len(exchange.callTimes); i++ {
		gap := exchange.callTimes[i].Sub(exchange.callTimes[i-1])
		// Small allowance for the time between claiming a slot and the
		// exchange call actually firing.
		if gap < pacing-5*time.Millisecond {
			t.Fatalf("submissions %d and %d only %v apart, pacing is %v", i-1, i, gap, pacing)
		}
	}
}
