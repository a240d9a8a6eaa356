package universe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okxloot20-pixel/Mexc-bot/internal/mexc"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type fakeTickers struct {
	tickers []mexc.Ticker
	err     error
}

func (f *fakeTickers) AllTickers(context.Context) ([]mexc.Ticker, error) {
	return f.tickers, f.err
}

// fakeSet fakes the redis hash holding the active token set.
type fakeSet struct {
	hash    map[string]string
	deleted bool
	hgetErr error
}

func newFakeSet() *fakeSet { return &fakeSet{hash: make(map[string]string)} }

func (f *fakeSet) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.deleted = true
	f.hash = make(map[string]string)
	return redis.NewIntCmd(ctx)
}

func (f *fakeSet) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		if fields, ok := v.(map[string]interface{}); ok {
			for k, val := range fields {
				f.hash[k] = val.(string)
			}
		}
	}
	return redis.NewIntCmd(ctx)
}

func (f *fakeSet) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if f.hgetErr != nil {
		cmd.SetErr(f.hgetErr)
		return cmd
	}
	val, ok := f.hash[field]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(val)
	return cmd
}

func (f *fakeSet) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	cmd := redis.NewMapStringStringCmd(ctx)
	cmd.SetVal(f.hash)
	return cmd
}

func testMintMap() map[string]string {
	return map[string]string{
		"SOL_USDT": "So11111111111111111111111111111111111111112",
		"JUP_USDT": "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN",
	}
}

func TestRefreshScreensByVolumeAndMapping(t *testing.T) {
	tickers := &fakeTickers{tickers: []mexc.Ticker{
		{Symbol: "SOL_USDT", Volume24h: 5_000_000},
		{Symbol: "JUP_USDT", Volume24h: 100},     // below floor
		{Symbol: "BTC_USDT", Volume24h: 9e9},     // no mint mapping
	}}
	set := newFakeSet()
	u := New(set, tickers, testMintMap(), 1_000_000, zap.NewNop())

	n, err := u.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 active token, got %d", n)
	}
	if !set.deleted {
		t.Fatalf("expected previous set cleared before rewrite")
	}
	if set.hash["SOL_USDT"] != testMintMap()["SOL_USDT"] {
		t.Fatalf("unexpected active set %v", set.hash)
	}
}

func TestRefreshKeepsPreviousSetOnEmptyScreen(t *testing.T) {
	set := newFakeSet()
	set.hash["SOL_USDT"] = "mint"
	u := New(set, &fakeTickers{}, testMintMap(), 1_000_000, zap.NewNop())

	n, err := u.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n != 0 || set.deleted {
		t.Fatalf("empty screen must not wipe the set, n=%d deleted=%v", n, set.deleted)
	}
}

func TestRefreshPropagatesTickerError(t *testing.T) {
	u := New(newFakeSet(), &fakeTickers{err: errors.New("503")}, testMintMap(), 0, zap.NewNop())
	if _, err := u.Refresh(context.Background()); err == nil {
		t.Fatalf("expected ticker error")
	}
}

func TestPairMintResolvesFromActiveSet(t *testing.T) {
	set := newFakeSet()
	set.hash["SOL_USDT"] = "mint-a"
	u := New(set, &fakeTickers{}, testMintMap(), 0, zap.NewNop())

	mint, ok, err := u.PairMint(context.Background(), "SOL")
	if err != nil || !ok || mint != "mint-a" {
		t.Fatalf("unexpected result mint=%q ok=%v err=%v", mint, ok, err)
	}
	_, ok, err = u.PairMint(context.Background(), "DOGE")
	if err != nil || ok {
		t.Fatalf("expected miss for unmapped symbol, ok=%v err=%v", ok, err)
	}
}

func TestPairMintFallsBackToStaticMap(t *testing.T) {
	set := newFakeSet()
	set.hgetErr = errors.New("connection refused")
	u := New(set, &fakeTickers{}, testMintMap(), 0, zap.NewNop())

	mint, ok, err := u.PairMint(context.Background(), "JUP")
	if err != nil || !ok || mint != testMintMap()["JUP_USDT"] {
		t.Fatalf("expected static fallback, mint=%q ok=%v err=%v", mint, ok, err)
	}
}

func TestLoadMintMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spl.json")
	if err := os.WriteFile(path, []byte(`{"SOL_USDT":"mint-a"}`), 0o600); err != nil {
		t.Fatalf("write map: %v", err)
	}
	m, err := LoadMintMap(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m["SOL_USDT"] != "mint-a" {
		t.Fatalf("unexpected map %v", m)
	}
	if _, err := LoadMintMap(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
