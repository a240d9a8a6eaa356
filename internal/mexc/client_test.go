package mexc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestContractSymbol(t *testing.T) {
	if got := ContractSymbol("btc"); got != "BTC_USDT" {
		t.Fatalf("expected BTC_USDT, got %s", got)
	}
	if got := ContractSymbol("ETH_USDT"); got != "ETH_USDT" {
		t.Fatalf("expected ETH_USDT, got %s", got)
	}
}

func TestTickerPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/contract/ticker" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("symbol") != "BTC_USDT" {
			t.Fatalf("unexpected symbol %s", r.URL.Query().Get("symbol"))
		}
		_, _ = w.Write([]byte(`{"success":true,"code":0,"data":{"symbol":"BTC_USDT","lastPrice":64250.5}}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, zap.NewNop())
	price, err := client.TickerPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("64250.5")) {
		t.Fatalf("expected 64250.5, got %s", price)
	}
}

func TestAllTickers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/contract/ticker" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.RawQuery != "" {
			t.Fatalf("expected no query for the full list, got %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"success":true,"code":0,"data":[
			{"symbol":"BTC_USDT","lastPrice":64250.5,"volume24":123456},
			{"symbol":"BROKEN_USDT","volume24":42},
			{"lastPrice":1.5,"volume24":42},
			{"symbol":"SOL_USDT","lastPrice":147.25,"volume24":7890}
		]}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, zap.NewNop())
	tickers, err := client.AllTickers(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Entries without a symbol or a parseable lastPrice are dropped, never
	// returned with zeroed prices.
	if len(tickers) != 2 {
		t.Fatalf("expected 2 tickers, got %d", len(tickers))
	}
	if tickers[1].Symbol != "SOL_USDT" || tickers[1].Volume24h != 7890 {
		t.Fatalf("unexpected ticker %+v", tickers[1])
	}
	if !tickers[0].LastPrice.Equal(decimal.RequireFromString("64250.5")) {
		t.Fatalf("unexpected price %s", tickers[0].LastPrice)
	}
	for _, ticker := range tickers {
		if !ticker.LastPrice.IsPositive() {
			t.Fatalf("zeroed price slipped through: %+v", ticker)
		}
	}
}

func TestTickerPriceUnexpectedShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"code":0,"data":{"symbol":"BTC_USDT"}}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, zap.NewNop())
	if _, err := client.TickerPrice(context.Background(), "BTC"); err == nil {
		t.Fatalf("expected error for response without lastPrice")
	}
}

func TestTickerPriceAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"code":1002,"message":"contract not activated"}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, zap.NewNop())
	if _, err := client.TickerPrice(context.Background(), "BTC"); err == nil {
		t.Fatalf("expected error for unsuccessful response")
	}
}

func TestOpenPositionsSignsRequest(t *testing.T) {
	creds := Credentials{APIKey: "ak", APISecret: "sk"}
	var gotKey, gotTime, gotSig string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("ApiKey")
		gotTime = r.Header.Get("Request-Time")
		gotSig = r.Header.Get("Signature")
		_, _ = w.Write([]byte(`{"success":true,"code":0,"data":[{"positionId":1,"symbol":"BTC_USDT","positionType":2,"holdVol":3}]}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, zap.NewNop())
	client.now = func() time.Time { return time.UnixMilli(1700000000000) }
	positions, err := client.OpenPositions(context.Background(), creds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 1 || positions[0].PositionType != PositionShort || positions[0].HoldVol != 3 {
		t.Fatalf("unexpected positions: %+v", positions)
	}
	if gotKey != "ak" || gotTime != "1700000000000" {
		t.Fatalf("unexpected auth headers: %s %s", gotKey, gotTime)
	}
	mac := hmac.New(sha256.New, []byte("sk"))
	mac.Write([]byte("ak" + "1700000000000" + ""))
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Fatalf("expected signature %s, got %s", want, gotSig)
	}
}

func TestSubmitMarketOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/private/order/submit" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req["symbol"] != "BTC_USDT" || req["side"] != float64(SideOpenShort) || req["type"] != float64(5) {
			t.Fatalf("unexpected request: %v", req)
		}
		if r.Header.Get("Signature") == "" {
			t.Fatalf("expected signed request")
		}
		_, _ = w.Write([]byte(`{"success":true,"code":0,"data":102015012431820288}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, zap.NewNop())
	orderID, err := client.SubmitMarketOrder(context.Background(), Credentials{APIKey: "k", APISecret: "s"}, "BTC", SideOpenShort, 1, "ext-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if orderID != "102015012431820288" {
		t.Fatalf("unexpected order id %s", orderID)
	}
}

func TestSubmitMarketOrderRejectsZeroVolume(t *testing.T) {
	client := New("http://localhost", time.Second, zap.NewNop())
	if _, err := client.SubmitMarketOrder(context.Background(), Credentials{}, "BTC", SideOpenShort, 0, ""); err == nil {
		t.Fatalf("expected error for zero volume")
	}
}
