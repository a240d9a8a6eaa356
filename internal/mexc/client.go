// Package mexc talks to the MEXC contract (futures) API: public ticker
// reads plus signed account endpoints for positions, orders and order
// submission.
package mexc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Credentials identify one trading account. The client itself is shared;
// every signed call is scoped to the credentials passed in.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Order sides of the contract API.
const (
	SideOpenLong   = 1
	SideCloseShort = 2
	SideOpenShort  = 3
	SideCloseLong  = 4
)

const (
	orderTypeMarket  = 5
	openTypeIsolated = 1
)

// Position types reported by open_positions.
const (
	PositionLong  = 1
	PositionShort = 2
)

type Position struct {
	PositionID   int64   `json:"positionId"`
	Symbol       string  `json:"symbol"`
	PositionType int     `json:"positionType"`
	HoldVol      float64 `json:"holdVol"`
}

type OpenOrder struct {
	OrderID string  `json:"orderId"`
	Symbol  string  `json:"symbol"`
	Side    int     `json:"side"`
	Vol     float64 `json:"vol"`
	State   int     `json:"state"`
}

// Ticker is one contract snapshot. ReceivedAt is set by the websocket
// stream so consumers can reject stale cache entries; REST responses
// leave it zero.
type Ticker struct {
	Symbol     string
	LastPrice  decimal.Decimal
	Bid1       decimal.Decimal
	Ask1       decimal.Decimal
	Volume24h  float64
	ReceivedAt time.Time
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
	now     func() time.Time
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
		now:     time.Now,
	}
}

// ContractSymbol maps a bare ticker such as "BTC" to the USDT-margined
// contract symbol the API expects.
func ContractSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(symbol, "_") {
		return symbol
	}
	return symbol + "_USDT"
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// TickerPrice fetches the last traded price for one contract. Any
// transport, status or shape problem comes back as an error; the caller
// treats it as "price unavailable" for the tick.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	contract := ContractSymbol(symbol)
	data, err := c.get(ctx, "/api/v1/contract/ticker", url.Values{"symbol": {contract}}, Credentials{})
	if err != nil {
		return decimal.Decimal{}, err
	}
	var ticker struct {
		Symbol    string      `json:"symbol"`
		LastPrice json.Number `json:"lastPrice"`
	}
	if err := json.Unmarshal(data, &ticker); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode ticker: %w", err)
	}
	if ticker.LastPrice == "" {
		return decimal.Decimal{}, fmt.Errorf("ticker for %s missing lastPrice", contract)
	}
	price, err := decimal.NewFromString(ticker.LastPrice.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse lastPrice %q: %w", ticker.LastPrice, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive lastPrice for %s", contract)
	}
	return price, nil
}

// AllTickers fetches the full contract ticker list, used for the daily
// volume screen of the tradable universe.
func (c *Client) AllTickers(ctx context.Context) ([]Ticker, error) {
	data, err := c.get(ctx, "/api/v1/contract/ticker", nil, Credentials{})
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol    string      `json:"symbol"`
		LastPrice json.Number `json:"lastPrice"`
		Bid1      json.Number `json:"bid1"`
		Ask1      json.Number `json:"ask1"`
		Volume24  float64     `json:"volume24"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode ticker list: %w", err)
	}
	tickers := make([]Ticker, 0, len(raw))
	for _, t := range raw {
		if t.Symbol == "" {
			continue
		}
		last, err := decimal.NewFromString(t.LastPrice.String())
		if err != nil {
			c.log.Debug("skipping malformed ticker", zap.String("symbol", t.Symbol), zap.Error(err))
			continue
		}
		ticker := Ticker{Symbol: t.Symbol, LastPrice: last, Volume24h: t.Volume24}
		if t.Bid1 != "" {
			if ticker.Bid1, err = decimal.NewFromString(t.Bid1.String()); err != nil {
				continue
			}
		}
		if t.Ask1 != "" {
			if ticker.Ask1, err = decimal.NewFromString(t.Ask1.String()); err != nil {
				continue
			}
		}
		tickers = append(tickers, ticker)
	}
	return tickers, nil
}

func (c *Client) OpenPositions(ctx context.Context, creds Credentials) ([]Position, error) {
	data, err := c.get(ctx, "/api/v1/private/position/open_positions", nil, creds)
	if err != nil {
		return nil, err
	}
	var positions []Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return positions, nil
}

func (c *Client) OpenOrders(ctx context.Context, creds Credentials) ([]OpenOrder, error) {
	data, err := c.get(ctx, "/api/v1/private/order/list/open_orders", nil, creds)
	if err != nil {
		return nil, err
	}
	var orders []OpenOrder
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	return orders, nil
}

type submitRequest struct {
	Symbol      string  `json:"symbol"`
	Vol         float64 `json:"vol"`
	Side        int     `json:"side"`
	Type        int     `json:"type"`
	OpenType    int     `json:"openType"`
	ExternalOid string  `json:"externalOid,omitempty"`
}

// SubmitMarketOrder places a market order and returns the exchange order id.
func (c *Client) SubmitMarketOrder(ctx context.Context, creds Credentials, symbol string, side int, vol float64, externalOid string) (string, error) {
	if vol <= 0 {
		return "", errors.New("order volume must be positive")
	}
	req := submitRequest{
		Symbol:      ContractSymbol(symbol),
		Vol:         vol,
		Side:        side,
		Type:        orderTypeMarket,
		OpenType:    openTypeIsolated,
		ExternalOid: externalOid,
	}
	data, err := c.post(ctx, "/api/v1/private/order/submit", req, creds)
	if err != nil {
		return "", err
	}
	var orderID json.Number
	if err := json.Unmarshal(data, &orderID); err != nil {
		// Some deployments wrap the id in an object.
		var wrapped struct {
			OrderID json.Number `json:"orderId"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return "", fmt.Errorf("decode order id: %w", err)
		}
		orderID = wrapped.OrderID
	}
	if orderID.String() == "" {
		return "", errors.New("order submit returned no order id")
	}
	return orderID.String(), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, creds Credentials) (json.RawMessage, error) {
	fullURL := c.baseURL + path
	encoded := canonicalQuery(query)
	if encoded != "" {
		fullURL += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	if creds.APIKey != "" {
		c.sign(req, creds, encoded)
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body any, creds Credentials) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, creds, string(payload))
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("mexc http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !envelope.Success {
		msg := envelope.Message
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Errorf("mexc api code %d: %s", envelope.Code, msg)
	}
	return envelope.Data, nil
}

func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range query[k] {
			parts = append(parts, k+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}
