// Package jupiter fetches reference prices for Solana tokens from the
// Jupiter aggregator price API.
package jupiter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type priceEntry struct {
	ID    string `json:"id"`
	Price string `json:"price"`
}

type priceResponse struct {
	Data map[string]priceEntry `json:"data"`
}

// Price returns the USD price for one token mint. The response is parsed
// against a single documented schema; anything else is an error the caller
// maps to "reference price unavailable".
func (c *Client) Price(ctx context.Context, mint string) (decimal.Decimal, error) {
	if strings.TrimSpace(mint) == "" {
		return decimal.Decimal{}, fmt.Errorf("mint is required")
	}
	endpoint := fmt.Sprintf("%s/price/v2?ids=%s", c.baseURL, url.QueryEscape(mint))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return decimal.Decimal{}, fmt.Errorf("jupiter http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode price response: %w", err)
	}
	entry, ok := parsed.Data[mint]
	if !ok || entry.Price == "" {
		return decimal.Decimal{}, fmt.Errorf("no price for mint %s", mint)
	}
	price, err := decimal.NewFromString(entry.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", entry.Price, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive price for mint %s", mint)
	}
	return price, nil
}
