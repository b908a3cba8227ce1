// Package broker talks to the trading bridge that fronts the brokerage
// account. The bridge exposes a small read-only HTTP surface; order
// placement never goes through this process.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Quote is the bridge's market-data payload for one symbol.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
}

// Account summarizes the trading account.
type Account struct {
	AccountID      string          `json:"account_id"`
	NetLiquidation decimal.Decimal `json:"net_liquidation"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Currency       string          `json:"currency"`
}

// Position is one open position.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	MarketPrice   decimal.Decimal `json:"market_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// OptionContract is one leg of an option chain.
type OptionContract struct {
	Expiry       string          `json:"expiry"`
	Strike       decimal.Decimal `json:"strike"`
	Right        string          `json:"right"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"open_interest"`
}

// OptionChain is the bridge's option payload for one underlying.
type OptionChain struct {
	Symbol    string           `json:"symbol"`
	Expiries  []string         `json:"expiries"`
	Contracts []OptionContract `json:"contracts"`
}

// Client is the HTTP client for the bridge.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a bridge client. accountID, when set, rides along
// as a query parameter on every request so one bridge can serve
// several paper accounts.
func NewClient(baseURL, accountID string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	http := resty.New()
	http.SetBaseURL(strings.TrimSuffix(baseURL, "/"))
	http.SetTimeout(timeout)
	if accountID != "" {
		http.SetQueryParam("account", accountID)
	}

	return &Client{http: http, logger: logger}
}

// MarketData fetches the live quote for a symbol.
func (c *Client) MarketData(ctx context.Context, symbol string) (*Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var q Quote
	if err := c.getJSON(ctx, "/market-data/"+symbol, &q); err != nil {
		return nil, err
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	return &q, nil
}

// Account fetches the account summary.
func (c *Client) Account(ctx context.Context) (*Account, error) {
	var a Account
	if err := c.getJSON(ctx, "/account", &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Positions fetches all open positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var ps []Position
	if err := c.getJSON(ctx, "/positions", &ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// OptionChain fetches the option chain for an underlying.
func (c *Client) OptionChain(ctx context.Context, symbol string) (*OptionChain, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var oc OptionChain
	if err := c.getJSON(ctx, "/options/"+symbol, &oc); err != nil {
		return nil, err
	}
	if oc.Symbol == "" {
		oc.Symbol = symbol
	}
	return &oc, nil
}

// Ping verifies the bridge answers. Used by the connection watcher.
func (c *Client) Ping(ctx context.Context) error {
	var a Account
	return c.getJSON(ctx, "/account", &a)
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return fmt.Errorf("bridge request %s: %w", path, err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("bridge error %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return fmt.Errorf("parse bridge response: %w", err)
	}
	return nil
}
