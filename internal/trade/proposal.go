// Package trade turns the decision model's judgment into structured,
// checkable proposals. Validation is purely structural: action enum,
// ticker shape, positive quantity, limit price sanity against a live
// quote. Nothing in this package judges whether a trade is wise, and
// nothing in this process places orders.
package trade

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quantfold/tycho-trading-agent/internal/market"
)

// Proposal actions.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// Order types.
const (
	OrderMarket = "market"
	OrderLimit  = "limit"
)

// LimitPriceBand is how far a limit price may deviate from the last
// trade before validation rejects it as implausible.
var LimitPriceBand = decimal.NewFromFloat(0.20)

// Proposal is a structured trade decision produced by the decision
// model. Quantity is decimal so fractional-share proposals survive the
// round trip.
type Proposal struct {
	Action     string           `json:"action"`
	Symbol     string           `json:"symbol"`
	Quantity   decimal.Decimal  `json:"quantity"`
	OrderType  string           `json:"order_type,omitempty"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	Rationale  string           `json:"rationale,omitempty"`
}

// normalize lowercases the enums, uppercases the symbol, and infers
// the order type when the model left it blank.
func (p *Proposal) normalize() {
	p.Action = strings.ToLower(strings.TrimSpace(p.Action))
	p.Symbol = market.NormalizeSymbol(p.Symbol)
	p.OrderType = strings.ToLower(strings.TrimSpace(p.OrderType))
	if p.OrderType == "" {
		if p.LimitPrice != nil {
			p.OrderType = OrderLimit
		} else {
			p.OrderType = OrderMarket
		}
	}
}

// Validation is the outcome of structural proposal checking. Issues
// are phrased for the model: an invalid proposal goes back into the
// conversation as an observation listing everything to fix.
type Validation struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}

// Validate structurally checks a proposal, normalizing it in place.
// quote may be nil when no live data is available; the limit price
// band check is skipped then. Hold proposals carry no order, so only
// their action and symbol are checked.
func Validate(p *Proposal, quote *market.Quote) Validation {
	if p == nil {
		return Validation{Issues: []string{"no proposal to validate"}}
	}
	p.normalize()

	var issues []string

	switch p.Action {
	case ActionBuy, ActionSell, ActionHold:
	default:
		issues = append(issues, fmt.Sprintf("action %q must be one of buy, sell, hold", p.Action))
	}

	if !market.ValidSymbol(p.Symbol) {
		issues = append(issues, fmt.Sprintf("symbol %q is not a valid ticker", p.Symbol))
	}

	if p.Action == ActionHold {
		return Validation{Valid: len(issues) == 0, Issues: issues}
	}

	if !p.Quantity.IsPositive() {
		issues = append(issues, fmt.Sprintf("quantity %s must be positive", p.Quantity))
	}

	switch p.OrderType {
	case OrderMarket:
		if p.LimitPrice != nil {
			issues = append(issues, "market orders do not take a limit_price")
		}
	case OrderLimit:
		issues = append(issues, limitIssues(p, quote)...)
	default:
		issues = append(issues, fmt.Sprintf("order_type %q must be market or limit", p.OrderType))
	}

	return Validation{Valid: len(issues) == 0, Issues: issues}
}

// limitIssues checks a limit order's price, against the live quote
// when one is available.
func limitIssues(p *Proposal, quote *market.Quote) []string {
	if p.LimitPrice == nil || !p.LimitPrice.IsPositive() {
		return []string{"limit orders need a positive limit_price"}
	}
	if quote == nil || !quote.Price.IsPositive() {
		return nil
	}
	deviation := p.LimitPrice.Sub(quote.Price).Abs().Div(quote.Price)
	if deviation.GreaterThan(LimitPriceBand) {
		return []string{fmt.Sprintf(
			"limit_price %s is more than %s%% away from the last trade %s",
			p.LimitPrice,
			LimitPriceBand.Mul(decimal.NewFromInt(100)),
			quote.Price,
		)}
	}
	return nil
}
