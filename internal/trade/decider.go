package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quantfold/tycho-trading-agent/internal/llm"
	"github.com/quantfold/tycho-trading-agent/internal/market"
)

// decisionPrompt pins the decision model to strict JSON output.
const decisionPrompt = `You are the trade decision engine for an equities research assistant. Given a symbol, a live quote, and a thesis, decide whether the thesis supports a trade right now.

Respond with a single JSON object and nothing else:
{"action": "buy" | "sell" | "hold", "symbol": "TICKER", "quantity": <number of shares>, "order_type": "market" | "limit", "limit_price": <number, limit orders only>, "rationale": "<one or two sentences>"}

Rules:
- When the thesis does not clearly support a trade, answer with action "hold".
- Size positions conservatively; never propose more than the thesis justifies.
- Limit prices must stay near the current market.`

// QuoteGetter supplies live quotes for the sanity checks. Implemented
// by market.Manager.
type QuoteGetter interface {
	Quote(ctx context.Context, symbol string) (*market.Quote, error)
}

// Decider runs the decision prompt against the gateway and validates
// what comes back. It backs the analyze_trade tool.
type Decider struct {
	gateway llm.Client
	model   string
	quotes  QuoteGetter
	logger  *slog.Logger
}

// NewDecider creates a decider on the given decision model. quotes may
// be nil; proposals then validate without the limit price band check.
func NewDecider(gateway llm.Client, model string, quotes QuoteGetter, logger *slog.Logger) *Decider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{gateway: gateway, model: model, quotes: quotes, logger: logger}
}

// Decision bundles a proposal with its validation outcome and the
// quote the checks ran against.
type Decision struct {
	Proposal   *Proposal     `json:"proposal"`
	Validation Validation    `json:"validation"`
	Quote      *market.Quote `json:"quote,omitempty"`
}

// Decide asks the decision model for a proposal on symbol given the
// thesis, then validates it structurally. An invalid proposal is not
// an error; the caller gets the issues inside the Decision. A quote
// fetch failure only narrows validation, it never fails the call.
func (d *Decider) Decide(ctx context.Context, symbol, thesis string) (*Decision, error) {
	symbol = market.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if strings.TrimSpace(thesis) == "" {
		return nil, fmt.Errorf("thesis is required")
	}

	var quote *market.Quote
	if d.quotes != nil {
		q, err := d.quotes.Quote(ctx, symbol)
		if err != nil {
			d.logger.Warn("no live quote for trade decision", "symbol", symbol, "error", err)
		} else {
			quote = q
		}
	}

	messages := []llm.Message{
		{Role: "system", Content: decisionPrompt},
		{Role: "user", Content: decisionRequest(symbol, thesis, quote)},
	}

	resp, err := d.gateway.Chat(ctx, d.model, messages, nil, false)
	if err != nil {
		return nil, fmt.Errorf("decision model: %w", err)
	}

	proposal, err := parseProposal(resp.Message.Content)
	if err != nil {
		return nil, err
	}
	if proposal.Symbol == "" {
		proposal.Symbol = symbol
	}

	decision := &Decision{
		Proposal:   proposal,
		Validation: Validate(proposal, quote),
		Quote:      quote,
	}
	d.logger.Info("trade decision",
		"symbol", proposal.Symbol,
		"action", proposal.Action,
		"valid", decision.Validation.Valid)
	return decision, nil
}

// decisionRequest renders the user message for the decision model.
func decisionRequest(symbol, thesis string, quote *market.Quote) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", symbol)
	if quote != nil {
		fmt.Fprintf(&b, "Last trade: %s (bid %s / ask %s, %s%% today, source %s)\n",
			quote.Price, quote.Bid, quote.Ask, quote.ChangePercent, quote.Source)
	} else {
		b.WriteString("Last trade: unavailable\n")
	}
	b.WriteString("\nThesis:\n")
	b.WriteString(strings.TrimSpace(thesis))
	return b.String()
}

// parseProposal extracts the proposal JSON from model output. Models
// wrap JSON in code fences or prose; decoding from the first brace
// tolerates both, the same salvage the gateway applies to text-form
// tool calls.
func parseProposal(content string) (*Proposal, error) {
	start := strings.Index(content, "{")
	if start == -1 {
		return nil, fmt.Errorf("decision model returned no JSON: %s", snippet(content, 120))
	}
	var p Proposal
	if err := json.NewDecoder(strings.NewReader(content[start:])).Decode(&p); err != nil {
		return nil, fmt.Errorf("parse proposal: %w", err)
	}
	return &p, nil
}

// ParseDecision decodes a Decision from an analyze_trade observation.
func ParseDecision(data string) (*Decision, error) {
	var d Decision
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("parse decision: %w", err)
	}
	if d.Proposal == nil {
		return nil, fmt.Errorf("decision carries no proposal")
	}
	return &d, nil
}

// snippet returns at most max runes of s for error messages.
func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
