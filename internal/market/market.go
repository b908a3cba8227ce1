// Package market provides pluggable market data providers for the agent.
//
// Each backend implements the [Provider] interface. The [Manager] walks
// its providers in registration order and returns the first quote that
// succeeds, so a broker bridge outage degrades to delayed public data
// instead of a failed tool call.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// NormalizeSymbol uppercases and trims a ticker symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidSymbol reports whether a normalized symbol looks like a ticker:
// letters, digits, dots and dashes, at most 12 characters.
func ValidSymbol(symbol string) bool {
	if symbol == "" || len(symbol) > 12 {
		return false
	}
	for _, r := range symbol {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Quote is a normalized market quote, whichever provider produced it.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
	MarketState   string          `json:"market_state,omitempty"`
	Source        string          `json:"source"`
}

// Provider is the interface market data backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "bridge", "yahoo").
	Name() string

	// Quote fetches the current quote for an uppercase symbol.
	Quote(ctx context.Context, symbol string) (*Quote, error)
}

// Manager holds configured providers and routes quote lookups.
type Manager struct {
	providers []Provider
	logger    *slog.Logger
}

// NewManager creates a market data manager. Provider order is fallback
// order.
func NewManager(logger *slog.Logger, providers ...Provider) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{providers: providers, logger: logger}
}

// Register appends a provider to the fallback chain.
func (m *Manager) Register(p Provider) {
	m.providers = append(m.providers, p)
}

// Quote fetches a quote, trying each provider in order until one
// answers. The returned quote carries the name of the provider that
// produced it.
func (m *Manager) Quote(ctx context.Context, symbol string) (*Quote, error) {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is empty")
	}
	if len(m.providers) == 0 {
		return nil, fmt.Errorf("no market data providers configured")
	}

	var lastErr error
	for _, p := range m.providers {
		q, err := p.Quote(ctx, symbol)
		if err != nil {
			m.logger.Warn("market data provider failed",
				"provider", p.Name(),
				"symbol", symbol,
				"error", err)
			lastErr = err
			continue
		}
		q.Source = p.Name()
		return q, nil
	}
	return nil, fmt.Errorf("all market data providers failed for %s: %w", symbol, lastErr)
}

// Providers returns the names of all registered providers in fallback
// order.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for _, p := range m.providers {
		names = append(names, p.Name())
	}
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}
