package watchlist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quantfold/tycho-trading-agent/internal/market"
)

// QuoteGetter abstracts the market data manager for fetching quotes.
// Using an interface keeps the provider testable without live market
// data.
type QuoteGetter interface {
	Quote(ctx context.Context, symbol string) (*market.Quote, error)
}

// Provider fetches live quotes for all watched symbols and formats
// them as a markdown block for system prompt injection.
type Provider struct {
	store  *Store
	quotes QuoteGetter
	logger *slog.Logger
}

// NewProvider creates a watchlist context provider.
func NewProvider(store *Store, quotes QuoteGetter, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		store:  store,
		quotes: quotes,
		logger: logger,
	}
}

// GetContext returns a formatted markdown block of watched symbol
// quotes for injection into the agent's system prompt. Returns an
// empty string when the watchlist is empty.
func (p *Provider) GetContext(ctx context.Context) (string, error) {
	symbols, err := p.store.List()
	if err != nil {
		return "", fmt.Errorf("list watched symbols: %w", err)
	}
	if len(symbols) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("### Watchlist\n\n")

	for _, sym := range symbols {
		q, err := p.quotes.Quote(ctx, sym)
		if err != nil {
			p.logger.Warn("failed to fetch watched symbol quote",
				"symbol", sym,
				"error", err,
			)
			fmt.Fprintf(&sb, "- **%s**: quote unavailable\n", sym)
			continue
		}

		line := fmt.Sprintf("- **%s**: $%s (%s%%)", sym, q.Price.StringFixed(2), q.ChangePercent.StringFixed(2))
		if q.MarketState != "" && q.MarketState != "REGULAR" {
			line += " [" + strings.ToLower(q.MarketState) + "]"
		}
		sb.WriteString(line + "\n")
	}

	return sb.String(), nil
}
