package market

import (
	"context"
	"fmt"

	"github.com/piquette/finance-go/quote"
	"github.com/shopspring/decimal"
)

// YahooProvider serves delayed quotes from Yahoo Finance's public API.
// It needs no credentials, which makes it the fallback of last resort
// when the bridge is down or not configured.
type YahooProvider struct{}

// NewYahooProvider creates a Yahoo Finance quote provider.
func NewYahooProvider() *YahooProvider {
	return &YahooProvider{}
}

// Name returns the provider identifier.
func (p *YahooProvider) Name() string {
	return "yahoo"
}

// Quote fetches the current Yahoo quote. The finance-go client manages
// its own HTTP transport, so the context bounds only the callers above
// this point.
func (p *YahooProvider) Quote(_ context.Context, symbol string) (*Quote, error) {
	q, err := quote.Get(symbol)
	if err != nil {
		return nil, fmt.Errorf("yahoo quote %s: %w", symbol, err)
	}
	if q == nil {
		return nil, fmt.Errorf("yahoo returned no quote for %s", symbol)
	}
	return &Quote{
		Symbol:        symbol,
		Price:         decimal.NewFromFloat(q.RegularMarketPrice),
		Bid:           decimal.NewFromFloat(q.Bid),
		Ask:           decimal.NewFromFloat(q.Ask),
		Change:        decimal.NewFromFloat(q.RegularMarketChange),
		ChangePercent: decimal.NewFromFloat(q.RegularMarketChangePercent),
		Volume:        int64(q.RegularMarketVolume),
		MarketState:   string(q.MarketState),
	}, nil
}
