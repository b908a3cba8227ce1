package market

import (
	"context"

	"github.com/quantfold/tycho-trading-agent/internal/broker"
)

// BridgeProvider serves quotes from the trading bridge, which fronts
// the brokerage's live market data subscription.
type BridgeProvider struct {
	client *broker.Client
}

// NewBridgeProvider wraps a bridge client as a quote provider.
func NewBridgeProvider(client *broker.Client) *BridgeProvider {
	return &BridgeProvider{client: client}
}

// Name returns the provider identifier.
func (p *BridgeProvider) Name() string {
	return "bridge"
}

// Quote fetches the bridge quote and normalizes it.
func (p *BridgeProvider) Quote(ctx context.Context, symbol string) (*Quote, error) {
	q, err := p.client.MarketData(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Symbol:        q.Symbol,
		Price:         q.Price,
		Bid:           q.Bid,
		Ask:           q.Ask,
		Change:        q.Change,
		ChangePercent: q.ChangePercent,
		Volume:        q.Volume,
	}, nil
}
