package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quantfold/tycho-trading-agent/internal/market"
	"github.com/quantfold/tycho-trading-agent/internal/memory"
)

// marketCacheTTL bounds how old a cached quote may be before the tool
// refetches. Quotes move fast; positions and account data get longer
// lifetimes in broker_tools.go.
const marketCacheTTL = 60 * time.Second

// cachedQuote is one entry in the per-conversation market snapshot.
// Entries carry their own fetch time because the snapshot blob is
// rewritten whenever any symbol refreshes.
type cachedQuote struct {
	market.Quote
	FetchedAt time.Time `json:"fetched_at"`
}

// RegisterMarketTools adds the get_market_data tool. store may be nil,
// which disables snapshot caching; manager must be configured or the
// tool is not registered.
func RegisterMarketTools(r *Registry, manager *market.Manager, store memory.Store, logger *slog.Logger) {
	if manager == nil || !manager.Configured() {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	r.Register(&Tool{
		Name: "get_market_data",
		Description: "Get the current market quote for a ticker symbol: last trade, bid/ask, " +
			"change on the day, and volume. Quotes are cached briefly per conversation, so " +
			"repeated lookups of the same symbol are cheap.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"symbol": map[string]any{
					"type":        "string",
					"description": "Ticker symbol to quote (e.g., NVDA, SPY, BRK.B)",
				},
			},
			"required": []string{"symbol"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			rawSymbol, _ := args["symbol"].(string)
			symbol := market.NormalizeSymbol(rawSymbol)
			if symbol == "" {
				return "", fmt.Errorf("symbol is required")
			}
			if !market.ValidSymbol(symbol) {
				return "", fmt.Errorf("invalid symbol %q", rawSymbol)
			}

			conversationID := ConversationIDFromContext(ctx)

			snapshot := loadMarketSnapshot(ctx, store, conversationID)
			if entry, ok := snapshot[symbol]; ok {
				age := time.Since(entry.FetchedAt)
				if age <= marketCacheTTL {
					return formatQuote(&entry.Quote) + fmt.Sprintf("\n(cached %ds ago)", int(age.Seconds())), nil
				}
			}

			q, err := manager.Quote(ctx, symbol)
			if err != nil {
				return "", fmt.Errorf("get market data for %s: %w", symbol, err)
			}

			if store != nil {
				snapshot[symbol] = cachedQuote{Quote: *q, FetchedAt: time.Now()}
				if err := store.CacheSnapshot(ctx, conversationID, memory.CacheMarket, snapshot, marketCacheTTL); err != nil {
					logger.Warn("market snapshot cache write failed",
						"conversation_id", conversationID,
						"symbol", symbol,
						"error", err)
				}
			}

			return formatQuote(q), nil
		},
	})
}

// loadMarketSnapshot reads the conversation's market snapshot, dropping
// entries older than the TTL. Always returns a usable map.
func loadMarketSnapshot(ctx context.Context, store memory.Store, conversationID string) map[string]cachedQuote {
	snapshot := make(map[string]cachedQuote)
	if store == nil {
		return snapshot
	}
	raw, err := store.GetCachedSnapshot(ctx, conversationID, memory.CacheMarket, 0)
	if err != nil || raw == nil {
		return snapshot
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return make(map[string]cachedQuote)
	}
	for sym, entry := range snapshot {
		if time.Since(entry.FetchedAt) > marketCacheTTL {
			delete(snapshot, sym)
		}
	}
	return snapshot
}

// formatQuote renders a quote for the model.
func formatQuote(q *market.Quote) string {
	var sb strings.Builder
	sign := ""
	if q.Change.IsPositive() {
		sign = "+"
	}
	fmt.Fprintf(&sb, "%s: $%s (%s%s, %s%s%% today)",
		q.Symbol, q.Price.StringFixed(2),
		sign, q.Change.StringFixed(2),
		sign, q.ChangePercent.StringFixed(2))
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		fmt.Fprintf(&sb, "\nbid $%s / ask $%s", q.Bid.StringFixed(2), q.Ask.StringFixed(2))
	}
	if q.Volume > 0 {
		fmt.Fprintf(&sb, "\nvolume %s", formatVolume(q.Volume))
	}
	if q.MarketState != "" && q.MarketState != "REGULAR" {
		fmt.Fprintf(&sb, "\nmarket state: %s", strings.ToLower(q.MarketState))
	}
	fmt.Fprintf(&sb, "\nsource: %s", q.Source)
	return sb.String()
}

// formatVolume renders share volume compactly (e.g., "32.1M", "845.2K").
func formatVolume(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}
