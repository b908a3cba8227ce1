package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quantfold/tycho-trading-agent/internal/watchlist"
)

// RegisterWatchlistTools adds the watchlist_add, watchlist_remove, and
// watchlist_show tools. Watched symbols have their live quotes injected
// into the system prompt every run, so the model sees them without a
// market data call.
func RegisterWatchlistTools(r *Registry, store *watchlist.Store) {
	if store == nil {
		return
	}

	r.Register(&Tool{
		Name: "watchlist_add",
		Description: "Add a ticker symbol to the watchlist. Watched symbols have their live " +
			"quotes injected into your context every turn, so you see them without calling " +
			"get_market_data. Use for symbols the user cares about ongoing.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"symbol": map[string]any{
					"type":        "string",
					"description": "Ticker symbol to watch (e.g., NVDA)",
				},
			},
			"required": []string{"symbol"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			symbol, _ := args["symbol"].(string)
			if strings.TrimSpace(symbol) == "" {
				return "", fmt.Errorf("symbol is required")
			}
			if err := store.Add(symbol); err != nil {
				return "", fmt.Errorf("add to watchlist: %w", err)
			}
			slog.Info("watchlist symbol added", "symbol", symbol)
			return fmt.Sprintf("Now watching %s — its quote will appear in your context each turn.",
				strings.ToUpper(strings.TrimSpace(symbol))), nil
		},
	})

	r.Register(&Tool{
		Name: "watchlist_remove",
		Description: "Remove a ticker symbol from the watchlist. Its quote will no longer " +
			"appear in your context each turn.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"symbol": map[string]any{
					"type":        "string",
					"description": "Ticker symbol to stop watching",
				},
			},
			"required": []string{"symbol"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			symbol, _ := args["symbol"].(string)
			if strings.TrimSpace(symbol) == "" {
				return "", fmt.Errorf("symbol is required")
			}
			if err := store.Remove(symbol); err != nil {
				return "", fmt.Errorf("remove from watchlist: %w", err)
			}
			slog.Info("watchlist symbol removed", "symbol", symbol)
			return fmt.Sprintf("Stopped watching %s.", strings.ToUpper(strings.TrimSpace(symbol))), nil
		},
	})

	r.Register(&Tool{
		Name:        "watchlist_show",
		Description: "List the symbols currently on the watchlist.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			symbols, err := store.List()
			if err != nil {
				return "", fmt.Errorf("list watchlist: %w", err)
			}
			if len(symbols) == 0 {
				return "The watchlist is empty.", nil
			}
			return "Watching: " + strings.Join(symbols, ", "), nil
		},
	})
}
