package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/tycho-trading-agent/internal/broker"
	"github.com/quantfold/tycho-trading-agent/internal/memory"
)

// positionsCacheTTL bounds the per-conversation positions snapshot.
// Positions drift far slower than quotes.
const positionsCacheTTL = 5 * time.Minute

// maxOptionRows caps how many contracts the option chain tool renders
// in one observation.
const maxOptionRows = 40

// cachedPositions is the positions snapshot blob.
type cachedPositions struct {
	Positions []broker.Position `json:"positions"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// RegisterBrokerTools adds the account surface tools: get_positions,
// get_account, and get_option_chain. No tool here places orders; the
// bridge is read-only from this process. store may be nil, which
// disables the positions snapshot cache.
func RegisterBrokerTools(r *Registry, client *broker.Client, store memory.Store, logger *slog.Logger) {
	if client == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	r.Register(&Tool{
		Name: "get_positions",
		Description: "List the open positions in the trading account: quantity, average cost, " +
			"current market price and value, and unrealized P&L per position.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			conversationID := ConversationIDFromContext(ctx)

			if store != nil {
				if raw, err := store.GetCachedSnapshot(ctx, conversationID, memory.CachePositions, 0); err == nil && raw != nil {
					var cached cachedPositions
					if err := json.Unmarshal(raw, &cached); err == nil {
						age := time.Since(cached.FetchedAt)
						if age <= positionsCacheTTL {
							return formatPositions(cached.Positions) + fmt.Sprintf("\n(cached %ds ago)", int(age.Seconds())), nil
						}
					}
				}
			}

			positions, err := client.Positions(ctx)
			if err != nil {
				return "", fmt.Errorf("get positions: %w", err)
			}

			if store != nil {
				blob := cachedPositions{Positions: positions, FetchedAt: time.Now()}
				if err := store.CacheSnapshot(ctx, conversationID, memory.CachePositions, blob, positionsCacheTTL); err != nil {
					logger.Warn("positions snapshot cache write failed",
						"conversation_id", conversationID,
						"error", err)
				}
			}

			return formatPositions(positions), nil
		},
	})

	r.Register(&Tool{
		Name: "get_account",
		Description: "Get the trading account summary: net liquidation value, cash balance, " +
			"and buying power.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			account, err := client.Account(ctx)
			if err != nil {
				return "", fmt.Errorf("get account: %w", err)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Account %s (%s)\n", account.AccountID, account.Currency)
			fmt.Fprintf(&sb, "net liquidation: $%s\n", account.NetLiquidation.StringFixed(2))
			fmt.Fprintf(&sb, "cash balance: $%s\n", account.CashBalance.StringFixed(2))
			fmt.Fprintf(&sb, "buying power: $%s", account.BuyingPower.StringFixed(2))
			return sb.String(), nil
		},
	})

	r.Register(&Tool{
		Name: "get_option_chain",
		Description: "Get the option chain for an underlying symbol. Without an expiry this " +
			"lists the available expiries and the nearest contracts; pass an expiry date to " +
			"see that expiry's contracts.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"symbol": map[string]any{
					"type":        "string",
					"description": "Underlying ticker symbol",
				},
				"expiry": map[string]any{
					"type":        "string",
					"description": "Optional expiry date (YYYY-MM-DD) to filter contracts to",
				},
			},
			"required": []string{"symbol"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			symbol, _ := args["symbol"].(string)
			symbol = strings.ToUpper(strings.TrimSpace(symbol))
			if symbol == "" {
				return "", fmt.Errorf("symbol is required")
			}
			expiry, _ := args["expiry"].(string)
			expiry = strings.TrimSpace(expiry)

			chain, err := client.OptionChain(ctx, symbol)
			if err != nil {
				return "", fmt.Errorf("get option chain for %s: %w", symbol, err)
			}

			return formatOptionChain(chain, expiry), nil
		},
	})
}

// formatPositions renders the position list for the model.
func formatPositions(positions []broker.Position) string {
	if len(positions) == 0 {
		return "No open positions."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Open positions (%d):\n", len(positions))
	for _, p := range positions {
		pnl := signedDollars(p.UnrealizedPnL)
		fmt.Fprintf(&sb, "%s: %s @ $%s avg, now $%s, value $%s, unrealized P&L %s\n",
			p.Symbol, p.Quantity.String(), p.AvgCost.StringFixed(2),
			p.MarketPrice.StringFixed(2), p.MarketValue.StringFixed(2), pnl)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// signedDollars renders a signed money amount: "+$20714.40", "-$690.00".
func signedDollars(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	switch {
	case d.IsPositive():
		return "+$" + s
	case d.IsNegative():
		return "-$" + s
	default:
		return "$" + s
	}
}

// formatOptionChain renders a chain, filtered to one expiry when given.
func formatOptionChain(chain *broker.OptionChain, expiry string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Option chain for %s\n", chain.Symbol)
	if len(chain.Expiries) > 0 {
		fmt.Fprintf(&sb, "expiries: %s\n", strings.Join(chain.Expiries, ", "))
	}

	contracts := chain.Contracts
	if expiry != "" {
		var filtered []broker.OptionContract
		for _, c := range contracts {
			if c.Expiry == expiry {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) == 0 {
			fmt.Fprintf(&sb, "no contracts for expiry %s; pick one of the expiries above", expiry)
			return sb.String()
		}
		contracts = filtered
		fmt.Fprintf(&sb, "showing %s:\n", expiry)
	}

	shown := contracts
	if len(shown) > maxOptionRows {
		shown = shown[:maxOptionRows]
	}
	for _, c := range shown {
		fmt.Fprintf(&sb, "%s %s %s: bid $%s / ask $%s, volume %d, OI %d\n",
			c.Expiry, c.Right, c.Strike.StringFixed(2),
			c.Bid.StringFixed(2), c.Ask.StringFixed(2),
			c.Volume, c.OpenInterest)
	}
	if extra := len(contracts) - len(shown); extra > 0 {
		fmt.Fprintf(&sb, "... and %d more contracts; pass an expiry to narrow the chain", extra)
	}
	return strings.TrimRight(sb.String(), "\n")
}
