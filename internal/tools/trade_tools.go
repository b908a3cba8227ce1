package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quantfold/tycho-trading-agent/internal/trade"
)

// RegisterTradeTool adds the analyze_trade tool. Its output is a
// structured trade decision; the Validating flag routes the run
// through proposal validation before any response goes out.
func RegisterTradeTool(r *Registry, decider *trade.Decider) {
	if decider == nil {
		return
	}

	r.Register(&Tool{
		Name: "analyze_trade",
		Description: "Turn an investment thesis into a concrete trade proposal: action, " +
			"quantity, order type, and limit price, validated against the live quote. " +
			"Use this when the user asks whether or how to trade a specific symbol. " +
			"The proposal is advisory; nothing is sent to the broker.",
		Validating: true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"symbol": map[string]any{
					"type":        "string",
					"description": "Ticker symbol the thesis is about",
				},
				"thesis": map[string]any{
					"type":        "string",
					"description": "The investment thesis: why act, in a few sentences, with the evidence gathered so far",
				},
			},
			"required": []string{"symbol", "thesis"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			symbol, _ := args["symbol"].(string)
			thesis, _ := args["thesis"].(string)
			if strings.TrimSpace(symbol) == "" {
				return "", fmt.Errorf("symbol is required")
			}
			if strings.TrimSpace(thesis) == "" {
				return "", fmt.Errorf("thesis is required")
			}

			decision, err := decider.Decide(ctx, symbol, thesis)
			if err != nil {
				return "", fmt.Errorf("analyze trade for %s: %w", symbol, err)
			}

			// The observation is the decision JSON itself: the
			// validation step re-parses it, and the model reads the
			// same structure when issues come back.
			data, err := json.Marshal(decision)
			if err != nil {
				return "", fmt.Errorf("encode trade decision: %w", err)
			}
			return string(data), nil
		},
	})
}
