package reason

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/quantfold/tycho-trading-agent/internal/tools"
)

// ToolName is the registry name for the deep analysis tool.
const ToolName = "deep_analysis"

const toolDescription = `Run a deep multi-step analysis on a slower reasoning model. Use this for questions that need real research or synthesis: valuation work, comparing scenarios, weighing conflicting data, building an investment thesis. The analysis has its own tool access and can take minutes. Do not use it for a simple quote or a single fact lookup.`

// RegisterTool adds the deep_analysis tool backed by exec to reg.
func RegisterTool(reg *tools.Registry, exec *Executor) {
	reg.Register(&tools.Tool{
		Name:          ToolName,
		Description:   toolDescription,
		DeepReasoning: true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "Plain-language description of the analysis to perform",
				},
				"focus": map[string]any{
					"type":        "string",
					"description": "Optional narrowing hints: symbols, time frames, what to weigh most",
				},
			},
			"required": []string{"task"},
		},
		Handler: analysisHandler(exec),
	})
}

// analysisHandler returns failures as observation text rather than Go
// errors; a registry retry would repeat minutes of model work, and the
// calling model can decide for itself whether to rephrase or move on.
func analysisHandler(exec *Executor) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		task, _ := args["task"].(string)
		if strings.TrimSpace(task) == "" {
			return "Error: task is required", nil
		}
		focus, _ := args["focus"].(string)

		result, err := exec.Analyze(ctx, task, focus)
		if err != nil {
			return fmt.Sprintf("[Analysis FAILED: %s]", err.Error()), nil
		}
		return FormatObservation(result), nil
	}
}

// FormatObservation renders a Result with an explicit outcome header
// so the calling model can tell a finished report from a budget cut
// without parsing anything.
func FormatObservation(r *Result) string {
	summary := formatExecSummary(r)

	if !r.Exhausted {
		header := fmt.Sprintf("[Analysis SUCCEEDED: model=%s, iter=%d, tokens=%s]",
			r.Model, r.Iterations, formatTokens(r.OutputTokens))
		return header + "\n\n" + r.Content + "\n\n" + summary
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[Analysis INCOMPLETE: model=%s, reason=%s, iter=%d, tokens=%s]",
		r.Model, r.ExhaustReason, r.Iterations, formatTokens(r.OutputTokens))
	sb.WriteString("\n\n")
	if r.Content != "" {
		sb.WriteString(r.Content)
		sb.WriteString("\n\n")
	}
	sb.WriteString("[Note: ")
	switch r.ExhaustReason {
	case ExhaustNoOutput:
		sb.WriteString("the analysis ran its tools but produced no report. Retry with a narrower task that names exactly what to return.")
	case ExhaustWallClock:
		sb.WriteString("the analysis hit its wall-clock limit. The report covers what was established in time; narrow the task to go deeper.")
	case ExhaustTokenBudget:
		sb.WriteString("the analysis hit its token budget. The report covers what was established; narrow the task to go deeper.")
	default:
		sb.WriteString("the analysis used all of its iterations. The report covers what was established; narrow the task to go deeper.")
	}
	sb.WriteString("]\n\n")
	sb.WriteString(summary)
	return sb.String()
}

// formatExecSummary renders the tool trace so the calling model sees
// which lookups the analysis performed and whether they succeeded.
func formatExecSummary(r *Result) string {
	var sb strings.Builder
	sb.WriteString("--- execution summary ---\n")
	fmt.Fprintf(&sb, "iterations: %d\n", r.Iterations)
	fmt.Fprintf(&sb, "duration: %s\n", formatDuration(r.Duration))
	if len(r.ToolCalls) == 0 {
		sb.WriteString("tool_calls: (none)\n")
		sb.WriteString("errors: 0\n")
		return sb.String()
	}
	var errCount int
	parts := make([]string, len(r.ToolCalls))
	for i, tc := range r.ToolCalls {
		tag := "ok"
		if !tc.Success {
			tag = "err"
			errCount++
		}
		parts[i] = fmt.Sprintf("%s(%s)", tc.Name, tag)
	}
	fmt.Fprintf(&sb, "tool_calls: %s\n", strings.Join(parts, " → "))
	fmt.Fprintf(&sb, "errors: %d\n", errCount)
	return sb.String()
}

// formatDuration renders a duration compactly: "140ms", "8.2s", "1m12s".
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

// formatTokens renders a token count compactly: "850", "1.2K".
func formatTokens(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%.1fK", math.Round(float64(n)/100)/10)
}
