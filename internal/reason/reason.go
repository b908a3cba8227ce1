// Package reason runs bounded deep-analysis tasks on a second, slower
// model. The chat loop stays responsive on the main model; when a
// question needs real research or synthesis, the deep_analysis tool
// hands it here. The executor iterates with its own tool access under
// hard iteration, token, and wall-clock ceilings, and always comes
// back with text, even when a ceiling cuts the work short.
package reason

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tycho-trading-agent/internal/llm"
	"github.com/quantfold/tycho-trading-agent/internal/tools"
)

// Exhaustion reason constants.
const (
	ExhaustMaxIterations = "max_iterations"
	ExhaustTokenBudget   = "token_budget"
	ExhaustWallClock     = "wall_clock"
	ExhaustNoOutput      = "no_output"
)

// Default ceilings for an analysis run.
const (
	DefaultMaxIterations = 8
	DefaultMaxTokens     = 16384
	DefaultMaxDuration   = 5 * time.Minute
	DefaultToolTimeout   = 60 * time.Second
)

// Limits bound a single analysis run. Zero fields fall back to the
// package defaults.
type Limits struct {
	// MaxIterations caps tool-calling rounds.
	MaxIterations int

	// MaxTokens caps cumulative output tokens across iterations.
	MaxTokens int

	// MaxDuration caps wall clock time for the whole run.
	MaxDuration time.Duration

	// ToolTimeout bounds each sub-tool call.
	ToolTimeout time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxIterations <= 0 {
		l.MaxIterations = DefaultMaxIterations
	}
	if l.MaxTokens <= 0 {
		l.MaxTokens = DefaultMaxTokens
	}
	if l.MaxDuration <= 0 {
		l.MaxDuration = DefaultMaxDuration
	}
	if l.ToolTimeout <= 0 {
		l.ToolTimeout = DefaultToolTimeout
	}
	return l
}

// ToolCallRecord records one sub-tool invocation for the execution
// summary.
type ToolCallRecord struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
}

// Result is the outcome of an analysis run.
type Result struct {
	Content       string           `json:"content"`
	Model         string           `json:"model"`
	Iterations    int              `json:"iterations"`
	InputTokens   int              `json:"input_tokens"`
	OutputTokens  int              `json:"output_tokens"`
	Duration      time.Duration    `json:"duration"`
	ToolCalls     []ToolCallRecord `json:"tool_calls,omitempty"`
	Exhausted     bool             `json:"exhausted"`
	ExhaustReason string           `json:"exhaust_reason,omitempty"`
}

// analysisPrompt is the system prompt for the reasoning model.
const analysisPrompt = `You are a market analysis engine. Work through the assigned question methodically using the available tools, then report your conclusions.

Structure the report as:
- Conclusion first, in one or two sentences.
- Evidence: the data points and sources supporting it.
- Risks: what would invalidate the conclusion.

Use tools to gather current data rather than relying on memory. Do not engage in conversation; return the report and stop.`

// UsageRecorder persists per-analysis token accounting. usage.Store
// implements it; nil disables recording.
type UsageRecorder interface {
	RecordAnalysis(ctx context.Context, analysisID, model string, inputTokens, outputTokens int) error
}

// Executor runs analysis tasks against the reasoning model with a
// filtered view of the tool registry.
type Executor struct {
	gateway  llm.Client
	model    string
	registry *tools.Registry
	logger   *slog.Logger
	limits   Limits
	think    bool
	usage    UsageRecorder
}

// NewExecutor creates an analysis executor on the given model. The
// registry is the full tool registry; the executor excludes its own
// tool to prevent recursion. logger may be nil.
func NewExecutor(gateway llm.Client, model string, registry *tools.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		gateway:  gateway,
		model:    model,
		registry: registry,
		logger:   logger,
	}
}

// SetLimits overrides the default ceilings.
func (e *Executor) SetLimits(l Limits) {
	e.limits = l
}

// SetThink asks thinking-capable models to expose their reasoning
// trace on analysis calls.
func (e *Executor) SetThink(think bool) {
	e.think = think
}

// SetUsage wires per-analysis token accounting.
func (e *Executor) SetUsage(u UsageRecorder) {
	e.usage = u
}

// runState carries the counters that finish folds into a Result.
type runState struct {
	analysisID    string
	iterations    int
	inputTokens   int
	outputTokens  int
	exhaustReason string
	start         time.Time
	trace         []ToolCallRecord
}

// Analyze runs the task to completion or to a ceiling. focus narrows
// the work and may be empty. The error return covers only setup and
// model failures; a budget-exhausted run is a normal Result.
func (e *Executor) Analyze(ctx context.Context, task, focus string) (*Result, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("task is required")
	}

	analysisID, _ := uuid.NewV7()
	st := &runState{analysisID: analysisID.String(), start: time.Now()}
	limits := e.limits.withDefaults()

	reg := e.registry.FilteredCopyExcluding([]string{ToolName})
	toolDefs := reg.List()

	e.logger.Info("deep analysis started",
		"analysis_id", st.analysisID,
		"model", e.model,
		"task", truncate(task, 200),
		"tools_available", len(toolDefs),
	)

	var userMsg strings.Builder
	userMsg.WriteString(task)
	if focus != "" {
		userMsg.WriteString("\n\nFocus: ")
		userMsg.WriteString(focus)
	}

	messages := []llm.Message{
		{Role: "system", Content: analysisPrompt},
		{Role: "user", Content: userMsg.String()},
	}

	for i := range limits.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("analysis cancelled: %w", err)
		}

		if time.Since(st.start) > limits.MaxDuration {
			e.logger.Warn("analysis wall clock exceeded",
				"analysis_id", st.analysisID,
				"elapsed", time.Since(st.start).Round(time.Millisecond),
				"max_duration", limits.MaxDuration,
			)
			st.iterations = i
			st.exhaustReason = ExhaustWallClock
			return e.forceFinalReport(ctx, messages, st)
		}

		resp, err := e.gateway.Chat(ctx, e.model, messages, toolDefs, e.think)
		if err != nil {
			return nil, fmt.Errorf("analysis model call failed (iter %d): %w", i, err)
		}
		st.inputTokens += resp.InputTokens
		st.outputTokens += resp.OutputTokens

		e.logger.Info("analysis model response",
			"analysis_id", st.analysisID,
			"iter", i,
			"tool_calls", len(resp.Message.ToolCalls),
			"output_tokens", resp.OutputTokens,
		)

		if len(resp.Message.ToolCalls) == 0 {
			st.iterations = i + 1
			if resp.Message.Content == "" {
				st.exhaustReason = ExhaustNoOutput
			}
			return e.finish(ctx, st, resp.Message.Content), nil
		}

		if st.outputTokens >= limits.MaxTokens {
			e.logger.Warn("analysis token budget exhausted",
				"analysis_id", st.analysisID,
				"cumulative_output", st.outputTokens,
				"max_tokens", limits.MaxTokens,
			)
			st.iterations = i + 1
			st.exhaustReason = ExhaustTokenBudget
			return e.forceFinalReport(ctx, messages, st)
		}

		messages = append(messages, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			res := reg.Execute(ctx, tc.Function.Name, tc.Function.Arguments, tools.ExecOptions{
				Timeout: limits.ToolTimeout,
			})
			content := res.Data
			if !res.Success {
				content = "Error: " + res.Error
				e.logger.Warn("analysis tool failed",
					"analysis_id", st.analysisID,
					"tool", tc.Function.Name,
					"error", res.Error,
				)
			}
			st.trace = append(st.trace, ToolCallRecord{Name: tc.Function.Name, Success: res.Success})
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			})
		}
	}

	e.logger.Warn("analysis max iterations reached",
		"analysis_id", st.analysisID,
		"max_iterations", limits.MaxIterations,
	)
	st.iterations = limits.MaxIterations
	st.exhaustReason = ExhaustMaxIterations
	return e.forceFinalReport(ctx, messages, st)
}

// forceFinalReport makes one last call with no tools so the model must
// produce text, then packages the exhausted result. A failure here
// still returns a Result; the caller always gets something to show.
func (e *Executor) forceFinalReport(ctx context.Context, messages []llm.Message, st *runState) (*Result, error) {
	resp, err := e.gateway.Chat(ctx, e.model, messages, nil, false)
	if err != nil {
		e.logger.Error("analysis final report failed",
			"analysis_id", st.analysisID,
			"error", err,
		)
		return e.finish(ctx, st, "The analysis could not be completed within its budget."), nil
	}
	st.inputTokens += resp.InputTokens
	st.outputTokens += resp.OutputTokens
	return e.finish(ctx, st, resp.Message.Content), nil
}

// finish assembles the Result, records usage, and logs completion.
func (e *Executor) finish(ctx context.Context, st *runState, content string) *Result {
	r := &Result{
		Content:       content,
		Model:         e.model,
		Iterations:    st.iterations,
		InputTokens:   st.inputTokens,
		OutputTokens:  st.outputTokens,
		Duration:      time.Since(st.start),
		ToolCalls:     st.trace,
		Exhausted:     st.exhaustReason != "",
		ExhaustReason: st.exhaustReason,
	}
	if e.usage != nil {
		if err := e.usage.RecordAnalysis(context.WithoutCancel(ctx), st.analysisID, e.model, r.InputTokens, r.OutputTokens); err != nil {
			e.logger.Warn("analysis usage not recorded",
				"analysis_id", st.analysisID,
				"error", err,
			)
		}
	}
	e.logger.Info("deep analysis completed",
		"analysis_id", st.analysisID,
		"model", r.Model,
		"iterations", r.Iterations,
		"input_tokens", r.InputTokens,
		"output_tokens", r.OutputTokens,
		"exhausted", r.Exhausted,
		"exhaust_reason", r.ExhaustReason,
		"elapsed", r.Duration.Round(time.Millisecond),
	)
	return r
}

// truncate shortens a string to maxLen bytes for log fields.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
