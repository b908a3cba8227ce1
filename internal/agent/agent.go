// Package agent implements the orchestration loop that turns a user
// message into a final response. Each run is a state machine: it plans
// against the LLM gateway, executes the tools the model requests
// through the registry, validates trade proposals before responding,
// and streams typed events to the caller while persisting the
// conversation. All mutable run state lives in a per-run struct, so one
// Orchestrator serves concurrent runs on different conversations.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantfold/tycho-trading-agent/internal/events"
	"github.com/quantfold/tycho-trading-agent/internal/llm"
	"github.com/quantfold/tycho-trading-agent/internal/memory"
	"github.com/quantfold/tycho-trading-agent/internal/tools"
	"github.com/quantfold/tycho-trading-agent/internal/trade"
)

// Run ceilings. Defaults apply for any Limits field left zero.
const (
	DefaultMaxToolCalls   = 10
	DefaultMaxIterations  = 10
	DefaultRequestTimeout = 300 * time.Second
	DefaultToolTimeout    = 300 * time.Second

	// DefaultHistoryBudget is the token budget handed to the store
	// when rendering prior turns into the system prompt.
	DefaultHistoryBudget = 4096
)

// responseChunkSize is how many runes each response_chunk event
// carries.
const responseChunkSize = 64

// Limits are the safety ceilings for a single run. They are fixed at
// construction and never change mid-run.
type Limits struct {
	// MaxToolCalls caps tool invocations per run; exceeding it ends
	// the run with a terminal error.
	MaxToolCalls int
	// MaxIterations caps gateway round trips per run.
	MaxIterations int
	// RequestTimeout is the wall-clock ceiling for the whole run.
	RequestTimeout time.Duration
	// ToolTimeout bounds each tool attempt; the orchestrator passes
	// it on every registry call.
	ToolTimeout time.Duration
	// ToolRetries caps attempts per tool call. Zero defers to the
	// registry default.
	ToolRetries int
}

func (l Limits) withDefaults() Limits {
	if l.MaxToolCalls <= 0 {
		l.MaxToolCalls = DefaultMaxToolCalls
	}
	if l.MaxIterations <= 0 {
		l.MaxIterations = DefaultMaxIterations
	}
	if l.RequestTimeout <= 0 {
		l.RequestTimeout = DefaultRequestTimeout
	}
	if l.ToolTimeout <= 0 {
		l.ToolTimeout = DefaultToolTimeout
	}
	return l
}

// Request is one user turn handed to Run.
type Request struct {
	// UserMessage is the user's text. Required.
	UserMessage string
	// UserID attributes a freshly created conversation to a user.
	UserID string
	// ConversationID resumes an existing conversation. Empty, or an
	// id the store does not know, starts a new one.
	ConversationID string
}

// Result is the accounting for a finished run. On a terminal error it
// is returned alongside the error with whatever accrued before the
// failure.
type Result struct {
	RunID          string        `json:"run_id"`
	ConversationID string        `json:"conversation_id"`
	Response       string        `json:"response"`
	Iterations     int           `json:"iterations"`
	ToolCalls      int           `json:"tool_calls"`
	InputTokens    int           `json:"input_tokens"`
	OutputTokens   int           `json:"output_tokens"`
	Duration       time.Duration `json:"duration"`
}

// SystemPromptFunc renders the system prompt for a run. It is called
// once per run so time-sensitive blocks (watchlist quotes, the clock)
// stay fresh. The context carries the conversation id.
type SystemPromptFunc func(ctx context.Context) string

// UsageRecorder persists per-run token accounting. usage.Store
// implements it; nil disables recording.
type UsageRecorder interface {
	RecordRun(ctx context.Context, conversationID, runID, model string, inputTokens, outputTokens int) error
}

// TradeHook receives every trade decision that passed validation,
// after the audit rows are written. Wired to the alert mailer; nil
// disables. Implementations must not block the run.
type TradeHook func(ctx context.Context, conversationID string, decision *trade.Decision)

// defaultSystemPrompt covers runs before a prompt builder is wired in.
const defaultSystemPrompt = `You are Tycho, an AI trading assistant. You help the user research
markets, track positions, and think through trades. Use your tools for
live data instead of guessing, and say clearly when data is stale or
unavailable. You never place orders; trade proposals are advisory.`

// Orchestrator runs the agent loop. Construct with New, then wire
// optional collaborators with the Set methods before the first Run.
type Orchestrator struct {
	logger   *slog.Logger
	gateway  llm.Client
	store    memory.Store
	registry *tools.Registry
	model    string
	limits   Limits

	bus           *events.Bus
	usage         UsageRecorder
	tradeHook     TradeHook
	systemPrompt  SystemPromptFunc
	historyBudget int
	think         bool
}

// New creates an orchestrator with default limits. gateway, store, and
// registry are required; model names the conversation model.
func New(gateway llm.Client, store memory.Store, registry *tools.Registry, model string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger:        logger,
		gateway:       gateway,
		store:         store,
		registry:      registry,
		model:         model,
		limits:        Limits{}.withDefaults(),
		historyBudget: DefaultHistoryBudget,
	}
}

// SetLimits replaces the run ceilings. Zero fields fall back to the
// defaults.
func (o *Orchestrator) SetLimits(l Limits) {
	o.limits = l.withDefaults()
}

// Limits returns the configured run ceilings.
func (o *Orchestrator) Limits() Limits {
	return o.limits
}

// SetBus wires the operational event bus. Runs publish telemetry
// (state changes, tool and model calls, completion) alongside the
// typed stream.
func (o *Orchestrator) SetBus(b *events.Bus) {
	o.bus = b
}

// SetUsageRecorder wires per-run token accounting.
func (o *Orchestrator) SetUsageRecorder(u UsageRecorder) {
	o.usage = u
}

// SetTradeHook wires the validated-trade callback.
func (o *Orchestrator) SetTradeHook(h TradeHook) {
	o.tradeHook = h
}

// SetSystemPrompt replaces the built-in system prompt with a
// per-run builder.
func (o *Orchestrator) SetSystemPrompt(f SystemPromptFunc) {
	o.systemPrompt = f
}

// SetHistoryBudget sets the token budget for rendered conversation
// history. Values <= 0 keep the default.
func (o *Orchestrator) SetHistoryBudget(n int) {
	if n > 0 {
		o.historyBudget = n
	}
}

// SetThink asks thinking-capable models to expose their reasoning
// trace; it is stored as message metadata, never shown to the user.
func (o *Orchestrator) SetThink(v bool) {
	o.think = v
}
