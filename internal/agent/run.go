package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tycho-trading-agent/internal/events"
	"github.com/quantfold/tycho-trading-agent/internal/llm"
	"github.com/quantfold/tycho-trading-agent/internal/memory"
	"github.com/quantfold/tycho-trading-agent/internal/tools"
	"github.com/quantfold/tycho-trading-agent/internal/trade"
)

// runState carries everything mutable about one run. It never outlives
// Run and is never shared, which keeps concurrent runs on one
// Orchestrator independent of each other.
type runState struct {
	runID          string
	conversationID string
	state          string
	messages       []llm.Message
	iterations     int
	toolCalls      int
	inputTokens    int
	outputTokens   int
	start          time.Time
	response       string
	terminal       bool
	finished       bool
	emit           EmitFunc
}

func (st *runState) send(e Event) {
	if st.emit != nil {
		st.emit(e)
	}
}

func (st *runState) result() *Result {
	return &Result{
		RunID:          st.runID,
		ConversationID: st.conversationID,
		Response:       st.response,
		Iterations:     st.iterations,
		ToolCalls:      st.toolCalls,
		InputTokens:    st.inputTokens,
		OutputTokens:   st.outputTokens,
		Duration:       time.Since(st.start),
	}
}

// Run executes one user turn end to end, streaming events to emit as
// they happen. It returns after the run's single terminal event; when
// that event is an error, the same failure comes back as the returned
// error with the partial accounting in Result. Cancelling ctx forces
// the run to exit through the error path.
func (o *Orchestrator) Run(ctx context.Context, req *Request, emit EmitFunc) (res *Result, err error) {
	if req == nil || strings.TrimSpace(req.UserMessage) == "" {
		return nil, errors.New("user message is required")
	}
	limits := o.limits

	runID, _ := uuid.NewV7()
	st := &runState{
		runID: runID.String(),
		state: StateIdle,
		start: time.Now(),
		emit:  emit,
	}

	conversationID, cErr := o.store.GetOrCreateConversation(ctx, req.UserID, req.ConversationID)
	if cErr != nil {
		return nil, fmt.Errorf("open conversation: %w", cErr)
	}
	st.conversationID = conversationID

	// Tools and the prompt builder read these from the context.
	ctx = tools.WithConversationID(ctx, conversationID)
	ctx = tools.WithRunID(ctx, st.runID)
	runCtx, cancel := context.WithTimeout(ctx, limits.RequestTimeout)
	defer cancel()

	o.logger.Info("run started",
		"run_id", st.runID,
		"conversation_id", conversationID,
		"user_id", req.UserID,
		"message_len", len(req.UserMessage))

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("run panicked", "run_id", st.runID, "panic", r)
			res, err = o.fail(ctx, st, fmt.Errorf("internal error: %v", r), false)
		}
	}()

	// History is read before this turn is persisted so the rendered
	// block holds prior turns only.
	history, hErr := o.store.GetContext(ctx, conversationID, o.historyBudget)
	if hErr != nil {
		o.logger.Warn("history unavailable", "run_id", st.runID, "error", hErr)
		history = ""
	}
	if _, aErr := o.store.AddMessage(ctx, conversationID, memory.RoleUser, req.UserMessage,
		map[string]any{memory.MetaRunID: st.runID}); aErr != nil {
		o.logger.Warn("user message not persisted", "run_id", st.runID, "error", aErr)
	}

	st.messages = []llm.Message{
		{Role: "system", Content: o.renderSystemPrompt(ctx, history)},
		{Role: "user", Content: req.UserMessage},
	}

	o.publish(events.KindRunStart, map[string]any{
		"run_id":          st.runID,
		"conversation_id": conversationID,
		"user_id":         req.UserID,
	})
	o.transition(st, StatePlanning)

	toolDefs := o.registry.List()

	for iter := range limits.MaxIterations {
		if cause := runCtx.Err(); cause != nil {
			return o.failCtx(ctx, st, cause, limits)
		}
		if time.Since(st.start) > limits.RequestTimeout {
			return o.fail(ctx, st, fmt.Errorf("run timed out after %s", limits.RequestTimeout), false)
		}

		o.publish(events.KindLLMCall, map[string]any{
			"run_id": st.runID,
			"iter":   iter,
			"model":  o.model,
		})
		resp, mErr := o.gateway.Chat(runCtx, o.model, st.messages, toolDefs, o.think)
		if mErr != nil {
			if cause := runCtx.Err(); cause != nil {
				return o.failCtx(ctx, st, cause, limits)
			}
			return o.fail(ctx, st, fmt.Errorf("model call failed: %w", mErr), true)
		}
		st.iterations = iter + 1
		st.inputTokens += resp.InputTokens
		st.outputTokens += resp.OutputTokens
		o.publish(events.KindLLMResponse, map[string]any{
			"run_id":     st.runID,
			"iter":       iter,
			"model":      o.model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(resp.Message.ToolCalls),
		})
		o.logger.Info("model response",
			"run_id", st.runID,
			"iter", iter,
			"tool_calls", len(resp.Message.ToolCalls),
			"content_len", len(resp.Message.Content),
			"tokens_in", resp.InputTokens,
			"tokens_out", resp.OutputTokens)

		if len(resp.Message.ToolCalls) == 0 {
			return o.respond(ctx, st, resp)
		}

		if iter == 0 && strings.TrimSpace(resp.Message.Content) != "" {
			o.emitPlan(ctx, st, resp)
		}

		st.messages = append(st.messages, resp.Message)

		for i, tc := range resp.Message.ToolCalls {
			st.toolCalls++
			if st.toolCalls > limits.MaxToolCalls {
				return o.fail(ctx, st, fmt.Errorf("tool call budget exhausted (max %d)", limits.MaxToolCalls), false)
			}
			o.executeToolCall(runCtx, st, tc, i+1, limits)
		}
	}
	return o.fail(ctx, st, fmt.Errorf("iteration budget exhausted (max %d)", limits.MaxIterations), false)
}

// emitPlan reports the model's first reply when it pairs tool requests
// with stated reasoning: the requested calls become the plan steps and
// the text becomes the rationale.
func (o *Orchestrator) emitPlan(ctx context.Context, st *runState, resp *llm.ChatResponse) {
	steps := make([]PlanStep, 0, len(resp.Message.ToolCalls))
	for i, tc := range resp.Message.ToolCalls {
		steps = append(steps, PlanStep{Index: i + 1, Tool: tc.Function.Name, Args: tc.Function.Arguments})
	}
	rationale := strings.TrimSpace(resp.Message.Content)
	st.send(Event{Type: EventPlan, Steps: steps, Rationale: rationale})
	o.audit(ctx, st, memory.AuditPlan, map[string]any{
		"run_id":    st.runID,
		"rationale": rationale,
		"steps":     steps,
	})
}

// executeToolCall runs one requested call through the registry and
// appends the observation to the running message list. Failures become
// observations for the model to react to, never run-fatal errors;
// retries happen inside the registry only.
func (o *Orchestrator) executeToolCall(ctx context.Context, st *runState, tc llm.ToolCall, step int, limits Limits) {
	name := tc.Function.Name
	args := tc.Function.Arguments
	tool := o.registry.Get(name)

	if st.state != StateExecuting {
		o.transition(st, StateExecuting)
	}

	if tool != nil && tool.DeepReasoning {
		st.send(Event{Type: EventThought, Tool: name, Thought: thoughtText(args)})
	}

	st.send(Event{Type: EventToolStart, Tool: name, Args: args})
	o.publish(events.KindToolCall, map[string]any{"run_id": st.runID, "tool": name})
	o.logger.Info("executing tool", "run_id", st.runID, "tool", name, "step", step)

	res := o.registry.Execute(ctx, name, args, tools.ExecOptions{
		Timeout:    limits.ToolTimeout,
		MaxRetries: limits.ToolRetries,
	})
	durationMs := res.Duration.Milliseconds()
	o.publish(events.KindToolDone, map[string]any{
		"run_id":      st.runID,
		"tool":        name,
		"ok":          res.Success,
		"attempts":    res.Attempts,
		"duration_ms": durationMs,
	})

	var observation string
	if res.Success {
		st.send(Event{Type: EventToolDone, Tool: name, Attempts: res.Attempts, DurationMs: durationMs})
		observation = res.Data
	} else {
		st.send(Event{Type: EventToolError, Tool: name, Attempts: res.Attempts, DurationMs: durationMs, Message: res.Error})
		o.logger.Warn("tool failed",
			"run_id", st.runID,
			"tool", name,
			"attempts", res.Attempts,
			"error", res.Error)
		observation = "Error: " + res.Error
	}

	auditData := map[string]any{
		"run_id":      st.runID,
		"tool":        name,
		"args":        args,
		"success":     res.Success,
		"attempts":    res.Attempts,
		"duration_ms": durationMs,
	}
	if !res.Success {
		auditData["error"] = res.Error
	}
	o.audit(ctx, st, memory.AuditToolCall, auditData)

	if tool != nil && tool.Validating && res.Success {
		observation = o.validateProposal(ctx, st, res.Data)
	}

	st.messages = append(st.messages, llm.Message{Role: "tool", Content: observation, ToolCallID: tc.ID})

	meta := map[string]any{
		memory.MetaRunID:    st.runID,
		memory.MetaTool:     name,
		memory.MetaPlanStep: step,
		memory.MetaToolResult: map[string]any{
			"success":     res.Success,
			"attempts":    res.Attempts,
			"duration_ms": durationMs,
		},
	}
	if !res.Success {
		meta[memory.MetaToolError] = res.Error
	}
	if _, err := o.store.AddMessage(ctx, st.conversationID, memory.RoleObservation, observation, meta); err != nil {
		o.logger.Warn("observation not persisted", "run_id", st.runID, "tool", name, "error", err)
	}
}

// validateProposal re-checks a Validating tool's output before the
// model sees it: the decision JSON is parsed and the structural checks
// run again here, so the verdict the run records is the orchestrator's
// own, not whatever the observation claimed. A rejected or unreadable
// proposal gets a bracketed note appended so the model reacts to the
// failure instead of restating the proposal. The machine stays in
// VALIDATING until the next reply decides where to go.
func (o *Orchestrator) validateProposal(ctx context.Context, st *runState, data string) string {
	o.transition(st, StateValidating)

	decision, err := trade.ParseDecision(data)
	if err != nil {
		o.logger.Warn("proposal unreadable", "run_id", st.runID, "error", err)
		o.audit(ctx, st, memory.AuditValidation, map[string]any{
			"run_id": st.runID,
			"valid":  false,
			"error":  err.Error(),
		})
		return data + "\n\n[Validation: could not parse proposal: " + err.Error() + "]"
	}

	v := trade.Validate(decision.Proposal, decision.Quote)
	decision.Validation = v
	auditData := map[string]any{
		"run_id": st.runID,
		"valid":  v.Valid,
		"symbol": decision.Proposal.Symbol,
		"action": decision.Proposal.Action,
	}
	if len(v.Issues) > 0 {
		auditData["issues"] = v.Issues
	}
	o.audit(ctx, st, memory.AuditValidation, auditData)

	if !v.Valid {
		o.logger.Info("trade proposal rejected",
			"run_id", st.runID,
			"symbol", decision.Proposal.Symbol,
			"issues", len(v.Issues))
		reason := strings.Join(v.Issues, "; ")
		if reason == "" {
			reason = "proposal failed structural checks"
		}
		return data + "\n\n[Validation: proposal rejected: " + reason + "]"
	}

	o.audit(ctx, st, memory.AuditTrade, map[string]any{
		"run_id":   st.runID,
		"decision": decision,
	})
	o.logger.Info("trade proposal validated",
		"run_id", st.runID,
		"symbol", decision.Proposal.Symbol,
		"action", decision.Proposal.Action)
	if o.tradeHook != nil {
		o.tradeHook(ctx, st.conversationID, decision)
	}
	return data
}

// respond streams the final text, persists the assistant turn, and
// walks the machine back to IDLE. The done event fires after
// persistence so a consumer seeing it can immediately replay the
// conversation.
func (o *Orchestrator) respond(ctx context.Context, st *runState, resp *llm.ChatResponse) (*Result, error) {
	o.transition(st, StateResponding)
	content := resp.Message.Content
	st.response = content

	for _, chunk := range chunkRunes(content, responseChunkSize) {
		st.send(Event{Type: EventResponseChunk, Chunk: chunk})
	}

	meta := map[string]any{memory.MetaRunID: st.runID}
	if resp.Thinking != "" {
		meta[memory.MetaReasoning] = resp.Thinking
	}
	if _, err := o.store.AddMessage(ctx, st.conversationID, memory.RoleAssistant, content, meta); err != nil {
		o.logger.Warn("assistant message not persisted", "run_id", st.runID, "error", err)
	}

	st.terminal = true
	st.send(Event{Type: EventDone, FinalResponse: content})
	o.transition(st, StateIdle)
	o.finish(ctx, st, "done")
	return st.result(), nil
}

// fail ends the run with its terminal error event and walks the
// machine through ERROR back to IDLE. Safe to call from any state; a
// run that already produced its terminal event only gets its state
// repaired. The audit write uses a detached context so a cancelled run
// still leaves a trail.
func (o *Orchestrator) fail(ctx context.Context, st *runState, cause error, recoverable bool) (*Result, error) {
	if !st.terminal {
		st.terminal = true
		o.transition(st, StateError)
		st.send(Event{Type: EventError, Error: &RunError{Message: cause.Error(), Recoverable: recoverable}})
		o.audit(context.WithoutCancel(ctx), st, memory.AuditError, map[string]any{
			"run_id":      st.runID,
			"message":     cause.Error(),
			"recoverable": recoverable,
			"iterations":  st.iterations,
			"tool_calls":  st.toolCalls,
		})
		o.logger.Error("run failed",
			"run_id", st.runID,
			"error", cause,
			"recoverable", recoverable,
			"iterations", st.iterations,
			"tool_calls", st.toolCalls)
	}
	if st.state != StateIdle {
		o.transition(st, StateIdle)
	}
	o.finish(ctx, st, "error")
	return st.result(), cause
}

// failCtx classifies a dead context into the timeout or cancellation
// terminal error.
func (o *Orchestrator) failCtx(ctx context.Context, st *runState, cause error, limits Limits) (*Result, error) {
	if errors.Is(cause, context.DeadlineExceeded) && time.Since(st.start) >= limits.RequestTimeout {
		return o.fail(ctx, st, fmt.Errorf("run timed out after %s", limits.RequestTimeout), false)
	}
	return o.fail(ctx, st, fmt.Errorf("run cancelled: %w", cause), false)
}

// finish publishes the run_complete telemetry and records usage,
// exactly once per run.
func (o *Orchestrator) finish(ctx context.Context, st *runState, terminal string) {
	if st.finished {
		return
	}
	st.finished = true
	elapsed := time.Since(st.start)
	o.publish(events.KindRunComplete, map[string]any{
		"run_id":           st.runID,
		"terminal":         terminal,
		"iterations":       st.iterations,
		"tool_calls":       st.toolCalls,
		"total_tokens_in":  st.inputTokens,
		"total_tokens_out": st.outputTokens,
		"elapsed_ms":       elapsed.Milliseconds(),
	})
	if o.usage != nil {
		if err := o.usage.RecordRun(context.WithoutCancel(ctx), st.conversationID, st.runID, o.model, st.inputTokens, st.outputTokens); err != nil {
			o.logger.Warn("usage not recorded", "run_id", st.runID, "error", err)
		}
	}
	o.logger.Info("run complete",
		"run_id", st.runID,
		"terminal", terminal,
		"iterations", st.iterations,
		"tool_calls", st.toolCalls,
		"tokens_in", st.inputTokens,
		"tokens_out", st.outputTokens,
		"duration", elapsed.Round(time.Millisecond))
}

// transition moves the machine to a new state and emits the
// state_change on both the run stream and the bus.
func (o *Orchestrator) transition(st *runState, to string) {
	from := st.state
	st.state = to
	st.send(Event{Type: EventStateChange, From: from, To: to})
	o.publish(events.KindStateChange, map[string]any{
		"run_id": st.runID,
		"from":   from,
		"to":     to,
	})
	o.logger.Debug("state change", "run_id", st.runID, "from", from, "to", to)
}

// publish forwards telemetry to the operational bus.
func (o *Orchestrator) publish(kind string, data map[string]any) {
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      kind,
		Data:      data,
	})
}

// audit appends a run audit row. Audit failures degrade to a log line;
// the trail is worth less than the response.
func (o *Orchestrator) audit(ctx context.Context, st *runState, eventType string, data any) {
	if err := o.store.LogAudit(ctx, st.conversationID, eventType, data); err != nil {
		o.logger.Warn("audit write failed",
			"run_id", st.runID,
			"event_type", eventType,
			"error", err)
	}
}

// renderSystemPrompt builds the system message: the configured prompt
// (or the built-in default) plus the rendered conversation history.
func (o *Orchestrator) renderSystemPrompt(ctx context.Context, history string) string {
	prompt := defaultSystemPrompt
	if o.systemPrompt != nil {
		prompt = o.systemPrompt(ctx)
	}
	if history == "" {
		return prompt
	}
	return prompt + "\n\n# Conversation so far\n" + history
}

// chunkRunes splits s into chunks of at most size runes without ever
// splitting a rune. Concatenating the chunks reproduces s exactly.
func chunkRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	n := 0
	for _, r := range s {
		b.WriteRune(r)
		n++
		if n == size {
			chunks = append(chunks, b.String())
			b.Reset()
			n = 0
		}
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}

// thoughtText summarizes a deep-reasoning invocation for the thought
// event.
func thoughtText(args map[string]any) string {
	task, _ := args["task"].(string)
	task = strings.TrimSpace(task)
	if task == "" {
		return "Delegating to the deep analysis model."
	}
	return "Analyzing: " + truncateRunes(task, 140)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
