// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (orchestrator, reasoning
// delegate, connection watcher, retention sweep) to subscribers (WebSocket
// handler, MQTT stats publisher). The bus is nil-safe: calling Publish on
// a nil *Bus is a no-op, so components do not need guard checks.
//
// This is telemetry, not the run stream: the typed per-run event sequence
// a chat caller consumes is produced by the orchestrator directly.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the orchestrator run loop.
	SourceAgent = "agent"
	// SourceReason identifies events from deep-analysis delegation.
	SourceReason = "reason"
	// SourceProbe identifies events from dependency connection probes.
	SourceProbe = "probe"
	// SourceRetention identifies events from the conversation sweep.
	SourceRetention = "retention"
	// SourceAlert identifies events from the trade alert mailer.
	SourceAlert = "alert"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of an orchestrator run.
	// Data: run_id, conversation_id, user_id.
	KindRunStart = "run_start"
	// KindLLMCall signals the start of an LLM API call.
	// Data: run_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of an LLM API call.
	// Data: run_id, iter, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: run_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: run_id, tool, ok, attempts, duration_ms.
	KindToolDone = "tool_done"
	// KindStateChange signals an orchestrator state transition.
	// Data: run_id, from, to.
	KindStateChange = "state_change"
	// KindRunComplete signals the end of an orchestrator run.
	// Data: run_id, terminal, iterations, tool_calls,
	// total_tokens_in, total_tokens_out, elapsed_ms.
	KindRunComplete = "run_complete"

	// KindAnalysisStart signals a deep-analysis delegation was spawned.
	// Data: analysis_id, model, task_len.
	KindAnalysisStart = "analysis_start"
	// KindAnalysisComplete signals a deep-analysis delegation finished.
	// Data: analysis_id, iterations, total_tokens_in, total_tokens_out,
	// exhausted.
	KindAnalysisComplete = "analysis_complete"

	// KindProbeUp signals a watched dependency became reachable.
	// Data: dependency.
	KindProbeUp = "probe_up"
	// KindProbeDown signals a watched dependency became unreachable.
	// Data: dependency, error.
	KindProbeDown = "probe_down"

	// KindSweepComplete signals a retention sweep finished.
	// Data: conversations_removed, max_age_hours.
	KindSweepComplete = "sweep_complete"

	// KindAlertSent signals a trade alert email was delivered.
	// Data: symbol, action.
	KindAlertSent = "alert_sent"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
