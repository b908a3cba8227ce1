package agent

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quantfold/tycho-trading-agent/internal/llm"
	"github.com/quantfold/tycho-trading-agent/internal/memory"
	"github.com/quantfold/tycho-trading-agent/internal/tools"
)

// mockLLM returns scripted responses in sequence and records each call.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
	Think    bool
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, toolDefs []map[string]any, think bool) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.calls)
	m.calls = append(m.calls, mockLLMCall{
		Model:    model,
		Messages: slices.Clone(msgs),
		Tools:    toolDefs,
		Think:    think,
	})
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx >= len(m.responses) {
		return nil, fmt.Errorf("mock gateway: no response scripted for call %d", idx)
	}
	return m.responses[idx], nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func textReply(content string, outTokens int) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "qwen3:32b",
		Message:      llm.Message{Role: "assistant", Content: content},
		InputTokens:  100,
		OutputTokens: outTokens,
	}
}

func toolCallReply(content string, calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "qwen3:32b",
		Message:      llm.Message{Role: "assistant", Content: content, ToolCalls: calls},
		InputTokens:  100,
		OutputTokens: 30,
	}
}

func toolCall(name string, args map[string]any) llm.ToolCall {
	tc := llm.ToolCall{ID: "call-" + name}
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}

func newTestStore(t *testing.T) memory.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := memory.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

// testRegistry builds a registry of no-op tools with the given names.
func testRegistry(names ...string) *tools.Registry {
	reg := tools.NewRegistry()
	for _, name := range names {
		reg.Register(&tools.Tool{
			Name:        name,
			Description: "test tool " + name,
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler: func(context.Context, map[string]any) (string, error) {
				return "ok", nil
			},
		})
	}
	return reg
}

func newTestOrchestrator(t *testing.T, mock *mockLLM, reg *tools.Registry) (*Orchestrator, memory.Store) {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	store := newTestStore(t)
	return New(mock, store, reg, "qwen3:32b", nil), store
}

// eventSigs renders an event slice compactly: state changes as
// "state_change(FROM,TO)", everything else as the bare type.
func eventSigs(evs []Event) []string {
	var sigs []string
	for _, e := range evs {
		if e.Type == EventStateChange {
			sigs = append(sigs, fmt.Sprintf("%s(%s,%s)", e.Type, e.From, e.To))
		} else {
			sigs = append(sigs, e.Type)
		}
	}
	return sigs
}

// failingStore wraps a real store and fails selected writes.
type failingStore struct {
	memory.Store
	failAdd   bool
	failAudit bool
}

func (f *failingStore) AddMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any) (int64, error) {
	if f.failAdd {
		return 0, fmt.Errorf("disk full")
	}
	return f.Store.AddMessage(ctx, conversationID, role, content, metadata)
}

func (f *failingStore) LogAudit(ctx context.Context, conversationID, eventType string, data any) error {
	if f.failAudit {
		return fmt.Errorf("disk full")
	}
	return f.Store.LogAudit(ctx, conversationID, eventType, data)
}

type usageRow struct {
	ConversationID string
	RunID          string
	Model          string
	In             int
	Out            int
}

type stubUsage struct {
	mu   sync.Mutex
	rows []usageRow
}

func (s *stubUsage) RecordRun(_ context.Context, conversationID, runID, model string, in, out int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, usageRow{conversationID, runID, model, in, out})
	return nil
}

func TestLimitsWithDefaults(t *testing.T) {
	l := Limits{}.withDefaults()
	if l.MaxToolCalls != 10 || l.MaxIterations != 10 {
		t.Errorf("counts = %d/%d, want 10/10", l.MaxToolCalls, l.MaxIterations)
	}
	if l.RequestTimeout != 300*time.Second || l.ToolTimeout != 300*time.Second {
		t.Errorf("timeouts = %s/%s, want 5m0s/5m0s", l.RequestTimeout, l.ToolTimeout)
	}

	l = Limits{MaxToolCalls: 3}.withDefaults()
	if l.MaxToolCalls != 3 {
		t.Errorf("MaxToolCalls = %d, want 3 preserved", l.MaxToolCalls)
	}
	if l.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want default 10", l.MaxIterations)
	}

	o, _ := newTestOrchestrator(t, &mockLLM{}, nil)
	if got := o.Limits().RequestTimeout; got != DefaultRequestTimeout {
		t.Errorf("constructed RequestTimeout = %s, want %s", got, DefaultRequestTimeout)
	}
}

func TestChunkRunes(t *testing.T) {
	if got := chunkRunes("", 64); got != nil {
		t.Errorf("chunkRunes(empty) = %v, want nil", got)
	}

	got := chunkRunes("hello", 2)
	if want := []string{"he", "ll", "o"}; !reflect.DeepEqual(got, want) {
		t.Errorf("chunkRunes(hello, 2) = %v, want %v", got, want)
	}

	got = chunkRunes("hell", 2)
	if want := []string{"he", "ll"}; !reflect.DeepEqual(got, want) {
		t.Errorf("chunkRunes(hell, 2) = %v, want %v", got, want)
	}

	// Multibyte runes never split mid-sequence.
	s := strings.Repeat("€", 5)
	got = chunkRunes(s, 2)
	if want := []string{"€€", "€€", "€"}; !reflect.DeepEqual(got, want) {
		t.Errorf("chunkRunes(euros, 2) = %v, want %v", got, want)
	}
	if strings.Join(got, "") != s {
		t.Error("concatenated chunks do not reproduce the input")
	}
}

func TestThoughtText(t *testing.T) {
	if got := thoughtText(nil); got != "Delegating to the deep analysis model." {
		t.Errorf("thoughtText(nil) = %q", got)
	}
	if got := thoughtText(map[string]any{"task": "compare NVDA to AMD"}); got != "Analyzing: compare NVDA to AMD" {
		t.Errorf("thoughtText = %q", got)
	}

	long := strings.Repeat("x", 200)
	got := thoughtText(map[string]any{"task": long})
	if !strings.HasSuffix(got, "...") {
		t.Errorf("long task not truncated: %q", got)
	}
	if len([]rune(got)) > len("Analyzing: ")+143 {
		t.Errorf("truncated thought too long: %d runes", len([]rune(got)))
	}
}
