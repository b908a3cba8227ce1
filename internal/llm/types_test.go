package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

// Representative Ollama /api/chat responses captured from real interactions.
// These are the actual wire-format payloads the gateway must handle correctly.

func TestOllamaWireResponse_BasicChat(t *testing.T) {
	// Real Ollama response: simple text reply, no tools
	raw := `{
		"model": "qwen3:8b",
		"created_at": "2026-08-20T15:00:00.123456789Z",
		"message": {
			"role": "assistant",
			"content": "NVDA is trading at 182.50, up 1.2% on the day."
		},
		"done": true,
		"total_duration": 1234567890,
		"load_duration": 100000000,
		"prompt_eval_count": 42,
		"prompt_eval_duration": 500000000,
		"eval_count": 15,
		"eval_duration": 600000000
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()

	if resp.Model != "qwen3:8b" {
		t.Errorf("Model = %q, want %q", resp.Model, "qwen3:8b")
	}
	if resp.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero, expected parsed time")
	}
	if resp.CreatedAt.Year() != 2026 || resp.CreatedAt.Month() != time.August {
		t.Errorf("CreatedAt = %v, expected 2026-08", resp.CreatedAt)
	}
	if resp.Message.Role != "assistant" {
		t.Errorf("Message.Role = %q, want %q", resp.Message.Role, "assistant")
	}
	if resp.Message.Content != "NVDA is trading at 182.50, up 1.2% on the day." {
		t.Errorf("Message.Content = %q", resp.Message.Content)
	}
	if !resp.Done {
		t.Error("Done = false, want true")
	}
	if resp.InputTokens != 42 {
		t.Errorf("InputTokens = %d, want 42", resp.InputTokens)
	}
	if resp.OutputTokens != 15 {
		t.Errorf("OutputTokens = %d, want 15", resp.OutputTokens)
	}
	if resp.TotalDuration != 1234567890*time.Nanosecond {
		t.Errorf("TotalDuration = %v, want ~1.2s", resp.TotalDuration)
	}
	if resp.LoadDuration != 100*time.Millisecond {
		t.Errorf("LoadDuration = %v, want 100ms", resp.LoadDuration)
	}
	if resp.EvalDuration != 600*time.Millisecond {
		t.Errorf("EvalDuration = %v, want 600ms", resp.EvalDuration)
	}
}

func TestOllamaWireResponse_WithToolCalls(t *testing.T) {
	// Ollama response with native tool_calls
	raw := `{
		"model": "qwen3:32b",
		"created_at": "2026-08-20T15:01:00Z",
		"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [
				{
					"function": {
						"name": "get_market_data",
						"arguments": {"symbol": "NVDA"}
					}
				}
			]
		},
		"done": true,
		"prompt_eval_count": 128,
		"eval_count": 24
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("ToolCalls count = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Function.Name != "get_market_data" {
		t.Errorf("tool name = %q, want %q", tc.Function.Name, "get_market_data")
	}
	if tc.Function.Arguments["symbol"] != "NVDA" {
		t.Errorf("symbol = %v", tc.Function.Arguments["symbol"])
	}
	if resp.InputTokens != 128 {
		t.Errorf("InputTokens = %d, want 128", resp.InputTokens)
	}
}

func TestOllamaWireResponse_ThinkingTrace(t *testing.T) {
	// Reasoning-capable model with think enabled
	raw := `{
		"model": "qwen3:32b",
		"created_at": "2026-08-20T15:02:00Z",
		"message": {
			"role": "assistant",
			"content": "The setup favors a small long position.",
			"thinking": "Price reclaimed the 20-day average on rising volume."
		},
		"done": true
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()

	if resp.Thinking != "Price reclaimed the 20-day average on rising volume." {
		t.Errorf("Thinking = %q", resp.Thinking)
	}
	if resp.Message.Content != "The setup favors a small long position." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
}

func TestOllamaWireResponse_MissingTimestamp(t *testing.T) {
	// Some Ollama responses may have empty or missing created_at
	raw := `{
		"model": "qwen3:8b",
		"created_at": "",
		"message": {"role": "assistant", "content": "hello"},
		"done": true
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()

	// Should not crash, CreatedAt should be zero time
	if !resp.CreatedAt.IsZero() {
		t.Errorf("expected zero time for empty created_at, got %v", resp.CreatedAt)
	}
	// Everything else should still work
	if resp.Message.Content != "hello" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
}

func TestOllamaWireResponse_ZeroDurations(t *testing.T) {
	// Response with no timing info (some error paths)
	raw := `{
		"model": "qwen3:8b",
		"created_at": "2026-08-20T15:00:00Z",
		"message": {"role": "assistant", "content": "ok"},
		"done": true
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()

	if resp.TotalDuration != 0 {
		t.Errorf("TotalDuration = %v, want 0", resp.TotalDuration)
	}
	if resp.InputTokens != 0 {
		t.Errorf("InputTokens = %d, want 0", resp.InputTokens)
	}
}

func TestOllamaWireResponse_MultipleToolCalls(t *testing.T) {
	// Model returns multiple tool calls in one response
	raw := `{
		"model": "qwen3:32b",
		"created_at": "2026-08-20T15:03:00Z",
		"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [
				{
					"function": {
						"name": "get_market_data",
						"arguments": {"symbol": "NVDA"}
					}
				},
				{
					"function": {
						"name": "get_market_data",
						"arguments": {"symbol": "AMD"}
					}
				}
			]
		},
		"done": true,
		"eval_count": 50
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()

	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %d, want 2", len(resp.Message.ToolCalls))
	}
	if resp.Message.ToolCalls[0].Function.Arguments["symbol"] != "NVDA" {
		t.Error("first tool call symbol mismatch")
	}
	if resp.Message.ToolCalls[1].Function.Arguments["symbol"] != "AMD" {
		t.Error("second tool call symbol mismatch")
	}
}

func TestOllamaWireResponse_LargeTokenCounts(t *testing.T) {
	// Verify no truncation/overflow for realistic large counts
	raw := `{
		"model": "qwen3:32b",
		"created_at": "2026-08-20T15:00:00Z",
		"message": {"role": "assistant", "content": "analysis complete"},
		"done": true,
		"prompt_eval_count": 32768,
		"eval_count": 4096,
		"total_duration": 45000000000,
		"eval_duration": 30000000000
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := wire.toChatResponse()

	if resp.InputTokens != 32768 {
		t.Errorf("InputTokens = %d, want 32768", resp.InputTokens)
	}
	if resp.OutputTokens != 4096 {
		t.Errorf("OutputTokens = %d, want 4096", resp.OutputTokens)
	}
	if resp.TotalDuration != 45*time.Second {
		t.Errorf("TotalDuration = %v, want 45s", resp.TotalDuration)
	}
	if resp.EvalDuration != 30*time.Second {
		t.Errorf("EvalDuration = %v, want 30s", resp.EvalDuration)
	}
}

// ChatResponse field type safety tests

func TestChatResponse_TimeTypeSafety(t *testing.T) {
	// Verify we can do time operations on ChatResponse fields
	// (This would fail at compile time if CreatedAt were string)
	resp := ChatResponse{
		CreatedAt:     time.Now(),
		TotalDuration: 5 * time.Second,
		EvalDuration:  3 * time.Second,
	}

	// These operations prove the types are correct
	_ = resp.CreatedAt.Unix()
	_ = resp.TotalDuration.Seconds()
	_ = resp.EvalDuration.Milliseconds()

	if resp.TotalDuration.Seconds() != 5.0 {
		t.Errorf("TotalDuration.Seconds() = %f, want 5.0", resp.TotalDuration.Seconds())
	}

	// Duration arithmetic works
	overhead := resp.TotalDuration - resp.EvalDuration
	if overhead != 2*time.Second {
		t.Errorf("overhead = %v, want 2s", overhead)
	}
}

func TestChatResponse_ZeroValuesSafe(t *testing.T) {
	// Zero-value ChatResponse should be safe to use
	var resp ChatResponse

	if !resp.CreatedAt.IsZero() {
		t.Error("zero ChatResponse.CreatedAt should be zero time")
	}
	if resp.InputTokens != 0 {
		t.Error("zero ChatResponse.InputTokens should be 0")
	}
	if resp.TotalDuration != 0 {
		t.Error("zero ChatResponse.TotalDuration should be 0")
	}
	if resp.Done {
		t.Error("zero ChatResponse.Done should be false")
	}
}

// MultiClient routing tests

type stubClient struct {
	name  string
	calls int
}

func (s *stubClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, think bool) (*ChatResponse, error) {
	s.calls++
	return &ChatResponse{
		Model:   model,
		Message: Message{Role: "assistant", Content: "from " + s.name},
		Done:    true,
	}, nil
}

func (s *stubClient) Ping(ctx context.Context) error {
	if s.name == "down" {
		return fmt.Errorf("provider %s unreachable", s.name)
	}
	return nil
}

func TestMultiClient_RoutesByModel(t *testing.T) {
	local := &stubClient{name: "local"}
	remote := &stubClient{name: "remote"}

	m := NewMultiClient(local)
	m.AddProvider("local", local)
	m.AddProvider("remote", remote)
	m.AddModel("qwen3:8b", "local")
	m.AddModel("big-model", "remote")

	resp, err := m.Chat(context.Background(), "big-model", nil, nil, false)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "from remote" {
		t.Errorf("routed to %q, want remote", resp.Message.Content)
	}
	if remote.calls != 1 || local.calls != 0 {
		t.Errorf("calls local=%d remote=%d, want 0/1", local.calls, remote.calls)
	}
}

func TestMultiClient_UnknownModelUsesFallback(t *testing.T) {
	fallback := &stubClient{name: "fallback"}
	m := NewMultiClient(fallback)
	m.AddModel("known", "registered-but-missing")

	resp, err := m.Chat(context.Background(), "never-seen:1b", nil, nil, false)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "from fallback" {
		t.Errorf("content = %q, want fallback", resp.Message.Content)
	}
}

func TestMultiClient_NoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	_, err := m.Chat(context.Background(), "anything", nil, nil, false)
	if err == nil {
		t.Fatal("expected error with no provider and no fallback")
	}
}

func TestMultiClient_Ping(t *testing.T) {
	m := NewMultiClient(&stubClient{name: "ok"})
	if err := m.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	down := NewMultiClient(&stubClient{name: "down"})
	if err := down.Ping(context.Background()); err == nil {
		t.Error("expected ping failure from down provider")
	}
}
