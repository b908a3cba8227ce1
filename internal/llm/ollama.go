// Package llm provides LLM client implementations.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/quantfold/tycho-trading-agent/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client. logger may be nil.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// Large models with tools need time
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
		logger:     logger,
	}
}

// ollamaChatRequest is the wire format for POST /api/chat.
type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Think    bool             `json:"think,omitempty"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

// ollamaWireMessage is the message shape Ollama returns. Thinking is
// populated by reasoning-capable models when the request set think.
type ollamaWireMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ollamaWireResponse is the raw response from the Ollama chat API.
// Timestamps are RFC 3339 strings and durations are nanosecond counts;
// toChatResponse converts them to proper Go types.
type ollamaWireResponse struct {
	Model     string            `json:"model"`
	CreatedAt string            `json:"created_at"`
	Message   ollamaWireMessage `json:"message"`
	Done      bool              `json:"done"`

	// Usage stats (when done=true)
	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

// toChatResponse converts the wire response to the provider-neutral form.
func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	resp := &ChatResponse{
		Model: w.Model,
		Message: Message{
			Role:      w.Message.Role,
			Content:   w.Message.Content,
			ToolCalls: w.Message.ToolCalls,
		},
		Done:          w.Done,
		Thinking:      w.Message.Thinking,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
	if w.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
			resp.CreatedAt = t
		}
	}
	return resp
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, think bool) (*ChatResponse, error) {
	req := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Think:    think,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama chat request", "model", model, "payload", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var wire ollamaWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama chat response",
		"model", wire.Model, "done", wire.Done,
		"input_tokens", wire.PromptEvalCount, "output_tokens", wire.EvalCount)

	chatResp := wire.toChatResponse()

	// Some models emit tool calls as JSON text instead of the native
	// tool_calls field; salvage those so the loop still sees them.
	if len(chatResp.Message.ToolCalls) == 0 && chatResp.Message.Content != "" {
		if parsed := parseTextToolCalls(chatResp.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
			c.logger.Debug("salvaged text-form tool calls", "count", len(parsed))
			chatResp.Message.ToolCalls = parsed
			chatResp.Message.Content = ""
		}
	}
	return chatResp, nil
}

// extractToolNames pulls the function names out of a tool schema list.
// Malformed entries are skipped.
func extractToolNames(tools []map[string]any) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, ok := fn["name"].(string)
		if !ok || name == "" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many models output tool calls as JSON in the content rather than using
// the native tool_calls field. Handled formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Concatenated objects: {...}{...}{...} (qwen parallel calls)
//   - Tagged: <tool_call>...</tool_call>
//   - Prefixed: tool_name {"arg": ...}
//
// Trailing prose after the parsed JSON is ignored. When validTools is
// non-empty, calls naming unknown tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	// Extract from <tool_call> tags, tolerating a missing closing tag
	// and any preamble text before the opening tag.
	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			content = strings.TrimSpace(rest[:end])
		} else {
			content = strings.TrimSpace(rest)
		}
	}

	type rawCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	allowed := func(name string) bool {
		return len(validTools) == 0 || slices.Contains(validTools, name)
	}

	toCalls := func(raw []rawCall) []ToolCall {
		var out []ToolCall
		for _, r := range raw {
			if r.Name == "" || !allowed(r.Name) {
				continue
			}
			var tc ToolCall
			tc.Function.Name = r.Name
			tc.Function.Arguments = r.Arguments
			out = append(out, tc)
		}
		return out
	}

	// Array of tool calls
	var arr []rawCall
	if err := json.Unmarshal([]byte(content), &arr); err == nil && len(arr) > 0 {
		return toCalls(arr)
	}

	// One or more concatenated objects; a decoder reads them in sequence
	// and stops at the first thing that is not JSON.
	if strings.HasPrefix(content, "{") {
		dec := json.NewDecoder(strings.NewReader(content))
		var raw []rawCall
		for {
			var r rawCall
			if err := dec.Decode(&r); err != nil {
				break
			}
			raw = append(raw, r)
		}
		if len(raw) > 0 {
			return toCalls(raw)
		}
	}

	// "tool_name {json}" format that some models output
	if name, rest, found := strings.Cut(content, " "); found {
		rest = strings.TrimSpace(rest)
		if allowed(name) && strings.HasPrefix(rest, "{") {
			var args map[string]any
			if err := json.NewDecoder(strings.NewReader(rest)).Decode(&args); err == nil {
				var tc ToolCall
				tc.Function.Name = name
				tc.Function.Arguments = args
				return []ToolCall{tc}
			}
		}
	}

	return nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
