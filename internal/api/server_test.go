package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/quantfold/tycho-trading-agent/internal/agent"
	"github.com/quantfold/tycho-trading-agent/internal/connwatch"
	"github.com/quantfold/tycho-trading-agent/internal/events"
	"github.com/quantfold/tycho-trading-agent/internal/llm"
	"github.com/quantfold/tycho-trading-agent/internal/memory"
	"github.com/quantfold/tycho-trading-agent/internal/tools"
)

// scriptedLLM returns queued responses in order.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	calls     int
}

func (m *scriptedLLM) Chat(context.Context, string, []llm.Message, []map[string]any, bool) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls >= len(m.responses) {
		return nil, fmt.Errorf("scripted gateway: no response for call %d", m.calls)
	}
	resp := m.responses[m.calls]
	m.calls++
	return resp, nil
}

func (m *scriptedLLM) Ping(context.Context) error { return nil }

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

func newTestServer(t *testing.T, replies ...*llm.ChatResponse) (*Server, memory.Store) {
	t.Helper()
	store := newTestStore(t)
	mock := &scriptedLLM{responses: replies}
	orch := agent.New(mock, store, tools.NewRegistry(), "test-model", nil)
	return NewServer("", 0, orch, store, nil), store
}

func textReply(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: "assistant", Content: content},
		InputTokens:  40,
		OutputTokens: 12,
	}
}

// sseEvents splits an SSE body into its data payloads, excluding the
// terminal [DONE] marker.
func sseEvents(t *testing.T, body string) []agent.Event {
	t.Helper()
	var out []agent.Event
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var e agent.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			t.Fatalf("bad SSE payload %q: %v", data, err)
		}
		out = append(out, e)
	}
	return out
}

func TestChatStreaming(t *testing.T) {
	srv, _ := newTestServer(t, textReply("All quiet on the markets."))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/chat", "application/json",
		strings.NewReader(`{"message": "anything moving today?"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(raw)

	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("stream missing [DONE] terminator:\n%s", body)
	}

	evs := sseEvents(t, body)
	var kinds []string
	var text strings.Builder
	for _, e := range evs {
		kinds = append(kinds, e.Type)
		if e.Type == agent.EventResponseChunk {
			text.WriteString(e.Chunk)
		}
	}
	want := []string{
		agent.EventStateChange, // IDLE -> PLANNING
		agent.EventStateChange, // PLANNING -> RESPONDING
		agent.EventResponseChunk,
		agent.EventDone,
		agent.EventStateChange, // RESPONDING -> IDLE
	}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("event sequence = %v, want %v", kinds, want)
	}
	if got := text.String(); got != "All quiet on the markets." {
		t.Errorf("concatenated chunks = %q", got)
	}
}

func TestChatBlocking(t *testing.T) {
	srv, store := newTestServer(t, textReply("SPY is up half a percent."))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/chat", "application/json",
		strings.NewReader(`{"message": "how is SPY?", "stream": false}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Response != "SPY is up half a percent." {
		t.Errorf("response = %q", out.Response)
	}
	if out.ConversationID == "" || out.RunID == "" {
		t.Errorf("missing identifiers: %+v", out)
	}

	// The turn is persisted: user message plus assistant reply.
	msgs, err := store.GetMessages(context.Background(), out.ConversationID, 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[1].Role != memory.RoleAssistant {
		t.Errorf("last role = %q, want assistant", msgs[1].Role)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for name, body := range map[string]string{
		"empty message": `{"message": "   "}`,
		"broken json":   `{"message"`,
	} {
		resp, err := http.Post(ts.URL+"/v1/chat", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("%s: post: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestMessagesReplay(t *testing.T) {
	srv, store := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	convID, err := store.GetOrCreateConversation(ctx, "trader", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i, text := range []string{"first", "second", "third"} {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		if _, err := store.AddMessage(ctx, convID, role, text, nil); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}

	resp, err := http.Get(ts.URL + "/v1/conversations/" + convID + "/messages?limit=2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Messages []memory.Message `json:"messages"`
		Count    int              `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 2 {
		t.Fatalf("count = %d, want 2", out.Count)
	}
	// The most recent messages, oldest first.
	if out.Messages[0].Content != "second" || out.Messages[1].Content != "third" {
		t.Errorf("replay = %q, %q", out.Messages[0].Content, out.Messages[1].Content)
	}
}

func TestMessagesUnknownConversation(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/conversations/no-such-id/messages")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

type staticHealth map[string]connwatch.ServiceStatus

func (h staticHealth) Status() map[string]connwatch.ServiceStatus { return h }

func TestHealthzDegraded(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.SetHealthSource(staticHealth{
		"ollama": {Name: "ollama", Ready: true},
		"broker": {Name: "broker", Ready: false, LastError: "connection refused"},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when degraded", resp.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "degraded" {
		t.Errorf("status = %q, want degraded", out.Status)
	}
}

func TestEventFeedWithoutBus(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestEventFeedDeliversBusEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	bus := events.New()
	srv.SetBus(bus)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the handler a moment to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindRunStart,
		Data:      map[string]any{"run_id": "r-1"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Source != events.SourceAgent || got.Kind != events.KindRunStart {
		t.Errorf("event = %s/%s, want agent/run_start", got.Source, got.Kind)
	}
}

func TestStatsWithoutLedger(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
