package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quantfold/tycho-trading-agent/internal/agent"
)

// sseWriteDeadline is how long each SSE frame may take to reach the
// client. The deadline is pushed forward after every event so long
// tool-heavy runs never trip the server's write timeout.
const sseWriteDeadline = 120 * time.Second

// keepaliveInterval paces SSE comment frames during stretches where the
// run emits no events (a single long model call, say).
const keepaliveInterval = 15 * time.Second

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message        string `json:"message"`
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	// Stream selects the response shape: true (the default) streams
	// the run's event sequence as SSE; false blocks and returns a
	// single JSON document with the final response.
	Stream *bool `json:"stream,omitempty"`
}

// ChatResponse is the non-streaming response for POST /v1/chat.
type ChatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id"`
	Iterations     int    `json:"iterations"`
	ToolCalls      int    `json:"tool_calls"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	DurationMs     int64  `json:"duration_ms"`
}

// handleChat runs one user turn through the orchestrator. In streaming
// mode every run event goes out as an SSE data frame the moment it is
// emitted, ending with a [DONE] marker; consumers reconstruct the final
// text by concatenating response_chunk events. The run's own terminal
// error event carries in-run failures, so once streaming has started
// the handler never changes the HTTP status.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = "default"
	}
	agentReq := &agent.Request{
		UserMessage:    req.Message,
		UserID:         userID,
		ConversationID: req.ConversationID,
	}

	if req.Stream != nil && !*req.Stream {
		s.handleChatBlocking(w, r, agentReq)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	rc := http.NewResponseController(w)

	// Events and keepalives share the connection, so writes are
	// serialized. Long model calls emit nothing; the ticker's SSE
	// comments keep intermediaries from dropping the idle stream.
	var mu sync.Mutex
	touch := func() {
		if err := rc.SetWriteDeadline(time.Now().Add(sseWriteDeadline)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	emit := func(e agent.Event) {
		mu.Lock()
		defer mu.Unlock()
		s.writeSSE(w, e)
		flusher.Flush()
		touch()
	}

	keepaliveDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-keepaliveDone:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
				mu.Lock()
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()
				touch()
				mu.Unlock()
			}
		}
	}()

	// The run's terminal event already reached the stream; the returned
	// error is the same failure and only needs a log line here.
	if _, err := s.orch.Run(r.Context(), agentReq, emit); err != nil {
		s.logger.Warn("run ended in error", "error", err)
	}
	close(keepaliveDone)

	mu.Lock()
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
	mu.Unlock()
}

// handleChatBlocking runs the turn without streaming and returns one
// JSON document. Used by simple clients and the CLI.
func (s *Server) handleChatBlocking(w http.ResponseWriter, r *http.Request, req *agent.Request) {
	res, err := s.orch.Run(r.Context(), req, nil)
	if err != nil {
		s.logger.Error("run failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "run failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		Response:       res.Response,
		ConversationID: res.ConversationID,
		RunID:          res.RunID,
		Iterations:     res.Iterations,
		ToolCalls:      res.ToolCalls,
		InputTokens:    res.InputTokens,
		OutputTokens:   res.OutputTokens,
		DurationMs:     res.Duration.Milliseconds(),
	}, s.logger)
}

func (s *Server) writeSSE(w http.ResponseWriter, e agent.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}
