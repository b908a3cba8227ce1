// Package api implements the agent's HTTP surface: the chat run
// stream, conversation replay and reports, the operational event
// feed, dependency health, and usage stats.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/quantfold/tycho-trading-agent/internal/agent"
	"github.com/quantfold/tycho-trading-agent/internal/buildinfo"
	"github.com/quantfold/tycho-trading-agent/internal/connwatch"
	"github.com/quantfold/tycho-trading-agent/internal/events"
	"github.com/quantfold/tycho-trading-agent/internal/memory"
	"github.com/quantfold/tycho-trading-agent/internal/report"
	"github.com/quantfold/tycho-trading-agent/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// HealthSource reports dependency health for /healthz. Satisfied by
// connwatch.Manager.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	orch    *agent.Orchestrator
	store   memory.Store
	reports *report.Builder
	usage   *usage.Store
	health  HealthSource
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server around the orchestrator and its
// store. Optional surfaces (stats, health, event feed) are attached
// with the Set methods before Start.
func NewServer(address string, port int, orch *agent.Orchestrator, store memory.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		orch:    orch,
		store:   store,
		reports: report.NewBuilder(store),
		logger:  logger,
	}
}

// SetUsageStore attaches the token usage ledger for /v1/stats.
func (s *Server) SetUsageStore(u *usage.Store) {
	s.usage = u
}

// SetHealthSource attaches the dependency watcher for /healthz.
func (s *Server) SetHealthSource(h HealthSource) {
	s.health = h
}

// SetBus attaches the operational event bus for /v1/events.
func (s *Server) SetBus(b *events.Bus) {
	s.bus = b
}

// Handler builds the route table. Exposed for tests; Start wires it
// into the listening server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat run stream
	mux.HandleFunc("POST /v1/chat", s.handleChat)

	// Conversation history and reports
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /v1/conversations/{id}/report", s.handleReport)

	// Operational surfaces
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Long for run streams; the SSE handler extends the deadline
		// per frame through a ResponseController.
		WriteTimeout: 120 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Tycho",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealthz reports dependency statuses from the connection
// watcher. The process answering at all is liveness; a down
// dependency degrades the status string but stays 200 so orchestrated
// restarts are not triggered by an Ollama blip.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}

	if s.health != nil {
		deps := s.health.Status()
		for _, d := range deps {
			if !d.Ready {
				out["status"] = "degraded"
				break
			}
		}
		out["dependencies"] = deps
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)

	convs, err := s.store.ListConversations(r.Context(), limit)
	if err != nil {
		s.logger.Error("conversation list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.logger.Error("conversation lookup failed", "error", err, "conversation_id", id)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	limit := parseIntParam(r, "limit", 100)
	msgs, err := s.store.GetMessages(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("message replay failed", "error", err, "conversation_id", id)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation": conv,
		"messages":     msgs,
		"count":        len(msgs),
	}, s.logger)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.logger.Error("conversation lookup failed", "error", err, "conversation_id", id)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "markdown", "md":
		md, err := s.reports.Markdown(r.Context(), id)
		if err != nil {
			s.logger.Error("report build failed", "error", err, "conversation_id", id)
			s.errorResponse(w, http.StatusInternalServerError, "failed to build report")
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprint(w, md)

	case "", "html":
		page, err := s.reports.HTML(r.Context(), id)
		if err != nil {
			s.logger.Error("report build failed", "error", err, "conversation_id", id)
			s.errorResponse(w, http.StatusInternalServerError, "failed to build report")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)

	default:
		s.errorResponse(w, http.StatusBadRequest, "unsupported format: "+format+" (use html or markdown)")
	}
}

// handleStats aggregates the usage ledger over a day window (default
// 7, ?days=N) and row counts from the memory store.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}

	days := parseIntParam(r, "days", 7)
	if days <= 0 {
		days = 7
	}
	end := time.Now().UTC().Add(time.Minute) // include rows written this instant
	start := end.AddDate(0, 0, -days)

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	bySource, err := s.usage.SummaryBySource(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	byDay, err := s.usage.SummaryByDay(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}

	out := map[string]any{
		"window_days": days,
		"usage": map[string]any{
			"total":     total,
			"by_model":  byModel,
			"by_source": bySource,
			"by_day":    byDay,
		},
	}

	if memStats, err := s.store.Stats(r.Context()); err != nil {
		s.logger.Warn("memory stats failed", "error", err)
	} else {
		out["memory"] = memStats
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
