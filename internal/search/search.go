// Package search gives the agent its research surface: pluggable web
// search providers plus a readable-page fetcher, so a question about a
// ticker can be answered from live news and filings rather than model
// memory alone.
//
// Providers implement [Provider] and register with a [Manager]. The
// manager queries the configured primary first and falls through the
// remaining providers in registration order, so a down SearXNG instance
// degrades to Brave instead of failing the tool call.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Result is a single search hit.
type Result struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Snippet   string `json:"snippet,omitempty"`
	Published string `json:"published,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Recency restricts results by age: "day", "week", "month", or
	// "year". Empty means no restriction.
	Recency string `json:"recency,omitempty"`
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "searxng", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches through them,
// primary first.
type Manager struct {
	providers map[string]Provider
	order     []string
	primary   string
	logger    *slog.Logger
}

// NewManager creates a search manager. The primary provider name
// determines which backend is tried first; the rest are fallbacks in
// registration order.
func NewManager(logger *slog.Logger, primary string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		logger:    logger,
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	if _, ok := m.providers[p.Name()]; !ok {
		m.order = append(m.order, p.Name())
	}
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider, falling through the
// remaining providers when it fails. The last provider's error is
// returned when all of them fail.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	if len(m.providers) == 0 {
		return nil, fmt.Errorf("no search providers configured")
	}

	var lastErr error
	for _, p := range m.candidates() {
		results, err := p.Search(ctx, query, opts)
		if err != nil {
			m.logger.Warn("search provider failed",
				"provider", p.Name(),
				"error", err)
			lastErr = err
			continue
		}
		return results, nil
	}
	return nil, fmt.Errorf("all search providers failed: %w", lastErr)
}

// SearchWith runs a query against a specific named provider with no
// fallback. The tool layer uses this when the model asks for a
// particular backend.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	return p.Search(ctx, query, opts)
}

// candidates returns providers in query order: primary first, then the
// rest in registration order.
func (m *Manager) candidates() []Provider {
	out := make([]Provider, 0, len(m.order))
	if p, ok := m.providers[m.primary]; ok {
		out = append(out, p)
	}
	for _, name := range m.order {
		if name == m.primary {
			continue
		}
		out = append(out, m.providers[name])
	}
	return out
}

// Providers returns the names of all registered providers in query order.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.order))
	for _, p := range m.candidates() {
		names = append(names, p.Name())
	}
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// FormatResults renders results as a numbered list for tool
// observations and logs.
func FormatResults(results []Result, count int) string {
	if len(results) == 0 {
		return "No results found."
	}
	if count <= 0 || count > len(results) {
		count = len(results)
	}

	var b strings.Builder
	for i, r := range results[:count] {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(r.Title)
		if r.Published != "" {
			b.WriteString(" (")
			b.WriteString(r.Published)
			b.WriteString(")")
		}
		b.WriteString("\n   ")
		b.WriteString(r.URL)
		if r.Snippet != "" {
			b.WriteString("\n   ")
			b.WriteString(r.Snippet)
		}
	}
	return b.String()
}
