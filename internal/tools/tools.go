// Package tools defines the tools available to the agent and the
// registry that executes them with uniform retry and timeout handling.
package tools

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Execution defaults. The orchestrator passes its own configured
// timeout on every call; the registry default only covers direct
// callers that leave ExecOptions zero.
const (
	DefaultMaxRetries = 3
	DefaultTimeout    = 10 * time.Second

	backoffBase = 100 * time.Millisecond
)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Validating marks tools whose output is a trade proposal that
	// must pass structural validation before the run responds.
	Validating bool `json:"-"`

	// DeepReasoning marks tools backed by a slower reasoning model;
	// the orchestrator announces them with a thought event.
	DeepReasoning bool `json:"-"`

	Handler func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds available tools. Registration happens at startup;
// after that the registry is read-only and safe to share across
// concurrent runs.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry. Domain surfaces attach
// their tools through the Register* functions at startup.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.tools))
}

// FilteredCopy returns a new registry holding only the named tools.
// Unknown names are skipped. The copy shares Tool values with the
// source but registering into it never mutates the source.
func (r *Registry) FilteredCopy(include []string) *Registry {
	out := NewRegistry()
	for _, name := range include {
		if t := r.tools[name]; t != nil {
			out.Register(t)
		}
	}
	return out
}

// FilteredCopyExcluding returns a new registry holding every tool
// except the named ones.
func (r *Registry) FilteredCopyExcluding(exclude []string) *Registry {
	out := NewRegistry()
	for name, t := range r.tools {
		if slices.Contains(exclude, name) {
			continue
		}
		out.Register(t)
	}
	return out
}

// List renders all tools in the function-call schema the LLM expects.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.Names() {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// ExecOptions tune a single Execute call. Zero values fall back to the
// registry defaults.
type ExecOptions struct {
	MaxRetries int
	Timeout    time.Duration
}

// Result reports the outcome of one Execute call. Duration spans the
// first attempt's start through final settlement, backoff sleeps
// included.
type Result struct {
	Success  bool
	Data     string
	Error    string
	Attempts int
	Duration time.Duration
}

// Execute runs a tool by name. An unknown name fails immediately with
// zero attempts. Otherwise the handler runs up to MaxRetries times,
// each attempt under its own deadline, with exponential backoff between
// failures. A timed-out attempt retries exactly like a returned error,
// and exhaustion reports the last error seen.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, opts ExecOptions) Result {
	start := time.Now()

	tool := r.tools[name]
	if tool == nil {
		err := &ErrToolNotFound{ToolName: name}
		return Result{Error: err.Error(), Duration: time.Since(start)}
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		data, err := r.attempt(ctx, tool, args, timeout)
		if err == nil {
			return Result{Success: true, Data: data, Attempts: attempt, Duration: time.Since(start)}
		}
		lastErr = err

		if attempt == maxRetries {
			break
		}
		delay := backoffBase << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{Error: ctx.Err().Error(), Attempts: attempt, Duration: time.Since(start)}
		}
	}
	return Result{Error: lastErr.Error(), Attempts: maxRetries, Duration: time.Since(start)}
}

// attempt runs the handler once under a per-attempt deadline. The
// deadline context reaches the handler so compliant tools cancel their
// own work; either way the registry stops waiting when the deadline
// passes.
func (r *Registry) attempt(ctx context.Context, tool *Tool, args map[string]any, timeout time.Duration) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("tool panic: %v", rec)}
			}
		}()
		data, err := tool.Handler(attemptCtx, args)
		ch <- outcome{data: data, err: err}
	}()

	select {
	case o := <-ch:
		return o.data, o.err
	case <-attemptCtx.Done():
		return "", attemptCtx.Err()
	}
}
