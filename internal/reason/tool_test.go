package reason

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/quantfold/tycho-trading-agent/internal/llm"
	"github.com/quantfold/tycho-trading-agent/internal/tools"
)

func TestRegisterTool(t *testing.T) {
	reg := tools.NewRegistry()
	gw := &scriptedGateway{responses: []*llm.ChatResponse{textReply("report", 10)}}
	RegisterTool(reg, NewExecutor(gw, "deepseek-r1:32b", reg, nil))

	tool := reg.Get(ToolName)
	if tool == nil {
		t.Fatal("deep_analysis not registered")
	}
	if !tool.DeepReasoning {
		t.Error("deep_analysis must be flagged as a deep reasoning tool")
	}
	params, ok := tool.Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatal("parameters missing properties")
	}
	if _, ok := params["task"]; !ok {
		t.Error("parameters missing task")
	}
	if _, ok := params["focus"]; !ok {
		t.Error("parameters missing focus")
	}
}

func TestToolHandler_Success(t *testing.T) {
	reg := tools.NewRegistry()
	gw := &scriptedGateway{responses: []*llm.ChatResponse{
		textReply("NVDA looks fully valued at current multiples.", 90),
	}}
	RegisterTool(reg, NewExecutor(gw, "deepseek-r1:32b", reg, nil))

	res := reg.Execute(context.Background(), ToolName, map[string]any{
		"task": "Assess NVDA valuation",
	}, tools.ExecOptions{})
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if !strings.HasPrefix(res.Data, "[Analysis SUCCEEDED:") {
		t.Errorf("observation = %q, want a success header", res.Data)
	}
	if !strings.Contains(res.Data, "fully valued") {
		t.Errorf("observation = %q, want the report body", res.Data)
	}
	if !strings.Contains(res.Data, "--- execution summary ---") {
		t.Errorf("observation = %q, want an execution summary", res.Data)
	}
}

func TestToolHandler_MissingTask(t *testing.T) {
	reg := tools.NewRegistry()
	gw := &scriptedGateway{}
	RegisterTool(reg, NewExecutor(gw, "deepseek-r1:32b", reg, nil))

	res := reg.Execute(context.Background(), ToolName, map[string]any{}, tools.ExecOptions{})
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if res.Data != "Error: task is required" {
		t.Errorf("observation = %q, want the missing-task error", res.Data)
	}
	if gw.calls != 0 {
		t.Errorf("gateway calls = %d, want 0 for a missing task", gw.calls)
	}
}

func TestToolHandler_ModelFailureIsObservation(t *testing.T) {
	reg := tools.NewRegistry()
	gw := &scriptedGateway{errs: []error{
		context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded,
	}}
	RegisterTool(reg, NewExecutor(gw, "deepseek-r1:32b", reg, nil))

	res := reg.Execute(context.Background(), ToolName, map[string]any{
		"task": "Anything",
	}, tools.ExecOptions{MaxRetries: 1})
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if !strings.HasPrefix(res.Data, "[Analysis FAILED:") {
		t.Errorf("observation = %q, want a failure header", res.Data)
	}
}

func TestFormatObservation_Exhausted(t *testing.T) {
	obs := FormatObservation(&Result{
		Content:       "Partial thesis.",
		Model:         "deepseek-r1:32b",
		Iterations:    8,
		OutputTokens:  15800,
		Duration:      72 * time.Second,
		Exhausted:     true,
		ExhaustReason: ExhaustMaxIterations,
		ToolCalls: []ToolCallRecord{
			{Name: "web_search", Success: true},
			{Name: "get_positions", Success: false},
		},
	})

	for _, want := range []string{
		"[Analysis INCOMPLETE: model=deepseek-r1:32b, reason=max_iterations, iter=8, tokens=15.8K]",
		"Partial thesis.",
		"all of its iterations",
		"tool_calls: web_search(ok) → get_positions(err)",
		"errors: 1",
		"duration: 1m12s",
	} {
		if !strings.Contains(obs, want) {
			t.Errorf("observation missing %q:\n%s", want, obs)
		}
	}
}

func TestFormatObservation_NoOutput(t *testing.T) {
	obs := FormatObservation(&Result{
		Model:         "deepseek-r1:32b",
		Iterations:    3,
		Exhausted:     true,
		ExhaustReason: ExhaustNoOutput,
	})
	if !strings.Contains(obs, "reason=no_output") || !strings.Contains(obs, "produced no report") {
		t.Errorf("observation = %q, want the no-output note", obs)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{140 * time.Millisecond, "140ms"},
		{8200 * time.Millisecond, "8.2s"},
		{72 * time.Second, "1m12s"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.d); got != tc.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestFormatTokens(t *testing.T) {
	cases := []struct {
		n    int
		want string
	}{
		{850, "850"},
		{1234, "1.2K"},
		{25049, "25.0K"},
	}
	for _, tc := range cases {
		if got := formatTokens(tc.n); got != tc.want {
			t.Errorf("formatTokens(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}
