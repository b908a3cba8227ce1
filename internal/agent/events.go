package agent

// Event types, in the order a consumer will typically see them.
const (
	EventStateChange   = "state_change"
	EventPlan          = "plan"
	EventThought       = "thought"
	EventToolStart     = "tool_start"
	EventToolDone      = "tool_done"
	EventToolError     = "tool_error"
	EventResponseChunk = "response_chunk"
	EventDone          = "done"
	EventError         = "error"
)

// Orchestrator states. A run moves IDLE -> PLANNING -> EXECUTING ->
// (VALIDATING) -> RESPONDING -> IDLE; ERROR is reachable from any
// non-terminal state and always transitions back to IDLE.
const (
	StateIdle       = "IDLE"
	StatePlanning   = "PLANNING"
	StateExecuting  = "EXECUTING"
	StateValidating = "VALIDATING"
	StateResponding = "RESPONDING"
	StateError      = "ERROR"
)

// Event is one entry in the stream a run produces. Type discriminates
// which fields are populated; everything else is omitted from JSON.
// Events are emitted strictly in control-flow order, concatenating the
// Chunk fields of every response_chunk reproduces the final response,
// and exactly one done or error event terminates every run.
type Event struct {
	Type string `json:"type"`

	// state_change
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// plan
	Steps     []PlanStep `json:"steps,omitempty"`
	Rationale string     `json:"rationale,omitempty"`

	// thought; also set on tool_start/tool_done/tool_error (Tool).
	Tool    string `json:"tool,omitempty"`
	Thought string `json:"thought,omitempty"`

	// tool_start carries Args; tool_done and tool_error carry the
	// attempt count and wall-clock duration from the registry.
	Args       map[string]any `json:"args,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`

	// tool_error
	Message string `json:"message,omitempty"`

	// response_chunk
	Chunk string `json:"chunk,omitempty"`

	// done
	FinalResponse string `json:"final_response,omitempty"`

	// error
	Error *RunError `json:"error,omitempty"`
}

// PlanStep is one requested tool call in a plan event, in request
// order.
type PlanStep struct {
	Index int            `json:"index"`
	Tool  string         `json:"tool"`
	Args  map[string]any `json:"args,omitempty"`
}

// RunError is the payload of a terminal error event. Recoverable means
// retrying the same request may succeed (transport hiccups); ceiling
// breaches, cancellation, and panics are not recoverable.
type RunError struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// EmitFunc receives each event as the run produces it. A nil EmitFunc
// is allowed; events then reach only the operational bus.
type EmitFunc func(Event)
