// Package memory provides durable conversation storage: conversations,
// append-only messages, per-conversation context snapshots with lazy
// expiry, and an append-only audit trail.
package memory

import (
	"context"
	"encoding/json"
	"time"
)

// Message roles. Tool results are stored as observations; the LLM wire
// roles (system/user/assistant/tool) exist only inside the gateway.
const (
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleObservation = "observation"
)

// Context cache types. One entry per (conversation, type); writes
// overwrite in place.
const (
	CacheMarket    = "market"
	CachePositions = "positions"
)

// Audit event types.
const (
	AuditPlan       = "plan"
	AuditToolCall   = "tool_call"
	AuditValidation = "validation"
	AuditTrade      = "trade"
	AuditError      = "error"
)

// Conversation is one user's thread of messages.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Summary      string    `json:"summary,omitempty"`
}

// Message is one turn in a conversation. ID is assigned by the store and
// increases monotonically; insertion order defines conversational order,
// and messages are never mutated after creation.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"` // tool name, result, reasoning trace, plan step
	CreatedAt      time.Time      `json:"created_at"`
}

// AuditEntry is one append-only record of a run's activity. Audit rows
// are written for post-hoc inspection and never read back into the live
// control loop.
type AuditEntry struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	EventType      string          `json:"event_type"`
	EventData      json.RawMessage `json:"event_data"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Store is the persistence contract the orchestrator and API depend on.
type Store interface {
	// GetOrCreateConversation returns existingID's conversation after
	// touching its last_activity, or creates a fresh conversation owned
	// by userID when existingID is empty or names nothing. An unknown
	// resumed id is "start fresh", never an error.
	GetOrCreateConversation(ctx context.Context, userID, existingID string) (string, error)

	// AddMessage appends a message and bumps the conversation's
	// last_activity. Returns the assigned message id.
	AddMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any) (int64, error)

	// GetMessages returns the most recent limit messages in
	// chronological (oldest to newest) order.
	GetMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// GetContext builds a single history block within tokenBudget.
	// Messages are considered newest-first and included greedily until
	// the next one would exceed the budget, then rendered oldest-first
	// with User:/Assistant:/Observation: prefixes. The most recent
	// turns always survive truncation.
	GetContext(ctx context.Context, conversationID string, tokenBudget int) (string, error)

	// CacheSnapshot upserts a context cache entry, unconditionally
	// overwriting any prior entry of the same type. ttl is advisory
	// metadata recorded with the entry; ttl <= 0 stores the default.
	CacheSnapshot(ctx context.Context, conversationID, cacheType string, data any, ttl time.Duration) error

	// GetCachedSnapshot returns the cached blob, or nil both when no
	// entry exists and when the entry is older than maxAge. Callers
	// cannot distinguish missing from expired. maxAge <= 0 falls back
	// to the ttl stored with the entry. Expiry is evaluated here, at
	// read time; nothing evicts in the background.
	GetCachedSnapshot(ctx context.Context, conversationID, cacheType string, maxAge time.Duration) (json.RawMessage, error)

	// LogAudit appends an audit entry. Failures are reported but must
	// be treated as degraded mode by callers, never as run-fatal.
	LogAudit(ctx context.Context, conversationID, eventType string, data any) error

	// GetAuditLog returns up to limit audit entries in creation order.
	GetAuditLog(ctx context.Context, conversationID string, limit int) ([]AuditEntry, error)

	// GetConversation returns a conversation or nil when absent.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns up to limit conversations, most
	// recently active first.
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)

	// Cleanup deletes conversations whose last_activity is older than
	// maxAge, cascading to their messages, cache entries, and audit
	// rows. Returns the number of conversations removed. This is the
	// only deletion path in the system.
	Cleanup(ctx context.Context, maxAge time.Duration) (int64, error)

	// Stats reports row counts for the stats surfaces.
	Stats(ctx context.Context) (map[string]any, error)

	Close() error
}

// Metadata keys used by the orchestrator when persisting messages.
const (
	MetaTool       = "tool"
	MetaToolResult = "tool_result"
	MetaToolError  = "tool_error"
	MetaReasoning  = "reasoning"
	MetaPlanStep   = "plan_step"
	MetaRunID      = "run_id"
)
