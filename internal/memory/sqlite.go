package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultSnapshotTTL is recorded with cache entries written without an
// explicit ttl.
const DefaultSnapshotTTL = 5 * time.Minute

// SQLiteStore is the SQLite-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open creates a store on a database file, applying WAL mode and a busy
// timeout suited to concurrent runs sharing one file.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing database handle (tests, shared handles)
// and applies the schema.
func NewStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle so sibling stores (watchlist) can
// share the same database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	-- Conversations
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL,
		summary TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity);

	-- Messages: append-only; AUTOINCREMENT keeps ids monotonic across
	-- retention sweeps so insertion order is always recoverable.
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

	-- Context cache: one row per (conversation, type), overwritten in
	-- place. Expiry is evaluated at read time only.
	CREATE TABLE IF NOT EXISTS context_cache (
		conversation_id TEXT NOT NULL,
		cache_type TEXT NOT NULL,
		data TEXT NOT NULL,
		ttl_ms INTEGER NOT NULL,
		cached_at TIMESTAMP NOT NULL,
		PRIMARY KEY (conversation_id, cache_type),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	-- Audit log: append-only run trail
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_audit_conversation ON audit_log(conversation_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreateConversation resumes existingID when it names a known
// conversation, otherwise starts a fresh one for userID. An unknown id
// is not an error.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, userID, existingID string) (string, error) {
	now := time.Now().UTC()

	if existingID != "" {
		res, err := s.db.ExecContext(ctx, `
			UPDATE conversations SET last_activity = ? WHERE id = ?
		`, now, existingID)
		if err != nil {
			return "", fmt.Errorf("touch conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return existingID, nil
		}
		// Unknown resumed id falls through to creation.
	}

	id, _ := uuid.NewV7()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, created_at, last_activity)
		VALUES (?, ?, ?, ?)
	`, id.String(), userID, now, now)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id.String(), nil
}

// AddMessage appends a message and bumps last_activity. The returned id
// is valid even when the activity bump fails alongside an error.
func (s *SQLiteStore) AddMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any) (int64, error) {
	now := time.Now().UTC()

	var metaJSON any
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = string(b)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, conversationID, role, content, metaJSON, now)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message id: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_activity = ? WHERE id = ?
	`, now, conversationID); err != nil {
		return id, fmt.Errorf("touch conversation: %w", err)
	}
	return id, nil
}

// GetMessages returns the most recent limit messages, oldest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000 // Cap to prevent memory exhaustion
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, metadata, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Query walked newest-first to apply the limit; callers get
	// chronological order.
	slices.Reverse(messages)
	return messages, nil
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var metaJSON sql.NullString
	if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
	}
	return m, nil
}

// GetContext builds the bounded history block. Messages are walked
// newest-first and included whole while they fit the budget (length/4
// token estimate); the walk stops at the first message that would not
// fit, and the survivors render oldest-first.
func (s *SQLiteStore) GetContext(ctx context.Context, conversationID string, tokenBudget int) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id DESC
	`, conversationID)
	if err != nil {
		return "", fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var included []string
	used := 0
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return "", fmt.Errorf("scan message: %w", err)
		}
		cost := estimateTokens(content)
		if used+cost > tokenBudget {
			break
		}
		used += cost
		included = append(included, rolePrefix(role)+content)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate messages: %w", err)
	}

	slices.Reverse(included)
	return strings.Join(included, "\n\n"), nil
}

func rolePrefix(role string) string {
	switch role {
	case RoleAssistant:
		return "Assistant: "
	case RoleObservation:
		return "Observation: "
	default:
		return "User: "
	}
}

// estimateTokens provides a rough token count estimate.
// Rule of thumb: ~4 characters per token for English.
func estimateTokens(text string) int {
	return len(text) / 4
}

// CacheSnapshot upserts the (conversation, type) entry, last write wins.
func (s *SQLiteStore) CacheSnapshot(ctx context.Context, conversationID, cacheType string, data any, ttl time.Duration) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO context_cache (conversation_id, cache_type, data, ttl_ms, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, cache_type) DO UPDATE SET
			data = excluded.data,
			ttl_ms = excluded.ttl_ms,
			cached_at = excluded.cached_at
	`, conversationID, cacheType, string(blob), ttl.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cache snapshot: %w", err)
	}
	return nil
}

// GetCachedSnapshot returns nil for both missing and expired entries.
// Expired rows stay on disk until overwritten or swept; absence at read
// time is the whole contract.
func (s *SQLiteStore) GetCachedSnapshot(ctx context.Context, conversationID, cacheType string, maxAge time.Duration) (json.RawMessage, error) {
	var data string
	var ttlMs int64
	var cachedAt time.Time

	err := s.db.QueryRowContext(ctx, `
		SELECT data, ttl_ms, cached_at
		FROM context_cache
		WHERE conversation_id = ? AND cache_type = ?
	`, conversationID, cacheType).Scan(&data, &ttlMs, &cachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	if maxAge <= 0 {
		maxAge = time.Duration(ttlMs) * time.Millisecond
	}
	if time.Since(cachedAt) > maxAge {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

// LogAudit appends one audit entry. Callers treat failures as degraded
// mode; losing audit rows must never cost the user-facing response.
func (s *SQLiteStore) LogAudit(ctx context.Context, conversationID, eventType string, data any) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal audit data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (conversation_id, event_type, event_data, created_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, eventType, string(blob), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// GetAuditLog returns up to limit entries in creation order.
func (s *SQLiteStore) GetAuditLog(ctx context.Context, conversationID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, event_type, event_data, created_at
		FROM audit_log
		WHERE conversation_id = ?
		ORDER BY id ASC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var data string
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.EventData = json.RawMessage(data)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return entries, nil
}

// GetConversation returns the conversation or nil when absent.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var summary sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, last_activity, summary
		FROM conversations
		WHERE id = ?
	`, id).Scan(&c.ID, &c.UserID, &c.CreatedAt, &c.LastActivity, &summary)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	if summary.Valid {
		c.Summary = summary.String
	}
	return &c, nil
}

// ListConversations returns recent conversations, most recently active
// first.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, created_at, last_activity, summary
		FROM conversations
		ORDER BY last_activity DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var summary sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &c.CreatedAt, &c.LastActivity, &summary); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if summary.Valid {
			c.Summary = summary.String
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// Cleanup removes conversations idle past maxAge along with their
// messages, cache entries, and audit rows. Dependents are deleted
// explicitly so the sweep behaves the same with or without foreign key
// enforcement.
func (s *SQLiteStore) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE conversation_id IN
			(SELECT id FROM conversations WHERE last_activity < ?)`,
		`DELETE FROM context_cache WHERE conversation_id IN
			(SELECT id FROM conversations WHERE last_activity < ?)`,
		`DELETE FROM audit_log WHERE conversation_id IN
			(SELECT id FROM conversations WHERE last_activity < ?)`,
	} {
		if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
			return 0, fmt.Errorf("cleanup dependents: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM conversations WHERE last_activity < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup conversations: %w", err)
	}
	removed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return removed, nil
}

// Stats reports row counts for the stats surfaces.
func (s *SQLiteStore) Stats(ctx context.Context) (map[string]any, error) {
	stats := map[string]any{"storage": "sqlite"}

	for name, query := range map[string]string{
		"conversations": `SELECT COUNT(*) FROM conversations`,
		"messages":      `SELECT COUNT(*) FROM messages`,
		"cache_entries": `SELECT COUNT(*) FROM context_cache`,
		"audit_entries": `SELECT COUNT(*) FROM audit_log`,
	} {
		var n int
		if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		stats[name] = n
	}
	return stats, nil
}
