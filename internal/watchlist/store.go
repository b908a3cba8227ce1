// Package watchlist manages a dynamic set of ticker symbols whose live
// quotes are injected into the agent's system prompt each run. Symbols
// are persisted in SQLite so the watchlist survives restarts.
package watchlist

import (
	"database/sql"
	"fmt"

	"github.com/quantfold/tycho-trading-agent/internal/market"
)

// Store persists the set of watched symbols in SQLite. It shares the
// memory store's database handle rather than opening its own file.
type Store struct {
	db *sql.DB
}

// NewStore creates a watchlist store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate watchlist: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS watchlist_symbols (
			symbol   TEXT PRIMARY KEY,
			added_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Add inserts a symbol into the watchlist. Duplicates are silently
// ignored.
func (s *Store) Add(symbol string) error {
	symbol = market.NormalizeSymbol(symbol)
	if !market.ValidSymbol(symbol) {
		return fmt.Errorf("invalid symbol %q", symbol)
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO watchlist_symbols (symbol) VALUES (?)`,
		symbol,
	)
	return err
}

// Remove deletes a symbol from the watchlist. Unknown symbols are a
// no-op.
func (s *Store) Remove(symbol string) error {
	_, err := s.db.Exec(
		`DELETE FROM watchlist_symbols WHERE symbol = ?`,
		market.NormalizeSymbol(symbol),
	)
	return err
}

// List returns all watched symbols in insertion order.
func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT symbol FROM watchlist_symbols ORDER BY added_at ASC, rowid ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// Seed adds the configured starter symbols, skipping any already
// present. Invalid entries are reported, valid ones still land.
func (s *Store) Seed(symbols []string) error {
	var firstErr error
	for _, sym := range symbols {
		if err := s.Add(sym); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
