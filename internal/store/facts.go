package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/rulez/internal/persist"
)

// FactRow is one stored persistent fact value.
type FactRow struct {
	Key   string
	Value bool
}

// Contains reports whether key has a stored value.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM facts WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("contains %q: %w", key, err)
	}
	return true, nil
}

// Get returns the stored value of key, or false if absent.
func (s *Store) Get(ctx context.Context, key string) (bool, error) {
	var v bool
	err := s.db.QueryRowContext(ctx, `SELECT value FROM facts WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	return v, nil
}

// Set upserts the value of key.
func (s *Store) Set(ctx context.Context, key string, value bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// ReadFacts returns every stored fact ordered by key.
//
// Returns an empty slice (not nil) if nothing is stored.
func (s *Store) ReadFacts(ctx context.Context) ([]FactRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM facts
		ORDER BY key COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	facts := []FactRow{}
	for rows.Next() {
		var f FactRow
		if err := rows.Scan(&f.Key, &f.Value); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return facts, nil
}

var _ persist.Store = (*Store)(nil)
