package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/rulez/internal/persist"
)

// LoadBundle reads the saved-state bundle stored under key.
func (s *Store) LoadBundle(ctx context.Context, key string) (*persist.Bundle, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT bundle FROM saved_state WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load bundle %q: %w", key, err)
	}

	var b persist.Bundle
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, false, fmt.Errorf("load bundle %q: decode: %w", key, err)
	}
	return &b, true, nil
}

// SaveBundle replaces the bundle stored under key.
func (s *Store) SaveBundle(ctx context.Context, key string, b *persist.Bundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("save bundle %q: encode: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saved_state (key, bundle) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET bundle = excluded.bundle
	`, key, string(data))
	if err != nil {
		return fmt.Errorf("save bundle %q: %w", key, err)
	}
	return nil
}

// DeleteBundle removes the bundle stored under key. Deleting an absent key
// is not an error.
func (s *Store) DeleteBundle(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM saved_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete bundle %q: %w", key, err)
	}
	return nil
}

var _ persist.BundleStore = (*Store)(nil)
