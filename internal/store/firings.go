package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/rulez/internal/engine"
	"github.com/roach88/rulez/internal/rules"
)

// FiringRow is one entry of the firing log.
type FiringRow struct {
	EngineID string
	Seq      int64
	Step     int
	RuleID   int
	RuleName string
	Before   rules.FactState
	After    rules.FactState
}

// TraceFilter narrows ReadFirings. Zero fields match everything.
type TraceFilter struct {
	EngineID string
	Rule     string
	// AfterSeq skips firings with seq <= AfterSeq.
	AfterSeq int64
	Limit    int
}

// WriteFirings appends firings of one engine in a single transaction.
// Uses ON CONFLICT(engine_id, seq) DO NOTHING so a replayed pass is not
// logged twice.
func (s *Store) WriteFirings(ctx context.Context, engineID string, firings []engine.Firing) error {
	if len(firings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write firings: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO firings
		(engine_id, seq, step, rule_id, rule_name, before, after)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(engine_id, seq) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write firings: prepare: %w", err)
	}
	defer stmt.Close()

	for _, f := range firings {
		// go-sqlite3 rejects uint64 with the high bit set; store the bits
		// as int64 and convert back on read.
		if _, err := stmt.ExecContext(ctx,
			engineID,
			f.Seq,
			f.Step,
			f.RuleID,
			f.RuleName,
			int64(f.Before),
			int64(f.After),
		); err != nil {
			return fmt.Errorf("write firing seq=%d: %w", f.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write firings: commit: %w", err)
	}
	return nil
}

// ReadFirings returns logged firings ordered by seq ASC, id ASC.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ReadFirings(ctx context.Context, filter TraceFilter) ([]FiringRow, error) {
	var (
		where []string
		args  []any
	)
	if filter.EngineID != "" {
		where = append(where, "engine_id = ?")
		args = append(args, filter.EngineID)
	}
	if filter.Rule != "" {
		where = append(where, "rule_name = ?")
		args = append(args, filter.Rule)
	}
	if filter.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, filter.AfterSeq)
	}

	query := `SELECT engine_id, seq, step, rule_id, rule_name, before, after FROM firings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query firings: %w", err)
	}
	defer rows.Close()

	firings := []FiringRow{}
	for rows.Next() {
		var (
			f             FiringRow
			before, after int64
		)
		if err := rows.Scan(&f.EngineID, &f.Seq, &f.Step, &f.RuleID, &f.RuleName, &before, &after); err != nil {
			return nil, fmt.Errorf("scan firing: %w", err)
		}
		f.Before, f.After = rules.FactState(before), rules.FactState(after)
		firings = append(firings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate firings: %w", err)
	}
	return firings, nil
}

// LastSeq returns the highest logged seq, or 0 for an empty log. Hosts seed
// the engine clock with it so seqs stay unique across restarts.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM firings`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// FiringLog records every firing of an engine into a Store.
//
// Firings are buffered by OnFire and written in one transaction by
// OnPassEnd. Write failures are logged; they never fail the pass.
type FiringLog struct {
	store   *Store
	ctx     context.Context
	logger  *slog.Logger
	pending []engine.Firing
}

// NewFiringLog creates a FiringLog writing with ctx. A nil logger means
// slog.Default().
func NewFiringLog(ctx context.Context, s *Store, logger *slog.Logger) *FiringLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &FiringLog{store: s, ctx: ctx, logger: logger}
}

// OnFire implements engine.Observer.
func (l *FiringLog) OnFire(_ string, f engine.Firing) {
	l.pending = append(l.pending, f)
}

// OnPassEnd implements engine.Observer.
func (l *FiringLog) OnPassEnd(r engine.PassReport) {
	if len(l.pending) == 0 {
		return
	}
	firings := l.pending
	l.pending = nil
	if err := l.store.WriteFirings(l.ctx, r.EngineID, firings); err != nil {
		l.logger.Error("firing log write failed",
			"engine", r.EngineID,
			"firings", len(firings),
			"error", err,
		)
	}
}

var _ engine.Observer = (*FiringLog)(nil)
