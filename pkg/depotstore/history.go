package depotstore

import (
	"context"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/depotwatch/pkg/depot"
)

// HistoryEntry is one row of the append-only audit trail.
//
// An empty Path denotes a depot-level event such as manifest_change.
type HistoryEntry struct {
	ID       int64
	ChangeID uint32
	DepotID  uint32
	Path     string
	Action   depot.Action
	OldValue uint64
	NewValue uint64
	Time     time.Time
}

// HistoryQuery filters history rows.
type HistoryQuery struct {
	// DepotID limits results to one depot. Required.
	DepotID uint32

	// Pattern is a doublestar glob matched against path. Depot-level rows
	// (empty path) only match when Pattern is empty.
	Pattern string

	// Action limits results to one action. Optional.
	Action depot.Action

	// ChangeID limits results to one publish event. Zero means any.
	ChangeID uint32

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

const insertHistorySQL = `INSERT INTO depot_history
	(change_id, depot_id, path, action, old_value, new_value, time)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// AppendHistory writes entries in order in one transaction. Time defaults
// to now when unset.
func (s *Store) AppendHistory(ctx context.Context, entries ...HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertHistorySQL)
	if err != nil {
		return fmt.Errorf("prepare history stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := s.now()
	for _, e := range entries {
		if !e.Action.Valid() {
			return fmt.Errorf("invalid history action %q", e.Action)
		}
		ts := e.Time
		if ts.IsZero() {
			ts = now
		}
		if _, err := stmt.ExecContext(ctx, e.ChangeID, e.DepotID, e.Path, string(e.Action),
			toDB(e.OldValue), toDB(e.NewValue), formatTime(ts)); err != nil {
			return fmt.Errorf("exec history for depot %d: %w", e.DepotID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// QueryHistory returns history rows in append order.
//
// Pattern matching uses doublestar semantics and is applied client-side.
func (s *Store) QueryHistory(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	if q.DepotID == 0 {
		return nil, fmt.Errorf("depot id is required")
	}
	if q.Pattern != "" && !doublestar.ValidatePattern(q.Pattern) {
		return nil, fmt.Errorf("invalid glob pattern: %s", q.Pattern)
	}
	if q.Action != "" && !q.Action.Valid() {
		return nil, fmt.Errorf("invalid history action %q", q.Action)
	}

	query := `SELECT id, change_id, depot_id, path, action, old_value, new_value, time
		FROM depot_history
		WHERE depot_id = ?`
	args := []any{q.DepotID}

	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, string(q.Action))
	}
	if q.ChangeID != 0 {
		query += ` AND change_id = ?`
		args = append(args, q.ChangeID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e        HistoryEntry
			action   string
			oldValue int64
			newValue int64
			ts       string
		)
		if err := rows.Scan(&e.ID, &e.ChangeID, &e.DepotID, &e.Path, &action, &oldValue, &newValue, &ts); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}

		if q.Pattern != "" {
			if e.Path == "" {
				continue
			}
			matched, err := doublestar.Match(q.Pattern, e.Path)
			if err != nil {
				return nil, fmt.Errorf("match pattern: %w", err)
			}
			if !matched {
				continue
			}
		}

		e.Action = depot.Action(action)
		e.OldValue = fromDB(oldValue)
		e.NewValue = fromDB(newValue)
		if e.Time, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, e)

		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}
