package depotstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/depotwatch/pkg/depot"
	"github.com/3leaps/depotwatch/pkg/depotdiff"
)

// deleteChunk bounds the number of ids per DELETE ... IN statement, well
// under SQLite's host parameter limit.
const deleteChunk = 500

// LoadFiles returns the current file records of a depot keyed by path.
func (s *Store) LoadFiles(ctx context.Context, depotID uint32) (map[string]depotdiff.FileState, error) {
	files, err := s.ListFiles(ctx, depotID, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]depotdiff.FileState, len(files))
	for _, f := range files {
		out[f.Path] = f
	}
	return out, nil
}

// ListFiles returns the current file records of a depot in path order,
// optionally filtered by a doublestar pattern.
func (s *Store) ListFiles(ctx context.Context, depotID uint32, pattern string) ([]depotdiff.FileState, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern: %s", pattern)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, hash, size, flags FROM depot_files WHERE depot_id = ? ORDER BY path`,
		depotID)
	if err != nil {
		return nil, fmt.Errorf("list files for depot %d: %w", depotID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []depotdiff.FileState
	for rows.Next() {
		var (
			f     depotdiff.FileState
			size  int64
			flags int64
		)
		if err := rows.Scan(&f.ID, &f.Path, &f.Hash, &size, &flags); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		if pattern != "" {
			matched, err := doublestar.Match(pattern, f.Path)
			if err != nil {
				return nil, fmt.Errorf("match pattern: %w", err)
			}
			if !matched {
				continue
			}
		}
		f.Size = fromDB(size)
		f.Flags = depot.FileFlags(flags)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return out, nil
}

// CountFiles returns the number of current file records of a depot.
func (s *Store) CountFiles(ctx context.Context, depotID uint32) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM depot_files WHERE depot_id = ?`, depotID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count files for depot %d: %w", depotID, err)
	}
	return n, nil
}

// ApplyChangeSet writes a diff result in one transaction: updates and their
// history, deletions and their history, insertions and (when historized)
// their history. It then records manifestID as the depot's last processed
// manifest.
func (s *Store) ApplyChangeSet(ctx context.Context, changeID, depotID uint32, manifestID uint64, cs *depotdiff.ChangeSet) error {
	if cs == nil {
		return fmt.Errorf("change set is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(s.now())
	hist, err := tx.PrepareContext(ctx, insertHistorySQL)
	if err != nil {
		return fmt.Errorf("prepare history stmt: %w", err)
	}
	defer func() { _ = hist.Close() }()

	writeHistory := func(changes []depotdiff.Change) error {
		for _, c := range changes {
			if _, err := hist.ExecContext(ctx, changeID, depotID, c.Path, string(c.Action),
				toDB(c.OldValue), toDB(c.NewValue), now); err != nil {
				return fmt.Errorf("exec history for %s: %w", c.Path, err)
			}
		}
		return nil
	}

	if err := updateFiles(ctx, tx, cs.Updated); err != nil {
		return err
	}
	if err := writeHistory(cs.Modifications); err != nil {
		return err
	}

	if err := deleteFiles(ctx, tx, cs.Removed); err != nil {
		return err
	}
	if err := writeHistory(cs.RemovalHistory()); err != nil {
		return err
	}

	if err := insertFiles(ctx, tx, depotID, cs.Added); err != nil {
		return err
	}
	if err := writeHistory(cs.AdditionHistory()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE depots SET last_manifest_id = ? WHERE depot_id = ?`,
		toDB(manifestID), depotID); err != nil {
		return fmt.Errorf("update last manifest for depot %d: %w", depotID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func updateFiles(ctx context.Context, tx *sql.Tx, files []depotdiff.FileState) error {
	if len(files) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`UPDATE depot_files SET hash = ?, size = ?, flags = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare update stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.Hash, toDB(f.Size), int64(f.Flags), f.ID); err != nil {
			return fmt.Errorf("exec update for %s: %w", f.Path, err)
		}
	}
	return nil
}

func deleteFiles(ctx context.Context, tx *sql.Tx, files []depotdiff.FileState) error {
	for start := 0; start < len(files); start += deleteChunk {
		end := min(start+deleteChunk, len(files))
		chunk := files[start:end]

		args := make([]any, len(chunk))
		for i, f := range chunk {
			args[i] = f.ID
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM depot_files WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("exec delete batch: %w", err)
		}
	}
	return nil
}

func insertFiles(ctx context.Context, tx *sql.Tx, depotID uint32, files []depotdiff.FileState) error {
	if len(files) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO depot_files (depot_id, path, hash, size, flags)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(depot_id, path) DO UPDATE SET
		   hash = excluded.hash,
		   size = excluded.size,
		   flags = excluded.flags`)
	if err != nil {
		return fmt.Errorf("prepare insert stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, depotID, f.Path, f.Hash, toDB(f.Size), int64(f.Flags)); err != nil {
			return fmt.Errorf("exec insert for %s: %w", f.Path, err)
		}
	}
	return nil
}
