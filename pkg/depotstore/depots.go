package depotstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Depot is the persisted record of one depot.
type Depot struct {
	DepotID uint32
	Name    string

	// ManifestID and BuildID come from the last publish event recorded as
	// current for the depot.
	ManifestID uint64
	BuildID    uint32

	// LastManifestID is the manifest whose file diff last committed.
	LastManifestID uint64

	LastUpdated time.Time
}

const depotColumns = `depot_id, name, manifest_id, build_id, last_manifest_id, last_updated`

// GetDepot returns the depot record, or nil if none exists.
func (s *Store) GetDepot(ctx context.Context, depotID uint32) (*Depot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+depotColumns+` FROM depots WHERE depot_id = ?`, depotID)

	d, err := scanDepot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get depot %d: %w", depotID, err)
	}
	return d, nil
}

// ListDepots returns every depot ordered by id.
func (s *Store) ListDepots(ctx context.Context) ([]Depot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+depotColumns+` FROM depots ORDER BY depot_id`)
	if err != nil {
		return nil, fmt.Errorf("list depots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Depot
	for rows.Next() {
		d, err := scanDepot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan depot: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate depots: %w", err)
	}
	return out, nil
}

// UpsertDepot inserts the depot or updates its name, build id and manifest
// id. LastManifestID is never touched here.
func (s *Store) UpsertDepot(ctx context.Context, d Depot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO depots (depot_id, name, manifest_id, build_id, last_updated)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(depot_id) DO UPDATE SET
		   name = excluded.name,
		   manifest_id = excluded.manifest_id,
		   build_id = excluded.build_id,
		   last_updated = excluded.last_updated`,
		d.DepotID, d.Name, toDB(d.ManifestID), d.BuildID, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("upsert depot %d: %w", d.DepotID, err)
	}
	return nil
}

// TouchDepotName records a depot known only by name. Existing rows are left
// untouched.
func (s *Store) TouchDepotName(ctx context.Context, depotID uint32, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO depots (depot_id, name, last_updated)
		 VALUES (?, ?, ?)
		 ON CONFLICT(depot_id) DO NOTHING`,
		depotID, name, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("touch depot %d: %w", depotID, err)
	}
	return nil
}

// RenameDepot updates the name of an existing depot.
func (s *Store) RenameDepot(ctx context.Context, depotID uint32, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE depots SET name = ?, last_updated = ? WHERE depot_id = ?`,
		name, formatTime(s.now()), depotID)
	if err != nil {
		return fmt.Errorf("rename depot %d: %w", depotID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDepot(row rowScanner) (*Depot, error) {
	var (
		d            Depot
		manifestID   int64
		lastManifest int64
		lastUpdated  string
	)
	if err := row.Scan(&d.DepotID, &d.Name, &manifestID, &d.BuildID, &lastManifest, &lastUpdated); err != nil {
		return nil, err
	}
	d.ManifestID = fromDB(manifestID)
	d.LastManifestID = fromDB(lastManifest)

	t, err := parseTime(lastUpdated)
	if err != nil {
		return nil, err
	}
	d.LastUpdated = t
	return &d, nil
}
