// Package dispatcher turns publish events into pipeline jobs.
//
// For every depot in an event it decides whether anything changed, records
// the new manifest as current, and hands the depot to the pipeline under
// its lock. A failure on one depot never stops the rest of the event.
package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/depotwatch/pkg/depot"
	"github.com/3leaps/depotwatch/pkg/depotstore"
	"github.com/3leaps/depotwatch/pkg/lockset"
	"github.com/3leaps/depotwatch/pkg/pipeline"
	"github.com/3leaps/depotwatch/pkg/publish"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	GetDepot(ctx context.Context, depotID uint32) (*depotstore.Depot, error)
	TouchDepotName(ctx context.Context, depotID uint32, name string) error
	RenameDepot(ctx context.Context, depotID uint32, name string) error
	UpsertDepot(ctx context.Context, d depotstore.Depot) error
	AppendHistory(ctx context.Context, entries ...depotstore.HistoryEntry) error
}

// Enqueuer starts a job. The depot lock is already held when Enqueue is
// called; the enqueuer owns releasing it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *pipeline.Job)
}

// Config wires a Dispatcher.
type Config struct {
	Store    Store
	Locks    *lockset.Set
	Pipeline Enqueuer

	// FullRun re-processes depots whose manifest id did not change.
	FullRun bool

	Logger *zap.Logger
}

// Dispatcher walks publish events.
type Dispatcher struct {
	store    Store
	locks    *lockset.Set
	pipeline Enqueuer
	fullRun  bool
	logger   *zap.Logger
}

// Summary counts what happened to the depots of one event.
type Summary struct {
	Seen       int `json:"seen"`
	Inherited  int `json:"inherited"`
	InvalidID  int `json:"invalid_id"`
	Locked     int `json:"locked"`
	NameOnly   int `json:"name_only"`
	Unchanged  int `json:"unchanged"`
	Stale      int `json:"stale"`
	Failed     int `json:"failed"`
	Enqueued   int `json:"enqueued"`
	Renamed    int `json:"renamed"`
	NewDepots  int `json:"new_depots"`
	Historized int `json:"historized"`
}

// Add accumulates o into s.
func (s *Summary) Add(o Summary) {
	s.Seen += o.Seen
	s.Inherited += o.Inherited
	s.InvalidID += o.InvalidID
	s.Locked += o.Locked
	s.NameOnly += o.NameOnly
	s.Unchanged += o.Unchanged
	s.Stale += o.Stale
	s.Failed += o.Failed
	s.Enqueued += o.Enqueued
	s.Renamed += o.Renamed
	s.NewDepots += o.NewDepots
	s.Historized += o.Historized
}

// New validates cfg and builds a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("dispatcher: store is required")
	case cfg.Locks == nil:
		return nil, errors.New("dispatcher: lock set is required")
	case cfg.Pipeline == nil:
		return nil, errors.New("dispatcher: pipeline is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:    cfg.Store,
		locks:    cfg.Locks,
		pipeline: cfg.Pipeline,
		fullRun:  cfg.FullRun,
		logger:   logger,
	}, nil
}

// Dispatch processes every depot of ev in source order.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *publish.Event) Summary {
	var sum Summary
	if ev == nil || ev.Depots == nil {
		return sum
	}

	buildID, _ := ev.Depots.Lookup("branches", "public", "buildid").Uint32()

	for _, node := range ev.Depots.Children {
		if ctx.Err() != nil {
			break
		}
		if node.Child("depotfromapp") != nil {
			sum.Seen++
			sum.Inherited++
			continue
		}
		depotID, ok := parseDepotID(node.Name)
		if !ok {
			if len(node.Children) > 0 && !isKnownSection(node.Name) {
				sum.Seen++
				sum.InvalidID++
			}
			continue
		}
		sum.Seen++
		d.dispatchDepot(ctx, ev, depotID, buildID, node, &sum)
	}

	d.logger.Info("publish event dispatched",
		zap.Uint32("collection_id", ev.CollectionID),
		zap.Uint32("change_id", ev.ChangeID),
		zap.Int("enqueued", sum.Enqueued),
		zap.Int("unchanged", sum.Unchanged),
		zap.Int("stale", sum.Stale),
		zap.Int("locked", sum.Locked),
		zap.Int("failed", sum.Failed))
	return sum
}

func (d *Dispatcher) dispatchDepot(ctx context.Context, ev *publish.Event, depotID, buildID uint32, node *publish.Node, sum *Summary) {
	log := d.logger.With(zap.Uint32("depot_id", depotID), zap.Uint32("change_id", ev.ChangeID))

	if d.locks.Held(depotID) {
		log.Debug("depot already in flight, dropping event")
		sum.Locked++
		return
	}

	name := node.Child("name").StringValue()

	manifestID, ok := ResolveManifestID(node)
	if !ok {
		if err := d.store.TouchDepotName(ctx, depotID, name); err != nil {
			log.Error("failed to record depot name", zap.Error(err))
			sum.Failed++
			return
		}
		sum.NameOnly++
		return
	}

	prior, err := d.store.GetDepot(ctx, depotID)
	if err != nil {
		log.Error("failed to load depot", zap.Error(err))
		sum.Failed++
		return
	}

	if prior != nil {
		if prior.ManifestID == manifestID && !d.fullRun {
			if name != "" && prior.Name != name {
				if err := d.store.RenameDepot(ctx, depotID, name); err != nil {
					log.Error("failed to rename depot", zap.Error(err))
					sum.Failed++
					return
				}
				sum.Renamed++
			}
			sum.Unchanged++
			return
		}
		if prior.BuildID > buildID {
			log.Debug("stale publish event",
				zap.Uint32("stored_build_id", prior.BuildID),
				zap.Uint32("event_build_id", buildID))
			sum.Stale++
			return
		}
	}

	if !d.locks.TryAcquire(depotID) {
		sum.Locked++
		return
	}

	var previous uint64
	if prior != nil {
		previous = prior.ManifestID
		if name == "" {
			name = prior.Name
		}
	} else {
		sum.NewDepots++
	}

	if err := d.store.UpsertDepot(ctx, depotstore.Depot{
		DepotID:    depotID,
		Name:       name,
		ManifestID: manifestID,
		BuildID:    buildID,
	}); err != nil {
		d.locks.Release(depotID)
		log.Error("failed to update depot", zap.Error(err))
		sum.Failed++
		return
	}

	if previous != manifestID {
		if err := d.store.AppendHistory(ctx, depotstore.HistoryEntry{
			ChangeID: ev.ChangeID,
			DepotID:  depotID,
			Action:   depot.ActionManifestChange,
			OldValue: previous,
			NewValue: manifestID,
		}); err != nil {
			d.locks.Release(depotID)
			log.Error("failed to record manifest change", zap.Error(err))
			sum.Failed++
			return
		}
		sum.Historized++
	}

	d.pipeline.Enqueue(ctx, &pipeline.Job{
		ChangeID:           ev.ChangeID,
		CollectionID:       ev.CollectionID,
		DepotID:            depotID,
		DepotName:          name,
		ManifestID:         manifestID,
		PreviousManifestID: previous,
	})
	sum.Enqueued++
	log.Debug("depot enqueued", zap.Uint64("manifest_id", manifestID), zap.Uint64("previous_manifest_id", previous))
}

// ResolveManifestID finds the manifest to process for a depot node: the
// public branch (its value or its gid child), else the first branch in
// source order not named "local". When that branch is public itself and
// unparsable, there is no manifest.
func ResolveManifestID(node *publish.Node) (uint64, bool) {
	manifests := node.Child("manifests")
	if manifests == nil {
		return 0, false
	}

	if public := manifests.Child("public"); public != nil {
		if id, ok := public.Uint64(); ok {
			return id, true
		}
		if id, ok := public.Child("gid").Uint64(); ok {
			return id, true
		}
	}

	for _, branch := range manifests.Children {
		if strings.EqualFold(branch.Name, "local") {
			continue
		}
		if id, ok := branch.Uint64(); ok {
			return id, true
		}
		if id, ok := branch.Child("gid").Uint64(); ok {
			return id, true
		}
		return 0, false
	}
	return 0, false
}

func parseDepotID(key string) (uint32, bool) {
	v, err := strconv.ParseUint(key, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// isKnownSection reports non-depot children that appear beside depots.
func isKnownSection(name string) bool {
	switch strings.ToLower(name) {
	case "branches", "baselanguages", "workshopdepot", "hasdepotsindlc", "overridescddb", "depotdeltapatches":
		return true
	}
	return false
}
