// Package pipeline runs the per-depot manifest handshake and diff.
//
// Each job walks key_requested -> token_requested -> manifest_downloading ->
// diffing -> done, or stops at abandoned. The depot lock taken by the
// dispatcher is released exactly once when the job's goroutine finishes,
// whatever the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/depotwatch/pkg/depot"
	"github.com/3leaps/depotwatch/pkg/depotdiff"
	"github.com/3leaps/depotwatch/pkg/fetchqueue"
	"github.com/3leaps/depotwatch/pkg/lockset"
	"github.com/3leaps/depotwatch/pkg/notify"
	"github.com/3leaps/depotwatch/pkg/remote"
	"github.com/3leaps/depotwatch/pkg/serverpool"
)

// DefaultManifestAttempts is how many times a manifest download is tried on
// the same server.
const DefaultManifestAttempts = 6

// Store is the persistence the diff stage needs.
type Store interface {
	LoadFiles(ctx context.Context, depotID uint32) (map[string]depotdiff.FileState, error)
	ApplyChangeSet(ctx context.Context, changeID, depotID uint32, manifestID uint64, cs *depotdiff.ChangeSet) error
}

// Config wires a Pipeline.
type Config struct {
	Remote remote.Client
	Pool   *serverpool.Pool
	Locks  *lockset.Set
	Store  Store

	// Notifier and Fetcher are optional side effects for important depots.
	Notifier notify.Notifier
	Fetcher  fetchqueue.Requester

	// Important lists depots whose updates are announced and fetched, and
	// whose failures are always logged.
	Important []uint32

	// ManifestAttempts overrides DefaultManifestAttempts when positive.
	ManifestAttempts int

	// OnFinish, if set, receives a copy of every job after its lock is
	// released.
	OnFinish func(Job)

	Logger *zap.Logger
}

// Pipeline runs jobs. It is safe for concurrent use.
type Pipeline struct {
	remote   remote.Client
	pool     *serverpool.Pool
	locks    *lockset.Set
	store    Store
	notifier notify.Notifier
	fetcher  fetchqueue.Requester

	important        map[uint32]struct{}
	manifestAttempts int
	onFinish         func(Job)
	logger           *zap.Logger

	jobs sync.WaitGroup
	side sync.WaitGroup
}

// New validates cfg and builds a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Remote == nil:
		return nil, errors.New("pipeline: remote client is required")
	case cfg.Pool == nil:
		return nil, errors.New("pipeline: server pool is required")
	case cfg.Locks == nil:
		return nil, errors.New("pipeline: lock set is required")
	case cfg.Store == nil:
		return nil, errors.New("pipeline: store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.ManifestAttempts
	if attempts <= 0 {
		attempts = DefaultManifestAttempts
	}

	important := make(map[uint32]struct{}, len(cfg.Important))
	for _, id := range cfg.Important {
		important[id] = struct{}{}
	}

	return &Pipeline{
		remote:           cfg.Remote,
		pool:             cfg.Pool,
		locks:            cfg.Locks,
		store:            cfg.Store,
		notifier:         cfg.Notifier,
		fetcher:          cfg.Fetcher,
		important:        important,
		manifestAttempts: attempts,
		onFinish:         cfg.OnFinish,
		logger:           logger,
	}, nil
}

// IsImportant reports whether depotID is configured as important.
func (p *Pipeline) IsImportant(depotID uint32) bool {
	_, ok := p.important[depotID]
	return ok
}

// Enqueue starts job in its own goroutine. The caller must already hold the
// depot lock; the pipeline releases it.
func (p *Pipeline) Enqueue(ctx context.Context, job *Job) {
	p.jobs.Add(1)
	go func() {
		defer p.jobs.Done()
		p.Run(ctx, job)
	}()
}

// Wait blocks until every enqueued job and every side effect has finished.
func (p *Pipeline) Wait() {
	p.jobs.Wait()
	p.side.Wait()
}

// Run executes job synchronously and releases its depot lock on return.
func (p *Pipeline) Run(ctx context.Context, job *Job) {
	defer p.finish(job)
	defer func() {
		if r := recover(); r != nil {
			job.Err = fmt.Errorf("pipeline panic in %s: %v", job.State, r)
			job.State = StateAbandoned
		}
	}()

	job.State = StateKeyRequested
	if err := p.requestKey(ctx, job); err != nil {
		job.Err = err
		job.State = StateAbandoned
		return
	}

	job.State = StateTokenRequested
	if err := p.requestToken(ctx, job); err != nil {
		job.Err = err
		job.State = StateAbandoned
		return
	}

	job.State = StateManifestDownloading
	manifest, err := p.downloadManifest(ctx, job)
	if err != nil {
		job.Err = err
		job.State = StateAbandoned
		return
	}
	if p.IsImportant(job.DepotID) {
		p.announce(ctx, job, manifest)
	}

	job.State = StateDiffing
	if err := p.diff(ctx, job, manifest); err != nil {
		job.Err = err
	}
	job.State = StateDone
}

func (p *Pipeline) finish(job *Job) {
	if !p.locks.Release(job.DepotID) {
		p.logger.Warn("depot lock was not held at job end", zap.Uint32("depot_id", job.DepotID))
	}

	fields := []zap.Field{
		zap.Uint32("depot_id", job.DepotID),
		zap.Uint32("change_id", job.ChangeID),
		zap.String("state", string(job.State)),
	}
	if job.Err != nil {
		fields = append(fields, zap.Error(job.Err))
	}
	p.logger.Debug("job finished", fields...)

	if p.onFinish != nil {
		p.onFinish(*job)
	}
}

func (p *Pipeline) requestKey(ctx context.Context, job *Job) error {
	key, err := p.remote.GetDecryptionKey(ctx, job.DepotID, job.CollectionID)
	if err != nil {
		switch {
		case !remote.IsAccessDenied(err):
			p.logger.Error("failed to get depot key", zap.Uint32("depot_id", job.DepotID), zap.Error(err))
		case p.IsImportant(job.DepotID):
			p.logger.Warn("no access to important depot", zap.Uint32("depot_id", job.DepotID), zap.Error(err))
		}
		return err
	}

	job.DepotKey = key
	job.RemainingTries = p.pool.Size()
	job.Server = p.pool.Pick()
	return nil
}

func (p *Pipeline) requestToken(ctx context.Context, job *Job) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		token, err := p.remote.GetAuthToken(ctx, job.DepotID, job.Server)
		if err == nil {
			job.AuthToken = token
			return nil
		}

		if p.IsImportant(job.DepotID) {
			p.logger.Warn("auth token request failed",
				zap.Uint32("depot_id", job.DepotID),
				zap.String("server", job.Server),
				zap.Int("remaining_tries", job.RemainingTries-1),
				zap.Error(err))
		}

		job.RemainingTries--
		job.Server = p.pool.Failover(job.RemainingTries)

		if job.RemainingTries <= 0 {
			p.logger.Error("auth token retries exhausted",
				zap.Uint32("depot_id", job.DepotID),
				zap.Int("servers", p.pool.Size()),
				zap.Error(err))
			return fmt.Errorf("%w: auth token: %w", ErrRetriesExhausted, err)
		}
	}
}

func (p *Pipeline) downloadManifest(ctx context.Context, job *Job) (*depot.Manifest, error) {
	req := remote.ManifestRequest{
		DepotID:      job.DepotID,
		CollectionID: job.CollectionID,
		ManifestID:   job.ManifestID,
		Server:       job.Server,
		AuthToken:    job.AuthToken,
		DepotKey:     job.DepotKey,
	}

	var lastErr error
	for attempt := 1; attempt <= p.manifestAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m, err := p.remote.DownloadManifest(ctx, req)
		if err == nil && m == nil {
			err = errors.New("empty manifest")
		}
		if err == nil {
			return m, nil
		}

		lastErr = err
		p.logger.Debug("manifest download failed",
			zap.Uint32("depot_id", job.DepotID),
			zap.Uint64("manifest_id", job.ManifestID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	p.logger.Error("manifest download retries exhausted",
		zap.Uint32("depot_id", job.DepotID),
		zap.Uint64("manifest_id", job.ManifestID),
		zap.String("server", job.Server),
		zap.Int("attempts", p.manifestAttempts),
		zap.Error(lastErr))
	return nil, fmt.Errorf("%w: manifest after %d attempts: %w", ErrRetriesExhausted, p.manifestAttempts, lastErr)
}

func (p *Pipeline) diff(ctx context.Context, job *Job, m *depot.Manifest) error {
	old, err := p.store.LoadFiles(ctx, job.DepotID)
	if err != nil {
		p.logger.Error("failed to load depot files", zap.Uint32("depot_id", job.DepotID), zap.Error(err))
		return fmt.Errorf("load files: %w", err)
	}

	cs := depotdiff.Compute(old, m.Files)
	if err := p.store.ApplyChangeSet(ctx, job.ChangeID, job.DepotID, job.ManifestID, cs); err != nil {
		p.logger.Error("failed to persist depot diff", zap.Uint32("depot_id", job.DepotID), zap.Error(err))
		return fmt.Errorf("apply change set: %w", err)
	}

	job.Result = &Result{
		Added:       len(cs.Added),
		Removed:     len(cs.Removed),
		Updated:     len(cs.Updated),
		Unchanged:   cs.Unchanged,
		HistoryRows: len(cs.History()),
	}
	p.logger.Info("depot manifest processed",
		zap.Uint32("depot_id", job.DepotID),
		zap.Uint64("manifest_id", job.ManifestID),
		zap.Int("added", job.Result.Added),
		zap.Int("removed", job.Result.Removed),
		zap.Int("updated", job.Result.Updated),
		zap.Int("history_rows", job.Result.HistoryRows))
	return nil
}

// announce fires the important-depot side effects. They outlive the job and
// are not cancelled with it.
func (p *Pipeline) announce(ctx context.Context, job *Job, m *depot.Manifest) {
	detached := context.WithoutCancel(ctx)
	depotID := job.DepotID

	if p.notifier != nil {
		msg := fmt.Sprintf("Important depot update: %s (%d) manifest %d -> %d",
			displayName(job), job.DepotID, job.PreviousManifestID, job.ManifestID)
		collectionID := job.CollectionID
		p.goSide("notify", depotID, func() error {
			return p.notifier.AnnounceImportantUpdate(detached, collectionID, msg)
		})
	}

	if p.fetcher != nil {
		req := fetchRequest(job, m)
		p.goSide("fetch", depotID, func() error {
			return p.fetcher.FetchFilesForDepot(detached, req)
		})
	}
}

func (p *Pipeline) goSide(kind string, depotID uint32, fn func() error) {
	p.side.Add(1)
	go func() {
		defer p.side.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("side effect panicked", zap.String("kind", kind), zap.Uint32("depot_id", depotID), zap.Any("panic", r))
			}
		}()
		if err := fn(); err != nil {
			p.logger.Warn("side effect failed", zap.String("kind", kind), zap.Uint32("depot_id", depotID), zap.Error(err))
		}
	}()
}

func displayName(job *Job) string {
	if job.DepotName != "" {
		return job.DepotName
	}
	return "depot"
}

func fetchRequest(job *Job, m *depot.Manifest) fetchqueue.Request {
	files := make([]fetchqueue.File, 0, len(m.Files))
	for _, f := range m.Files {
		if f.Flags.Has(depot.FlagDirectory) {
			continue
		}
		files = append(files, fetchqueue.File{
			Path: depotdiff.NormalizePath(f.Path),
			Size: f.Size,
			Hash: depotdiff.HashOf(f),
		})
	}
	return fetchqueue.Request{
		CollectionID: job.CollectionID,
		ChangeID:     job.ChangeID,
		DepotID:      job.DepotID,
		DepotName:    job.DepotName,
		ManifestID:   job.ManifestID,
		Server:       job.Server,
		Files:        files,
	}
}
