package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/depotwatch/pkg/depot"
	"github.com/3leaps/depotwatch/pkg/depotdiff"
	"github.com/3leaps/depotwatch/pkg/depotstore"
	"github.com/3leaps/depotwatch/pkg/fetchqueue"
	"github.com/3leaps/depotwatch/pkg/lockset"
	"github.com/3leaps/depotwatch/pkg/remote"
	"github.com/3leaps/depotwatch/pkg/serverpool"
)

var servers = []string{"s0", "s1", "s2"}

type fakeRemote struct {
	mu sync.Mutex

	keyErr      error
	tokenErrs   []error // consumed per call; nil entries succeed
	manifestErr []error
	manifest    *depot.Manifest
	panicIn     string

	tokenServers    []string
	manifestServers []string
	keyCalls        int
}

func (f *fakeRemote) GetDecryptionKey(_ context.Context, depotID, _ uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyCalls++
	if f.panicIn == "key" {
		panic("key boom")
	}
	if f.keyErr != nil {
		return nil, &remote.Error{Op: "GetDecryptionKey", DepotID: depotID, Err: f.keyErr}
	}
	return []byte{1, 2, 3}, nil
}

func (f *fakeRemote) GetAuthToken(_ context.Context, depotID uint32, server string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenServers = append(f.tokenServers, server)
	if len(f.tokenErrs) > 0 {
		err := f.tokenErrs[0]
		f.tokenErrs = f.tokenErrs[1:]
		if err != nil {
			return "", &remote.Error{Op: "GetAuthToken", DepotID: depotID, Server: server, Err: err}
		}
	}
	return "token-" + server, nil
}

func (f *fakeRemote) DownloadManifest(_ context.Context, req remote.ManifestRequest) (*depot.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifestServers = append(f.manifestServers, req.Server)
	if f.panicIn == "manifest" {
		panic("manifest boom")
	}
	if len(f.manifestErr) > 0 {
		err := f.manifestErr[0]
		f.manifestErr = f.manifestErr[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.manifest != nil {
		return f.manifest, nil
	}
	return &depot.Manifest{DepotID: req.DepotID, ManifestID: req.ManifestID}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	loadErr  error
	applyErr error
	loads    int
	applied  []*depotdiff.ChangeSet
}

func (s *fakeStore) LoadFiles(context.Context, uint32) (map[string]depotdiff.FileState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return map[string]depotdiff.FileState{}, nil
}

func (s *fakeStore) ApplyChangeSet(_ context.Context, _, _ uint32, _ uint64, cs *depotdiff.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied = append(s.applied, cs)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) AnnounceImportantUpdate(ctx context.Context, _ uint32, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	n.messages = append(n.messages, message)
	return nil
}

type recordingFetcher struct {
	mu       sync.Mutex
	requests []fetchqueue.Request
}

func (f *recordingFetcher) FetchFilesForDepot(_ context.Context, req fetchqueue.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil
}

type harness struct {
	p      *Pipeline
	locks  *lockset.Set
	remote *fakeRemote
	store  Store
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T, r *fakeRemote, store Store, mutate func(*Config)) *harness {
	t.Helper()
	pool, err := serverpool.New(servers, rand.NewPCG(1, 2))
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	locks := lockset.New()
	cfg := Config{
		Remote: r,
		Pool:   pool,
		Locks:  locks,
		Store:  store,
		Logger: zap.New(core),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return &harness{p: p, locks: locks, remote: r, store: store, logs: logs}
}

// run acquires the depot lock like the dispatcher does and runs job to
// completion.
func (h *harness) run(t *testing.T, ctx context.Context, job *Job) {
	t.Helper()
	require.True(t, h.locks.TryAcquire(job.DepotID))
	h.p.Enqueue(ctx, job)
	h.p.Wait()
}

func (h *harness) errorLogs() []observer.LoggedEntry {
	return h.logs.FilterLevelExact(zapcore.ErrorLevel).All()
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRun_HappyPathWithStore(t *testing.T) {
	ctx := context.Background()
	store, err := depotstore.Open(ctx, depotstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	require.NoError(t, store.UpsertDepot(ctx, depotstore.Depot{DepotID: 481, ManifestID: 900}))

	r := &fakeRemote{manifest: &depot.Manifest{
		DepotID:    481,
		ManifestID: 900,
		Files: []depot.ManifestFile{
			{Path: `bin\a.exe`, Size: 10, Digest: []byte{1}},
			{Path: "bin", Flags: depot.FlagDirectory},
		},
	}}
	h := newHarness(t, r, store, nil)

	job := &Job{ChangeID: 5, CollectionID: 480, DepotID: 481, ManifestID: 900}
	h.run(t, ctx, job)

	assert.Equal(t, StateDone, job.State)
	assert.NoError(t, job.Err)
	assert.False(t, h.locks.Held(481))
	assert.Equal(t, len(servers), job.RemainingTries)
	assert.Equal(t, "token-"+job.Server, job.AuthToken)
	assert.Equal(t, []string{job.Server}, r.manifestServers, "manifest uses the token server")
	require.NotNil(t, job.Result)
	assert.Equal(t, 2, job.Result.Added)
	assert.Zero(t, job.Result.HistoryRows, "first ingest writes no added history")

	files, err := store.ListFiles(ctx, 481, "")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "bin/a.exe", files[1].Path)

	d, err := store.GetDepot(ctx, 481)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), d.LastManifestID)
}

func TestRun_TokenFailoverDeterminism(t *testing.T) {
	boom := remote.ErrUnavailable
	r := &fakeRemote{tokenErrs: []error{boom, boom, boom}}

	var assigned []string
	store := &fakeStore{}
	h := newHarness(t, r, store, nil)

	job := &Job{DepotID: 7, ManifestID: 1}
	h.run(t, context.Background(), job)

	// Calls after the first reveal the server assigned by each failure; the
	// last assignment is left on the job.
	require.Len(t, r.tokenServers, 3)
	assigned = append(assigned, r.tokenServers[1:]...)
	assigned = append(assigned, job.Server)
	assert.Equal(t, []string{"s2", "s1", "s0"}, assigned)

	assert.Equal(t, StateAbandoned, job.State)
	assert.ErrorIs(t, job.Err, ErrRetriesExhausted)
	assert.ErrorIs(t, job.Err, remote.ErrUnavailable)
	assert.Zero(t, job.RemainingTries)
	assert.Empty(t, r.manifestServers, "manifest never requested")
	assert.Zero(t, store.loads, "diff never entered")
	assert.False(t, h.locks.Held(7))
	assert.Len(t, h.errorLogs(), 1)
}

func TestRun_TokenRecoversOnFailover(t *testing.T) {
	r := &fakeRemote{tokenErrs: []error{remote.ErrUnavailable, nil}}
	h := newHarness(t, r, &fakeStore{}, func(c *Config) { c.Important = []uint32{7} })

	job := &Job{DepotID: 7, ManifestID: 1}
	h.run(t, context.Background(), job)

	assert.Equal(t, StateDone, job.State)
	assert.Equal(t, "s2", job.Server)
	assert.Equal(t, "token-s2", job.AuthToken)
	assert.Equal(t, 2, job.RemainingTries)
	assert.Equal(t, 1, h.logs.FilterMessage("auth token request failed").Len(), "important depot failures are logged")
}

func TestRun_KeyFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		important  bool
		wantLogged bool
	}{
		{name: "access denied ordinary depot is silent", err: remote.ErrAccessDenied},
		{name: "access denied important depot is logged", err: remote.ErrAccessDenied, important: true, wantLogged: true},
		{name: "transient failure is logged", err: remote.ErrUnavailable, wantLogged: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRemote{keyErr: tt.err}
			h := newHarness(t, r, &fakeStore{}, func(c *Config) {
				if tt.important {
					c.Important = []uint32{9}
				}
			})

			job := &Job{DepotID: 9, ManifestID: 1}
			h.run(t, context.Background(), job)

			assert.Equal(t, StateAbandoned, job.State)
			assert.ErrorIs(t, job.Err, tt.err)
			assert.Empty(t, r.tokenServers)
			assert.False(t, h.locks.Held(9))

			logged := h.logs.FilterLevelExact(zapcore.ErrorLevel).Len() + h.logs.FilterLevelExact(zapcore.WarnLevel).Len()
			assert.Equal(t, tt.wantLogged, logged > 0)
		})
	}
}

func TestRun_ManifestRetries(t *testing.T) {
	t.Run("recovers within budget", func(t *testing.T) {
		flaky := errors.New("flaky")
		r := &fakeRemote{manifestErr: []error{flaky, flaky, nil}}
		h := newHarness(t, r, &fakeStore{}, nil)

		job := &Job{DepotID: 3, ManifestID: 1}
		h.run(t, context.Background(), job)

		assert.Equal(t, StateDone, job.State)
		assert.Len(t, r.manifestServers, 3)
	})

	t.Run("exhausted after six attempts on one server", func(t *testing.T) {
		flaky := errors.New("flaky")
		errs := make([]error, DefaultManifestAttempts+2)
		for i := range errs {
			errs[i] = flaky
		}
		store := &fakeStore{}
		r := &fakeRemote{manifestErr: errs}
		h := newHarness(t, r, store, nil)

		job := &Job{DepotID: 3, ManifestID: 1}
		h.run(t, context.Background(), job)

		assert.Equal(t, StateAbandoned, job.State)
		assert.ErrorIs(t, job.Err, ErrRetriesExhausted)
		assert.ErrorIs(t, job.Err, flaky)
		require.Len(t, r.manifestServers, DefaultManifestAttempts)
		for _, s := range r.manifestServers {
			assert.Equal(t, job.Server, s)
		}
		assert.Zero(t, store.loads)
		assert.False(t, h.locks.Held(3))

		entries := h.logs.FilterMessage("manifest download retries exhausted").All()
		require.Len(t, entries, 1)
		assert.EqualValues(t, DefaultManifestAttempts, entries[0].ContextMap()["attempts"])
	})
}

func TestRun_CancelledContextAbandons(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &fakeRemote{}
	h := newHarness(t, r, &fakeStore{}, nil)
	job := &Job{DepotID: 4, ManifestID: 1}
	h.run(t, ctx, job)

	assert.Equal(t, StateAbandoned, job.State)
	assert.ErrorIs(t, job.Err, context.Canceled)
	assert.False(t, h.locks.Held(4))
}

func TestRun_StoreFailureStillDone(t *testing.T) {
	tests := []struct {
		name  string
		store *fakeStore
	}{
		{"load", &fakeStore{loadErr: errors.New("disk gone")}},
		{"apply", &fakeStore{applyErr: errors.New("constraint")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeRemote{}, tt.store, nil)
			job := &Job{DepotID: 5, ManifestID: 1}
			h.run(t, context.Background(), job)

			assert.Equal(t, StateDone, job.State)
			assert.Error(t, job.Err)
			assert.Nil(t, job.Result)
			assert.False(t, h.locks.Held(5))
			assert.Len(t, h.errorLogs(), 1)
		})
	}
}

func TestRun_PanicReleasesLock(t *testing.T) {
	for _, stage := range []string{"key", "manifest"} {
		t.Run(stage, func(t *testing.T) {
			h := newHarness(t, &fakeRemote{panicIn: stage}, &fakeStore{}, nil)
			job := &Job{DepotID: 6, ManifestID: 1}
			h.run(t, context.Background(), job)

			assert.Equal(t, StateAbandoned, job.State)
			assert.ErrorContains(t, job.Err, "panic")
			assert.False(t, h.locks.Held(6))
		})
	}
}

func TestRun_ImportantSideEffects(t *testing.T) {
	notifier := &recordingNotifier{}
	fetcher := &recordingFetcher{}
	r := &fakeRemote{manifest: &depot.Manifest{Files: []depot.ManifestFile{
		{Path: `data\x.pak`, Size: 4, Digest: []byte{0xaa}},
		{Path: "data", Flags: depot.FlagDirectory},
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, r, &fakeStore{}, func(c *Config) {
		c.Important = []uint32{481}
		c.Notifier = notifier
		c.Fetcher = fetcher
	})

	job := &Job{CollectionID: 480, DepotID: 481, DepotName: "Content", ManifestID: 20, PreviousManifestID: 10}
	require.True(t, h.locks.TryAcquire(481))
	h.p.Run(ctx, job)
	cancel()
	h.p.Wait()

	require.Len(t, notifier.messages, 1, "side effects survive job context cancellation")
	assert.Equal(t, "Important depot update: Content (481) manifest 10 -> 20", notifier.messages[0])

	require.Len(t, fetcher.requests, 1)
	req := fetcher.requests[0]
	assert.Equal(t, uint32(481), req.DepotID)
	assert.Equal(t, uint64(20), req.ManifestID)
	require.Len(t, req.Files, 1, "directories are not fetched")
	assert.Equal(t, "data/x.pak", req.Files[0].Path)
}

func TestRun_OrdinaryDepotHasNoSideEffects(t *testing.T) {
	notifier := &recordingNotifier{}
	fetcher := &recordingFetcher{}
	h := newHarness(t, &fakeRemote{}, &fakeStore{}, func(c *Config) {
		c.Notifier = notifier
		c.Fetcher = fetcher
	})
	h.run(t, context.Background(), &Job{DepotID: 1, ManifestID: 1})

	assert.Empty(t, notifier.messages)
	assert.Empty(t, fetcher.requests)
}

func TestEnqueue_ManyDepotsReleaseAll(t *testing.T) {
	var mu sync.Mutex
	finished := map[uint32]State{}
	h := newHarness(t, &fakeRemote{}, &fakeStore{}, func(c *Config) {
		c.OnFinish = func(j Job) {
			mu.Lock()
			finished[j.DepotID] = j.State
			mu.Unlock()
		}
	})

	for id := uint32(1); id <= 50; id++ {
		require.True(t, h.locks.TryAcquire(id))
		h.p.Enqueue(context.Background(), &Job{DepotID: id, ManifestID: uint64(id)})
	}
	h.p.Wait()

	assert.Zero(t, h.locks.Len())
	assert.Len(t, finished, 50)
	for id, st := range finished {
		assert.Equal(t, StateDone, st, "depot %d", id)
	}
}

func TestRun_UnheldLockIsReported(t *testing.T) {
	h := newHarness(t, &fakeRemote{}, &fakeStore{}, nil)
	h.p.Run(context.Background(), &Job{DepotID: 77, ManifestID: 1})
	assert.Equal(t, 1, h.logs.FilterMessage("depot lock was not held at job end").Len())
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateAbandoned.Terminal())
	assert.False(t, StateDiffing.Terminal())
}
