package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/depotwatch/pkg/depot"
	"github.com/3leaps/depotwatch/pkg/depotstore"
	"github.com/3leaps/depotwatch/pkg/lockset"
	"github.com/3leaps/depotwatch/pkg/pipeline"
	"github.com/3leaps/depotwatch/pkg/publish"
)

// recordingEnqueuer keeps jobs and releases nothing, so tests can inspect
// lock state the way it looks while pipelines are in flight.
type recordingEnqueuer struct {
	jobs []*pipeline.Job
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, job *pipeline.Job) {
	r.jobs = append(r.jobs, job)
}

// releasingEnqueuer finishes every job immediately.
type releasingEnqueuer struct {
	locks *lockset.Set
	jobs  []*pipeline.Job
}

func (r *releasingEnqueuer) Enqueue(_ context.Context, job *pipeline.Job) {
	r.jobs = append(r.jobs, job)
	r.locks.Release(job.DepotID)
}

func openStore(t *testing.T) *depotstore.Store {
	t.Helper()
	s, err := depotstore.Open(context.Background(), depotstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustEvent(t *testing.T, doc string) *publish.Event {
	t.Helper()
	ev, err := publish.Parse([]byte(doc))
	require.NoError(t, err)
	return ev
}

func newDispatcher(t *testing.T, store Store, enq Enqueuer, locks *lockset.Set, fullRun bool) *Dispatcher {
	t.Helper()
	d, err := New(Config{Store: store, Locks: locks, Pipeline: enq, FullRun: fullRun})
	require.NoError(t, err)
	return d
}

const baseEvent = `
collection_id: 480
change_id: 100
depots:
  "481":
    name: Content
    manifests:
      public: "5000"
  "482":
    depotfromapp: "228980"
  "483":
    name: Linux
    manifests:
      local: "1"
      beta:
        gid: "7000"
  "484":
    name: Name only
  branches:
    public:
      buildid: "50"
`

func TestDispatch_NewDepots(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	locks := lockset.New()
	enq := &recordingEnqueuer{}
	d := newDispatcher(t, store, enq, locks, false)

	sum := d.Dispatch(ctx, mustEvent(t, baseEvent))

	assert.Equal(t, 2, sum.Enqueued)
	assert.Equal(t, 1, sum.Inherited)
	assert.Equal(t, 1, sum.NameOnly)
	assert.Equal(t, 2, sum.NewDepots)
	assert.Equal(t, 2, sum.Historized)

	require.Len(t, enq.jobs, 2)
	assert.Equal(t, uint32(481), enq.jobs[0].DepotID, "source order")
	assert.Equal(t, uint64(5000), enq.jobs[0].ManifestID)
	assert.Equal(t, uint32(480), enq.jobs[0].CollectionID)
	assert.Equal(t, uint32(100), enq.jobs[0].ChangeID)
	assert.Equal(t, "Content", enq.jobs[0].DepotName)
	assert.Equal(t, uint32(483), enq.jobs[1].DepotID)
	assert.Equal(t, uint64(7000), enq.jobs[1].ManifestID, "first non-local branch")

	assert.Equal(t, []uint32{481, 483}, locks.Snapshot(), "locks held until the pipeline finishes")

	row, err := store.GetDepot(ctx, 481)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), row.ManifestID)
	assert.Equal(t, uint32(50), row.BuildID)

	nameOnly, err := store.GetDepot(ctx, 484)
	require.NoError(t, err)
	require.NotNil(t, nameOnly)
	assert.Equal(t, "Name only", nameOnly.Name)
	assert.Zero(t, nameOnly.ManifestID)

	hist, err := store.QueryHistory(ctx, depotstore.HistoryQuery{DepotID: 481})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, depotstore.HistoryEntry{
		ID: hist[0].ID, ChangeID: 100, DepotID: 481, Action: depot.ActionManifestChange,
		OldValue: 0, NewValue: 5000, Time: hist[0].Time,
	}, hist[0])

	inherited, err := store.GetDepot(ctx, 482)
	require.NoError(t, err)
	assert.Nil(t, inherited)
}

func TestDispatch_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	locks := lockset.New()
	enq := &releasingEnqueuer{locks: locks}
	d := newDispatcher(t, store, enq, locks, false)

	first := d.Dispatch(ctx, mustEvent(t, baseEvent))
	require.Equal(t, 2, first.Enqueued)

	second := d.Dispatch(ctx, mustEvent(t, baseEvent))
	assert.Zero(t, second.Enqueued)
	assert.Equal(t, 2, second.Unchanged)
	assert.Zero(t, second.Historized)
	assert.Len(t, enq.jobs, 2)

	hist, err := store.QueryHistory(ctx, depotstore.HistoryQuery{DepotID: 481})
	require.NoError(t, err)
	assert.Len(t, hist, 1, "no new history for a replayed event")
}

func TestDispatch_RenameOnUnchangedManifest(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.UpsertDepot(ctx, depotstore.Depot{DepotID: 481, Name: "Old", ManifestID: 5000, BuildID: 50}))

	locks := lockset.New()
	enq := &recordingEnqueuer{}
	sum := newDispatcher(t, store, enq, locks, false).Dispatch(ctx, mustEvent(t, `
collection_id: 1
change_id: 2
depots:
  "481":
    name: New
    manifests:
      public: "5000"
`))
	assert.Equal(t, 1, sum.Unchanged)
	assert.Equal(t, 1, sum.Renamed)
	assert.Empty(t, enq.jobs)
	assert.Zero(t, locks.Len())

	row, err := store.GetDepot(ctx, 481)
	require.NoError(t, err)
	assert.Equal(t, "New", row.Name)
}

func TestDispatch_FullRunReprocesses(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.UpsertDepot(ctx, depotstore.Depot{DepotID: 481, ManifestID: 5000, BuildID: 50}))

	enq := &recordingEnqueuer{}
	sum := newDispatcher(t, store, enq, lockset.New(), true).Dispatch(ctx, mustEvent(t, baseEvent))
	assert.Equal(t, 2, sum.Enqueued)
	assert.Equal(t, uint64(5000), enq.jobs[0].PreviousManifestID)

	hist, err := store.QueryHistory(ctx, depotstore.HistoryQuery{DepotID: 481})
	require.NoError(t, err)
	assert.Empty(t, hist, "same manifest id writes no manifest_change")
}

func TestDispatch_Monotonicity(t *testing.T) {
	tests := []struct {
		name        string
		storedBuild uint32
		wantStale   bool
	}{
		{name: "older event skipped", storedBuild: 51, wantStale: true},
		{name: "equal build processed", storedBuild: 50},
		{name: "newer event processed", storedBuild: 49},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := openStore(t)
			require.NoError(t, store.UpsertDepot(ctx, depotstore.Depot{DepotID: 481, ManifestID: 4000, BuildID: tt.storedBuild}))

			enq := &recordingEnqueuer{}
			locks := lockset.New()
			sum := newDispatcher(t, store, enq, locks, false).Dispatch(ctx, mustEvent(t, baseEvent))

			row, err := store.GetDepot(ctx, 481)
			require.NoError(t, err)
			if tt.wantStale {
				assert.Equal(t, 1, sum.Stale)
				assert.Equal(t, uint64(4000), row.ManifestID, "stored state never regresses")
				assert.False(t, locks.Held(481))
			} else {
				assert.Zero(t, sum.Stale)
				assert.Equal(t, uint64(5000), row.ManifestID)
				assert.Equal(t, uint32(481), enq.jobs[0].DepotID)
				assert.Equal(t, uint64(4000), enq.jobs[0].PreviousManifestID)
			}
		})
	}
}

func TestDispatch_LockedDepotDropped(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	locks := lockset.New()
	require.True(t, locks.TryAcquire(481))

	enq := &recordingEnqueuer{}
	sum := newDispatcher(t, store, enq, locks, false).Dispatch(ctx, mustEvent(t, baseEvent))

	assert.Equal(t, 1, sum.Locked)
	require.Len(t, enq.jobs, 1)
	assert.Equal(t, uint32(483), enq.jobs[0].DepotID)

	row, err := store.GetDepot(ctx, 481)
	require.NoError(t, err)
	assert.Nil(t, row, "locked depot is not touched")
}

type failingStore struct {
	*depotstore.Store
	upsertErr  error
	historyErr error
	getErr     error
}

func (f *failingStore) GetDepot(ctx context.Context, id uint32) (*depotstore.Depot, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Store.GetDepot(ctx, id)
}

func (f *failingStore) UpsertDepot(ctx context.Context, d depotstore.Depot) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.Store.UpsertDepot(ctx, d)
}

func (f *failingStore) AppendHistory(ctx context.Context, entries ...depotstore.HistoryEntry) error {
	if f.historyErr != nil {
		return f.historyErr
	}
	return f.Store.AppendHistory(ctx, entries...)
}

func TestDispatch_StorageFailuresReleaseLocks(t *testing.T) {
	boom := errors.New("storage down")
	tests := []struct {
		name  string
		store func(*depotstore.Store) *failingStore
	}{
		{"get", func(s *depotstore.Store) *failingStore { return &failingStore{Store: s, getErr: boom} }},
		{"upsert", func(s *depotstore.Store) *failingStore { return &failingStore{Store: s, upsertErr: boom} }},
		{"history", func(s *depotstore.Store) *failingStore { return &failingStore{Store: s, historyErr: boom} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locks := lockset.New()
			enq := &recordingEnqueuer{}
			sum := newDispatcher(t, tt.store(openStore(t)), enq, locks, false).Dispatch(context.Background(), mustEvent(t, baseEvent))

			assert.Equal(t, 2, sum.Failed)
			assert.Empty(t, enq.jobs)
			assert.Zero(t, locks.Len(), "no lock survives a failed dispatch")
		})
	}
}

func TestResolveManifestID(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		want   uint64
		wantOK bool
	}{
		{"public value", `{"collection_id":1,"depots":{"1":{"manifests":{"public":"9"}}}}`, 9, true},
		{"public gid", `{"collection_id":1,"depots":{"1":{"manifests":{"public":{"gid":"8"}}}}}`, 8, true},
		{"skips local", `{"collection_id":1,"depots":{"1":{"manifests":{"local":"1","beta":"7"}}}}`, 7, true},
		{"unparseable public falls back to earlier branch", `{"collection_id":1,"depots":{"1":{"manifests":{"beta":"6","public":"x"}}}}`, 6, true},
		{"unparseable public is the first candidate", `{"collection_id":1,"depots":{"1":{"manifests":{"public":"x","beta":"6"}}}}`, 0, false},
		{"local before unparseable public", `{"collection_id":1,"depots":{"1":{"manifests":{"local":"1","public":{"gid":"x"},"beta":"6"}}}}`, 0, false},
		{"unparseable fallback", `{"collection_id":1,"depots":{"1":{"manifests":{"beta":"y","rc":"5"}}}}`, 0, false},
		{"only local", `{"collection_id":1,"depots":{"1":{"manifests":{"local":"1"}}}}`, 0, false},
		{"no manifests", `{"collection_id":1,"depots":{"1":{"name":"n"}}}`, 0, false},
		{"max uint64", `{"collection_id":1,"depots":{"1":{"manifests":{"public":"18446744073709551615"}}}}`, 18446744073709551615, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := mustEvent(t, tt.doc)
			got, ok := ResolveManifestID(ev.Depots.Child("1"))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatch_NilEvent(t *testing.T) {
	d := newDispatcher(t, openStore(t), &recordingEnqueuer{}, lockset.New(), false)
	assert.Equal(t, Summary{}, d.Dispatch(context.Background(), nil))
}

func TestSummary_Add(t *testing.T) {
	s := Summary{Enqueued: 1, Stale: 2}
	s.Add(Summary{Enqueued: 3, Failed: 1})
	assert.Equal(t, Summary{Enqueued: 4, Stale: 2, Failed: 1}, s)
}
