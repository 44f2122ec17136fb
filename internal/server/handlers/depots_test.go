package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/depotwatch/internal/errors"
	"github.com/3leaps/depotwatch/pkg/depot"
	"github.com/3leaps/depotwatch/pkg/depotdiff"
	"github.com/3leaps/depotwatch/pkg/depotstore"
	"github.com/3leaps/depotwatch/pkg/dispatcher"
	"github.com/3leaps/depotwatch/pkg/lockset"
	"github.com/3leaps/depotwatch/pkg/publish"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*publish.Event
	ctxs   []context.Context
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ev *publish.Event) dispatcher.Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	d.ctxs = append(d.ctxs, ctx)
	return dispatcher.Summary{Seen: len(ev.Depots.Children), Enqueued: 1}
}

func digest(b byte) []byte {
	d := make([]byte, 20)
	d[0] = b
	return d
}

func seededStore(t *testing.T) *depotstore.Store {
	t.Helper()
	ctx := context.Background()
	s, err := depotstore.Open(ctx, depotstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.UpsertDepot(ctx, depotstore.Depot{
		DepotID: 481, Name: "content", ManifestID: 9007199254740993, BuildID: 12,
	}))

	first := []depot.ManifestFile{
		{Path: "bin/game.exe", Size: 100, Digest: digest(1)},
		{Path: "data/a.pak", Size: 50, Digest: digest(2)},
	}
	require.NoError(t, s.ApplyChangeSet(ctx, 1, 481, 9007199254740993, depotdiff.Compute(nil, first)))

	old, err := s.LoadFiles(ctx, 481)
	require.NoError(t, err)
	second := []depot.ManifestFile{
		{Path: "bin/game.exe", Size: 120, Digest: digest(3)},
		{Path: "data/a.pak", Size: 50, Digest: digest(2)},
	}
	require.NoError(t, s.ApplyChangeSet(ctx, 2, 481, 9007199254740993, depotdiff.Compute(old, second)))
	return s
}

func newTestRouter(api *DepotAPI) http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/changes", api.PostChange)
	r.Get("/v1/depots", api.ListDepots)
	r.Get("/v1/depots/{id}", api.GetDepot)
	r.Get("/v1/depots/{id}/history", api.GetHistory)
	r.Get("/v1/depots/{id}/files", api.GetFiles)
	r.Get("/v1/locks", api.GetLocks)
	return r
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestDepotAPI_PostChange(t *testing.T) {
	type ctxKey struct{}
	jobCtx := context.WithValue(context.Background(), ctxKey{}, "jobs")
	d := &recordingDispatcher{}
	h := newTestRouter(NewDepotAPI(jobCtx, seededStore(t), d, lockset.New(), nil))

	rec := serve(h, http.MethodPost, "/v1/changes", `{"collection_id": 480, "change_id": 7, "depots": {"481": {"manifests": {"public": "5"}}}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp ChangeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint32(480), resp.CollectionID)
	assert.Equal(t, uint32(7), resp.ChangeID)
	assert.Equal(t, 1, resp.Summary.Enqueued)

	require.Len(t, d.events, 1)
	assert.Equal(t, "jobs", d.ctxs[0].Value(ctxKey{}), "jobs run on the server context, not the request context")
}

func TestDepotAPI_PostChangeRejectsInvalid(t *testing.T) {
	d := &recordingDispatcher{}
	h := newTestRouter(NewDepotAPI(context.Background(), seededStore(t), d, lockset.New(), nil))

	tests := []struct {
		name string
		body string
	}{
		{"malformed", "{"},
		{"missing collection", `{"change_id": 1}`},
		{"depots not a mapping", `{"collection_id": 1, "depots": [1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, http.MethodPost, "/v1/changes", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, apperrors.CodeBadRequest, errorCode(t, rec))
		})
	}
	assert.Empty(t, d.events)
}

func TestDepotAPI_PostChangeReportsProblems(t *testing.T) {
	h := newTestRouter(NewDepotAPI(context.Background(), seededStore(t), &recordingDispatcher{}, lockset.New(), nil))

	rec := serve(h, http.MethodPost, "/v1/changes", `{"change_id": 1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	problems, ok := body.Error.Details["problems"].([]any)
	require.True(t, ok, "details: %v", body.Error.Details)
	assert.NotEmpty(t, problems)
}

func TestDepotAPI_Depots(t *testing.T) {
	h := newTestRouter(NewDepotAPI(context.Background(), seededStore(t), &recordingDispatcher{}, lockset.New(), nil))

	rec := serve(h, http.MethodGet, "/v1/depots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []DepotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "9007199254740993", list[0].ManifestID, "manifest ids are strings to keep precision")

	rec = serve(h, http.MethodGet, "/v1/depots/481", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var one DepotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "content", one.Name)
	require.NotNil(t, one.Files)
	assert.Equal(t, int64(2), *one.Files)

	rec = serve(h, http.MethodGet, "/v1/depots/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, http.MethodGet, "/v1/depots/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDepotAPI_History(t *testing.T) {
	h := newTestRouter(NewDepotAPI(context.Background(), seededStore(t), &recordingDispatcher{}, lockset.New(), nil))

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantPaths  []string
	}{
		{"all", "/v1/depots/481/history", http.StatusOK, []string{"bin/game.exe"}},
		{"path glob", "/v1/depots/481/history?path=data/**", http.StatusOK, []string{}},
		{"action", "/v1/depots/481/history?action=modified", http.StatusOK, []string{"bin/game.exe"}},
		{"change", "/v1/depots/481/history?change=1", http.StatusOK, []string{}},
		{"bad action", "/v1/depots/481/history?action=renamed", http.StatusBadRequest, nil},
		{"bad limit", "/v1/depots/481/history?limit=-1", http.StatusBadRequest, nil},
		{"bad change", "/v1/depots/481/history?change=x", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tt.target, "")
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantPaths == nil {
				return
			}
			var rows []HistoryResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
			paths := make([]string, 0, len(rows))
			for _, r := range rows {
				paths = append(paths, r.Path)
			}
			assert.Equal(t, tt.wantPaths, paths)
		})
	}
}

func TestDepotAPI_HistoryValues(t *testing.T) {
	h := newTestRouter(NewDepotAPI(context.Background(), seededStore(t), &recordingDispatcher{}, lockset.New(), nil))

	rec := serve(h, http.MethodGet, "/v1/depots/481/history?action=modified", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, uint32(2), rows[0].ChangeID)
	assert.Equal(t, "100", rows[0].OldValue)
	assert.Equal(t, "120", rows[0].NewValue)
}

func TestDepotAPI_Files(t *testing.T) {
	h := newTestRouter(NewDepotAPI(context.Background(), seededStore(t), &recordingDispatcher{}, lockset.New(), nil))

	rec := serve(h, http.MethodGet, "/v1/depots/481/files?pattern=data/*", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var files []FileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 1)
	assert.Equal(t, "data/a.pak", files[0].Path)
	assert.Equal(t, uint64(50), files[0].Size)

	rec = serve(h, http.MethodGet, "/v1/depots/481/files?pattern=[", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDepotAPI_Locks(t *testing.T) {
	locks := lockset.New()
	h := newTestRouter(NewDepotAPI(context.Background(), seededStore(t), &recordingDispatcher{}, locks, nil))

	rec := serve(h, http.MethodGet, "/v1/locks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"depots":[]}`, rec.Body.String())

	require.True(t, locks.TryAcquire(482))
	require.True(t, locks.TryAcquire(481))
	rec = serve(h, http.MethodGet, "/v1/locks", "")
	assert.JSONEq(t, `{"depots":[481,482]}`, rec.Body.String())
}

type blockingDispatcher struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (d *blockingDispatcher) Dispatch(_ context.Context, _ *publish.Event) dispatcher.Summary {
	d.calls.Add(1)
	d.entered <- struct{}{}
	<-d.release
	return dispatcher.Summary{Enqueued: 1}
}

func TestDepotAPI_CloseDrainsDispatches(t *testing.T) {
	d := &blockingDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	api := NewDepotAPI(context.Background(), seededStore(t), d, lockset.New(), nil)
	h := newTestRouter(api)
	const event = `{"collection_id": 480, "change_id": 7, "depots": {"481": {"manifests": {"public": "5"}}}}`

	inflight := make(chan *httptest.ResponseRecorder, 1)
	go func() { inflight <- serve(h, http.MethodPost, "/v1/changes", event) }()
	<-d.entered

	closed := make(chan struct{})
	go func() {
		api.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a dispatch was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(d.release)
	<-closed
	assert.Equal(t, http.StatusAccepted, (<-inflight).Code)

	rec := serve(h, http.MethodPost, "/v1/changes", event)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, apperrors.CodeServiceUnavailable, errorCode(t, rec))
	assert.Equal(t, int32(1), d.calls.Load(), "no dispatch after Close")
}
