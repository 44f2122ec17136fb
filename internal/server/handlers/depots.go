package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/depotwatch/internal/errors"
	"github.com/3leaps/depotwatch/pkg/depot"
	"github.com/3leaps/depotwatch/pkg/depotdiff"
	"github.com/3leaps/depotwatch/pkg/depotstore"
	"github.com/3leaps/depotwatch/pkg/dispatcher"
	"github.com/3leaps/depotwatch/pkg/publish"
)

// MaxEventBytes caps POST /v1/changes bodies.
const MaxEventBytes = 8 << 20

// DepotStore is the read side of the depot store.
type DepotStore interface {
	GetDepot(ctx context.Context, depotID uint32) (*depotstore.Depot, error)
	ListDepots(ctx context.Context) ([]depotstore.Depot, error)
	CountFiles(ctx context.Context, depotID uint32) (int64, error)
	ListFiles(ctx context.Context, depotID uint32, pattern string) ([]depotdiff.FileState, error)
	QueryHistory(ctx context.Context, q depotstore.HistoryQuery) ([]depotstore.HistoryEntry, error)
}

// EventDispatcher accepts publish events.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev *publish.Event) dispatcher.Summary
}

// LockLister reports depots with a job in flight.
type LockLister interface {
	Snapshot() []uint32
}

// DepotAPI serves the /v1 routes.
type DepotAPI struct {
	store      DepotStore
	dispatcher EventDispatcher
	locks      LockLister

	// jobCtx outlives requests; jobs started by POST /v1/changes run on it.
	jobCtx context.Context
	logger *zap.Logger

	// dispatchMu is held shared by every dispatch in progress; Close takes
	// it exclusively so no dispatch is running once it returns.
	dispatchMu sync.RWMutex
	closed     bool
}

// NewDepotAPI wires the /v1 handlers. jobCtx is the context jobs started
// from HTTP events run under.
func NewDepotAPI(jobCtx context.Context, store DepotStore, d EventDispatcher, locks LockLister, logger *zap.Logger) *DepotAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	if jobCtx == nil {
		jobCtx = context.Background()
	}
	return &DepotAPI{store: store, dispatcher: d, locks: locks, jobCtx: jobCtx, logger: logger}
}

// DepotResponse is the JSON form of a depot record.
type DepotResponse struct {
	DepotID        uint32    `json:"depot_id"`
	Name           string    `json:"name"`
	ManifestID     string    `json:"manifest_id"`
	BuildID        uint32    `json:"build_id"`
	LastManifestID string    `json:"last_manifest_id"`
	LastUpdated    time.Time `json:"last_updated"`
	Files          *int64    `json:"files,omitempty"`
}

// HistoryResponse is the JSON form of a history row. Values are strings
// because manifest ids exceed the JSON safe integer range.
type HistoryResponse struct {
	ID       int64     `json:"id"`
	ChangeID uint32    `json:"change_id"`
	Path     string    `json:"path,omitempty"`
	Action   string    `json:"action"`
	OldValue string    `json:"old_value"`
	NewValue string    `json:"new_value"`
	Time     time.Time `json:"time"`
}

type FileResponse struct {
	Path  string `json:"path"`
	Hash  string `json:"hash"`
	Size  uint64 `json:"size"`
	Flags uint32 `json:"flags"`
}

type ChangeResponse struct {
	CollectionID uint32             `json:"collection_id"`
	ChangeID     uint32             `json:"change_id"`
	Summary      dispatcher.Summary `json:"summary"`
}

type LocksResponse struct {
	Depots []uint32 `json:"depots"`
}

// PostChange parses and dispatches one publish event. Jobs continue after
// the response is written.
func (a *DepotAPI) PostChange(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxEventBytes+1))
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest("read body: "+err.Error()))
		return
	}
	if len(data) > MaxEventBytes {
		respondWithError(w, r, apperrors.New(http.StatusRequestEntityTooLarge, apperrors.CodeBadRequest, "event exceeds size limit"))
		return
	}

	ev, err := publish.Parse(data)
	if err != nil {
		herr := apperrors.BadRequest(err.Error())
		var verrs publish.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]string, 0, len(verrs))
			for _, v := range verrs {
				problems = append(problems, v.Error())
			}
			herr.WithDetails(map[string]any{"problems": problems})
		}
		respondWithError(w, r, herr)
		return
	}

	sum, ok := a.dispatch(ev)
	if !ok {
		respondWithError(w, r, apperrors.ServiceUnavailable("server is shutting down"))
		return
	}
	a.logger.Info("Publish event accepted",
		zap.Uint32("collection_id", ev.CollectionID),
		zap.Uint32("change_id", ev.ChangeID),
		zap.Int("enqueued", sum.Enqueued),
		zap.Int("seen", sum.Seen))

	writeJSON(w, http.StatusAccepted, ChangeResponse{
		CollectionID: ev.CollectionID,
		ChangeID:     ev.ChangeID,
		Summary:      sum,
	})
}

func (a *DepotAPI) dispatch(ev *publish.Event) (dispatcher.Summary, bool) {
	a.dispatchMu.RLock()
	defer a.dispatchMu.RUnlock()
	if a.closed {
		return dispatcher.Summary{}, false
	}
	return a.dispatcher.Dispatch(a.jobCtx, ev), true
}

// Close stops accepting publish events. It returns once every dispatch
// already in progress has handed its jobs to the pipeline, so waiting on
// the pipeline afterwards cannot race a new job.
func (a *DepotAPI) Close() {
	a.dispatchMu.Lock()
	defer a.dispatchMu.Unlock()
	a.closed = true
}

func (a *DepotAPI) ListDepots(w http.ResponseWriter, r *http.Request) {
	depots, err := a.store.ListDepots(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := make([]DepotResponse, 0, len(depots))
	for _, d := range depots {
		out = append(out, depotResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *DepotAPI) GetDepot(w http.ResponseWriter, r *http.Request) {
	id, ok := depotIDParam(w, r)
	if !ok {
		return
	}
	d, err := a.store.GetDepot(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if d == nil {
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("depot %d not found", id)))
		return
	}
	count, err := a.store.CountFiles(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	resp := depotResponse(*d)
	resp.Files = &count
	writeJSON(w, http.StatusOK, resp)
}

// GetHistory serves depot history filtered by path, action, change and limit
// query parameters.
func (a *DepotAPI) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := depotIDParam(w, r)
	if !ok {
		return
	}
	q := depotstore.HistoryQuery{DepotID: id, Pattern: r.URL.Query().Get("path")}

	if raw := r.URL.Query().Get("action"); raw != "" {
		action := depot.Action(raw)
		if !action.Valid() {
			respondWithError(w, r, apperrors.BadRequest("unknown action: "+raw))
			return
		}
		q.Action = action
	}
	if raw := r.URL.Query().Get("change"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			respondWithError(w, r, apperrors.BadRequest("invalid change: "+raw))
			return
		}
		q.ChangeID = uint32(v)
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			respondWithError(w, r, apperrors.BadRequest("invalid limit: "+raw))
			return
		}
		q.Limit = v
	}

	rows, err := a.store.QueryHistory(r.Context(), q)
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest(err.Error()))
		return
	}
	out := make([]HistoryResponse, 0, len(rows))
	for _, h := range rows {
		out = append(out, HistoryResponse{
			ID:       h.ID,
			ChangeID: h.ChangeID,
			Path:     h.Path,
			Action:   string(h.Action),
			OldValue: strconv.FormatUint(h.OldValue, 10),
			NewValue: strconv.FormatUint(h.NewValue, 10),
			Time:     h.Time,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *DepotAPI) GetFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := depotIDParam(w, r)
	if !ok {
		return
	}
	files, err := a.store.ListFiles(r.Context(), id, r.URL.Query().Get("pattern"))
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest(err.Error()))
		return
	}
	out := make([]FileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, FileResponse{Path: f.Path, Hash: f.Hash, Size: f.Size, Flags: uint32(f.Flags)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *DepotAPI) GetLocks(w http.ResponseWriter, r *http.Request) {
	held := a.locks.Snapshot()
	if held == nil {
		held = []uint32{}
	}
	writeJSON(w, http.StatusOK, LocksResponse{Depots: held})
}

func depotIDParam(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := chi.URLParam(r, "id")
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest("invalid depot id: "+raw))
		return 0, false
	}
	return uint32(v), true
}

func depotResponse(d depotstore.Depot) DepotResponse {
	return DepotResponse{
		DepotID:        d.DepotID,
		Name:           d.Name,
		ManifestID:     strconv.FormatUint(d.ManifestID, 10),
		BuildID:        d.BuildID,
		LastManifestID: strconv.FormatUint(d.LastManifestID, 10),
		LastUpdated:    d.LastUpdated,
	}
}
