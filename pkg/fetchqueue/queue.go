package fetchqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue assigns request ids and timestamps, then hands requests to a sink.
type Queue struct {
	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

var _ Requester = (*Queue)(nil)

// New creates a queue writing to sink.
func New(sink Sink, logger *zap.Logger) (*Queue, error) {
	if sink == nil {
		return nil, errors.New("fetch sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{sink: sink, logger: logger, now: time.Now}, nil
}

// FetchFilesForDepot implements Requester.
func (q *Queue) FetchFilesForDepot(ctx context.Context, req Request) error {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = q.now().UTC()
	}
	if req.TotalSize == 0 {
		for _, f := range req.Files {
			req.TotalSize += f.Size
		}
	}

	if err := q.sink.Put(ctx, &req); err != nil {
		return err
	}

	q.logger.Info("queued depot fetch",
		zap.String("request_id", req.RequestID),
		zap.Uint32("depot_id", req.DepotID),
		zap.Uint64("manifest_id", req.ManifestID),
		zap.Int("files", len(req.Files)),
		zap.Uint64("total_size", req.TotalSize))
	return nil
}
