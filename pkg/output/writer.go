package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits depotwatch records. Implementations must be safe for
// concurrent use; pipeline jobs finish on their own goroutines.
type Writer interface {
	WriteDepot(ctx context.Context, d *DepotRecord) error
	WriteHistory(ctx context.Context, h *HistoryRecord) error
	WriteJob(ctx context.Context, j *JobRecord) error
	WriteError(ctx context.Context, e *ErrorRecord) error
	WriteSummary(ctx context.Context, s *SummaryRecord) error

	// Close stops further writes. The underlying io.Writer is not closed.
	Close() error
}

// JSONLWriter writes one Record per line to an io.Writer.
type JSONLWriter struct {
	w      io.Writer
	runID  string
	source string

	mu     sync.Mutex
	closed bool

	now func() time.Time
}

var _ Writer = (*JSONLWriter)(nil)

// NewJSONLWriter creates a writer stamping every record with runID and
// source.
func NewJSONLWriter(w io.Writer, runID, source string) *JSONLWriter {
	return &JSONLWriter{w: w, runID: runID, source: source, now: time.Now}
}

func (jw *JSONLWriter) WriteDepot(ctx context.Context, d *DepotRecord) error {
	return jw.writeRecord(ctx, TypeDepot, d)
}

func (jw *JSONLWriter) WriteHistory(ctx context.Context, h *HistoryRecord) error {
	return jw.writeRecord(ctx, TypeHistory, h)
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, j *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, j)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, e *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, e)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, s *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, s)
}

// Close marks the writer closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

// writeRecord holds the lock for the whole line so concurrent records
// never interleave.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(Record{
		Type:   recordType,
		TS:     jw.now().UTC(),
		RunID:  jw.runID,
		Source: jw.source,
		Data:   payload,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	line = append(line, '\n')
	if err := writeAll(jw.w, line); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll loops over short writes so a line is never truncated.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
