// Package output writes depotwatch results as JSONL.
//
// Every line is a Record envelope whose Data payload is selected by Type.
// Lines are self-contained and can be parsed one at a time.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types, versioned as depotwatch.<type>.v<n>.
const (
	TypeDepot   = "depotwatch.depot.v1"
	TypeHistory = "depotwatch.history.v1"
	TypeJob     = "depotwatch.job.v1"
	TypeError   = "depotwatch.error.v1"
	TypeSummary = "depotwatch.summary.v1"
)

// Record is the envelope written on every line.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	// RunID correlates all records of one command invocation.
	RunID string `json:"run_id"`

	// Source names what produced the records ("store", "ingest").
	Source string `json:"source"`

	Data json.RawMessage `json:"data"`
}

// DepotRecord describes one stored depot. Manifest ids are decimal
// strings so 64-bit values survive JSON consumers that parse numbers as
// doubles.
type DepotRecord struct {
	DepotID        uint32    `json:"depot_id"`
	Name           string    `json:"name,omitempty"`
	ManifestID     string    `json:"manifest_id"`
	BuildID        uint32    `json:"build_id"`
	LastManifestID string    `json:"last_manifest_id"`
	LastUpdated    time.Time `json:"last_updated,omitzero"`
}

// HistoryRecord is one history row.
type HistoryRecord struct {
	ID       int64     `json:"id"`
	ChangeID uint32    `json:"change_id"`
	DepotID  uint32    `json:"depot_id"`
	Path     string    `json:"path,omitempty"`
	Action   string    `json:"action"`
	OldValue string    `json:"old_value"`
	NewValue string    `json:"new_value"`
	Time     time.Time `json:"time,omitzero"`
}

// JobRecord reports a finished pipeline job.
type JobRecord struct {
	ChangeID           uint32 `json:"change_id"`
	DepotID            uint32 `json:"depot_id"`
	DepotName          string `json:"depot_name,omitempty"`
	ManifestID         string `json:"manifest_id"`
	PreviousManifestID string `json:"previous_manifest_id"`
	State              string `json:"state"`
	Server             string `json:"server,omitempty"`
	Error              string `json:"error,omitempty"`

	Added       int `json:"added"`
	Removed     int `json:"removed"`
	Updated     int `json:"updated"`
	HistoryRows int `json:"history_rows"`
}

// ErrorRecord reports a failure that did not stop the run.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Path is the input file involved, if any.
	Path string `json:"path,omitempty"`

	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeInvalidEvent = "INVALID_EVENT"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInternal     = "INTERNAL"
)

// SummaryRecord closes an ingest run.
type SummaryRecord struct {
	Events   int `json:"events"`
	Invalid  int `json:"invalid"`
	Seen     int `json:"seen"`
	Enqueued int `json:"enqueued"`

	Unchanged int `json:"unchanged"`
	Stale     int `json:"stale"`
	Locked    int `json:"locked"`
	Failed    int `json:"failed"`

	JobsDone      int `json:"jobs_done"`
	JobsAbandoned int `json:"jobs_abandoned"`
	JobsFailed    int `json:"jobs_failed"`
	HistoryRows   int `json:"history_rows"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps failures while producing a record.
type WriteError struct {
	Op  string // marshal_data, marshal_record or write
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
