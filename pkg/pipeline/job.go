package pipeline

import (
	"errors"
)

// State is the position of a job in the manifest handshake.
type State string

const (
	StateKeyRequested        State = "key_requested"
	StateTokenRequested      State = "token_requested"
	StateManifestDownloading State = "manifest_downloading"
	StateDiffing             State = "diffing"
	StateDone                State = "done"
	StateAbandoned           State = "abandoned"
)

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAbandoned
}

// ErrRetriesExhausted is returned when a stage ran out of attempts.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Job carries one depot through the pipeline. It is owned by the goroutine
// running it until that goroutine returns.
type Job struct {
	ChangeID     uint32
	CollectionID uint32
	DepotID      uint32
	DepotName    string

	ManifestID         uint64
	PreviousManifestID uint64

	DepotKey       []byte
	AuthToken      string
	Server         string
	RemainingTries int

	State State

	// Err is the terminal error, if any. A job can be done with an error
	// when the diff failed to persist.
	Err error

	// Result is set once the diff committed.
	Result *Result
}

// Result summarizes a committed diff.
type Result struct {
	Added       int
	Removed     int
	Updated     int
	Unchanged   int
	HistoryRows int
}
