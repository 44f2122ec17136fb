// Package fetchqueue records bulk content fetch requests for important
// depots so a downloader can pick them up.
package fetchqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// File is one file a fetch request asks for.
type File struct {
	Path string `json:"path"`
	Size uint64 `json:"size"`
	Hash string `json:"hash"`
}

// Request asks for the files of one manifest to be fetched.
type Request struct {
	RequestID    string    `json:"request_id"`
	CollectionID uint32    `json:"collection_id"`
	ChangeID     uint32    `json:"change_id"`
	DepotID      uint32    `json:"depot_id"`
	DepotName    string    `json:"depot_name,omitempty"`
	ManifestID   uint64    `json:"manifest_id,string"`
	Server       string    `json:"server,omitempty"`
	TotalSize    uint64    `json:"total_size"`
	Files        []File    `json:"files"`
	CreatedAt    time.Time `json:"created_at"`
}

// Requester accepts bulk fetch requests.
type Requester interface {
	FetchFilesForDepot(ctx context.Context, req Request) error
}

// Sink persists a fully populated request.
type Sink interface {
	Put(ctx context.Context, req *Request) error
}

// Sentinel errors for sink operations.
var (
	// ErrNotFound indicates the request does not exist.
	ErrNotFound = errors.New("fetch request not found")

	// ErrAccessDenied indicates the sink rejected the credentials.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnavailable indicates the sink backend did not answer.
	ErrUnavailable = errors.New("sink unavailable")
)

// SinkError wraps sink failures with context.
type SinkError struct {
	// Op is the operation that failed (e.g., "Put").
	Op string

	// Sink is the sink kind ("dir", "s3").
	Sink string

	// Key is the file path or object key, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *SinkError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Sink, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Sink, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SinkError) Unwrap() error {
	return e.Err
}
