package remote

import (
	"errors"
	"fmt"
)

// Sentinel errors for remote operations.
var (
	// ErrAccessDenied indicates the caller has no license for the depot.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound indicates the depot or manifest does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable indicates the service or content server did not answer.
	ErrUnavailable = errors.New("remote unavailable")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")
)

// Error wraps a remote failure with the operation context.
type Error struct {
	// Op is the operation that failed (e.g., "GetAuthToken").
	Op string

	// DepotID is the depot the call was about.
	DepotID uint32

	// Server is the content server, if the call targeted one.
	Server string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("%s depot %d on %s: %v", e.Op, e.DepotID, e.Server, e.Err)
	}
	return fmt.Sprintf("%s depot %d: %v", e.Op, e.DepotID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsAccessDenied returns true if the error indicates missing access.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsNotFound returns true if the error indicates a missing depot or manifest.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable returns true if the error indicates the remote did not answer.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsThrottled returns true if the error indicates rate limiting.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}
