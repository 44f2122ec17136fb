// Package errors holds the JSON error envelope served by the HTTP surface.
//
// Envelopes are gofulmen ErrorEnvelopes; the wire form keeps only the
// fields clients read:
//
//	{"error": {"code": "...", "message": "...", "details": {...}, "request_id": "..."}}
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"maps"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// Error codes used in HTTP envelopes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorDetail is the body under the "error" key.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// HTTPError is an envelope paired with the status it is served with.
type HTTPError struct {
	status   int
	envelope *gferrors.ErrorEnvelope
}

// New builds an HTTPError.
func New(status int, code, message string) *HTTPError {
	return &HTTPError{status: status, envelope: gferrors.NewErrorEnvelope(code, message)}
}

// BadRequest, NotFound and friends are shorthands for New.
func BadRequest(message string) *HTTPError {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

func NotFound(message string) *HTTPError {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func ServiceUnavailable(message string) *HTTPError {
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

func Internal(message string) *HTTPError {
	return New(http.StatusInternalServerError, CodeInternal, message)
}

func (e *HTTPError) Error() string {
	return e.envelope.Code + ": " + e.envelope.Message
}

// Code returns the envelope code.
func (e *HTTPError) Code() string {
	return e.envelope.Code
}

// Status returns the HTTP status, defaulting to 500.
func (e *HTTPError) Status() int {
	if e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

// Envelope returns the underlying gofulmen envelope.
func (e *HTTPError) Envelope() *gferrors.ErrorEnvelope {
	return e.envelope
}

// WithDetails attaches structured details.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	e.envelope.WithDetails(details)
	return e
}

type requestIDKey struct{}

// ContextWithRequestID stores the request id echoed in error envelopes.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WriteEnvelope serves env with status. The correlation id becomes
// request_id; envelope context entries are merged into details.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	var details map[string]any
	if len(env.Details) > 0 || len(env.Context) > 0 {
		details = make(map[string]any, len(env.Details)+len(env.Context))
		maps.Copy(details, env.Context)
		maps.Copy(details, env.Details)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorDetail{
		Code:      env.Code,
		Message:   env.Message,
		Details:   details,
		RequestID: env.CorrelationID,
	}})
}

// Write serves e, tagging it with the request id of r.
func Write(w http.ResponseWriter, r *http.Request, e *HTTPError) {
	env := *e.envelope
	if r != nil && env.CorrelationID == "" {
		env.WithCorrelationID(RequestIDFromContext(r.Context()))
	}
	WriteEnvelope(w, &env, e.Status())
}

// RespondWithError writes err as an envelope. Errors that are not an
// *HTTPError become INTERNAL_ERROR.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var httpErr *HTTPError
	if !stderrors.As(err, &httpErr) {
		httpErr = Internal(err.Error())
	}
	Write(w, r, httpErr)
}

// NotFoundHandler is the router fallback for unknown routes.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	Write(w, r, NotFound("route not found: "+r.URL.Path))
}

// MethodNotAllowedHandler is the router fallback for known routes.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	Write(w, r, New(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed: "+r.Method))
}
