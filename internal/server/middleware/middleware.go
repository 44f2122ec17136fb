// Package middleware provides HTTP middleware for the depotwatch server.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/depotwatch/internal/errors"
	"github.com/3leaps/depotwatch/internal/observability"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the JSON body written for middleware errors.
type ErrorResponse = apperrors.ErrorResponse

func writeErrorResponse(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	apperrors.WriteEnvelope(w, env, status)
}

// RequestID reuses an inbound X-Request-ID or assigns a new uuid.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.ContextWithRequestID(r.Context(), id)))
	})
}

// Recovery turns a handler panic into an INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			observability.CLILogger.Error("HTTP handler panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.String("request_id", apperrors.RequestIDFromContext(r.Context())),
				zap.ByteString("stack", debug.Stack()))
			env := gferrors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec)).
				WithCorrelationID(apperrors.RequestIDFromContext(r.Context()))
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Logging writes one debug line per request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		observability.CLILogger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", apperrors.RequestIDFromContext(r.Context())))
	})
}
