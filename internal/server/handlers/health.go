// Package handlers implements the HTTP handlers of the depotwatch server.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/depotwatch/internal/errors"
)

// DefaultCheckTimeout bounds a single health check.
const DefaultCheckTimeout = 2 * time.Second

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the body of a successful health check.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// HealthManager runs registered checkers on demand.
type HealthManager struct {
	version string
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]HealthChecker
	started  bool
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		timeout:  DefaultCheckTimeout,
		checkers: make(map[string]HealthChecker),
		started:  true,
	}
}

// RegisterChecker adds or replaces a named checker.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// SetStarted marks startup completion for the startup endpoint.
func (m *HealthManager) SetStarted(started bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = started
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for k, v := range m.checkers {
		checkers[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := checkers[name].CheckHealth(cctx)
		cancel()
		switch {
		case err == nil:
			results[name] = StatusHealthy
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = StatusTimeout
		default:
			results[name] = StatusUnhealthy
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := StatusHealthy
	for _, s := range checks {
		switch s {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusTimeout:
			status = StatusDegraded
		}
	}
	return status
}

// HealthHandler runs every checker. Unhealthy results answer 503 with the
// per-check statuses in the error details.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)
	if status == StatusUnhealthy {
		apperrors.Write(w, r, apperrors.ServiceUnavailable("one or more health checks failed").
			WithDetails(map[string]any{"checks": checks}))
		return
	}
	m.writeStatus(w, status, checks)
}

// LivenessHandler answers 200 while the process serves requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m.writeStatus(w, StatusHealthy, nil)
}

// ReadinessHandler is HealthHandler under the readiness route.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		apperrors.Write(w, r, apperrors.ServiceUnavailable("startup in progress"))
		return
	}
	m.writeStatus(w, StatusHealthy, nil)
}

func (m *HealthManager) writeStatus(w http.ResponseWriter, status string, checks map[string]string) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Checks:    checks,
		Timestamp: time.Now().UTC(),
	})
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide manager used by the
// package-level handlers.
func InitHealthManager(version string) *HealthManager {
	m := NewHealthManager(version)
	globalMu.Lock()
	globalHealthManager = m
	globalMu.Unlock()
	return m
}

func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func withManager(fn func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := GetHealthManager()
		if m == nil {
			apperrors.Write(w, r, apperrors.ServiceUnavailable("health manager not initialized"))
			return
		}
		fn(m, w, r)
	}
}

var (
	HealthHandler    = withManager((*HealthManager).HealthHandler)
	LivenessHandler  = withManager((*HealthManager).LivenessHandler)
	ReadinessHandler = withManager((*HealthManager).ReadinessHandler)
	StartupHandler   = withManager((*HealthManager).StartupHandler)
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
