package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/ckptrun/internal/errors"
)

// DefaultCheckTimeout bounds a single health check.
const DefaultCheckTimeout = 2 * time.Second

// HealthChecker is a named readiness dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthResponse is the body of /health and /health/ready.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checks.
type HealthManager struct {
	mu       sync.RWMutex
	version  string
	checkers map[string]HealthChecker
	timeout  time.Duration
	started  time.Time
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: map[string]HealthChecker{},
		timeout:  DefaultCheckTimeout,
		started:  time.Now(),
	}
}

func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
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
			results[name] = "healthy"
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler runs every check. Unhealthy responses use the error
// envelope with per-check results under details.checks.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == "unhealthy" {
		envelope := apperrors.NewEnvelope(r, http.StatusServiceUnavailable,
			apperrors.CodeServiceUnavailable, "one or more health checks failed").
			WithDetails(map[string]interface{}{"checks": checks})
		apperrors.WriteEnvelope(w, envelope, http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: status, Version: m.version, Checks: checks})
}

// LivenessHandler reports that the process is serving.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "alive", Version: m.version})
}

// StartupHandler reports uptime once the manager exists.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "started",
		"version":        m.version,
		"uptime_seconds": int64(time.Since(m.started).Seconds()),
	})
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func notInitialized(w http.ResponseWriter, r *http.Request) {
	envelope := apperrors.NewEnvelope(r, http.StatusServiceUnavailable,
		apperrors.CodeServiceUnavailable, "health manager not initialized")
	apperrors.WriteEnvelope(w, envelope, http.StatusServiceUnavailable)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if m := GetHealthManager(); m != nil {
		m.HealthHandler(w, r)
		return
	}
	notInitialized(w, r)
}

func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if m := GetHealthManager(); m != nil {
		m.LivenessHandler(w, r)
		return
	}
	notInitialized(w, r)
}

// ReadinessHandler runs the same checks as HealthHandler.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if m := GetHealthManager(); m != nil {
		m.HealthHandler(w, r)
		return
	}
	notInitialized(w, r)
}

func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if m := GetHealthManager(); m != nil {
		m.StartupHandler(w, r)
		return
	}
	notInitialized(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
