package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker tracks per-dependency readiness for the health endpoints.
// Liveness only says the process is up; readiness requires every
// registered dependency (postgres, and nats or redis when enabled) to be
// reachable.
type HealthChecker struct {
	mu        sync.RWMutex
	deps      map[string]bool
	startTime time.Time
}

// NewHealthChecker registers the named dependencies, all initially down.
func NewHealthChecker(deps ...string) *HealthChecker {
	h := &HealthChecker{
		deps:      make(map[string]bool, len(deps)),
		startTime: time.Now(),
	}
	for _, name := range deps {
		h.deps[name] = false
	}
	return h
}

// MarkUp records a dependency as reachable. Names not passed to
// NewHealthChecker are registered on first use, so optional dependencies
// only show up in the readiness report when configured.
func (h *HealthChecker) MarkUp(name string) {
	h.mu.Lock()
	h.deps[name] = true
	h.mu.Unlock()
}

// MarkDown records a dependency as unreachable, failing readiness.
func (h *HealthChecker) MarkDown(name string) {
	h.mu.Lock()
	h.deps[name] = false
	h.mu.Unlock()
}

// Drain flips every dependency down so readiness checks pull the
// instance out of rotation during shutdown.
func (h *HealthChecker) Drain() {
	h.mu.Lock()
	for name := range h.deps {
		h.deps[name] = false
	}
	h.mu.Unlock()
}

func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, up := range h.deps {
		if !up {
			return false
		}
	}
	return true
}

// snapshot returns the dependency states as "up"/"down" strings for the
// readiness body.
func (h *HealthChecker) snapshot() (map[string]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.deps))
	ready := true
	for name, up := range h.deps {
		if up {
			out[name] = "up"
		} else {
			out[name] = "down"
			ready = false
		}
	}
	return out, ready
}

// LivenessHandler returns HTTP 200 whenever the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once every dependency is up, 503
// otherwise, naming the offenders in the body.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	deps, ready := h.snapshot()
	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       status,
		"dependencies": deps,
	})
}
