// Package handlers serves the coordinator's HTTP endpoints.
package handlers

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/txcoord/txcoord/pkg/api/response"
	"github.com/txcoord/txcoord/pkg/version"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) bool

// HealthHandler serves liveness, readiness and status.
type HealthHandler struct {
	ready   atomic.Bool
	started time.Time
	active  func() []string

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthHandler creates a health handler. active lists the transactions
// running in this process and may be nil.
func NewHealthHandler(active func() []string) *HealthHandler {
	return &HealthHandler{
		started: time.Now(),
		active:  active,
		checks:  make(map[string]CheckFunc),
	}
}

// SetReady marks the process ready. It is set once startup recovery is done.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// AddCheck registers a dependency consulted by /ready and /status.
func (h *HealthHandler) AddCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

func (h *HealthHandler) runChecks(ctx context.Context) (map[string]bool, bool) {
	h.mu.RLock()
	checks := maps.Clone(h.checks)
	h.mu.RUnlock()

	results := make(map[string]bool, len(checks))
	ok := true
	for name, fn := range checks {
		results[name] = fn(ctx)
		ok = ok && results[name]
	}
	return results, ok
}

// Health handles /health (liveness). The process answering is enough.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles /ready (readiness).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.runChecks(r.Context())
	ready := h.ready.Load() && ok
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

// Status handles /status.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.runChecks(r.Context())
	var active []string
	if h.active != nil {
		active = h.active()
		slices.Sort(active)
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"ready":               h.ready.Load() && ok,
		"uptime_seconds":      int64(time.Since(h.started).Seconds()),
		"active_transactions": len(active),
		"active":              active,
		"checks":              checks,
		"build":               version.Info(),
	})
}
