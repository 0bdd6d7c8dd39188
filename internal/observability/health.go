package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout bounds each dependency check run by Ready.
const checkTimeout = 2 * time.Second

// Pinger is satisfied by every queue backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckFunc reports whether one dependency is usable.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name  string
	check CheckFunc
}

// HealthHandler serves liveness (/health) and readiness (/ready). Readiness
// requires SetReady(true) and every registered check to pass.
type HealthHandler struct {
	ready   atomic.Bool
	started time.Time

	mu     sync.RWMutex
	checks []namedCheck
}

// NewHealthHandler registers the queue as the "queue" check. A nil queue
// registers nothing.
func NewHealthHandler(queue Pinger) *HealthHandler {
	h := &HealthHandler{started: time.Now()}
	if queue != nil {
		h.AddCheck("queue", queue.Ping)
	}
	return h
}

// AddCheck registers a readiness check. A second check with the same name
// replaces the first.
func (h *HealthHandler) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.checks {
		if h.checks[i].name == name {
			h.checks[i].check = check
			return
		}
	}
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Ready runs every check concurrently, each under its own timeout.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]string, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			if err := c.check(ctx); err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = "ok"
		}()
	}
	wg.Wait()

	resp := ReadyResponse{Status: "ok", Checks: make(map[string]string, len(checks)+1)}
	resp.Checks["app"] = "ok"
	if !h.ready.Load() {
		resp.Checks["app"] = "not ready"
		resp.Status = "degraded"
	}
	for i, c := range checks {
		resp.Checks[c.name] = results[i]
		if results[i] != "ok" {
			resp.Status = "degraded"
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// CheckNames lists the registered checks in name order.
func (h *HealthHandler) CheckNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		names = append(names, c.name)
	}
	sort.Strings(names)
	return names
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
