// Package health provides the liveness and readiness endpoints of feedd's
// ops server, plus checkers for its external dependencies.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Checker is a dependency that can be health checked.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Named checkers report under their own name in the readiness response.
type Named interface {
	Checker
	Name() string
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// QueueDepth reports the current and maximum depth of the fan-out queue.
type QueueDepth interface {
	Len() int
	Cap() int
}

// QueueChecker fails when the fan-out queue is full, since new batches are
// being dropped at that point.
func QueueChecker(q QueueDepth) CheckerFunc {
	return func(context.Context) error {
		if n, c := q.Len(), q.Cap(); c > 0 && n >= c {
			return fmt.Errorf("fan-out queue full (%d/%d)", n, c)
		}
		return nil
	}
}

// Response is the JSON body of both endpoints.
type Response struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Handler serves /livez and /health.
type Handler struct {
	checks  map[string]Checker
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a handler. Unnamed checkers can be added with Add.
func NewHandler(logger *slog.Logger, checkers ...Named) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		checks:  make(map[string]Checker),
		timeout: 5 * time.Second,
		logger:  logger,
		now:     time.Now,
	}
	for _, c := range checkers {
		h.Add(c.Name(), c)
	}
	return h
}

// Add registers a checker under name, replacing any previous one.
func (h *Handler) Add(name string, c Checker) {
	h.checks[name] = c
}

// Livez handles GET /livez. It reports healthy whenever the process can respond.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.write(w, http.StatusOK, Response{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /health. Every registered checker must pass; otherwise
// the response is 503 with the failing checks marked "error".
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := h.checks[name].HealthCheck(ctx); err != nil {
			checks[name] = "error"
			healthy = false
			h.logger.WarnContext(ctx, "health check failed", "check", name, "error", err)
			continue
		}
		checks[name] = "ok"
	}

	resp := Response{
		Status:    "healthy",
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, resp)
}

func (h *Handler) write(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode health response", "error", err)
	}
}
