// Package health provides liveness and readiness HTTP handlers.
//
// Liveness (/healthz) reports only that the process is serving. Readiness
// (/readyz) runs the registered checkers and fails when any dependency is
// unavailable, so load balancers stop routing new sessions to an instance
// that cannot serve them.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness probe.
const checkTimeout = 5 * time.Second

// Checker is one readiness dependency.
type Checker interface {
	// Name identifies the dependency in the readiness report.
	Name() string

	// Check returns nil when the dependency is usable.
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to the [Checker] interface.
type CheckerFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.CheckName }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// Handler serves liveness and readiness endpoints.
type Handler struct {
	checkers []Checker
}

// NewHandler creates a Handler with the given readiness checkers.
func NewHandler(checkers ...Checker) *Handler {
	return &Handler{checkers: checkers}
}

// Liveness always reports 200 while the process is serving.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// checkResult is one dependency's entry in the readiness report.
type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Readiness runs all checkers and reports 503 if any fails.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	results := make([]checkResult, 0, len(h.checkers))
	healthy := true
	for _, c := range h.checkers {
		res := checkResult{Name: c.Name(), Status: "ok"}
		if err := c.Check(ctx); err != nil {
			res.Status = "failed"
			res.Error = err.Error()
			healthy = false
		}
		results = append(results, res)
	}

	status := http.StatusOK
	overall := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "not ready"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": overall,
		"checks": results,
	})
}
