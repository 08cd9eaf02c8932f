// Package health serves the liveness and readiness endpoints of the ops
// server.
//
//   - /healthz is the liveness probe and always returns 200 OK.
//   - /readyz evaluates every registered [Checker]. It returns 200 when all
//     pass or are merely degraded, and 503 when any fails.
//
// Responses are JSON objects with a top-level "status" ("ok", "degraded" or
// "fail") and a "checks" map holding the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Overall and per-check statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy, an error wrapped with [Degraded] when it works with reduced
// quality, and any other error when it is unusable.
type Checker struct {
	// Name labels the check in the response (e.g. "pipeline", "database").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type degradedError struct{ err error }

func (d degradedError) Error() string { return d.err.Error() }
func (d degradedError) Unwrap() error { return d.err }

// Degraded marks err as a degradation that should not fail readiness.
func Degraded(err error) error {
	if err == nil {
		return nil
	}
	return degradedError{err: err}
}

// IsDegraded reports whether err was produced by [Degraded].
func IsDegraded(err error) bool {
	var d degradedError
	return errors.As(err, &d)
}

// Report is the JSON body of both endpoints.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers in order on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Evaluate runs every checker concurrently, each under its own
// [checkTimeout] deadline.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			results[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		err := results[i]
		switch {
		case err == nil:
			rep.Checks[c.Name] = StatusOK
		case IsDegraded(err):
			rep.Checks[c.Name] = StatusDegraded + ": " + err.Error()
			if rep.Status == StatusOK {
				rep.Status = StatusDegraded
			}
		default:
			rep.Checks[c.Name] = StatusFail + ": " + err.Error()
			rep.Status = StatusFail
		}
	}
	return rep
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz returns 503 when any checker fails, 200 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if rep.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
