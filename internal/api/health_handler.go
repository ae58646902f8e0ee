package api

import (
	"context"
	"errors"
	"net/http"
)

var errUnhealthy = errors.New("backend probe failing")

// ReadinessCheck returns an error when a dependency is unavailable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthzHandler handles GET /healthz. It always returns 200.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler handles GET /readyz. It returns 503 with Retry-After when
// any check fails.
func ReadyzHandler(checks []ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failed := map[string]string{}
		for _, c := range checks {
			if err := c.Check(r.Context()); err != nil {
				failed[c.Name] = err.Error()
			}
		}
		if len(failed) > 0 {
			w.Header().Set("Retry-After", "30")
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
