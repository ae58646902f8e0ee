package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sungwon/sesmailer/internal/backend"
	"github.com/sungwon/sesmailer/internal/deliverylog"
	"github.com/sungwon/sesmailer/internal/scheduler"
)

// Status is what the transport exposes to GET /api/v1/status.
type Status interface {
	Stats() scheduler.Stats
	Backend() backend.Backend
}

// DeliveryLog is the read side of the delivery journal.
type DeliveryLog interface {
	Get(ctx context.Context, id uuid.UUID) (deliverylog.Entry, error)
	Recent(ctx context.Context, limit int) ([]deliverylog.Entry, error)
	Summarize(ctx context.Context, since time.Time) (deliverylog.Summary, error)
}

type statusResponse struct {
	Backend   string                `json:"backend"`
	Region    string                `json:"region"`
	Scheduler scheduler.Stats       `json:"scheduler"`
	Health    *backend.HealthStatus `json:"health,omitempty"`
	LastDay   *deliverylog.Summary  `json:"lastDay,omitempty"`
}

// StatusHandler handles GET /api/v1/status. health and log may be nil.
func StatusHandler(st Status, health *backend.HealthChecker, log DeliveryLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := st.Backend()
		resp := statusResponse{
			Backend:   b.Name(),
			Region:    b.Region(),
			Scheduler: st.Stats(),
		}
		if health != nil {
			if hs, ok := health.Status(); ok {
				resp.Health = &hs
			}
		}
		if log != nil {
			if sum, err := log.Summarize(r.Context(), time.Now().Add(-24*time.Hour)); err == nil {
				resp.LastDay = &sum
			}
		}
		respondJSON(w, http.StatusOK, resp)
	}
}

// ListDeliveriesHandler handles GET /api/v1/deliveries?limit=N.
func ListDeliveriesHandler(log DeliveryLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > 500 {
				respondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
				return
			}
			limit = n
		}
		entries, err := log.Recent(r.Context(), limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to list deliveries")
			return
		}
		if entries == nil {
			entries = []deliverylog.Entry{}
		}
		respondJSON(w, http.StatusOK, map[string]any{"deliveries": entries})
	}
}

// GetDeliveryHandler handles GET /api/v1/deliveries/{id}.
func GetDeliveryHandler(log DeliveryLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid delivery id")
			return
		}
		e, err := log.Get(r.Context(), id)
		if errors.Is(err, deliverylog.ErrNotFound) {
			respondError(w, http.StatusNotFound, "delivery not found")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to get delivery")
			return
		}
		respondJSON(w, http.StatusOK, e)
	}
}
