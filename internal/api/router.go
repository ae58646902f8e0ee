// Package api serves the HTTP interface: synchronous and queued sends,
// SES verification, scheduler status and the delivery log.
package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sungwon/sesmailer/internal/auth"
	"github.com/sungwon/sesmailer/internal/backend"
	"github.com/sungwon/sesmailer/internal/queue"
)

// Transport is everything the router needs from the transport.
type Transport interface {
	Sender
	Status
}

// Deps wires the router. Queue, Deliveries, Health and Tokens are
// optional; without Tokens the API is unauthenticated.
type Deps struct {
	Transport  Transport
	Queue      queue.Enqueuer
	Deliveries DeliveryLog
	Health     *backend.HealthChecker
	Tokens     *auth.TokenService
	Ready      []ReadinessCheck
	Logger     zerolog.Logger
}

// NewRouter creates a chi.Mux with all routes and middleware.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Correlate)
	r.Use(AccessLog(d.Logger))
	r.Use(Recoverer(d.Logger))

	ready := d.Ready
	if d.Health != nil {
		hc := d.Health
		ready = append(ready, ReadinessCheck{Name: "ses", Check: func(context.Context) error {
			if !hc.IsHealthy() {
				return errUnhealthy
			}
			return nil
		}})
	}

	r.Get("/healthz", HealthzHandler())
	r.Get("/readyz", ReadyzHandler(ready))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if d.Tokens != nil {
			r.Use(auth.BearerAuth(d.Tokens))
		}

		r.Post("/messages", SendMessageHandler(d.Transport, d.Queue))
		r.Get("/verify", VerifyHandler(d.Transport))
		r.Get("/status", StatusHandler(d.Transport, d.Health, d.Deliveries))

		if d.Deliveries != nil {
			r.Get("/deliveries", ListDeliveriesHandler(d.Deliveries))
			r.Get("/deliveries/{id}", GetDeliveryHandler(d.Deliveries))
		}
	})

	return r
}
