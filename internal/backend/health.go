package backend

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultCheckInterval = 30 * time.Second
	defaultCheckTimeout  = 10 * time.Second
	unhealthyThreshold   = 3
)

// HealthStatus is the last known probe state of a backend.
type HealthStatus struct {
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"lastCheck"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
}

// HealthChecker probes a backend periodically. A backend turns unhealthy
// after three consecutive failed probes and healthy again after one success.
type HealthChecker struct {
	mu       sync.RWMutex
	backend  Backend
	status   *HealthStatus
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewHealthChecker returns a checker for b. Zero durations select the
// defaults.
func NewHealthChecker(b Backend, interval, timeout time.Duration, logger zerolog.Logger) *HealthChecker {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &HealthChecker{
		backend:  b,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins the background probe loop.
func (hc *HealthChecker) Start() {
	go hc.run()
}

// Stop terminates the probe loop and waits for it to exit.
func (hc *HealthChecker) Stop() {
	close(hc.stopCh)
	<-hc.stopped
}

// IsHealthy reports the last known state. A backend that has never been
// probed is unhealthy.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.status != nil && hc.status.Healthy
}

// Status returns a snapshot of the last probe result.
func (hc *HealthChecker) Status() (HealthStatus, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if hc.status == nil {
		return HealthStatus{}, false
	}
	return *hc.status, true
}

func (hc *HealthChecker) run() {
	defer close(hc.stopped)

	hc.check()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.check()
		}
	}
}

func (hc *HealthChecker) check() {
	ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
	defer cancel()

	_, err := hc.backend.Probe(ctx).Wait(ctx)

	hc.mu.Lock()
	defer hc.mu.Unlock()

	if hc.status == nil {
		hc.status = &HealthStatus{Healthy: true}
	}
	hc.status.LastCheck = time.Now()

	if err != nil {
		hc.status.ConsecutiveFailures++
		hc.status.LastError = err.Error()
		if hc.status.ConsecutiveFailures >= unhealthyThreshold {
			if hc.status.Healthy {
				hc.logger.Warn().Err(err).Str("backend", hc.backend.Name()).Msg("backend marked unhealthy")
			}
			hc.status.Healthy = false
		}
		return
	}

	if !hc.status.Healthy {
		hc.logger.Info().Str("backend", hc.backend.Name()).Msg("backend recovered")
	}
	hc.status.ConsecutiveFailures = 0
	hc.status.Healthy = true
	hc.status.LastError = ""
}
