// Package transport sends mail through Amazon SES. Submissions are queued
// and admitted by a scheduler that enforces a concurrency limit and a send
// rate; each admitted message is composed, DKIM signed and handed to the
// configured SES backend.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/sesmailer/internal/backend"
	"github.com/sungwon/sesmailer/internal/dkim"
	"github.com/sungwon/sesmailer/internal/envelope"
	"github.com/sungwon/sesmailer/internal/future"
	"github.com/sungwon/sesmailer/internal/logger"
	"github.com/sungwon/sesmailer/internal/scheduler"
)

// DefaultSendTimeout bounds a single delivery, from admission to ack.
const DefaultSendTimeout = 60 * time.Second

// Archive stores signed payloads after delivery.
type Archive interface {
	Put(ctx context.Context, id string, data []byte) error
}

// Outcome is what a Journal records for every finished message.
type Outcome struct {
	ID          string
	Backend     string
	Envelope    envelope.Envelope
	Subject     string
	Info        *Info
	Err         error
	SubmittedAt time.Time
	AdmittedAt  time.Time
	FinishedAt  time.Time
}

// Journal records delivery outcomes.
type Journal interface {
	Record(ctx context.Context, o Outcome) error
}

// Options configures a Transport. Exactly one of Raw, Command or Backend
// selects the SES calling convention.
type Options struct {
	Raw     *backend.RawConfig
	Command *backend.CommandConfig
	Backend backend.Backend

	ConcurrencyLimit int
	RateLimit        int
	RateWindow       time.Duration
	RatePolicy       scheduler.RatePolicy

	DKIM *dkim.Config

	Archive     Archive
	Journal     Journal
	SendTimeout time.Duration
	Name        string
	Logger      zerolog.Logger
}

// Transport is safe for concurrent use.
type Transport struct {
	backend     backend.Backend
	signer      *dkim.Signer
	sched       *scheduler.Scheduler
	archive     Archive
	journal     Journal
	sendTimeout time.Duration
	logger      zerolog.Logger
}

// New validates opts and starts the scheduler.
func New(opts Options) (*Transport, error) {
	b, err := selectBackend(opts)
	if err != nil {
		return nil, err
	}

	var signer *dkim.Signer
	if opts.DKIM != nil && opts.DKIM.Enabled() {
		signer, err = dkim.New(*opts.DKIM)
		if err != nil {
			return nil, &ConfigError{Field: "dkim", Err: err}
		}
	}

	switch {
	case opts.ConcurrencyLimit < 0:
		return nil, &ConfigError{Field: "concurrency_limit", Err: errors.New("must not be negative")}
	case opts.RateLimit < 0:
		return nil, &ConfigError{Field: "rate_limit", Err: errors.New("must not be negative")}
	case opts.RateWindow < 0:
		return nil, &ConfigError{Field: "rate_window", Err: errors.New("must not be negative")}
	}
	switch opts.RatePolicy {
	case "", scheduler.RateFixed, scheduler.RateSliding:
	default:
		return nil, &ConfigError{Field: "rate_policy", Err: fmt.Errorf("unknown policy %q", opts.RatePolicy)}
	}

	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}

	logger := opts.Logger.With().Str("component", "transport").Str("backend", b.Name()).Logger()
	t := &Transport{
		backend:     b,
		signer:      signer,
		archive:     opts.Archive,
		journal:     opts.Journal,
		sendTimeout: opts.SendTimeout,
		logger:      logger,
		sched: scheduler.New(scheduler.Options{
			Name:             opts.Name,
			ConcurrencyLimit: opts.ConcurrencyLimit,
			RateLimit:        opts.RateLimit,
			Window:           opts.RateWindow,
			Policy:           opts.RatePolicy,
			Logger:           opts.Logger,
		}),
	}

	logger.Info().
		Str("region", b.Region()).
		Int("concurrency_limit", opts.ConcurrencyLimit).
		Int("rate_limit", opts.RateLimit).
		Dur("rate_window", opts.RateWindow).
		Bool("dkim", signer != nil).
		Msg("transport ready")
	return t, nil
}

func selectBackend(opts Options) (backend.Backend, error) {
	set := 0
	for _, ok := range []bool{opts.Raw != nil, opts.Command != nil, opts.Backend != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, &ConfigError{Field: "backend", Err: errors.New("exactly one SES backend must be configured")}
	}
	if opts.Backend != nil {
		return opts.Backend, nil
	}
	b, err := backend.New(opts.Raw, opts.Command)
	if err != nil {
		return nil, &ConfigError{Field: "backend", Err: err}
	}
	return b, nil
}

// Submit validates msg, resolves its envelope, composes it and queues it.
// Validation and composition failures are returned immediately as
// *SubmissionError and nothing is queued. The future resolves with the
// delivery Info or an error.
func (t *Transport) Submit(ctx context.Context, msg *Message) (*future.Future[*Info], error) {
	env, err := resolveEnvelope(msg)
	if err != nil {
		return nil, err
	}
	payload, err := composePayload(msg)
	if err != nil {
		return nil, err
	}

	p := &pendingSend{
		id:          uuid.NewString(),
		msg:         msg,
		env:         env,
		payload:     payload,
		submittedAt: time.Now(),
		result:      future.New[*Info](),
		t:           t,
	}
	p.logger = logger.FromContext(ctx, t.logger).With().Str("send_id", p.id).Logger()
	if err := t.sched.Submit(p); err != nil {
		return nil, err
	}
	return p.result, nil
}

// SubmitFunc is the callback form of Submit. cb runs on its own goroutine
// once the message is delivered or fails. When SubmitFunc returns an error
// cb is never called.
func (t *Transport) SubmitFunc(ctx context.Context, msg *Message, cb func(*Info, error)) error {
	f, err := t.Submit(ctx, msg)
	if err != nil {
		return err
	}
	f.Then(cb)
	return nil
}

// Send submits msg and waits for its outcome or for ctx to end. The
// message is still delivered if ctx ends first.
func (t *Transport) Send(ctx context.Context, msg *Message) (*Info, error) {
	f, err := t.Submit(ctx, msg)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Verify probes the backend. It reports true when SES accepted the
// credentials and endpoint.
func (t *Transport) Verify(ctx context.Context) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, &ProbeError{Backend: t.backend.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			verifyTotal.WithLabelValues("failed").Inc()
			t.logger.Warn().Err(err).Msg("verify failed")
		} else {
			verifyTotal.WithLabelValues("ok").Inc()
		}
	}()
	return t.backend.Probe(ctx).Wait(ctx)
}

// IsIdle reports whether a message submitted now would be admitted
// without queueing.
func (t *Transport) IsIdle() bool { return t.sched.IsIdle() }

// NotifyIdle registers c for idle notifications. See
// scheduler.Scheduler.NotifyIdle.
func (t *Transport) NotifyIdle(c chan<- struct{}) { t.sched.NotifyIdle(c) }

// StopIdle unregisters c.
func (t *Transport) StopIdle(c chan<- struct{}) { t.sched.StopIdle(c) }

// Stats returns the scheduler counters.
func (t *Transport) Stats() scheduler.Stats { return t.sched.Stats() }

// Backend returns the configured SES backend.
func (t *Transport) Backend() backend.Backend { return t.backend }

// Close stops accepting messages, fails queued ones with ErrClosed and
// waits for in-flight deliveries until ctx ends.
func (t *Transport) Close(ctx context.Context) error {
	err := t.sched.Close(ctx)
	t.logger.Info().Err(err).Msg("transport closed")
	return err
}
