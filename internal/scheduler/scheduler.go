// Package scheduler admits queued tasks into execution under a concurrency
// limit and a time-windowed rate limit, and tells producers when it can
// take more work without queueing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultConcurrencyLimit leaves concurrency effectively unbounded.
	DefaultConcurrencyLimit = math.MaxInt32
	// DefaultWindow is the rate limit replenishment period.
	DefaultWindow = time.Second
)

// ErrClosed is returned by Submit after Close and passed to Abort for tasks
// still queued when the scheduler closes.
var ErrClosed = errors.New("scheduler: closed")

// RatePolicy selects how rate tokens are returned.
type RatePolicy string

const (
	// RateSliding keeps a token in use while its task runs and for one
	// window after the task finishes. N tasks at rate R take at least
	// ceil(N/R) windows once every batch has some latency.
	RateSliding RatePolicy = "sliding"
	// RateFixed resets the token count to the rate limit at every window
	// boundary. The first window is spent at once, so a burst finishes one
	// window earlier than under RateSliding.
	RateFixed RatePolicy = "fixed"

	// DefaultPolicy applies when Options.Policy is empty.
	DefaultPolicy = RateSliding
)

// Task is one unit of admitted work.
type Task interface {
	// Run performs the work. It is called at most once, on its own
	// goroutine.
	Run(ctx context.Context)
	// Abort is called instead of Run when the task is dropped before
	// admission.
	Abort(err error)
}

// Options configures a Scheduler. Zero values select the defaults; a
// RateLimit of zero disables rate limiting.
type Options struct {
	Name             string
	ConcurrencyLimit int
	RateLimit        int
	Window           time.Duration
	Policy           RatePolicy
	Logger           zerolog.Logger
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	InUse            int  `json:"inUse"`
	Queued           int  `json:"queued"`
	Tokens           int  `json:"tokens"`
	ConcurrencyLimit int  `json:"concurrencyLimit"`
	RateLimit        int  `json:"rateLimit"`
	Idle             bool `json:"idle"`
}

type queued struct {
	task Task
	at   time.Time
}

// Scheduler is safe for concurrent use. All admission decisions are made
// under one mutex; admitted tasks run on their own goroutines.
type Scheduler struct {
	mu     sync.Mutex
	name   string
	limit  int
	rate   int
	window time.Duration
	policy RatePolicy
	logger zerolog.Logger

	inUse  int
	tokens int
	// sliding policy: tokens held by running tasks, and expiry times of
	// tokens released by finished tasks (ascending).
	held     int
	expiries []time.Time
	timer    *time.Timer

	queue     []queued
	closed    bool
	listeners map[chan<- struct{}]struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	stopCh       chan struct{}
	replenishing bool
	now          func() time.Time
}

// New returns a running scheduler. With a fixed rate policy and a positive
// rate limit a replenishment ticker is started; Close stops it.
func New(opts Options) *Scheduler {
	if opts.ConcurrencyLimit <= 0 {
		opts.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.RateLimit < 0 {
		opts.RateLimit = 0
	}
	if opts.Policy == "" {
		opts.Policy = DefaultPolicy
	}
	if opts.Name == "" {
		opts.Name = "default"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		name:      opts.Name,
		limit:     opts.ConcurrencyLimit,
		rate:      opts.RateLimit,
		window:    opts.Window,
		policy:    opts.Policy,
		logger:    opts.Logger.With().Str("component", "scheduler").Str("scheduler", opts.Name).Logger(),
		tokens:    opts.RateLimit,
		listeners: make(map[chan<- struct{}]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}

	if s.rate > 0 && s.policy == RateFixed {
		s.replenishing = true
		go s.replenishLoop()
	}
	s.observeLocked()
	return s
}

// Submit appends task to the queue tail and admits whatever the current
// limits allow. It never blocks on the task itself.
func (s *Scheduler) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("scheduler: nil task")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.queue = append(s.queue, queued{task: task, at: s.now()})
	submittedTotal.WithLabelValues(s.name).Inc()
	s.admitLocked()
	return nil
}

// IsIdle reports whether a task submitted now would be admitted without
// queueing.
func (s *Scheduler) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleLocked()
}

// NotifyIdle registers c to receive a value whenever the scheduler becomes
// idle: when a running task finishes or rate capacity returns while the
// queue is empty. If the scheduler is idle at registration, a value is sent
// immediately. Sends never block; size c's buffer accordingly.
func (s *Scheduler) NotifyIdle(c chan<- struct{}) {
	if c == nil {
		panic("scheduler: NotifyIdle using nil channel")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.listeners[c] = struct{}{}
	if s.idleLocked() {
		send(c)
	}
}

// StopIdle unregisters c.
func (s *Scheduler) StopIdle(c chan<- struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, c)
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		InUse:            s.inUse,
		Queued:           len(s.queue),
		Tokens:           s.availableLocked(),
		ConcurrencyLimit: s.limit,
		RateLimit:        s.rate,
		Idle:             s.idleLocked(),
	}
}

// Close stops admission and replenishment, aborts queued tasks with
// ErrClosed and waits for running tasks until ctx ends. If ctx ends first
// the context handed to running tasks is cancelled.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	if s.timer != nil {
		s.timer.Stop()
	}
	pending := s.queue
	s.queue = nil
	clear(s.listeners)
	s.observeLocked()
	s.mu.Unlock()

	for _, q := range pending {
		q.task.Abort(ErrClosed)
	}
	if len(pending) > 0 {
		s.logger.Warn().Int("aborted", len(pending)).Msg("queued tasks aborted on close")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		s.logger.Warn().Msg("scheduler close timed out waiting for running tasks")
		return ctx.Err()
	}
}

// admitLocked starts queued tasks while a slot and a token are free.
func (s *Scheduler) admitLocked() {
	defer s.observeLocked()
	for len(s.queue) > 0 && !s.closed {
		if s.inUse >= s.limit {
			return
		}
		if !s.takeTokenLocked() {
			rateLimitedTotal.WithLabelValues(s.name).Inc()
			return
		}

		q := s.queue[0]
		s.queue[0] = queued{}
		s.queue = s.queue[1:]
		s.inUse++
		s.wg.Add(1)
		admittedTotal.WithLabelValues(s.name).Inc()
		queueWait.WithLabelValues(s.name).Observe(s.now().Sub(q.at).Seconds())
		go s.run(q.task)
	}
}

func (s *Scheduler) run(task Task) {
	defer s.finish()
	defer func() {
		if r := recover(); r != nil {
			panicsTotal.WithLabelValues(s.name).Inc()
			s.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("task panicked")
		}
	}()
	task.Run(s.ctx)
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inUse--
	if s.rate > 0 && s.policy == RateSliding {
		s.held--
		s.expiries = append(s.expiries, s.now().Add(s.window))
		s.armTimerLocked()
	}
	s.admitLocked()
	s.notifyLocked()
	s.wg.Done()
}

func (s *Scheduler) replenishLoop() {
	ticker := time.NewTicker(s.window)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.tokens < s.rate {
				s.tokens = s.rate
				s.admitLocked()
				s.notifyLocked()
			}
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) onExpiry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if s.closed {
		return
	}
	s.admitLocked()
	s.notifyLocked()
	s.armTimerLocked()
}

func (s *Scheduler) armTimerLocked() {
	if s.timer != nil || s.closed {
		return
	}
	s.purgeLocked()
	if len(s.expiries) == 0 {
		return
	}
	s.timer = time.AfterFunc(s.expiries[0].Sub(s.now()), s.onExpiry)
}

func (s *Scheduler) purgeLocked() {
	now := s.now()
	i := 0
	for i < len(s.expiries) && !s.expiries[i].After(now) {
		i++
	}
	s.expiries = s.expiries[i:]
}

func (s *Scheduler) availableLocked() int {
	if s.rate <= 0 {
		return math.MaxInt32
	}
	if s.policy == RateSliding {
		s.purgeLocked()
		return s.rate - s.held - len(s.expiries)
	}
	return s.tokens
}

func (s *Scheduler) takeTokenLocked() bool {
	if s.rate <= 0 {
		return true
	}
	if s.availableLocked() < 1 {
		return false
	}
	if s.policy == RateSliding {
		s.held++
	} else {
		s.tokens--
	}
	return true
}

func (s *Scheduler) idleLocked() bool {
	return !s.closed && len(s.queue) == 0 && s.inUse < s.limit && s.availableLocked() >= 1
}

func (s *Scheduler) notifyLocked() {
	if len(s.listeners) == 0 || !s.idleLocked() {
		return
	}
	idleSignalsTotal.WithLabelValues(s.name).Inc()
	for c := range s.listeners {
		send(c)
	}
}

func (s *Scheduler) observeLocked() {
	inFlight.WithLabelValues(s.name).Set(float64(s.inUse))
	queueDepth.WithLabelValues(s.name).Set(float64(len(s.queue)))
}

func send(c chan<- struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
