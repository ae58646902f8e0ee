package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/sesmailer/internal/logger"
	"github.com/sungwon/sesmailer/internal/metrics"
	"github.com/sungwon/sesmailer/internal/transport"
)

const (
	settleTimeout = 10 * time.Second
	readBackoff   = time.Second
)

// Submitter is the part of the transport a Feeder drives.
type Submitter interface {
	IsIdle() bool
	NotifyIdle(c chan<- struct{})
	StopIdle(c chan<- struct{})
	SubmitFunc(ctx context.Context, msg *transport.Message, cb func(*transport.Info, error)) error
}

// Feeder pulls jobs from a Source one at a time, and only while the
// transport reports idle, so no job waits in the transport's queue with
// its broker lease running. A job is acknowledged after its delivery
// finished; failed jobs go to the dead-letter queue. Nothing is retried.
type Feeder struct {
	src  Source
	tr   Submitter
	log  zerolog.Logger
	wg   sync.WaitGroup
	jobs sync.WaitGroup

	cancel context.CancelFunc
}

func NewFeeder(src Source, tr Submitter, log zerolog.Logger) *Feeder {
	return &Feeder{
		src: src,
		tr:  tr,
		log: log.With().Str("component", "feeder").Str("driver", src.Name()).Logger(),
	}
}

// Start launches the pull loop.
func (f *Feeder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.run(ctx)
	f.log.Info().Msg("feeder started")
}

// Stop ends the pull loop and waits until every job already handed to the
// transport has been acknowledged or dead-lettered, or until ctx ends.
func (f *Feeder) Stop(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		f.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.log.Info().Msg("feeder stopped gracefully")
		return nil
	case <-ctx.Done():
		f.log.Warn().Msg("feeder shutdown timed out")
		return fmt.Errorf("feeder stop: %w", ctx.Err())
	}
}

func (f *Feeder) run(ctx context.Context) {
	defer f.wg.Done()

	idle := make(chan struct{}, 1)
	f.tr.NotifyIdle(idle)
	defer f.tr.StopIdle(idle)

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle:
		}

		for ctx.Err() == nil && f.tr.IsIdle() {
			d, err := f.src.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.QueueReadErrorsTotal.WithLabelValues(f.src.Name()).Inc()
				f.log.Error().Err(err).Msg("queue read failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(readBackoff):
				}
				continue
			}
			if d != nil {
				f.dispatch(ctx, d)
			}
		}
	}
}

func (f *Feeder) dispatch(ctx context.Context, d *Delivery) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil || job.Message == nil {
		if err == nil {
			err = errors.New("job has no message")
		}
		f.log.Error().Err(err).Str("handle", d.Handle).Msg("malformed job")
		metrics.QueueMessagesTotal.WithLabelValues(f.src.Name(), "malformed").Inc()
		f.deadLetter(d, &job, "malformed job: "+err.Error(), "malformed")
		return
	}

	f.jobs.Add(1)
	sctx := logger.WithCorrelationID(ctx, job.ID)
	err := f.tr.SubmitFunc(sctx, job.Message, func(info *transport.Info, err error) {
		defer f.jobs.Done()
		f.settle(d, &job, info, err)
	})
	if err != nil {
		f.jobs.Done()
		f.settle(d, &job, nil, err)
	}
}

func (f *Feeder) settle(d *Delivery, job *Job, info *transport.Info, err error) {
	log := f.log.With().Str("job_id", job.ID).Logger()
	if err != nil {
		metrics.QueueMessagesTotal.WithLabelValues(f.src.Name(), "failed").Inc()
		log.Warn().Err(err).Str("error_kind", transport.ErrorKind(err)).Msg("job failed")
		f.deadLetter(d, job, err.Error(), transport.ErrorKind(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if aerr := f.src.Ack(ctx, d); aerr != nil {
		log.Error().Err(aerr).Msg("ack failed")
		return
	}
	metrics.QueueMessagesTotal.WithLabelValues(f.src.Name(), "sent").Inc()
	log.Debug().Str("message_id", info.MessageID).Msg("job sent")
}

func (f *Feeder) deadLetter(d *Delivery, job *Job, reason, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	dl := DeadLetter{
		JobID:     job.ID,
		Body:      string(d.Body),
		Reason:    reason,
		ErrorKind: kind,
		FailedAt:  time.Now().UTC(),
	}
	if err := f.src.DeadLetter(ctx, d, dl); err != nil {
		f.log.Error().Err(err).Str("job_id", job.ID).Msg("dead-letter failed")
		return
	}
	metrics.QueueMessagesTotal.WithLabelValues(f.src.Name(), "dlq").Inc()
}
