// Package queue moves outbound messages through Redis Streams or SQS and
// feeds them into the transport only while it is idle.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sungwon/sesmailer/internal/transport"
)

// Job is the queued form of a message.
type Job struct {
	ID         string             `json:"id"`
	Message    *transport.Message `json:"message"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

// NewJob wraps msg with a fresh id.
func NewJob(msg *transport.Message) *Job {
	return &Job{ID: uuid.NewString(), Message: msg, EnqueuedAt: time.Now().UTC()}
}

func encodeJob(msg *transport.Message) (*Job, []byte, error) {
	if msg == nil {
		return nil, nil, errors.New("queue: nil message")
	}
	job := NewJob(msg)
	data, err := json.Marshal(job)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal job: %w", err)
	}
	return job, data, nil
}

// DeadLetter is what a failed job becomes on the dead-letter stream or
// queue. Body is the original payload, kept verbatim so malformed jobs can
// be inspected.
type DeadLetter struct {
	JobID     string    `json:"job_id,omitempty"`
	Body      string    `json:"body"`
	Reason    string    `json:"reason"`
	ErrorKind string    `json:"error_kind"`
	FailedAt  time.Time `json:"failed_at"`
}

// Delivery is one message read from a Source, not yet acknowledged.
type Delivery struct {
	// Handle is the stream entry id or SQS receipt handle.
	Handle string
	Body   []byte
}

// Enqueuer publishes messages to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *transport.Message) (string, error)
}

// Source is read by a Feeder. Receive blocks for at most the driver's
// poll timeout and returns nil, nil when nothing arrived. DeadLetter also
// acknowledges the delivery.
type Source interface {
	Name() string
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery, dl DeadLetter) error
}
