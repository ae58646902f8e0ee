package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sungwon/sesmailer/internal/metrics"
	"github.com/sungwon/sesmailer/internal/transport"
)

// RedisOptions names the stream, consumer group and dead-letter stream.
type RedisOptions struct {
	Stream       string
	Group        string
	Consumer     string
	DLQStream    string
	BlockTimeout time.Duration
}

// RedisQueue is a Redis Streams queue read through a consumer group.
type RedisQueue struct {
	client *redis.Client
	opts   RedisOptions
}

func NewRedisQueue(client *redis.Client, opts RedisOptions) *RedisQueue {
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		opts.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	return &RedisQueue{client: client, opts: opts}
}

func (q *RedisQueue) Name() string { return "redis" }

// EnsureGroup creates the stream and consumer group if they do not exist.
func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on stream %s: %w", q.opts.Group, q.opts.Stream, err)
	}
	return nil
}

// Enqueue adds msg to the stream and returns the job id.
func (q *RedisQueue) Enqueue(ctx context.Context, msg *transport.Message) (string, error) {
	job, data, err := encodeJob(msg)
	if err != nil {
		return "", err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]any{"id": job.ID, "data": string(data)},
	}).Err(); err != nil {
		return "", fmt.Errorf("xadd to stream %s: %w", q.opts.Stream, err)
	}
	metrics.QueueMessagesTotal.WithLabelValues(q.Name(), "enqueued").Inc()
	return job.ID, nil
}

// Receive reads at most one new entry for this consumer.
func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    1,
		Block:    q.opts.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			data, _ := m.Values["data"].(string)
			return &Delivery{Handle: m.ID, Body: []byte(data)}, nil
		}
	}
	return nil, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.XAck(ctx, q.opts.Stream, q.opts.Group, d.Handle).Err(); err != nil {
		return fmt.Errorf("xack %s on stream %s: %w", d.Handle, q.opts.Stream, err)
	}
	return nil
}

// DeadLetter appends dl to the dead-letter stream and acknowledges d.
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, dl DeadLetter) error {
	if q.opts.DLQStream != "" {
		data, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("marshal dead letter: %w", err)
		}
		if err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.opts.DLQStream,
			Values: map[string]any{"data": string(data), "reason": dl.Reason},
		}).Err(); err != nil {
			return fmt.Errorf("xadd to dlq stream %s: %w", q.opts.DLQStream, err)
		}
	}
	return q.Ack(ctx, d)
}
