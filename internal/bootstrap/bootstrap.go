// Package bootstrap provides startup-time initialization shared by the
// binaries: the SES transport with its archive and delivery log, and the
// configured queue.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/sesmailer/internal/backend"
	"github.com/sungwon/sesmailer/internal/config"
	"github.com/sungwon/sesmailer/internal/deliverylog"
	"github.com/sungwon/sesmailer/internal/msgstore"
	"github.com/sungwon/sesmailer/internal/queue"
	"github.com/sungwon/sesmailer/internal/scheduler"
	"github.com/sungwon/sesmailer/internal/transport"
)

// Runtime holds what NewRuntime built. DB and Journal are nil when no
// database is configured.
type Runtime struct {
	Transport *transport.Transport
	Health    *backend.HealthChecker
	DB        *deliverylog.DB
	Journal   *deliverylog.Journal

	log zerolog.Logger
}

// NewRuntime connects the optional delivery log, builds the archive and
// the SES backend, and starts the transport and its health checker.
func NewRuntime(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{log: log}

	if cfg.Database.Enabled() {
		db, err := deliverylog.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		rt.DB = db
		rt.Journal = deliverylog.NewJournal(db)
		log.Info().Msg("delivery log enabled")
	}

	archive, err := msgstore.New(ctx, cfg.Archive, log)
	if err != nil {
		rt.closeDB()
		return nil, fmt.Errorf("init archive: %w", err)
	}

	b, err := NewBackend(ctx, cfg.SES)
	if err != nil {
		rt.closeDB()
		return nil, err
	}

	opts := transport.Options{
		Backend:          b,
		ConcurrencyLimit: cfg.Transport.ConcurrencyLimit,
		RateLimit:        cfg.Transport.RateLimit,
		RateWindow:       cfg.Transport.RateWindow,
		RatePolicy:       scheduler.RatePolicy(cfg.Transport.RatePolicy),
		SendTimeout:      cfg.Transport.SendTimeout,
		Name:             "ses",
		Logger:           log,
	}
	if cfg.DKIM.Enabled() {
		dk := cfg.DKIM
		opts.DKIM = &dk
	}
	if archive != nil {
		opts.Archive = archive
	}
	if rt.Journal != nil {
		opts.Journal = rt.Journal
	}

	tr, err := transport.New(opts)
	if err != nil {
		rt.closeDB()
		return nil, err
	}
	rt.Transport = tr

	rt.Health = backend.NewHealthChecker(b, 0, 0, log)
	rt.Health.Start()
	return rt, nil
}

// NewBackend builds the SES backend selected by cfg.Mode.
func NewBackend(ctx context.Context, cfg config.SESConfig) (backend.Backend, error) {
	awsCfg := backend.AWSConfig{Region: cfg.Region, Endpoint: cfg.Endpoint}
	switch cfg.Mode {
	case "", "raw":
		b, err := backend.NewRawFromAWS(ctx, awsCfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "command":
		b, err := backend.NewCommandFromAWS(ctx, awsCfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, &backend.ConfigError{Err: fmt.Errorf("unknown ses mode %q", cfg.Mode)}
	}
}

// Close stops the health checker, drains the transport and closes the
// database.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.Health.Stop()
	err := rt.Transport.Close(ctx)
	rt.closeDB()
	return err
}

func (rt *Runtime) closeDB() {
	if rt.DB != nil {
		rt.DB.Close()
	}
}

// Queue is a driver that can both publish and feed messages.
type Queue interface {
	queue.Enqueuer
	queue.Source
}

// QueueHandle is an opened queue with its readiness probe.
type QueueHandle struct {
	Queue Queue
	Ping  func(ctx context.Context) error
	Close func() error
}

// ErrNoQueue is returned by OpenQueue when queue.driver is empty.
var ErrNoQueue = errors.New("no queue driver configured")

// OpenQueue connects the driver named by cfg.Queue.Driver. SQS falls back
// to the SES region when it has none of its own.
func OpenQueue(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*QueueHandle, error) {
	switch cfg.Queue.Driver {
	case "redis":
		rc := cfg.Queue.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		q := queue.NewRedisQueue(client, queue.RedisOptions{
			Stream:       rc.Stream,
			Group:        rc.Group,
			Consumer:     rc.Consumer,
			DLQStream:    rc.DLQStream,
			BlockTimeout: rc.BlockTimeout,
		})
		if err := q.EnsureGroup(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		log.Info().Str("addr", rc.Addr).Str("stream", rc.Stream).Msg("queue: redis streams")
		return &QueueHandle{
			Queue: q,
			Ping:  func(ctx context.Context) error { return client.Ping(ctx).Err() },
			Close: client.Close,
		}, nil

	case "sqs":
		sc := cfg.Queue.SQS
		region := sc.Region
		if region == "" {
			region = cfg.SES.Region
		}
		q, err := queue.NewSQSQueueFromConfig(ctx, queue.SQSOptions{
			QueueURL:          sc.QueueURL,
			DLQURL:            sc.DLQURL,
			Region:            region,
			Endpoint:          sc.Endpoint,
			WaitTime:          sc.WaitTime,
			VisibilityTimeout: sc.VisibilityTimeout,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("queue_url", sc.QueueURL).Msg("queue: sqs")
		return &QueueHandle{
			Queue: q,
			Ping:  func(context.Context) error { return nil },
			Close: func() error { return nil },
		}, nil

	default:
		return nil, ErrNoQueue
	}
}
