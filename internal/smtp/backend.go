// Package smtp is an SMTP submission listener that hands every accepted
// message to the transport with the SMTP envelope.
package smtp

import (
	"context"
	"sync/atomic"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/sungwon/sesmailer/internal/auth"
	"github.com/sungwon/sesmailer/internal/logger"
	"github.com/sungwon/sesmailer/internal/metrics"
	"github.com/sungwon/sesmailer/internal/transport"
)

const defaultSubmitTimeout = 2 * time.Minute

// Sender is the part of the transport a session uses.
type Sender interface {
	Send(ctx context.Context, msg *transport.Message) (*transport.Info, error)
}

// Options configures a Backend. An empty Credentials.Username disables
// AUTH and accepts mail from any client.
type Options struct {
	Credentials    auth.Credentials
	MaxConnections int
	MaxRecipients  int
	SubmitTimeout  time.Duration
}

// Backend implements the go-smtp Backend interface.
type Backend struct {
	sender Sender
	opts   Options
	log    zerolog.Logger
	active atomic.Int64
}

// NewBackend creates a backend that submits through sender.
func NewBackend(sender Sender, opts Options, log zerolog.Logger) *Backend {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	return &Backend{
		sender: sender,
		opts:   opts,
		log:    log.With().Str("component", "smtp").Logger(),
	}
}

// NewSession is called after a client sends EHLO/HELO. It enforces the
// connection limit and creates a Session for the connection.
func (b *Backend) NewSession(conn *gosmtp.Conn) (gosmtp.Session, error) {
	metrics.SMTPConnectionsTotal.Inc()

	current := b.active.Add(1)
	if b.opts.MaxConnections > 0 && int(current) > b.opts.MaxConnections {
		b.active.Add(-1)
		b.log.Warn().
			Int64("active", current-1).
			Int("max", b.opts.MaxConnections).
			Msg("connection limit reached")
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "Too many connections",
		}
	}
	metrics.SMTPActiveSessions.Inc()

	remote := ""
	if conn != nil && conn.Conn() != nil {
		remote = conn.Conn().RemoteAddr().String()
	}
	return b.newSession(remote), nil
}

func (b *Backend) newSession(remote string) *Session {
	correlationID := logger.NewCorrelationID()
	return &Session{
		ctx: logger.WithCorrelationID(context.Background(), correlationID),
		log: b.log.With().
			Str("correlation_id", correlationID).
			Str("remote_addr", remote).
			Logger(),
		backend:       b,
		authenticated: b.opts.Credentials.Username == "",
	}
}

// ActiveSessions returns the number of open sessions.
func (b *Backend) ActiveSessions() int64 {
	return b.active.Load()
}
