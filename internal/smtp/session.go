package smtp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/mail"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/sungwon/sesmailer/internal/backend"
	"github.com/sungwon/sesmailer/internal/envelope"
	"github.com/sungwon/sesmailer/internal/metrics"
	"github.com/sungwon/sesmailer/internal/transport"
)

var (
	errAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errAuthFailed = &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication failed",
	}
)

// Session handles a single SMTP connection.
type Session struct {
	ctx           context.Context
	log           zerolog.Logger
	backend       *Backend
	authenticated bool
	from          string
	recipients    []string
}

// AuthMechanisms advertises PLAIN when credentials are configured.
func (s *Session) AuthMechanisms() []string {
	if s.backend.opts.Credentials.Username == "" {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth starts a SASL exchange for mech.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain || s.backend.opts.Credentials.Username == "" {
		return nil, gosmtp.ErrAuthUnsupported
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			metrics.SMTPAuthAttemptsTotal.WithLabelValues("failure").Inc()
			return errAuthFailed
		}
		if err := s.backend.opts.Credentials.Check(username, password); err != nil {
			metrics.SMTPAuthAttemptsTotal.WithLabelValues("failure").Inc()
			s.log.Warn().Str("username", username).Msg("auth failed")
			return errAuthFailed
		}
		metrics.SMTPAuthAttemptsTotal.WithLabelValues("success").Inc()
		s.authenticated = true
		s.log.Info().Str("username", username).Msg("auth successful")
		return nil
	}), nil
}

// Mail handles MAIL FROM. The null reverse path is refused since SES needs
// a verified source.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if !s.authenticated {
		return errAuthRequired
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender address",
		}
	}
	s.from = addr.Address
	return nil
}

// Rcpt handles RCPT TO.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if !s.authenticated {
		return errAuthRequired
	}
	if s.from == "" {
		return &gosmtp.SMTPError{
			Code:         503,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "MAIL FROM required first",
		}
	}
	if limit := s.backend.opts.MaxRecipients; limit > 0 && len(s.recipients) >= limit {
		return &gosmtp.SMTPError{
			Code:         452,
			EnhancedCode: gosmtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}
	s.recipients = append(s.recipients, addr.Address)
	return nil
}

// Data reads the message and sends it through the transport with the
// session envelope, waiting for the SES ack. Message bodies are never
// logged.
func (s *Session) Data(r io.Reader) error {
	if !s.authenticated {
		return errAuthRequired
	}
	if len(s.recipients) == 0 {
		return &gosmtp.SMTPError{
			Code:         503,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients specified",
		}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		metrics.SMTPMessagesTotal.WithLabelValues("read_error").Inc()
		if errors.Is(err, gosmtp.ErrDataTooLarge) {
			return gosmtp.ErrDataTooLarge
		}
		s.log.Error().Err(err).Msg("failed to read message data")
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message",
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.backend.opts.SubmitTimeout)
	defer cancel()

	info, err := s.backend.sender.Send(ctx, &transport.Message{
		Raw: transport.Payload(buf.Bytes()),
		Envelope: &envelope.Envelope{
			From: s.from,
			To:   append([]string(nil), s.recipients...),
		},
	})
	if err != nil {
		kind := transport.ErrorKind(err)
		metrics.SMTPMessagesTotal.WithLabelValues(kind).Inc()
		s.log.Warn().
			Err(err).
			Str("error_kind", kind).
			Str("from", s.from).
			Int("recipient_count", len(s.recipients)).
			Msg("message not delivered")
		return replyFor(err)
	}

	metrics.SMTPMessagesTotal.WithLabelValues("sent").Inc()
	s.log.Info().
		Str("from", s.from).
		Int("recipient_count", len(s.recipients)).
		Str("message_id", info.MessageID).
		Msg("message sent")

	// go-smtp writes any *SMTPError verbatim, which is the only way to put
	// the message id in the 250 reply.
	return &gosmtp.SMTPError{
		Code:         250,
		EnhancedCode: gosmtp.EnhancedCode{2, 0, 0},
		Message:      "OK " + info.MessageID,
	}
}

// replyFor maps a send failure to an SMTP reply: rejected submissions and
// permanent SES errors are 554, everything else is transient.
func replyFor(err error) *gosmtp.SMTPError {
	var se *transport.SubmissionError
	switch {
	case errors.As(err, &se):
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "Message rejected: " + se.Reason,
		}
	case backend.IsPermanent(err):
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 0, 0},
			Message:      "Delivery failed: " + err.Error(),
		}
	default:
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 4, 0},
			Message:      "Temporary delivery failure, try again later",
		}
	}
}

// Reset clears the envelope but keeps authentication.
func (s *Session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout is called when the client disconnects.
func (s *Session) Logout() error {
	s.backend.active.Add(-1)
	metrics.SMTPActiveSessions.Dec()
	s.log.Info().Msg("session closed")
	return nil
}
