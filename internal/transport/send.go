package transport

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/sesmailer/internal/backend"
	"github.com/sungwon/sesmailer/internal/compose"
	"github.com/sungwon/sesmailer/internal/envelope"
	"github.com/sungwon/sesmailer/internal/future"
)

const journalTimeout = 5 * time.Second

// pendingSend is one submitted message, owned by the scheduler until its
// result is resolved.
type pendingSend struct {
	id          string
	msg         *Message
	env         envelope.Envelope
	payload     []byte // composed, unsigned
	submittedAt time.Time
	admittedAt  time.Time
	result      *future.Future[*Info]
	t           *Transport
	logger      zerolog.Logger
}

// resolveEnvelope validates msg and returns the envelope it will be sent
// with.
func resolveEnvelope(msg *Message) (envelope.Envelope, error) {
	if msg == nil {
		return envelope.Envelope{}, &SubmissionError{Reason: "message is nil"}
	}

	if msg.Envelope != nil {
		env := *msg.Envelope
		env.To = append([]string(nil), env.To...)
		if err := env.Validate(); err != nil {
			return envelope.Envelope{}, &SubmissionError{Reason: "invalid envelope", Err: err}
		}
		return env, nil
	}

	src := &msg.Message
	if len(msg.Raw) > 0 && msg.From == "" && len(msg.To) == 0 && len(msg.Cc) == 0 && len(msg.Bcc) == 0 {
		parsed, err := compose.Parse(msg.Raw)
		if err != nil {
			return envelope.Envelope{}, &SubmissionError{Reason: "unreadable raw message", Err: err}
		}
		src = parsed
	}

	env, err := envelope.Resolve(src.From, src.To, src.Cc, src.Bcc)
	if err != nil {
		return envelope.Envelope{}, &SubmissionError{Reason: "invalid address", Err: err}
	}
	return env, nil
}

// composePayload renders msg into its unsigned RFC 5322 form. A raw message
// is used as given.
func composePayload(msg *Message) ([]byte, error) {
	if len(msg.Raw) > 0 {
		return []byte(msg.Raw), nil
	}
	built, err := compose.Build(&msg.Message)
	if err != nil {
		return nil, &SubmissionError{Reason: "compose message", Err: err}
	}
	return built, nil
}

// Run signs and delivers the message, then resolves the result.
func (p *pendingSend) Run(ctx context.Context) {
	p.admittedAt = time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.t.sendTimeout)
	defer cancel()

	raw, err := p.sign()
	if err != nil {
		p.finish(ctx, nil, err)
		return
	}

	b := p.t.backend
	ack, err := b.Deliver(ctx, backend.Params{
		Raw:          raw,
		Source:       p.env.From,
		Destinations: p.env.To,
	}).Wait(ctx)
	if err != nil {
		var de *DeliveryError
		if !errors.As(err, &de) {
			err = &DeliveryError{Backend: b.Name(), Message: err.Error(), Err: err}
		}
		p.finish(ctx, nil, err)
		return
	}

	info := &Info{
		Envelope:  p.env,
		MessageID: FormatMessageID(ack, b.Region()),
		Response:  ack,
		Raw:       raw,
	}
	if p.t.archive != nil {
		if err := p.t.archive.Put(ctx, p.id, raw); err != nil {
			p.logger.Warn().Err(err).Msg("archive signed message failed")
		}
	}
	p.finish(ctx, info, nil)
}

// Abort fails a message that was never admitted.
func (p *pendingSend) Abort(err error) {
	p.finish(context.Background(), nil, err)
}

func (p *pendingSend) sign() ([]byte, error) {
	if p.t.signer == nil {
		return p.payload, nil
	}
	signed, err := p.t.signer.Sign(p.payload)
	if err != nil {
		return nil, &SubmissionError{Reason: "dkim sign", Err: err}
	}
	return signed, nil
}

func (p *pendingSend) finish(ctx context.Context, info *Info, err error) {
	finished := time.Now()
	name := p.t.backend.Name()

	if err != nil {
		messagesTotal.WithLabelValues(name, "failed").Inc()
		p.logger.Error().
			Err(err).
			Str("error_kind", ErrorKind(err)).
			Str("from", p.env.From).
			Int("recipients", len(p.env.To)).
			Msg("message failed")
	} else {
		messagesTotal.WithLabelValues(name, "sent").Inc()
		deliveryDuration.WithLabelValues(name).Observe(finished.Sub(p.admittedAt).Seconds())
		p.logger.Info().
			Str("message_id", info.MessageID).
			Str("from", p.env.From).
			Int("recipients", len(p.env.To)).
			Dur("queued", p.admittedAt.Sub(p.submittedAt)).
			Dur("took", finished.Sub(p.admittedAt)).
			Msg("message sent")
	}

	if p.t.journal != nil {
		o := Outcome{
			ID:          p.id,
			Backend:     name,
			Envelope:    p.env,
			Subject:     p.msg.Subject,
			Info:        info,
			Err:         err,
			SubmittedAt: p.submittedAt,
			AdmittedAt:  p.admittedAt,
			FinishedAt:  finished,
		}
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
		defer cancel()
		if jerr := p.t.journal.Record(jctx, o); jerr != nil {
			p.logger.Warn().Err(jerr).Msg("record delivery outcome failed")
		}
	}

	p.result.Resolve(info, err)
}
