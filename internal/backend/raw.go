package backend

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/sungwon/sesmailer/internal/future"
)

// RawEmailAPI is the blocking SES v1 raw-send call, satisfied by
// *ses.Client.
type RawEmailAPI interface {
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// RawEmailFunc is the callback form of the raw-send call. It must call done
// exactly once.
type RawEmailFunc func(ctx context.Context, params *ses.SendRawEmailInput, done func(*ses.SendRawEmailOutput, error))

// RawConfig configures the raw-send backend. Exactly one of Client or Func
// is required.
type RawConfig struct {
	Client RawEmailAPI
	Func   RawEmailFunc
	Region string
}

// Raw delivers through SES SendRawEmail.
type Raw struct {
	call   RawEmailFunc
	region string
}

// NewRaw validates cfg and returns a raw-send backend.
func NewRaw(cfg RawConfig) (*Raw, error) {
	var call RawEmailFunc
	switch {
	case cfg.Client != nil && cfg.Func != nil:
		return nil, &ConfigError{Err: errors.New("raw backend: set Client or Func, not both")}
	case cfg.Client != nil:
		client := cfg.Client
		call = func(ctx context.Context, in *ses.SendRawEmailInput, done func(*ses.SendRawEmailOutput, error)) {
			done(client.SendRawEmail(ctx, in))
		}
	case cfg.Func != nil:
		call = cfg.Func
	default:
		return nil, &ConfigError{Err: errors.New("raw backend: Client or Func is required")}
	}

	region := cfg.Region
	if region == "" {
		if c, ok := cfg.Client.(interface{ Options() ses.Options }); ok {
			region = c.Options().Region
		}
	}
	if region == "" {
		region = DefaultRegion
	}
	return &Raw{call: call, region: region}, nil
}

func (r *Raw) Name() string { return "ses.SendRawEmail" }

func (r *Raw) Region() string { return r.region }

// Deliver sends p as a raw message.
func (r *Raw) Deliver(ctx context.Context, p Params) *future.Future[string] {
	in := &ses.SendRawEmailInput{
		RawMessage:   &types.RawMessage{Data: p.Raw},
		Destinations: p.Destinations,
	}
	if p.Source != "" {
		in.Source = aws.String(p.Source)
	}
	res := invoke(ctx, func(done func(*ses.SendRawEmailOutput, error)) {
		r.call(ctx, in, done)
	})
	return settle(r.Name(), res, func(out *ses.SendRawEmailOutput) string {
		if out == nil {
			return ""
		}
		return aws.ToString(out.MessageId)
	})
}

// Probe sends the probe message through the same call.
func (r *Raw) Probe(ctx context.Context) *future.Future[bool] {
	return probe(r.Name(), r.Deliver(ctx, probeParams()))
}
