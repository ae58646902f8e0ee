package backend

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/sungwon/sesmailer/internal/future"
)

// CommandAPI is the blocking SES v2 SendEmail call, satisfied by
// *sesv2.Client.
type CommandAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// CommandFunc is the callback form of SendEmail. It must call done exactly
// once.
type CommandFunc func(ctx context.Context, cmd *sesv2.SendEmailInput, done func(*sesv2.SendEmailOutput, error))

// CommandBuilder turns delivery parameters into a SendEmail command.
type CommandBuilder func(p Params) *sesv2.SendEmailInput

// CommandConfig configures the command backend. Exactly one of Client or
// Func is required. NewCommand defaults to NewSendEmailCommand.
type CommandConfig struct {
	Client     CommandAPI
	Func       CommandFunc
	NewCommand CommandBuilder
	Region     string
}

// Command delivers through the SES v2 SendEmail command with raw content.
type Command struct {
	call   CommandFunc
	build  CommandBuilder
	region string
}

// NewSendEmailCommand builds a raw-content SendEmail command.
func NewSendEmailCommand(p Params) *sesv2.SendEmailInput {
	in := &sesv2.SendEmailInput{
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: p.Raw},
		},
	}
	if len(p.Destinations) > 0 {
		in.Destination = &types.Destination{ToAddresses: p.Destinations}
	}
	if p.Source != "" {
		in.FromEmailAddress = aws.String(p.Source)
	}
	return in
}

// NewCommand validates cfg and returns a command backend.
func NewCommand(cfg CommandConfig) (*Command, error) {
	var call CommandFunc
	switch {
	case cfg.Client != nil && cfg.Func != nil:
		return nil, &ConfigError{Err: errors.New("command backend: set Client or Func, not both")}
	case cfg.Client != nil:
		client := cfg.Client
		call = func(ctx context.Context, cmd *sesv2.SendEmailInput, done func(*sesv2.SendEmailOutput, error)) {
			done(client.SendEmail(ctx, cmd))
		}
	case cfg.Func != nil:
		call = cfg.Func
	default:
		return nil, &ConfigError{Err: errors.New("command backend: Client or Func is required")}
	}

	build := cfg.NewCommand
	if build == nil {
		build = NewSendEmailCommand
	}

	region := cfg.Region
	if region == "" {
		if c, ok := cfg.Client.(interface{ Options() sesv2.Options }); ok {
			region = c.Options().Region
		}
	}
	if region == "" {
		region = DefaultRegion
	}
	return &Command{call: call, build: build, region: region}, nil
}

func (c *Command) Name() string { return "sesv2.SendEmail" }

func (c *Command) Region() string { return c.region }

// Deliver builds a command from p and sends it.
func (c *Command) Deliver(ctx context.Context, p Params) *future.Future[string] {
	cmd := c.build(p)
	if cmd == nil {
		return future.Resolved[string]("", &DeliveryError{Backend: c.Name(), Message: "command builder returned nil", Permanent: true})
	}
	res := invoke(ctx, func(done func(*sesv2.SendEmailOutput, error)) {
		c.call(ctx, cmd, done)
	})
	return settle(c.Name(), res, func(out *sesv2.SendEmailOutput) string {
		if out == nil {
			return ""
		}
		return aws.ToString(out.MessageId)
	})
}

// Probe sends the probe message through the same command path.
func (c *Command) Probe(ctx context.Context) *future.Future[bool] {
	return probe(c.Name(), c.Deliver(ctx, probeParams()))
}
