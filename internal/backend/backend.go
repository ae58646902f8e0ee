// Package backend adapts the SES calling conventions to one asynchronous
// interface used by the dispatch scheduler.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/sungwon/sesmailer/internal/future"
)

// DefaultRegion is used when neither the configuration nor the SDK client
// names a region.
const DefaultRegion = "us-east-1"

// Params is what a backend needs to deliver one signed message.
type Params struct {
	Raw          []byte
	Source       string
	Destinations []string
}

// Backend delivers raw messages to SES.
type Backend interface {
	// Name identifies the backend shape in logs and metrics.
	Name() string
	// Region is the SES region used to build message ids.
	Region() string
	// Deliver submits one message. The future resolves with the SES ack
	// (message id) or a *DeliveryError.
	Deliver(ctx context.Context, p Params) *future.Future[string]
	// Probe issues a throwaway request to check credentials and
	// connectivity. The future resolves true or with a *ProbeError.
	Probe(ctx context.Context) *future.Future[bool]
}

// New selects the backend shape from whichever block is set. Setting both,
// or neither, is a configuration error.
func New(raw *RawConfig, cmd *CommandConfig) (Backend, error) {
	switch {
	case raw != nil && cmd != nil:
		return nil, &ConfigError{Err: errors.New("only one of raw or command backend may be configured")}
	case raw != nil:
		return NewRaw(*raw)
	case cmd != nil:
		return NewCommand(*cmd)
	default:
		return nil, &ConfigError{Err: errors.New("an SES backend must be configured")}
	}
}

// invoke runs a callback-style call and settles f from whichever happens
// first: the callback, a panic in call, or the end of ctx.
func invoke[O any](ctx context.Context, call func(done func(O, error))) *future.Future[O] {
	f := future.New[O]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero O
				f.Resolve(zero, fmt.Errorf("backend call panicked: %v", r))
			}
		}()
		call(func(out O, err error) { f.Resolve(out, err) })
	}()
	go func() {
		select {
		case <-f.Done():
		case <-ctx.Done():
			var zero O
			f.Resolve(zero, ctx.Err())
		}
	}()
	return f
}

// settle converts a raw SDK outcome into the backend's ack future.
func settle[O any](name string, src *future.Future[O], ack func(O) string) *future.Future[string] {
	out := future.New[string]()
	src.Then(func(o O, err error) {
		if err != nil {
			out.Resolve("", classify(name, err))
			return
		}
		id := ack(o)
		if id == "" {
			out.Resolve("", &DeliveryError{Backend: name, Message: "response carried no message id", Permanent: false})
			return
		}
		out.Resolve(id, nil)
	})
	return out
}

// probe wraps a delivery attempt of the probe message.
func probe(name string, deliver *future.Future[string]) *future.Future[bool] {
	out := future.New[bool]()
	deliver.Then(func(_ string, err error) {
		if err == nil || isProbeAccepted(err) {
			out.Resolve(true, nil)
			return
		}
		out.Resolve(false, &ProbeError{Backend: name, Err: err})
	})
	return out
}

// probeParams is an intentionally invalid message. SES rejects it with
// InvalidParameterValue once credentials and endpoint are good.
func probeParams() Params {
	return Params{
		Raw:          []byte("From: invalid@invalid\r\nTo: invalid@invalid\r\nSubject: Invalid\r\n\r\nInvalid\r\n"),
		Source:       "invalid@invalid",
		Destinations: []string{"invalid@invalid"},
	}
}
