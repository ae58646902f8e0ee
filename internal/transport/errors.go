package transport

import (
	"errors"
	"fmt"

	"github.com/sungwon/sesmailer/internal/backend"
	"github.com/sungwon/sesmailer/internal/scheduler"
)

// ErrClosed is returned for submissions made after Close and for messages
// still queued when the transport closes.
var ErrClosed = scheduler.ErrClosed

// SubmissionError reports a message that could not be accepted or
// prepared for delivery.
type SubmissionError struct {
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return "submission: " + e.Reason
	}
	return fmt.Sprintf("submission: %s: %v", e.Reason, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ConfigError reports an unusable transport configuration.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "transport config: " + e.Err.Error()
	}
	return fmt.Sprintf("transport config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Re-exported so callers can inspect results without importing backend.
type (
	DeliveryError = backend.DeliveryError
	ProbeError    = backend.ProbeError
)

// ErrorKind names the error class of err for logs, metrics and API
// responses.
func ErrorKind(err error) string {
	var (
		se *SubmissionError
		de *DeliveryError
		pe *ProbeError
		ce *ConfigError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return "submission"
	case errors.As(err, &de):
		return "delivery"
	case errors.As(err, &pe):
		return "probe"
	case errors.As(err, &ce):
		return "configuration"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "internal"
	}
}
