package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// ConfigError reports an unusable backend configuration.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "backend: " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// DeliveryError wraps a failed SES call with classification metadata.
type DeliveryError struct {
	// Backend is the name of the backend that failed.
	Backend string
	// Code is the SES error code, when SES returned one.
	Code string
	// StatusCode is the HTTP status of the SES response, or 0.
	StatusCode int
	// Message is the error description.
	Message string
	// Permanent indicates the message will not succeed if resent as is.
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Code, e.Message)
	}
	return e.Backend + ": " + e.Message
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ProbeError reports a failed health probe.
type ProbeError struct {
	Backend string
	Err     error
}

func (e *ProbeError) Error() string { return e.Backend + ": probe failed: " + e.Err.Error() }

func (e *ProbeError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a delivery failure that will not
// succeed on resend.
func IsPermanent(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Permanent
	}
	return false
}

// ErrorCode returns the SES error code carried by err, if any.
func ErrorCode(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

var permanentCodes = map[string]bool{
	"MessageRejected":                        true,
	"MailFromDomainNotVerified":              true,
	"MailFromDomainNotVerifiedException":     true,
	"ConfigurationSetDoesNotExist":           true,
	"ConfigurationSetDoesNotExistException":  true,
	"AccountSendingPausedException":          true,
	"ConfigurationSetSendingPausedException": true,
	"InvalidParameterValue":                  true,
	"BadRequestException":                    true,
	"NotFoundException":                      true,
	"AccessDenied":                           true,
	"AccessDeniedException":                  true,
	"InvalidClientTokenId":                   true,
	"SignatureDoesNotMatch":                  true,
}

// classify wraps any SES failure in a *DeliveryError.
func classify(name string, err error) error {
	var de *DeliveryError
	if errors.As(err, &de) {
		return err
	}

	out := &DeliveryError{Backend: name, Message: err.Error(), Err: err}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return out
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		out.StatusCode = re.HTTPStatusCode()
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		out.Code = ae.ErrorCode()
		out.Message = ae.ErrorMessage()
		switch {
		case permanentCodes[out.Code]:
			out.Permanent = true
		case ae.ErrorFault() == smithy.FaultClient:
			out.Permanent = out.StatusCode != 429 && !strings.Contains(out.Code, "Throttl") && !strings.Contains(out.Code, "TooManyRequests")
		}
		return out
	}

	out.Permanent = out.StatusCode >= 400 && out.StatusCode < 500 && out.StatusCode != 429
	return out
}

func isProbeAccepted(err error) bool {
	return ErrorCode(err) == "InvalidParameterValue"
}
