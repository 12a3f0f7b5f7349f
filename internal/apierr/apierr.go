// Package apierr classifies failed calls to the external service into typed
// errors that carry a retry decision.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Kind is the category of a failed external call.
type Kind string

const (
	KindNetwork        Kind = "NETWORK_ERROR"
	KindAuthentication Kind = "AUTHENTICATION_ERROR"
	KindAuthorization  Kind = "AUTHORIZATION_ERROR"
	KindNotFound       Kind = "NOT_FOUND_ERROR"
	KindValidation     Kind = "VALIDATION_ERROR"
	KindRateLimit      Kind = "RATE_LIMIT_ERROR"
	KindServer         Kind = "SERVER_ERROR"
	KindUnknown        Kind = "UNKNOWN_ERROR"
)

// ErrDisabled is returned when the external service is switched off by
// configuration. It is never retried.
var ErrDisabled = errors.New("external service disabled")

// maxBodyBytes bounds how much of an error body is read.
const maxBodyBytes = 64 << 10

// now is swapped in tests.
var now = time.Now

// Error is a classified failure.
type Error struct {
	Kind      Kind
	Message   string
	Status    int // 0 when no response was received
	Details   any
	Retryable bool
	Timestamp time.Time

	cause error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// KindForStatus maps an HTTP status code to a kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// IsRetryable applies the fixed retry table. Unknown retries only on 5xx.
func IsRetryable(kind Kind, status int) bool {
	switch kind {
	case KindNetwork, KindRateLimit, KindServer:
		return true
	case KindAuthentication, KindAuthorization, KindNotFound, KindValidation:
		return false
	default:
		return status >= 500
	}
}

// FromStatus builds an error from a completed non-2xx response.
// The message is the body's "message" or "error" field, else the raw body,
// else "HTTP <status>: <statusText>".
func FromStatus(status int, statusText string, body []byte) *Error {
	kind := KindForStatus(status)
	msg := fmt.Sprintf("HTTP %d: %s", status, statusText)

	var details any
	if text := strings.TrimSpace(string(body)); text != "" {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			details = parsed
			if m := messageField(parsed); m != "" {
				msg = m
			}
		} else {
			msg = text
		}
	}

	return &Error{
		Kind:      kind,
		Message:   msg,
		Status:    status,
		Details:   details,
		Retryable: IsRetryable(kind, status),
		Timestamp: now(),
	}
}

// FromResponse reads and closes resp.Body and classifies the response.
func FromResponse(resp *http.Response) *Error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	text := http.StatusText(resp.StatusCode)
	if resp.Status != "" {
		// "404 Not Found" -> "Not Found"
		if _, after, ok := strings.Cut(resp.Status, " "); ok {
			text = after
		}
	}
	return FromStatus(resp.StatusCode, text, body)
}

// FromTransport wraps a failure where no response was received.
func FromTransport(err error) *Error {
	return &Error{
		Kind:      KindNetwork,
		Message:   "Network error: " + err.Error(),
		Details:   map[string]any{"originalError": fmt.Sprintf("%T", err)},
		Retryable: true,
		Timestamp: now(),
		cause:     err,
	}
}

// FromValidation builds a local validation failure.
func FromValidation(message string, details any) *Error {
	return &Error{
		Kind:      KindValidation,
		Message:   message,
		Details:   details,
		Timestamp: now(),
	}
}

// FromDecode wraps a 2xx response whose body could not be parsed.
func FromDecode(err error) *Error {
	return &Error{
		Kind:      KindUnknown,
		Message:   "Failed to parse response JSON",
		Timestamp: now(),
		cause:     err,
	}
}

// Classify maps any error to a classified one. Already classified errors
// pass through. Timeouts are network errors. ErrDisabled and anything
// unrecognised become non-retryable Unknown errors.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, ErrDisabled) {
		return &Error{Kind: KindUnknown, Message: err.Error(), Timestamp: now(), cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FromTransport(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return FromTransport(err)
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return FromTransport(err)
	}
	return &Error{Kind: KindUnknown, Message: err.Error(), Timestamp: now(), cause: err}
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrDisabled) || errors.Is(err, context.Canceled) {
		return false
	}
	return Classify(err).Retryable
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind == kind
}

// ShouldShowToUser hides network errors that will be retried automatically.
func ShouldShowToUser(err error) bool {
	e := Classify(err)
	if e == nil {
		return false
	}
	return !(e.Kind == KindNetwork && e.Retryable)
}

func messageField(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"message", "error"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
