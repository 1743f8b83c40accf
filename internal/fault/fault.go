// Package fault classifies provider failures so callers can decide whether a
// retry is worth attempting.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind buckets a provider failure.
type Kind int

const (
	Unknown Kind = iota
	RateLimited
	Unauthorized
	BadFormat
	TooLarge
	NetworkTimeout
	NotFound
)

func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Unauthorized:
		return "unauthorized"
	case BadFormat:
		return "bad_format"
	case TooLarge:
		return "too_large"
	case NetworkTimeout:
		return "network_timeout"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error attaches a Kind and an operation name to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a classification.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification of err. Context deadline errors count as
// network timeouts even when a provider forgot to classify them.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkTimeout
	}
	return Unknown
}

// Retryable reports whether a failure of the given kind may succeed on a
// later attempt. Auth, validation and configuration faults never do.
func Retryable(k Kind) bool {
	switch k {
	case Unauthorized, BadFormat, TooLarge, NotFound:
		return false
	default:
		return true
	}
}

// FromHTTPStatus classifies an HTTP provider response status.
func FromHTTPStatus(op string, status int) error {
	kind := Unknown
	switch {
	case status == http.StatusTooManyRequests:
		kind = RateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = Unauthorized
	case status == http.StatusNotFound:
		kind = NotFound
	case status == http.StatusRequestEntityTooLarge:
		kind = TooLarge
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		kind = NetworkTimeout
	case status >= 400 && status < 500:
		kind = BadFormat
	}
	return Newf(kind, op, "provider returned status %d", status)
}
