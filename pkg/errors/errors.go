// Package errors provides the closed error taxonomy for calls to the remote
// authentication/profile service and the synthetic errors raised by the
// resilience layer around them.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Kind classifies a failed remote call. It is decided once, at the boundary
// where the raw error is first seen, and never re-derived downstream.
type Kind int

const (
	// KindUnknown is an error that could not be classified. Treated as fatal.
	KindUnknown Kind = iota
	// KindNetwork is a transport failure (DNS, connection refused, reset).
	KindNetwork
	// KindTimeout is a call that exceeded its deadline.
	KindTimeout
	// KindServer is a 5xx-equivalent failure of the remote service.
	KindServer
	// KindUnauthorized means the credentials or token were rejected.
	KindUnauthorized
	// KindValidation means the request itself was malformed.
	KindValidation
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindUnauthorized:
		return "unauthorized"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind is transient.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindTimeout || k == KindServer
}

// AuthError is a classified failure of a remote auth/profile call.
type AuthError struct {
	Kind       Kind
	Op         string // remote operation, e.g. "refresh_session"
	StatusCode int    // HTTP status when the failure came from a response
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s error (HTTP %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s error: %s", e.Op, e.Kind, msg)
}

// Unwrap returns the underlying error for errors.Is and errors.As compatibility.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// New creates an AuthError of the given kind.
func New(kind Kind, op, message string) *AuthError {
	return &AuthError{Kind: kind, Op: op, Message: message}
}

// Wrap creates an AuthError of the given kind around err.
func Wrap(kind Kind, op string, err error) *AuthError {
	return &AuthError{Kind: kind, Op: op, Err: err}
}

// Network, Timeout, Server, Unauthorized and Validation are shorthand constructors.
func Network(op string, err error) *AuthError { return Wrap(KindNetwork, op, err) }
func Timeout(op string, err error) *AuthError { return Wrap(KindTimeout, op, err) }
func Server(op, message string) *AuthError    { return New(KindServer, op, message) }
func Unauthorized(op, message string) *AuthError {
	return New(KindUnauthorized, op, message)
}
func Validation(op, message string) *AuthError { return New(KindValidation, op, message) }

// Classify maps an arbitrary error onto the taxonomy.
//
// An error that already carries an AuthError is returned as is:
//   - context.DeadlineExceeded, net.Error timeouts → KindTimeout
//   - *url.Error, *net.OpError, other net.Error   → KindNetwork
//   - anything else                               → KindUnknown
func Classify(op string, err error) *AuthError {
	if err == nil {
		return nil
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout(op, err)
		}
		return Network(op, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Network(op, err)
	}

	return Wrap(KindUnknown, op, err)
}

// ClassifyHTTPStatus maps an HTTP response status onto the taxonomy.
func ClassifyHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		return KindServer
	case status >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}

// KindOf returns the Kind carried anywhere in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient remote failure.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// IsUnauthorized reports whether err means the credentials were rejected.
func IsUnauthorized(err error) bool {
	return KindOf(err) == KindUnauthorized
}

// CircuitOpenError is raised by the retry executor when the breaker for a
// category refuses the call. It never comes from the remote service.
type CircuitOpenError struct {
	Category   string
	OpenedAt   time.Time
	RetryAfter time.Duration
	// Last is the error of the final attempt when the breaker opened mid-retry.
	Last error
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("circuit open for %s (retry after %s): %v", e.Category, e.RetryAfter, e.Last)
	}
	return fmt.Sprintf("circuit open for %s (retry after %s)", e.Category, e.RetryAfter)
}

// Unwrap returns the last attempt error, if any.
func (e *CircuitOpenError) Unwrap() error {
	return e.Last
}

// ExhaustedRetriesError is raised when every permitted attempt failed with a
// retryable error. It wraps the error of the last attempt.
type ExhaustedRetriesError struct {
	Category string
	Attempts int
	Elapsed  time.Duration
	Last     error
}

// Error implements the error interface.
func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts (%s): %v", e.Category, e.Attempts, e.Elapsed, e.Last)
}

// Unwrap returns the last attempt error.
func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Last
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// IsExhausted reports whether err is (or wraps) an ExhaustedRetriesError.
func IsExhausted(err error) bool {
	var ere *ExhaustedRetriesError
	return errors.As(err, &ere)
}
