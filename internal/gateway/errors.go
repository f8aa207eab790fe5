// Package gateway holds what the payment rail clients share: the error type
// they return and how HTTP outcomes are classified.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/punchamoorthee/satsettle/internal/domain"
)

// Error describes a failed call to an upstream payment provider. It unwraps to
// domain.ErrGatewayUnavailable or domain.ErrGatewayRejected.
type Error struct {
	Provider   string
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: http %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Unavailable wraps a transport failure, timeout or 5xx.
func Unavailable(provider, op string, status int, body string, cause error) *Error {
	err := domain.ErrGatewayUnavailable
	if cause != nil {
		err = fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, cause)
	}
	return &Error{Provider: provider, Op: op, StatusCode: status, Body: body, Err: err}
}

// Rejected wraps a 4xx or an application-level refusal.
func Rejected(provider, op string, status int, body string) *Error {
	return &Error{Provider: provider, Op: op, StatusCode: status, Body: body, Err: domain.ErrGatewayRejected}
}

// Classify maps a non-2xx HTTP status to the matching gateway error. It
// returns nil for 2xx.
func Classify(provider, op string, status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return Unavailable(provider, op, status, body, nil)
	default:
		return Rejected(provider, op, status, body)
	}
}

// TransportError wraps an error returned by http.Client.Do. A context deadline
// is reported as unavailable like any other network failure.
func TransportError(provider, op string, err error) *Error {
	return Unavailable(provider, op, 0, "", err)
}

// TimedOut reports whether err came from an expired deadline.
func TimedOut(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
