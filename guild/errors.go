package guild

import (
	"errors"
	"fmt"
)

// errors can be checked with errors.Is(err, ErrX)

// used for the transport
var (
	ErrConnectionLost = errors.New("connection lost")
)

// used for actions
var (
	// the permission engine denied the action locally. the request was never sent.
	ErrUnauthorized = errors.New("unauthorized")
	// the request could not complete. retryable.
	ErrNetworkFailure = errors.New("network failure")
	// the server refused the request. not retried automatically.
	ErrRejected = errors.New("rejected")
	// the intent failed local validation. the request was never sent.
	ErrInvalidIntent = errors.New("invalid intent")
)

// used for inbound events
var (
	ErrMalformedEvent = errors.New("malformed event")
)

// the server responded with an error status. `Message` is the response body verbatim.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (self *RejectedError) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("rejected (%d)", self.StatusCode)
	}
	return fmt.Sprintf("rejected (%d): %s", self.StatusCode, self.Message)
}

func (self *RejectedError) Unwrap() error {
	return ErrRejected
}

func networkFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrNetworkFailure, err)
}

func malformedEvent(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, a...))
}

// only network failures are safe to retry, and message send is never retried blindly
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure)
}
