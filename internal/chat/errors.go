package chat

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAssistantNotFound means the session's assistant message is no longer
	// in the transcript, typically because the context was reset.
	ErrAssistantNotFound = errors.New("assistant message not found in transcript")
	// ErrUserNotFound means no user message precedes the assistant message.
	ErrUserNotFound = errors.New("no user message precedes assistant message")
	// ErrNoToken is returned when the token source has no credential.
	ErrNoToken = errors.New("auth token not found")
	// ErrBusy is returned by Submit when another submission is in flight and
	// concurrent submissions are disabled.
	ErrBusy = errors.New("a response is still streaming")
	// ErrEmptyMessage is returned by Submit for blank input.
	ErrEmptyMessage = errors.New("message is empty")
)

// StatusError is a non-success HTTP response from one of the chat endpoints.
type StatusError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	detail := e.Detail
	if detail == "" {
		detail = fmt.Sprintf("HTTP error %d", e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, detail)
}

// IsPaywall reports whether the backend refused the request for lack of an
// active subscription.
func (e *StatusError) IsPaywall() bool {
	return e.StatusCode == http.StatusForbidden
}

// StreamError is a failure while reading an already established stream.
type StreamError struct {
	Cause error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("chat stream interrupted: %v", e.Cause)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}
