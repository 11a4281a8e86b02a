package toolbus

import (
	"errors"
	"fmt"
	"time"
)

// LaunchError reports that a server executable could not be spawned. It is a
// connection-class failure and is retried during initial connect.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ConnectionError reports a failure to establish or keep a session with a
// named server, wrapping the underlying cause. It is retried during initial
// connect and never once a session is ready.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to server %q: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected wire message. It is never
// retried automatically.
type ProtocolError struct {
	Code int
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (code %d): %v", e.Code, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError reports that a single request did not resolve within its
// timeout. It is scoped to that request; the session survives it.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out after %s", e.Method, e.Timeout)
}

// ErrDuplicateServer is returned by the Manager when a connect is attempted
// for a name that is already tracked.
var ErrDuplicateServer = errors.New("server is already connected")

// ErrSessionClosed is returned for operations attempted on a closed session,
// and resolves requests that were in flight when the session died.
var ErrSessionClosed = errors.New("session is closed")

// retryable reports whether an error belongs to the connection class that
// the Manager retries during initial connect. Remote errors, protocol
// errors, and timeouts are excluded.
func retryable(err error) bool {
	var le *LaunchError
	if errors.As(err, &le) {
		return true
	}
	var ce *ConnectionError
	return errors.As(err, &ce)
}
