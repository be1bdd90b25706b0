package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrTransport indicates the physical connection failed. It is fatal to
	// every session on that connection and triggers a reconnect.
	ErrTransport = errors.New("transport failure")

	// ErrProtocolViolation indicates a malformed or out-of-window frame.
	// It is fatal to the connection.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrSessionRejected means the peer refused to open a session.
	ErrSessionRejected = errors.New("session rejected")

	// ErrSessionTimeout means no open-ack arrived within the open timeout.
	ErrSessionTimeout = errors.New("session open timed out")

	// ErrHandlerFailure is a process, file or socket error local to one
	// session.
	ErrHandlerFailure = errors.New("handler failure")

	// ErrDeviceOffline means the device has no live connection.
	ErrDeviceOffline = errors.New("device offline")

	// ErrDeviceUnauthorized means the caller may not reach the device or
	// open the requested session type on it.
	ErrDeviceUnauthorized = errors.New("device unauthorized")

	// ErrDeviceNotFound means the device id is unknown to the registry.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimitExceeded is returned when a principal opens sessions
	// faster than allowed.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrAborted means the session was torn down without a graceful close.
	ErrAborted = errors.New("session aborted")
)

// Reason codes carried in error frames and surfaced by the CLI.
const (
	CodeRejected       = "rejected"
	CodeTimeout        = "timeout"
	CodeHandlerFailure = "handler_failure"
	CodeOffline        = "offline"
	CodeUnauthorized   = "unauthorized"
	CodeProtocol       = "protocol"
	CodeTransport      = "transport"
	CodeAborted        = "aborted"
	CodeRateLimited    = "rate_limited"
	CodeNotFound       = "not_found"
)

var codeErrors = map[string]error{
	CodeRejected:       ErrSessionRejected,
	CodeTimeout:        ErrSessionTimeout,
	CodeHandlerFailure: ErrHandlerFailure,
	CodeOffline:        ErrDeviceOffline,
	CodeUnauthorized:   ErrDeviceUnauthorized,
	CodeProtocol:       ErrProtocolViolation,
	CodeTransport:      ErrTransport,
	CodeAborted:        ErrAborted,
	CodeRateLimited:    ErrRateLimitExceeded,
	CodeNotFound:       ErrDeviceNotFound,
}

// SessionError wraps an underlying error with session context.
type SessionError struct {
	Channel uint32
	Op      string
	Code    string
	Err     error
}

func (e *SessionError) Error() string {
	if e.Channel != 0 {
		return fmt.Sprintf("session %d: %s: %v", e.Channel, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// ErrorFromCode maps a wire reason code back to its sentinel. Unknown codes
// map to [ErrHandlerFailure].
func ErrorFromCode(code string) error {
	if err, ok := codeErrors[code]; ok {
		return err
	}
	return ErrHandlerFailure
}

// RemoteError builds the error a caller sees when the peer reports a
// session failure with the given code and message.
func RemoteError(channel uint32, op, code, msg string) error {
	err := ErrorFromCode(code)
	if msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	return &SessionError{Channel: channel, Op: op, Code: code, Err: err}
}

// CodeOf returns the reason code best describing err.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var se *SessionError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeHandlerFailure
}

// Retryable reports whether a caller may reasonably retry after err.
func Retryable(err error) bool {
	return errors.Is(err, ErrDeviceOffline) ||
		errors.Is(err, ErrSessionTimeout) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrRateLimitExceeded)
}
