// Package fault defines the coded errors that cross component boundaries:
// registration gating, stale-connection rejection, and shell login outcomes.
package fault

import (
	"errors"
	"fmt"
)

const (
	// NotProvisioned: an unknown hostname tried to register.
	NotProvisioned = "NOT_PROVISIONED"
	// StaleConnection: a payload arrived on a superseded connection handle.
	StaleConnection = "STALE_CONNECTION"
	// AuthFailed: a shell credential was rejected by the destination host.
	AuthFailed = "AUTH_FAILED"
	// UpstreamUnavailable: the destination shell host could not be reached.
	UpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	// Timeout: a handshake or snapshot request exceeded its bound.
	Timeout = "TIMEOUT"
)

type Error struct {
	ErrCode string
	Message string
	Cause   error
}

func New(code, message string) *Error {
	return &Error{ErrCode: code, Message: message}
}

func Wrap(err error, code, message string) *Error {
	return &Error{ErrCode: code, Message: message, Cause: err}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrCode, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Code returns the fault code carried by err, or "" for plain errors.
func Code(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.ErrCode
	}
	return ""
}

// Is reports whether err carries the given fault code.
func Is(err error, code string) bool { return Code(err) == code }
