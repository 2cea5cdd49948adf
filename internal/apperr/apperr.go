// Package apperr defines the error-kind taxonomy shared across components.
// These are contracts for disposition, not a type hierarchy every caller
// must switch on. Is and KindOf let a caller branch on an error's Kind; no
// other package in this module imports apperr.
package apperr

import "errors"

// Kind classifies where an error originated and how it should be handled,
// per the error-kind table.
type Kind string

const (
	TransportUnavailable Kind = "TransportUnavailable"
	InvalidIncoming      Kind = "InvalidIncoming"
	LLMFailure           Kind = "LLMFailure"
	ToolFailure          Kind = "ToolFailure"
	VerificationFailure  Kind = "VerificationFailure"
	StorageTransient     Kind = "StorageTransient"
	StorageCorruption    Kind = "StorageCorruption"
	ConfigError          Kind = "ConfigError"
	RecoveryNotifyFailure Kind = "RecoveryNotifyFailure"
)

// Error wraps an underlying error with a disposition Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. If err is nil, New returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the Kind of err, if it (or something it wraps) is an
// *Error, and whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
