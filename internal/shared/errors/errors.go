package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind categorizes an error for propagation decisions.
type Kind string

const (
	KindConfig            Kind = "config"             // missing or invalid configuration, fatal at startup
	KindCredential        Kind = "credential"         // no credentials or both auth mechanisms rejected
	KindValidation        Kind = "validation"         // payload fails validation rules, no state change
	KindConflict          Kind = "conflict"           // a sync is already running
	KindUpstreamTransient Kind = "upstream_transient" // non-401 HTTP or network failure, skip and continue
	KindUpstreamFatal     Kind = "upstream_fatal"     // auth failure or persistent 401, aborts the run
	KindIO                Kind = "io"                 // filesystem failure on spill/CSV/gzip writes
	KindCancelled         Kind = "cancelled"          // explicit user cancel
)

// Error is the typed error carried through the sync stack.
type Error struct {
	Kind       Kind          `json:"kind"`
	Message    string        `json:"message"`
	Operation  string        `json:"operation,omitempty"`
	Resource   string        `json:"resource,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Wrapped    error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	parts = append(parts, e.Message)
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("(resource: %s)", e.Resource))
	}
	if e.Wrapped != nil {
		parts = append(parts, fmt.Sprintf("caused by: %v", e.Wrapped))
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Wrapped }

// Is matches on Kind so callers can compare against sentinel kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithOperation records the operation that failed.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithResource records the affected resource (account, payer, file).
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithWrapped attaches the underlying cause.
func (e *Error) WithWrapped(err error) *Error {
	e.Wrapped = err
	return e
}

// New creates a typed error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: err}
}

// KindOf extracts the Kind from an error chain; unknown errors map to
// upstream_transient since that is the only non-aborting default.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstreamTransient
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Aborts reports whether the error must terminate the current run instead of
// skipping the affected account or payer.
func Aborts(err error) bool {
	switch KindOf(err) {
	case KindUpstreamFatal, KindIO, KindCancelled, KindCredential, KindConfig:
		return true
	}
	return false
}

// Common constructors.

// NewConflict signals that a run is already in flight.
func NewConflict(message string) *Error {
	return New(KindConflict, message)
}

// NewCancelled signals an explicit user cancel.
func NewCancelled(message string) *Error {
	return New(KindCancelled, message)
}

// NewTransient marks an upstream failure the run can survive.
func NewTransient(message string, retryAfter time.Duration) *Error {
	e := New(KindUpstreamTransient, message)
	e.Retryable = true
	e.RetryAfter = retryAfter
	return e
}

// NewValidation marks a payload that failed validation.
func NewValidation(resource, message string) *Error {
	return New(KindValidation, message).WithResource(resource)
}
