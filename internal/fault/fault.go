// Package fault defines the error kinds returned across component boundaries.
package fault

import (
	"errors"
	"fmt"
)

// Error kinds. Wrap them with fmt.Errorf and %w; test with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrPartialFailure      = errors.New("partial failure")
	ErrIndeterminate       = errors.New("indeterminate")
)

// Kind names an error kind for logs and responses.
type Kind string

const (
	KindNone          Kind = ""
	KindNotFound      Kind = "not_found"
	KindInvalid       Kind = "invalid_argument"
	KindUpstream      Kind = "upstream_unavailable"
	KindPartial       Kind = "partial_failure"
	KindIndeterminate Kind = "indeterminate"
	KindInternal      Kind = "internal"
)

// KindOf classifies err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalid
	case errors.Is(err, ErrPartialFailure):
		return KindPartial
	case errors.Is(err, ErrUpstreamUnavailable):
		return KindUpstream
	case errors.Is(err, ErrIndeterminate):
		return KindIndeterminate
	default:
		return KindInternal
	}
}

// NotFound returns an ErrNotFound with a formatted message.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Invalid returns an ErrInvalidArgument with a formatted message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidArgument)
}

// Indeterminate returns an ErrIndeterminate with a formatted message.
func Indeterminate(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrIndeterminate)
}

// Upstream wraps a collaborator failure as ErrUpstreamUnavailable while
// keeping the cause reachable through errors.Is and errors.As.
func Upstream(op string, err error) error {
	return &upstreamError{op: op, err: err}
}

type upstreamError struct {
	op  string
	err error
}

func (e *upstreamError) Error() string { return e.op + ": " + e.err.Error() }

func (e *upstreamError) Unwrap() []error { return []error{ErrUpstreamUnavailable, e.err} }
