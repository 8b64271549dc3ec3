package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Every error returned by Generate matches exactly one
// kind, and timeouts additionally match ErrTimeout.
var (
	ErrRateLimited        = errors.New("coordinator: rate limited")
	ErrServiceUnavailable = errors.New("coordinator: code generation service unavailable")
	ErrGenerationFailed   = errors.New("coordinator: script generation failed")
	ErrRenderFailed       = errors.New("coordinator: render failed")
	ErrTimeout            = errors.New("coordinator: timed out")
	ErrInvalidRequest     = errors.New("coordinator: invalid request")
)

// Error carries the failure kind with request context.
type Error struct {
	Kind        error
	Fingerprint string
	// RetryAfter is set for ErrRateLimited and ErrServiceUnavailable.
	RetryAfter time.Duration
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Timeout {
		msg += " (timeout)"
	}
	if e.Fingerprint != "" {
		msg += " fingerprint=" + e.Fingerprint
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Timeout {
		errs = append(errs, ErrTimeout)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// withFingerprint returns a copy of err tagged with fp. Errors that are
// shared between flights are never mutated.
func withFingerprint(err error, fp string) error {
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: ErrGenerationFailed, Fingerprint: fp, Err: err}
	}
	if e.Fingerprint == fp {
		return e
	}
	cp := *e
	cp.Fingerprint = fp
	return &cp
}

func stageError(kind error, err error) *Error {
	return &Error{
		Kind:    kind,
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

func invalid(format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidRequest, Err: fmt.Errorf(format, args...)}
}
