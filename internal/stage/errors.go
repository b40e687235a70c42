package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/metalagman/netdiag/internal/model"
	"github.com/metalagman/netdiag/internal/modelapi"
)

// ErrorKind classifies a stage failure for the orchestrator's retry policy.
type ErrorKind string

// Stage error taxonomy.
const (
	// KindTransient covers unreachable or rate-limited backends; retryable
	// with backoff.
	KindTransient ErrorKind = "transient_backend_failure"
	// KindMalformed covers backend output failing schema validation;
	// retryable with reduced context, capped.
	KindMalformed ErrorKind = "malformed_response"
	// KindFatal covers configuration problems such as missing credentials;
	// never retried.
	KindFatal ErrorKind = "fatal_configuration"
)

// Error is a classified stage failure.
type Error struct {
	Kind  ErrorKind
	Stage model.StageKind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable backend failure.
func Transient(kind model.StageKind, err error) *Error {
	return &Error{Kind: KindTransient, Stage: kind, Err: err}
}

// Malformed wraps err as a schema-validation failure.
func Malformed(kind model.StageKind, err error) *Error {
	return &Error{Kind: KindMalformed, Stage: kind, Err: err}
}

// Fatal wraps err as a non-retryable configuration failure.
func Fatal(kind model.StageKind, err error) *Error {
	return &Error{Kind: KindFatal, Stage: kind, Err: err}
}

// KindOf extracts the error kind, defaulting to transient for unclassified
// failures so the caller errs on the side of retrying.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// classifyBackendErr maps a raw backend error into the taxonomy.
func classifyBackendErr(kind model.StageKind, err error) *Error {
	switch {
	case errors.Is(err, modelapi.ErrNoCredentials):
		return Fatal(kind, err)
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindTransient, Stage: kind, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(kind, fmt.Errorf("backend call timed out: %w", err))
	default:
		return Transient(kind, err)
	}
}
