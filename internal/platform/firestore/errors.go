package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotFound marks a missing document.
	ErrNotFound = errors.New("firestore: not found")
	// ErrConflict marks a precondition or contention failure.
	ErrConflict = errors.New("firestore: conflict")
	// ErrUnavailable marks a transient backend outage.
	ErrUnavailable = errors.New("firestore: unavailable")
)

// Error annotates a Firestore failure with the operation and its classification.
type Error struct {
	op    string
	kind  error
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.cause)
	}
	return e.cause.Error()
}

// Unwrap exposes both the classification sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.kind == nil {
		return []error{e.cause}
	}
	return []error{e.kind, e.cause}
}

// WrapError classifies gRPC status codes so callers can use errors.Is with the package sentinels.
// Context cancellations are passed through unchanged.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var kind error
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.NotFound:
		kind = ErrNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		kind = ErrConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
		kind = ErrUnavailable
	}
	return &Error{op: op, kind: kind, cause: err}
}
