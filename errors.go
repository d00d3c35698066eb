package cachesync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConflict matches any *ConflictError via errors.Is.
	ErrConflict = errors.New("cachesync: version conflict")
	// ErrNotFound matches any *NotFoundError via errors.Is.
	ErrNotFound = errors.New("cachesync: not found")
	// ErrInvalidState is returned when an operation is not valid for a change set's current state.
	ErrInvalidState = errors.New("cachesync: invalid state transition")
)

// ConflictError reports a version mismatch at commit time.
type ConflictError struct {
	EntityType      string
	EntityID        string
	ExpectedVersion int64
	CurrentVersion  int64
	Current         map[string]any // stored entity data at detection time, may be nil
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s/%s: expected version %d, current %d",
		e.EntityType, e.EntityID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError reports a missing change set or entity.
type NotFoundError struct {
	Kind string // "entity" or "changeset"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// FieldError is one rejected field of a ValidationError.
type FieldError struct {
	Field  string
	Reason string
}

// ValidationError reports a malformed request or change payload. It is
// returned before any cache or store interaction.
type ValidationError struct {
	Field  string
	Reason string
	More   []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.More) == 0 {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	parts := make([]string, 0, len(e.More)+1)
	parts = append(parts, e.Field+": "+e.Reason)
	for _, f := range e.More {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// StoreError wraps a relational or key/value store failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// LayerError is one failed cache layer inside Invalidate. It is logged and
// passed to Hooks, never returned from Invalidate.
type LayerError struct {
	Layer  Layer
	Failed []string // keys, tags or paths that could not be invalidated
	Errs   []error
}

func (e *LayerError) Error() string {
	switch len(e.Errs) {
	case 0:
		return fmt.Sprintf("%s layer: unknown error", e.Layer)
	case 1:
		return fmt.Sprintf("%s layer: %v", e.Layer, e.Errs[0])
	default:
		return fmt.Sprintf("%s layer: %d failures, first: %v", e.Layer, len(e.Errs), e.Errs[0])
	}
}

func (e *LayerError) Unwrap() []error { return e.Errs }

func (e *LayerError) add(target string, err error) {
	e.Failed = append(e.Failed, target)
	e.Errs = append(e.Errs, err)
}

func (e *LayerError) orNil() error {
	if e == nil || len(e.Errs) == 0 {
		return nil
	}
	return e
}

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AsConflict extracts the *ConflictError from err's chain.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
