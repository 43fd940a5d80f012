package allocation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hospital/ops/internal/domain/records"
	"github.com/hospital/ops/internal/platform/lock"
)

// ErrorKind classifies engine failures for callers and for the batch
// reconciler's continue-or-abort decision.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindInvalidState ErrorKind = "invalid_state"
	KindValidation   ErrorKind = "validation"
	KindConflict     ErrorKind = "conflict"
	KindPersistence  ErrorKind = "persistence"
)

// Error is the single error type returned by engine operations.
type Error struct {
	Kind   ErrorKind
	Entity records.Kind
	ID     string
	Field  string
	Reason string
	Err    error
}

// Sentinels for errors.Is; only the kind is compared.
var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrInvalidState = &Error{Kind: KindInvalidState}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrPersistence  = &Error{Kind: KindPersistence}
)

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
	case KindValidation:
		if e.Field != "" && e.Reason == "" {
			return "missing required field: " + e.Field
		}
		return e.Reason
	case KindPersistence:
		return fmt.Sprintf("persistence failure: %s: %v", e.Reason, e.Err)
	case KindConflict:
		return fmt.Sprintf("conflict: %s", e.Reason)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of an engine error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func notFound(entity records.Kind, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id}
}

func invalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Reason: fmt.Sprintf(format, args...)}
}

func missingFields(fields ...string) *Error {
	return &Error{Kind: KindValidation, Field: strings.Join(fields, ", ")}
}

func invalidField(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Reason: fmt.Sprintf(format, args...)}
}

func persistence(reason string, err error) *Error {
	return &Error{Kind: KindPersistence, Reason: reason, Err: err}
}

// fromLock maps a lock acquisition failure.
func fromLock(err error) error {
	if errors.Is(err, lock.ErrTimeout) {
		return &Error{Kind: KindConflict, Reason: "record is locked by another operation", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return persistence("acquire lock", err)
}

// fromRead maps a repository read failure.
func fromRead(entity records.Kind, id string, err error) error {
	if errors.Is(err, records.ErrNotFound) {
		return notFound(entity, id)
	}
	return persistence(fmt.Sprintf("read %s %s", entity, id), err)
}
