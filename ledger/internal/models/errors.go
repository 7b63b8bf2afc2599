package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAggregateExists     = errors.New("aggregate already exists")
	ErrAlreadyExists       = errors.New("already exists")
	ErrAggregateDeleted    = errors.New("aggregate is deleted")
	ErrStorageFailure      = errors.New("storage failure")
	ErrRuleExecution       = errors.New("rule execution failure")
	ErrRunInProgress       = errors.New("reconciliation run already in progress")
	ErrInvalidEvent        = errors.New("invalid event")
	ErrUnknownRule         = errors.New("unknown reconciliation rule")
)

// ConflictError is returned when a writer's expected version is stale.
// errors.Is(err, ErrConcurrencyConflict) holds for it.
type ConflictError struct {
	AggregateID string
	Expected    int
	Actual      int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s: expected version %d, found %d",
		e.AggregateID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StorageError marks err as a storage failure while keeping it inspectable.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
}

// InvalidEvent wraps a validation message as ErrInvalidEvent.
func InvalidEvent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}
