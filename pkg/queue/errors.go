package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("email job not found")
	// ErrTerminal is returned when a write targets a job that is already completed.
	ErrTerminal = errors.New("email job is completed")
	// ErrInvalidTransition is returned when a save would move a job along an edge the
	// state machine does not have, or lower its attempt count.
	ErrInvalidTransition = errors.New("invalid email job transition")
	// ErrInvalidContent is returned when a field is not valid UTF-8.
	ErrInvalidContent = errors.New("email job content is not valid UTF-8")
)

// StorageError wraps a failed persistence operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
