package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

var (
	// ErrMediaIDRequired indicates a submit without a media identifier.
	ErrMediaIDRequired = errors.New("media id is required")

	// ErrInputRequired indicates an invocation with neither an input path nor explicit args.
	ErrInputRequired = errors.New("input path or args are required")

	// ErrOutputDirRequired indicates an HLS invocation with no output directory.
	ErrOutputDirRequired = errors.New("output dir is required")

	// ErrInvalidTransition indicates a state change the job lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrQueueRequired indicates a queue record without a queue name.
	ErrQueueRequired = errors.New("queue name is required")

	// ErrKeyRequired indicates a queue record without an idempotency key.
	ErrKeyRequired = errors.New("queue key is required")
)
