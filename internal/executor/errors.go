package executor

import (
	"context"
	"errors"
	"fmt"
)

// Class determines whether a failed capability call may be retried.
// Retryability is carried as a data value on the error rather than inferred
// from the error's dynamic type.
type Class int

const (
	// ClassTransient failures (timeouts, transient network/service errors,
	// rate limiting) are retried up to the stage's attempt budget.
	ClassTransient Class = iota
	// ClassTerminal failures (malformed input, authentication failure,
	// policy rejection) skip remaining retries and fail the stage.
	ClassTerminal
)

func (c Class) String() string {
	if c == ClassTerminal {
		return "terminal"
	}
	return "transient"
}

// ClassifiedError wraps a capability error with its retry classification.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// Terminal wraps err as a non-retryable failure.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassTerminal, Err: err}
}

// ClassOf returns the retry classification of err. Unclassified errors and
// timeouts default to transient so that unknown failure modes are retried
// within the stage budget rather than failing the run outright.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}
