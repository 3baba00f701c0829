// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is returned when a client cannot open its store
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned by stores when no record has the requested global id
	ErrNotFound = errors.New("record not found")
	// ErrValidation marks per-record rejections raised by a destination store
	ErrValidation = errors.New("validation failed")
	// ErrAborted wraps every infrastructure failure that terminates a session
	ErrAborted = errors.New("sync session aborted")

	ErrCyclicDependency   = errors.New("cyclic dependency between entity types")
	ErrContradictoryOrder = errors.New("contradictory sync order")
	ErrUnknownDirection   = errors.New("unknown sync direction")
	ErrMissingConverter   = errors.New("missing converter")
	ErrSessionRunning     = errors.New("sync session already running")

	ErrUnknownConflictPolicy = errors.New("unknown conflict policy")
	// ErrIncomparableModel is returned when cmp cannot compare two models
	// with the configured CompareOptions
	ErrIncomparableModel = errors.New("model cannot be compared")
)

// ValidationError is a per-record rejection (uniqueness, check or reference
// constraint) that the engine turns into an Issue instead of aborting
type ValidationError struct {
	Constraint string
	Message    string
	Err        error
}

func (e *ValidationError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("%s: %s (%s)", ErrValidation, e.Message, e.Constraint)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a ValidationError for the given constraint
func NewValidationError(constraint, message string, cause error) *ValidationError {
	return &ValidationError{Constraint: constraint, Message: message, Err: cause}
}

// IsValidation reports whether err is a per-record validation failure
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func abortf(dir Direction, t EntityType, phase Phase, err error) error {
	return fmt.Errorf("%w: %s %s during %s: %w", ErrAborted, dir, t, phase, err)
}
