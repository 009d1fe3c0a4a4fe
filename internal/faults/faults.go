// Package faults defines the engine-wide error taxonomy. Collaborator errors
// are classified once, at the dispatcher boundary; the queue and rule engine
// only ever see this three-way classification plus validation/system errors.
package faults

import (
	"errors"
	"fmt"
)

// Class partitions every failure the engine can observe.
type Class int

const (
	// ClassValidation marks bad input rejected synchronously, never retried.
	ClassValidation Class = iota
	// ClassTransient marks retry-eligible failures (timeouts, 5xx, platform
	// rate-limit signals).
	ClassTransient
	// ClassPermanent marks terminal failures (auth revoked, content rejected).
	ClassPermanent
	// ClassSystem marks engine-infrastructure failures (store unavailable);
	// the claim loop itself backs off on these, distinct from job retries.
	ClassSystem
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassSystem:
		return "system"
	}
	return "unknown"
}

// Error carries a classification alongside the underlying cause.
type Error struct {
	Kind Class
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation wraps err as a validation failure.
func Validation(format string, args ...any) error {
	return &Error{Kind: ClassValidation, Err: fmt.Errorf(format, args...)}
}

// Transient wraps err as retry-eligible.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ClassTransient, Err: err}
}

// Permanent wraps err as terminal.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ClassPermanent, Err: err}
}

// System wraps err as an infrastructure failure.
func System(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ClassSystem, Err: err}
}

// Classify returns the class of err. Unclassified errors default to transient:
// an unknown failure mode gets the retry budget rather than a terminal state.
func Classify(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ClassTransient
}

// IsValidation reports whether err is classified as validation.
func IsValidation(err error) bool { return is(err, ClassValidation) }

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool { return is(err, ClassTransient) }

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool { return is(err, ClassPermanent) }

// IsSystem reports whether err is classified as a system failure.
func IsSystem(err error) bool { return is(err, ClassSystem) }

func is(err error, c Class) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == c
}

// ErrNotFound is returned by lookups for rows that do not exist. Callers
// surface it as a not_found result instead of an error response.
var ErrNotFound = errors.New("not found")
