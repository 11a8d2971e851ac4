// Package shared contains common domain types, errors and identifiers that are
// used across the gradebook core. This package has no dependencies on other
// internal packages.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")
	ErrUnreplaceable = errors.New("entity cannot be replaced")
	ErrKindCollision = errors.New("uuid already used by another kind")

	// Validation errors
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidID    = errors.New("invalid ID")
	ErrOverflow     = errors.New("arithmetic overflow")

	// State errors
	ErrInvalidState = errors.New("invalid state")

	// Storage errors
	ErrStorage         = errors.New("storage error")
	ErrVersionMismatch = errors.New("version mismatch")

	// Background evaluation errors
	ErrPredicate = errors.New("predicate failed")
	ErrObserver  = errors.New("observer error")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "student", "store", "history"
	Op      string // Operation that failed, e.g., "Execute", "Put"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Score engine errors
var (
	ErrAlreadyExecuted = NewDomainError("score", "Execute", ErrInvalidState, "modification already executed")
	ErrNotExecuted     = NewDomainError("score", "Retract", ErrInvalidState, "modification not executed")
	ErrNotInHistory    = NewDomainError("score", "Retract", ErrInvalidState, "modification not present in student history")
	ErrDiscarded       = NewDomainError("score", "Execute", ErrInvalidState, "retracted modification cannot be executed again")
	ErrEmptyStack      = NewDomainError("score", "RetractLast", ErrNotFound, "operation stack is empty")
)

// Roster errors
var (
	ErrStudentNotFound  = NewDomainError("class", "FindStudent", ErrNotFound, "student not found")
	ErrGroupNotFound    = NewDomainError("class", "FindGroup", ErrNotFound, "group not found")
	ErrClassNotFound    = NewDomainError("gradebook", "FindClass", ErrNotFound, "class not found")
	ErrTemplateNotFound = NewDomainError("templates", "Find", ErrNotFound, "template not found")
	ErrHistoryNotFound  = NewDomainError("history", "Find", ErrNotFound, "history not found")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalidState checks if the error is a state transition error.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsStorage checks if the error originated in the storage layer.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}
