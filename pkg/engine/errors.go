// Package engine implements the deployment orchestration core: it drives
// a project's generated artifacts through the build, plan, apply and
// destroy phases inside sandboxes, under a strict single-action-per-
// project state machine.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an orchestration error for retry and reporting.
type ErrorClass string

const (
	// ErrorClassValidation indicates malformed or incomplete input.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassNotFound indicates a missing project, action or generation.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassConflict indicates the project state refused the request:
	// another action in progress, or phase ordering violated.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassCredential indicates credentials were missing or could not
	// be decrypted. Raised before any resource is allocated.
	ErrorClassCredential ErrorClass = "credential"

	// ErrorClassProvision indicates sandbox provisioning failed. The only
	// class retried automatically.
	ErrorClassProvision ErrorClass = "provision"

	// ErrorClassExecution indicates a phase command exited non-zero.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassTimeout indicates the phase exceeded its deadline.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassCancelled indicates the action was cancelled on request.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassInternal indicates an infrastructure failure, e.g. the
	// store or log broker.
	ErrorClassInternal ErrorClass = "internal"
)

// Error is a classified orchestration error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// ProjectID is the affected project, if applicable.
	ProjectID string `json:"project_id,omitempty"`

	// Phase is the phase being executed when the error occurred.
	Phase string `json:"phase,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two engine errors match
// when their classes match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// IsRetryable reports whether the error may succeed on retry without
// operator intervention.
func (e *Error) IsRetryable() bool {
	return e.Class == ErrorClassProvision
}

// ClassOf extracts the class from an error chain, defaulting to internal.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassInternal
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *Error {
	return &Error{Class: ErrorClassNotFound, Message: message, Err: err}
}

// NewConflictError creates a conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewCredentialError creates a credential error.
func NewCredentialError(message string, err error) *Error {
	return &Error{Class: ErrorClassCredential, Message: message, Err: err}
}

// NewProvisionError creates a provision error.
func NewProvisionError(message string, err error) *Error {
	return &Error{Class: ErrorClassProvision, Message: message, Err: err}
}

// NewExecutionError creates an execution error.
func NewExecutionError(message string, err error) *Error {
	return &Error{Class: ErrorClassExecution, Message: message, Err: err}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string, err error) *Error {
	return &Error{Class: ErrorClassTimeout, Message: message, Err: err}
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(message string) *Error {
	return &Error{Class: ErrorClassCancelled, Message: message}
}

// NewInternalError creates an internal error.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassInternal, Message: message, Err: err}
}
