package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an engine failure.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed flow or run request.
	// Never retried; the flow definition must change.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassProtocol indicates a violated engine contract, such as a
	// step body breaking the transition rules or a join receiving the
	// wrong input set. Never retried.
	ErrorClassProtocol ErrorClass = "protocol"

	// ErrorClassTransient indicates a failure that may succeed on retry.
	// Examples: a crashed attempt, a store hiccup.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable failure.
	// Examples: retries exhausted, an uncaught user exception.
	ErrorClassPermanent ErrorClass = "permanent"
)

// FlowError represents a classified engine failure with run context.
type FlowError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Step and TaskID locate the failure within the run, if applicable.
	Step   string `json:"step,omitempty"`
	TaskID string `json:"task_id,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Remediation suggests what the flow author can do about it.
	Remediation string `json:"remediation,omitempty"`
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e.Step != "" && e.TaskID != "" {
		return fmt.Sprintf("[%s] %s (step=%s, task=%s)%s",
			e.Class, e.Message, e.Step, e.TaskID, e.unwrapSuffix())
	}
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step=%s)%s", e.Class, e.Message, e.Step, e.unwrapSuffix())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *FlowError) Unwrap() error {
	return e.Err
}

func (e *FlowError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *FlowError {
	return &FlowError{
		Class:   ErrorClassValidation,
		Message: message,
		Err:     err,
	}
}

// NewProtocolError creates a new protocol error.
func NewProtocolError(message string, err error) *FlowError {
	return &FlowError{
		Class:   ErrorClassProtocol,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *FlowError {
	return &FlowError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *FlowError {
	return &FlowError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithStep adds step context to an error.
func (e *FlowError) WithStep(step string) *FlowError {
	e.Step = step
	return e
}

// WithTask adds task context to an error.
func (e *FlowError) WithTask(taskID string) *FlowError {
	e.TaskID = taskID
	return e
}

// WithCode adds an error code to an error.
func (e *FlowError) WithCode(code string) *FlowError {
	e.Code = code
	return e
}

// WithRemediation adds a remediation hint to an error.
func (e *FlowError) WithRemediation(remediation string) *FlowError {
	e.Remediation = remediation
	return e
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool {
	var e *FlowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}

// IsProtocol returns true if the error is classified as protocol.
func IsProtocol(err error) bool {
	var e *FlowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassProtocol
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *FlowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *FlowError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeJoinInputMismatch = "JOIN_INPUT_MISMATCH"
	ErrCodeTransitionTarget  = "TRANSITION_TARGET"
	ErrCodeRunNotFound       = "RUN_NOT_FOUND"
	ErrCodeOriginIncompat    = "ORIGIN_INCOMPATIBLE"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
