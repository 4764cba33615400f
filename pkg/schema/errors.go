package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeGraphBuild        = "GRAPH_BUILD_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidInterrupt  = "INVALID_STATE_FOR_INTERRUPT"
	ErrCodeConcurrentUpdate  = "CONCURRENT_UPDATE"
	ErrCodeStepExecution     = "STEP_EXECUTION_ERROR"
	ErrCodeStuckInstance     = "STUCK_INSTANCE"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// BuildReason classifies a GRAPH_BUILD_ERROR.
type BuildReason string

const (
	ReasonMissingOrigin       BuildReason = "missing_origin"
	ReasonDuplicateOrigin     BuildReason = "duplicate_origin"
	ReasonUnknownStepType     BuildReason = "unknown_step_type"
	ReasonUnknownStep         BuildReason = "unknown_step"
	ReasonForkFromNonFork     BuildReason = "fork_from_non_fork"
	ReasonRepeatFromNonRepeat BuildReason = "repeat_from_non_repeat"
	ReasonDuplicateSuccess    BuildReason = "duplicate_success"
	ReasonDuplicateFailure    BuildReason = "duplicate_failure"
	ReasonDuplicateStep       BuildReason = "duplicate_step"
	ReasonInvalidDefinition   BuildReason = "invalid_definition"
)

// Error is the structured error type for all engine operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewGraphBuildError creates a GRAPH_BUILD_ERROR tagged with its reason.
func NewGraphBuildError(reason BuildReason, format string, args ...any) *Error {
	return NewErrorf(ErrCodeGraphBuild, format, args...).
		WithDetails(map[string]any{"reason": string(reason)})
}

// WithStep attaches a step name to the error.
func (e *Error) WithStep(step string) *Error {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails merges key-value details into the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// IsCode reports whether err (or anything it wraps) is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// BuildReasonOf returns the reason attached to a GRAPH_BUILD_ERROR, or "".
func BuildReasonOf(err error) BuildReason {
	var e *Error
	if !errors.As(err, &e) || e.Code != ErrCodeGraphBuild {
		return ""
	}
	r, _ := e.Details["reason"].(string)
	return BuildReason(r)
}
