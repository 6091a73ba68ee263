package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodePlanParse            = "PLAN_PARSE_ERROR"
	ErrCodePlanGeneration       = "PLAN_GENERATION_ERROR"
	ErrCodeToolNotFound         = "TOOL_NOT_FOUND"
	ErrCodeToolInvalidArguments = "TOOL_INVALID_ARGUMENTS"
	ErrCodeToolExecution        = "TOOL_EXECUTION_ERROR"
	ErrCodeGeneration           = "GENERATION_ERROR"
	ErrCodeSynthesis            = "SYNTHESIS_ERROR"
	ErrCodeConfiguration        = "CONFIGURATION_ERROR"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// Stages used in error reporting.
const (
	StagePlanning   = "planning"
	StageExecution  = "execution"
	StageGeneration = "generation"
	StageSynthesis  = "synthesis"
	StageDispatch   = "dispatch"
	StageConfig     = "config"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Code      string // A machine-readable error code (e.g., ErrCodeToolNotFound)
	Stage     string // Where the error occurred (e.g., "planning", "execution")
	Message   string
	Cause     error
	Transient bool // Retrying the same call may succeed
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, stage, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

func NewPlanParseError(cause error) *Error {
	return NewError(ErrCodePlanParse, StagePlanning, "planner output did not match the plan schema", cause)
}

func NewPlanGenerationError(cause error) *Error {
	return NewError(ErrCodePlanGeneration, StagePlanning, "failed to generate plan", cause)
}

func NewToolNotFoundError(toolName string) *Error {
	return NewError(ErrCodeToolNotFound, StageExecution, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewToolArgumentsError(toolName string, cause error) *Error {
	return NewError(ErrCodeToolInvalidArguments, StageExecution, fmt.Sprintf("invalid arguments for tool '%s'", toolName), cause)
}

func NewToolExecutionError(toolName string, cause error) *Error {
	return NewError(ErrCodeToolExecution, StageExecution, fmt.Sprintf("execution failed for tool '%s'", toolName), cause)
}

func NewGenerationError(tier Tier, cause error) *Error {
	e := NewError(ErrCodeGeneration, StageGeneration, fmt.Sprintf("generation failed on %s tier", tier), cause)
	e.Transient = IsTransient(cause)
	return e
}

func NewSynthesisError(cause error) *Error {
	return NewError(ErrCodeSynthesis, StageSynthesis, "failed to synthesize final answer", cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrCodeConfiguration, StageConfig, message, cause)
}

func NewTimeoutError(stage string, cause error) *Error {
	return NewError(ErrCodeTimeout, stage, "operation timed out", cause)
}

func NewInvalidInputError(stage, message string) *Error {
	return NewError(ErrCodeInvalidInput, stage, message, nil)
}

func NewInternalError(stage, message string, cause error) *Error {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// Transient returns err marked as retryable. err itself is never modified, so
// shared error values stay as they are. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if de, ok := err.(*Error); ok {
		marked := *de
		marked.Transient = true
		return &marked
	}
	wrapped := &Error{
		Code:      ErrCodeGeneration,
		Stage:     StageGeneration,
		Message:   "transient failure",
		Cause:     err,
		Transient: true,
	}
	var de *Error
	if errors.As(err, &de) {
		wrapped.Code, wrapped.Stage = de.Code, de.Stage
	}
	return wrapped
}

// IsTransient reports whether any error in the chain is marked transient.
// Deadline and cancellation errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var de *Error
	for e := err; e != nil; {
		if !errors.As(e, &de) {
			return false
		}
		if de.Transient {
			return true
		}
		e = de.Cause
	}
	return false
}

// IsTimeout reports whether err was caused by a deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var de *Error
	return errors.As(err, &de) && de.Code == ErrCodeTimeout
}

// ErrorCode extracts the code of the first Error in the chain, or ErrCodeInternal.
func ErrorCode(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeInternal
}
