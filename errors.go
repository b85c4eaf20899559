package dragonpos

import (
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodeOracle            = "ORACLE_ERROR"
	ErrCodeMalformedToolCall = "MALFORMED_TOOL_CALL"
	ErrCodeMalformedDecision = "MALFORMED_DECISION"
	ErrCodeUnknownTool       = "UNKNOWN_TOOL"
	ErrCodeToolExecution     = "TOOL_EXECUTION_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeKernel            = "KERNEL_ERROR"
	ErrCodeSync              = "SYNC_ERROR"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeCancelled         = "EXECUTION_CANCELLED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// Error is the coded error type shared by every package of the agent.
type Error struct {
	Code    string // A machine-readable error code (e.g., ErrCodeKernel)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "reasoning", "sync")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
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

// IsCode reports whether any error in err's chain is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// Specific error constructors

func NewOracleError(stage string, cause error) *Error {
	return NewError(ErrCodeOracle, stage, "oracle call failed", cause)
}

func NewMalformedToolCallError(toolName string, cause error) *Error {
	return NewError(ErrCodeMalformedToolCall, "extraction", fmt.Sprintf("malformed arguments for tool '%s'", toolName), cause)
}

func NewMalformedDecisionError(message string, cause error) *Error {
	return NewError(ErrCodeMalformedDecision, "validation", message, cause)
}

func NewUnknownToolError(stage, toolName string) *Error {
	return NewError(ErrCodeUnknownTool, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewToolExecutionError(toolName string, cause error) *Error {
	return NewError(ErrCodeToolExecution, "execution", fmt.Sprintf("execution failed for tool '%s'", toolName), cause)
}

func NewValidationError(stage, message string, cause error) *Error {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewKernelError(operation string, cause error) *Error {
	return NewError(ErrCodeKernel, "kernel", fmt.Sprintf("kernel operation '%s' failed", operation), cause)
}

func NewSyncError(cause error) *Error {
	return NewError(ErrCodeSync, "sync", "receipt synchronization failed", cause)
}

// NewConfigurationError reports a value that must be configured but was not.
// The system never substitutes a default for these.
func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrCodeConfiguration, "initialization", "design deficiency: "+message, cause)
}

func NewCancelledError(stage string, cause error) *Error {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewInternalError(stage, message string, cause error) *Error {
	return NewError(ErrCodeInternal, stage, message, cause)
}
