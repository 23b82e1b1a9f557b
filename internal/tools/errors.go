package tools

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for tool operations.
var (
	// ErrDuplicateTool indicates a register attempt under a taken name with
	// a different descriptor.
	ErrDuplicateTool = errors.New("duplicate tool")

	// ErrToolNotFound indicates a requested tool doesn't exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")
)

// ToolErrorType categorizes tool invocation failures.
type ToolErrorType string

const (
	// ToolErrorNotFound indicates the tool doesn't exist.
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorInvalidInput indicates arguments failed schema validation.
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorTimeout indicates the invocation timed out.
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorExecution indicates the handler returned an error.
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorPanic indicates the handler panicked.
	ToolErrorPanic ToolErrorType = "panic"

	// ToolErrorMCPUnavailable indicates the backing MCP server is down.
	ToolErrorMCPUnavailable ToolErrorType = "mcp_unavailable"

	// ToolErrorUnknown indicates an unclassified error.
	ToolErrorUnknown ToolErrorType = "unknown"
)

// ToolError is a structured tool invocation failure. It is never fatal to a
// turn: the registry folds it into an error Result and the model decides what
// to do next.
type ToolError struct {
	// Type categorizes the error.
	Type ToolErrorType

	// ToolName is the tool that failed.
	ToolName string

	// ToolCallID correlates the error with a specific call.
	ToolCallID string

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError for the named tool.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		switch {
		case errors.Is(cause, ErrToolNotFound):
			err.Type = ToolErrorNotFound
		case errors.Is(cause, ErrToolTimeout):
			err.Type = ToolErrorTimeout
		default:
			err.Type = ToolErrorExecution
		}
	}
	return err
}

// WithType sets the error type.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID sets the correlating tool call id.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// AsToolError extracts a ToolError from an error chain.
func AsToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}
