// Package errors provides structured errors for the builder agent.
// Every error carries a classification code that maps directly onto the
// terminal events surfaced to clients, plus enough context for debugging.
package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Client input errors, rejected before any process starts
	ErrCodeMalformedRequest ErrorCode = "MALFORMED_REQUEST"
	ErrCodeEmptyInstruction ErrorCode = "EMPTY_INSTRUCTION"

	// State-conflict errors
	ErrCodeSessionBusy     ErrorCode = "SESSION_BUSY"
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// Subprocess-boundary errors
	ErrCodeAbnormalExit    ErrorCode = "ABNORMAL_EXIT"
	ErrCodeUnparsedOutput  ErrorCode = "UNPARSED_OUTPUT"
	ErrCodeToolUnavailable ErrorCode = "TOOL_UNAVAILABLE"

	// Filesystem errors during finalization
	ErrCodeArtifactWrite ErrorCode = "ARTIFACT_WRITE"

	// Configuration errors, fatal at startup only
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Generic
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error represents a structured builder-agent error
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	UserMessage string
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap wraps an existing error with builder error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the human-friendly message surfaced in terminal events.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Summary returns the text shown to clients: the user message when set,
// otherwise the internal message. Never includes the underlying chain.
func (e *Error) Summary() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	agentErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return agentErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	agentErr, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}
	return agentErr.Code
}
