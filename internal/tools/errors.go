package tools

import "fmt"

// ErrorCode classifies every failure crossing the orchestrator boundary.
type ErrorCode string

const (
	CodeInvalidInput     ErrorCode = "invalid_input"
	CodeToolNotFound     ErrorCode = "tool_not_found"
	CodeSoulNotTrusted   ErrorCode = "soul_not_trusted"
	CodeSoulUnreachable  ErrorCode = "soul_unreachable"
	CodeTimeout          ErrorCode = "timeout"
	CodeOverloaded       ErrorCode = "overloaded"
	CodeApprovalDenied   ErrorCode = "approval_denied"
	CodeApprovalTimeout  ErrorCode = "approval_timeout"
	CodeDependencyFailed ErrorCode = "dependency_failed"
	CodeToolError        ErrorCode = "tool_error"
	CodeRollbackFailure  ErrorCode = "rollback_failure"
	CodeInternal         ErrorCode = "internal"
)

// Error is the structured error attached to tool results. Raw Go errors
// never cross the orchestrator boundary.
type Error struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Suggestion  string    `json:"suggestion,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds an Error with a formatted message.
func Errf(code ErrorCode, recoverable bool, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Recoverable: recoverable}
}
