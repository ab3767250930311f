package runtime

import "fmt"

// ErrorCode classifies adapter failures.
type ErrorCode string

const (
	ErrCodeWorkspaceInvalidPath  ErrorCode = "workspace_invalid_path"
	ErrCodeWorkspaceCommandFail  ErrorCode = "workspace_command_failed"
	ErrCodeContainerStartFailed  ErrorCode = "container_start_failed"
	ErrCodeContainerStartTimeout ErrorCode = "container_start_timeout"
	ErrCodeContainerInspectFail  ErrorCode = "container_inspect_failed"
	ErrCodeContainerStopFailed   ErrorCode = "container_stop_failed"
	ErrCodeContainerRemoveFailed ErrorCode = "container_remove_failed"
	ErrCodeSnapshotFailed        ErrorCode = "snapshot_failed"
)

// Error is the single error type every adapter failure surfaces as.
// Operation names the failing call ("container.wait_running", or the literal
// shell command for workspace failures).
type Error struct {
	Code      ErrorCode
	Operation string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s [code=%s, operation=%s]", e.Message, e.Code, e.Operation)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(code ErrorCode, operation, message string, cause error) *Error {
	return &Error{Code: code, Operation: operation, Message: message, Cause: cause}
}

// NewError builds a runtime Error. Exposed for adapters living outside this
// package and for test doubles that need to fail with a specific code.
func NewError(code ErrorCode, operation, message string, cause error) *Error {
	return newError(code, operation, message, cause)
}
