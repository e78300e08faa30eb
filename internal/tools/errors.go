package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. It indicates a capability mismatch,
// not a transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ExecutionError wraps a failure raised by a tool handler. The engine
// renders it into the transcript so the model can react to it.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
