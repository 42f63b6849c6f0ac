package types

import (
	"fmt"
)

// TrapError reports that an invocation faulted mid-execution. The instance
// that produced it must not be reused.
type TrapError struct {
	InstanceID string
	Reason     string
	Timeout    bool
	Err        error
}

func (e *TrapError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("instance %s: execution timed out", e.InstanceID)
	}
	return fmt.Sprintf("instance %s trapped: %s", e.InstanceID, e.Reason)
}

func (e *TrapError) Unwrap() error { return e.Err }

// ExitError reports that the function exited with a non-zero status. The
// instance remains usable.
type ExitError struct {
	Code   uint32
	Stdout []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("function exited with status %d", e.Code)
}
