package bridge

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/hostbridge/internal/taskmanager"
	"github.com/ChuLiYu/hostbridge/pkg/types"
)

var (
	// ErrTimeout is returned when the caller's budget elapsed before the task
	// reached a terminal state
	ErrTimeout = errors.New("bridge: timed out waiting for host thread")
	// ErrBridgeShutdown is returned when the bridge no longer accepts work
	ErrBridgeShutdown = errors.New("bridge: shut down")
	// ErrExpired is returned when the janitor reclaimed a task that never
	// finished within timeout plus grace period
	ErrExpired = errors.New("bridge: task expired before completion")
	// ErrCancelled is returned when the task was cancelled while its caller
	// was waiting
	ErrCancelled = errors.New("bridge: task cancelled")
	// ErrNoHost is returned by New when no host driver is configured
	ErrNoHost = errors.New("bridge: no host configured")

	// ErrQueueOverflow is returned when the bounded submission queue is full
	ErrQueueOverflow = taskmanager.ErrQueueOverflow
	// ErrNilOperation is returned when a nil operation is submitted
	ErrNilOperation = taskmanager.ErrNilOperation
)

// HostExecutionError reports that an operation failed on the host thread.
// It wraps the operation's own error so errors.Is/As reach it.
type HostExecutionError struct {
	TaskID      types.TaskID
	Name        string
	Err         error
	Description string // "<type>: <message>" of the original error
	Stack       []byte // host goroutine stack, set when the operation panicked
}

func newHostExecutionError(id types.TaskID, name string, err error, stack []byte) *HostExecutionError {
	return &HostExecutionError{
		TaskID:      id,
		Name:        name,
		Err:         err,
		Description: fmt.Sprintf("%T: %v", err, err),
		Stack:       stack,
	}
}

func (e *HostExecutionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("host execution of %s failed: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("host execution failed: %v", e.Err)
}

func (e *HostExecutionError) Unwrap() error {
	return e.Err
}

// Panicked reports whether the operation panicked rather than returning an error.
func (e *HostExecutionError) Panicked() bool {
	return len(e.Stack) > 0
}
