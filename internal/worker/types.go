package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/hostbridge/internal/bridge"
)

// Submitter runs operations on the host thread
type Submitter interface {
	RunOnHost(ctx context.Context, op bridge.Operation, opts ...bridge.SubmitOption) (any, error)
}

// Task is one host call made by a pool worker
type Task struct {
	ID          string            // caller-side identifier, echoed in Result
	Name        string            // task name passed to the bridge
	Op          bridge.Operation  // work to run on the host thread
	Timeout     time.Duration     // 0 = bridge default
	Cancellable bool              // passed through WithCancellable
}

// Result is the outcome of one Task
type Result struct {
	TaskID   string
	Success  bool
	Value    any
	Error    error
	Duration time.Duration // submission to result, as seen by the caller
}
