// Package types defines the domain model shared by the hostbridge packages.
package types

import (
	"time"
)

// TaskID uniquely identifies one unit of host-thread work
type TaskID string

// TaskStatus is the lifecycle state of a task
type TaskStatus string

// Task status constants
const (
	StatusQueued    TaskStatus = "queued"    // submitted, waiting for the drainer
	StatusRunning   TaskStatus = "running"   // dequeued and executing on the host thread
	StatusCompleted TaskStatus = "completed" // operation returned a value
	StatusFailed    TaskStatus = "failed"    // operation returned an error or panicked
	StatusCancelled TaskStatus = "cancelled" // caller gave up; result is discarded
	StatusExpired   TaskStatus = "expired"   // never finished within timeout + grace period
)

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// rank orders statuses so transitions can be checked for monotonicity.
func (s TaskStatus) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next respects the task
// state machine: Queued -> Running -> {Completed, Failed}, and
// Queued|Running -> {Cancelled, Expired}. Terminal states are final.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.IsTerminal() || next.rank() <= s.rank() {
		return false
	}
	switch next {
	case StatusCompleted, StatusFailed:
		return s == StatusRunning
	}
	return true
}

// TaskInfo is a read-only view of a task, safe to hand out across goroutines
type TaskInfo struct {
	ID          TaskID        `json:"id"`                    // task identifier
	Name        string        `json:"name,omitempty"`        // diagnostic label
	Status      TaskStatus    `json:"status"`                // current status
	Cancellable bool          `json:"cancellable"`           // may be abandoned on timeout
	Timeout     time.Duration `json:"timeout"`               // caller's budget
	CreatedAt   time.Time     `json:"created_at"`            // submission time
	StartedAt   *time.Time    `json:"started_at,omitempty"`  // drainer pick-up time
	FinishedAt  *time.Time    `json:"finished_at,omitempty"` // terminal transition time
	Elapsed     time.Duration `json:"elapsed"`               // time since submission
	Error       string        `json:"error,omitempty"`       // failure description
}

// Stats counts records per status
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Expired   int `json:"expired"`
	QueueLen  int `json:"queue_len"` // ids still waiting in the submission queue
}

// Active returns the number of records currently held.
func (s Stats) Active() int {
	return s.Queued + s.Running + s.Completed + s.Failed + s.Cancelled + s.Expired
}

// SnapshotData is the diagnostic dump of a bridge's task table
type SnapshotData struct {
	Tasks     []TaskInfo `json:"tasks"`      // active task records
	Stats     Stats      `json:"stats"`      // per-status counts
	Running   bool       `json:"running"`    // bridge accepting work
	TakenAt   time.Time  `json:"taken_at"`   // wall-clock time of the dump
	SchemaVer int        `json:"schema_ver"` // file format version
}
