// ============================================================================
// hostbridge Task Manager - task records and submission queue
// ============================================================================
//
// Package: internal/taskmanager
// File: task_manager.go
// Purpose: Holds every task record and the FIFO submission queue behind a
//          single mutex, so status checks and removals are one atomic step.
//
// Layout:
//   tasks map[TaskID]*Record - single source of truth, one record per task
//   queue []TaskID           - ids waiting for the drainer, FIFO
//
//   Operations live on the record, not in the queue. The queue only orders
//   ids; popping an id hands the operation to the drainer exactly once.
//
// State machine:
//   Queued
//      ↓ PopQueued()
//   Running
//      ↓ Complete() / Fail()
//   Completed / Failed
//
//   Queued | Running → Cancelled  (Abandon, Cancel)
//   Queued | Running → Expired    (Sweep, past timeout + grace)
//
// Removal paths:
//   - Consume()/Abandon(): the waiting caller takes a terminal result
//   - Sweep(): cancelled records whose caller left, expired and orphaned
//     records. A record cancelled through Cancel() while its caller still
//     polls stays until the caller consumes it or grace runs out.
//   - DiscardAll(): shutdown
//
// All timestamps are passed in by the caller so tests control the clock.
//
// ============================================================================

package taskmanager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/hostbridge/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDuplicateTask is returned when a task id is already present
	ErrDuplicateTask = errors.New("task already exists")
	// ErrQueueOverflow is returned when the bounded submission queue is full
	ErrQueueOverflow = errors.New("submission queue is full")
	// ErrNilOperation is returned when a record carries no operation
	ErrNilOperation = errors.New("task has no operation")
)

// ============================================================================
// Data structures
// ============================================================================

// Operation is one unit of host-thread work with its arguments pre-bound
type Operation func(ctx context.Context) (any, error)

// Record is the manager's bookkeeping for one task
type Record struct {
	ID          types.TaskID
	Name        string
	Status      types.TaskStatus
	Cancellable bool
	Timeout     time.Duration
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time

	Value any   // set on Completed
	Err   error // set on Failed

	op         Operation // taken by PopQueued
	inQueue    bool      // id still present in the queue slice
	callerGone bool      // set by Abandon; nobody will Consume this record
}

// NewRecord builds a record ready for Enqueue.
func NewRecord(id types.TaskID, name string, op Operation, timeout time.Duration, cancellable bool, now time.Time) *Record {
	return &Record{
		ID:          id,
		Name:        name,
		Cancellable: cancellable,
		Timeout:     timeout,
		CreatedAt:   now,
		op:          op,
	}
}

// Dispatch is a task handed to the drainer
type Dispatch struct {
	ID   types.TaskID
	Name string
	Op   Operation
}

// Outcome is what a waiting caller observes about its task
type Outcome struct {
	Status   types.TaskStatus
	Value    any
	Err      error
	Consumed bool // record was terminal and has been removed
}

// SweepResult reports what one Sweep pass did
type SweepResult struct {
	Active    int              // records present before the sweep
	Cancelled []types.TaskInfo // cancelled records removed
	Expired   []types.TaskInfo // records expired and removed
	Orphaned  []types.TaskInfo // unconsumed terminal records removed
	Stalled   []types.TaskInfo // running past the stall ratio of their timeout
}

// TaskManager stores task records and the submission queue
type TaskManager struct {
	mu       sync.Mutex
	tasks    map[types.TaskID]*Record
	queue    []types.TaskID
	maxQueue int // 0 means unbounded
}

// ============================================================================
// Core methods
// ============================================================================

// NewTaskManager creates an empty manager. maxQueue bounds the number of ids
// waiting in the queue; zero or less disables the bound.
func NewTaskManager(maxQueue int) *TaskManager {
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &TaskManager{
		tasks:    make(map[types.TaskID]*Record),
		queue:    make([]types.TaskID, 0),
		maxQueue: maxQueue,
	}
}

// Enqueue registers rec as Queued and appends its id to the queue in one
// critical section.
//
// Errors:
//   - ErrNilOperation: rec has no operation
//   - ErrDuplicateTask: the id is already known
//   - ErrQueueOverflow: the bounded queue is full
func (tm *TaskManager) Enqueue(rec *Record) error {
	if rec == nil || rec.op == nil {
		return ErrNilOperation
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.tasks[rec.ID]; exists {
		return ErrDuplicateTask
	}
	if tm.maxQueue > 0 && len(tm.queue) >= tm.maxQueue {
		return ErrQueueOverflow
	}

	rec.Status = types.StatusQueued
	rec.inQueue = true
	tm.tasks[rec.ID] = rec
	tm.queue = append(tm.queue, rec.ID)
	return nil
}

// PopQueued removes up to max ids from the head of the queue, marks their
// records Running and hands over each operation exactly once.
//
// Ids whose record is gone or no longer Queued (cancelled or expired before
// dequeue) are dropped without counting against max; their operations never
// run.
func (tm *TaskManager) PopQueued(max int, now time.Time) []Dispatch {
	if max <= 0 {
		return nil
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	var out []Dispatch
	i := 0
	for ; i < len(tm.queue) && len(out) < max; i++ {
		rec, exists := tm.tasks[tm.queue[i]]
		if !exists {
			continue
		}
		rec.inQueue = false
		if rec.Status != types.StatusQueued {
			rec.op = nil
			continue
		}

		rec.Status = types.StatusRunning
		rec.StartedAt = now
		out = append(out, Dispatch{ID: rec.ID, Name: rec.Name, Op: rec.op})
		rec.op = nil
	}
	tm.queue = tm.queue[i:]

	return out
}

// Complete stores value for a Running task. It returns false when the record
// is gone or already terminal, in which case the value is dropped.
func (tm *TaskManager) Complete(id types.TaskID, value any, now time.Time) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	rec, exists := tm.tasks[id]
	if !exists || !rec.Status.CanTransition(types.StatusCompleted) {
		return false
	}
	rec.Status = types.StatusCompleted
	rec.Value = value
	rec.FinishedAt = now
	return true
}

// Fail stores err for a Running task. Same drop rules as Complete.
func (tm *TaskManager) Fail(id types.TaskID, err error, now time.Time) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	rec, exists := tm.tasks[id]
	if !exists || !rec.Status.CanTransition(types.StatusFailed) {
		return false
	}
	rec.Status = types.StatusFailed
	rec.Err = err
	rec.FinishedAt = now
	return true
}

// Consume returns the task's state and, if it is terminal, removes it in
// the same critical section. found is false when the record is gone.
func (tm *TaskManager) Consume(id types.TaskID) (out Outcome, found bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	rec, exists := tm.tasks[id]
	if !exists {
		return Outcome{}, false
	}
	if !rec.Status.IsTerminal() {
		return Outcome{Status: rec.Status}, true
	}
	tm.removeLocked(rec)
	return Outcome{Status: rec.Status, Value: rec.Value, Err: rec.Err, Consumed: true}, true
}

// Abandon is called by a caller that stops waiting. A terminal record is
// consumed as in Consume. Otherwise the record is flagged as having no
// caller; a cancellable one is also marked Cancelled. Both are left for the
// janitor.
func (tm *TaskManager) Abandon(id types.TaskID, now time.Time) (out Outcome, found bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	rec, exists := tm.tasks[id]
	if !exists {
		return Outcome{}, false
	}
	if rec.Status.IsTerminal() {
		tm.removeLocked(rec)
		return Outcome{Status: rec.Status, Value: rec.Value, Err: rec.Err, Consumed: true}, true
	}
	rec.callerGone = true
	if rec.Cancellable {
		rec.Status = types.StatusCancelled
		rec.FinishedAt = now
	}
	return Outcome{Status: rec.Status}, true
}

// Cancel marks a non-terminal, cancellable task Cancelled. A task that is
// still queued will never run; a running one finishes but its result is
// discarded. The record stays until the waiting caller consumes it.
func (tm *TaskManager) Cancel(id types.TaskID, now time.Time) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	rec, exists := tm.tasks[id]
	if !exists || !rec.Cancellable || !rec.Status.CanTransition(types.StatusCancelled) {
		return false
	}
	rec.Status = types.StatusCancelled
	rec.FinishedAt = now
	return true
}

// Sweep reclaims records the callers will never consume:
//   - Cancelled records whose caller abandoned them are removed.
//   - Non-terminal records older than CreatedAt + Timeout + grace are marked
//     Expired and removed.
//   - Other terminal records are removed as orphans once their caller has
//     gone, or once they sat unconsumed for grace since FinishedAt.
//
// Non-terminal records running longer than stallRatio of their timeout are
// reported in Stalled but left alone.
func (tm *TaskManager) Sweep(now time.Time, grace time.Duration, stallRatio float64) SweepResult {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	res := SweepResult{Active: len(tm.tasks)}
	var removed []*Record

	for _, rec := range tm.tasks {
		switch {
		case rec.Status == types.StatusCancelled && rec.callerGone:
			res.Cancelled = append(res.Cancelled, rec.info(now))
			removed = append(removed, rec)

		case !rec.Status.IsTerminal():
			elapsed := now.Sub(rec.CreatedAt)
			if elapsed > rec.Timeout+grace {
				rec.Status = types.StatusExpired
				rec.FinishedAt = now
				rec.op = nil
				res.Expired = append(res.Expired, rec.info(now))
				removed = append(removed, rec)
			} else if stallRatio > 0 && float64(elapsed) > float64(rec.Timeout)*stallRatio {
				res.Stalled = append(res.Stalled, rec.info(now))
			}

		case rec.callerGone || now.Sub(rec.FinishedAt) > grace:
			res.Orphaned = append(res.Orphaned, rec.info(now))
			removed = append(removed, rec)
		}
	}

	for _, rec := range removed {
		delete(tm.tasks, rec.ID)
	}
	tm.compactQueueLocked()

	return res
}

// Forget removes a record whatever its status.
func (tm *TaskManager) Forget(id types.TaskID) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	rec, exists := tm.tasks[id]
	if !exists {
		return false
	}
	tm.removeLocked(rec)
	return true
}

// DiscardAll drops every record and queued id, returning how many records
// were held.
func (tm *TaskManager) DiscardAll() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	n := len(tm.tasks)
	tm.tasks = make(map[types.TaskID]*Record)
	tm.queue = make([]types.TaskID, 0)
	return n
}

// removeLocked deletes rec and drops its id from the queue if it was never
// popped. Caller holds tm.mu.
func (tm *TaskManager) removeLocked(rec *Record) {
	delete(tm.tasks, rec.ID)
	rec.op = nil
	if rec.inQueue {
		tm.compactQueueLocked()
	}
}

// compactQueueLocked drops ids whose record no longer exists.
func (tm *TaskManager) compactQueueLocked() {
	kept := tm.queue[:0]
	for _, id := range tm.queue {
		if _, exists := tm.tasks[id]; exists {
			kept = append(kept, id)
		}
	}
	tm.queue = kept
}

// ============================================================================
// Queries
// ============================================================================

// Status returns the current status of a task.
func (tm *TaskManager) Status(id types.TaskID) (types.TaskStatus, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	rec, exists := tm.tasks[id]
	if !exists {
		return "", false
	}
	return rec.Status, true
}

// Info returns a read-only view of one task.
func (tm *TaskManager) Info(id types.TaskID, now time.Time) (types.TaskInfo, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	rec, exists := tm.tasks[id]
	if !exists {
		return types.TaskInfo{}, false
	}
	return rec.info(now), true
}

// Snapshot returns views of all records ordered by submission time.
func (tm *TaskManager) Snapshot(now time.Time) []types.TaskInfo {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	infos := make([]types.TaskInfo, 0, len(tm.tasks))
	for _, rec := range tm.tasks {
		infos = append(infos, rec.info(now))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Stats counts records per status.
func (tm *TaskManager) Stats() types.Stats {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	s := types.Stats{QueueLen: len(tm.queue)}
	for _, rec := range tm.tasks {
		switch rec.Status {
		case types.StatusQueued:
			s.Queued++
		case types.StatusRunning:
			s.Running++
		case types.StatusCompleted:
			s.Completed++
		case types.StatusFailed:
			s.Failed++
		case types.StatusCancelled:
			s.Cancelled++
		case types.StatusExpired:
			s.Expired++
		}
	}
	return s
}

// Len returns the number of records held.
func (tm *TaskManager) Len() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.tasks)
}

// QueueLen returns the number of ids waiting in the queue.
func (tm *TaskManager) QueueLen() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.queue)
}

func (r *Record) info(now time.Time) types.TaskInfo {
	info := types.TaskInfo{
		ID:          r.ID,
		Name:        r.Name,
		Status:      r.Status,
		Cancellable: r.Cancellable,
		Timeout:     r.Timeout,
		CreatedAt:   r.CreatedAt,
		Elapsed:     now.Sub(r.CreatedAt),
	}
	if !r.StartedAt.IsZero() {
		started := r.StartedAt
		info.StartedAt = &started
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		info.FinishedAt = &finished
	}
	if r.Err != nil {
		info.Error = r.Err.Error()
	}
	return info
}
