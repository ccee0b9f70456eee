// ============================================================================
// hostbridge Bridge - run work on the host thread from any goroutine
// ============================================================================
//
// Package: internal/bridge
// File: bridge.go
// Purpose: Lets many caller goroutines submit operations to a single host
//          goroutine and wait for their results with timeouts.
//
// Architecture:
//
//   caller goroutines                       host goroutine
//   ┌──────────────┐  Enqueue   ┌─────────────┐  Tick()   ┌──────────┐
//   │ RunOnHost()  │ ─────────→ │ TaskManager │ ←──────── │ Drain()  │
//   │   poll loop  │ ←───────── │ (one mutex) │           │ Sweep()  │
//   └──────────────┘  Consume   └─────────────┘           └──────────┘
//
//   The caller never calls the drainer. The two sides only share the task
//   manager, and the host decides when ticks happen.
//
// Caller path (RunOnHost):
//   1. ctx already on this bridge's host thread → run inline, no queueing
//   2. Enqueue a Queued record
//   3. Poll every PollInterval until terminal, timeout or ctx done
//   4. Completed → value, Failed → *HostExecutionError
//   5. Timeout: cancellable → mark Cancelled, return ErrTimeout
//               non-cancellable → keep polling until timeout + GracePeriod
//
// Host path (Tick = Drain + Sweep):
//   - Drain pops at most BatchSize tasks and runs them in FIFO order
//   - Sweep reclaims cancelled, expired and orphaned records
//
// Lifecycle:
//   New → Initialize (registers Tick with the host once) → Shutdown
//   After Shutdown every submission fails fast with ErrBridgeShutdown.
//
// ============================================================================

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hostbridge/internal/taskmanager"
	"github.com/ChuLiYu/hostbridge/pkg/types"
)

// Operation is host-thread work with its arguments already bound. The ctx
// it receives marks the host thread; pass it on when re-entering the bridge.
type Operation = taskmanager.Operation

type hostKey struct{}

// Bridge executes operations on the host thread
type Bridge struct {
	cfg   Config
	tasks *taskmanager.TaskManager
	log   zerolog.Logger

	hostCtx    context.Context    // handed to operations on the host thread
	cancelHost context.CancelFunc // cancelled on Shutdown
	done       chan struct{}      // closed on Shutdown, wakes waiting callers

	mu          sync.Mutex // guards initialized and shutdown
	initialized bool
	shutdown    bool

	tickMu sync.Mutex // one tick at a time
}

// New creates a bridge. It does not register with the host until
// Initialize is called.
func New(cfg Config) (*Bridge, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid bridge config: %w", err)
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	b := &Bridge{
		cfg:   cfg,
		tasks: taskmanager.NewTaskManager(cfg.MaxQueue),
		log:   logger.With().Str("component", "bridge").Logger(),
		done:  make(chan struct{}),
	}
	b.hostCtx, b.cancelHost = context.WithCancel(context.WithValue(context.Background(), hostKey{}, b))
	return b, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Initialize registers the drain/sweep tick with the host. Calling it again
// is a no-op; calling it after Shutdown returns ErrBridgeShutdown.
func (b *Bridge) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shutdown {
		return ErrBridgeShutdown
	}
	if b.initialized {
		b.log.Debug().Msg("bridge already initialized")
		return nil
	}

	if err := b.cfg.Host.RegisterPeriodic(b.Tick, b.cfg.TickInterval); err != nil {
		return fmt.Errorf("failed to register host tick: %w", err)
	}
	b.initialized = true

	b.log.Info().
		Dur("tick_interval", b.cfg.TickInterval).
		Int("batch_size", b.cfg.BatchSize).
		Msg("bridge initialized")
	return nil
}

// Shutdown unregisters from the host, discards every pending record and
// makes further submissions fail with ErrBridgeShutdown. Callers still
// waiting return ErrBridgeShutdown.
func (b *Bridge) Shutdown() error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil
	}
	b.shutdown = true
	initialized := b.initialized
	b.mu.Unlock()

	close(b.done)
	b.cancelHost()

	var err error
	if initialized {
		if uerr := b.cfg.Host.UnregisterPeriodic(); uerr != nil {
			err = fmt.Errorf("failed to unregister host tick: %w", uerr)
		}
	}

	discarded := b.tasks.DiscardAll()
	b.cfg.Metrics.UpdateQueueStats(0, 0)
	b.log.Info().Int("discarded", discarded).Msg("bridge shut down")
	return err
}

// IsRunning reports whether the bridge is initialized and not shut down.
func (b *Bridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized && !b.shutdown
}

func (b *Bridge) isShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdown
}

// ensureRunning initializes on demand so a caller arriving before the
// embedder's Initialize still gets served.
func (b *Bridge) ensureRunning() error {
	b.mu.Lock()
	shutdown, initialized := b.shutdown, b.initialized
	b.mu.Unlock()

	if shutdown {
		return ErrBridgeShutdown
	}
	if initialized {
		return nil
	}
	b.log.Warn().Msg("bridge not initialized, starting on demand")
	return b.Initialize()
}

// ============================================================================
// Caller API
// ============================================================================

// OnHost reports whether ctx belongs to an operation running on this
// bridge's host thread.
func (b *Bridge) OnHost(ctx context.Context) bool {
	owner, _ := ctx.Value(hostKey{}).(*Bridge)
	return owner == b
}

// HostContext returns the host-marked context handed to operations. Code
// that reaches the host thread some other way, such as a closure given to
// hostloop.Loop.Post, must pass it to RunOnHost.
func (b *Bridge) HostContext() context.Context {
	return b.hostCtx
}

// RunOnHost executes op on the host thread and returns its result.
//
// Errors:
//   - ErrTimeout: no result within the timeout (cancellable tasks)
//   - ErrTimeout and ErrExpired: no result within timeout + grace period
//   - *HostExecutionError: op returned an error or panicked
//   - ErrCancelled: ctx was done, or the task was cancelled via Cancel
//   - ErrBridgeShutdown: bridge shut down before or while waiting
//   - ErrQueueOverflow: bounded queue full
//
// The host thread is recognized only through ctx. Host code that calls
// RunOnHost with a context not derived from the one its operation received
// (or from HostContext) queues the task and blocks the host loop until the
// timeout, because the drainer cannot run meanwhile.
func (b *Bridge) RunOnHost(ctx context.Context, op Operation, opts ...SubmitOption) (any, error) {
	if op == nil {
		return nil, ErrNilOperation
	}
	so := submitOptions{timeout: b.cfg.DefaultTimeout, cancellable: true}
	for _, opt := range opts {
		opt(&so)
	}

	if b.OnHost(ctx) {
		b.cfg.Metrics.RecordInline()
		return b.invoke(ctx, "", so.name, op)
	}

	if err := b.ensureRunning(); err != nil {
		return nil, err
	}

	start := b.cfg.Clock.Now()
	id := types.TaskID(uuid.NewString())
	rec := taskmanager.NewRecord(id, so.name, op, so.timeout, so.cancellable, start)
	if err := b.tasks.Enqueue(rec); err != nil {
		return nil, fmt.Errorf("failed to submit task %s: %w", so.name, err)
	}
	b.cfg.Metrics.RecordSubmit()

	b.log.Debug().
		Str("task_id", string(id)).
		Str("task", so.name).
		Dur("timeout", so.timeout).
		Bool("cancellable", so.cancellable).
		Msg("task submitted")

	return b.wait(ctx, id, so, start)
}

// wait polls the task manager until the task settles.
func (b *Bridge) wait(ctx context.Context, id types.TaskID, so submitOptions, start time.Time) (any, error) {
	deadline := start.Add(so.timeout)
	ceiling := deadline.Add(b.cfg.GracePeriod)
	pastDeadline := false

	for {
		if b.isShutdown() {
			b.tasks.Forget(id)
			return nil, ErrBridgeShutdown
		}

		out, found := b.tasks.Consume(id)
		if !found {
			if b.isShutdown() {
				return nil, ErrBridgeShutdown
			}
			b.cfg.Metrics.RecordTimeout()
			return nil, fmt.Errorf("%w: %w: task %s", ErrTimeout, ErrExpired, id)
		}
		if out.Consumed {
			return b.deliver(id, so, out, start)
		}

		if err := ctx.Err(); err != nil {
			return b.abandon(id, so, start, fmt.Errorf("%w: %w", ErrCancelled, err))
		}

		now := b.cfg.Clock.Now()
		wake := deadline
		if !now.Before(deadline) {
			if so.cancellable {
				return b.abandon(id, so, start,
					fmt.Errorf("%w: task %s (%s) after %s", ErrTimeout, so.name, id, so.timeout))
			}
			if !pastDeadline {
				pastDeadline = true
				b.log.Warn().
					Str("task_id", string(id)).
					Str("task", so.name).
					Dur("timeout", so.timeout).
					Msg("non-cancellable task past timeout, waiting for grace period")
			}
			if !now.Before(ceiling) {
				b.cfg.Metrics.RecordTimeout()
				return nil, fmt.Errorf("%w: %w: task %s (%s) after %s",
					ErrTimeout, ErrExpired, so.name, id, so.timeout+b.cfg.GracePeriod)
			}
			wake = ceiling
		}

		sleep := b.cfg.PollInterval
		if remaining := wake.Sub(now); remaining < sleep {
			sleep = remaining
		}
		select {
		case <-b.cfg.Clock.After(sleep):
		case <-ctx.Done():
		case <-b.done:
		}
	}
}

// abandon stops waiting. If the task settled at the last moment its result
// is delivered instead of cause.
func (b *Bridge) abandon(id types.TaskID, so submitOptions, start time.Time, cause error) (any, error) {
	out, found := b.tasks.Abandon(id, b.cfg.Clock.Now())
	if found && out.Consumed {
		return b.deliver(id, so, out, start)
	}

	b.cfg.Metrics.RecordTimeout()
	b.log.Warn().
		Str("task_id", string(id)).
		Str("task", so.name).
		Str("status", string(out.Status)).
		Dur("elapsed", b.cfg.Clock.Now().Sub(start)).
		Err(cause).
		Msg("caller stopped waiting for task")
	return nil, cause
}

// deliver turns a consumed outcome into RunOnHost's return values.
func (b *Bridge) deliver(id types.TaskID, so submitOptions, out taskmanager.Outcome, start time.Time) (any, error) {
	b.cfg.Metrics.RecordWait(b.cfg.Clock.Now().Sub(start))

	switch out.Status {
	case types.StatusCompleted:
		return out.Value, nil
	case types.StatusFailed:
		return nil, out.Err
	case types.StatusCancelled:
		return nil, fmt.Errorf("%w: task %s (%s)", ErrCancelled, so.name, id)
	default:
		return nil, fmt.Errorf("%w: %w: task %s (%s)", ErrTimeout, ErrExpired, so.name, id)
	}
}

// Cancel cancels a pending task. A queued task will not run; a running one
// finishes but its caller receives ErrCancelled. Returns false for unknown,
// finished or non-cancellable tasks.
func (b *Bridge) Cancel(id types.TaskID) bool {
	ok := b.tasks.Cancel(id, b.cfg.Clock.Now())
	if ok {
		b.log.Info().Str("task_id", string(id)).Msg("task cancelled")
	} else {
		b.log.Debug().Str("task_id", string(id)).Msg("task not cancellable")
	}
	return ok
}

// ActiveTasks returns every task record with its elapsed time.
func (b *Bridge) ActiveTasks() []types.TaskInfo {
	return b.tasks.Snapshot(b.cfg.Clock.Now())
}

// Task returns the current view of one task.
func (b *Bridge) Task(id types.TaskID) (types.TaskInfo, bool) {
	return b.tasks.Info(id, b.cfg.Clock.Now())
}

// Stats returns record counts per status.
func (b *Bridge) Stats() types.Stats {
	return b.tasks.Stats()
}

// Snapshot returns the diagnostic dump written by the snapshot loop.
func (b *Bridge) Snapshot() types.SnapshotData {
	return types.SnapshotData{
		Tasks:   b.ActiveTasks(),
		Stats:   b.Stats(),
		Running: b.IsRunning(),
		TakenAt: b.cfg.Clock.Now(),
	}
}

// ============================================================================
// Typed facade
// ============================================================================

// Call runs fn on the host thread and returns its typed result.
func Call[T any](ctx context.Context, b *Bridge, fn func(ctx context.Context) (T, error), opts ...SubmitOption) (T, error) {
	var zero T
	v, err := b.RunOnHost(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)
	if err != nil || v == nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("bridge: unexpected result type %T", v)
	}
	return t, nil
}

// Bind wraps fn so every call runs on the host thread with opts applied.
func Bind[T any](b *Bridge, fn func(ctx context.Context) (T, error), opts ...SubmitOption) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Call(ctx, b, fn, opts...)
	}
}
