package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/hostbridge/pkg/types"
)

// Tick is the periodic callback registered with the host. It drains one
// batch and then sweeps. It never returns an error and never panics.
func (b *Bridge) Tick() {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()

	if b.isShutdown() {
		return
	}

	start := b.cfg.Clock.Now()
	b.drain()
	b.sweep()
	elapsed := b.cfg.Clock.Now().Sub(start)

	b.cfg.Metrics.RecordTick(elapsed)
	stats := b.tasks.Stats()
	b.cfg.Metrics.UpdateQueueStats(stats.QueueLen, stats.Active())
}

// Drain executes up to BatchSize queued tasks on the calling goroutine and
// returns how many ran. Tick calls it; tests and hosts that drive the bridge
// by hand may call it directly, always from the host thread. It returns 0
// without draining while a tick or another drain is in progress, which
// includes calls made from inside an operation.
func (b *Bridge) Drain() int {
	if !b.tickMu.TryLock() {
		return 0
	}
	defer b.tickMu.Unlock()
	return b.drain()
}

func (b *Bridge) drain() int {
	batch := b.tasks.PopQueued(b.cfg.BatchSize, b.cfg.Clock.Now())
	if len(batch) == 0 {
		return 0
	}

	start := b.cfg.Clock.Now()
	var slowest time.Duration
	var slowestName string

	for _, d := range batch {
		execStart := b.cfg.Clock.Now()
		value, err := b.invoke(b.hostCtx, d.ID, d.Name, d.Op)
		execTime := b.cfg.Clock.Now().Sub(execStart)

		b.cfg.Metrics.RecordExecution(execTime, err != nil)
		if execTime > slowest {
			slowest, slowestName = execTime, d.Name
			if slowestName == "" {
				slowestName = string(d.ID)
			}
		}

		now := b.cfg.Clock.Now()
		var stored bool
		if err != nil {
			stored = b.tasks.Fail(d.ID, err, now)
			b.log.Debug().Str("task_id", string(d.ID)).Str("task", d.Name).Err(err).Msg("task failed")
		} else {
			stored = b.tasks.Complete(d.ID, value, now)
		}
		if !stored {
			b.log.Debug().
				Str("task_id", string(d.ID)).
				Str("task", d.Name).
				Msg("result dropped, task no longer waiting")
		}
	}

	if total := b.cfg.Clock.Now().Sub(start); total > b.cfg.SlowTickThreshold {
		b.log.Warn().
			Int("tasks", len(batch)).
			Dur("duration", total).
			Str("slowest", slowestName).
			Dur("slowest_duration", slowest).
			Msg("slow drain blocked host loop")
	}
	return len(batch)
}

// invoke runs op and converts a returned error or a panic into a
// *HostExecutionError.
func (b *Bridge) invoke(ctx context.Context, id types.TaskID, name string, op Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr, ok := r.(error)
			if !ok {
				perr = fmt.Errorf("panic: %v", r)
			}
			stack := debug.Stack()
			b.log.Error().
				Str("task_id", string(id)).
				Str("task", name).
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("operation panicked on host thread")
			value, err = nil, newHostExecutionError(id, name, perr, stack)
		}
	}()

	value, err = op(ctx)
	if err != nil {
		return nil, newHostExecutionError(id, name, err, nil)
	}
	return value, nil
}
