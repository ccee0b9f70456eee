// ============================================================================
// hostbridge Worker - one caller goroutine
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: A worker plays a background thread that needs the host: it takes
//          tasks from the pool and blocks in RunOnHost until the host
//          thread has answered.
//
// Execution model:
//   ┌─────────────────────────────────────┐
//   │  Worker goroutine                   │
//   │  for task := range taskCh           │
//   │    ├─ bridge.RunOnHost(task.Op)     │  blocks, polling
//   │    └─ send Result to resultCh       │
//   └─────────────────────────────────────┘
//
// Timeouts belong to the bridge (WithTimeout); the worker only measures.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hostbridge/internal/bridge"
)

// Worker is a single caller goroutine
type Worker struct {
	id       int
	bridge   Submitter
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	log      zerolog.Logger
}

func newWorker(id int, b Submitter, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, log zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		bridge:   b,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		log:      log.With().Int("worker", id).Logger(),
	}
}

// Run executes tasks until taskCh is closed.
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.execute(task)

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			w.log.Debug().Str("task", task.ID).Msg("pool stopped, result dropped")
		}
	}
}

func (w *Worker) execute(task Task) Result {
	opts := []bridge.SubmitOption{
		bridge.WithName(task.Name),
		bridge.WithCancellable(task.Cancellable),
	}
	if task.Timeout > 0 {
		opts = append(opts, bridge.WithTimeout(task.Timeout))
	}

	start := time.Now()
	value, err := w.bridge.RunOnHost(context.Background(), task.Op, opts...)
	elapsed := time.Since(start)

	if err != nil {
		w.log.Debug().Str("task", task.ID).Err(err).Dur("elapsed", elapsed).Msg("host call failed")
	}
	return Result{
		TaskID:   task.ID,
		Success:  err == nil,
		Value:    value,
		Error:    err,
		Duration: elapsed,
	}
}
