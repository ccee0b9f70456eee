// ============================================================================
// hostbridge Worker Pool - concurrent host callers
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Runs N caller goroutines that all funnel work into one bridge.
//          The bench command uses it to load the host thread the way a
//          busy server would.
//
// Architecture:
//
//   Submit() ──→ taskCh ──→ ┌──────────┐
//                           │ Worker 1 │──┐
//                           │ Worker 2 │──┼──→ bridge.RunOnHost ──→ host thread
//                           │ Worker N │──┘
//                           └──────────┘
//                                │
//                   resultCh ←───┘ ──→ ReceiveResult()
//
// Lifecycle:
//   1. NewPool()       create channels
//   2. Start(n)        launch n workers
//   3. Submit(task)    queue a call
//   4. ReceiveResult() collect outcomes
//   5. Stop()          close taskCh, wait for workers, close resultCh
//
// Submit holds a read lock while sending so Stop cannot close taskCh under
// it; Stop closes stopCh first to release any blocked Submit.
//
// ============================================================================

package worker

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrPoolClosed is returned once Stop has been called
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool manages the caller goroutines
type Pool struct {
	bridge   Submitter
	log      zerolog.Logger
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.RWMutex // guards started, stopped and sends on taskCh
	started bool
	stopped bool
}

// NewPool creates a pool whose task and result channels hold bufferSize
// entries.
func NewPool(b Submitter, bufferSize int, log zerolog.Logger) *Pool {
	return &Pool{
		bridge:   b,
		log:      log.With().Str("component", "worker_pool").Logger(),
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.bridge, p.taskCh, p.resultCh, p.stopCh, p.log)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.log.Debug().Int("workers", workerCount).Msg("worker pool started")
	return nil
}

// Submit queues task, blocking while the task channel is full.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult returns the next result, or ErrPoolClosed once the pool has
// stopped and every result has been read.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop stops accepting tasks, lets workers finish the tasks already queued
// and closes the result channel.
func (p *Pool) Stop() {
	p.mu.RLock()
	active := p.started && !p.stopped
	p.mu.RUnlock()
	if !active {
		return
	}

	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
	p.log.Debug().Msg("worker pool stopped")
}

// Drain closes the task channel without stopCh, so every queued task is
// executed and every result delivered. Callers read results until
// ReceiveResult returns ErrPoolClosed.
func (p *Pool) Drain() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	go func() {
		p.wg.Wait()
		close(p.resultCh)
		p.stopOnce.Do(func() { close(p.stopCh) })
	}()
}

// GetWorkerCount returns the number of workers started.
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
