// ============================================================================
// hostbridge Host Loop - single-threaded periodic callback driver
// ============================================================================
//
// Package: internal/hostloop
// File: loop.go
// Purpose: Stands in for the embedding application's event loop. One
//          goroutine, locked to its OS thread, owns every piece of host state
//          and runs:
//            - the periodic callback registered through RegisterPeriodic
//            - closures handed to Post, in submission order
//
// Execution model:
//   ┌──────────────────────────────────────────┐
//   │  Host goroutine (runtime.LockOSThread)   │
//   │  for {                                   │
//   │    select {                              │
//   │      stopCh   → return                   │
//   │      regCh    → rebuild ticker           │
//   │      posts    → run closure              │
//   │      ticker.C → run periodic callback    │
//   │    }                                     │
//   │  }                                       │
//   └──────────────────────────────────────────┘
//
// The loop gives no timing guarantee beyond "eventually, repeatedly": a
// slow callback delays the next tick, and missed ticks are not replayed.
//
// ============================================================================

package hostloop

import (
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrLoopStopped is returned when the loop no longer runs callbacks
	ErrLoopStopped = errors.New("host loop is stopped")
	// ErrLoopNotStarted is returned when posting to a loop that never started
	ErrLoopNotStarted = errors.New("host loop not started")
	// ErrLoopAlreadyStarted is returned by a second Start
	ErrLoopAlreadyStarted = errors.New("host loop already started")
	// ErrAlreadyRegistered is returned when a periodic callback is already set
	ErrAlreadyRegistered = errors.New("periodic callback already registered")
	// ErrNotRegistered is returned when unregistering with nothing registered
	ErrNotRegistered = errors.New("no periodic callback registered")
	// ErrInvalidInterval is returned for non-positive intervals
	ErrInvalidInterval = errors.New("interval must be positive")
)

// ============================================================================
// Data structures
// ============================================================================

// Loop is a host event loop running on a dedicated OS thread
type Loop struct {
	mu       sync.Mutex
	tick     func()        // periodic callback, nil when unregistered
	interval time.Duration // period of tick

	posts  chan func()   // closures to run on the host goroutine
	regCh  chan struct{} // registration changed
	stopCh chan struct{} // closed by Stop
	done   chan struct{} // closed when run returns

	started bool
	stopped bool

	ticks atomic.Uint64
	log   zerolog.Logger
}

// New creates a loop. postBuffer bounds how many posted closures may wait.
func New(postBuffer int, log zerolog.Logger) *Loop {
	if postBuffer < 0 {
		postBuffer = 0
	}
	return &Loop{
		posts:  make(chan func(), postBuffer),
		regCh:  make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		log:    log.With().Str("component", "hostloop").Logger(),
	}
}

// Start launches the host goroutine.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrLoopStopped
	}
	if l.started {
		return ErrLoopAlreadyStarted
	}
	l.started = true
	go l.run()
	return nil
}

// Stop ends the host goroutine after the callback in progress returns.
// Closures still waiting in the post buffer are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	started := l.started
	l.mu.Unlock()

	close(l.stopCh)
	if started {
		<-l.done
	}
	l.log.Info().Uint64("ticks", l.ticks.Load()).Msg("host loop stopped")
}

// RegisterPeriodic installs tick to be called every interval on the host
// goroutine. Only one callback may be registered at a time.
func (l *Loop) RegisterPeriodic(tick func(), interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	if l.tick != nil {
		l.mu.Unlock()
		return ErrAlreadyRegistered
	}
	l.tick = tick
	l.interval = interval
	l.mu.Unlock()

	l.notify()
	return nil
}

// UnregisterPeriodic removes the periodic callback. A tick already running
// completes; no further ticks start.
func (l *Loop) UnregisterPeriodic() error {
	l.mu.Lock()
	if l.tick == nil {
		l.mu.Unlock()
		return ErrNotRegistered
	}
	l.tick = nil
	l.mu.Unlock()

	l.notify()
	return nil
}

// Post queues fn to run on the host goroutine in submission order.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	started, stopped := l.started, l.stopped
	l.mu.Unlock()

	if stopped {
		return ErrLoopStopped
	}
	if !started {
		return ErrLoopNotStarted
	}

	select {
	case l.posts <- fn:
		return nil
	case <-l.stopCh:
		return ErrLoopStopped
	}
}

// Ticks returns how many periodic callbacks have run.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}

func (l *Loop) notify() {
	select {
	case l.regCh <- struct{}{}:
	default:
	}
}

// run is the host goroutine.
func (l *Loop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	var ticker *time.Ticker
	var tickC <-chan time.Time

	reset := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
		l.mu.Lock()
		registered, interval := l.tick != nil, l.interval
		l.mu.Unlock()
		if registered {
			ticker = time.NewTicker(interval)
			tickC = ticker.C
		}
	}
	reset()
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	l.log.Info().Msg("host loop started")

	for {
		select {
		case <-l.stopCh:
			return

		case <-l.regCh:
			reset()

		case fn := <-l.posts:
			l.safeRun("post", fn)

		case <-tickC:
			l.mu.Lock()
			tick := l.tick
			l.mu.Unlock()
			if tick != nil {
				l.safeRun("tick", tick)
				l.ticks.Add(1)
			}
		}
	}
}

// safeRun keeps a panicking callback from killing the host goroutine.
func (l *Loop) safeRun(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().
				Str("kind", kind).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("host callback panicked")
		}
	}()
	fn()
}
