package hostloop

import (
	"sync"
	"time"
)

// Manual is a host whose embedder drives ticks explicitly. Tests use it to
// control exactly when the drainer runs.
type Manual struct {
	mu            sync.Mutex
	tick          func()
	interval      time.Duration
	registrations int
}

// NewManual creates a Manual host with nothing registered.
func NewManual() *Manual {
	return &Manual{}
}

// RegisterPeriodic stores tick; interval is recorded but not enforced.
func (m *Manual) RegisterPeriodic(tick func(), interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tick != nil {
		return ErrAlreadyRegistered
	}
	m.tick = tick
	m.interval = interval
	m.registrations++
	return nil
}

// UnregisterPeriodic drops the stored callback.
func (m *Manual) UnregisterPeriodic() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tick == nil {
		return ErrNotRegistered
	}
	m.tick = nil
	return nil
}

// Tick runs the registered callback on the calling goroutine. It reports
// false when nothing is registered.
func (m *Manual) Tick() bool {
	m.mu.Lock()
	tick := m.tick
	m.mu.Unlock()
	if tick == nil {
		return false
	}
	tick()
	return true
}

// Registered reports whether a callback is installed.
func (m *Manual) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick != nil
}

// Registrations counts successful RegisterPeriodic calls.
func (m *Manual) Registrations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registrations
}

// Interval returns the interval passed at registration.
func (m *Manual) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}
