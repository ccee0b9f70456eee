package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hostbridge/internal/metrics"
)

// Host is the embedding application's periodic-callback mechanism. The
// bridge relies on tick being called "eventually, repeatedly" and never
// calls it itself.
type Host interface {
	RegisterPeriodic(tick func(), interval time.Duration) error
	UnregisterPeriodic() error
}

// Clock supplies monotonic time readings and timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                        { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Defaults
const (
	DefaultTimeout           = 30 * time.Second
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultTickInterval      = 100 * time.Millisecond
	DefaultBatchSize         = 5
	DefaultGracePeriod       = 30 * time.Second
	DefaultStallRatio        = 0.8
	DefaultHighWaterMark     = 50
	DefaultSlowTickThreshold = 100 * time.Millisecond
)

// Config configures a Bridge
type Config struct {
	DefaultTimeout    time.Duration // caller budget when WithTimeout is not given
	PollInterval      time.Duration // how often a waiting caller checks its result
	TickInterval      time.Duration // period requested from the host
	BatchSize         int           // max tasks executed per tick
	GracePeriod       time.Duration // slack before the janitor expires or drops records
	MaxQueue          int           // bound on queued tasks, 0 = unbounded
	StallRatio        float64       // fraction of timeout after which a task is reported stalled
	HighWaterMark     int           // active record count that triggers a leak warning
	SlowTickThreshold time.Duration // drain duration that triggers a warning

	Host    Host               // required
	Clock   Clock              // nil = system clock
	Metrics *metrics.Collector // nil = no metrics
	Logger  *zerolog.Logger    // nil = discard
}

// DefaultConfig returns the standard tuning with the given host.
func DefaultConfig(host Host) Config {
	return Config{
		DefaultTimeout:    DefaultTimeout,
		PollInterval:      DefaultPollInterval,
		TickInterval:      DefaultTickInterval,
		BatchSize:         DefaultBatchSize,
		GracePeriod:       DefaultGracePeriod,
		StallRatio:        DefaultStallRatio,
		HighWaterMark:     DefaultHighWaterMark,
		SlowTickThreshold: DefaultSlowTickThreshold,
		Host:              host,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.StallRatio == 0 {
		c.StallRatio = DefaultStallRatio
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = DefaultHighWaterMark
	}
	if c.SlowTickThreshold == 0 {
		c.SlowTickThreshold = DefaultSlowTickThreshold
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	return c
}

func (c Config) validate() error {
	if c.Host == nil {
		return ErrNoHost
	}
	var errs []error
	if c.DefaultTimeout < 0 {
		errs = append(errs, fmt.Errorf("default timeout must be positive, got %s", c.DefaultTimeout))
	}
	if c.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.TickInterval < 0 {
		errs = append(errs, fmt.Errorf("tick interval must be positive, got %s", c.TickInterval))
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace period must not be negative, got %s", c.GracePeriod))
	}
	if c.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("max queue must not be negative, got %d", c.MaxQueue))
	}
	return errors.Join(errs...)
}

// SubmitOption adjusts a single RunOnHost call
type SubmitOption func(*submitOptions)

type submitOptions struct {
	timeout     time.Duration
	cancellable bool
	name        string
}

// WithTimeout sets the caller's budget. Non-positive values keep the default.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithCancellable controls whether a timed-out task may be abandoned.
// Non-cancellable callers keep waiting past the timeout, up to timeout plus
// the grace period.
func WithCancellable(cancellable bool) SubmitOption {
	return func(o *submitOptions) {
		o.cancellable = cancellable
	}
}

// WithName labels the task in logs, metrics and ActiveTasks.
func WithName(name string) SubmitOption {
	return func(o *submitOptions) {
		o.name = name
	}
}
