package bridge

import (
	"time"
)

// SweepStats summarizes one janitor pass
type SweepStats struct {
	Active    int // records held before the pass
	Cancelled int
	Expired   int
	Orphaned  int
	Stalled   int
	Duration  time.Duration
}

// Removed returns how many records the pass reclaimed.
func (s SweepStats) Removed() int {
	return s.Cancelled + s.Expired + s.Orphaned
}

// Sweep reclaims cancelled, expired and orphaned records. Tick runs it after
// every drain. Like Drain it returns a zero SweepStats while a tick is in
// progress.
func (b *Bridge) Sweep() SweepStats {
	if !b.tickMu.TryLock() {
		return SweepStats{}
	}
	defer b.tickMu.Unlock()
	return b.sweep()
}

func (b *Bridge) sweep() SweepStats {
	start := b.cfg.Clock.Now()
	res := b.tasks.Sweep(start, b.cfg.GracePeriod, b.cfg.StallRatio)

	for _, info := range res.Cancelled {
		b.log.Info().
			Str("task_id", string(info.ID)).
			Str("task", info.Name).
			Dur("elapsed", info.Elapsed).
			Msg("reclaimed cancelled task")
	}
	for _, info := range res.Expired {
		b.log.Warn().
			Str("task_id", string(info.ID)).
			Str("task", info.Name).
			Dur("elapsed", info.Elapsed).
			Dur("timeout", info.Timeout).
			Msg("task expired without completing")
	}
	for _, info := range res.Orphaned {
		b.log.Debug().
			Str("task_id", string(info.ID)).
			Str("task", info.Name).
			Str("status", string(info.Status)).
			Msg("dropped unconsumed result")
	}
	for _, info := range res.Stalled {
		b.log.Debug().
			Str("task_id", string(info.ID)).
			Str("task", info.Name).
			Str("status", string(info.Status)).
			Dur("elapsed", info.Elapsed).
			Dur("timeout", info.Timeout).
			Msg("task close to its timeout")
	}

	stats := SweepStats{
		Active:    res.Active,
		Cancelled: len(res.Cancelled),
		Expired:   len(res.Expired),
		Orphaned:  len(res.Orphaned),
		Stalled:   len(res.Stalled),
		Duration:  b.cfg.Clock.Now().Sub(start),
	}

	if remaining := res.Active - stats.Removed(); remaining > b.cfg.HighWaterMark {
		b.log.Warn().
			Int("active", remaining).
			Int("high_water_mark", b.cfg.HighWaterMark).
			Msg("task records above high water mark, possible leak")
	}

	b.cfg.Metrics.RecordSweep(stats.Cancelled, stats.Expired, stats.Orphaned)
	return stats
}
