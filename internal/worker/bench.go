package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hostbridge/internal/bridge"
)

// BenchConfig describes a load run
type BenchConfig struct {
	Callers     int           // concurrent caller goroutines
	Requests    int           // total host calls
	Work        time.Duration // simulated host-thread work per call
	FailRate    float64       // fraction of calls whose operation returns an error
	Timeout     time.Duration // per-call budget, 0 = bridge default
	Cancellable bool
}

// BenchReport summarizes a load run
type BenchReport struct {
	Total      int
	Succeeded  int
	Failed     int // operation errors
	Timeouts   int
	Other      int // shutdown, overflow, cancellation
	Duration   time.Duration
	Throughput float64 // calls per second
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Max        time.Duration
}

var errSimulated = errors.New("simulated host failure")

// RunBench drives cfg.Requests calls through b with cfg.Callers workers and
// reports latency percentiles. It stops submitting when ctx is done.
func RunBench(ctx context.Context, b Submitter, cfg BenchConfig, log zerolog.Logger) (BenchReport, error) {
	if cfg.Callers <= 0 || cfg.Requests <= 0 {
		return BenchReport{}, fmt.Errorf("callers and requests must be positive, got %d and %d", cfg.Callers, cfg.Requests)
	}

	pool := NewPool(b, cfg.Callers*2, log)
	if err := pool.Start(cfg.Callers); err != nil {
		return BenchReport{}, err
	}

	start := time.Now()
	go func() {
		defer pool.Drain()
		for i := 0; i < cfg.Requests; i++ {
			if ctx.Err() != nil {
				return
			}
			fail := cfg.FailRate > 0 && rand.Float64() < cfg.FailRate
			task := Task{
				ID:          uuid.NewString(),
				Name:        "bench",
				Op:          simulatedWork(cfg.Work, fail),
				Timeout:     cfg.Timeout,
				Cancellable: cfg.Cancellable,
			}
			if err := pool.Submit(task); err != nil {
				return
			}
		}
	}()

	var report BenchReport
	latencies := make([]time.Duration, 0, cfg.Requests)
	for {
		result, err := pool.ReceiveResult()
		if err != nil {
			break
		}
		report.Total++
		latencies = append(latencies, result.Duration)

		var hostErr *bridge.HostExecutionError
		switch {
		case result.Success:
			report.Succeeded++
		case errors.As(result.Error, &hostErr):
			report.Failed++
		case errors.Is(result.Error, bridge.ErrTimeout):
			report.Timeouts++
		default:
			report.Other++
		}
	}

	report.Duration = time.Since(start)
	if report.Duration > 0 {
		report.Throughput = float64(report.Total) / report.Duration.Seconds()
	}
	report.P50, report.P95, report.P99, report.Max = percentiles(latencies)
	return report, nil
}

func simulatedWork(d time.Duration, fail bool) bridge.Operation {
	return func(ctx context.Context) (any, error) {
		if d > 0 {
			time.Sleep(d)
		}
		if fail {
			return nil, errSimulated
		}
		return d, nil
	}
}

func percentiles(samples []time.Duration) (p50, p95, p99, max time.Duration) {
	if len(samples) == 0 {
		return
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	at := func(q float64) time.Duration {
		idx := int(q * float64(len(samples)-1))
		return samples[idx]
	}
	return at(0.50), at(0.95), at(0.99), samples[len(samples)-1]
}
