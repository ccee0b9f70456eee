// ============================================================================
// hostbridge Integration Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: Whole-daemon tests through the controller
//
// Test Objectives:
//   1. verify throughput of the host thread under concurrent load
//   2. verify shutdown releases every waiting caller
//   3. verify a restarted daemon starts with an empty task table
//
// Test Environment:
//   - real host loop locked to one OS thread
//   - 8 callers, 1ms simulated host work, 10% operation failures
//   - loopback listeners on random ports
//
// Performance Baseline:
//   Theoretical throughput with 1ms work and a 2ms tick:
//   - batch of 10 per tick → at most ~10 calls per 2ms tick
//   - the target below leaves a wide margin for CI machines
//
// ============================================================================

package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hostbridge/internal/bridge"
	"github.com/ChuLiYu/hostbridge/internal/config"
	"github.com/ChuLiYu/hostbridge/internal/controller"
	"github.com/ChuLiYu/hostbridge/internal/snapshot"
	"github.com/ChuLiYu/hostbridge/internal/worker"
)

func testConfig(t testing.TB) config.Config {
	cfg := config.Default()
	cfg.Bridge.TickInterval = 2 * time.Millisecond
	cfg.Bridge.PollInterval = time.Millisecond
	cfg.Bridge.BatchSize = 10
	cfg.Bridge.DefaultTimeout = 5 * time.Second
	cfg.Snapshot.Path = filepath.Join(t.TempDir(), "active_tasks.json")
	cfg.Snapshot.Interval = 100 * time.Millisecond
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	return cfg
}

func startController(t testing.TB, cfg config.Config) *controller.Controller {
	ctrl, err := controller.NewController(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Failed to start controller: %v", err)
	}
	return ctrl
}

// TestSystemThroughput drives 500 calls from 8 callers through the daemon
func TestSystemThroughput(t *testing.T) {
	ctrl := startController(t, testConfig(t))
	defer ctrl.Stop()

	totalCalls := 500
	report, err := worker.RunBench(context.Background(), ctrl.Bridge(), worker.BenchConfig{
		Callers:     8,
		Requests:    totalCalls,
		Work:        time.Millisecond,
		FailRate:    0.1,
		Cancellable: true,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("RunBench failed: %v", err)
	}

	t.Logf("=== Performance Test Results ===")
	t.Logf("Total calls: %d", report.Total)
	t.Logf("Succeeded: %d", report.Succeeded)
	t.Logf("Failed: %d", report.Failed)
	t.Logf("Timeouts: %d", report.Timeouts)
	t.Logf("Elapsed time: %v", report.Duration)
	t.Logf("Throughput: %.2f calls/second", report.Throughput)
	t.Logf("p50=%v p95=%v p99=%v max=%v", report.P50, report.P95, report.P99, report.Max)
	t.Logf("================================")

	if report.Total != totalCalls {
		t.Fatalf("Expected %d results, got %d", totalCalls, report.Total)
	}
	if report.Succeeded+report.Failed != totalCalls {
		t.Errorf("Every call should either succeed or fail on the host: %+v", report)
	}

	expectedThroughput := 50.0
	if report.Throughput < expectedThroughput {
		t.Errorf("Throughput %.2f calls/s is below target of %.2f calls/s", report.Throughput, expectedThroughput)
	}

	if active := ctrl.GetStatus().Stats.Active(); active != 0 {
		t.Errorf("Expected no records left after the run, got %d", active)
	}
}

// TestShutdownReleasesWaitingCallers stops the daemon while callers wait
// behind an operation that holds the host thread.
func TestShutdownReleasesWaitingCallers(t *testing.T) {
	ctrl := startController(t, testConfig(t))
	b := ctrl.Bridge()

	started := make(chan struct{})
	release := make(chan struct{})
	go b.RunOnHost(context.Background(), func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, bridge.WithName("blocker"))
	<-started

	const waiting = 5
	var wg sync.WaitGroup
	errs := make(chan error, waiting)
	for i := 0; i < waiting; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.RunOnHost(context.Background(), func(context.Context) (any, error) {
				return "ran", nil
			}, bridge.WithName("queued"))
			errs <- err
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Stats().Queued < waiting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := b.Stats().Queued; got != waiting {
		t.Fatalf("Expected %d queued tasks, got %d", waiting, got)
	}

	time.AfterFunc(200*time.Millisecond, func() { close(release) })
	ctrl.Stop()
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, bridge.ErrBridgeShutdown) {
			t.Errorf("Waiting caller got %v, want ErrBridgeShutdown", err)
		}
	}
}

// TestRestartStartsClean checks that a second daemon on the same snapshot
// path starts with no records and overwrites the old dump.
func TestRestartStartsClean(t *testing.T) {
	cfg := testConfig(t)

	first := startController(t, cfg)
	if _, err := first.Bridge().RunOnHost(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("RunOnHost failed: %v", err)
	}
	first.Stop()

	manager := snapshot.NewManager(cfg.Snapshot.Path)
	before, err := manager.Load()
	if err != nil {
		t.Fatalf("Failed to load final snapshot: %v", err)
	}

	restartStart := time.Now()
	second := startController(t, cfg)
	defer second.Stop()
	t.Logf("Restart time: %v", time.Since(restartStart))

	if active := second.GetStatus().Stats.Active(); active != 0 {
		t.Errorf("Restarted daemon should start empty, got %d records", active)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		after, err := manager.Load()
		if err == nil && after.TakenAt.After(before.TakenAt) && after.Running {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Restarted daemon never replaced the snapshot")
}
