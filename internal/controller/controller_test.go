package controller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/hostbridge/internal/bridge"
	"github.com/ChuLiYu/hostbridge/internal/config"
	"github.com/ChuLiYu/hostbridge/internal/server"
	"github.com/ChuLiYu/hostbridge/internal/snapshot"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// createTestController builds a controller on loopback ports with fast ticks
func createTestController(t *testing.T) (*Controller, string) {
	t.Helper()

	tmpDir := t.TempDir()
	cfg := config.Default()
	cfg.Bridge.TickInterval = 5 * time.Millisecond
	cfg.Bridge.PollInterval = 2 * time.Millisecond
	cfg.Bridge.DefaultTimeout = 2 * time.Second
	cfg.Snapshot.Path = filepath.Join(tmpDir, "active_tasks.json")
	cfg.Snapshot.Interval = 20 * time.Millisecond
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"

	controller, err := NewController(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create Controller: %v", err)
	}
	t.Cleanup(controller.Stop)

	return controller, tmpDir
}

// waitFor polls checkFunc until it returns true or timeout elapses
func waitFor(t *testing.T, checkFunc func() bool, timeout time.Duration) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if checkFunc() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewController tests Controller initialization
func TestNewController(t *testing.T) {
	controller, _ := createTestController(t)

	if controller.bridge == nil {
		t.Error("Bridge not initialized")
	}
	if controller.loop == nil {
		t.Error("Host loop not initialized")
	}
	if controller.snapshot == nil {
		t.Error("Snapshot Manager not initialized")
	}
	if controller.http == nil {
		t.Error("HTTP server not initialized")
	}
	if controller.grpc == nil {
		t.Error("gRPC server not initialized")
	}
	if controller.Bridge().IsRunning() {
		t.Error("Bridge should not run before Start")
	}
}

// TestNewControllerWithInvalidConfig tests initialization with bad tuning
func TestNewControllerWithInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.BatchSize = 0

	if _, err := NewController(cfg, zerolog.Nop()); err == nil {
		t.Error("Should return error with zero batch size")
	}
}

// TestOptionalComponents tests disabling snapshot, HTTP and gRPC
func TestOptionalComponents(t *testing.T) {
	cfg := config.Default()
	cfg.Snapshot.Enabled = false
	cfg.HTTP.Enabled = false
	cfg.GRPC.Enabled = false

	controller, err := NewController(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer controller.Stop()

	if controller.snapshot != nil || controller.http != nil || controller.grpc != nil {
		t.Error("Disabled components should not be created")
	}
	if err := controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	v, err := controller.Bridge().RunOnHost(context.Background(), func(context.Context) (any, error) {
		return "pong", nil
	})
	if err != nil || v != "pong" {
		t.Errorf("RunOnHost = %v, %v; want pong", v, err)
	}
}

// TestStart tests Controller startup
func TestStart(t *testing.T) {
	controller, _ := createTestController(t)

	if err := controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := controller.Start(); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	if controller.startTime.IsZero() {
		t.Error("Start time not set")
	}
	if !controller.Bridge().IsRunning() {
		t.Error("Bridge should be running after Start")
	}
	if !waitFor(t, func() bool { return controller.Loop().Ticks() > 0 }, time.Second) {
		t.Error("Host loop never ticked")
	}
}

// TestBusyPort tests that Start fails fast when a port is taken
func TestBusyPort(t *testing.T) {
	first, _ := createTestController(t)
	if err := first.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cfg := config.Default()
	cfg.Snapshot.Enabled = false
	cfg.GRPC.Enabled = false
	cfg.HTTP.Addr = first.GetStatus().HTTPAddr

	second, err := NewController(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer second.Stop()

	if err := second.Start(); err == nil {
		t.Error("Start should fail on a busy port")
	}
}

// ============================================================================
// Workflow Tests
// ============================================================================

// TestBasicWorkflow runs host calls from many goroutines through the daemon
func TestBasicWorkflow(t *testing.T) {
	controller, _ := createTestController(t)
	if err := controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	b := controller.Bridge()
	const callers = 20

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := bridge.Call(context.Background(), b, func(context.Context) (string, error) {
				return fmt.Sprintf("object-%d", i), nil
			}, bridge.WithName("lookup"))
			if err != nil {
				errs <- err
				return
			}
			if got != fmt.Sprintf("object-%d", i) {
				errs <- fmt.Errorf("caller %d got %q", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	status := controller.GetStatus()
	if status.Stats.Active() != 0 {
		t.Errorf("active records = %d, want 0", status.Stats.Active())
	}
}

// TestGetStatus tests status query
func TestGetStatus(t *testing.T) {
	controller, _ := createTestController(t)
	if err := controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	status := controller.GetStatus()
	if !status.Running {
		t.Error("status should report running")
	}
	if status.Uptime <= 0 {
		t.Error("uptime should be positive")
	}
	if status.HTTPAddr == "" || status.GRPCAddr == "" {
		t.Errorf("listener addresses missing: %+v", status)
	}
}

// TestHTTPEndpoints checks the HTTP surface of a running daemon
func TestHTTPEndpoints(t *testing.T) {
	controller, _ := createTestController(t)
	if err := controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	base := "http://" + controller.GetStatus().HTTPAddr

	resp, err := http.Post(base+"/debug/ping", "application/json", nil)
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ping status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !containsAll(string(body), "hostbridge_ticks_total", "go_goroutines") {
		t.Error("metrics output missing bridge or runtime metrics")
	}
}

// TestGRPCHealth checks the health service of a running daemon
func TestGRPCHealth(t *testing.T) {
	controller, _ := createTestController(t)
	if err := controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := server.CheckHealth(ctx, controller.GetStatus().GRPCAddr, server.BridgeService)
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health = %s, want SERVING", resp.GetStatus())
	}
}

// TestSnapshotCreation checks the periodic dump
func TestSnapshotCreation(t *testing.T) {
	controller, tmpDir := createTestController(t)
	if err := controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	manager := snapshot.NewManager(filepath.Join(tmpDir, "active_tasks.json"))
	if !waitFor(t, manager.Exists, 2*time.Second) {
		t.Fatal("snapshot file was never written")
	}

	data, err := manager.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !data.Running {
		t.Error("snapshot should record a running bridge")
	}
}

// ============================================================================
// Shutdown Tests
// ============================================================================

// TestStop tests graceful shutdown
func TestStop(t *testing.T) {
	controller, tmpDir := createTestController(t)
	if err := controller.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	controller.Stop()
	controller.Stop()

	if controller.Bridge().IsRunning() {
		t.Error("Bridge should not run after Stop")
	}

	_, err := controller.Bridge().RunOnHost(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	})
	if err != bridge.ErrBridgeShutdown {
		t.Errorf("RunOnHost after Stop = %v, want ErrBridgeShutdown", err)
	}

	data, err := snapshot.NewManager(filepath.Join(tmpDir, "active_tasks.json")).Load()
	if err != nil {
		t.Fatalf("final snapshot missing: %v", err)
	}
	if data.SchemaVer != snapshot.SchemaVersion {
		t.Errorf("SchemaVer = %d, want %d", data.SchemaVer, snapshot.SchemaVersion)
	}

	if err := controller.Start(); err != ErrStopped {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

// TestStopBeforeStart tests stopping a controller that never ran
func TestStopBeforeStart(t *testing.T) {
	controller, _ := createTestController(t)
	controller.Stop()

	if err := controller.Start(); err != ErrStopped {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
