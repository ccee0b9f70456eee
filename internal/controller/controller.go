// ============================================================================
// hostbridge Controller - daemon coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Owns every long-lived component of the daemon and starts and
//          stops them in order.
//
// Components:
//   - hostloop.Loop:    the host thread, locked to one OS thread
//   - bridge.Bridge:    caller API, drainer and janitor on the host tick
//   - snapshot.Manager: periodic active-task dump
//   - httpapi.Server:   /metrics, /healthz, /debug/*
//   - server.Server:    gRPC health
//
// Background loops (loopWg):
//   1. Snapshot loop - dump ActiveTasks every Snapshot.Interval
//   2. Health loop   - copy bridge state into gRPC health
//   3. HTTP server
//   4. gRPC server
//
// Startup:
//   listen (fail fast on busy ports) → loop.Start → bridge.Initialize → loops
//
// Shutdown order:
//   1. cancel ctx        → snapshot loop writes a final dump, HTTP drains
//   2. gRPC GracefulStop
//   3. loopWg.Wait()
//   4. bridge.Shutdown() → waiting callers get ErrBridgeShutdown
//   5. loop.Stop()       → host thread exits
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hostbridge/internal/bridge"
	"github.com/ChuLiYu/hostbridge/internal/config"
	"github.com/ChuLiYu/hostbridge/internal/hostloop"
	"github.com/ChuLiYu/hostbridge/internal/httpapi"
	"github.com/ChuLiYu/hostbridge/internal/metrics"
	"github.com/ChuLiYu/hostbridge/internal/server"
	"github.com/ChuLiYu/hostbridge/internal/snapshot"
	"github.com/ChuLiYu/hostbridge/pkg/types"
)

// healthInterval is how often bridge state is copied into gRPC health
const healthInterval = time.Second

var (
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrStopped is returned by Start after Stop
	ErrStopped = errors.New("controller stopped")
)

// Status is a point-in-time summary of the daemon
type Status struct {
	Uptime    time.Duration
	Running   bool
	Stats     types.Stats
	HostTicks uint64
	HTTPAddr  string
	GRPCAddr  string
}

// Controller wires and runs the daemon
type Controller struct {
	cfg      config.Config
	log      zerolog.Logger
	registry *prometheus.Registry

	loop     *hostloop.Loop
	bridge   *bridge.Bridge
	snapshot *snapshot.Manager
	http     *httpapi.Server
	grpc     *server.Server

	httpLis net.Listener
	grpcLis net.Listener

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
}

// NewController builds every component from cfg. Nothing runs until Start.
func NewController(cfg config.Config, log zerolog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	loop := hostloop.New(cfg.Host.PostBuffer, log)

	bcfg := BridgeConfig(cfg.Bridge, loop)
	bcfg.Metrics = metrics.NewCollector(registry)
	bcfg.Logger = &log

	b, err := bridge.New(bcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	c := &Controller{
		cfg:      cfg,
		log:      log.With().Str("component", "controller").Logger(),
		registry: registry,
		loop:     loop,
		bridge:   b,
	}
	if cfg.Snapshot.Enabled {
		c.snapshot = snapshot.NewManager(cfg.Snapshot.Path)
	}
	if cfg.HTTP.Enabled {
		c.http = httpapi.NewServer(b, registry, log)
	}
	if cfg.GRPC.Enabled {
		c.grpc = server.NewServer(b, log)
	}
	return c, nil
}

// BridgeConfig maps the file configuration onto a bridge.Config for host.
func BridgeConfig(cfg config.Bridge, host bridge.Host) bridge.Config {
	bcfg := bridge.DefaultConfig(host)
	bcfg.DefaultTimeout = cfg.DefaultTimeout
	bcfg.PollInterval = cfg.PollInterval
	bcfg.TickInterval = cfg.TickInterval
	bcfg.BatchSize = cfg.BatchSize
	bcfg.GracePeriod = cfg.GracePeriod
	bcfg.MaxQueue = cfg.MaxQueue
	bcfg.StallRatio = cfg.StallRatio
	bcfg.HighWaterMark = cfg.HighWaterMark
	bcfg.SlowTickThreshold = cfg.SlowTickThreshold
	return bcfg
}

// Start opens the listeners, starts the host thread and the bridge, and
// launches the background loops.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}

	if err := c.listen(); err != nil {
		return err
	}

	if err := c.loop.Start(); err != nil {
		c.closeListeners()
		return fmt.Errorf("failed to start host loop: %w", err)
	}
	if err := c.bridge.Initialize(); err != nil {
		c.loop.Stop()
		c.closeListeners()
		return fmt.Errorf("failed to initialize bridge: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.startTime = time.Now()
	c.started = true

	if c.snapshot != nil {
		c.loopWg.Add(1)
		go func() {
			defer c.loopWg.Done()
			c.snapshot.Run(ctx, c.bridge, c.cfg.Snapshot.Interval, c.log)
		}()
	}

	if c.http != nil {
		c.loopWg.Add(1)
		go func() {
			defer c.loopWg.Done()
			if err := c.http.Serve(ctx, c.httpLis); err != nil {
				c.log.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	if c.grpc != nil {
		c.grpc.Sync()
		c.loopWg.Add(2)
		go func() {
			defer c.loopWg.Done()
			c.grpc.Watch(ctx, healthInterval)
		}()
		go func() {
			defer c.loopWg.Done()
			if err := c.grpc.Serve(c.grpcLis); err != nil {
				c.log.Error().Err(err).Msg("gRPC server failed")
			}
		}()
	}

	c.log.Info().
		Dur("tick_interval", c.cfg.Bridge.TickInterval).
		Int("batch_size", c.cfg.Bridge.BatchSize).
		Bool("snapshot", c.snapshot != nil).
		Msg("controller started")
	return nil
}

func (c *Controller) listen() error {
	if c.http != nil {
		lis, err := net.Listen("tcp", c.cfg.HTTP.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", c.cfg.HTTP.Addr, err)
		}
		c.httpLis = lis
	}
	if c.grpc != nil {
		lis, err := net.Listen("tcp", c.cfg.GRPC.Addr)
		if err != nil {
			c.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", c.cfg.GRPC.Addr, err)
		}
		c.grpcLis = lis
	}
	return nil
}

func (c *Controller) closeListeners() {
	if c.httpLis != nil {
		c.httpLis.Close()
	}
	if c.grpcLis != nil {
		c.grpcLis.Close()
	}
}

// Bridge returns the bridge so embedded callers can submit work.
func (c *Controller) Bridge() *bridge.Bridge {
	return c.bridge
}

// Loop returns the host loop.
func (c *Controller) Loop() *hostloop.Loop {
	return c.loop
}

// Registry returns the Prometheus registry the daemon exposes.
func (c *Controller) Registry() *prometheus.Registry {
	return c.registry
}

// GetStatus summarizes the daemon.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Running:   c.bridge.IsRunning(),
		Stats:     c.bridge.Stats(),
		HostTicks: c.loop.Ticks(),
	}
	if c.started {
		st.Uptime = time.Since(c.startTime)
	}
	if c.httpLis != nil {
		st.HTTPAddr = c.httpLis.Addr().String()
	}
	if c.grpcLis != nil {
		st.GRPCAddr = c.grpcLis.Addr().String()
	}
	return st
}

// Stop shuts everything down in reverse order. Calling it again is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Debug().Msg("controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if !started {
		_ = c.bridge.Shutdown()
		return
	}

	c.log.Info().Msg("stopping controller")

	c.cancel()
	if c.grpc != nil {
		c.grpc.Stop()
	}
	c.loopWg.Wait()

	if err := c.bridge.Shutdown(); err != nil {
		c.log.Error().Err(err).Msg("bridge shutdown reported an error")
	}
	c.loop.Stop()

	c.log.Info().Msg("controller stopped")
}
