// ============================================================================
// hostbridge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the daemon and its tooling
//
// Command Structure:
//   hostbridge                     # Root command
//   ├── run                        # Start the daemon
//   ├── bench                      # Drive load through an in-process bridge
//   │   ├── --callers             # Concurrent caller goroutines
//   │   ├── --requests            # Total host calls
//   │   ├── --work                # Simulated work per call
//   │   ├── --fail-rate           # Fraction of failing operations
//   │   ├── --timeout             # Per-call budget
//   │   └── --non-cancellable     # Submit non-cancellable tasks
//   ├── status                     # Show the last active-task snapshot
//   │   ├── --snapshot            # Override the snapshot path
//   │   └── --grpc                # Query a running daemon's health
//   ├── --config, -c              # YAML config (default: configs/default.yaml)
//   ├── --env-file                # dotenv file applied before HOSTBRIDGE_* vars
//   └── --version
//
// Signal Handling:
//   run stops on SIGINT or SIGTERM:
//   1. Stop accepting HTTP/gRPC requests
//   2. Write a final snapshot
//   3. Shut the bridge down (waiting callers get ErrBridgeShutdown)
//   4. Stop the host thread
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ChuLiYu/hostbridge/internal/bridge"
	"github.com/ChuLiYu/hostbridge/internal/config"
	"github.com/ChuLiYu/hostbridge/internal/controller"
	"github.com/ChuLiYu/hostbridge/internal/hostloop"
	"github.com/ChuLiYu/hostbridge/internal/logging"
	"github.com/ChuLiYu/hostbridge/internal/server"
	"github.com/ChuLiYu/hostbridge/internal/snapshot"
	"github.com/ChuLiYu/hostbridge/internal/worker"
	"github.com/ChuLiYu/hostbridge/pkg/types"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "0.1.0"

var (
	configFile string
	envFile    string
)

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hostbridge",
		Short: "hostbridge: run work on a single host thread from any goroutine",
		Long: `hostbridge marshals operations from concurrent callers onto one
host thread and returns their results with:
- per-call timeouts and cancellation
- bounded per-tick draining
- leak-free task bookkeeping
- Prometheus metrics and gRPC health`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file applied before environment overrides")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildBenchCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadRuntime reads the configuration and builds the logger it asks for.
func loadRuntime(stderr io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the hostbridge daemon",
		Long:  "Start the host thread, the bridge and the HTTP/gRPC surfaces, and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cmd.ErrOrStderr())
		},
	}
}

func runDaemon(ctx context.Context, stderr io.Writer) error {
	cfg, log, err := loadRuntime(stderr)
	if err != nil {
		return err
	}

	log.Info().Str("config", configFile).Str("version", Version).Msg("starting hostbridge")

	ctrl, err := controller.NewController(*cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	status := ctrl.GetStatus()
	log.Info().
		Str("http", status.HTTPAddr).
		Str("grpc", status.GRPCAddr).
		Msg("system started")

	<-ctx.Done()
	log.Info().Msg("received shutdown signal, stopping gracefully")

	ctrl.Stop()
	log.Info().Msg("system stopped")
	return nil
}

// ============================================================================
// bench
// ============================================================================

func buildBenchCommand() *cobra.Command {
	var (
		benchCfg       worker.BenchConfig
		nonCancellable bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark an in-process bridge",
		Long:  "Start a host loop and a bridge from the config, drive load through them and print latency percentiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			benchCfg.Cancellable = !nonCancellable
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBench(ctx, benchCfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVar(&benchCfg.Callers, "callers", 8, "concurrent caller goroutines")
	cmd.Flags().IntVar(&benchCfg.Requests, "requests", 1000, "total host calls")
	cmd.Flags().DurationVar(&benchCfg.Work, "work", 0, "simulated host-thread work per call")
	cmd.Flags().Float64Var(&benchCfg.FailRate, "fail-rate", 0, "fraction of operations that return an error")
	cmd.Flags().DurationVar(&benchCfg.Timeout, "timeout", 0, "per-call timeout (0 = bridge default)")
	cmd.Flags().BoolVar(&nonCancellable, "non-cancellable", false, "submit non-cancellable tasks")

	return cmd
}

func runBench(ctx context.Context, benchCfg worker.BenchConfig, stdout, stderr io.Writer) error {
	cfg, log, err := loadRuntime(stderr)
	if err != nil {
		return err
	}

	loop := hostloop.New(cfg.Host.PostBuffer, log)
	if err := loop.Start(); err != nil {
		return fmt.Errorf("failed to start host loop: %w", err)
	}
	defer loop.Stop()

	bcfg := controller.BridgeConfig(cfg.Bridge, loop)
	bcfg.Logger = &log
	b, err := bridge.New(bcfg)
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	if err := b.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize bridge: %w", err)
	}
	defer b.Shutdown()

	report, err := worker.RunBench(ctx, b, benchCfg, log)
	if err != nil {
		return err
	}
	printReport(stdout, benchCfg, report)
	return nil
}

func printReport(w io.Writer, cfg worker.BenchConfig, r worker.BenchReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Callers:\t%d\n", cfg.Callers)
	fmt.Fprintf(tw, "Requests:\t%d\n", r.Total)
	fmt.Fprintf(tw, "Succeeded:\t%d\n", r.Succeeded)
	fmt.Fprintf(tw, "Failed:\t%d\n", r.Failed)
	fmt.Fprintf(tw, "Timeouts:\t%d\n", r.Timeouts)
	fmt.Fprintf(tw, "Other:\t%d\n", r.Other)
	fmt.Fprintf(tw, "Duration:\t%s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(tw, "Throughput:\t%.1f calls/s\n", r.Throughput)
	fmt.Fprintf(tw, "p50 / p95 / p99:\t%s / %s / %s\n", r.P50, r.P95, r.P99)
	fmt.Fprintf(tw, "Max:\t%s\n", r.Max)
	tw.Flush()
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var (
		snapshotPath string
		grpcAddr     string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show bridge status",
		Long:  "Print the last active-task snapshot, or query a running daemon's gRPC health with --grpc",
		RunE: func(cmd *cobra.Command, args []string) error {
			if grpcAddr != "" {
				return showHealth(cmd.Context(), grpcAddr, cmd.OutOrStdout())
			}
			return showStatus(snapshotPath, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "snapshot file (default: snapshot.path from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "address of a running daemon's gRPC server")

	return cmd
}

func showHealth(ctx context.Context, addr string, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := server.CheckHealth(ctx, addr, server.BridgeService)
	if err != nil {
		return err
	}
	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode health response: %w", err)
	}
	fmt.Fprintln(w, string(out))
	return nil
}

func showStatus(snapshotPath string, w io.Writer) error {
	if snapshotPath == "" {
		cfg, err := config.Load(configFile, envFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		snapshotPath = cfg.Snapshot.Path
	}

	data, err := snapshot.NewManager(snapshotPath).Load()
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		fmt.Fprintf(w, "No snapshot at %s (is the daemon running with snapshots enabled?)\n", snapshotPath)
		return nil
	}
	if err != nil {
		return err
	}

	printStatus(w, snapshotPath, data)
	return nil
}

func printStatus(w io.Writer, path string, data types.SnapshotData) {
	state := "stopped"
	if data.Running {
		state = "running"
	}

	fmt.Fprintf(w, "Snapshot: %s (taken %s, bridge %s)\n", path, data.TakenAt.Format(time.RFC3339), state)
	fmt.Fprintf(w, "Records: %d queued, %d running, %d completed, %d failed, %d cancelled, %d expired (queue length %d)\n",
		data.Stats.Queued, data.Stats.Running, data.Stats.Completed,
		data.Stats.Failed, data.Stats.Cancelled, data.Stats.Expired, data.Stats.QueueLen)

	if len(data.Tasks) == 0 {
		fmt.Fprintln(w, "No active tasks")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCANCELLABLE\tELAPSED\tTIMEOUT")
	for _, t := range data.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			t.ID, t.Name, t.Status, t.Cancellable, t.Elapsed.Round(time.Millisecond), t.Timeout)
	}
	tw.Flush()
}

// ExitOnPanic is deferred by main so a crash still prints a clean message.
func ExitOnPanic() {
	if r := recover(); r != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", r)
		os.Exit(1)
	}
}
