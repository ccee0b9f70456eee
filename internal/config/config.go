// ============================================================================
// hostbridge Config - file and environment configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Loads the daemon configuration used by the CLI.
//
// Load order (later wins):
//   1. Default()                  built-in tuning
//   2. YAML file (--config)       optional, missing path is an error
//   3. .env file (--env-file)     optional, copied into the process env
//   4. HOSTBRIDGE_* variables     e.g. HOSTBRIDGE_BRIDGE_BATCH_SIZE=10
//
// Example YAML:
//   bridge:
//     default_timeout: 30s
//     poll_interval: 100ms
//     tick_interval: 100ms
//     batch_size: 5
//     grace_period: 30s
//   snapshot:
//     path: /tmp/hostbridge/active_tasks.json
//     interval: 30s
//   http:
//     addr: ":9090"
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "HOSTBRIDGE_"

// Config is the complete daemon configuration
type Config struct {
	Bridge   Bridge   `yaml:"bridge" envPrefix:"BRIDGE_"`
	Host     Host     `yaml:"host" envPrefix:"HOST_"`
	Snapshot Snapshot `yaml:"snapshot" envPrefix:"SNAPSHOT_"`
	HTTP     Server   `yaml:"http" envPrefix:"HTTP_"`
	GRPC     Server   `yaml:"grpc" envPrefix:"GRPC_"`
	Log      Log      `yaml:"log" envPrefix:"LOG_"`
}

// Bridge tunes the execution bridge
type Bridge struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	TickInterval      time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	BatchSize         int           `yaml:"batch_size" env:"BATCH_SIZE"`
	GracePeriod       time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`
	MaxQueue          int           `yaml:"max_queue" env:"MAX_QUEUE"`
	StallRatio        float64       `yaml:"stall_ratio" env:"STALL_RATIO"`
	HighWaterMark     int           `yaml:"high_water_mark" env:"HIGH_WATER_MARK"`
	SlowTickThreshold time.Duration `yaml:"slow_tick_threshold" env:"SLOW_TICK_THRESHOLD"`
}

// Host tunes the host loop
type Host struct {
	PostBuffer int `yaml:"post_buffer" env:"POST_BUFFER"`
}

// Snapshot controls the active-task dump
type Snapshot struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Path     string        `yaml:"path" env:"PATH"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// Server is a listener that can be switched off
type Server struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// Log controls the zerolog output
type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Bridge: Bridge{
			DefaultTimeout:    30 * time.Second,
			PollInterval:      100 * time.Millisecond,
			TickInterval:      100 * time.Millisecond,
			BatchSize:         5,
			GracePeriod:       30 * time.Second,
			StallRatio:        0.8,
			HighWaterMark:     50,
			SlowTickThreshold: 100 * time.Millisecond,
		},
		Host: Host{PostBuffer: 64},
		Snapshot: Snapshot{
			Enabled:  true,
			Path:     "data/active_tasks.json",
			Interval: 30 * time.Second,
		},
		HTTP: Server{Enabled: true, Addr: ":9090"},
		GRPC: Server{Enabled: true, Addr: ":50051"},
		Log:  Log{Level: "info"},
	}
}

// Load builds the configuration from defaults, the YAML file at path, the
// optional dotenv file and HOSTBRIDGE_* variables. Empty paths are skipped;
// a dotenv file that does not exist is ignored.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	positive("bridge.default_timeout", c.Bridge.DefaultTimeout)
	positive("bridge.poll_interval", c.Bridge.PollInterval)
	positive("bridge.tick_interval", c.Bridge.TickInterval)
	if c.Bridge.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("bridge.batch_size must be positive, got %d", c.Bridge.BatchSize))
	}
	if c.Bridge.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("bridge.grace_period must not be negative, got %s", c.Bridge.GracePeriod))
	}
	if c.Bridge.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("bridge.max_queue must not be negative, got %d", c.Bridge.MaxQueue))
	}
	if c.Bridge.StallRatio < 0 || c.Bridge.StallRatio > 1 {
		errs = append(errs, fmt.Errorf("bridge.stall_ratio must be within [0, 1], got %g", c.Bridge.StallRatio))
	}
	if c.Snapshot.Enabled {
		positive("snapshot.interval", c.Snapshot.Interval)
		if c.Snapshot.Path == "" {
			errs = append(errs, errors.New("snapshot.path is required when snapshots are enabled"))
		}
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required when http is enabled"))
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		errs = append(errs, errors.New("grpc.addr is required when grpc is enabled"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
