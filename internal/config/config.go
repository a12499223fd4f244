// Package config loads ckptrun configuration.
//
// Precedence, lowest to highest: built-in defaults, config file, environment,
// runtime overrides (CLI flags).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/ckptrun/pkg/preflight"
	"github.com/3leaps/ckptrun/pkg/provider"
)

// Config is the fully resolved configuration.
type Config struct {
	Run        RunConfig        `mapstructure:"run" yaml:"run" json:"run"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint" json:"checkpoint"`
	Registry   RegistryConfig   `mapstructure:"registry" yaml:"registry" json:"registry"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging" json:"logging"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server" json:"server"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry" json:"telemetry"`
}

// RunConfig controls the step loop.
type RunConfig struct {
	TotalSteps      int           `mapstructure:"total_steps" yaml:"total_steps" json:"total_steps"`
	FailProbability float64       `mapstructure:"fail_probability" yaml:"fail_probability" json:"fail_probability"`
	StepDuration    time.Duration `mapstructure:"step_duration" yaml:"step_duration" json:"step_duration"`

	// Seed seeds the crash decider. Zero seeds from the clock.
	Seed int64 `mapstructure:"seed" yaml:"seed" json:"seed"`
}

// CheckpointConfig selects where markers live.
type CheckpointConfig struct {
	Provider      string   `mapstructure:"provider" yaml:"provider" json:"provider"`
	Dir           string   `mapstructure:"dir" yaml:"dir" json:"dir"`
	Prefix        string   `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
	ListRateLimit float64  `mapstructure:"list_rate_limit" yaml:"list_rate_limit" json:"list_rate_limit"`
	Preflight     string   `mapstructure:"preflight" yaml:"preflight" json:"preflight"`
	S3            S3Config `mapstructure:"s3" yaml:"s3" json:"s3"`
}

type S3Config struct {
	Bucket         string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`
	Region         string `mapstructure:"region" yaml:"region" json:"region"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Profile        string `mapstructure:"profile" yaml:"profile" json:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style" json:"force_path_style"`
}

// RegistryConfig controls the local run registry.
type RegistryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Dir defaults to <app data dir>/runs when empty.
	Dir string `mapstructure:"dir" yaml:"dir" json:"dir"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level" json:"level"`
	Profile string `mapstructure:"profile" yaml:"profile" json:"profile"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host" json:"host"`
	Port            int           `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TelemetryConfig controls metrics collection and the Prometheus endpoint.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// MetricsAddr is where /metrics is served. train serves nothing when it
	// is empty; serve falls back to DefaultMetricsAddr.
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
}

// DefaultMetricsAddr is the serve command's metrics listener.
const DefaultMetricsAddr = "localhost:9464"

// Validate checks value ranges and provider-specific requirements.
func (c *Config) Validate() error {
	if c.Run.TotalSteps <= 0 {
		return fmt.Errorf("run.total_steps must be positive, got %d", c.Run.TotalSteps)
	}
	if c.Run.FailProbability < 0 || c.Run.FailProbability > 1 {
		return fmt.Errorf("run.fail_probability must be within [0, 1], got %v", c.Run.FailProbability)
	}
	if c.Run.StepDuration < 0 {
		return fmt.Errorf("run.step_duration must be >= 0, got %s", c.Run.StepDuration)
	}

	pt, ok := provider.ParseProviderType(c.Checkpoint.Provider)
	if !ok {
		return fmt.Errorf("checkpoint.provider must be %q or %q, got %q", provider.ProviderFile, provider.ProviderS3, c.Checkpoint.Provider)
	}
	switch pt {
	case provider.ProviderFile:
		if strings.TrimSpace(c.Checkpoint.Dir) == "" {
			return fmt.Errorf("checkpoint.dir is required for the file provider")
		}
	case provider.ProviderS3:
		if strings.TrimSpace(c.Checkpoint.S3.Bucket) == "" {
			return fmt.Errorf("checkpoint.s3.bucket is required for the s3 provider")
		}
	}
	if c.Checkpoint.ListRateLimit < 0 {
		return fmt.Errorf("checkpoint.list_rate_limit must be >= 0, got %v", c.Checkpoint.ListRateLimit)
	}
	if _, err := preflight.ParseMode(c.Checkpoint.Preflight); err != nil {
		return fmt.Errorf("checkpoint.preflight: %w", err)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within [0, 65535], got %d", c.Server.Port)
	}
	return nil
}
