package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp moves the test into an empty directory so no ckptrun.yaml from
// the developer's checkout is picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	return dir
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	chdirTemp(t)

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, 20, cfg.Run.TotalSteps)
		assert.Equal(t, 0.3, cfg.Run.FailProbability)
		assert.Equal(t, time.Second, cfg.Run.StepDuration)
		assert.Equal(t, int64(0), cfg.Run.Seed)

		assert.Equal(t, "file", cfg.Checkpoint.Provider)
		assert.Equal(t, "./ckpts", cfg.Checkpoint.Dir)
		assert.Equal(t, "read-safe", cfg.Checkpoint.Preflight)
		assert.True(t, cfg.Registry.Enabled)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Profile)

		assert.True(t, cfg.Telemetry.Enabled)
		assert.Empty(t, cfg.Telemetry.MetricsAddr)

		require.NoError(t, cfg.Validate())
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"run": map[string]any{
				"total_steps": 3,
			},
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, 3, cfg.Run.TotalSteps)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Non-overridden values remain default.
		assert.Equal(t, "console", cfg.Logging.Profile)
		assert.Equal(t, "./ckpts", cfg.Checkpoint.Dir)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("CKPTRUN_PORT", "3000")
		t.Setenv("CKPTRUN_LOG_LEVEL", "warn")
		t.Setenv("CKPTRUN_RUN_FAIL_PROBABILITY", "0")
		t.Setenv("CKPTRUN_REGISTRY_ENABLED", "false")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 0.0, cfg.Run.FailProbability)
		assert.False(t, cfg.Registry.Enabled)
	})

	t.Run("LegacyCkptDir", func(t *testing.T) {
		t.Setenv("CKPT_DIR", "/scratch/ckpts")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/scratch/ckpts", cfg.Checkpoint.Dir)
	})

	t.Run("PrefixedCkptDirWinsOverLegacy", func(t *testing.T) {
		t.Setenv("CKPT_DIR", "/legacy")
		t.Setenv("CKPTRUN_CKPT_DIR", "/prefixed")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/prefixed", cfg.Checkpoint.Dir)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("CKPTRUN_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	dir := chdirTemp(t)

	path := filepath.Join(dir, "job.yaml")
	body := `run:
  total_steps: 7
  step_duration: 250ms
checkpoint:
  provider: s3
  prefix: jobs/a
  s3:
    bucket: ckpt-bucket
    region: us-west-2
    force_path_style: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Run("FileValues", func(t *testing.T) {
		cfg, err := LoadFile(ctx, path)
		require.NoError(t, err)

		assert.Equal(t, 7, cfg.Run.TotalSteps)
		assert.Equal(t, 250*time.Millisecond, cfg.Run.StepDuration)
		assert.Equal(t, "s3", cfg.Checkpoint.Provider)
		assert.Equal(t, "jobs/a", cfg.Checkpoint.Prefix)
		assert.Equal(t, "ckpt-bucket", cfg.Checkpoint.S3.Bucket)
		assert.True(t, cfg.Checkpoint.S3.ForcePathStyle)
		require.NoError(t, cfg.Validate())
	})

	t.Run("EnvBeatsFile", func(t *testing.T) {
		t.Setenv("CKPTRUN_TOTAL_STEPS", "9")

		cfg, err := LoadFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.Run.TotalSteps)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := LoadFile(ctx, filepath.Join(dir, "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("DefaultSearchFindsWorkingDirFile", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ckptrun.yaml"), []byte("run:\n  total_steps: 11\n"), 0o644))
		defer func() { _ = os.Remove(filepath.Join(dir, "ckptrun.yaml")) }()

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 11, cfg.Run.TotalSteps)
	})
}

func TestLoad_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoad_Independent(t *testing.T) {
	ctx := context.Background()
	chdirTemp(t)

	cfg1, err := Load(ctx)
	require.NoError(t, err)

	cfg2, err := Load(ctx, map[string]any{"run": map[string]any{"total_steps": cfg1.Run.TotalSteps + 5}})
	require.NoError(t, err)
	assert.Equal(t, cfg1.Run.TotalSteps+5, cfg2.Run.TotalSteps)
	assert.Equal(t, 20, cfg1.Run.TotalSteps)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Run:        RunConfig{TotalSteps: 20, FailProbability: 0.3, StepDuration: time.Second},
			Checkpoint: CheckpointConfig{Provider: "file", Dir: "./ckpts", Preflight: "read-safe"},
			Server:     ServerConfig{Port: 8080},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero steps", func(c *Config) { c.Run.TotalSteps = 0 }, "run.total_steps"},
		{"probability above one", func(c *Config) { c.Run.FailProbability = 1.5 }, "run.fail_probability"},
		{"negative duration", func(c *Config) { c.Run.StepDuration = -time.Second }, "run.step_duration"},
		{"unknown provider", func(c *Config) { c.Checkpoint.Provider = "gcs" }, "checkpoint.provider"},
		{"file without dir", func(c *Config) { c.Checkpoint.Dir = " " }, "checkpoint.dir"},
		{"s3 without bucket", func(c *Config) { c.Checkpoint.Provider = "s3" }, "checkpoint.s3.bucket"},
		{"negative rate", func(c *Config) { c.Checkpoint.ListRateLimit = -1 }, "list_rate_limit"},
		{"bad preflight", func(c *Config) { c.Checkpoint.Preflight = "yolo" }, "checkpoint.preflight"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getUserConfigPaths())
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getEnvSpecs())
}

func TestEnvSpecs(t *testing.T) {
	chdirTemp(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "CKPTRUN_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	assert.True(t, names["CKPTRUN_LOG_LEVEL"])
	assert.True(t, names["CKPTRUN_TOTAL_STEPS"])
	assert.True(t, names["CKPTRUN_CKPT_DIR"])
	assert.True(t, names["CKPTRUN_METRICS_ADDR"])
	assert.Equal(t, "CKPTRUN", EnvPrefix())
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"run":  map[string]any{"total_steps": 3},
		"seed": 1,
	})
	assert.Equal(t, map[string]any{"run.total_steps": 3, "seed": 1}, got)
}
