package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ckptrun/internal/config"
	"github.com/3leaps/ckptrun/internal/observability"
	"github.com/3leaps/ckptrun/internal/server"
	"github.com/3leaps/ckptrun/internal/server/handlers"
	"github.com/3leaps/ckptrun/pkg/checkpoint"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve checkpoint progress over HTTP",
	Long: `Start an HTTP server that reports progress of the configured checkpoint
location. The server only lists markers; it never writes them, so it can run
next to a train job or on another host sharing the same storage.

Endpoints:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /v1/progress

Prometheus metrics (discovery latency, latest step) are served separately on
--metrics-addr (default localhost:9464) unless telemetry.enabled is false.

Examples:
  ckptrun serve
  ckptrun serve --port 9000 --ckpt-dir /mnt/shared/ckpts`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addCheckpointFlags(serveCmd)
	f := serveCmd.Flags()
	f.String("host", "", "Listen host (default localhost)")
	f.Int("port", 0, "Listen port (default 8080)")
	f.Int("total-steps", 0, "Number of steps in a complete run (default run.total_steps)")
	f.String("metrics-addr", "", "Prometheus metrics listen address (default localhost:9464)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	paths := checkpointFlagPaths()
	paths["host"] = "server.host"
	paths["port"] = "server.port"
	paths["total-steps"] = "run.total_steps"
	paths["metrics-addr"] = "telemetry.metrics_addr"
	cfg, err := loadConfig(ctx, flagOverrides(cmd, paths))
	if err != nil {
		return err
	}

	target, err := openCheckpoint(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer func() { _ = target.Close() }()

	metricsAddr, stopTelemetry := startTelemetry(cfg, config.DefaultMetricsAddr)
	defer stopTelemetry()

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signals", signalHealthChecker{})
	identity := GetAppIdentity()
	if identity == nil {
		initIdentity()
		identity = GetAppIdentity()
	}
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})
	hm.RegisterChecker("checkpoint_store", storeHealthChecker{store: target.store})
	if cfg.Telemetry.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithProgress(meteredStore{target.store}, cfg.Run.TotalSteps, target.String()),
	)

	observability.CLILogger.Info(fmt.Sprintf("Serving progress for %s on http://%s", target.String(), srv.Addr()),
		zap.String("location", target.String()),
		zap.Int("total_steps", cfg.Run.TotalSteps),
		zap.String("metrics_addr", metricsAddr))

	if err := srv.Start(ctx, cfg.Server.ShutdownTimeout); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

// signalHealthChecker reports healthy while the process is handling signals;
// shutdown is driven by the command context.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// identityHealthChecker verifies the app identity was resolved.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("app identity missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("app identity missing env prefix")
	case c.configName == "":
		return fmt.Errorf("app identity missing config name")
	}
	return nil
}

// storeHealthChecker is ready when markers can be listed.
type storeHealthChecker struct {
	store *checkpoint.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return fmt.Errorf("checkpoint store not configured")
	}
	if _, err := c.store.DiscoverLatest(ctx); err != nil {
		return fmt.Errorf("checkpoint discovery failed: %w", err)
	}
	return nil
}
