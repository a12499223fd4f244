package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ckptrun/internal/config"
	"github.com/3leaps/ckptrun/internal/observability"
	"github.com/3leaps/ckptrun/pkg/checkpoint"
)

// startTelemetry installs the telemetry system when enabled and serves
// /metrics when an address is configured (or fallbackAddr is set). Failures
// are logged; metrics never fail a command. The returned func shuts down.
func startTelemetry(cfg *config.Config, fallbackAddr string) (string, func()) {
	noop := func() {}
	if !cfg.Telemetry.Enabled {
		return "", noop
	}

	addr := strings.TrimSpace(cfg.Telemetry.MetricsAddr)
	if addr == "" {
		addr = fallbackAddr
	}

	name := "ckptrun"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		name = identity.BinaryName
	}
	if err := observability.InitTelemetry(name, addr); err != nil {
		observability.CLILogger.Warn("Telemetry disabled", zap.Error(err))
		return "", noop
	}
	if addr == "" {
		return "", observability.ShutdownTelemetry
	}

	bound, err := observability.StartMetricsServer()
	if err != nil {
		observability.CLILogger.Warn(fmt.Sprintf("Failed to serve metrics on %s", addr), zap.Error(err))
		return "", observability.ShutdownTelemetry
	}
	observability.CLILogger.Debug("Serving metrics", zap.String("addr", bound))
	return bound, observability.ShutdownTelemetry
}

// meteredStore records discovery latency and the discovered step.
type meteredStore struct {
	*checkpoint.Store
}

func (s meteredStore) DiscoverLatest(ctx context.Context) (int, error) {
	start := time.Now()
	step, err := s.Store.DiscoverLatest(ctx)
	observability.RecordDiscovery(time.Since(start), step, err)
	return step, err
}

// telemetryHealthChecker is ready once the telemetry system and exporter exist.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return fmt.Errorf("telemetry system not initialized")
	}
	return nil
}
