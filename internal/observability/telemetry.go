package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/schema"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
	"go.uber.org/zap"

	schemasassets "github.com/3leaps/ckptrun/internal/assets/schemas"
)

// Metric names. The exporter adds the service prefix and a _total suffix
// for counters.
const (
	MetricStepsExecuted    = "steps_executed"
	MetricMarkersWritten   = "markers_written"
	MetricSimulatedCrashes = "simulated_crashes"
	MetricRuns             = "runs"
	MetricDiscoveryMs      = "discovery_ms"
	MetricLatestStep       = "latest_step"
)

// Tag keys.
const (
	TagOutcome = "outcome"
	TagResult  = "result"
)

var (
	// TelemetrySystem is nil until InitTelemetry runs.
	TelemetrySystem *telemetry.System

	// PrometheusExporter receives every event TelemetrySystem emits.
	PrometheusExporter *exporters.PrometheusExporter

	telemetryMu      sync.Mutex
	exporterStarted  bool
	metricsValidator *schema.Validator
)

// InitTelemetry builds the telemetry system and its Prometheus exporter and
// installs it as the gofulmen global system. endpoint is only bound by
// StartMetricsServer.
func InitTelemetry(serviceName, endpoint string) error {
	telemetryMu.Lock()
	defer telemetryMu.Unlock()

	if metricsValidator == nil {
		v, err := schema.NewValidator(schemasassets.MetricsEventSchema)
		if err != nil {
			return fmt.Errorf("load metrics event schema: %w", err)
		}
		metricsValidator = v
	}

	cfg := exporters.DefaultPrometheusConfig()
	cfg.Prefix = serviceName
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	cfg.QuietMode = true
	exporter := exporters.NewPrometheusExporterWithConfig(cfg)

	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: exporter,
		Schema:  metricsValidator,
	})
	if err != nil {
		return fmt.Errorf("create telemetry system: %w", err)
	}

	TelemetrySystem = sys
	PrometheusExporter = exporter
	exporterStarted = false
	telemetry.SetGlobalSystem(sys)
	return nil
}

// StartMetricsServer serves /metrics on the exporter endpoint and returns
// the bound address.
func StartMetricsServer() (string, error) {
	telemetryMu.Lock()
	defer telemetryMu.Unlock()

	if PrometheusExporter == nil {
		return "", fmt.Errorf("telemetry system not initialized")
	}
	if exporterStarted {
		return PrometheusExporter.GetAddr(), nil
	}
	if err := PrometheusExporter.Start(); err != nil {
		return "", err
	}
	exporterStarted = true
	return PrometheusExporter.GetAddr(), nil
}

// ShutdownTelemetry flushes pending events and stops the metrics server.
func ShutdownTelemetry() {
	telemetryMu.Lock()
	defer telemetryMu.Unlock()

	if TelemetrySystem != nil {
		if err := TelemetrySystem.Flush(); err != nil {
			CLILogger.Debug("Telemetry flush failed", zap.Error(err))
		}
	}
	if PrometheusExporter != nil && exporterStarted {
		_ = PrometheusExporter.Stop()
		exporterStarted = false
	}
}

// RecordMarkerWritten counts one durable marker and moves the latest step
// gauge.
func RecordMarkerWritten(step int) {
	emit(func(s *telemetry.System) error {
		if err := s.Counter(MetricMarkersWritten, 1, nil); err != nil {
			return err
		}
		return s.Gauge(MetricLatestStep, float64(step), nil)
	})
}

// RecordRun counts a finished invocation by outcome.
func RecordRun(outcome string, stepsExecuted int) {
	emit(func(s *telemetry.System) error {
		tags := map[string]string{TagOutcome: outcome}
		if err := s.Counter(MetricRuns, 1, tags); err != nil {
			return err
		}
		if stepsExecuted > 0 {
			if err := s.Counter(MetricStepsExecuted, float64(stepsExecuted), nil); err != nil {
				return err
			}
		}
		if outcome == "crashed" {
			return s.Counter(MetricSimulatedCrashes, 1, nil)
		}
		return nil
	})
}

// RecordDiscovery records discovery latency and, on success, the step found.
func RecordDiscovery(d time.Duration, step int, err error) {
	emit(func(s *telemetry.System) error {
		result := "success"
		if err != nil {
			result = "error"
		}
		if herr := s.Histogram(MetricDiscoveryMs, d, map[string]string{TagResult: result}); herr != nil {
			return herr
		}
		if err != nil {
			return nil
		}
		return s.Gauge(MetricLatestStep, float64(step), nil)
	})
}

func emit(fn func(*telemetry.System) error) {
	sys := TelemetrySystem
	if sys == nil {
		return
	}
	if err := fn(sys); err != nil {
		CLILogger.Debug("Telemetry emit failed", zap.Error(err))
	}
}
