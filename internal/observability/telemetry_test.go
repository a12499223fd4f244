package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withTelemetry installs a fresh telemetry system for the test.
func withTelemetry(t *testing.T) {
	t.Helper()
	origSys, origExp := TelemetrySystem, PrometheusExporter
	require.NoError(t, InitTelemetry("ckptrun", "127.0.0.1:0"))
	t.Cleanup(func() {
		ShutdownTelemetry()
		TelemetrySystem, PrometheusExporter = origSys, origExp
	})
}

func events(name string) []telemetry.MetricsEvent {
	var out []telemetry.MetricsEvent
	for _, ev := range PrometheusExporter.GetMetrics() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func counterSum(name string) float64 {
	var total float64
	for _, ev := range events(name) {
		if v, ok := ev.Value.(float64); ok {
			total += v
		}
	}
	return total
}

func TestInitTelemetry(t *testing.T) {
	withTelemetry(t)

	require.NotNil(t, TelemetrySystem)
	require.NotNil(t, PrometheusExporter)
	assert.Same(t, TelemetrySystem, telemetry.GetGlobalSystem())
}

func TestRecordMarkerWritten(t *testing.T) {
	withTelemetry(t)

	RecordMarkerWritten(1)
	RecordMarkerWritten(2)

	assert.Equal(t, 2.0, counterSum(MetricMarkersWritten))
	gauges := events(MetricLatestStep)
	require.Len(t, gauges, 2)
	assert.Equal(t, 2.0, gauges[1].Value)
}

func TestRecordRun(t *testing.T) {
	tests := []struct {
		name        string
		outcome     string
		steps       int
		wantSteps   float64
		wantCrashes float64
	}{
		{name: "complete", outcome: "complete", steps: 3, wantSteps: 3},
		{name: "crashed", outcome: "crashed", steps: 2, wantSteps: 2, wantCrashes: 1},
		{name: "already complete", outcome: "already_complete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withTelemetry(t)

			RecordRun(tt.outcome, tt.steps)

			runs := events(MetricRuns)
			require.Len(t, runs, 1)
			assert.Equal(t, tt.outcome, runs[0].Tags[TagOutcome])
			assert.Equal(t, tt.wantSteps, counterSum(MetricStepsExecuted))
			assert.Equal(t, tt.wantCrashes, counterSum(MetricSimulatedCrashes))
		})
	}
}

func TestRecordDiscovery(t *testing.T) {
	withTelemetry(t)

	RecordDiscovery(3*time.Millisecond, 7, nil)
	RecordDiscovery(time.Millisecond, 0, errors.New("list failed"))

	hist := events(MetricDiscoveryMs)
	require.Len(t, hist, 2)
	assert.Equal(t, "success", hist[0].Tags[TagResult])
	assert.Equal(t, "error", hist[1].Tags[TagResult])

	gauges := events(MetricLatestStep)
	require.Len(t, gauges, 1)
	assert.Equal(t, 7.0, gauges[0].Value)
}

func TestRecord_NoTelemetry(t *testing.T) {
	origSys, origExp := TelemetrySystem, PrometheusExporter
	defer func() { TelemetrySystem, PrometheusExporter = origSys, origExp }()
	TelemetrySystem, PrometheusExporter = nil, nil

	assert.NotPanics(t, func() {
		RecordMarkerWritten(1)
		RecordRun("complete", 1)
		RecordDiscovery(time.Millisecond, 1, nil)
	})

	_, err := StartMetricsServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry system not initialized")
}

func TestStartMetricsServer(t *testing.T) {
	withTelemetry(t)

	addr, err := StartMetricsServer()
	require.NoError(t, err)
	assert.NotEqual(t, "127.0.0.1:0", addr)

	again, err := StartMetricsServer()
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}
