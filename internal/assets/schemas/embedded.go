// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// RunRecordSchema is the embedded run-record JSON schema used by the run
// registry to reject foreign or truncated run.json files.
//
//go:embed run-record.schema.json
var RunRecordSchema []byte

// MetricsEventSchema validates telemetry events before they reach the
// exporter. Unlike the crucible catalog schema it accepts ckptrun metric
// names.
//
//go:embed metrics-event.schema.json
var MetricsEventSchema []byte
