package checkpoint

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/joho/godotenv"
)

// MarkerPattern is the glob every marker name matches.
const MarkerPattern = "step_*.txt"

const (
	markerPrefix = "step_"
	markerExt    = ".txt"
)

// Marker is the durable record that Step units of work have completed.
//
// The on-disk form is a handful of key=value lines:
//
//	step=5
//	total_steps=20
//	timestamp=2026-10-19T10:00:00.123456789Z
//	run_id=6f1c0a4e-...
type Marker struct {
	Step       int       `json:"step" yaml:"step"`
	TotalSteps int       `json:"total_steps" yaml:"total_steps"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	RunID      string    `json:"run_id,omitempty" yaml:"run_id,omitempty"`

	// Key is the storage key the marker was read from. Not encoded.
	Key string `json:"key,omitempty" yaml:"key,omitempty"`
}

// MarkerName returns the object name for step.
func MarkerName(step int) string {
	return markerPrefix + strconv.Itoa(step) + markerExt
}

// ParseMarkerName extracts the step number from a marker base name.
//
// Anything that is not step_<positive decimal>.txt reports ok=false; callers
// skip such entries.
func ParseMarkerName(name string) (step int, ok bool) {
	matched, err := doublestar.Match(MarkerPattern, name)
	if err != nil || !matched {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, markerPrefix), markerExt)
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// EncodeMarker renders m in the key=value marker format.
func EncodeMarker(m Marker) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "step=%d\n", m.Step)
	fmt.Fprintf(&b, "total_steps=%d\n", m.TotalSteps)
	fmt.Fprintf(&b, "timestamp=%s\n", m.Timestamp.UTC().Format(time.RFC3339Nano))
	if m.RunID != "" {
		fmt.Fprintf(&b, "run_id=%s\n", m.RunID)
	}
	return b.Bytes()
}

// DecodeMarker parses a marker body.
//
// The body is read as dotenv lines, so comments, blank lines and quoted
// values are accepted. Unknown keys are ignored. step and total_steps are
// required. timestamp may be RFC 3339 or fractional Unix seconds.
func DecodeMarker(data []byte) (Marker, error) {
	fields, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return Marker{}, fmt.Errorf("%w: %v", ErrMalformedMarker, err)
	}

	var m Marker
	value, ok := fields["step"]
	if !ok {
		return Marker{}, fmt.Errorf("%w: step and total_steps are required", ErrMalformedMarker)
	}
	if m.Step, err = strconv.Atoi(value); err != nil || m.Step <= 0 {
		return Marker{}, fmt.Errorf("%w: invalid step %q", ErrMalformedMarker, value)
	}

	value, ok = fields["total_steps"]
	if !ok {
		return Marker{}, fmt.Errorf("%w: step and total_steps are required", ErrMalformedMarker)
	}
	if m.TotalSteps, err = strconv.Atoi(value); err != nil || m.TotalSteps < 0 {
		return Marker{}, fmt.Errorf("%w: invalid total_steps %q", ErrMalformedMarker, value)
	}

	if value, ok := fields["timestamp"]; ok && value != "" {
		if m.Timestamp, err = parseTimestamp(value); err != nil {
			return Marker{}, fmt.Errorf("%w: invalid timestamp %q", ErrMalformedMarker, value)
		}
	}
	m.RunID = fields["run_id"]
	return m, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("unrecognized timestamp")
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}
