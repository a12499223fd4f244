// Package preflight verifies that a checkpoint location is usable before a
// run commits to work.
package preflight

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/ckptrun/pkg/provider"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	ModePlanOnly   Mode = "plan-only"
	ModeReadSafe   Mode = "read-safe"
	ModeWriteCheck Mode = "write-check"
)

// ParseMode parses a mode name. Empty selects ModeReadSafe.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeReadSafe:
		return ModeReadSafe, nil
	case ModePlanOnly:
		return ModePlanOnly, nil
	case ModeWriteCheck:
		return ModeWriteCheck, nil
	default:
		return "", fmt.Errorf("unknown preflight mode %q (expected %s, %s or %s)", s, ModePlanOnly, ModeReadSafe, ModeWriteCheck)
	}
}

// DefaultScratchPrefix is where write checks land, relative to the checkpoint
// prefix. It is nested so scratch objects are never mistaken for markers.
const DefaultScratchPrefix = "_ckptrun/scratch/"

// Spec controls how preflight checks are executed.
type Spec struct {
	Mode          Mode
	ScratchPrefix string
}

// Capability names are stable strings used in doctor output.
const (
	CapCheckpointList  = "checkpoint.list"
	CapCheckpointRead  = "checkpoint.read"
	CapCheckpointWrite = "checkpoint.write"
)

// Error codes attached to failed checks.
const (
	ErrCodeAccessDenied = "ACCESS_DENIED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeThrottled    = "THROTTLED"
	ErrCodeStorageFull  = "STORAGE_FULL"
	ErrCodeUnsupported  = "UNSUPPORTED"
	ErrCodeInternal     = "INTERNAL"
)

// Record is the outcome of a preflight run.
type Record struct {
	Mode          string        `json:"mode" yaml:"mode"`
	ScratchPrefix string        `json:"scratch_prefix,omitempty" yaml:"scratch_prefix,omitempty"`
	Results       []CheckResult `json:"results" yaml:"results"`
}

// CheckResult is a single capability check.
type CheckResult struct {
	Capability string `json:"capability" yaml:"capability"`
	Allowed    bool   `json:"allowed" yaml:"allowed"`
	Method     string `json:"method" yaml:"method"`
	ErrorCode  string `json:"error_code,omitempty" yaml:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Checkpoint checks the capabilities a run needs on prefix.
//
// read-safe lists at most one key and reads a random missing key; neither
// creates anything. write-check additionally puts and deletes a uuid-named
// object under the scratch prefix. The first failing check stops the run and
// its error is returned alongside the partial record.
func Checkpoint(ctx context.Context, prov provider.Provider, prefix string, spec Spec) (*Record, error) {
	scratchPrefix := spec.ScratchPrefix
	if scratchPrefix == "" {
		scratchPrefix = joinPrefix(prefix, DefaultScratchPrefix)
	}
	rec := &Record{
		Mode:          string(spec.Mode),
		ScratchPrefix: scratchPrefix,
		Results:       []CheckResult{},
	}

	if spec.Mode == ModePlanOnly {
		return rec, nil
	}

	method := fmt.Sprintf("List(prefix=%q,maxKeys=1)", prefix)
	if _, err := prov.List(ctx, provider.ListOptions{Prefix: prefix, MaxKeys: 1}); err != nil {
		rec.Results = append(rec.Results, denied(CapCheckpointList, method, err))
		return rec, err
	}
	rec.Results = append(rec.Results, CheckResult{Capability: CapCheckpointList, Allowed: true, Method: method})

	if getter, ok := prov.(provider.ObjectGetter); ok {
		scratchKey := joinPrefix(scratchPrefix, "read-"+uuid.NewString())
		body, _, err := getter.GetObject(ctx, scratchKey)
		if err == nil {
			_ = body.Close()
		}
		if err != nil && !provider.IsNotFound(err) {
			rec.Results = append(rec.Results, denied(CapCheckpointRead, "GetObject(random)", err))
			return rec, err
		}
		rec.Results = append(rec.Results, CheckResult{Capability: CapCheckpointRead, Allowed: true, Method: "GetObject(random)"})
	}

	if spec.Mode == ModeWriteCheck {
		writeRec, err := WriteCheck(ctx, prov, Spec{Mode: spec.Mode, ScratchPrefix: scratchPrefix})
		rec.Results = append(rec.Results, writeRec.Results...)
		if err != nil {
			return rec, err
		}
	}

	return rec, nil
}

// WriteCheck verifies that objects can be created and removed under the
// scratch prefix. The scratch object is deleted even if the run is cancelled
// after the put.
func WriteCheck(ctx context.Context, prov provider.Provider, spec Spec) (*Record, error) {
	scratchPrefix := spec.ScratchPrefix
	if scratchPrefix == "" {
		scratchPrefix = DefaultScratchPrefix
	}
	rec := &Record{Mode: string(spec.Mode), ScratchPrefix: scratchPrefix, Results: []CheckResult{}}

	const method = "PutObject+DeleteObject"
	putter, ok := prov.(provider.ObjectPutter)
	if !ok {
		err := fmt.Errorf("provider does not support PutObject")
		rec.Results = append(rec.Results, CheckResult{
			Capability: CapCheckpointWrite,
			Method:     method,
			ErrorCode:  ErrCodeUnsupported,
			Detail:     err.Error(),
		})
		return rec, err
	}

	key := joinPrefix(scratchPrefix, "write-"+uuid.NewString())
	body := "ckptrun write check\n"
	if err := putter.PutObject(ctx, key, strings.NewReader(body), int64(len(body))); err != nil {
		rec.Results = append(rec.Results, denied(CapCheckpointWrite, method, err))
		return rec, err
	}

	if deleter, ok := prov.(provider.ObjectDeleter); ok {
		if err := deleter.DeleteObject(context.WithoutCancel(ctx), key); err != nil {
			rec.Results = append(rec.Results, CheckResult{
				Capability: CapCheckpointWrite,
				Allowed:    true,
				Method:     method,
				ErrorCode:  normalizeErrorCode(err),
				Detail:     fmt.Sprintf("scratch object %s was written but not deleted: %v", key, err),
			})
			return rec, nil
		}
	}

	rec.Results = append(rec.Results, CheckResult{Capability: CapCheckpointWrite, Allowed: true, Method: method})
	return rec, nil
}

// Failed returns the first check that was not allowed, or nil.
func (r *Record) Failed() *CheckResult {
	if r == nil {
		return nil
	}
	for i := range r.Results {
		if !r.Results[i].Allowed {
			return &r.Results[i]
		}
	}
	return nil
}

func denied(capability, method string, err error) CheckResult {
	return CheckResult{
		Capability: capability,
		Allowed:    false,
		Method:     method,
		ErrorCode:  normalizeErrorCode(err),
		Detail:     err.Error(),
	}
}

func normalizeErrorCode(err error) string {
	switch {
	case provider.IsAccessDenied(err), provider.IsInvalidCredentials(err):
		return ErrCodeAccessDenied
	case provider.IsBucketNotFound(err), provider.IsNotFound(err):
		return ErrCodeNotFound
	case provider.IsThrottled(err):
		return ErrCodeThrottled
	case provider.IsStorageFull(err):
		return ErrCodeStorageFull
	default:
		return ErrCodeInternal
	}
}

func joinPrefix(prefix, suffix string) string {
	if prefix == "" {
		return strings.TrimPrefix(suffix, "/")
	}
	if strings.HasSuffix(prefix, "/") {
		return prefix + strings.TrimPrefix(suffix, "/")
	}
	return prefix + "/" + strings.TrimPrefix(suffix, "/")
}
