package runregistry

import "time"

// RunState is the lifecycle state of one ckptrun invocation.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateRunning         RunState = "running"
	RunStateComplete        RunState = "complete"
	RunStateAlreadyComplete RunState = "already_complete"
	RunStateCrashed         RunState = "crashed"
	RunStateFailed          RunState = "failed"
	RunStateInterrupted     RunState = "interrupted"

	// RunStateUnknown marks a record that claimed running but whose process
	// is gone, typically because the scheduler killed it.
	RunStateUnknown RunState = "unknown"
)

// Terminal reports whether s is a final state.
func (s RunState) Terminal() bool {
	return s != RunStateRunning
}

// CheckpointLocation is a string-only summary of where markers were written.
type CheckpointLocation struct {
	Provider string `json:"provider" yaml:"provider"`
	Location string `json:"location" yaml:"location"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID         string   `json:"run_id" yaml:"run_id"`
	State         RunState `json:"state" yaml:"state"`
	PID           int      `json:"pid,omitempty" yaml:"pid,omitempty"`
	Host          string   `json:"host,omitempty" yaml:"host,omitempty"`
	TotalSteps    int      `json:"total_steps" yaml:"total_steps"`
	ResumeStep    int      `json:"resume_step" yaml:"resume_step"`
	LastStep      int      `json:"last_step" yaml:"last_step"`
	StepsExecuted int      `json:"steps_executed" yaml:"steps_executed"`

	Checkpoint *CheckpointLocation `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Error      string              `json:"error,omitempty" yaml:"error,omitempty"`

	CreatedAt     time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty" yaml:"last_heartbeat,omitempty"`
}
