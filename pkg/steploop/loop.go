// Package steploop drives a bounded sequence of work units that resumes from
// the latest durable checkpoint marker.
//
// Each completed unit is followed by exactly one marker write. The crash
// decider is only asked after that write succeeded, so a simulated crash
// never loses a step that was reported as saved.
package steploop

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/ckptrun/pkg/checkpoint"
)

// DefaultTotalSteps is the run length used by the CLI when none is configured.
const DefaultTotalSteps = 20

// MarkerStore is the subset of checkpoint.Store the loop needs.
type MarkerStore interface {
	DiscoverLatest(ctx context.Context) (int, error)
	WriteMarker(ctx context.Context, step, totalSteps int) error
}

var _ MarkerStore = (*checkpoint.Store)(nil)

// Outcome is the terminal state of a Run.
//
// NOTE: values are persisted by the run registry.
type Outcome string

const (
	OutcomeComplete        Outcome = "complete"
	OutcomeAlreadyComplete Outcome = "already_complete"
	OutcomeCrashed         Outcome = "crashed"
	OutcomeFailed          Outcome = "failed"
	OutcomeInterrupted     Outcome = "interrupted"
)

// Config holds the run parameters.
type Config struct {
	TotalSteps int
}

func (c Config) Validate() error {
	if c.TotalSteps <= 0 {
		return fmt.Errorf("total steps must be positive, got %d", c.TotalSteps)
	}
	return nil
}

// Result summarizes a Run. It is returned even when Run fails.
type Result struct {
	Outcome       Outcome `json:"outcome" yaml:"outcome"`
	ResumeStep    int     `json:"resume_step" yaml:"resume_step"`
	LastStep      int     `json:"last_step" yaml:"last_step"`
	StepsExecuted int     `json:"steps_executed" yaml:"steps_executed"`
	TotalSteps    int     `json:"total_steps" yaml:"total_steps"`
}

// Loop is a resumable step loop over a MarkerStore.
type Loop struct {
	store   MarkerStore
	cfg     Config
	worker  Worker
	decider CrashDecider
	logger  *zap.Logger
	onSaved func(step int)
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger for progress lines.
func WithLogger(l *zap.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithWorker sets the unit of work.
func WithWorker(w Worker) Option {
	return func(lp *Loop) {
		if w != nil {
			lp.worker = w
		}
	}
}

// WithDecider sets the crash decider.
func WithDecider(d CrashDecider) Option {
	return func(lp *Loop) {
		if d != nil {
			lp.decider = d
		}
	}
}

// WithCheckpointHook registers fn to be called after each durable marker,
// before the crash decision.
func WithCheckpointHook(fn func(step int)) Option {
	return func(lp *Loop) {
		lp.onSaved = fn
	}
}

// New creates a Loop. Without options it sleeps DefaultStepDuration per step
// and crashes with DefaultFailProbability.
func New(store MarkerStore, cfg Config, opts ...Option) (*Loop, error) {
	if store == nil {
		return nil, fmt.Errorf("marker store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lp := &Loop{
		store:   store,
		cfg:     cfg,
		worker:  SleepWorker{Duration: DefaultStepDuration},
		decider: ProbabilisticDecider(DefaultFailProbability, nil),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(lp)
	}
	return lp, nil
}

// Run discovers the resume point and executes the remaining steps.
//
// A nil error means the run is complete (OutcomeComplete or
// OutcomeAlreadyComplete). A simulated crash returns an error matching
// ErrSimulatedCrash. Store failures return a *StorageError. Cancellation of
// ctx while a step is running, or while its marker is being written, returns
// the context error and claims no marker for that step.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	total := l.cfg.TotalSteps
	res := &Result{TotalSteps: total}

	resume, err := l.store.DiscoverLatest(ctx)
	if err != nil {
		res.Outcome = OutcomeFailed
		return res, &StorageError{Op: OpDiscover, Err: err}
	}
	res.ResumeStep = resume
	res.LastStep = resume

	if resume >= total {
		res.Outcome = OutcomeAlreadyComplete
		l.logger.Info(fmt.Sprintf("Training already complete! (%d/%d steps)", resume, total),
			zap.Int("resume_step", resume), zap.Int("total_steps", total))
		return res, nil
	}
	if resume > 0 {
		l.logger.Info(fmt.Sprintf("Resuming from checkpoint: %s", checkpoint.MarkerName(resume)),
			zap.Int("resume_step", resume), zap.Int("total_steps", total))
	} else {
		l.logger.Info("No checkpoint found, starting from scratch", zap.Int("total_steps", total))
	}

	for i := resume; i < total; i++ {
		if err := ctx.Err(); err != nil {
			res.Outcome = OutcomeInterrupted
			return res, err
		}

		l.logger.Info(fmt.Sprintf("Step %d", i), zap.Int("step", i), zap.Int("total_steps", total))
		if err := l.worker.Work(ctx, i); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				res.Outcome = OutcomeInterrupted
				return res, err
			}
			res.Outcome = OutcomeFailed
			return res, fmt.Errorf("step %d: %w", i, err)
		}
		res.StepsExecuted++

		step := i + 1
		if err := l.store.WriteMarker(ctx, step, total); err != nil {
			// Cancelled mid-write: nothing is claimed for this step.
			if ctx.Err() != nil {
				res.Outcome = OutcomeInterrupted
				return res, ctx.Err()
			}
			res.Outcome = OutcomeFailed
			return res, &StorageError{Op: OpWrite, Step: step, Err: err}
		}
		res.LastStep = step
		l.logger.Info(fmt.Sprintf("Saved checkpoint: %s", checkpoint.MarkerName(step)), zap.Int("step", step))
		if l.onSaved != nil {
			l.onSaved(step)
		}

		if l.decider.ShouldCrash(step) {
			res.Outcome = OutcomeCrashed
			l.logger.Warn("Simulated crash!", zap.Int("step", step))
			return res, &CrashError{Step: step}
		}
	}

	res.Outcome = OutcomeComplete
	l.logger.Info(fmt.Sprintf("Training completed successfully! (%d/%d steps)", res.LastStep, total),
		zap.Int("total_steps", total))
	return res, nil
}
