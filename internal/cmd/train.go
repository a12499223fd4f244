package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ckptrun/internal/config"
	"github.com/3leaps/ckptrun/internal/observability"
	"github.com/3leaps/ckptrun/pkg/runregistry"
	"github.com/3leaps/ckptrun/pkg/steploop"
)

const (
	// exitSimulatedCrash is returned for an injected crash so the scheduler
	// relaunches the job.
	exitSimulatedCrash = 1

	// exitStepFailed is returned when the unit of work itself failed.
	exitStepFailed = foundry.ExitTransformationFailed
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run the step loop, resuming from the latest checkpoint",
	Long: `Run the configured number of steps, writing a checkpoint marker after
each one. On start the newest marker is discovered and the run resumes from
there; if every step is already recorded the command exits 0 without working.

A simulated crash (see --fail-probability) exits 1 right after a marker was
saved. Relaunching until exit 0 always converges. A failing step exits 62 and
an interrupt (SIGINT/SIGTERM) exits with the signal code; neither records the
step in progress.

Examples:
  ckptrun train
  ckptrun train --total-steps 5 --step-duration 100ms
  CKPT_DIR=/mnt/shared/ckpts ckptrun train
  ckptrun train --provider s3 --bucket my-bucket --prefix jobs/run-42/`,
	RunE: runTrain,
}

// trainFlagPaths maps train flags onto config keys.
var trainFlagPaths = map[string]string{
	"total-steps":      "run.total_steps",
	"fail-probability": "run.fail_probability",
	"step-duration":    "run.step_duration",
	"seed":             "run.seed",
	"provider":         "checkpoint.provider",
	"ckpt-dir":         "checkpoint.dir",
	"prefix":           "checkpoint.prefix",
	"bucket":           "checkpoint.s3.bucket",
	"region":           "checkpoint.s3.region",
	"endpoint":         "checkpoint.s3.endpoint",
	"profile":          "checkpoint.s3.profile",
	"preflight":        "checkpoint.preflight",
	"registry-dir":     "registry.dir",
	"metrics-addr":     "telemetry.metrics_addr",
}

func init() {
	rootCmd.AddCommand(trainCmd)

	f := trainCmd.Flags()
	f.Int("total-steps", steploop.DefaultTotalSteps, "Number of steps in a complete run")
	f.Float64("fail-probability", steploop.DefaultFailProbability, "Probability of a simulated crash after each saved step")
	f.Duration("step-duration", steploop.DefaultStepDuration, "Simulated work per step")
	f.Int64("seed", 0, "Crash decider seed (0 = seed from clock)")
	addCheckpointFlags(trainCmd)
	f.String("preflight", "", "Preflight mode before training (plan-only|read-safe|write-check)")
	f.String("registry-dir", "", "Run registry directory (default <app data dir>/runs)")
	f.Bool("no-registry", false, "Do not record this run in the run registry")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address while training")
}

// addCheckpointFlags registers the flags that select a marker location.
func addCheckpointFlags(c *cobra.Command) {
	f := c.Flags()
	f.String("provider", "", "Checkpoint provider (file|s3)")
	f.String("ckpt-dir", "", "Checkpoint directory for the file provider (default ./ckpts, env CKPT_DIR)")
	f.String("prefix", "", "Key prefix markers live under")
	f.String("bucket", "", "S3 bucket for the s3 provider")
	f.StringP("region", "r", "", "AWS region")
	f.String("endpoint", "", "Custom S3 endpoint")
	f.StringP("profile", "p", "", "AWS profile")
}

// checkpointFlagPaths is the subset of trainFlagPaths shared with status and serve.
func checkpointFlagPaths() map[string]string {
	out := map[string]string{}
	for _, name := range []string{"provider", "ckpt-dir", "prefix", "bucket", "region", "endpoint", "profile"} {
		out[name] = trainFlagPaths[name]
	}
	return out
}

func runTrain(cmd *cobra.Command, args []string) error {
	overrides := flagOverrides(cmd, trainFlagPaths)
	if noRegistry, _ := cmd.Flags().GetBool("no-registry"); noRegistry {
		overrides["registry.enabled"] = false
	}

	cfg, err := loadConfig(cmd.Context(), overrides)
	if err != nil {
		return err
	}

	_, err = executeTrain(cmd.Context(), cfg, trainOptions{})
	return err
}

// trainOptions replaces the configured work and crash behavior.
type trainOptions struct {
	runID   string
	worker  steploop.Worker
	decider steploop.CrashDecider
}

// executeTrain runs one invocation of the step loop against the configured
// checkpoint location and maps the outcome to an exit error.
func executeTrain(ctx context.Context, cfg *config.Config, opts trainOptions) (*steploop.Result, error) {
	logger := observability.CLILogger

	runID := opts.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	target, err := openCheckpoint(ctx, cfg, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = target.Close() }()

	if _, err := runPreflight(ctx, target, cfg.Checkpoint.Preflight); err != nil {
		return nil, err
	}

	_, stopTelemetry := startTelemetry(cfg, "")
	defer stopTelemetry()

	reg := openRegistry(cfg)
	rec := startRunRecord(reg, runID, cfg, target)

	worker := opts.worker
	if worker == nil {
		worker = steploop.SleepWorker{Duration: cfg.Run.StepDuration}
	}
	decider := opts.decider
	if decider == nil {
		var rng *rand.Rand
		if cfg.Run.Seed != 0 {
			rng = rand.New(rand.NewSource(cfg.Run.Seed))
		}
		decider = steploop.ProbabilisticDecider(cfg.Run.FailProbability, rng)
	}

	logger.Debug("Starting run",
		zap.String("run_id", runID),
		zap.String("checkpoint", target.String()),
		zap.Int("total_steps", cfg.Run.TotalSteps),
		zap.Float64("fail_probability", cfg.Run.FailProbability))

	loop, err := steploop.New(meteredStore{target.store}, steploop.Config{TotalSteps: cfg.Run.TotalSteps},
		steploop.WithLogger(logger),
		steploop.WithWorker(worker),
		steploop.WithDecider(decider),
		steploop.WithCheckpointHook(func(step int) {
			observability.RecordMarkerWritten(step)
			heartbeatRunRecord(reg, runID, step)
		}),
	)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid run configuration", err)
	}

	writeRunRecord(reg, rec)

	res, runErr := loop.Run(ctx)
	finishRunRecord(reg, rec, res, runErr)
	if res != nil {
		observability.RecordRun(string(res.Outcome), res.StepsExecuted)
	}

	return res, trainExitError(runErr)
}

// trainExitError maps a loop error to the exit code the scheduler sees.
func trainExitError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, steploop.ErrSimulatedCrash) {
		return exitError(exitSimulatedCrash, "Simulated crash", err)
	}
	if op, ok := steploop.IsStorageError(err); ok {
		observability.CLILogger.Error("Checkpoint I/O failed", zap.String("op", op), zap.Error(err))
		if op == steploop.OpWrite {
			return exitError(foundry.ExitFileWriteError, "Failed to write checkpoint", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read checkpoints", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		observability.CLILogger.Warn("Run interrupted; the current step was not recorded", zap.Error(err))
		return exitError(foundry.ExitSignalInt, "Run interrupted", err)
	}
	observability.CLILogger.Error("Step failed", zap.Error(err))
	return exitError(exitStepFailed, "Step failed", err)
}

// registryDir resolves the run registry root.
func registryDir(cfg *config.Config) string {
	if dir := strings.TrimSpace(cfg.Registry.Dir); dir != "" {
		return dir
	}
	name := "ckptrun"
	if identity := GetAppIdentity(); identity != nil && strings.TrimSpace(identity.ConfigName) != "" {
		name = identity.ConfigName
	}
	return filepath.Join(gfconfig.GetAppDataDir(name), "runs")
}

// openRegistry returns nil when the registry is disabled.
func openRegistry(cfg *config.Config) *runregistry.Store {
	if !cfg.Registry.Enabled {
		return nil
	}
	return runregistry.NewStore(registryDir(cfg))
}

func startRunRecord(reg *runregistry.Store, runID string, cfg *config.Config, target *checkpointTarget) *runregistry.RunRecord {
	if reg == nil {
		return nil
	}
	now := time.Now().UTC()
	host, _ := os.Hostname()
	loc := target.location
	return &runregistry.RunRecord{
		RunID:      runID,
		State:      runregistry.RunStateRunning,
		PID:        os.Getpid(),
		Host:       host,
		TotalSteps: cfg.Run.TotalSteps,
		Checkpoint: &loc,
		CreatedAt:  now,
		StartedAt:  &now,
	}
}

func finishRunRecord(reg *runregistry.Store, rec *runregistry.RunRecord, res *steploop.Result, runErr error) {
	if reg == nil || rec == nil {
		return
	}
	now := time.Now().UTC()
	rec.EndedAt = &now
	rec.LastHeartbeat = &now
	rec.State = runregistry.RunStateFailed
	if res != nil {
		rec.State = runregistry.RunState(res.Outcome)
		rec.ResumeStep = res.ResumeStep
		rec.LastStep = res.LastStep
		rec.StepsExecuted = res.StepsExecuted
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	writeRunRecord(reg, rec)
}

// heartbeatRunRecord advances the stored record after a durable marker.
func heartbeatRunRecord(reg *runregistry.Store, runID string, step int) {
	if reg == nil {
		return
	}
	err := reg.Update(runID, func(r *runregistry.RunRecord) {
		now := time.Now().UTC()
		r.LastStep = step
		r.StepsExecuted++
		r.LastHeartbeat = &now
	})
	if err != nil {
		observability.CLILogger.Warn(fmt.Sprintf("Failed to update run record in %s", reg.RootDir()),
			zap.String("run_id", runID), zap.Int("step", step), zap.Error(err))
	}
}

// writeRunRecord never fails the run; the registry is informational.
func writeRunRecord(reg *runregistry.Store, rec *runregistry.RunRecord) {
	if reg == nil || rec == nil {
		return
	}
	if err := reg.Write(rec); err != nil {
		observability.CLILogger.Warn(fmt.Sprintf("Failed to update run record in %s", reg.RootDir()),
			zap.String("run_id", rec.RunID), zap.Error(err))
	}
}
