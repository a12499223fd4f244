package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/ckptrun/internal/config"
	"github.com/3leaps/ckptrun/pkg/checkpoint"
	"github.com/3leaps/ckptrun/pkg/steploop"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint progress",
	Long: `Show the latest durable step and every readable marker at the configured
checkpoint location. Nothing is written.

Examples:
  ckptrun status
  ckptrun status --ckpt-dir /mnt/shared/ckpts --format json
  ckptrun status --provider s3 --bucket my-bucket --prefix jobs/run-42/ --format yaml`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	addCheckpointFlags(statusCmd)
	statusCmd.Flags().Int("total-steps", steploop.DefaultTotalSteps, "Number of steps in a complete run")
	statusCmd.Flags().StringP("format", "o", "text", "Output format (text|json|yaml)")
}

// Status is the status command report.
type Status struct {
	Location   string              `json:"location" yaml:"location"`
	Provider   string              `json:"provider" yaml:"provider"`
	LatestStep int                 `json:"latest_step" yaml:"latest_step"`
	TotalSteps int                 `json:"total_steps" yaml:"total_steps"`
	Complete   bool                `json:"complete" yaml:"complete"`
	Markers    []checkpoint.Marker `json:"markers" yaml:"markers"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := validateFormat(format); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --format value", err)
	}

	paths := checkpointFlagPaths()
	paths["total-steps"] = "run.total_steps"
	cfg, err := loadConfig(cmd.Context(), flagOverrides(cmd, paths))
	if err != nil {
		return err
	}

	st, err := collectStatus(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	return writeStatus(os.Stdout, st, format)
}

// collectStatus reads the marker location without writing to it.
func collectStatus(ctx context.Context, cfg *config.Config) (*Status, error) {
	target, err := openCheckpoint(ctx, cfg, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = target.Close() }()

	latest, err := target.store.DiscoverLatest(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to read checkpoints", err)
	}
	markers, err := target.store.Markers(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to read checkpoint markers", err)
	}

	return &Status{
		Location:   target.location.Location,
		Provider:   target.location.Provider,
		LatestStep: latest,
		TotalSteps: cfg.Run.TotalSteps,
		Complete:   latest >= cfg.Run.TotalSteps,
		Markers:    markers,
	}, nil
}

func writeStatus(w io.Writer, st *Status, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(st)
	}

	_, _ = fmt.Fprintf(w, "location:    %s (%s)\n", st.Location, st.Provider)
	_, _ = fmt.Fprintf(w, "progress:    %d/%d", st.LatestStep, st.TotalSteps)
	if st.Complete {
		_, _ = fmt.Fprint(w, " (complete)")
	}
	_, _ = fmt.Fprintln(w)
	if st.LatestStep == 0 {
		_, _ = fmt.Fprintln(w, "No checkpoints found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STEP\tTOTAL\tWRITTEN\tRUN ID")
	for _, m := range st.Markers {
		runID := m.RunID
		if runID == "" {
			runID = "-"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", m.Step, m.TotalSteps, formatTime(m.Timestamp), runID)
	}
	return tw.Flush()
}

func validateFormat(format string) error {
	switch strings.ToLower(format) {
	case "text", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unsupported format %q (expected text, json or yaml)", format)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
