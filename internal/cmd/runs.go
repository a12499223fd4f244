package cmd

import (
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

	"github.com/3leaps/ckptrun/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded train invocations",
	Long: `List the run records kept for each train invocation, newest first.

A record still marked running whose process no longer exists is shown as
unknown: the scheduler killed it before it could record an outcome.

Examples:
  ckptrun runs
  ckptrun runs --format json
  ckptrun runs show 6f1c0a4e`,
	Args: cobra.NoArgs,
	RunE: runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one run record (full id or unique prefix)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsShowCmd)

	for _, c := range []*cobra.Command{runsCmd, runsShowCmd} {
		c.Flags().StringP("format", "o", "text", "Output format (text|json|yaml)")
		c.Flags().String("registry-dir", "", "Run registry directory (default <app data dir>/runs)")
	}
}

func openRunsStore(cmd *cobra.Command) (*runregistry.Store, string, error) {
	format, _ := cmd.Flags().GetString("format")
	if err := validateFormat(format); err != nil {
		return nil, "", exitError(foundry.ExitInvalidArgument, "Invalid --format value", err)
	}
	cfg, err := loadConfig(cmd.Context(), flagOverrides(cmd, map[string]string{"registry-dir": "registry.dir"}))
	if err != nil {
		return nil, "", err
	}
	return runregistry.NewStore(registryDir(cfg)), strings.ToLower(format), nil
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	store, format, err := openRunsStore(cmd)
	if err != nil {
		return err
	}
	runs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read run registry", err)
	}
	return writeRuns(os.Stdout, runs, format)
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, format, err := openRunsStore(cmd)
	if err != nil {
		return err
	}
	runID, err := resolveRunID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown run", err)
	}
	rec, err := store.Get(runID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read run record", err)
	}
	return writeRun(os.Stdout, rec, format)
}

func writeRuns(w io.Writer, runs []runregistry.RunRecord, format string) error {
	if runs == nil {
		runs = []runregistry.RunRecord{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(runs)
	}

	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "No runs found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN ID\tSTATE\tSTEPS\tEXECUTED\tSTARTED\tENDED\tCHECKPOINT")
	for _, r := range runs {
		location := "-"
		if r.Checkpoint != nil {
			location = r.Checkpoint.Location
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d->%d/%d\t%d\t%s\t%s\t%s\n",
			shortRunID(r.RunID),
			r.State,
			r.ResumeStep, r.LastStep, r.TotalSteps,
			r.StepsExecuted,
			formatOptionalTime(r.StartedAt),
			formatOptionalTime(r.EndedAt),
			location,
		)
	}
	return tw.Flush()
}

func writeRun(w io.Writer, rec *runregistry.RunRecord, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(w, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(w, "state=%s\n", rec.State)
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(w, "pid=%d\n", rec.PID)
	}
	if rec.Host != "" {
		_, _ = fmt.Fprintf(w, "host=%s\n", rec.Host)
	}
	_, _ = fmt.Fprintf(w, "total_steps=%d\n", rec.TotalSteps)
	_, _ = fmt.Fprintf(w, "resume_step=%d\n", rec.ResumeStep)
	_, _ = fmt.Fprintf(w, "last_step=%d\n", rec.LastStep)
	_, _ = fmt.Fprintf(w, "steps_executed=%d\n", rec.StepsExecuted)
	if rec.Checkpoint != nil {
		_, _ = fmt.Fprintf(w, "checkpoint=%s\n", rec.Checkpoint.Location)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(w, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(w, "error=%s\n", rec.Error)
	}
	return nil
}

func shortRunID(runID string) string {
	runID = strings.TrimSpace(runID)
	if len(runID) <= 8 {
		return runID
	}
	return runID[:8]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveRunID accepts a full run id or a unique prefix.
func resolveRunID(store *runregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("run_id is required")
	}

	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	runs, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, r := range runs {
		if strings.HasPrefix(r.RunID, input) {
			matches = append(matches, r.RunID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("run not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("run id prefix is ambiguous (%d matches); use the full run_id", len(matches))
	}
	return matches[0], nil
}
