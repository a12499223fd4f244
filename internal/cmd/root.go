// Package cmd implements the ckptrun command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/ckptrun/internal/config"
	"github.com/3leaps/ckptrun/internal/observability"
	"github.com/3leaps/ckptrun/internal/server/handlers"
)

// AppIdentity names the binary and the configuration it reads.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var (
	cfgFile string
	verbose bool

	appIdentity *AppIdentity

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "HEAD",
		BuildDate: "unknown",
	}
)

var rootCmd = &cobra.Command{
	Use:   "ckptrun",
	Short: "Checkpoint/resume harness for preemptible jobs",
	Long: `ckptrun runs a bounded sequence of steps and records a durable marker
after each one. When a job is killed and relaunched, the next run resumes from
the newest marker instead of starting over.

Markers live in a local directory (default ./ckpts, or $CKPT_DIR) or in an S3
bucket, so a relaunch on another node can pick up where the last one stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initIdentity()
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./ckptrun.yaml, then user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func initIdentity() {
	if appIdentity != nil {
		return
	}
	appIdentity = &AppIdentity{
		BinaryName: "ckptrun",
		EnvPrefix:  config.EnvPrefix(),
		ConfigName: "ckptrun",
	}
}

// GetAppIdentity returns the identity, or nil before the first command runs.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

// SetVersionInfo records build metadata for the version command and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// setDefaults seeds the global viper instance with the built-in defaults.
// Commands load through config.LoadFile; this keeps viper.Get* usable for
// ad hoc lookups in subcommands.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	setDefaults()
	return rootCmd.ExecuteContext(ctx)
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
// Errors without an explicit code (flag parsing, unknown commands) are
// treated as invalid arguments.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return foundry.ExitInvalidArgument
}

// ExitWithCode logs err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	observability.Sync()
	os.Exit(code)
}

// loadConfig resolves configuration with flag overrides applied and
// reconfigures the CLI logger from it. --verbose wins over logging.level.
func loadConfig(ctx context.Context, overrides map[string]any) (*config.Config, error) {
	cfg, err := config.LoadFile(ctx, cfgFile, overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	name := "ckptrun"
	if appIdentity != nil {
		name = appIdentity.BinaryName
	}
	if err := observability.ConfigureCLILogger(name, level, cfg.Logging.Profile); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	return cfg, nil
}

// flagOverrides collects changed flags as config overrides keyed by path.
func flagOverrides(cmd *cobra.Command, paths map[string]string) map[string]any {
	out := map[string]any{}
	for name, path := range paths {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		out[path] = strings.TrimSpace(f.Value.String())
	}
	return out
}
