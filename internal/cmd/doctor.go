package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	appconfig "github.com/3leaps/ckptrun/internal/config"
	"github.com/3leaps/ckptrun/internal/observability"
	"github.com/3leaps/ckptrun/pkg/preflight"
	"github.com/3leaps/ckptrun/pkg/provider"
)

var (
	doctorProvider   string
	doctorWriteCheck bool
)

// imdsTimeout bounds the EC2 metadata lookup; off EC2 it never answers.
const imdsTimeout = 2 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and the configured checkpoint location
and suggest fixes for common issues.

Examples:
  ckptrun doctor                          # Environment and checkpoint checks
  ckptrun doctor --write-check            # Also verify markers can be written
  ckptrun doctor --provider s3 --bucket b # S3-specific checks`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	addCheckpointFlags(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorWriteCheck, "write-check", false, "Write and delete a scratch object under the checkpoint prefix")
}

func runDoctor(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}

	cfg, err := loadConfig(ctx, flagOverrides(cmd, checkpointFlagPaths()))
	if err != nil {
		ExitWithCode(observability.CLILogger, ExitCode(err), "Cannot load configuration", err)
		return
	}
	doctorProvider = cfg.Checkpoint.Provider

	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 7

	if doctorProvider == provider.ProviderS3.String() {
		totalChecks = 10
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			fmt.Errorf("crucible version unavailable"))
		allChecks = false
	}
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot find config directory", err)
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Check 5: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// Check 6: Run registry
	if cfg.Registry.Enabled {
		dir := registryDir(cfg)
		if err := checkWritableDir(dir); err != nil {
			observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking run registry... ⚠️  %s is not writable", checkNum, totalChecks, dir),
				zap.Error(err))
			allChecks = false
		} else {
			observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking run registry... ✅ %s", checkNum, totalChecks, dir),
				zap.String("registry_dir", dir))
		}
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking run registry... ✅ disabled", checkNum, totalChecks))
	}
	checkNum++

	// Check 7: Checkpoint location
	if !checkCheckpointLocation(ctx, cfg, checkNum, totalChecks) {
		allChecks = false
	}
	checkNum++

	// S3-specific checks
	if doctorProvider == provider.ProviderS3.String() {
		allChecks = runS3Checks(ctx, checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkCheckpointLocation runs the preflight for the configured location.
func checkCheckpointLocation(ctx context.Context, cfg *appconfig.Config, checkNum, totalChecks int) bool {
	target, err := openCheckpoint(ctx, cfg, "")
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking checkpoint location... ❌ Cannot open location", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	defer func() { _ = target.Close() }()

	mode := preflight.ModeReadSafe
	if doctorWriteCheck {
		mode = preflight.ModeWriteCheck
	}
	rec, err := preflight.Checkpoint(ctx, target.provider, target.store.Prefix(), preflight.Spec{Mode: mode})
	if err != nil {
		fields := []zap.Field{zap.String("location", target.String()), zap.Error(err)}
		if failed := rec.Failed(); failed != nil {
			fields = append(fields, zap.String("capability", failed.Capability), zap.String("error_code", failed.ErrorCode))
		}
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking checkpoint location... ❌ %s", checkNum, totalChecks, target.String()),
			fields...)
		return false
	}

	latest, err := target.store.DiscoverLatest(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking checkpoint location... ❌ Discovery failed", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking checkpoint location... ✅ %s (latest step %d/%d, %s)",
		checkNum, totalChecks, target.String(), latest, cfg.Run.TotalSteps, mode),
		zap.String("location", target.String()),
		zap.Int("latest_step", latest),
		zap.Int("checks", len(rec.Results)))
	return true
}

// checkWritableDir creates dir if needed and writes a scratch file in it.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	// Check 8: AWS credentials
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	// Mask the access key for display
	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	// Check 9: Credential source info
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))
	checkNum++

	// Check 10: Instance metadata region. Off EC2 this is informational.
	region, err := imdsRegion(ctx, imds.NewFromConfig(cfg))
	switch {
	case err != nil:
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking instance metadata... ✅ not on EC2 (skipped)", checkNum, totalChecks),
			zap.String("reason", err.Error()))
	case cfg.Region != "" && region != cfg.Region:
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking instance metadata... ⚠️  instance region %s differs from configured %s",
			checkNum, totalChecks, region, cfg.Region),
			zap.String("instance_region", region), zap.String("configured_region", cfg.Region))
	default:
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking instance metadata... ✅ region %s", checkNum, totalChecks, region),
			zap.String("instance_region", region))
	}

	return allChecks
}

// regionGetter is the part of the IMDS client doctor uses.
type regionGetter interface {
	GetRegion(ctx context.Context, params *imds.GetRegionInput, optFns ...func(*imds.Options)) (*imds.GetRegionOutput, error)
}

func imdsRegion(ctx context.Context, client regionGetter) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()
	out, err := client.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", err
	}
	if out.Region == "" {
		return "", fmt.Errorf("instance metadata returned an empty region")
	}
	return out.Region, nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - checkpoint.s3.endpoint or use --endpoint flag")
	observability.CLILogger.Info("")
}
