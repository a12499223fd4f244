// Package observability holds the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileConsole    = "console"
	ProfileStructured = "structured"
)

// CLILogger is the logger used by commands for operator-facing output.
// It is a no-op logger until InitCLILogger or ConfigureCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger installs a human-readable console logger on stderr.
// verbose lowers the level to debug.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = newLogger(name, level, ProfileConsole)
}

// ConfigureCLILogger rebuilds CLILogger from configuration values.
func ConfigureCLILogger(name, level, profile string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	profile = strings.ToLower(strings.TrimSpace(profile))
	switch profile {
	case "", ProfileConsole, ProfileStructured:
	default:
		return fmt.Errorf("invalid log profile %q (expected %s or %s)", profile, ProfileConsole, ProfileStructured)
	}
	CLILogger = newLogger(name, lvl, profile)
	return nil
}

// Sync flushes CLILogger. Errors from syncing a terminal are ignored.
func Sync() {
	_ = CLILogger.Sync()
}

func newLogger(name string, level zapcore.Level, profile string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if profile == ProfileStructured {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encCfg.EncodeName = func(n string, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString("[" + n + "]")
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	logger := zap.New(core)
	if name != "" {
		logger = logger.Named(name)
	}
	return logger
}
