package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/3leaps/ckptrun/internal/cmd"
	"github.com/3leaps/ckptrun/internal/observability"
	"github.com/3leaps/ckptrun/pkg/steploop"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()

	// A simulated crash already logged its own line.
	if err != nil && !errors.Is(err, steploop.ErrSimulatedCrash) {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	observability.Sync()
	os.Exit(cmd.ExitCode(err))
}
