package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/ckptrun/internal/config"
	"github.com/3leaps/ckptrun/internal/observability"
	"github.com/3leaps/ckptrun/pkg/checkpoint"
	"github.com/3leaps/ckptrun/pkg/preflight"
	"github.com/3leaps/ckptrun/pkg/provider"
	"github.com/3leaps/ckptrun/pkg/provider/file"
	"github.com/3leaps/ckptrun/pkg/provider/s3"
	"github.com/3leaps/ckptrun/pkg/runregistry"
)

// checkpointTarget bundles an opened marker location.
type checkpointTarget struct {
	provider provider.Provider
	store    *checkpoint.Store
	location runregistry.CheckpointLocation
}

func (t *checkpointTarget) Close() error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Close()
}

// String renders the location for log lines.
func (t *checkpointTarget) String() string {
	return t.location.Location
}

// openCheckpoint builds the provider and store selected by cfg.
func openCheckpoint(ctx context.Context, cfg *config.Config, runID string) (*checkpointTarget, error) {
	ck := cfg.Checkpoint
	pt, _ := provider.ParseProviderType(ck.Provider)

	var (
		prov provider.Provider
		loc  runregistry.CheckpointLocation
	)
	switch pt {
	case provider.ProviderS3:
		s3cfg := s3.Config{
			Bucket:         ck.S3.Bucket,
			Region:         ck.S3.Region,
			Endpoint:       ck.S3.Endpoint,
			Profile:        ck.S3.Profile,
			ForcePathStyle: ck.S3.ForcePathStyle,
		}
		p, err := s3.New(ctx, s3cfg)
		if err != nil {
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to storage provider", err)
		}
		prov = p
		loc = runregistry.CheckpointLocation{
			Provider: pt.String(),
			Location: s3cfg.URI(checkpoint.NormalizePrefix(ck.Prefix)),
			Prefix:   checkpoint.NormalizePrefix(ck.Prefix),
		}
	default:
		p, err := file.New(file.Config{BaseDir: ck.Dir})
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid checkpoint directory", err)
		}
		prov = p
		location := p.BaseDir()
		if abs, err := filepath.Abs(location); err == nil {
			location = abs
		}
		if prefix := checkpoint.NormalizePrefix(ck.Prefix); prefix != "" {
			location = filepath.Join(location, filepath.FromSlash(prefix))
		}
		loc = runregistry.CheckpointLocation{
			Provider: provider.ProviderFile.String(),
			Location: location,
			Prefix:   checkpoint.NormalizePrefix(ck.Prefix),
		}
	}

	store, err := checkpoint.New(prov, checkpoint.Config{
		Prefix:        ck.Prefix,
		ListRateLimit: ck.ListRateLimit,
		RunID:         runID,
		Logger:        observability.CLILogger,
	})
	if err != nil {
		_ = prov.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid checkpoint configuration", err)
	}

	return &checkpointTarget{provider: prov, store: store, location: loc}, nil
}

// runPreflight checks the location is usable in the configured mode.
func runPreflight(ctx context.Context, t *checkpointTarget, modeName string) (*preflight.Record, error) {
	mode, err := preflight.ParseMode(modeName)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid preflight mode", err)
	}
	rec, err := preflight.Checkpoint(ctx, t.provider, t.store.Prefix(), preflight.Spec{Mode: mode})
	if err != nil {
		failed := rec.Failed()
		fields := []zap.Field{zap.String("mode", string(mode)), zap.String("location", t.String()), zap.Error(err)}
		if failed != nil {
			fields = append(fields, zap.String("capability", failed.Capability), zap.String("error_code", failed.ErrorCode))
		}
		observability.CLILogger.Error("Checkpoint preflight failed", fields...)
		return rec, exitError(foundry.ExitExternalServiceUnavailable,
			fmt.Sprintf("Checkpoint location %s is not usable", t.String()), err)
	}
	observability.CLILogger.Debug("Checkpoint preflight passed",
		zap.String("mode", string(mode)), zap.Int("checks", len(rec.Results)))
	return rec, nil
}
