package steploop

import (
	"context"
	"time"
)

// DefaultStepDuration is how long SleepWorker takes when no duration is set.
const DefaultStepDuration = time.Second

// Worker performs the unit of work for the 0-based step index.
type Worker interface {
	Work(ctx context.Context, step int) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, step int) error

func (f WorkerFunc) Work(ctx context.Context, step int) error { return f(ctx, step) }

// SleepWorker stands in for real compute by waiting Duration. It returns
// early with the context error when ctx is done.
type SleepWorker struct {
	Duration time.Duration
}

func (w SleepWorker) Work(ctx context.Context, _ int) error {
	if w.Duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(w.Duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
