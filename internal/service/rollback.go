package service

import (
	"context"
	"log/slog"
	"time"
)

type compensation struct {
	name string
	undo func(ctx context.Context) error
}

// rollbackStack records the undo action of every step that has already taken effect in one
// attempt. Unwind runs them newest first.
type rollbackStack struct {
	steps []compensation
}

func (r *rollbackStack) push(name string, undo func(ctx context.Context) error) {
	r.steps = append(r.steps, compensation{name: name, undo: undo})
}

func (r *rollbackStack) len() int {
	return len(r.steps)
}

// unwind runs on a context detached from the caller's cancellation: a request that timed out
// still has its compensations applied. Every step is attempted; failures are logged and counted.
func (r *rollbackStack) unwind(ctx context.Context, timeout time.Duration, logger *slog.Logger) (failed int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		if err := step.undo(ctx); err != nil {
			failed++
			logger.ErrorContext(ctx, "compensation failed", slog.String("step", step.name), slog.Any("error", err))
		}
	}
	r.steps = nil
	return failed
}
