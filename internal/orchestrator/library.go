package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// Compile-time checks.
var (
	_ StageExecutor = (*FuncExecutor)(nil)
	_ StageExecutor = (*ProcessExecutor)(nil)
)

// StageFunc is the body of a stage computed in-process. It receives the run's
// concrete paths and a log callback, and should poll ctx at safe points.
type StageFunc func(ctx context.Context, run *Run, log LogFunc) error

// FuncExecutor runs a stage by calling directly into Go code instead of
// launching a tool.
type FuncExecutor struct {
	fn StageFunc
}

// NewFuncExecutor wraps fn as a StageExecutor.
func NewFuncExecutor(fn StageFunc) *FuncExecutor {
	return &FuncExecutor{fn: fn}
}

// Execute implements StageExecutor. Errors that are not already classified
// are reported as ErrStageFailed; a panic in fn is converted to a failure.
func (f *FuncExecutor) Execute(ctx context.Context, spec StageSpec, run *Run, log LogFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrStageFailed, spec.Stage.Title(), r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	err = f.fn(ctx, run, log)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return ErrCancelled
	case errors.Is(err, ErrStageFailed), errors.Is(err, ErrMissingArtifact):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStageFailed, err)
	}
}
