package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Machine is the stage state machine. It walks a run's range strictly in
// order, dispatching each stage through the Router, and stops at the first
// failure or cancellation. A Machine holds no per-run state.
type Machine struct {
	router *Router
	logger *slog.Logger
}

// NewMachine creates a Machine that dispatches stages through router.
func NewMachine(router *Router, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{router: router, logger: logger}
}

// Drive runs every stage of run.Range and returns the terminal result. Events
// are passed to emit in the order they happen. The run's stage pointer only
// ever holds active stages: when Drive returns it still names the last stage
// entered, and Result.Stage carries Finished or the failing stage.
func (m *Machine) Drive(ctx context.Context, run *Run, token *CancellationToken, emit func(ProgressEvent)) Result {
	log := func(level LogLevel, text string) {
		emit(ProgressEvent{Kind: EventLog, RunID: run.ID, Stage: run.Stage(), Level: level, Text: text})
	}

	r := run.Range
	if !r.Valid() {
		err := fmt.Errorf("invalid stage range %d..%d", r.From, r.To)
		log(LevelError, err.Error())
		return Result{RunID: run.ID, Outcome: OutcomeFailed, Stage: r.From, Err: err}
	}

	if r.From != FirstStage {
		if err := m.router.CheckPrerequisites(r.From, run); err != nil {
			return m.fail(run, r.From, err, log)
		}
	}

	for stage := r.From; stage <= r.To; stage = stage.Next() {
		if token.IsRequested() {
			return m.cancelled(run, stage, log)
		}

		run.setStage(stage)
		emit(ProgressEvent{Kind: EventStageChanged, RunID: run.ID, Stage: stage})
		m.logger.Debug("stage started", "run", run.ID, "stage", stage.String())

		err := m.router.Route(ctx, stage, run, log)
		if token.IsRequested() || errors.Is(err, ErrCancelled) {
			return m.cancelled(run, stage, log)
		}
		if err != nil {
			return m.fail(run, stage, err, log)
		}
		log(LevelInfo, fmt.Sprintf("Stage %d completed: %s", stage.Number(), stage.Title()))
	}

	return Result{RunID: run.ID, Outcome: OutcomeSucceeded, Stage: StageFinished}
}

func (m *Machine) fail(run *Run, stage Stage, err error, log LogFunc) Result {
	err = wrapStage(stage, err)
	log(LevelError, err.Error())
	m.logger.Debug("stage failed", "run", run.ID, "stage", stage.String(), "error", err)
	return Result{RunID: run.ID, Outcome: OutcomeFailed, Stage: stage, Err: err}
}

func (m *Machine) cancelled(run *Run, stage Stage, log LogFunc) Result {
	log(LevelWarn, fmt.Sprintf("Pipeline cancelled during stage %d: %s", stage.Number(), stage.Title()))
	return Result{RunID: run.ID, Outcome: OutcomeCancelled, Stage: stage, Err: &StageFailure{Stage: stage, Err: ErrCancelled}}
}
