package orchestrator

import (
	"errors"
	"fmt"
)

// Error classes reported by the orchestrator. Stage failures wrap one of
// these in a *StageFailure so callers can branch with errors.Is.
var (
	ErrAlreadyRunning     = errors.New("pipeline is already running")
	ErrExecutableNotFound = errors.New("executable not found")
	ErrNotExecutable      = errors.New("file is not executable")
	ErrProcessStart       = errors.New("process failed to start")
	ErrProcessCrash       = errors.New("process crashed")
	ErrProcessTimeout     = errors.New("process timed out")
	ErrNonZeroExit        = errors.New("process exited with non-zero status")
	ErrStageFailed        = errors.New("stage computation failed")
	ErrMissingArtifact    = errors.New("required artifact missing")
	ErrCancelled          = errors.New("cancelled by user")
)

// StageFailure attaches the failing stage to an underlying cause.
type StageFailure struct {
	Stage Stage
	Err   error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Stage.Number(), e.Stage.Title(), e.Err)
}

func (e *StageFailure) Unwrap() error {
	return e.Err
}

// ExitError describes a process that ran but did not exit cleanly. Stderr
// holds the tail of the captured standard error.
type ExitError struct {
	Program  string
	ExitCode int
	Signal   string
	Stderr   string
	kind     error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Program, e.kind)
	switch {
	case e.Signal != "":
		msg += " (signal " + e.Signal + ")"
	case e.ExitCode != 0:
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.kind
}

// wrapStage wraps err for stage unless it already is a StageFailure.
func wrapStage(stage Stage, err error) error {
	var se *StageFailure
	if errors.As(err, &se) {
		return err
	}
	return &StageFailure{Stage: stage, Err: err}
}
