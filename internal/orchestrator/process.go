package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// stderrTailLines is how much captured stderr is kept for the failure reason.
const stderrTailLines = 20

// maxLineBytes caps a single captured output line.
const maxLineBytes = 1 << 20

// ProcessExecutor runs a stage as an external tool. The program is resolved
// and checked before launch; stdout and stderr are forwarded line by line as
// they arrive. On cancellation the process group is sent SIGTERM and, if it
// has not exited after KillGrace, SIGKILL.
type ProcessExecutor struct {
	cfg    Config
	logger *slog.Logger
}

// NewProcessExecutor creates a ProcessExecutor for cfg. A nil logger uses
// slog.Default.
func NewProcessExecutor(cfg Config, logger *slog.Logger) *ProcessExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessExecutor{cfg: cfg.withDefaults(), logger: logger}
}

// Execute implements StageExecutor.
func (e *ProcessExecutor) Execute(ctx context.Context, spec StageSpec, run *Run, log LogFunc) error {
	program, args := spec.Command(e.cfg, run)
	path, err := ResolveExecutable(program, e.cfg.ToolDirs)
	if err != nil {
		return err
	}
	log(LevelInfo, "Running: "+path+" "+strings.Join(args, " "))
	return e.RunCommand(ctx, path, args, run.OutputDir, log)
}

// RunCommand runs the executable at path in dir, streaming its output to log
// and applying the executor's timeout and termination policy. It is the
// process half of Execute and is usable for tools outside the stage table.
func (e *ProcessExecutor) RunCommand(parent context.Context, path string, args []string, dir string, log LogFunc) error {
	ctx := parent
	if e.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.cfg.StageTimeout)
		defer cancel()
	}
	name := filepath.Base(path)

	// A run cancelled before launch never starts the process.
	if err := parent.Err(); err != nil {
		return ErrCancelled
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %s: stdout pipe: %v", ErrProcessStart, name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: %s: stderr pipe: %v", ErrProcessStart, name, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProcessStart, path, err)
	}
	pid := cmd.Process.Pid
	e.logger.Debug("process started", "program", name, "pid", pid, "dir", dir)

	tail := newLineTail(stderrTailLines)
	var g errgroup.Group
	g.Go(func() error {
		return pumpLines(stdout, func(line string) { log(LevelOutput, line) })
	})
	g.Go(func() error {
		return pumpLines(stderr, func(line string) {
			tail.add(line)
			log(LevelStderr, line)
		})
	})

	done := make(chan error, 1)
	go func() {
		// Wait must not be called before the pipes are drained.
		if err := g.Wait(); err != nil {
			e.logger.Warn("output capture", "program", name, "error", err)
		}
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		e.logger.Debug("process exited", "program", name, "pid", pid, "error", err)
		return exitFailure(name, err, tail.String())
	case <-ctx.Done():
	}

	log(LevelWarn, fmt.Sprintf("Terminating %s (pid %d)", name, pid))
	if err := terminateGroup(pid); err != nil {
		e.logger.Debug("terminate process group", "pid", pid, "error", err)
	}
	timer := time.NewTimer(e.cfg.KillGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log(LevelWarn, fmt.Sprintf("%s did not exit within %s, killing", name, e.cfg.KillGrace))
		if err := killGroup(pid); err != nil {
			e.logger.Debug("kill process group", "pid", pid, "error", err)
		}
		<-done
	}

	if parent.Err() == nil {
		return fmt.Errorf("%w: %s exceeded %s", ErrProcessTimeout, name, e.cfg.StageTimeout)
	}
	return ErrCancelled
}

// exitFailure maps the result of cmd.Wait to nil or a typed failure.
func exitFailure(program string, err error, stderr string) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return fmt.Errorf("%w: %s: %v", ErrProcessCrash, program, err)
	}
	xe := &ExitError{Program: program, ExitCode: ee.ExitCode(), Stderr: stderr, kind: ErrNonZeroExit}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		xe.Signal = ws.Signal().String()
		xe.kind = ErrProcessCrash
	}
	return xe
}

// pumpLines calls fn for every line read from r. Input past an overlong
// line is drained so the writer never blocks on a full pipe.
func pumpLines(r io.Reader, fn func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		fn(strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// lineTail keeps the last n lines written to it.
type lineTail struct {
	n     int
	lines []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) String() string {
	return strings.Join(t.lines, "\n")
}
