// Package frames extracts still images from a video into a project's
// images directory by running ffmpeg. It follows the same single-flight,
// cancellable, report-once-finished contract as the pipeline controller.
package frames

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dusk-indust/reconstruct/internal/orchestrator"
)

// DefaultProgram is the ffmpeg executable looked up when Options.Program is
// empty.
const DefaultProgram = "ffmpeg"

// FramePattern is the ffmpeg output template inside the images directory.
const FramePattern = "frame_%06d.jpg"

// ErrAlreadyRunning is returned by Extract while an extraction is active.
var ErrAlreadyRunning = errors.New("frame extraction already running")

// Options tunes the ffmpeg call.
type Options struct {
	Program string
	// FPS samples the video at this rate. Zero keeps every frame.
	FPS float64
	// Quality is the JPEG qscale (2 best .. 31 worst). Zero leaves ffmpeg's default.
	Quality int
}

// Args returns the ffmpeg arguments extracting video into imagesDir.
func (o Options) Args(video, imagesDir string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", video}
	if o.FPS > 0 {
		args = append(args, "-vf", "fps="+strconv.FormatFloat(o.FPS, 'f', -1, 64))
	}
	if o.Quality > 0 {
		args = append(args, "-q:v", strconv.Itoa(o.Quality))
	}
	return append(args, filepath.Join(imagesDir, FramePattern))
}

// Extractor runs at most one extraction at a time in the background.
type Extractor struct {
	cfg      orchestrator.Config
	opts     Options
	logger   *slog.Logger
	exec     *orchestrator.ProcessExecutor
	token    *orchestrator.CancellationToken
	progress *orchestrator.ProgressReporter

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// New creates an Extractor. cfg supplies the tool search directories and the
// termination policy.
func New(cfg orchestrator.Config, opts Options, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Program == "" {
		opts.Program = DefaultProgram
	}
	done := make(chan struct{})
	close(done)
	return &Extractor{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		exec:     orchestrator.NewProcessExecutor(cfg, logger),
		token:    orchestrator.NewCancellationToken(),
		progress: orchestrator.NewProgressReporter(),
		done:     done,
	}
}

// Extract starts extracting video into projectPath/images and returns
// immediately. Progress arrives as log events followed by exactly one
// finished event.
func (x *Extractor) Extract(video, projectPath string) error {
	x.mu.Lock()
	if x.running {
		x.mu.Unlock()
		x.progress.Emit(orchestrator.ProgressEvent{
			Kind:  orchestrator.EventLog,
			Level: orchestrator.LevelWarn,
			Text:  "Frame extraction is already running!",
		})
		return ErrAlreadyRunning
	}
	x.running = true
	x.token = orchestrator.NewCancellationToken()
	done := make(chan struct{})
	x.done = done
	token := x.token
	x.mu.Unlock()

	go x.work(video, projectPath, token, done)
	return nil
}

func (x *Extractor) work(video, projectPath string, token *orchestrator.CancellationToken, done chan struct{}) {
	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("frames: panic: %v", p)
		}
		outcome := orchestrator.OutcomeSucceeded
		switch {
		case errors.Is(err, orchestrator.ErrCancelled):
			outcome = orchestrator.OutcomeCancelled
		case err != nil:
			outcome = orchestrator.OutcomeFailed
		}

		x.mu.Lock()
		x.running = false
		x.mu.Unlock()

		fin := orchestrator.ProgressEvent{
			Kind:    orchestrator.EventFinished,
			Success: err == nil,
			Outcome: outcome,
			Project: projectPath,
		}
		if err != nil {
			fin.Error = err.Error()
		}
		x.progress.Emit(fin)
		x.progress.Flush()
		close(done)
	}()

	ctx, cancel := token.WithCancellation(context.Background())
	defer cancel()

	err = x.extract(ctx, video, projectPath)
	if token.IsRequested() {
		err = orchestrator.ErrCancelled
	}
	switch {
	case errors.Is(err, orchestrator.ErrCancelled):
		x.log(orchestrator.LevelWarn, "Frame extraction cancelled by user.")
	case err != nil:
		x.log(orchestrator.LevelError, err.Error())
	}
}

func (x *Extractor) extract(ctx context.Context, video, projectPath string) error {
	if _, err := os.Stat(video); err != nil {
		return fmt.Errorf("frames: could not open video file: %w", err)
	}
	imagesDir := filepath.Join(projectPath, "images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return fmt.Errorf("frames: create images dir: %w", err)
	}
	path, err := orchestrator.ResolveExecutable(x.opts.Program, x.cfg.ToolDirs)
	if err != nil {
		return err
	}

	x.log(orchestrator.LevelInfo, "Extracting frames from video: "+video)
	x.log(orchestrator.LevelInfo, "Frames will be saved to: "+imagesDir)

	// Modification times are compared at second granularity.
	start := time.Now().Truncate(time.Second)
	if err := x.exec.RunCommand(ctx, path, x.opts.Args(video, imagesDir), imagesDir, x.log); err != nil {
		return err
	}
	n, stale := countFrames(imagesDir, start)
	if stale > 0 {
		x.log(orchestrator.LevelWarn, fmt.Sprintf("%d frames from an earlier extraction remain in %s", stale, imagesDir))
	}
	if n == 0 {
		return fmt.Errorf("frames: %s produced no frames", filepath.Base(path))
	}
	x.logger.Debug("frames extracted", "video", video, "frames", n)
	x.log(orchestrator.LevelInfo, fmt.Sprintf("Frame extraction complete! Extracted %d frames.", n))
	return nil
}

func (x *Extractor) log(level orchestrator.LogLevel, text string) {
	x.progress.Emit(orchestrator.ProgressEvent{Kind: orchestrator.EventLog, Level: level, Text: text})
}

// Cancel requests that the active extraction stop. No-op when idle.
func (x *Extractor) Cancel() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.running {
		return
	}
	x.token.Request()
}

// Running reports whether an extraction is active.
func (x *Extractor) Running() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.running
}

// Done returns a channel closed once the current or latest extraction has
// finished and its events have been delivered.
func (x *Extractor) Done() <-chan struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.done
}

// AddListener registers fn for every later event.
func (x *Extractor) AddListener(fn func(orchestrator.ProgressEvent)) {
	x.progress.AddListener(fn)
}

// Subscribe returns a channel receiving every later event.
func (x *Extractor) Subscribe() <-chan orchestrator.ProgressEvent {
	return x.progress.Subscribe()
}

// Close cancels any extraction, waits for it, and stops event delivery.
func (x *Extractor) Close() {
	x.Cancel()
	<-x.Done()
	x.progress.Close()
}

// countFrames counts the frame files in dir modified at or after since, and
// the older ones left by earlier extractions.
func countFrames(dir string, since time.Time) (fresh, stale int) {
	matches, err := doublestar.Glob(os.DirFS(dir), "frame_*.jpg")
	if err != nil {
		return 0, 0
	}
	for _, m := range matches {
		info, err := os.Stat(filepath.Join(dir, m))
		if err != nil {
			continue
		}
		if info.ModTime().Before(since) {
			stale++
		} else {
			fresh++
		}
	}
	return fresh, stale
}
