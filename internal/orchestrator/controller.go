package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/dusk-indust/reconstruct/internal/imagelist"
)

// Options customizes a Controller beyond its Config.
type Options struct {
	// Logger receives diagnostic logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Executors replaces the executor of individual stages.
	Executors map[Stage]StageExecutor

	// NewID generates run ids. Defaults to random UUIDs.
	NewID func() string
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	Running     bool    `json:"running"`
	Stage       Stage   `json:"stage"`
	RunID       string  `json:"runId,omitempty"`
	ProjectPath string  `json:"projectPath,omitempty"`
	Range       string  `json:"range,omitempty"`
	LastOutcome Outcome `json:"lastOutcome,omitempty"`
	LastError   string  `json:"lastError,omitempty"`
}

// Controller is the composition root of the orchestrator. It owns the state
// machine, the cancellation token and the progress reporter, and runs at most
// one pipeline at a time on a background goroutine.
type Controller struct {
	cfg      Config
	logger   *slog.Logger
	newID    func() string
	machine  *Machine
	token    *CancellationToken
	progress *ProgressReporter

	mu   sync.Mutex
	run  *Run
	done chan struct{}
	last Result
}

// NewController validates cfg and wires a Controller. Stages run as external
// processes unless overridden by opts or by cfg.ImageListing.
func NewController(cfg Config, opts Options) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	router := NewRouter(NewProcessExecutor(cfg, logger))
	if cfg.ImageListing == ListingBuiltin {
		router.RegisterExecutor(StageInitImageListing, NewFuncExecutor(builtinImageListing(cfg)))
	}
	for stage, exec := range opts.Executors {
		if !stage.Active() {
			return nil, fmt.Errorf("controller: executor for non-executable stage %s", stage)
		}
		router.RegisterExecutor(stage, exec)
	}

	done := make(chan struct{})
	close(done)

	return &Controller{
		cfg:      cfg,
		logger:   logger,
		newID:    newID,
		machine:  NewMachine(router, logger),
		token:    NewCancellationToken(),
		progress: NewProgressReporter(),
		done:     done,
	}, nil
}

// StartPipeline runs every stage for projectPath. See StartRange.
func (c *Controller) StartPipeline(projectPath string) error {
	return c.StartRange(projectPath, RangeFull)
}

// StartRange starts a background run of the stages in r for projectPath and
// returns immediately. If a run is already active nothing changes: an
// "already running" line is logged and ErrAlreadyRunning returned.
func (c *Controller) StartRange(projectPath string, r Range) error {
	if !r.Valid() {
		return fmt.Errorf("controller: invalid stage range %d..%d", r.From, r.To)
	}
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return fmt.Errorf("controller: project path: %w", err)
	}

	c.mu.Lock()
	if active := c.run; active != nil {
		c.mu.Unlock()
		c.logger.Info("start ignored: pipeline already running", "run", active.ID)
		c.progress.Emit(ProgressEvent{
			Kind:  EventLog,
			RunID: active.ID,
			Stage: active.Stage(),
			Level: LevelWarn,
			Text:  "Pipeline is already running!",
		})
		return ErrAlreadyRunning
	}

	run := NewRun(c.newID(), abs, r)
	run.setStage(r.From)
	c.token.reset()
	c.run = run
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	c.logger.Info("pipeline started", "run", run.ID, "project", abs, "range", r.String())
	go c.work(run, done)
	return nil
}

// work drives one run. It is the only goroutine that mutates run.
func (c *Controller) work(run *Run, done chan struct{}) {
	var res Result
	defer func() {
		if p := recover(); p != nil {
			err := &StageFailure{Stage: run.Stage(), Err: fmt.Errorf("%w: panic: %v", ErrStageFailed, p)}
			c.logger.Error("pipeline panicked", "run", run.ID, "panic", p)
			c.progress.Emit(ProgressEvent{Kind: EventLog, RunID: run.ID, Stage: run.Stage(), Level: LevelError, Text: err.Error()})
			res = Result{RunID: run.ID, Outcome: OutcomeFailed, Stage: run.Stage(), Err: err}
		}

		c.mu.Lock()
		// CancelPipeline holds mu while it logs and requests, so a request
		// seen here was announced and must not end in success.
		if res.Outcome == OutcomeSucceeded && c.token.IsRequested() {
			c.progress.Emit(ProgressEvent{Kind: EventLog, RunID: run.ID, Stage: run.Range.To, Level: LevelWarn,
				Text: fmt.Sprintf("Pipeline cancelled after stage %d: %s", run.Range.To.Number(), run.Range.To.Title())})
			res = Result{RunID: run.ID, Outcome: OutcomeCancelled, Stage: run.Range.To,
				Err: &StageFailure{Stage: run.Range.To, Err: ErrCancelled}}
		}
		c.run = nil
		c.last = res
		c.mu.Unlock()

		fin := ProgressEvent{
			Kind:    EventFinished,
			RunID:   run.ID,
			Stage:   res.Stage,
			Success: res.Success(),
			Outcome: res.Outcome,
			Project: run.ProjectPath,
			Range:   run.Range.String(),
		}
		if res.Err != nil {
			fin.Error = res.Err.Error()
		}
		c.progress.Emit(fin)
		c.logger.Info("pipeline finished", "run", run.ID, "outcome", string(res.Outcome))
		c.progress.Flush()
		close(done)
	}()

	ctx, cancel := c.token.WithCancellation(context.Background())
	defer cancel()

	c.progress.Emit(ProgressEvent{
		Kind:  EventLog,
		RunID: run.ID,
		Stage: run.Stage(),
		Level: LevelInfo,
		Text:  fmt.Sprintf("Starting pipeline for %s (stages %d-%d)", run.ProjectPath, run.Range.From.Number(), run.Range.To.Number()),
	})

	if err := run.EnsureDirs(); err != nil {
		err = &StageFailure{Stage: run.Range.From, Err: err}
		c.progress.Emit(ProgressEvent{Kind: EventLog, RunID: run.ID, Stage: run.Stage(), Level: LevelError, Text: err.Error()})
		res = Result{RunID: run.ID, Outcome: OutcomeFailed, Stage: run.Range.From, Err: err}
		return
	}

	res = c.machine.Drive(ctx, run, c.token, c.progress.Emit)
}

// CancelPipeline requests cancellation of the active run. It has no effect
// when the controller is idle.
func (c *Controller) CancelPipeline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil || c.token.IsRequested() {
		return
	}
	c.logger.Info("pipeline cancel requested", "run", c.run.ID)
	c.progress.Emit(ProgressEvent{
		Kind:  EventLog,
		RunID: c.run.ID,
		Stage: c.run.Stage(),
		Level: LevelWarn,
		Text:  "Cancelling pipeline...",
	})
	c.token.Request()
}

// Stage returns the stage the active run is in, or Idle when no run is
// active. It never reports Finished or Error: a run is published as over
// only when Idle is.
func (c *Controller) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return StageIdle
	}
	return c.run.Stage()
}

// Running reports whether a run is active.
func (c *Controller) Running() bool {
	return c.Stage() != StageIdle
}

// Done returns a channel closed when the current run, or the most recent
// one, has finished and its events have been delivered.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// LastOutcome returns the outcome of the most recent finished run.
func (c *Controller) LastOutcome() Outcome {
	return c.LastResult().Outcome
}

// LastResult returns the result of the most recent finished run.
func (c *Controller) LastResult() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Snapshot returns the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{Stage: StageIdle, LastOutcome: c.last.Outcome}
	if c.last.Err != nil {
		s.LastError = c.last.Err.Error()
	}
	if c.run != nil {
		s.Running = true
		s.Stage = c.run.Stage()
		s.RunID = c.run.ID
		s.ProjectPath = c.run.ProjectPath
		s.Range = c.run.Range.String()
	}
	return s
}

// Config returns the resolved configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Subscribe returns a channel receiving every event from now on. It is
// closed by Close.
func (c *Controller) Subscribe() <-chan ProgressEvent {
	return c.progress.Subscribe()
}

// Unsubscribe stops and closes a channel returned by Subscribe.
func (c *Controller) Unsubscribe(ch <-chan ProgressEvent) {
	c.progress.Unsubscribe(ch)
}

// AddListener registers fn for every event from now on. fn runs on the
// delivery goroutine and must not block.
func (c *Controller) AddListener(fn func(ProgressEvent)) {
	c.progress.AddListener(fn)
}

// Close cancels any active run, waits for it to finish, and shuts down
// event delivery.
func (c *Controller) Close() {
	c.CancelPipeline()
	<-c.Done()
	c.progress.Close()
}

// builtinImageListing adapts the in-process lister to a stage body.
func builtinImageListing(cfg Config) StageFunc {
	return func(ctx context.Context, run *Run, log LogFunc) error {
		log(LevelInfo, "Listing images in "+run.ImagesDir)
		_, err := imagelist.List(ctx, imagelist.Options{
			ImagesDir:   run.ImagesDir,
			OutputDir:   run.MatchesDir,
			SensorDB:    cfg.SensorDB,
			FocalPixels: cfg.FocalPixels,
			Pattern:     cfg.ImagePattern,
		}, func(line string) { log(LevelInfo, line) })
		return err
	}
}
