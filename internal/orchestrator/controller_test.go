package orchestrator

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Full runs
// ---------------------------------------------------------------------------

func TestController_FullRunSucceeds(t *testing.T) {
	tools := writeTools(t, nil)
	project := newProject(t)
	c := testController(t, Config{ToolDirs: []string{tools}}, Options{})
	rec := record(c)

	require.NoError(t, c.StartPipeline(project))
	waitDone(t, c)

	assert.Equal(t, RangeFull.Stages(), rec.stagesStarted())
	finished := rec.kind(EventFinished)
	require.Len(t, finished, 1)
	assert.True(t, finished[0].Success)
	assert.Equal(t, OutcomeSucceeded, c.LastOutcome())
	assert.Equal(t, StageIdle, c.Stage())

	run := NewRun("", project, RangeFull)
	assert.FileExists(t, run.TexturedMVS())
}

func TestController_LogLinesPrecedeNextStage(t *testing.T) {
	tools := writeTools(t, nil)
	c := testController(t, Config{ToolDirs: []string{tools}}, Options{})
	rec := record(c)

	require.NoError(t, c.StartPipeline(newProject(t)))
	waitDone(t, c)

	// Every log line carrying stage i arrives after stage i starts and
	// before stage i+1 starts.
	current := StageIdle
	for _, ev := range rec.all() {
		switch ev.Kind {
		case EventStageChanged:
			assert.Greater(t, ev.Stage, current)
			current = ev.Stage
		case EventLog:
			if current != StageIdle && ev.Stage.Active() {
				assert.Equal(t, current, ev.Stage, "log %q out of order", ev.Text)
			}
		}
	}

	out := rec.texts()
	assert.Less(t,
		strings.Index(out, "openMVG_main_SfMInit_ImageListing done"),
		strings.Index(out, "openMVG_main_ComputeFeatures start"))
}

func TestController_ExistingOutputIsKept(t *testing.T) {
	tools := writeTools(t, nil)
	project := newProject(t)
	keep := filepath.Join(project, "output", "reconstruction", "notes.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(keep), 0o755))
	require.NoError(t, os.WriteFile(keep, []byte("mine"), 0o644))

	c := testController(t, Config{ToolDirs: []string{tools}}, Options{})

	for i := 0; i < 2; i++ {
		require.NoError(t, c.StartPipeline(project))
		waitDone(t, c)
		assert.Equal(t, OutcomeSucceeded, c.LastOutcome())
	}

	data, err := os.ReadFile(keep)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))
}

// ---------------------------------------------------------------------------
// Single flight
// ---------------------------------------------------------------------------

func TestController_SecondStartIsRejected(t *testing.T) {
	tools := writeTools(t, map[Stage]string{
		StageInitImageListing: "#!/bin/sh\nexec sleep 30\n",
	})
	c := testController(t, Config{ToolDirs: []string{tools}, KillGrace: 200 * time.Millisecond}, Options{})
	rec := record(c)
	project := newProject(t)

	require.NoError(t, c.StartPipeline(project))
	before := c.Stage()
	err := c.StartPipeline(project)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, before, c.Stage())
	assert.Equal(t, StageInitImageListing, c.Stage())

	c.CancelPipeline()
	waitDone(t, c)

	assert.Contains(t, rec.texts(), "Pipeline is already running!")
	assert.Len(t, rec.kind(EventFinished), 1)
}

func TestController_RestartAfterFinish(t *testing.T) {
	tools := writeTools(t, map[Stage]string{StageComputeFeatures: "#!/bin/sh\nexit 1\n"})
	c := testController(t, Config{ToolDirs: []string{tools}}, Options{})
	rec := record(c)
	project := newProject(t)

	require.NoError(t, c.StartPipeline(project))
	waitDone(t, c)
	require.NoError(t, c.StartPipeline(project))
	waitDone(t, c)

	finished := rec.kind(EventFinished)
	require.Len(t, finished, 2)
	assert.NotEqual(t, finished[0].RunID, finished[1].RunID)
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestController_NonZeroExitStopsRun(t *testing.T) {
	tools := writeTools(t, map[Stage]string{
		StageComputeFeatures: "#!/bin/sh\necho 'cannot open sfm_data' 1>&2\nexit 3\n",
	})
	c := testController(t, Config{ToolDirs: []string{tools}}, Options{})
	rec := record(c)

	require.NoError(t, c.StartPipeline(newProject(t)))
	waitDone(t, c)

	assert.Equal(t, []Stage{StageInitImageListing, StageComputeFeatures}, rec.stagesStarted())
	res := c.LastResult()
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, StageComputeFeatures, res.Stage)
	assert.ErrorIs(t, res.Err, ErrNonZeroExit)

	var xe *ExitError
	require.ErrorAs(t, res.Err, &xe)
	assert.Equal(t, 3, xe.ExitCode)
	assert.Contains(t, xe.Stderr, "cannot open sfm_data")

	finished := rec.kind(EventFinished)
	require.Len(t, finished, 1)
	assert.False(t, finished[0].Success)
	assert.Equal(t, StageIdle, c.Stage())
}

func TestController_MissingExecutableNeverLaunches(t *testing.T) {
	project := newProject(t)
	cfg := Config{
		ToolDirs: []string{t.TempDir()},
		Tools:    map[Stage]string{StageInitImageListing: "no-such-listing-tool-7f3a"},
	}
	c := testController(t, cfg, Options{})
	rec := record(c)

	require.NoError(t, c.StartPipeline(project))
	waitDone(t, c)

	res := c.LastResult()
	assert.ErrorIs(t, res.Err, ErrExecutableNotFound)
	assert.Equal(t, StageInitImageListing, res.Stage)

	out := rec.texts()
	assert.Contains(t, out, "no-such-listing-tool-7f3a")
	assert.NotContains(t, out, "Running:")
	assert.Equal(t, []Stage{StageInitImageListing}, rec.stagesStarted())
	assert.False(t, rec.kind(EventFinished)[0].Success)
}

func TestController_NotExecutableNamesPath(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "listing")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644))

	c := testController(t, Config{Tools: map[Stage]string{StageInitImageListing: path}}, Options{})
	rec := record(c)

	require.NoError(t, c.StartPipeline(newProject(t)))
	waitDone(t, c)

	assert.ErrorIs(t, c.LastResult().Err, ErrNotExecutable)
	assert.Contains(t, rec.texts(), path)
}

func TestController_ZeroImagesFailsStageOne(t *testing.T) {
	tools := writeTools(t, map[Stage]string{
		StageInitImageListing: "#!/bin/sh\nwhile [ \"$1\" != \"-o\" ]; do shift; done\necho '{\"views\":[]}' > \"$2/sfm_data.json\"\n",
	})
	project := t.TempDir() // no images/ folder
	c := testController(t, Config{ToolDirs: []string{tools}}, Options{})
	rec := record(c)

	require.NoError(t, c.StartPipeline(project))
	waitDone(t, c)

	assert.Equal(t, []Stage{StageInitImageListing}, rec.stagesStarted())
	assert.ErrorIs(t, c.LastResult().Err, ErrStageFailed)
	assert.Contains(t, rec.texts(), "no usable images")
	assert.DirExists(t, filepath.Join(project, "output", "matches"))
}

func TestController_MissingOutputIsFailure(t *testing.T) {
	tools := writeTools(t, map[Stage]string{StageComputeMatches: "#!/bin/sh\nexit 0\n"})
	c := testController(t, Config{ToolDirs: []string{tools}}, Options{})

	require.NoError(t, c.StartPipeline(newProject(t)))
	waitDone(t, c)

	res := c.LastResult()
	assert.Equal(t, StageComputeMatches, res.Stage)
	assert.ErrorIs(t, res.Err, ErrMissingArtifact)
}

type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, StageSpec, *Run, LogFunc) error {
	panic("exploded")
}

func TestController_PanicIsContained(t *testing.T) {
	tools := writeTools(t, nil)
	c := testController(t, Config{ToolDirs: []string{tools}}, Options{
		Executors: map[Stage]StageExecutor{StageComputeMatches: panicExecutor{}},
	})
	rec := record(c)

	require.NoError(t, c.StartPipeline(newProject(t)))
	waitDone(t, c)

	assert.Equal(t, OutcomeFailed, c.LastOutcome())
	assert.Equal(t, StageIdle, c.Stage())
	assert.Contains(t, rec.texts(), "exploded")
	assert.Len(t, rec.kind(EventFinished), 1)
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestController_CancelDuringProcessStage(t *testing.T) {
	tools := writeTools(t, map[Stage]string{
		StageGlobalSfM: "#!/bin/sh\necho solving\nsleep 30\n",
	})
	c := testController(t, Config{ToolDirs: []string{tools}, KillGrace: time.Second}, Options{})
	rec := record(c)

	started := make(chan struct{}, 1)
	c.AddListener(func(ev ProgressEvent) {
		if ev.Kind == EventLog && ev.Text == "solving" {
			select {
			case started <- struct{}{}:
			default:
			}
		}
	})

	require.NoError(t, c.StartPipeline(newProject(t)))
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("GlobalSfM never started")
	}
	assert.Equal(t, StageGlobalSfM, c.Stage())

	c.CancelPipeline()
	waitDone(t, c)

	assert.Equal(t, OutcomeCancelled, c.LastOutcome())
	assert.Equal(t, StageIdle, c.Stage())
	assert.NotContains(t, rec.stagesStarted(), StageExportToMVS)

	finished := rec.kind(EventFinished)
	require.Len(t, finished, 1)
	assert.False(t, finished[0].Success)
	assert.Equal(t, OutcomeCancelled, finished[0].Outcome)
	assert.Contains(t, rec.texts(), "Cancelling pipeline...")
	assert.ErrorIs(t, c.LastResult().Err, ErrCancelled)
}

func TestController_CancelDuringFuncStage(t *testing.T) {
	tools := writeTools(t, nil)
	entered := make(chan struct{})
	slow := NewFuncExecutor(func(ctx context.Context, _ *Run, _ LogFunc) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})
	c := testController(t, Config{ToolDirs: []string{tools}}, Options{
		Executors: map[Stage]StageExecutor{StageDensify: slow},
	})
	rec := record(c)

	require.NoError(t, c.StartPipeline(newProject(t)))
	<-entered
	c.CancelPipeline()
	waitDone(t, c)

	assert.Equal(t, OutcomeCancelled, c.LastOutcome())
	assert.NotContains(t, rec.stagesStarted(), StageReconstructMesh)
}

func TestController_CancelWhileIdleIsNoop(t *testing.T) {
	c := testController(t, Config{}, Options{})
	rec := record(c)

	c.CancelPipeline()
	c.progress.Flush()

	assert.Empty(t, rec.all())
	assert.Equal(t, StageIdle, c.Stage())
	assert.Equal(t, OutcomeNone, c.LastOutcome())
}

func TestController_CancelIgnoredStageCompletion(t *testing.T) {
	tools := writeTools(t, nil)
	var c *Controller
	// The stage finishes normally even though cancel arrives while it runs.
	finishAnyway := NewFuncExecutor(func(_ context.Context, run *Run, _ LogFunc) error {
		c.CancelPipeline()
		return os.WriteFile(run.SfMDataBin(), []byte("x"), 0o644)
	})
	c = testController(t, Config{ToolDirs: []string{tools}}, Options{
		Executors: map[Stage]StageExecutor{StageGlobalSfM: finishAnyway},
	})
	rec := record(c)

	require.NoError(t, c.StartPipeline(newProject(t)))
	waitDone(t, c)

	assert.Equal(t, OutcomeCancelled, c.LastOutcome())
	assert.NotContains(t, rec.stagesStarted(), StageExportToMVS)
}

// ---------------------------------------------------------------------------
// Ranges
// ---------------------------------------------------------------------------

func TestController_DenseRangeRequiresScene(t *testing.T) {
	tools := writeTools(t, nil)
	c := testController(t, Config{ToolDirs: []string{tools}}, Options{})
	rec := record(c)

	require.NoError(t, c.StartRange(newProject(t), RangeDense))
	waitDone(t, c)

	assert.Empty(t, rec.stagesStarted())
	res := c.LastResult()
	assert.Equal(t, StageDensify, res.Stage)
	assert.ErrorIs(t, res.Err, ErrMissingArtifact)
}

func TestController_DenseRangeRunsOnlyDenseStages(t *testing.T) {
	tools := writeTools(t, nil)
	project := newProject(t)
	run := NewRun("", project, RangeDense)
	require.NoError(t, run.EnsureDirs())
	require.NoError(t, os.WriteFile(run.SceneMVS(), []byte("scene"), 0o644))

	c := testController(t, Config{ToolDirs: []string{tools}}, Options{})
	rec := record(c)

	require.NoError(t, c.StartRange(project, RangeDense))
	waitDone(t, c)

	assert.Equal(t, RangeDense.Stages(), rec.stagesStarted())
	assert.Equal(t, OutcomeSucceeded, c.LastOutcome())
}

func TestController_InvalidRange(t *testing.T) {
	c := testController(t, Config{}, Options{})
	err := c.StartRange(t.TempDir(), Range{From: StageTextureMesh, To: StageDensify})
	assert.Error(t, err)
	assert.Equal(t, StageIdle, c.Stage())
}

// ---------------------------------------------------------------------------
// Built-in image listing
// ---------------------------------------------------------------------------

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, w, h))))
}

func TestController_BuiltinListingFiveImages(t *testing.T) {
	tools := writeTools(t, nil)
	project := newProject(t)
	for _, name := range []string{"a.png", "b.PNG", "c.png", "d.png", "e.png"} {
		writePNG(t, filepath.Join(project, "images", name), 8, 6)
	}
	require.NoError(t, os.WriteFile(filepath.Join(project, "images", "notes.txt"), []byte("x"), 0o644))

	c := testController(t, Config{ToolDirs: []string{tools}, ImageListing: ListingBuiltin}, Options{})
	rec := record(c)

	require.NoError(t, c.StartPipeline(project))
	waitDone(t, c)

	require.Equal(t, OutcomeSucceeded, c.LastOutcome(), rec.texts())
	run := NewRun("", project, RangeFull)
	assert.Equal(t, 5, CountViews(run.SfMDataJSON()))
	assert.Contains(t, rec.texts(), "Listed 5 images")
}

func TestController_BuiltinListingNoImagesDir(t *testing.T) {
	project := t.TempDir()
	c := testController(t, Config{ImageListing: ListingBuiltin}, Options{})
	rec := record(c)

	require.NoError(t, c.StartPipeline(project))
	waitDone(t, c)

	res := c.LastResult()
	assert.Equal(t, StageInitImageListing, res.Stage)
	assert.ErrorIs(t, res.Err, ErrStageFailed)
	assert.Equal(t, []Stage{StageInitImageListing}, rec.stagesStarted())
}

// ---------------------------------------------------------------------------
// Construction and snapshots
// ---------------------------------------------------------------------------

func TestNewController_RejectsBadConfig(t *testing.T) {
	_, err := NewController(Config{DescriberPreset: "EXTREME"}, Options{})
	assert.Error(t, err)

	_, err = NewController(Config{}, Options{Executors: map[Stage]StageExecutor{StageFinished: panicExecutor{}}})
	assert.Error(t, err)
}

func TestController_SnapshotWhileRunning(t *testing.T) {
	tools := writeTools(t, map[Stage]string{StageInitImageListing: "#!/bin/sh\nexec sleep 30\n"})
	c := testController(t, Config{ToolDirs: []string{tools}, KillGrace: 200 * time.Millisecond}, Options{
		NewID: func() string { return "run-1" },
	})
	project := newProject(t)

	require.NoError(t, c.StartPipeline(project))
	snap := c.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, "full", snap.Range)
	assert.Equal(t, StageInitImageListing, snap.Stage)

	c.CancelPipeline()
	waitDone(t, c)

	snap = c.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, OutcomeCancelled, snap.LastOutcome)
	assert.True(t, errors.Is(c.LastResult().Err, ErrCancelled))
}

// listingOnly runs stage 1 in-process; fail makes it return an error.
func listingOnly(fail *atomic.Bool) Options {
	listing := NewFuncExecutor(func(_ context.Context, run *Run, _ LogFunc) error {
		if fail != nil && fail.Load() {
			return errors.New("boom")
		}
		return os.WriteFile(run.SfMDataJSON(), []byte(`{"views":[{}]}`), 0o644)
	})
	return Options{Executors: map[Stage]StageExecutor{StageInitImageListing: listing}}
}

func TestController_StateNeverTerminalWhileRunning(t *testing.T) {
	var fail atomic.Bool
	c := testController(t, Config{}, listingOnly(&fail))
	one := Range{From: StageInitImageListing, To: StageInitImageListing}
	project := newProject(t)

	var bad atomic.Int64
	stop := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if s := c.Stage(); s == StageFinished || s == StageError {
				bad.Add(1)
			}
			if snap := c.Snapshot(); snap.Running != snap.Stage.Active() {
				bad.Add(1)
			}
		}
	}()

	for i := 0; i < 100; i++ {
		fail.Store(i%2 == 1)
		require.NoError(t, c.StartRange(project, one))
		waitDone(t, c)
		assert.False(t, c.Running())
	}
	close(stop)
	<-polled

	assert.Zero(t, bad.Load(), "terminal stage observed while running")
	assert.Equal(t, StageIdle, c.Stage())
}

func TestController_AnnouncedCancelNeverSucceeds(t *testing.T) {
	c := testController(t, Config{}, listingOnly(nil))
	one := Range{From: StageInitImageListing, To: StageInitImageListing}
	project := newProject(t)
	rec := record(c)
	// Cancel as late as possible: after the last stage reported completion.
	c.AddListener(func(ev ProgressEvent) {
		if ev.Kind == EventLog && strings.HasPrefix(ev.Text, "Stage 1 completed") {
			c.CancelPipeline()
		}
	})

	for i := 0; i < 100; i++ {
		require.NoError(t, c.StartRange(project, one))
		waitDone(t, c)
	}

	announced := map[string]bool{}
	for _, ev := range rec.kind(EventLog) {
		if ev.Text == "Cancelling pipeline..." {
			announced[ev.RunID] = true
		}
	}
	finished := rec.kind(EventFinished)
	require.Len(t, finished, 100)
	for _, ev := range finished {
		if announced[ev.RunID] {
			assert.Equal(t, OutcomeCancelled, ev.Outcome, "run %s", ev.RunID)
			assert.False(t, ev.Success)
		} else {
			assert.Equal(t, OutcomeSucceeded, ev.Outcome, "run %s", ev.RunID)
		}
	}
}
