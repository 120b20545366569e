package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/reconstruct/internal/history"
	"github.com/dusk-indust/reconstruct/internal/orchestrator"
)

type fakePipeline struct {
	progress  *orchestrator.ProgressReporter
	startErr  error
	started   []orchestrator.Range
	projects  []string
	cancelled int
	snapshot  orchestrator.Snapshot
}

func newFakePipeline(t *testing.T) *fakePipeline {
	f := &fakePipeline{progress: orchestrator.NewProgressReporter()}
	t.Cleanup(f.progress.Close)
	return f
}

func (f *fakePipeline) StartRange(project string, r orchestrator.Range) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.projects = append(f.projects, project)
	f.started = append(f.started, r)
	f.snapshot = orchestrator.Snapshot{Running: true, Stage: r.From, ProjectPath: project, Range: r.String()}
	return nil
}

func (f *fakePipeline) CancelPipeline()                 { f.cancelled++ }
func (f *fakePipeline) Snapshot() orchestrator.Snapshot { return f.snapshot }
func (f *fakePipeline) Config() orchestrator.Config     { return orchestrator.DefaultConfig() }
func (f *fakePipeline) Subscribe() <-chan orchestrator.ProgressEvent {
	return f.progress.Subscribe()
}
func (f *fakePipeline) Unsubscribe(ch <-chan orchestrator.ProgressEvent) {
	f.progress.Unsubscribe(ch)
}

func serve(t *testing.T, p Pipeline, opts Options) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewServer(p, opts).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestStart(t *testing.T) {
	tests := []struct {
		name     string
		body     StartRequest
		startErr error
		code     int
		want     orchestrator.Range
	}{
		{"default range", StartRequest{Project: "/p"}, nil, http.StatusAccepted, orchestrator.RangeFull},
		{"dense", StartRequest{Project: "/p", Range: "dense"}, nil, http.StatusAccepted, orchestrator.RangeDense},
		{"numeric", StartRequest{Project: "/p", Range: "3..5"}, nil, http.StatusAccepted,
			orchestrator.Range{From: orchestrator.StageComputeMatches, To: orchestrator.StageGlobalSfM}},
		{"missing project", StartRequest{}, nil, http.StatusBadRequest, orchestrator.Range{}},
		{"bad range", StartRequest{Project: "/p", Range: "9..2"}, nil, http.StatusBadRequest, orchestrator.Range{}},
		{"already running", StartRequest{Project: "/p"}, orchestrator.ErrAlreadyRunning, http.StatusConflict, orchestrator.Range{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePipeline(t)
			p.startErr = tt.startErr
			ts := serve(t, p, Options{})

			resp := postJSON(t, ts.URL+"/pipeline/start", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			if tt.code != http.StatusAccepted {
				assert.NotEmpty(t, decode[ErrorResponse](t, resp).Error)
				assert.Empty(t, p.started)
				return
			}
			require.Equal(t, []orchestrator.Range{tt.want}, p.started)
			snap := decode[orchestrator.Snapshot](t, resp)
			assert.True(t, snap.Running)
			assert.Equal(t, tt.want.From, snap.Stage)
		})
	}
}

func TestStart_InvalidBody(t *testing.T) {
	ts := serve(t, newFakePipeline(t), Options{})
	resp, err := http.Post(ts.URL+"/pipeline/start", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelAndStatus(t *testing.T) {
	p := newFakePipeline(t)
	p.snapshot = orchestrator.Snapshot{Stage: orchestrator.StageIdle, LastOutcome: orchestrator.OutcomeCancelled}
	ts := serve(t, p, Options{})

	resp := postJSON(t, ts.URL+"/pipeline/cancel", struct{}{})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, p.cancelled)

	get, err := http.Get(ts.URL + "/pipeline/status")
	require.NoError(t, err)
	defer get.Body.Close()
	snap := decode[orchestrator.Snapshot](t, get)
	assert.False(t, snap.Running)
	assert.Equal(t, orchestrator.OutcomeCancelled, snap.LastOutcome)
}

func TestEvents_StreamsInOrder(t *testing.T) {
	p := newFakePipeline(t)
	ts := serve(t, p, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/pipeline/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := ReadEvents(ctx, resp.Body)
	p.progress.Emit(orchestrator.ProgressEvent{Kind: orchestrator.EventStageChanged, Stage: orchestrator.StageInitImageListing})
	p.progress.Emit(orchestrator.ProgressEvent{Kind: orchestrator.EventLog, Level: orchestrator.LevelInfo, Text: "hello"})
	p.progress.Emit(orchestrator.ProgressEvent{Kind: orchestrator.EventFinished, Success: true, Outcome: orchestrator.OutcomeSucceeded})

	var got []orchestrator.ProgressEvent
	for se := range events {
		require.NoError(t, se.Err)
		got = append(got, se.Event)
		if se.Event.Kind == orchestrator.EventFinished {
			break
		}
	}
	require.Len(t, got, 3)
	assert.Equal(t, orchestrator.StageInitImageListing, got[0].Stage)
	assert.Equal(t, "hello", got[1].Text)
	assert.True(t, got[2].Success)
}

func TestProjectStatus(t *testing.T) {
	dir := t.TempDir()
	run := orchestrator.NewRun("", dir, orchestrator.RangeFull)
	require.NoError(t, os.MkdirAll(run.MatchesDir, 0o755))
	require.NoError(t, os.WriteFile(run.SfMDataJSON(), []byte(`{"views":[{}]}`), 0o644))

	ts := serve(t, newFakePipeline(t), Options{})

	resp, err := http.Get(ts.URL + "/projects/status?path=" + dir)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Views     int                `json:"views"`
		NextStage orchestrator.Stage `json:"nextStage"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Views)
	assert.Equal(t, orchestrator.StageComputeFeatures, body.NextStage)

	missing, err := http.Get(ts.URL + "/projects/status")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
}

func TestStages(t *testing.T) {
	ts := serve(t, newFakePipeline(t), Options{})
	resp, err := http.Get(ts.URL + "/stages")
	require.NoError(t, err)
	defer resp.Body.Close()

	tools := decode[[]orchestrator.ToolStatus](t, resp)
	require.Len(t, tools, 10)
	assert.Equal(t, "openMVG_main_SfMInit_ImageListing", tools[0].Program)
}

func TestHistory(t *testing.T) {
	ts := serve(t, newFakePipeline(t), Options{})
	resp, err := http.Get(ts.URL + "/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	store, err := history.Open(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Record(context.Background(), history.Record{ID: "r1", StartedAt: time.Now(), Outcome: "succeeded"}))

	ts = serve(t, newFakePipeline(t), Options{History: store})
	resp, err = http.Get(ts.URL + "/history?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	runs := decode[[]history.Record](t, resp)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)

	bad, err := http.Get(ts.URL + "/history?limit=x")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

// writeOutputs is a stage body that leaves every required artifact behind.
func writeOutputs(stage orchestrator.Stage) orchestrator.StageFunc {
	return func(ctx context.Context, run *orchestrator.Run, log orchestrator.LogFunc) error {
		spec, _ := orchestrator.SpecFor(stage)
		for _, p := range spec.Outputs(run) {
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(p, []byte(`{"views":[{}]}`), 0o644); err != nil {
				return err
			}
		}
		log(orchestrator.LevelInfo, "wrote "+stage.String())
		return nil
	}
}

func TestServer_DrivesController(t *testing.T) {
	execs := make(map[orchestrator.Stage]orchestrator.StageExecutor)
	for _, s := range orchestrator.RangeFull.Stages() {
		execs[s] = orchestrator.NewFuncExecutor(writeOutputs(s))
	}
	ctrl, err := orchestrator.NewController(orchestrator.DefaultConfig(), orchestrator.Options{Executors: execs})
	require.NoError(t, err)
	defer ctrl.Close()

	srv := NewServer(ctrl, Options{})
	addr, err := srv.Start(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Stop(context.Background())
	base := "http://" + addr

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/pipeline/events", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	events := ReadEvents(ctx, stream.Body)

	resp := postJSON(t, base+"/pipeline/start", StartRequest{Project: t.TempDir(), Range: "sparse"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var stages []orchestrator.Stage
	var fin orchestrator.ProgressEvent
	for se := range events {
		require.NoError(t, se.Err)
		if se.Event.Kind == orchestrator.EventStageChanged {
			stages = append(stages, se.Event.Stage)
		}
		if se.Event.Kind == orchestrator.EventFinished {
			fin = se.Event
			break
		}
	}
	assert.True(t, fin.Success)
	assert.Equal(t, orchestrator.RangeSparse.Stages(), stages)
}
