package mcptools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dusk-indust/reconstruct/internal/history"
	"github.com/dusk-indust/reconstruct/internal/orchestrator"
	"github.com/dusk-indust/reconstruct/internal/status"
)

// defaultWait bounds wait_pipeline when no timeout is given.
const defaultWait = 60 * time.Second

// Pipeline is the controller surface exposed as tools.
type Pipeline interface {
	StartRange(projectPath string, r orchestrator.Range) error
	CancelPipeline()
	Snapshot() orchestrator.Snapshot
	Config() orchestrator.Config
	Done() <-chan struct{}
}

// PipelineService handles MCP tool calls against one Pipeline.
type PipelineService struct {
	pipeline Pipeline
	history  *history.Store
}

// NewPipelineService creates a PipelineService. store may be nil, in which
// case list_runs reports that history is disabled.
func NewPipelineService(p Pipeline, store *history.Store) *PipelineService {
	return &PipelineService{pipeline: p, history: store}
}

// StartPipeline starts a background run. A run that is already active is
// reported in the output rather than as a tool error.
func (s *PipelineService) StartPipeline(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input StartPipelineInput,
) (*mcp.CallToolResult, StartPipelineOutput, error) {
	if input.Project == "" {
		return nil, StartPipelineOutput{}, errors.New("project is required")
	}
	rng, ok := orchestrator.ParseRange(input.Range)
	if !ok {
		return nil, StartPipelineOutput{}, fmt.Errorf("invalid range %q", input.Range)
	}

	err := s.pipeline.StartRange(input.Project, rng)
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		return nil, StartPipelineOutput{
			Message: "Pipeline is already running!",
			Status:  toStatus(s.pipeline.Snapshot()),
		}, nil
	case err != nil:
		return nil, StartPipelineOutput{}, err
	}
	return nil, StartPipelineOutput{Started: true, Status: toStatus(s.pipeline.Snapshot())}, nil
}

// CancelPipeline requests cancellation of the active run.
func (s *PipelineService) CancelPipeline(
	_ context.Context,
	_ *mcp.CallToolRequest,
	_ EmptyInput,
) (*mcp.CallToolResult, PipelineStatus, error) {
	s.pipeline.CancelPipeline()
	return nil, toStatus(s.pipeline.Snapshot()), nil
}

// GetStatus reports the controller state.
func (s *PipelineService) GetStatus(
	_ context.Context,
	_ *mcp.CallToolRequest,
	_ EmptyInput,
) (*mcp.CallToolResult, PipelineStatus, error) {
	return nil, toStatus(s.pipeline.Snapshot()), nil
}

// WaitPipeline blocks until the active run finishes, the timeout passes, or
// the call is cancelled.
func (s *PipelineService) WaitPipeline(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input WaitInput,
) (*mcp.CallToolResult, WaitOutput, error) {
	wait := defaultWait
	if input.TimeoutSeconds > 0 {
		wait = time.Duration(input.TimeoutSeconds) * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	finished := true
	select {
	case <-s.pipeline.Done():
	case <-timer.C:
		finished = false
	case <-ctx.Done():
		return nil, WaitOutput{}, ctx.Err()
	}
	return nil, WaitOutput{Finished: finished, Status: toStatus(s.pipeline.Snapshot())}, nil
}

// ListStages resolves the program of every stage.
func (s *PipelineService) ListStages(
	_ context.Context,
	_ *mcp.CallToolRequest,
	_ EmptyInput,
) (*mcp.CallToolResult, ListStagesOutput, error) {
	var out ListStagesOutput
	for _, ts := range orchestrator.DetectTools(s.pipeline.Config()) {
		out.Stages = append(out.Stages, StageTool{
			Number:    ts.Stage.Number(),
			Stage:     ts.Stage.String(),
			Title:     ts.Title,
			Program:   ts.Program,
			Path:      ts.Path,
			Builtin:   ts.Builtin,
			Available: ts.Available(),
			Error:     ts.Error,
		})
	}
	return nil, out, nil
}

// ProjectStatus reports which stages of a project have their artifacts.
func (s *PipelineService) ProjectStatus(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input ProjectStatusInput,
) (*mcp.CallToolResult, ProjectStatusOutput, error) {
	if input.Project == "" {
		return nil, ProjectStatusOutput{}, errors.New("project is required")
	}
	r := status.Scan(input.Project)
	out := ProjectStatusOutput{
		Project:         r.ProjectPath,
		Images:          r.Images,
		Views:           r.Views,
		CompletedStages: []int{},
		NextStage:       r.NextStage.Number(),
	}
	for _, st := range r.Stages {
		if st.Complete {
			out.CompletedStages = append(out.CompletedStages, st.Number)
		}
	}
	if rng, ok := r.ResumeRange(); ok {
		out.NextStageTitle = r.NextStage.Title()
		out.ResumeRange = fmt.Sprintf("%d..%d", rng.From.Number(), rng.To.Number())
	}
	return nil, out, nil
}

// ListRuns returns the most recent recorded runs.
func (s *PipelineService) ListRuns(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ListRunsInput,
) (*mcp.CallToolResult, ListRunsOutput, error) {
	if s.history == nil {
		return nil, ListRunsOutput{}, errors.New("run history is disabled")
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	runs, err := s.history.List(ctx, limit)
	if err != nil {
		return nil, ListRunsOutput{}, err
	}
	out := ListRunsOutput{Runs: []RunSummary{}}
	for _, r := range runs {
		rs := RunSummary{
			ID:        r.ID,
			Project:   r.ProjectPath,
			Range:     r.Range,
			Outcome:   r.Outcome,
			Stage:     r.Stage,
			Reason:    r.Reason,
			StartedAt: r.StartedAt.Format(time.RFC3339),
		}
		if r.FinishedAt != nil {
			rs.FinishedAt = r.FinishedAt.Format(time.RFC3339)
		}
		out.Runs = append(out.Runs, rs)
	}
	return nil, out, nil
}

func toStatus(s orchestrator.Snapshot) PipelineStatus {
	ps := PipelineStatus{
		Running:     s.Running,
		Stage:       s.Stage.String(),
		StageNumber: s.Stage.Number(),
		RunID:       s.RunID,
		Project:     s.ProjectPath,
		Range:       s.Range,
		LastOutcome: string(s.LastOutcome),
		LastError:   s.LastError,
	}
	if s.Stage.Active() {
		ps.StageTitle = s.Stage.Title()
	}
	return ps
}
