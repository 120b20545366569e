package mcptools

// --- MCP Tool Input/Output Types ---
// The MCP Go SDK derives each tool's JSON schema from these structs. Stages
// are exposed as their slug and number rather than the orchestrator enum so
// the schema stays a plain string/integer pair.

// StartPipelineInput is the input for the start_pipeline tool.
type StartPipelineInput struct {
	Project string `json:"project" jsonschema:"absolute path to the project directory containing images/"`
	Range   string `json:"range,omitempty" jsonschema:"stages to run: full (default), sparse, dense, or from..to such as 7..10"`
}

// PipelineStatus describes the controller state.
type PipelineStatus struct {
	Running     bool   `json:"running"`
	Stage       string `json:"stage"`
	StageNumber int    `json:"stageNumber"`
	StageTitle  string `json:"stageTitle,omitempty"`
	RunID       string `json:"runId,omitempty"`
	Project     string `json:"project,omitempty"`
	Range       string `json:"range,omitempty"`
	LastOutcome string `json:"lastOutcome,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// StartPipelineOutput is the result of the start_pipeline tool.
type StartPipelineOutput struct {
	Started bool           `json:"started"`
	Message string         `json:"message,omitempty"`
	Status  PipelineStatus `json:"status"`
}

// EmptyInput is the input of tools that take no arguments.
type EmptyInput struct{}

// WaitInput is the input for the wait_pipeline tool.
type WaitInput struct {
	TimeoutSeconds int `json:"timeoutSeconds,omitempty" jsonschema:"maximum seconds to wait (default 60)"`
}

// WaitOutput is the result of the wait_pipeline tool.
type WaitOutput struct {
	Finished bool           `json:"finished"`
	Status   PipelineStatus `json:"status"`
}

// StageTool is one row of list_stages.
type StageTool struct {
	Number    int    `json:"number"`
	Stage     string `json:"stage"`
	Title     string `json:"title"`
	Program   string `json:"program"`
	Path      string `json:"path,omitempty"`
	Builtin   bool   `json:"builtin,omitempty"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// ListStagesOutput is the result of the list_stages tool.
type ListStagesOutput struct {
	Stages []StageTool `json:"stages"`
}

// ProjectStatusInput is the input for the project_status tool.
type ProjectStatusInput struct {
	Project string `json:"project" jsonschema:"path to the project directory"`
}

// ProjectStatusOutput is the result of the project_status tool.
type ProjectStatusOutput struct {
	Project         string `json:"project"`
	Images          int    `json:"images"`
	Views           int    `json:"views"`
	CompletedStages []int  `json:"completedStages"`
	NextStage       int    `json:"nextStage"`
	NextStageTitle  string `json:"nextStageTitle,omitempty"`
	ResumeRange     string `json:"resumeRange,omitempty"`
}

// ListRunsInput is the input for the list_runs tool.
type ListRunsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of runs (default 20)"`
}

// RunSummary is one row of list_runs.
type RunSummary struct {
	ID         string `json:"id"`
	Project    string `json:"project"`
	Range      string `json:"range"`
	Outcome    string `json:"outcome"`
	Stage      string `json:"stage,omitempty"`
	Reason     string `json:"reason,omitempty"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

// ListRunsOutput is the result of the list_runs tool.
type ListRunsOutput struct {
	Runs []RunSummary `json:"runs"`
}
