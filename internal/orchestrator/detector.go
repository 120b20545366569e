package orchestrator

// ToolStatus reports how the program of one stage resolves under a Config.
type ToolStatus struct {
	Stage   Stage  `json:"stage"`
	Title   string `json:"title"`
	Program string `json:"program"`
	Path    string `json:"path,omitempty"`
	Builtin bool   `json:"builtin,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Available reports whether the stage can run.
func (t ToolStatus) Available() bool {
	return t.Builtin || t.Path != ""
}

// DetectTools resolves the program of every stage without launching
// anything. Stages computed in-process are reported as builtin.
func DetectTools(cfg Config) []ToolStatus {
	cfg = cfg.withDefaults()
	out := make([]ToolStatus, 0, len(stageSpecs))
	for _, spec := range Specs() {
		ts := ToolStatus{
			Stage:   spec.Stage,
			Title:   spec.Stage.Title(),
			Program: cfg.program(spec.Stage, spec.Program),
		}
		if spec.Stage == StageInitImageListing && cfg.ImageListing == ListingBuiltin {
			ts.Builtin = true
			out = append(out, ts)
			continue
		}
		path, err := ResolveExecutable(ts.Program, cfg.ToolDirs)
		if err != nil {
			ts.Error = err.Error()
		} else {
			ts.Path = path
		}
		out = append(out, ts)
	}
	return out
}

// MissingTools returns the stages in r whose program cannot be resolved.
func MissingTools(cfg Config, r Range) []ToolStatus {
	var missing []ToolStatus
	for _, ts := range DetectTools(cfg) {
		if r.Contains(ts.Stage) && !ts.Available() {
			missing = append(missing, ts)
		}
	}
	return missing
}
