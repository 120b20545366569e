// Package status reports which pipeline stages of a project have left their
// artifacts on disk and where a resumed run would start.
package status

import (
	"os"
	"path/filepath"

	"github.com/dusk-indust/reconstruct/internal/orchestrator"
)

// Artifact is one expected output file.
type Artifact struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size,omitempty"`
}

// StageInfo describes the completion state of a single stage.
type StageInfo struct {
	Stage    orchestrator.Stage `json:"stage"`
	Number   int                `json:"number"`
	Title    string             `json:"title"`
	Complete bool               `json:"complete"`
	Outputs  []Artifact         `json:"outputs"`
	Optional []Artifact         `json:"optional,omitempty"`
}

// Report holds the on-disk status of one project.
type Report struct {
	ProjectPath string      `json:"projectPath"`
	ImagesDir   string      `json:"imagesDir"`
	Images      int         `json:"images"`
	Views       int         `json:"views"` // -1 when sfm_data.json is unreadable
	Stages      []StageInfo `json:"stages"`

	// NextStage is the first incomplete stage, or Finished if every stage
	// has its outputs.
	NextStage orchestrator.Stage `json:"nextStage"`
}

// Scan inspects the project layout under projectPath. It never fails: a
// missing project simply reports nothing complete.
func Scan(projectPath string) Report {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		abs = projectPath
	}
	run := orchestrator.NewRun("", abs, orchestrator.RangeFull)

	r := Report{
		ProjectPath: abs,
		ImagesDir:   run.ImagesDir,
		Images:      countFiles(run.ImagesDir),
		Views:       orchestrator.CountViews(run.SfMDataJSON()),
	}

	var completed []orchestrator.Stage
	for _, spec := range orchestrator.Specs() {
		info := StageInfo{
			Stage:    spec.Stage,
			Number:   spec.Stage.Number(),
			Title:    spec.Stage.Title(),
			Complete: true,
		}
		for _, p := range spec.Outputs(run) {
			a := stat(p)
			info.Outputs = append(info.Outputs, a)
			info.Complete = info.Complete && a.Exists
		}
		for _, p := range spec.OptionalOutputs(run) {
			info.Optional = append(info.Optional, stat(p))
		}
		if info.Complete {
			completed = append(completed, spec.Stage)
		}
		r.Stages = append(r.Stages, info)
	}
	r.NextStage = NextStage(completed)
	return r
}

// ScanCompletedStages returns the stages whose required outputs all exist.
func ScanCompletedStages(projectPath string) []orchestrator.Stage {
	var out []orchestrator.Stage
	for _, s := range Scan(projectPath).Stages {
		if s.Complete {
			out = append(out, s.Stage)
		}
	}
	return out
}

// NextStage returns the first stage missing from completed. Each stage
// consumes its predecessor's outputs, so a gap means later artifacts are
// stale. Returns Finished when nothing is missing.
func NextStage(completed []orchestrator.Stage) orchestrator.Stage {
	done := make(map[orchestrator.Stage]bool, len(completed))
	for _, s := range completed {
		done[s] = true
	}
	for _, s := range orchestrator.RangeFull.Stages() {
		if !done[s] {
			return s
		}
	}
	return orchestrator.StageFinished
}

// ResumeRange returns the range a resumed run should execute, or false if
// the project is complete.
func (r Report) ResumeRange() (orchestrator.Range, bool) {
	if !r.NextStage.Active() {
		return orchestrator.Range{}, false
	}
	return orchestrator.Range{From: r.NextStage, To: orchestrator.LastStage}, true
}

// Completed counts the stages whose outputs exist.
func (r Report) Completed() int {
	n := 0
	for _, s := range r.Stages {
		if s.Complete {
			n++
		}
	}
	return n
}

func stat(path string) Artifact {
	a := Artifact{Path: path}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		a.Exists = true
		a.Size = info.Size()
	}
	return a
}

func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}
