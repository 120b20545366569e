package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Run is the mutable state of one pipeline invocation: the project layout it
// operates on, the stage range, and the current stage pointer. The stage
// pointer is written by the background run and read by callers, so it is
// atomic; every other field is fixed at construction.
type Run struct {
	ID          string
	ProjectPath string
	Range       Range
	StartedAt   time.Time

	ImagesDir         string
	OutputDir         string
	MatchesDir        string
	ReconstructionDir string
	GlobalDir         string

	stage atomic.Int32
}

// NewRun derives the on-disk layout for projectPath.
func NewRun(id, projectPath string, r Range) *Run {
	output := filepath.Join(projectPath, "output")
	recon := filepath.Join(output, "reconstruction")
	run := &Run{
		ID:                id,
		ProjectPath:       projectPath,
		Range:             r,
		StartedAt:         time.Now(),
		ImagesDir:         filepath.Join(projectPath, "images"),
		OutputDir:         output,
		MatchesDir:        filepath.Join(output, "matches"),
		ReconstructionDir: recon,
		GlobalDir:         filepath.Join(recon, "global"),
	}
	run.stage.Store(int32(StageIdle))
	return run
}

// Stage returns the stage the run is in, or the last one it entered once
// the run is over. It never holds Finished or Error.
func (r *Run) Stage() Stage {
	return Stage(r.stage.Load())
}

func (r *Run) setStage(s Stage) {
	r.stage.Store(int32(s))
}

// EnsureDirs creates the output directory tree. Existing directories and
// their contents are left untouched.
func (r *Run) EnsureDirs() error {
	for _, dir := range []string{r.OutputDir, r.MatchesDir, r.ReconstructionDir, r.GlobalDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

// Paths of the artifacts exchanged between stages. Names are fixed by the
// downstream tools.

func (r *Run) SfMDataJSON() string     { return filepath.Join(r.MatchesDir, "sfm_data.json") }
func (r *Run) ImageDescriber() string  { return filepath.Join(r.MatchesDir, "image_describer.json") }
func (r *Run) PutativeMatches() string { return filepath.Join(r.MatchesDir, "matches.putative.bin") }
func (r *Run) FilteredMatches() string { return filepath.Join(r.MatchesDir, "matches.f.bin") }
func (r *Run) SfMDataBin() string      { return filepath.Join(r.GlobalDir, "sfm_data.bin") }
func (r *Run) SparseModel() string {
	return filepath.Join(r.GlobalDir, "sparse_3D_model", "model.ply")
}
func (r *Run) UndistortedDir() string { return filepath.Join(r.OutputDir, "undistorted_images") }
func (r *Run) SceneMVS() string       { return filepath.Join(r.OutputDir, "scene.mvs") }
func (r *Run) DenseMVS() string       { return filepath.Join(r.OutputDir, "scene_dense.mvs") }
func (r *Run) MeshMVS() string        { return filepath.Join(r.OutputDir, "scene_mesh.mvs") }
func (r *Run) RefinedMVS() string     { return filepath.Join(r.OutputDir, "scene_mesh_refined.mvs") }
func (r *Run) TexturedMVS() string {
	return filepath.Join(r.OutputDir, "scene_mesh_refined_textured.mvs")
}
