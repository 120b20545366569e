package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/tidwall/gjson"
)

// LogFunc receives human-readable progress lines from a running stage.
type LogFunc func(level LogLevel, text string)

// StageExecutor runs one stage to completion. Implementations are stateless
// across calls; a nil error means the stage succeeded.
type StageExecutor interface {
	Execute(ctx context.Context, spec StageSpec, run *Run, log LogFunc) error
}

// StageSpec is the static descriptor of one stage: the tool to invoke, how its
// arguments are built from the run layout, and the artifacts it consumes and
// produces.
type StageSpec struct {
	Stage   Stage
	Program string

	args     func(cfg Config, run *Run) []string
	inputs   func(run *Run) []string
	outputs  func(run *Run) []string
	optional func(run *Run) []string
	verify   func(run *Run) error
}

// Command returns the program and arguments for the stage under cfg.
func (s StageSpec) Command(cfg Config, run *Run) (string, []string) {
	return cfg.program(s.Stage, s.Program), s.args(cfg, run)
}

// Inputs lists the artifacts the stage reads.
func (s StageSpec) Inputs(run *Run) []string { return call(s.inputs, run) }

// Outputs lists the artifacts the stage must produce to count as successful.
func (s StageSpec) Outputs(run *Run) []string { return call(s.outputs, run) }

// OptionalOutputs lists artifacts the stage may produce. They are reported
// but never required.
func (s StageSpec) OptionalOutputs(run *Run) []string { return call(s.optional, run) }

func call(fn func(*Run) []string, run *Run) []string {
	if fn == nil {
		return nil
	}
	return fn(run)
}

func paths(ps ...func(*Run) string) func(*Run) []string {
	return func(run *Run) []string {
		out := make([]string, len(ps))
		for i, p := range ps {
			out[i] = p(run)
		}
		return out
	}
}

func withThreads(args []string, flag string, n int) []string {
	if n > 0 {
		args = append(args, flag, strconv.Itoa(n))
	}
	return args
}

// stageSpecs is the process-wide, read-only stage table.
var stageSpecs = map[Stage]StageSpec{
	StageInitImageListing: {
		Stage:   StageInitImageListing,
		Program: "openMVG_main_SfMInit_ImageListing",
		args: func(cfg Config, run *Run) []string {
			args := []string{"-i", run.ImagesDir, "-o", run.MatchesDir}
			if cfg.SensorDB != "" {
				args = append(args, "-d", cfg.SensorDB)
			}
			if cfg.FocalPixels > 0 {
				args = append(args, "-f", strconv.FormatFloat(cfg.FocalPixels, 'f', -1, 64))
			}
			return args
		},
		outputs: paths((*Run).SfMDataJSON),
		verify:  verifyViews,
	},
	StageComputeFeatures: {
		Stage:   StageComputeFeatures,
		Program: "openMVG_main_ComputeFeatures",
		args: func(cfg Config, run *Run) []string {
			args := []string{"-i", run.SfMDataJSON(), "-o", run.MatchesDir,
				"-m", cfg.DescriberMethod, "-p", cfg.DescriberPreset}
			return withThreads(args, "-n", cfg.Threads)
		},
		inputs:  paths((*Run).SfMDataJSON),
		outputs: paths((*Run).ImageDescriber),
	},
	StageComputeMatches: {
		Stage:   StageComputeMatches,
		Program: "openMVG_main_ComputeMatches",
		args: func(_ Config, run *Run) []string {
			return []string{"-i", run.SfMDataJSON(), "-o", run.PutativeMatches()}
		},
		inputs:  paths((*Run).SfMDataJSON, (*Run).ImageDescriber),
		outputs: paths((*Run).PutativeMatches),
	},
	StageGeometricFilter: {
		Stage:   StageGeometricFilter,
		Program: "openMVG_main_GeometricFilter",
		args: func(cfg Config, run *Run) []string {
			return []string{"-i", run.SfMDataJSON(), "-m", run.PutativeMatches(),
				"-o", run.FilteredMatches(), "-g", cfg.GeometricModel}
		},
		inputs:  paths((*Run).SfMDataJSON, (*Run).PutativeMatches),
		outputs: paths((*Run).FilteredMatches),
	},
	StageGlobalSfM: {
		Stage:   StageGlobalSfM,
		Program: "openMVG_main_SfM",
		args: func(_ Config, run *Run) []string {
			return []string{"--sfm_engine", "GLOBAL", "-i", run.SfMDataJSON(),
				"--match_file", run.FilteredMatches(), "-o", run.GlobalDir}
		},
		inputs:   paths((*Run).SfMDataJSON, (*Run).FilteredMatches),
		outputs:  paths((*Run).SfMDataBin),
		optional: paths((*Run).SparseModel),
	},
	StageExportToMVS: {
		Stage:   StageExportToMVS,
		Program: "openMVG_main_openMVS_Exporter",
		args: func(cfg Config, run *Run) []string {
			args := []string{"-i", run.SfMDataBin(), "-o", run.SceneMVS(), "-d", run.UndistortedDir()}
			return withThreads(args, "-n", cfg.Threads)
		},
		inputs:  paths((*Run).SfMDataBin),
		outputs: paths((*Run).SceneMVS),
	},
	StageDensify: {
		Stage:   StageDensify,
		Program: "DensifyPointCloud",
		args: func(cfg Config, run *Run) []string {
			args := []string{run.SceneMVS(), "--working-folder", run.OutputDir, "-o", run.DenseMVS()}
			return withThreads(args, "--max-threads", cfg.Threads)
		},
		inputs:  paths((*Run).SceneMVS),
		outputs: paths((*Run).DenseMVS),
	},
	StageReconstructMesh: {
		Stage:   StageReconstructMesh,
		Program: "ReconstructMesh",
		args: func(cfg Config, run *Run) []string {
			args := []string{run.DenseMVS(), "--working-folder", run.OutputDir, "-o", run.MeshMVS()}
			return withThreads(args, "--max-threads", cfg.Threads)
		},
		inputs:  paths((*Run).DenseMVS),
		outputs: paths((*Run).MeshMVS),
	},
	StageRefineMesh: {
		Stage:   StageRefineMesh,
		Program: "RefineMesh",
		args: func(cfg Config, run *Run) []string {
			args := []string{run.MeshMVS(), "--working-folder", run.OutputDir, "-o", run.RefinedMVS()}
			return withThreads(args, "--max-threads", cfg.Threads)
		},
		inputs:  paths((*Run).MeshMVS),
		outputs: paths((*Run).RefinedMVS),
	},
	StageTextureMesh: {
		Stage:   StageTextureMesh,
		Program: "TextureMesh",
		args: func(cfg Config, run *Run) []string {
			args := []string{run.RefinedMVS(), "--working-folder", run.OutputDir, "-o", run.TexturedMVS()}
			return withThreads(args, "--max-threads", cfg.Threads)
		},
		inputs:  paths((*Run).RefinedMVS),
		outputs: paths((*Run).TexturedMVS),
	},
}

// SpecFor returns the static descriptor of an active stage.
func SpecFor(stage Stage) (StageSpec, bool) {
	s, ok := stageSpecs[stage]
	return s, ok
}

// Specs returns every stage descriptor in execution order.
func Specs() []StageSpec {
	out := make([]StageSpec, 0, len(stageSpecs))
	for _, s := range RangeFull.Stages() {
		out = append(out, stageSpecs[s])
	}
	return out
}

// verifyViews rejects an sfm_data.json that lists no usable images.
func verifyViews(run *Run) error {
	data, err := os.ReadFile(run.SfMDataJSON())
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMissingArtifact, run.SfMDataJSON())
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: %s is not valid JSON", ErrStageFailed, run.SfMDataJSON())
	}
	if n := gjson.GetBytes(data, "views.#").Int(); n == 0 {
		return fmt.Errorf("%w: no usable images listed in %s", ErrStageFailed, run.SfMDataJSON())
	}
	return nil
}

// CountViews returns the number of views in an sfm_data.json file, or -1 if
// it cannot be read.
func CountViews(path string) int {
	data, err := os.ReadFile(path)
	if err != nil || !gjson.ValidBytes(data) {
		return -1
	}
	return int(gjson.GetBytes(data, "views.#").Int())
}

// Router maps pipeline stages to their registered executors, checks input
// artifacts before a stage runs and output artifacts after it returns.
type Router struct {
	executors map[Stage]StageExecutor
}

// NewRouter creates a Router that sends every stage to def.
func NewRouter(def StageExecutor) *Router {
	r := &Router{executors: make(map[Stage]StageExecutor)}
	for _, s := range RangeFull.Stages() {
		r.executors[s] = def
	}
	return r
}

// RegisterExecutor associates an executor with a pipeline stage.
func (r *Router) RegisterExecutor(stage Stage, exec StageExecutor) {
	r.executors[stage] = exec
}

// Route runs stage via its registered executor and checks that the declared
// outputs exist afterwards.
func (r *Router) Route(ctx context.Context, stage Stage, run *Run, log LogFunc) error {
	spec, ok := SpecFor(stage)
	if !ok {
		return fmt.Errorf("router: no spec for stage %d (%s)", stage, stage)
	}
	exec, ok := r.executors[stage]
	if !ok || exec == nil {
		return fmt.Errorf("router: no executor registered for stage %d (%s)", stage, stage)
	}

	if err := exec.Execute(ctx, spec, run, log); err != nil {
		return err
	}

	if err := CheckArtifacts(spec.Outputs(run)); err != nil {
		return fmt.Errorf("stage reported success but %w", err)
	}
	if spec.verify != nil {
		if err := spec.verify(run); err != nil {
			return err
		}
	}
	return nil
}

// CheckPrerequisites verifies that the inputs of stage already exist on disk.
// It is used when a run starts part-way through the sequence.
func (r *Router) CheckPrerequisites(stage Stage, run *Run) error {
	spec, ok := SpecFor(stage)
	if !ok {
		return fmt.Errorf("router: no spec for stage %d (%s)", stage, stage)
	}
	if err := CheckArtifacts(spec.Inputs(run)); err != nil {
		return fmt.Errorf("required prerequisite for stage %d (%s) not satisfied: %w",
			stage.Number(), stage.Title(), err)
	}
	return nil
}

// CheckArtifacts returns ErrMissingArtifact naming the first path that does
// not exist.
func CheckArtifacts(paths []string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingArtifact, p)
		}
	}
	return nil
}
