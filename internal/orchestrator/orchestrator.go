package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
)

// Stage identifies one step of the reconstruction workflow. Values are totally
// ordered; Idle and Finished bracket the active stages and Error is absorbing.
type Stage int

const (
	StageIdle Stage = iota
	StageInitImageListing
	StageComputeFeatures
	StageComputeMatches
	StageGeometricFilter
	StageGlobalSfM
	StageExportToMVS
	StageDensify
	StageReconstructMesh
	StageRefineMesh
	StageTextureMesh
	StageFinished
	StageError
)

// FirstStage and LastStage bound the active part of the sequence.
const (
	FirstStage = StageInitImageListing
	LastStage  = StageTextureMesh
)

var stageNames = [...]string{
	"idle",
	"init-image-listing",
	"compute-features",
	"compute-matches",
	"geometric-filter",
	"global-sfm",
	"export-to-mvs",
	"densify",
	"reconstruct-mesh",
	"refine-mesh",
	"texture-mesh",
	"finished",
	"error",
}

var stageTitles = [...]string{
	"Idle",
	"Image Listing",
	"Feature Computation",
	"Match Computation (Putative)",
	"Geometric Filtering",
	"Global Reconstruction",
	"Exporting to OpenMVS",
	"Densifying Point Cloud",
	"Reconstructing Mesh",
	"Refining Mesh",
	"Texturing Mesh",
	"Finished",
	"Error",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

// Title returns the human-readable stage label used in log lines.
func (s Stage) Title() string {
	if s >= 0 && int(s) < len(stageTitles) {
		return stageTitles[s]
	}
	return "Unknown"
}

// Active reports whether s is one of the executable stages. Idle, Finished
// and Error are never in progress.
func (s Stage) Active() bool {
	return s >= FirstStage && s <= LastStage
}

// Number is the 1-based position of an active stage, or 0.
func (s Stage) Number() int {
	if !s.Active() {
		return 0
	}
	return int(s - StageIdle)
}

// Next returns the stage that follows s in the sequence. Finished and Error
// are terminal and return themselves.
func (s Stage) Next() Stage {
	switch {
	case s == StageFinished || s == StageError:
		return s
	case s >= LastStage:
		return StageFinished
	default:
		return s + 1
	}
}

// ParseStage accepts either the slug ("global-sfm") or the 1-based number.
func ParseStage(v string) (Stage, bool) {
	for s := FirstStage; s <= LastStage; s++ {
		if v == s.String() {
			return s, true
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < FirstStage.Number() || n > LastStage.Number() {
		return StageIdle, false
	}
	return Stage(n), true
}

// MarshalText encodes the stage as its slug.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts a slug or a 1-based stage number.
func (s *Stage) UnmarshalText(b []byte) error {
	switch v := string(b); v {
	case "idle":
		*s = StageIdle
	case "finished":
		*s = StageFinished
	case "error":
		*s = StageError
	default:
		st, ok := ParseStage(v)
		if !ok {
			return fmt.Errorf("unknown stage %q", v)
		}
		*s = st
	}
	return nil
}

// Range is a contiguous, inclusive span of active stages.
type Range struct {
	From Stage
	To   Stage
}

// Named ranges. Sparse covers the OpenMVG stages, dense the OpenMVS stages.
var (
	RangeFull   = Range{From: FirstStage, To: LastStage}
	RangeSparse = Range{From: StageInitImageListing, To: StageExportToMVS}
	RangeDense  = Range{From: StageDensify, To: StageTextureMesh}
)

// Valid reports whether r spans at least one active stage in order.
func (r Range) Valid() bool {
	return r.From.Active() && r.To.Active() && r.From <= r.To
}

// Contains reports whether s lies within r.
func (r Range) Contains(s Stage) bool {
	return s >= r.From && s <= r.To
}

// Stages returns the stages of r in execution order.
func (r Range) Stages() []Stage {
	if !r.Valid() {
		return nil
	}
	out := make([]Stage, 0, int(r.To-r.From)+1)
	for s := r.From; s <= r.To; s++ {
		out = append(out, s)
	}
	return out
}

func (r Range) String() string {
	switch r {
	case RangeFull:
		return "full"
	case RangeSparse:
		return "sparse"
	case RangeDense:
		return "dense"
	}
	return r.From.String() + ".." + r.To.String()
}

// ParseRange resolves "full", "sparse", "dense" or "<from>..<to>".
func ParseRange(v string) (Range, bool) {
	switch v {
	case "", "full":
		return RangeFull, true
	case "sparse":
		return RangeSparse, true
	case "dense":
		return RangeDense, true
	}
	if lo, hi, found := strings.Cut(v, ".."); found {
		from, ok1 := ParseStage(lo)
		to, ok2 := ParseStage(hi)
		r := Range{From: from, To: to}
		if ok1 && ok2 && r.Valid() {
			return r, true
		}
		return Range{}, false
	}
	if s, ok := ParseStage(v); ok {
		return Range{From: s, To: s}, true
	}
	return Range{}, false
}

// Outcome is the terminal result of one run.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result summarizes a finished run.
type Result struct {
	RunID   string
	Outcome Outcome
	// Stage is the last stage reached: Finished on success, otherwise the
	// stage that failed or was interrupted.
	Stage Stage
	Err   error
}

// Success reports whether the run completed every stage in its range.
func (r Result) Success() bool {
	return r.Outcome == OutcomeSucceeded
}
