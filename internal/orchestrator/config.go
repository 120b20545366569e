package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// ListingMode selects how the image listing stage is executed.
type ListingMode string

const (
	// ListingProcess runs openMVG_main_SfMInit_ImageListing out of process.
	ListingProcess ListingMode = "process"

	// ListingBuiltin lists images in-process and writes sfm_data.json itself.
	ListingBuiltin ListingMode = "builtin"
)

// Default tunables.
const (
	DefaultDescriberMethod = "SIFT"
	DefaultDescriberPreset = "NORMAL"
	DefaultGeometricModel  = "f"
	DefaultKillGrace       = 5 * time.Second
	DefaultImagePattern    = "*.{jpg,jpeg,png}"
)

// Config holds the injected, immutable settings of a Controller. It is
// resolved once by the caller (see internal/config) and never read from
// process-wide state.
type Config struct {
	// SensorDB is the path to the OpenMVG sensor width camera database.
	SensorDB string

	// ToolDirs are searched, in order, before $PATH when resolving a stage
	// program that is not an absolute path.
	ToolDirs []string

	// Tools overrides the program name or path for individual stages.
	Tools map[Stage]string

	// DescriberMethod is passed to ComputeFeatures (-m).
	DescriberMethod string

	// DescriberPreset is passed to ComputeFeatures (-p): NORMAL, HIGH or ULTRA.
	DescriberPreset string

	// GeometricModel is the GeometricFilter model letter (-g).
	GeometricModel string

	// Threads caps worker threads for tools that accept it. 0 leaves the
	// tool default.
	Threads int

	// KillGrace is how long a terminated process may take to exit before it
	// is killed.
	KillGrace time.Duration

	// StageTimeout bounds a single process stage. 0 disables the limit.
	StageTimeout time.Duration

	// ImageListing selects the executor for the first stage.
	ImageListing ListingMode

	// FocalPixels, when positive, is used as the focal length of every image
	// by the built-in image listing.
	FocalPixels float64

	// ImagePattern is the doublestar pattern images must match for the
	// built-in listing. Matching is case-insensitive.
	ImagePattern string
}

// DefaultConfig returns a Config with the stock tunables filled in.
func DefaultConfig() Config {
	return Config{
		DescriberMethod: DefaultDescriberMethod,
		DescriberPreset: DefaultDescriberPreset,
		GeometricModel:  DefaultGeometricModel,
		KillGrace:       DefaultKillGrace,
		ImageListing:    ListingProcess,
		ImagePattern:    DefaultImagePattern,
	}
}

// withDefaults fills zero-valued tunables from DefaultConfig and normalizes
// the case of the preset and geometric model to what the tools expect.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.DescriberPreset = strings.ToUpper(c.DescriberPreset)
	c.GeometricModel = strings.ToLower(c.GeometricModel)
	if c.DescriberMethod == "" {
		c.DescriberMethod = d.DescriberMethod
	}
	if c.DescriberPreset == "" {
		c.DescriberPreset = d.DescriberPreset
	}
	if c.GeometricModel == "" {
		c.GeometricModel = d.GeometricModel
	}
	if c.KillGrace <= 0 {
		c.KillGrace = d.KillGrace
	}
	if c.ImageListing == "" {
		c.ImageListing = d.ImageListing
	}
	if c.ImagePattern == "" {
		c.ImagePattern = d.ImagePattern
	}
	return c
}

var validPresets = []string{"NORMAL", "HIGH", "ULTRA"}

// Validate checks the tunables the tools would otherwise reject mid-run.
func (c Config) Validate() error {
	c = c.withDefaults()

	switch c.ImageListing {
	case ListingProcess, ListingBuiltin:
	default:
		return fmt.Errorf("config: unknown image listing mode %q", c.ImageListing)
	}

	found := false
	for _, p := range validPresets {
		if p == c.DescriberPreset {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("config: describer preset %q must be one of %s", c.DescriberPreset, strings.Join(validPresets, ", "))
	}

	// f: fundamental, e: essential, h: homography, a: angular essential,
	// u: upright essential, o: orthographic essential.
	if len(c.GeometricModel) != 1 || !strings.ContainsAny(c.GeometricModel, "fehauo") {
		return fmt.Errorf("config: unknown geometric model %q", c.GeometricModel)
	}

	if c.Threads < 0 {
		return fmt.Errorf("config: threads must be >= 0, got %d", c.Threads)
	}
	if c.StageTimeout < 0 {
		return fmt.Errorf("config: stage timeout must be >= 0, got %s", c.StageTimeout)
	}
	for stage := range c.Tools {
		if !stage.Active() {
			return fmt.Errorf("config: tool override for non-executable stage %s", stage)
		}
	}
	return nil
}

// program returns the configured program for stage, falling back to def.
func (c Config) program(stage Stage, def string) string {
	if p, ok := c.Tools[stage]; ok && p != "" {
		return p
	}
	return def
}
