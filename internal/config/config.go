// Package config loads reconstruct.yml project settings and resolves them,
// together with environment and flag overrides, into the immutable
// orchestrator configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dusk-indust/reconstruct/internal/orchestrator"
)

// EnvPrefix is prepended to every environment override, e.g.
// RECONSTRUCT_SENSOR_DB.
const EnvPrefix = "RECONSTRUCT"

// FileNames are tried, in order, in the project directory.
var FileNames = []string{"reconstruct.yml", "reconstruct.yaml"}

// Keys lists every setting that may be overridden from the environment or
// a user config file.
var Keys = []string{
	"sensor_db", "tool_dirs", "describer_method", "describer_preset",
	"geometric_model", "threads", "kill_grace", "stage_timeout",
	"image_listing", "focal_pixels", "image_pattern", "history_db",
}

// ProjectConfig holds project-level settings loaded from reconstruct.yml.
type ProjectConfig struct {
	SensorDB        string            `yaml:"sensor_db,omitempty" mapstructure:"sensor_db"`
	ToolDirs        []string          `yaml:"tool_dirs,omitempty" mapstructure:"tool_dirs"`
	Tools           map[string]string `yaml:"tools,omitempty" mapstructure:"tools"`
	DescriberMethod string            `yaml:"describer_method,omitempty" mapstructure:"describer_method"`
	DescriberPreset string            `yaml:"describer_preset,omitempty" mapstructure:"describer_preset"`
	GeometricModel  string            `yaml:"geometric_model,omitempty" mapstructure:"geometric_model"`
	Threads         int               `yaml:"threads,omitempty" mapstructure:"threads"`
	KillGrace       time.Duration     `yaml:"kill_grace,omitempty" mapstructure:"kill_grace"`
	StageTimeout    time.Duration     `yaml:"stage_timeout,omitempty" mapstructure:"stage_timeout"`
	ImageListing    string            `yaml:"image_listing,omitempty" mapstructure:"image_listing"`
	FocalPixels     float64           `yaml:"focal_pixels,omitempty" mapstructure:"focal_pixels"`
	ImagePattern    string            `yaml:"image_pattern,omitempty" mapstructure:"image_pattern"`
	HistoryDB       string            `yaml:"history_db,omitempty" mapstructure:"history_db"`
}

// Load attempts to read reconstruct.yml or reconstruct.yaml from the given
// directory. Returns a zero-value config (not an error) if no config file
// exists.
func Load(dir string) (*ProjectConfig, error) {
	for _, name := range FileNames {
		cfg, err := LoadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return cfg, err
	}
	return &ProjectConfig{}, nil
}

// LoadFile reads one YAML config file.
func LoadFile(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// BindEnv registers every key with v so that RECONSTRUCT_* variables are
// seen by Unmarshal.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, k := range Keys {
		_ = v.BindEnv(k)
	}
}

// Resolve loads the project file from projectDir and applies the values
// set in v (user config file, environment, flags) on top of it.
func Resolve(v *viper.Viper, projectDir string) (*ProjectConfig, error) {
	cfg, err := Load(projectDir)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return cfg, nil
	}
	var over ProjectConfig
	if err := v.Unmarshal(&over); err != nil {
		return nil, fmt.Errorf("config: overrides: %w", err)
	}
	cfg.Merge(&over)
	return cfg, nil
}

// Merge copies every non-zero field of over into c.
func (c *ProjectConfig) Merge(over *ProjectConfig) {
	if over == nil {
		return
	}
	setString(&c.SensorDB, over.SensorDB)
	setString(&c.DescriberMethod, over.DescriberMethod)
	setString(&c.DescriberPreset, over.DescriberPreset)
	setString(&c.GeometricModel, over.GeometricModel)
	setString(&c.ImageListing, over.ImageListing)
	setString(&c.ImagePattern, over.ImagePattern)
	setString(&c.HistoryDB, over.HistoryDB)
	if len(over.ToolDirs) > 0 {
		c.ToolDirs = over.ToolDirs
	}
	for k, p := range over.Tools {
		if c.Tools == nil {
			c.Tools = make(map[string]string)
		}
		c.Tools[k] = p
	}
	if over.Threads != 0 {
		c.Threads = over.Threads
	}
	if over.KillGrace != 0 {
		c.KillGrace = over.KillGrace
	}
	if over.StageTimeout != 0 {
		c.StageTimeout = over.StageTimeout
	}
	if over.FocalPixels != 0 {
		c.FocalPixels = over.FocalPixels
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ToPipeline validates c and converts it into an orchestrator.Config.
// Relative paths are resolved against base.
func (c *ProjectConfig) ToPipeline(base string) (orchestrator.Config, error) {
	out := orchestrator.DefaultConfig()
	out.SensorDB = absFrom(base, expandHome(c.SensorDB))
	for _, d := range c.ToolDirs {
		out.ToolDirs = append(out.ToolDirs, absFrom(base, expandHome(d)))
	}
	if len(c.Tools) > 0 {
		out.Tools = make(map[orchestrator.Stage]string, len(c.Tools))
		for key, program := range c.Tools {
			stage, ok := orchestrator.ParseStage(key)
			if !ok {
				return orchestrator.Config{}, fmt.Errorf("config: tools: unknown stage %q", key)
			}
			if strings.ContainsRune(program, '/') || strings.ContainsRune(program, os.PathSeparator) {
				program = absFrom(base, expandHome(program))
			}
			out.Tools[stage] = program
		}
	}
	setString(&out.DescriberMethod, c.DescriberMethod)
	setString(&out.DescriberPreset, strings.ToUpper(c.DescriberPreset))
	setString(&out.GeometricModel, strings.ToLower(c.GeometricModel))
	setString(&out.ImagePattern, c.ImagePattern)
	if c.ImageListing != "" {
		out.ImageListing = orchestrator.ListingMode(strings.ToLower(c.ImageListing))
	}
	out.Threads = c.Threads
	if c.KillGrace != 0 {
		out.KillGrace = c.KillGrace
	}
	out.StageTimeout = c.StageTimeout
	out.FocalPixels = c.FocalPixels

	if err := out.Validate(); err != nil {
		return orchestrator.Config{}, err
	}
	return out, nil
}

// HistoryPath returns the configured run history database, defaulting to
// reconstruct/history.db under the user config directory.
func (c *ProjectConfig) HistoryPath() (string, error) {
	if c.HistoryDB != "" {
		return expandHome(c.HistoryDB), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: history path: %w", err)
	}
	return filepath.Join(dir, "reconstruct", "history.db"), nil
}

func absFrom(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
