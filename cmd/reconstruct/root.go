package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dusk-indust/reconstruct/internal/config"
	"github.com/dusk-indust/reconstruct/internal/history"
	"github.com/dusk-indust/reconstruct/internal/logging"
	"github.com/dusk-indust/reconstruct/internal/orchestrator"
)

// errCancelled marks a run stopped by the user; it exits with 130.
var errCancelled = errors.New("cancelled")

func exitCode(err error) int {
	if errors.Is(err, errCancelled) {
		return 130
	}
	return 1
}

// app carries the state shared by every subcommand.
type app struct {
	v         *viper.Viper
	cfgFile   string
	debug     bool
	logFormat string
	jsonOut   bool
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "reconstruct",
		Short: "Photogrammetry pipeline orchestrator",
		Long: `reconstruct turns a folder of photos into a textured 3D model by driving the
OpenMVG and OpenMVS command-line tools through ten stages.

Project layout:
  <project>/images/              input photos
  <project>/output/matches/      image listing, features, matches
  <project>/output/reconstruction/global/
  <project>/output/*.mvs         dense cloud, mesh, texture

Quick start:
  reconstruct stages             Check that every tool resolves
  reconstruct run ./statue       Run all stages
  reconstruct run --range dense  Rerun stages 7-10
  reconstruct status ./statue    Show completed stages`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := logging.LevelWarn
			if a.debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level, a.logFormat); err != nil {
				return err
			}
			return a.initConfig()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "user config file (YAML) applied over the project's reconstruct.yml")
	pf.BoolVar(&a.debug, "debug", false, "enable debug logging")
	pf.StringVar(&a.logFormat, "log-format", logging.FormatText, "diagnostic log format: text or json")
	pf.BoolVar(&a.jsonOut, "json", false, "output as JSON")
	pf.StringSlice("tool-dir", nil, "directory searched for tool executables before $PATH (repeatable)")
	pf.String("sensor-db", "", "camera sensor width database")
	pf.Int("threads", 0, "thread count passed to the tools (0 = tool default)")
	pf.String("image-listing", "", "stage 1 variant: process or builtin")
	pf.String("history-db", "", "run history database path")
	for flag, key := range map[string]string{
		"tool-dir":      "tool_dirs",
		"sensor-db":     "sensor_db",
		"threads":       "threads",
		"image-listing": "image_listing",
		"history-db":    "history_db",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newStatusCmd(a))
	root.AddCommand(newStagesCmd(a))
	root.AddCommand(newHistoryCmd(a))
	root.AddCommand(newExtractCmd(a))
	root.AddCommand(newServeCmd(a))
	root.AddCommand(newWatchCmd(a))
	root.AddCommand(newServeMCPCmd(a))
	return root
}

// initConfig reads the --config file, if any, and binds RECONSTRUCT_*
// environment variables.
func (a *app) initConfig() error {
	config.BindEnv(a.v)
	if a.cfgFile == "" {
		return nil
	}
	a.v.SetConfigFile(a.cfgFile)
	if err := a.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", a.cfgFile, err)
	}
	return nil
}

// resolve merges the project's reconstruct.yml with user config,
// environment and flags, and returns the pipeline configuration.
func (a *app) resolve(projectDir string) (*config.ProjectConfig, orchestrator.Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, orchestrator.Config{}, err
	}
	pc, err := config.Resolve(a.v, abs)
	if err != nil {
		return nil, orchestrator.Config{}, err
	}
	cfg, err := pc.ToPipeline(abs)
	if err != nil {
		return nil, orchestrator.Config{}, err
	}
	return pc, cfg, nil
}

// openHistory opens the run history database. A failure is reported and
// the command continues without history.
func (a *app) openHistory(cmd *cobra.Command, pc *config.ProjectConfig) *history.Store {
	path, err := pc.HistoryPath()
	if err == nil {
		var store *history.Store
		if store, err = history.Open(path); err == nil {
			return store
		}
	}
	fmt.Fprintln(cmd.ErrOrStderr(), warnMsg("run history disabled: %v", err))
	return nil
}

// projectArg returns args[0] or the working directory.
func projectArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}
