package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reconstruct/internal/history"
	"github.com/dusk-indust/reconstruct/internal/orchestrator"
	"github.com/dusk-indust/reconstruct/internal/status"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		rangeFlag string
		resume    bool
		noHistory bool
	)

	cmd := &cobra.Command{
		Use:   "run [project]",
		Short: "Run the reconstruction pipeline",
		Long: `Run the pipeline stages for a project in order, streaming tool output.

Ctrl-C cancels the run: the running tool is terminated and no further stage
starts. The command exits 0 on success, 1 on failure and 130 on cancel.

Ranges: full (1-10), sparse (1-6), dense (7-10), a single stage, or from..to
using numbers or stage names.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := projectArg(args)
			pc, cfg, err := a.resolve(project)
			if err != nil {
				return err
			}

			rng, ok := orchestrator.ParseRange(rangeFlag)
			if !ok {
				return fmt.Errorf("invalid range %q", rangeFlag)
			}
			if resume {
				report := status.Scan(project)
				next, ok := report.ResumeRange()
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), successMsg("All %d stages are already complete", len(report.Stages)))
					return nil
				}
				rng = next
			}

			out := cmd.OutOrStdout()
			for _, ts := range orchestrator.MissingTools(cfg, rng) {
				fmt.Fprintln(cmd.ErrOrStderr(), warnMsg("stage %d (%s): %s", ts.Stage.Number(), ts.Program, ts.Error))
			}

			var store *history.Store
			if !noHistory {
				if store = a.openHistory(cmd, pc); store != nil {
					defer store.Close()
				}
			}
			ctrl, err := orchestrator.NewController(cfg, orchestrator.Options{Logger: slog.Default()})
			if err != nil {
				return err
			}
			defer ctrl.Close()
			if store != nil {
				ctrl.AddListener(history.NewRecorder(store, slog.Default()).Observe)
			}

			events := ctrl.Subscribe()
			if err := ctrl.StartRange(project, rng); err != nil {
				return err
			}
			return a.follow(cmd, "Pipeline", ctrl.CancelPipeline, events, out)
		},
	}

	cmd.Flags().StringVarP(&rangeFlag, "range", "r", "full", "stages to run")
	cmd.Flags().BoolVar(&resume, "resume", false, "start at the first stage whose outputs are missing")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record this run")
	cmd.MarkFlagsMutuallyExclusive("range", "resume")
	return cmd
}

// follow prints events until the finished event. The first SIGINT or
// SIGTERM calls cancel; the job still reports its own finished event.
func (a *app) follow(cmd *cobra.Command, job string, cancel func(), events <-chan orchestrator.ProgressEvent, out io.Writer) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(out)
	interrupted := ctx.Done()
	for {
		select {
		case <-interrupted:
			interrupted = nil
			cancel()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed before the run finished")
			}
			if a.jsonOut {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			} else if line := renderEvent(ev, job); line != "" {
				fmt.Fprintln(out, line)
			}
			if ev.Kind != orchestrator.EventFinished {
				continue
			}
			switch ev.Outcome {
			case orchestrator.OutcomeSucceeded:
				return nil
			case orchestrator.OutcomeCancelled:
				return errCancelled
			default:
				if ev.Error != "" {
					return fmt.Errorf("failed: %s", ev.Error)
				}
				return fmt.Errorf("failed")
			}
		}
	}
}
