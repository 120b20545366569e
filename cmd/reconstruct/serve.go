package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reconstruct/internal/api"
	"github.com/dusk-indust/reconstruct/internal/history"
	"github.com/dusk-indust/reconstruct/internal/orchestrator"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr    string
		project string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline controller over HTTP",
		Long: `Serve a pipeline controller over HTTP until interrupted.

  POST /pipeline/start     {"project": "/data/statue", "range": "sparse"}
  POST /pipeline/cancel
  GET  /pipeline/status
  GET  /pipeline/events    Server-Sent Events stream
  GET  /projects/status?path=/data/statue
  GET  /stages
  GET  /history?limit=20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pc, cfg, err := a.resolve(project)
			if err != nil {
				return err
			}
			store := a.openHistory(cmd, pc)
			if store != nil {
				defer store.Close()
			}
			ctrl, err := orchestrator.NewController(cfg, orchestrator.Options{Logger: slog.Default()})
			if err != nil {
				return err
			}
			defer ctrl.Close()
			if store != nil {
				ctrl.AddListener(history.NewRecorder(store, slog.Default()).Observe)
			}

			srv := api.NewServer(ctrl, api.Options{History: store, Logger: slog.Default()})
			bound, err := srv.Start(ctx, addr)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("Listening on http://%s", bound))

			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Stop(shutdown)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8765", "listen address")
	cmd.Flags().StringVarP(&project, "project", "p", ".", "directory whose reconstruct.yml configures the server")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the event stream of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			base := addr
			if !strings.Contains(base, "://") {
				base = "http://" + base
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/pipeline/events", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("connect %s: %w", addr, err)
			}
			if resp.StatusCode != http.StatusOK {
				resp.Body.Close()
				return fmt.Errorf("connect %s: %s", addr, resp.Status)
			}

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			for se := range api.ReadEvents(ctx, resp.Body) {
				if se.Err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), warnMsg("%v", se.Err))
					continue
				}
				if a.jsonOut {
					if err := enc.Encode(se.Event); err != nil {
						return err
					}
				} else if line := renderEvent(se.Event, "Pipeline"); line != "" {
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8765", "server address")
	return cmd
}
