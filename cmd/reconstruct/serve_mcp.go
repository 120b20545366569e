package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/reconstruct/internal/history"
	"github.com/dusk-indust/reconstruct/internal/mcptools"
	"github.com/dusk-indust/reconstruct/internal/orchestrator"
)

func newServeMCPCmd(a *app) *cobra.Command {
	var (
		httpAddr string
		project  string
	)
	cmd := &cobra.Command{
		Use:   "serve-mcp",
		Short: "Expose the pipeline as MCP tools on stdio",
		Long: `Run an MCP server exposing start_pipeline, cancel_pipeline, get_status,
wait_pipeline, list_stages, project_status and list_runs. Serves on stdio
unless --http is given.`,
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

			server := mcptools.NewMCPServer(mcptools.NewPipelineService(ctrl, store))
			if httpAddr != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), successMsg("MCP listening on http://%s", httpAddr))
				return mcptools.RunHTTP(ctx, server, httpAddr)
			}
			return mcptools.RunStdio(ctx, server)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve streamable HTTP on this address instead of stdio")
	cmd.Flags().StringVarP(&project, "project", "p", ".", "directory whose reconstruct.yml configures the server")
	return cmd
}
