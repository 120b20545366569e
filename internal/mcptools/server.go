// Package mcptools exposes the reconstruction pipeline as Model Context
// Protocol tools, served over stdio or streamable HTTP.
package mcptools

import (
	"context"
	"errors"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// version is set by the linker at build time.
var version = "dev"

// NewMCPServer creates an MCP server with every pipeline tool registered.
func NewMCPServer(svc *PipelineService) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "reconstruct",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_pipeline",
		Description: "Start the photogrammetry pipeline for a project in the background. Returns immediately; poll get_status or call wait_pipeline.",
	}, svc.StartPipeline)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_pipeline",
		Description: "Request cancellation of the running pipeline. The running tool is terminated and no further stages start.",
	}, svc.CancelPipeline)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_status",
		Description: "Get the current stage of the pipeline and the outcome of the last finished run.",
	}, svc.GetStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "wait_pipeline",
		Description: "Block until the running pipeline finishes or the timeout passes.",
	}, svc.WaitPipeline)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_stages",
		Description: "List the ten pipeline stages with the program each resolves to and whether it is available.",
	}, svc.ListStages)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "project_status",
		Description: "Report which stages of a project have produced their artifacts and where a resumed run would start.",
	}, svc.ProjectStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_runs",
		Description: "List recently recorded pipeline runs with their outcome and failure reason.",
	}, svc.ListRuns)

	return server
}

// RunStdio runs the MCP server on stdio, blocking until stdin is closed or
// ctx is cancelled.
func RunStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

// RunHTTP serves the MCP server over streamable HTTP on addr until ctx is
// cancelled.
func RunHTTP(ctx context.Context, server *mcp.Server, addr string) error {
	handler := mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
