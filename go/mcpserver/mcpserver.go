// Package mcpserver exposes job and service operations as MCP tools, so
// MCP-speaking assistants can inspect and drive a running deployment over
// stdio.
package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mstream-dev/mstream/go/checkpoint"
	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/jobs"
	"github.com/mstream-dev/mstream/go/ops"
	"github.com/mstream-dev/mstream/go/registry"
)

// JobManager is the slice of the job manager the tools need.
type JobManager interface {
	CreateAndStart(ctx context.Context, conn config.Connector) (jobs.Job, error)
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	GetJob(ctx context.Context, name string) (jobs.Job, error)
	ListJobs(ctx context.Context) ([]jobs.Job, error)
	ListCheckpoints(ctx context.Context, name string) ([]checkpoint.Checkpoint, error)
}

// Options wire the MCP server to the rest of the process.
type Options struct {
	Manager  JobManager
	Registry *registry.Registry
	Ring     *ops.Ring
}

// Server owns the MCP protocol server and its registered tools.
type Server struct {
	mcp      *server.MCPServer
	manager  JobManager
	registry *registry.Registry
	ring     *ops.Ring

	tools []mcp.Tool
}

func New(opts Options) *Server {
	var s = &Server{
		mcp: server.NewMCPServer(
			"mstream",
			"1.0.0",
			server.WithToolCapabilities(false),
		),
		manager:  opts.Manager,
		registry: opts.Registry,
		ring:     opts.Ring,
	}
	s.registerTools()
	return s
}

// Tools returns the names of every registered tool.
func (s *Server) Tools() []string {
	var names = make([]string, 0, len(s.tools))
	for _, tool := range s.tools {
		names = append(names, tool.Name)
	}
	return names
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout until the
// peer disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.tools = append(s.tools, tool)
	s.mcp.AddTool(tool, handler)
}

func (s *Server) registerTools() {
	s.addTool(mcp.NewTool("list_jobs",
		mcp.WithDescription("List every job with its lifecycle state"),
	), s.handleListJobs)

	s.addTool(mcp.NewTool("get_job",
		mcp.WithDescription("Get one job's lifecycle record"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Connector name of the job"),
		),
	), s.handleGetJob)

	s.addTool(mcp.NewTool("create_job",
		mcp.WithDescription("Declare a connector and start a job for it"),
		mcp.WithObject("connector",
			mcp.Required(),
			mcp.Description("Connector declaration: name, source, middlewares, sinks, schemas"),
		),
	), s.handleCreateJob)

	s.addTool(mcp.NewTool("stop_job",
		mcp.WithDescription("Stop a running job, persisting its position"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Connector name of the job"),
		),
	), s.handleStopJob)

	s.addTool(mcp.NewTool("restart_job",
		mcp.WithDescription("Restart a job from its latest checkpoint"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Connector name of the job"),
		),
	), s.handleRestartJob)

	s.addTool(mcp.NewTool("list_checkpoints",
		mcp.WithDescription("List a job's persisted checkpoints, newest first"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Connector name of the job"),
		),
	), s.handleListCheckpoints)

	s.addTool(mcp.NewTool("list_services",
		mcp.WithDescription("List registered services with secrets masked"),
	), s.handleListServices)

	s.addTool(mcp.NewTool("get_service",
		mcp.WithDescription("Get one service definition with secrets masked"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Service name"),
		),
	), s.handleGetService)

	s.addTool(mcp.NewTool("register_service",
		mcp.WithDescription("Register an external service definition"),
		mcp.WithObject("service",
			mcp.Required(),
			mcp.Description("Service definition: provider, name, and provider-specific fields"),
		),
	), s.handleRegisterService)

	s.addTool(mcp.NewTool("remove_service",
		mcp.WithDescription("Remove a service definition; fails while jobs reference it"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Service name"),
		),
	), s.handleRemoveService)

	s.addTool(mcp.NewTool("recent_logs",
		mcp.WithDescription("Return recent log entries from the in-memory ring"),
		mcp.WithString("level",
			mcp.Description("Minimum severity to include (default: everything)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of entries (default 50)"),
		),
	), s.handleRecentLogs)
}
