package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	log "github.com/sirupsen/logrus"

	"github.com/mstream-dev/mstream/go/checkpoint"
	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/jobs"
)

// textResult renders a value as indented JSON tool output.
func textResult(v any) (*mcp.CallToolResult, error) {
	var data, err = json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// bindObject unmarshals an object argument into v.
func bindObject(request mcp.CallToolRequest, key string, v any) error {
	var raw, ok = request.GetArguments()[key]
	if !ok {
		return fmt.Errorf("%s argument is required", key)
	}
	var data, err = json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", key, err)
	}
	return nil
}

func (s *Server) handleListJobs(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var list, err = s.manager.ListJobs(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if list == nil {
		list = []jobs.Job{}
	}
	return textResult(list)
}

func (s *Server) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var name, err = request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name argument is required"), nil
	}
	job, err := s.manager.GetJob(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(job)
}

func (s *Server) handleCreateJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var conn config.Connector
	if err := bindObject(request, "connector", &conn); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if conn.Name == "" {
		return mcp.NewToolResultError("connector has no name"), nil
	}
	var job, err = s.manager.CreateAndStart(ctx, conn)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(job)
}

func (s *Server) handleStopJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var name, err = request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name argument is required"), nil
	}
	if err := s.manager.Stop(ctx, name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.manager.GetJob(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(job)
}

func (s *Server) handleRestartJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var name, err = request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name argument is required"), nil
	}
	if err := s.manager.Restart(ctx, name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.manager.GetJob(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(job)
}

func (s *Server) handleListCheckpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var name, err = request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name argument is required"), nil
	}
	history, err := s.manager.ListCheckpoints(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if history == nil {
		history = []checkpoint.Checkpoint{}
	}
	return textResult(history)
}

func (s *Server) handleListServices(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var defs = s.registry.Definitions()
	var out = make([]config.Service, 0, len(defs))
	for _, svc := range defs {
		out = append(out, svc.Masked())
	}
	return textResult(out)
}

func (s *Server) handleGetService(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var name, err = request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name argument is required"), nil
	}
	var svc, ok = s.registry.Definition(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown service %q", name)), nil
	}
	return textResult(svc.Masked())
}

func (s *Server) handleRegisterService(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var svc config.Service
	if err := bindObject(request, "service", &svc); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.registry.Register(svc); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(svc.Masked())
}

func (s *Server) handleRemoveService(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var name, err = request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name argument is required"), nil
	}
	if err := s.registry.Remove(ctx, name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("removed service %q", name)), nil
}

func (s *Server) handleRecentLogs(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args = request.GetArguments()

	var level = log.TraceLevel
	if raw, ok := args["level"].(string); ok && raw != "" {
		var lvl, err = log.ParseLevel(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unrecognized level %q", raw)), nil
		}
		level = lvl
	}

	var limit = 50
	if raw, ok := args["limit"].(float64); ok && raw > 0 {
		limit = int(raw)
	}

	return textResult(s.ring.Recent(limit, level))
}
