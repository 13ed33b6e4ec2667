package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomwork/loom/internal/model"
)

func (s *Server) registerWorkerTools() {
	s.mcp.AddTool(mcp.NewTool("list_workers",
		mcp.WithDescription("List spawned worker instances, optionally filtered by status."),
		mcp.WithString("status", mcp.Description("spawning|active|idle|finished|failed")),
	), s.listWorkers)

	s.mcp.AddTool(mcp.NewTool("get_worker_status",
		mcp.WithDescription("Fetch one worker instance by id."),
		mcp.WithString("worker_id", mcp.Required()),
	), s.getWorkerStatus)

	s.mcp.AddTool(mcp.NewTool("force_stop_worker",
		mcp.WithDescription("Interrupt a running worker's subprocess (graceful stop, then kill after the grace window)."),
		mcp.WithString("worker_id", mcp.Required()),
	), s.forceStopWorker)
}

func (s *Server) listWorkers(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := model.WorkerStatus(optString(args(req), "status", ""))
	ws, err := s.store.ListWorkers(status)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(ws)
}

func (s *Server) getWorkerStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workerID, err := reqString(args(req), "worker_id")
	if err != nil {
		return errResult(err)
	}
	w, err := s.store.GetWorker(workerID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(w)
}

func (s *Server) forceStopWorker(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workerID, err := reqString(args(req), "worker_id")
	if err != nil {
		return errResult(err)
	}
	stopped := s.engine.ForceStopWorker(workerID)
	return jsonResult(map[string]any{"worker_id": workerID, "stopped": stopped})
}
