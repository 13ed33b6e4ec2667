package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomwork/loom/internal/dag"
)

func (s *Server) registerEventTools() {
	s.mcp.AddTool(mcp.NewTool("list_events",
		mcp.WithDescription("List unprocessed events awaiting coordinator attention."),
	), s.listEvents)

	s.mcp.AddTool(mcp.NewTool("resolve_event",
		mcp.WithDescription("Mark an event processed, recording how it was resolved."),
		mcp.WithNumber("event_id", mcp.Required()),
		mcp.WithString("resolution_summary", mcp.Required()),
	), s.resolveEvent)

	s.mcp.AddTool(mcp.NewTool("get_system_health",
		mcp.WithDescription("Summarize a project's board: blocked/active/done counts, rework rate, and thrashing tickets."),
		mcp.WithString("project_id", mcp.Required()),
	), s.getSystemHealth)
}

func (s *Server) listEvents(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	events, err := s.store.ListUnprocessedEvents()
	if err != nil {
		return errResult(err)
	}
	return jsonResult(events)
}

func (s *Server) resolveEvent(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	id, err := reqInt(a, "event_id")
	if err != nil {
		return errResult(err)
	}
	summary, err := reqString(a, "resolution_summary")
	if err != nil {
		return errResult(err)
	}
	if err := s.store.ResolveEvent(id, summary); err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]any{"event_id": id, "status": "resolved"})
}

func (s *Server) getSystemHealth(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := reqString(args(req), "project_id")
	if err != nil {
		return errResult(err)
	}
	health, err := s.dagSvc.SystemHealth(projectID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(struct {
		*dag.SystemHealth
		LiveSubscribers int `json:"live_subscribers"`
	}{health, s.bus.SubscriberCount()})
}
