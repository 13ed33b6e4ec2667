package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomwork/loom/internal/model"
	"github.com/loomwork/loom/internal/store"
)

func (s *Server) registerDependencyTools() {
	s.mcp.AddTool(mcp.NewTool("add_ticket_dependency",
		mcp.WithDescription("Add a dependency edge between two tickets. Rejects self-edges, duplicates, and cycles."),
		mcp.WithString("parent_ticket_id", mcp.Required()),
		mcp.WithString("child_ticket_id", mcp.Required()),
		mcp.WithString("dependency_type", mcp.Description("blocks|subtask, default blocks")),
	), s.addTicketDependency)

	s.mcp.AddTool(mcp.NewTool("remove_ticket_dependency",
		mcp.WithDescription("Remove a dependency edge. May flip the child ticket to ready and re-enqueue it."),
		mcp.WithString("parent_ticket_id", mcp.Required()),
		mcp.WithString("child_ticket_id", mcp.Required()),
	), s.removeTicketDependency)

	s.mcp.AddTool(mcp.NewTool("get_dependency_graph",
		mcp.WithDescription("Return every ticket and dependency edge in a project."),
		mcp.WithString("project_id", mcp.Required()),
	), s.getDependencyGraph)

	s.mcp.AddTool(mcp.NewTool("list_blocked_tickets",
		mcp.WithDescription("List open tickets whose dependency_status is blocked, with the reason each is blocked."),
		mcp.WithString("project_id"),
	), s.listBlockedTickets)

	s.mcp.AddTool(mcp.NewTool("list_ready_tickets",
		mcp.WithDescription("List open tickets whose dependency_status is ready."),
		mcp.WithString("project_id"),
	), s.listReadyTickets)

	s.mcp.AddTool(mcp.NewTool("get_tickets_by_stage",
		mcp.WithDescription("List a project's tickets currently sitting at a given stage."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("stage", mcp.Required()),
	), s.getTicketsByStage)
}

func (s *Server) addTicketDependency(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	parent, err := reqString(a, "parent_ticket_id")
	if err != nil {
		return errResult(err)
	}
	child, err := reqString(a, "child_ticket_id")
	if err != nil {
		return errResult(err)
	}
	depType := model.DependencyType(optString(a, "dependency_type", string(model.DependencyBlocks)))
	if err := s.dagSvc.AddEdge(parent, child, depType); err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]string{"parent_ticket_id": parent, "child_ticket_id": child, "dependency_type": string(depType)})
}

func (s *Server) removeTicketDependency(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	parent, err := reqString(a, "parent_ticket_id")
	if err != nil {
		return errResult(err)
	}
	child, err := reqString(a, "child_ticket_id")
	if err != nil {
		return errResult(err)
	}
	if err := s.dagSvc.RemoveEdge(parent, child); err != nil {
		return errResult(err)
	}
	if err := s.engine.EnqueueIfReady(child); err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]string{"parent_ticket_id": parent, "child_ticket_id": child, "status": "removed"})
}

func (s *Server) getDependencyGraph(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := reqString(args(req), "project_id")
	if err != nil {
		return errResult(err)
	}
	graph, err := s.dagSvc.Graph(projectID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(graph)
}

func (s *Server) listBlockedTickets(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := optString(args(req), "project_id", "")
	tickets, err := s.store.ListTickets(store.TicketFilter{
		ProjectID:        projectID,
		State:            model.StateOpen,
		DependencyStatus: model.DependencyBlocked,
	})
	if err != nil {
		return errResult(err)
	}
	type blocked struct {
		model.Ticket
		BlockedReason string `json:"blocked_reason"`
	}
	out := make([]blocked, 0, len(tickets))
	for _, t := range tickets {
		reason, err := s.dagSvc.BlockedReason(t.TicketID)
		if err != nil {
			return errResult(err)
		}
		out = append(out, blocked{Ticket: t, BlockedReason: reason})
	}
	return jsonResult(out)
}

func (s *Server) listReadyTickets(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := optString(args(req), "project_id", "")
	tickets, err := s.store.ListTickets(store.TicketFilter{
		ProjectID:        projectID,
		State:            model.StateOpen,
		DependencyStatus: model.DependencyReady,
	})
	if err != nil {
		return errResult(err)
	}
	return jsonResult(tickets)
}

func (s *Server) getTicketsByStage(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	projectID, err := reqString(a, "project_id")
	if err != nil {
		return errResult(err)
	}
	stage, err := reqString(a, "stage")
	if err != nil {
		return errResult(err)
	}
	tickets, err := s.store.ListTickets(store.TicketFilter{ProjectID: projectID, Stage: stage})
	if err != nil {
		return errResult(err)
	}
	return jsonResult(tickets)
}
