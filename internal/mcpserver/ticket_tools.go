package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomwork/loom/internal/model"
	"github.com/loomwork/loom/internal/store"
)

func (s *Server) registerTicketTools() {
	s.mcp.AddTool(mcp.NewTool("create_ticket",
		mcp.WithDescription("Create a ticket on a project's pipeline, optionally wiring it to a parent and blocking dependencies."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("title", mcp.Required()),
		mcp.WithString("description"),
		mcp.WithArray("execution_plan", mcp.Required(), mcp.Description("Ordered stage names this ticket will pass through.")),
		mcp.WithString("ticket_type", mcp.Description("epic|story|task|subtask, default task")),
		mcp.WithString("priority", mcp.Description("low|medium|high|urgent, default medium")),
		mcp.WithString("parent_ticket_id", mcp.Description("Creates a subtask edge from parent to this ticket.")),
		mcp.WithArray("depends_on", mcp.Description("Ticket ids this ticket is blocked on (blocks edges).")),
	), s.createTicket)

	s.mcp.AddTool(mcp.NewTool("get_ticket",
		mcp.WithDescription("Fetch a ticket by id."),
		mcp.WithString("ticket_id", mcp.Required()),
	), s.getTicket)

	s.mcp.AddTool(mcp.NewTool("list_tickets",
		mcp.WithDescription("List tickets, optionally filtered by project, state, stage, priority, or dependency status."),
		mcp.WithString("project_id"),
		mcp.WithString("state", mcp.Description("open|closed|on_hold")),
		mcp.WithString("stage"),
		mcp.WithString("priority", mcp.Description("low|medium|high|urgent")),
		mcp.WithString("dependency_status", mcp.Description("ready|blocked|waiting")),
	), s.listTickets)

	s.mcp.AddTool(mcp.NewTool("add_comment",
		mcp.WithDescription("Append a comment to a ticket's history."),
		mcp.WithString("ticket_id", mcp.Required()),
		mcp.WithString("content", mcp.Required()),
		mcp.WithString("kind", mcp.Description("Freeform comment category, e.g. note, coordinator")),
	), s.addComment)

	s.mcp.AddTool(mcp.NewTool("update_stage",
		mcp.WithDescription("Force a ticket onto a specific stage of its own execution plan, clearing any processing binding."),
		mcp.WithString("ticket_id", mcp.Required()),
		mcp.WithString("stage", mcp.Required()),
	), s.updateStage)

	s.mcp.AddTool(mcp.NewTool("close_ticket",
		mcp.WithDescription("Force a ticket closed without a worker completion report, running the normal close cascade."),
		mcp.WithString("ticket_id", mcp.Required()),
		mcp.WithString("resolution"),
	), s.closeTicket)

	s.mcp.AddTool(mcp.NewTool("resume_ticket_processing",
		mcp.WithDescription("Clear a stalled ticket's processing binding and re-enqueue it, optionally retargeting its stage."),
		mcp.WithString("ticket_id", mcp.Required()),
		mcp.WithString("stage", mcp.Description("Retarget to this stage; omit to retry the current stage.")),
	), s.resumeTicketProcessing)
}

func (s *Server) createTicket(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	projectID, err := reqString(a, "project_id")
	if err != nil {
		return errResult(err)
	}
	title, err := reqString(a, "title")
	if err != nil {
		return errResult(err)
	}
	plan := optStringSlice(a, "execution_plan")
	if len(plan) == 0 {
		return errResult(model.NewError(model.KindValidation, "execution_plan must be a non-empty array of stage names"))
	}

	project, err := s.store.GetProject(projectID)
	if err != nil {
		return errResult(err)
	}

	ticketType := model.TicketType(optString(a, "ticket_type", string(model.TicketTask)))
	priority := model.Priority(optString(a, "priority", string(model.PriorityMedium)))
	parentID := optString(a, "parent_ticket_id", "")

	t := &model.Ticket{
		TicketID:            s.idgen.NextTicketID(project.ProjectPrefix, project.RepositoryName, ticketType),
		ProjectID:           projectID,
		Title:               title,
		Description:         optString(a, "description", ""),
		ExecutionPlan:       plan,
		CurrentStage:        plan[0],
		State:               model.StateOpen,
		Priority:            priority,
		DependencyStatus:    model.DependencyReady,
		TicketType:          ticketType,
		RulesVersion:        project.RulesVersion,
		PatternsVersion:     project.PatternsVersion,
		InheritedFromParent: parentID != "",
	}
	if parentID != "" {
		t.ParentTicketID = &parentID
	}

	created, err := s.store.CreateTicket(t)
	if err != nil {
		return errResult(err)
	}
	if err := s.store.InsertEvent(s.store, &model.Event{EventType: model.EventTicketCreated, ProjectID: created.ProjectID, TicketID: created.TicketID}); err != nil {
		return errResult(err)
	}
	s.bus.Publish(model.Event{EventType: model.EventTicketCreated, ProjectID: created.ProjectID, TicketID: created.TicketID, CreatedAt: time.Now()})

	if parentID != "" {
		if err := s.dagSvc.AddEdge(parentID, created.TicketID, model.DependencySubtask); err != nil {
			return errResult(err)
		}
	}
	for _, dep := range optStringSlice(a, "depends_on") {
		if err := s.dagSvc.AddEdge(dep, created.TicketID, model.DependencyBlocks); err != nil {
			return errResult(err)
		}
	}

	if err := s.engine.EnqueueIfReady(created.TicketID); err != nil {
		return errResult(err)
	}
	final, err := s.store.GetTicket(created.TicketID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(final)
}

func (s *Server) getTicket(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ticketID, err := reqString(args(req), "ticket_id")
	if err != nil {
		return errResult(err)
	}
	t, err := s.store.GetTicket(ticketID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(t)
}

func (s *Server) listTickets(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	f := store.TicketFilter{
		ProjectID:        optString(a, "project_id", ""),
		State:            model.TicketState(optString(a, "state", "")),
		Stage:            optString(a, "stage", ""),
		Priority:         model.Priority(optString(a, "priority", "")),
		DependencyStatus: model.DependencyStatus(optString(a, "dependency_status", "")),
	}
	tickets, err := s.store.ListTickets(f)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(tickets)
}

func (s *Server) addComment(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	ticketID, err := reqString(a, "ticket_id")
	if err != nil {
		return errResult(err)
	}
	content, err := reqString(a, "content")
	if err != nil {
		return errResult(err)
	}
	c := &model.Comment{
		TicketID: ticketID,
		Kind:     optString(a, "kind", "note"),
		Content:  content,
	}
	if err := s.store.AddComment(s.store, c); err != nil {
		return errResult(err)
	}
	return jsonResult(c)
}

func (s *Server) updateStage(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	ticketID, err := reqString(a, "ticket_id")
	if err != nil {
		return errResult(err)
	}
	stage, err := reqString(a, "stage")
	if err != nil {
		return errResult(err)
	}
	if err := s.engine.ResumeTicketProcessing(ticketID, stage); err != nil {
		return errResult(err)
	}
	t, err := s.store.GetTicket(ticketID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(t)
}

func (s *Server) closeTicket(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	ticketID, err := reqString(a, "ticket_id")
	if err != nil {
		return errResult(err)
	}
	resolution := optString(a, "resolution", "")
	if err := s.engine.CloseTicket(ticketID, resolution); err != nil {
		return errResult(err)
	}
	t, err := s.store.GetTicket(ticketID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(t)
}

func (s *Server) resumeTicketProcessing(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	ticketID, err := reqString(a, "ticket_id")
	if err != nil {
		return errResult(err)
	}
	stage := optString(a, "stage", "")
	if err := s.engine.ResumeTicketProcessing(ticketID, stage); err != nil {
		return errResult(err)
	}
	t, err := s.store.GetTicket(ticketID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(t)
}
