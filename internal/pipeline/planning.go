package pipeline

import (
	"strconv"
	"time"

	"github.com/loomwork/loom/internal/dag"
	"github.com/loomwork/loom/internal/model"
)

// applyPlanningSpecialization runs a planning report's batch of new worker
// types, tickets, and edges as one transaction, then closes the planning
// ticket and cascades. New tickets are referenced within the
// batch by a negative batch-local index (the string form of
// -(position+1)); any other string in a NewEdge is treated as an existing
// ticket id.
func (e *Engine) applyPlanningSpecialization(ticket *model.Ticket, project *model.Project, stage, workerID string, report *model.CompletionReport) error {
	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// (i) create missing worker types.
	for _, wts := range report.NewWorkerTypes {
		exists, err := e.store.WorkerTypeExists(tx, ticket.ProjectID, wts.WorkerType)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := e.store.InsertWorkerType(tx, &model.WorkerType{
			ProjectID:        ticket.ProjectID,
			WorkerType:       wts.WorkerType,
			ShortDescription: wts.ShortDescription,
			SystemPrompt:     wts.SystemPrompt,
			TimeoutSeconds:   1800,
		}); err != nil {
			return err
		}
	}

	// (ii) insert tickets with dependency_status=blocked tentatively.
	idMap := make(map[string]string, len(report.NewTickets))
	newIDs := make([]string, 0, len(report.NewTickets))
	for i, nt := range report.NewTickets {
		priority := nt.Priority
		if priority == "" {
			priority = model.PriorityMedium
		}
		ticketType := nt.TicketType
		if ticketType == "" {
			ticketType = model.TicketTask
		}

		childID := nt.TicketID
		if childID == "" {
			childID = e.idgen.NextTicketID(project.ProjectPrefix, ticket.ProjectID, ticketType)
		}
		idMap[strconv.Itoa(-(i+1))] = childID
		plan := nt.ExecutionPlan
		if len(plan) == 0 {
			plan = []string{model.StagePlanning}
		}
		parentID := ticket.TicketID
		createdBy := workerID
		child := &model.Ticket{
			TicketID:            childID,
			ProjectID:           ticket.ProjectID,
			Title:               nt.Title,
			Description:         nt.Description,
			ExecutionPlan:       plan,
			CurrentStage:        plan[0],
			State:                model.StateOpen,
			Priority:             priority,
			DependencyStatus:     model.DependencyBlocked,
			TicketType:           ticketType,
			ParentTicketID:       &parentID,
			CreatedByWorkerID:    &createdBy,
			RulesVersion:         ticket.RulesVersion,
			PatternsVersion:      ticket.PatternsVersion,
			InheritedFromParent:  true,
		}
		if err := e.store.InsertTicket(tx, child); err != nil {
			return err
		}
		if err := e.store.InsertEvent(tx, &model.Event{EventType: model.EventTicketCreated, ProjectID: ticket.ProjectID, TicketID: childID}); err != nil {
			return err
		}
		newIDs = append(newIDs, childID)
	}

	resolveRef := func(ref string) string {
		if real, ok := idMap[ref]; ok {
			return real
		}
		return ref
	}

	// (iii) insert edges, cycle-checked against the batch plus the
	// project's existing edges.
	for _, ne := range report.NewEdges {
		parentID := resolveRef(ne.Parent)
		childID := resolveRef(ne.Child)
		if parentID == childID {
			return model.NewError(model.KindSelfEdge, "ticket %s cannot depend on itself", parentID)
		}
		exists, err := e.store.EdgeExists(tx, parentID, childID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		existingEdges, err := e.store.ListProjectEdges(tx, ticket.ProjectID)
		if err != nil {
			return err
		}
		if dag.WouldCycle(existingEdges, parentID, childID) {
			return model.NewError(model.KindCycleDetected, "edge %s->%s would create a cycle", parentID, childID)
		}
		if err := e.store.InsertEdge(tx, parentID, childID, ne.Type); err != nil {
			return err
		}
	}

	// (iv) recompute readiness for the batch; a child with no open
	// blocks-parent lands ready immediately and is reported as unblocked.
	readyNow, err := e.dagSvc.TopologicalReadiness(tx, newIDs)
	if err != nil {
		return err
	}
	for _, childID := range readyNow {
		if err := e.store.InsertEvent(tx, &model.Event{EventType: model.EventTicketUnblocked, ProjectID: ticket.ProjectID, TicketID: childID}); err != nil {
			return err
		}
	}

	// (v) close the planning ticket.
	if err := e.store.AddComment(tx, &model.Comment{TicketID: ticket.TicketID, WorkerType: stage, WorkerID: workerID, Kind: "completion", Content: report.Comment}); err != nil {
		return err
	}
	if err := e.store.CloseTicketRow(tx, ticket.TicketID, report.Comment); err != nil {
		return err
	}
	if err := e.store.InsertEvent(tx, &model.Event{EventType: model.EventTicketClosed, ProjectID: ticket.ProjectID, TicketID: ticket.TicketID}); err != nil {
		return err
	}

	// (vi) close-cascade on the planning ticket, run only now that its new
	// edges already exist — this is the ordering the source race fix
	// requires: dependents are checked after the new edges are inserted.
	unblocked, err := e.dagSvc.OnTicketClosed(tx, ticket.TicketID)
	if err != nil {
		return err
	}
	for _, childID := range unblocked {
		if err := e.store.InsertEvent(tx, &model.Event{EventType: model.EventTicketUnblocked, ProjectID: ticket.ProjectID, TicketID: childID}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	// (vii) publish every event produced by this batch, then enqueue every
	// child now ready & open.
	for _, childID := range newIDs {
		e.bus.Publish(model.Event{EventType: model.EventTicketCreated, ProjectID: ticket.ProjectID, TicketID: childID, CreatedAt: time.Now()})
	}
	e.bus.Publish(model.Event{EventType: model.EventTicketClosed, ProjectID: ticket.ProjectID, TicketID: ticket.TicketID, CreatedAt: time.Now()})
	for _, childID := range readyNow {
		e.bus.Publish(model.Event{EventType: model.EventTicketUnblocked, ProjectID: ticket.ProjectID, TicketID: childID, CreatedAt: time.Now()})
	}
	for _, childID := range unblocked {
		e.bus.Publish(model.Event{EventType: model.EventTicketUnblocked, ProjectID: ticket.ProjectID, TicketID: childID, CreatedAt: time.Now()})
	}
	seen := make(map[string]bool, len(newIDs)+len(unblocked))
	for _, childID := range append(append([]string{}, newIDs...), unblocked...) {
		if seen[childID] {
			continue
		}
		seen[childID] = true
		child, err := e.store.GetTicket(childID)
		if err != nil {
			continue
		}
		e.enqueue(child)
	}
	return nil
}
