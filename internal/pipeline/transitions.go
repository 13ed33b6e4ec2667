package pipeline

import (
	"time"

	"github.com/loomwork/loom/internal/model"
)

// applyOutcome routes a parsed completion report to the right transition.
// A next_stage report carrying a new-ticket batch is routed to the
// planning-stage specialization instead of the plain next_stage path.
func (e *Engine) applyOutcome(ticket *model.Ticket, project *model.Project, stage, workerID string, report *model.CompletionReport) error {
	switch {
	case report.Outcome == model.OutcomeNextStage && len(report.NewTickets) > 0:
		return e.applyPlanningSpecialization(ticket, project, stage, workerID, report)
	case report.Outcome == model.OutcomeNextStage:
		return e.applyNextStage(ticket, stage, workerID, report)
	case report.Outcome == model.OutcomePrevStage:
		return e.applyPrevStage(ticket, stage, workerID, report)
	default:
		return e.applyCoordinatorAttention(ticket, stage, workerID, report)
	}
}

// resolvePlan applies an optional pipeline_update: the replacement must be
// non-empty, contain target_stage, and not drop any stage already passed
// through (so existing comments keep referring to a real stage).
func resolvePlan(ticket *model.Ticket, report *model.CompletionReport) ([]string, bool, error) {
	if len(report.PipelineUpdate) == 0 {
		return ticket.ExecutionPlan, false, nil
	}
	newPlan := report.PipelineUpdate
	if report.TargetStage != model.StageClosed && !containsStage(newPlan, report.TargetStage) {
		return nil, false, model.NewError(model.KindValidation, "pipeline_update must contain target_stage %q", report.TargetStage)
	}
	curIdx := stageIndex(ticket.ExecutionPlan, ticket.CurrentStage)
	for i := 0; i < curIdx; i++ {
		if !containsStage(newPlan, ticket.ExecutionPlan[i]) {
			return nil, false, model.NewError(model.KindValidation, "pipeline_update would invalidate already-closed stage %q", ticket.ExecutionPlan[i])
		}
	}
	return newPlan, true, nil
}

// applyNextStage advances a ticket to report.TargetStage, running
// close-cascade if the target is the closed sentinel.
func (e *Engine) applyNextStage(ticket *model.Ticket, stage, workerID string, report *model.CompletionReport) error {
	plan, changed, err := resolvePlan(ticket, report)
	if err != nil {
		return err
	}
	if report.TargetStage != model.StageClosed {
		targetIdx := stageIndex(plan, report.TargetStage)
		if targetIdx < 0 {
			return model.NewError(model.KindValidation, "target_stage %q is not a member of the execution plan", report.TargetStage)
		}
		curIdx := stageIndex(plan, ticket.CurrentStage)
		if targetIdx < curIdx {
			return model.NewError(model.KindValidation, "next_stage target %q precedes current stage %q", report.TargetStage, ticket.CurrentStage)
		}
	}

	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var planArg []string
	if changed {
		planArg = plan
	}
	if err := e.store.SetTicketStageTx(tx, ticket.TicketID, report.TargetStage, planArg); err != nil {
		return err
	}
	if err := e.store.AddComment(tx, &model.Comment{TicketID: ticket.TicketID, WorkerType: stage, WorkerID: workerID, Kind: "completion", Content: report.Comment}); err != nil {
		return err
	}

	var unblocked []string
	if report.TargetStage == model.StageClosed {
		resolution := report.Comment
		if err := e.store.CloseTicketRow(tx, ticket.TicketID, resolution); err != nil {
			return err
		}
		unblocked, err = e.dagSvc.OnTicketClosed(tx, ticket.TicketID)
		if err != nil {
			return err
		}
		if err := e.store.InsertEvent(tx, &model.Event{EventType: model.EventTicketClosed, ProjectID: ticket.ProjectID, TicketID: ticket.TicketID}); err != nil {
			return err
		}
		for _, childID := range unblocked {
			if err := e.store.InsertEvent(tx, &model.Event{EventType: model.EventTicketUnblocked, ProjectID: ticket.ProjectID, TicketID: childID}); err != nil {
				return err
			}
		}
	} else {
		if err := e.store.InsertEvent(tx, &model.Event{EventType: model.EventStageTransition, ProjectID: ticket.ProjectID, TicketID: ticket.TicketID, Stage: report.TargetStage}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	e.afterClose(ticket, report.TargetStage, unblocked)
	return nil
}

// CloseTicket implements the close_ticket tool: a coordinator forces a
// ticket closed directly, running the same close-cascade a next_stage
// report to the closed sentinel would, without requiring a worker report.
func (e *Engine) CloseTicket(ticketID, resolution string) error {
	unlock := e.lockTicket(ticketID)
	defer unlock()

	ticket, err := e.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if ticket.State == model.StateClosed {
		return model.NewError(model.KindConflict, "ticket %s is already closed", ticketID)
	}

	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.store.CloseTicketRow(tx, ticketID, resolution); err != nil {
		return err
	}
	if err := e.store.InsertEvent(tx, &model.Event{EventType: model.EventTicketClosed, ProjectID: ticket.ProjectID, TicketID: ticketID}); err != nil {
		return err
	}
	unblocked, err := e.dagSvc.OnTicketClosed(tx, ticketID)
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

	e.afterClose(ticket, model.StageClosed, unblocked)
	return nil
}

// applyPrevStage rewinds a ticket to an earlier stage for a rework loop.
func (e *Engine) applyPrevStage(ticket *model.Ticket, stage, workerID string, report *model.CompletionReport) error {
	plan, changed, err := resolvePlan(ticket, report)
	if err != nil {
		return err
	}
	targetIdx := stageIndex(plan, report.TargetStage)
	if targetIdx < 0 {
		return model.NewError(model.KindValidation, "target_stage %q is not a member of the execution plan", report.TargetStage)
	}
	curIdx := stageIndex(plan, ticket.CurrentStage)
	if targetIdx >= curIdx {
		return model.NewError(model.KindValidation, "prev_stage target %q does not precede current stage %q", report.TargetStage, ticket.CurrentStage)
	}

	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var planArg []string
	if changed {
		planArg = plan
	}
	if err := e.store.SetTicketStageTx(tx, ticket.TicketID, report.TargetStage, planArg); err != nil {
		return err
	}
	// Comments are append-only, so re-running prev_stage for the same
	// rework is naturally idempotent on this insert.
	if err := e.store.AddComment(tx, &model.Comment{TicketID: ticket.TicketID, WorkerType: stage, WorkerID: workerID, Kind: "rework", Content: report.Comment}); err != nil {
		return err
	}
	if err := e.store.InsertEvent(tx, &model.Event{EventType: model.EventStageTransition, ProjectID: ticket.ProjectID, TicketID: ticket.TicketID, Stage: report.TargetStage}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.afterClose(ticket, report.TargetStage, nil)
	return nil
}

// applyCoordinatorAttention leaves the stage untouched, appends the
// comment, and surfaces a coordinator_attention_required event. The queue
// slot is left free by the caller; this ticket is not re-enqueued.
func (e *Engine) applyCoordinatorAttention(ticket *model.Ticket, stage, workerID string, report *model.CompletionReport) error {
	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.store.AddComment(tx, &model.Comment{TicketID: ticket.TicketID, WorkerType: stage, WorkerID: workerID, Kind: "coordinator_attention", Content: report.Comment}); err != nil {
		return err
	}
	event := model.Event{EventType: model.EventCoordinatorAttention, ProjectID: ticket.ProjectID, TicketID: ticket.TicketID, Stage: ticket.CurrentStage, Reason: report.Reason}
	if err := e.store.InsertEvent(tx, &event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	event.CreatedAt = time.Now()
	e.bus.Publish(event)
	return nil
}

// afterClose publishes the stage-transition fallout and re-enqueues the
// ticket (or its unblocked children) once the transaction that produced it
// has committed. Called outside any transaction.
func (e *Engine) afterClose(ticket *model.Ticket, targetStage string, unblocked []string) {
	e.bus.Publish(model.Event{EventType: model.EventStageTransition, ProjectID: ticket.ProjectID, TicketID: ticket.TicketID, Stage: targetStage, CreatedAt: time.Now()})

	if targetStage != model.StageClosed {
		updated, err := e.store.GetTicket(ticket.TicketID)
		if err == nil {
			e.enqueue(updated)
		}
		return
	}

	e.bus.Publish(model.Event{EventType: model.EventTicketClosed, ProjectID: ticket.ProjectID, TicketID: ticket.TicketID, CreatedAt: time.Now()})
	for _, childID := range unblocked {
		e.bus.Publish(model.Event{EventType: model.EventTicketUnblocked, ProjectID: ticket.ProjectID, TicketID: childID, CreatedAt: time.Now()})
		if child, err := e.store.GetTicket(childID); err == nil {
			e.enqueue(child)
		}
	}
}
