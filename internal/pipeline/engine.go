// Package pipeline implements the Pipeline Engine: the ticket stage
// state machine and every multi-row transition that must preserve the
// durable invariants — next_stage/prev_stage/coordinator_attention
// handling, planning-stage specialization, close-cascade, and stall
// recovery. It is the dispatcher the Queue Manager signals and the client
// of the Worker Supervisor, DAG Service, and Event Bus.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomwork/loom/internal/dag"
	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/ids"
	"github.com/loomwork/loom/internal/model"
	"github.com/loomwork/loom/internal/queue"
	"github.com/loomwork/loom/internal/store"
	"github.com/loomwork/loom/internal/worker"
)

// Config carries the operator-configured defaults the Engine falls back to
// when a worker type doesn't override them.
type Config struct {
	DefaultBinary  string
	DefaultTimeout time.Duration
	MCPEndpoint    string
	LogLevel       string
	SettingsTmpl   string // optional override path, "" uses the built-in template
}

// Engine owns the ticket state machine. It implements queue.Dispatcher.
type Engine struct {
	store      *store.Store
	dagSvc     *dag.Service
	queueMgr   *queue.Manager
	supervisor *worker.Supervisor
	bus        *events.Bus
	idgen      *ids.Generator
	logger     *slog.Logger
	cfg        Config

	mu          sync.Mutex
	ticketLocks map[string]*sync.Mutex
}

// New constructs an Engine. Callers must also bind it with
// queueMgr.SetDispatcher(engine) so the Queue Manager's Dispatch calls land here.
func New(st *store.Store, dagSvc *dag.Service, queueMgr *queue.Manager, sup *worker.Supervisor, bus *events.Bus, idgen *ids.Generator, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{
		store:       st,
		dagSvc:      dagSvc,
		queueMgr:    queueMgr,
		supervisor:  sup,
		bus:         bus,
		idgen:       idgen,
		logger:      logger,
		cfg:         cfg,
		ticketLocks: make(map[string]*sync.Mutex),
	}
}

// Dispatch implements queue.Dispatcher. It runs the claim asynchronously so
// the Queue Manager never suspends while notifying. hintedTicketID
// is informational only — TryClaim re-derives the true head atomically.
func (e *Engine) Dispatch(name queue.Name, hintedTicketID string) {
	go e.processClaim(context.Background(), name, hintedTicketID)
}

func (e *Engine) lockTicket(ticketID string) func() {
	e.mu.Lock()
	l, ok := e.ticketLocks[ticketID]
	if !ok {
		l = &sync.Mutex{}
		e.ticketLocks[ticketID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// processClaim runs one full worker lifecycle for the head of a queue:
// claim, resolve the project/worker type, spawn, and apply the outcome.
func (e *Engine) processClaim(ctx context.Context, name queue.Name, hint string) {
	workerID := ids.NewWorkerID()
	ticketID, ok := e.queueMgr.TryClaim(name, workerID)
	if !ok {
		return
	}

	unlock := e.lockTicket(ticketID)
	defer unlock()

	ticket, err := e.store.GetTicket(ticketID)
	if err != nil {
		e.logger.Error("claimed ticket vanished", "ticket_id", ticketID, "error", err)
		e.queueMgr.Release(name)
		return
	}
	project, err := e.store.GetProject(ticket.ProjectID)
	if err != nil {
		e.logger.Error("claimed ticket's project vanished", "ticket_id", ticketID, "error", err)
		e.queueMgr.Release(name)
		return
	}
	wt, err := e.store.GetWorkerType(ticket.ProjectID, name.WorkerType)
	if err != nil {
		// The worker type was deleted or never configured: release the
		// slot and leave the ticket for resume_ticket_processing once an
		// operator fixes the configuration, via resume_ticket_processing.
		e.logger.Warn("worker type missing for claimed ticket", "ticket_id", ticketID, "worker_type", name.WorkerType)
		e.queueMgr.Release(name)
		return
	}

	binary := wt.BinaryOverride
	if binary == "" {
		binary = e.cfg.DefaultBinary
	}
	timeout := e.cfg.DefaultTimeout
	if wt.TimeoutSeconds > 0 {
		timeout = time.Duration(wt.TimeoutSeconds) * time.Second
	}

	claim := worker.Claim{
		ProjectID:    ticket.ProjectID,
		ProjectPath:  project.Path,
		WorkerType:   name.WorkerType,
		Ticket:       ticket,
		SystemPrompt: wt.SystemPrompt,
		Binary:       binary,
		Timeout:      timeout,
		SettingsTmpl: e.cfg.SettingsTmpl,
		MCPEndpoint:  e.cfg.MCPEndpoint,
		LogLevel:     e.cfg.LogLevel,
	}

	outcome, err := e.supervisor.Run(ctx, workerID, claim)
	if err != nil {
		e.logger.Error("supervisor run failed", "ticket_id", ticketID, "worker_id", workerID, "error", err)
		e.queueMgr.Release(name)
		return
	}

	if outcome.Failed {
		kind := model.KindWorkerSpawnFailure
		if outcome.Reason == "timeout" {
			kind = model.KindWorkerTimeout
		}
		werr := model.NewError(kind, "worker %s did not produce a completion report", workerID).
			WithDetails(map[string]any{"ticket_id": ticketID, "reason": outcome.Reason})
		e.logger.Warn("worker failed", "error", werr)
	} else if err := e.applyOutcome(ticket, project, name.WorkerType, workerID, outcome.Report); err != nil {
		e.logger.Error("applying worker outcome failed", "ticket_id", ticketID, "error", err)
	}

	e.queueMgr.Release(name)
}

// enqueue resolves a ticket's queue by its own (project_id, current_stage)
// and pushes it if it is ready & open.
func (e *Engine) enqueue(t *model.Ticket) {
	if t.State != model.StateOpen || t.DependencyStatus != model.DependencyReady {
		return
	}
	name := queue.Name{ProjectID: t.ProjectID, WorkerType: t.CurrentStage}
	e.queueMgr.Enqueue(name, t.TicketID, t.Priority, t.CreatedAt.UnixNano())
}

// EnqueueIfReady re-checks a ticket's readiness and pushes it onto its
// queue if it now qualifies, for tools that mutate the DAG outside of a
// worker completion (create_ticket, remove_ticket_dependency).
func (e *Engine) EnqueueIfReady(ticketID string) error {
	t, err := e.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	e.enqueue(t)
	return nil
}

// ForceStopWorker stops a running worker's subprocess (graceful interrupt,
// then force-kill after the Supervisor's grace window), for the
// force_stop_worker tool.
func (e *Engine) ForceStopWorker(workerID string) bool {
	return e.supervisor.ForceStop(workerID)
}

// ResumeTicketProcessing implements the resume_ticket_processing tool:
// a coordinator clears a stalled or misconfigured ticket's stall by
// optionally retargeting its stage, then puts it back on its queue. stage
// empty means "retry the current stage as-is".
func (e *Engine) ResumeTicketProcessing(ticketID, stage string) error {
	unlock := e.lockTicket(ticketID)
	defer unlock()

	ticket, err := e.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if stage != "" && stage != ticket.CurrentStage {
		if !containsStage(ticket.ExecutionPlan, stage) {
			return model.NewError(model.KindValidation, "stage %q is not a member of ticket %s's execution plan", stage, ticketID)
		}
		if err := e.store.UpdateTicketStage(ticketID, stage, nil); err != nil {
			return err
		}
	} else if err := e.store.SetProcessingWorker(e.store, ticketID, ""); err != nil {
		return err
	}

	updated, err := e.store.GetTicket(ticketID)
	if err != nil {
		return err
	}
	e.enqueue(updated)
	return nil
}

func stageIndex(plan []string, stage string) int {
	for i, s := range plan {
		if s == stage {
			return i
		}
	}
	return -1
}

func containsStage(plan []string, stage string) bool {
	return stageIndex(plan, stage) >= 0
}
