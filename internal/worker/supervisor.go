// Package worker implements the Worker Supervisor: it runs one
// subprocess per queue claim, deploys a per-worker scratch directory and
// settings file, captures stdout, enforces timeouts, parses the completion
// report, and reports the outcome back to the Pipeline Engine.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loomwork/loom/internal/model"
	"github.com/loomwork/loom/internal/store"
)

// Claim is everything the Supervisor needs to run one subprocess.
type Claim struct {
	ProjectID    string
	ProjectPath  string
	WorkerType   string
	Ticket       *model.Ticket
	SystemPrompt string
	Binary       string        // configured globally, optionally overridden per worker type
	Timeout      time.Duration // per worker type, default 30 min
	SettingsTmpl string        // optional override path
	MCPEndpoint  string
	LogLevel     string
}

// Outcome is the result the Supervisor hands back to the Pipeline Engine:
// either a parsed completion report, or a terminal failure that never
// produced one (spawn failure, timeout, or force stop). The Pipeline Engine
// only logs a failed Outcome; the ticket stays at its current stage.
type Outcome struct {
	WorkerID string
	Report   *model.CompletionReport
	Failed   bool
	Reason   string // populated when Failed
}

// Supervisor runs subprocesses for queue claims.
type Supervisor struct {
	store       *store.Store
	scratch     *ScratchManager
	logger      *slog.Logger
	graceWindow time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc // worker_id -> cancels that worker's run context
}

// NewSupervisor constructs a Supervisor backed by st that allocates scratch
// directories through scratch.
func NewSupervisor(st *store.Store, scratch *ScratchManager, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:       st,
		scratch:     scratch,
		logger:      logger,
		graceWindow: 10 * time.Second,
		running:     make(map[string]context.CancelFunc),
	}
}

// ForceStop cancels a running worker's context, triggering the same
// graceful-stop-then-kill path as an ordinary timeout (cmd.Cancel sends
// os.Interrupt, cmd.WaitDelay force-kills if it doesn't exit in time). It
// reports whether workerID had a live run to stop.
func (s *Supervisor) ForceStop(workerID string) bool {
	s.mu.Lock()
	cancel, ok := s.running[workerID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Run executes one claim end to end: deploy settings, spawn, capture, parse.
// workerID is assigned by the caller (the Pipeline Engine) so it can bind
// the Queue Manager's active-worker slot to the same id before Run starts.
// It never returns an error for worker-level failures — those become an
// Outcome with Failed=true — worker failures never fail the server. It
// returns an error only if Store writes that
// must succeed (recording the worker row) fail.
func (s *Supervisor) Run(ctx context.Context, workerID string, claim Claim) (*Outcome, error) {
	queueName := fmt.Sprintf("%s/%s", claim.ProjectID, claim.WorkerType)

	w := &model.Worker{
		WorkerID:     workerID,
		ProjectID:    claim.ProjectID,
		WorkerType:   claim.WorkerType,
		TicketID:     claim.Ticket.TicketID,
		Status:       model.WorkerSpawning,
		QueueName:    queueName,
		StartedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	if err := s.store.InsertWorker(s.store, w); err != nil {
		return nil, err
	}
	if err := s.store.SetProcessingWorker(s.store, claim.Ticket.TicketID, workerID); err != nil {
		return nil, err
	}

	scratchDir, err := s.scratch.Create(workerID)
	if err != nil {
		s.markFailed(workerID, claim.Ticket.TicketID, "scratch directory creation failed")
		return &Outcome{WorkerID: workerID, Failed: true, Reason: err.Error()}, nil
	}
	defer s.scratch.Remove(workerID)

	if _, err := deploySettings(scratchDir, claim.SettingsTmpl, settingsData{
		MCPEndpointURL: claim.MCPEndpoint,
		WorkspaceID:    claim.ProjectID,
		WorkspaceName:  claim.ProjectID,
		TemplateName:   claim.WorkerType,
		AgentID:        workerID,
		LogLevel:       claim.LogLevel,
	}); err != nil {
		s.markFailed(workerID, claim.Ticket.TicketID, "settings deployment failed")
		return &Outcome{WorkerID: workerID, Failed: true, Reason: err.Error()}, nil
	}

	timeout := claim.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	s.running[workerID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, workerID)
		s.mu.Unlock()
	}()

	stdout, runErr, timedOut := s.spawn(runCtx, claim, scratchDir)

	started := w.StartedAt
	s.logger.Info("worker finished", "worker_id", workerID, "ticket_id", claim.Ticket.TicketID,
		"elapsed", humanize.RelTime(started, time.Now(), "", ""))

	if timedOut {
		s.markFailed(workerID, claim.Ticket.TicketID, "timeout")
		s.emitWorkerStopped(claim.ProjectID, claim.Ticket.TicketID, workerID, "timeout")
		return &Outcome{WorkerID: workerID, Failed: true, Reason: "timeout"}, nil
	}
	if runCtx.Err() == context.Canceled && ctx.Err() == nil {
		// Cancelled by ForceStop, not by the parent context or the deadline.
		s.markFailed(workerID, claim.Ticket.TicketID, "force_stopped")
		s.emitWorkerStopped(claim.ProjectID, claim.Ticket.TicketID, workerID, "force_stopped")
		return &Outcome{WorkerID: workerID, Failed: true, Reason: "force_stopped"}, nil
	}
	if runErr != nil {
		s.markFailed(workerID, claim.Ticket.TicketID, "spawn_failure")
		s.emitWorkerStopped(claim.ProjectID, claim.Ticket.TicketID, workerID, "spawn_failure")
		return &Outcome{WorkerID: workerID, Failed: true, Reason: runErr.Error()}, nil
	}

	report, parseErr := parseCompletionReport(stdout)
	if parseErr != nil {
		tail := stdout
		if len(tail) > 2000 {
			tail = tail[len(tail)-2000:]
		}
		report = &model.CompletionReport{
			TicketID: claim.Ticket.TicketID,
			Outcome:  model.OutcomeCoordinatorAttention,
			Comment:  "worker produced no parseable completion report",
			Reason:   tail,
		}
	}

	if err := s.store.UpdateWorkerStatus(s.store, workerID, model.WorkerFinished, nil); err != nil {
		return nil, err
	}
	if err := s.store.SetProcessingWorker(s.store, claim.Ticket.TicketID, ""); err != nil {
		return nil, err
	}

	return &Outcome{WorkerID: workerID, Report: report}, nil
}

// spawn runs the configured binary in the project's path, injecting the
// ticket id, project path, system prompt, current stage, and ticket
// title/description as arguments.
func (s *Supervisor) spawn(ctx context.Context, claim Claim, scratchDir string) (stdout string, err error, timedOut bool) {
	binary := claim.Binary
	if binary == "" {
		binary = "loom-worker"
	}

	args := []string{
		"--ticket-id", claim.Ticket.TicketID,
		"--project-path", claim.ProjectPath,
		"--stage", claim.Ticket.CurrentStage,
		"--title", claim.Ticket.Title,
		"--description", claim.Ticket.Description,
		"--system-prompt", claim.SystemPrompt,
	}

	cmd := exec.CommandContext(ctx, binary, args...) // #nosec G204 -- binary is operator-configured, not worker input
	cmd.Dir = claim.ProjectPath
	// On timeout send an interrupt first and only force-kill if the process
	// ignores it for graceWindow.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = s.graceWindow

	var buf bytes.Buffer
	cmd.Stdout = &buf

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return buf.String(), nil, true
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		// Anything other than a plain non-zero exit (binary not found,
		// permission denied, etc.) is a genuine spawn failure.
		return buf.String(), runErr, false
	}
	// A non-zero exit code is advisory — the completion report on stdout
	// decides the outcome, not the process exit status.
	return buf.String(), nil, false
}

func (s *Supervisor) markFailed(workerID, ticketID, reason string) {
	_ = s.store.UpdateWorkerStatus(s.store, workerID, model.WorkerFailed, nil)
	_ = s.store.SetProcessingWorker(s.store, ticketID, "")
	s.logger.Warn("worker failed", "worker_id", workerID, "ticket_id", ticketID, "reason", reason)
}

func (s *Supervisor) emitWorkerStopped(projectID, ticketID, workerID, reason string) {
	_ = s.store.InsertEvent(s.store, &model.Event{
		EventType: model.EventWorkerStopped,
		ProjectID: projectID,
		TicketID:  ticketID,
		WorkerID:  workerID,
		Reason:    reason,
	})
}
