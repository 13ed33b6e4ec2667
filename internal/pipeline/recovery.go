package pipeline

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/loomwork/loom/internal/model"
	"github.com/loomwork/loom/internal/worker"
)

// Recover implements the Queue Manager's startup recovery scan: any
// ticket still carrying a processing_worker_id from a previous run has no
// live process behind it (the server just started), so it is failed,
// logged, and re-enqueued if it's still open & ready. It also sweeps
// scratch directories left behind by the previous process.
func (e *Engine) Recover(scratch *worker.ScratchManager) error {
	tickets, err := e.store.ListActiveProcessingTickets()
	if err != nil {
		return err
	}

	for i := range tickets {
		t := tickets[i]
		workerID := ""
		if t.ProcessingWorkerID != nil {
			workerID = *t.ProcessingWorkerID
		}
		if workerID != "" {
			_ = e.store.UpdateWorkerStatus(e.store, workerID, model.WorkerFailed, nil)
		}
		if err := e.store.SetProcessingWorker(e.store, t.TicketID, ""); err != nil {
			e.logger.Error("failed clearing processing_worker_id on recovery", "ticket_id", t.TicketID, "error", err)
			continue
		}
		_ = e.store.InsertEvent(e.store, &model.Event{
			EventType: model.EventWorkerStopped,
			ProjectID: t.ProjectID,
			TicketID:  t.TicketID,
			WorkerID:  workerID,
			Reason:    "server_restart",
		})
		e.logger.Warn("recovered orphaned processing ticket", "ticket_id", t.TicketID, "worker_id", workerID)

		t.ProcessingWorkerID = nil
		if t.State == model.StateOpen && t.DependencyStatus == model.DependencyReady {
			e.enqueue(&t)
		}
	}

	if scratch != nil {
		// No worker id can be live immediately after a fresh start.
		if err := scratch.CleanupOrphaned(map[string]bool{}); err != nil {
			e.logger.Warn("scratch cleanup failed", "error", err)
		}
	}
	return nil
}

// RunReconciler starts the periodic stall sweep: workers still marked
// active more than two hours after their started_at (a crash that skipped
// the Supervisor's own timeout path) are failed and their tickets released
// back to the queue. It blocks until ctx is cancelled, then stops
// the scheduler and waits for any in-flight sweep to finish.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	c := cron.New()
	g, gctx := errgroup.WithContext(ctx)

	_, err := c.AddFunc(everySpec(interval), func() {
		if err := e.sweepStalledWorkers(); err != nil {
			e.logger.Error("stall sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	c.Start()
	g.Go(func() error {
		<-gctx.Done()
		stopCtx := c.Stop()
		<-stopCtx.Done()
		return nil
	})
	return g.Wait()
}

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}

// sweepStalledWorkers fails any active worker whose wall-clock runtime has
// exceeded a fixed two hours, whatever its worker type's timeout, on the assumption
// that the Supervisor process managing it has crashed (the Supervisor's
// own context timeout handles the ordinary case).
func (e *Engine) sweepStalledWorkers() error {
	active, err := e.store.ListWorkers(model.WorkerActive)
	if err != nil {
		return err
	}
	const staleAfter = 2 * time.Hour
	now := time.Now()
	for _, w := range active {
		if now.Sub(w.StartedAt) < staleAfter {
			continue
		}
		if err := e.store.UpdateWorkerStatus(e.store, w.WorkerID, model.WorkerFailed, nil); err != nil {
			e.logger.Error("failed marking stalled worker failed", "worker_id", w.WorkerID, "error", err)
			continue
		}
		_ = e.store.SetProcessingWorker(e.store, w.TicketID, "")
		_ = e.store.InsertEvent(e.store, &model.Event{
			EventType: model.EventWorkerStopped,
			ProjectID: w.ProjectID,
			TicketID:  w.TicketID,
			WorkerID:  w.WorkerID,
			Reason:    "stalled",
		})
		if t, err := e.store.GetTicket(w.TicketID); err == nil && t.State == model.StateOpen && t.DependencyStatus == model.DependencyReady {
			e.enqueue(t)
		}
	}
	return nil
}
