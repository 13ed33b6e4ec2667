package queue

import (
	"sync"
	"testing"

	"github.com/loomwork/loom/internal/model"
)

// recordingDispatcher records every Dispatch call it receives, for
// asserting the Manager signals the dispatcher at the right moments.
type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordingDispatcher) Dispatch(name Name, ticketID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, ticketID)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func TestEnqueueDispatchesWhenSlotFree(t *testing.T) {
	d := &recordingDispatcher{}
	m := New(d)
	name := Name{ProjectID: "proj", WorkerType: "dev"}

	m.Enqueue(name, "T-1", model.PriorityMedium, 1)

	if d.count() != 1 {
		t.Fatalf("expected 1 dispatch, got %d", d.count())
	}
}

func TestEnqueueDoesNotDispatchWhenSlotBusy(t *testing.T) {
	d := &recordingDispatcher{}
	m := New(d)
	name := Name{ProjectID: "proj", WorkerType: "dev"}

	m.Enqueue(name, "T-1", model.PriorityMedium, 1)
	if _, ok := m.TryClaim(name, "worker-1"); !ok {
		t.Fatal("expected to claim T-1")
	}

	m.Enqueue(name, "T-2", model.PriorityMedium, 2)
	if d.count() != 1 {
		t.Fatalf("expected no second dispatch while a worker is active, got %d calls", d.count())
	}
}

func TestReleaseDispatchesNextWaitingTicket(t *testing.T) {
	d := &recordingDispatcher{}
	m := New(d)
	name := Name{ProjectID: "proj", WorkerType: "dev"}

	m.Enqueue(name, "T-1", model.PriorityMedium, 1)
	m.TryClaim(name, "worker-1")
	m.Enqueue(name, "T-2", model.PriorityMedium, 2)

	m.Release(name)
	if d.count() != 2 {
		t.Fatalf("expected Release to trigger a second dispatch, got %d calls", d.count())
	}
}

func TestTryClaimEnforcesSingleActiveWorkerPerQueue(t *testing.T) {
	m := New(nil)
	name := Name{ProjectID: "proj", WorkerType: "dev"}
	m.Enqueue(name, "T-1", model.PriorityMedium, 1)
	m.Enqueue(name, "T-2", model.PriorityMedium, 2)

	ticketID, ok := m.TryClaim(name, "worker-1")
	if !ok || ticketID != "T-1" {
		t.Fatalf("expected to claim T-1, got %q ok=%v", ticketID, ok)
	}

	if _, ok := m.TryClaim(name, "worker-2"); ok {
		t.Fatal("expected second claim to fail while worker-1 holds the slot")
	}
}

func TestOrderingIsPriorityThenFIFOThenTicketID(t *testing.T) {
	m := New(nil)
	name := Name{ProjectID: "proj", WorkerType: "dev"}

	m.Enqueue(name, "T-low", model.PriorityLow, 1)
	m.Enqueue(name, "T-urgent", model.PriorityUrgent, 2)
	m.Enqueue(name, "T-medium-later", model.PriorityMedium, 4)
	m.Enqueue(name, "T-medium-earlier", model.PriorityMedium, 3)

	order := m.List(name)
	want := []string{"T-urgent", "T-medium-earlier", "T-medium-later", "T-low"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestReleaseClearsSlotWhenQueueEmpty(t *testing.T) {
	d := &recordingDispatcher{}
	m := New(d)
	name := Name{ProjectID: "proj", WorkerType: "dev"}

	m.Enqueue(name, "T-1", model.PriorityMedium, 1)
	m.TryClaim(name, "worker-1")
	m.Release(name)

	if active, ok := m.ActiveWorker(name); ok || active != "" {
		t.Fatalf("expected no active worker after releasing an empty queue, got %q", active)
	}
	if d.count() != 1 {
		t.Fatalf("expected no dispatch on releasing an empty queue, got %d calls", d.count())
	}
}
