// Package queue implements the in-memory per-(project, worker_type) FIFO
// dispatch layer: one active worker per queue and priority/FIFO ordering.
// Startup recovery from the Store is done by the Pipeline Engine's Recover,
// which re-enqueues tickets through this package.
package queue

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/loomwork/loom/internal/model"
)

// Name identifies a queue by (project_id, worker_type).
type Name struct {
	ProjectID  string
	WorkerType string
}

func (n Name) String() string {
	return fmt.Sprintf("%s/%s", n.ProjectID, n.WorkerType)
}

// item is one ticket waiting in a queue, ordered by
// (priority desc, created_at asc, ticket_id asc).
type item struct {
	ticketID  string
	priority  int
	createdAt int64 // unix nanos
}

type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority // priority desc
	}
	if pq[i].createdAt != pq[j].createdAt {
		return pq[i].createdAt < pq[j].createdAt // created_at asc
	}
	return pq[i].ticketID < pq[j].ticketID // ticket_id asc
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)   { *pq = append(*pq, x.(*item)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return it
}

// queueState is one (project, worker_type) queue's waiting tickets plus its
// single-active-worker binding.
type queueState struct {
	pq           priorityQueue
	activeWorker string // empty if the slot is free
}

// Dispatcher is notified when a queue gains a free slot with work waiting.
// The Pipeline Engine/Worker Supervisor wire this to actually spawn a worker.
type Dispatcher interface {
	Dispatch(name Name, ticketID string)
}

// Manager holds every project's per-worker-type queues. A single mutex
// guards all of them; there is no per-queue lock, so operations on
// different queues are serialized against each other.
type Manager struct {
	mu         sync.Mutex
	queues     map[Name]*queueState
	dispatcher Dispatcher
}

// New creates an empty Manager. It holds nothing from the Store until the
// Pipeline Engine's Recover (or a later enqueue) pushes tickets into it.
func New(dispatcher Dispatcher) *Manager {
	return &Manager{
		queues:     make(map[Name]*queueState),
		dispatcher: dispatcher,
	}
}

// SetDispatcher binds the dispatcher after construction, for the wiring order
// server.go needs: the Pipeline Engine is constructed with a reference to its
// Manager, so the Manager itself must exist before the Engine does, and only
// then can it be told to dispatch into that Engine.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	m.dispatcher = d
	m.mu.Unlock()
}

func (m *Manager) stateFor(name Name) *queueState {
	qs, ok := m.queues[name]
	if !ok {
		qs = &queueState{}
		heap.Init(&qs.pq)
		m.queues[name] = qs
	}
	return qs
}

// Enqueue appends a ticket to its queue and, if the queue's slot is free,
// signals the dispatcher with the head of the queue.
func (m *Manager) Enqueue(name Name, ticketID string, priority model.Priority, createdAtNanos int64) {
	m.mu.Lock()
	qs := m.stateFor(name)
	heap.Push(&qs.pq, &item{
		ticketID:  ticketID,
		priority:  priority.Rank(),
		createdAt: createdAtNanos,
	})
	shouldDispatch := qs.activeWorker == "" && qs.pq.Len() > 0
	var head string
	if shouldDispatch {
		head = qs.pq[0].ticketID
	}
	m.mu.Unlock()

	if shouldDispatch && m.dispatcher != nil {
		m.dispatcher.Dispatch(name, head)
	}
}

// TryClaim pops the head ticket and binds the queue's active-worker slot to
// workerID, atomically. Returns ("", false) if the queue is empty or already
// has an active worker.
func (m *Manager) TryClaim(name Name, workerID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.stateFor(name)
	if qs.activeWorker != "" || qs.pq.Len() == 0 {
		return "", false
	}
	it := heap.Pop(&qs.pq).(*item)
	qs.activeWorker = workerID
	return it.ticketID, true
}

// Release clears a queue's active-worker slot and, if work remains, signals
// the dispatcher with the new head.
func (m *Manager) Release(name Name) {
	m.mu.Lock()
	qs := m.stateFor(name)
	qs.activeWorker = ""
	hasWork := qs.pq.Len() > 0
	var head string
	if hasWork {
		head = qs.pq[0].ticketID
	}
	m.mu.Unlock()

	if hasWork && m.dispatcher != nil {
		m.dispatcher.Dispatch(name, head)
	}
}

// ActiveWorker returns the worker id currently bound to a queue, if any.
func (m *Manager) ActiveWorker(name Name) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs := m.stateFor(name)
	return qs.activeWorker, qs.activeWorker != ""
}

// List returns the waiting ticket ids for a queue, in claim order, without
// mutating it.
func (m *Manager) List(name Name) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs := m.stateFor(name)
	cp := make(priorityQueue, len(qs.pq))
	copy(cp, qs.pq)
	heap.Init(&cp)
	out := make([]string, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*item).ticketID)
	}
	return out
}
