// Package dag maintains the dependency graph across a project's tickets:
// cycle-checked edge insertion, readiness recomputation on state
// change, and the graph queries the MCP tool surface exposes directly.
package dag

import (
	"github.com/jmoiron/sqlx"

	"github.com/loomwork/loom/internal/model"
	"github.com/loomwork/loom/internal/store"
)

// Service owns the dependency graph and derived readiness for every project.
type Service struct {
	store *store.Store
}

// New creates a DAG Service over the given Store.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Graph is the node/edge view returned by the get_dependency_graph tool.
type Graph struct {
	Tickets []model.Ticket     `json:"tickets"`
	Edges   []model.Dependency `json:"edges"`
}

// Graph returns every ticket and edge in a project.
func (s *Service) Graph(projectID string) (*Graph, error) {
	tickets, err := s.store.ListTickets(store.TicketFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	edges, err := s.store.ListProjectEdges(s.store, projectID)
	if err != nil {
		return nil, err
	}
	return &Graph{Tickets: tickets, Edges: edges}, nil
}

// AddEdge inserts a dependency edge, rejecting self-edges, duplicates, and
// edges that would close a cycle (DFS from child looking for parent). On
// success, a fresh `blocks` edge whose parent is not yet closed flips the
// child to blocked.
func (s *Service) AddEdge(parentTicketID, childTicketID string, depType model.DependencyType) error {
	if parentTicketID == childTicketID {
		return model.NewError(model.KindSelfEdge, "ticket %s cannot depend on itself", parentTicketID)
	}
	if !depType.Valid() {
		return model.NewError(model.KindValidation, "invalid dependency_type %q", depType)
	}

	tx, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	parent, err := s.store.GetTicketTx(tx, parentTicketID)
	if err != nil {
		return err
	}
	child, err := s.store.GetTicketTx(tx, childTicketID)
	if err != nil {
		return err
	}

	exists, err := s.store.EdgeExists(tx, parentTicketID, childTicketID)
	if err != nil {
		return err
	}
	if exists {
		return model.NewError(model.KindDuplicateEdge, "edge %s->%s already exists", parentTicketID, childTicketID)
	}

	edges, err := s.store.ListProjectEdges(tx, parent.ProjectID)
	if err != nil {
		return err
	}
	if wouldCycle(edges, parentTicketID, childTicketID) {
		return model.NewError(model.KindCycleDetected, "adding %s->%s would create a cycle", parentTicketID, childTicketID)
	}

	if err := s.store.InsertEdge(tx, parentTicketID, childTicketID, depType); err != nil {
		return err
	}

	if depType == model.DependencyBlocks && parent.State != model.StateClosed && child.DependencyStatus != model.DependencyBlocked {
		if err := s.store.SetDependencyStatus(tx, childTicketID, model.DependencyBlocked); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// WouldCycle reports whether adding parent->child to edges would close a
// cycle. Exported so the Pipeline Engine's planning-stage specialization can
// run the same check inside its own transaction, batching several new
// edges without going through AddEdge's own transaction lifecycle.
func WouldCycle(edges []model.Dependency, parent, child string) bool {
	return wouldCycle(edges, parent, child)
}

// wouldCycle reports whether adding parent->child to the existing edge set
// would close a cycle: true iff a path already exists from child back to parent.
func wouldCycle(edges []model.Dependency, parent, child string) bool {
	adj := make(map[string][]string, len(edges))
	for _, e := range edges {
		adj[e.ParentTicketID] = append(adj[e.ParentTicketID], e.ChildTicketID)
	}
	visited := make(map[string]bool)
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if node == parent {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, next := range adj[node] {
			if dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(child)
}

// RemoveEdge deletes an edge and recomputes the child's dependency_status:
// ready if every remaining blocks-parent is closed, else blocked.
func (s *Service) RemoveEdge(parentTicketID, childTicketID string) error {
	tx, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.store.DeleteEdge(tx, parentTicketID, childTicketID); err != nil {
		return err
	}

	status, err := s.recomputeReadiness(tx, childTicketID)
	if err != nil {
		return err
	}
	if err := s.store.SetDependencyStatus(tx, childTicketID, status); err != nil {
		return err
	}

	return tx.Commit()
}

// recomputeReadiness derives a ticket's dependency_status from its remaining
// blocks-parents: ready if none are open, blocked otherwise.
func (s *Service) recomputeReadiness(tx *sqlx.Tx, ticketID string) (model.DependencyStatus, error) {
	parentEdges, err := s.store.ListParentEdges(tx, ticketID)
	if err != nil {
		return "", err
	}
	for _, e := range parentEdges {
		if e.DependencyType != model.DependencyBlocks {
			continue
		}
		parent, err := s.store.GetTicketTx(tx, e.ParentTicketID)
		if err != nil {
			return "", err
		}
		if parent.State != model.StateClosed {
			return model.DependencyBlocked, nil
		}
	}
	return model.DependencyReady, nil
}

// OnTicketClosed recomputes readiness for every child of a just-closed
// ticket, returning the IDs that flipped blocked -> ready so the Pipeline
// Engine can enqueue the open ones. Must run in the same transaction as the
// close, as part of the close-cascade.
func (s *Service) OnTicketClosed(tx *sqlx.Tx, ticketID string) ([]string, error) {
	childEdges, err := s.store.ListChildEdges(tx, ticketID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var unblocked []string
	for _, e := range childEdges {
		if seen[e.ChildTicketID] {
			continue
		}
		seen[e.ChildTicketID] = true

		child, err := s.store.GetTicketTx(tx, e.ChildTicketID)
		if err != nil {
			return nil, err
		}
		wasBlocked := child.DependencyStatus == model.DependencyBlocked
		status, err := s.recomputeReadiness(tx, e.ChildTicketID)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetDependencyStatus(tx, e.ChildTicketID, status); err != nil {
			return nil, err
		}
		if wasBlocked && status == model.DependencyReady {
			unblocked = append(unblocked, e.ChildTicketID)
		}
	}
	return unblocked, nil
}

// TopologicalReadiness sets each newly created ticket's initial
// dependency_status, given the edges just inserted for the batch. Returns
// the subset that landed ready despite being inserted tentatively blocked,
// so the caller can surface a ticket_unblocked event for them.
func (s *Service) TopologicalReadiness(tx *sqlx.Tx, newlyCreated []string) ([]string, error) {
	var readyNow []string
	for _, ticketID := range newlyCreated {
		status, err := s.recomputeReadiness(tx, ticketID)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetDependencyStatus(tx, ticketID, status); err != nil {
			return nil, err
		}
		if status == model.DependencyReady {
			readyNow = append(readyNow, ticketID)
		}
	}
	return readyNow, nil
}

// BlockedReason explains which open blocks-parent(s) keep a ticket blocked,
// for the list_blocked_tickets tool.
func (s *Service) BlockedReason(ticketID string) (string, error) {
	parentEdges, err := s.store.ListParentEdges(s.store, ticketID)
	if err != nil {
		return "", err
	}
	var blockers []string
	for _, e := range parentEdges {
		if e.DependencyType != model.DependencyBlocks {
			continue
		}
		parent, err := s.store.GetTicket(e.ParentTicketID)
		if err != nil {
			continue
		}
		if parent.State != model.StateClosed {
			blockers = append(blockers, parent.TicketID)
		}
	}
	if len(blockers) == 0 {
		return "", nil
	}
	reason := "blocked by"
	for _, b := range blockers {
		reason += " " + b
	}
	return reason, nil
}
