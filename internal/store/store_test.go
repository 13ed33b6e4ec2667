package store

import (
	"path/filepath"
	"testing"

	"github.com/loomwork/loom/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store, name string) *model.Project {
	t.Helper()
	p := &model.Project{
		RepositoryName: name,
		Path:           "/workspace/" + name,
		ProjectPrefix:  "TST",
	}
	if err := s.CreateProject(p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	got, err := s.GetProject(name)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	return got
}

func newTicket(id, projectID string) *model.Ticket {
	return &model.Ticket{
		TicketID:         id,
		ProjectID:        projectID,
		Title:            "do the thing",
		ExecutionPlan:    []string{"planning", "dev", "review"},
		CurrentStage:     "planning",
		State:            model.StateOpen,
		Priority:         model.PriorityMedium,
		DependencyStatus: model.DependencyReady,
		TicketType:       model.TicketTask,
	}
}

func TestCreateAndGetProjectRoundTrips(t *testing.T) {
	s := openTestStore(t)
	p := seedProject(t, s, "widgets")
	if p.ProjectPrefix != "TST" {
		t.Fatalf("got prefix %q", p.ProjectPrefix)
	}

	if _, err := s.GetProject("does-not-exist"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestUpdateProjectRulesBumpsVersion(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s, "widgets")

	v, err := s.UpdateProjectRules("widgets", "no tabs")
	if err != nil {
		t.Fatalf("update rules: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	v, err = s.UpdateProjectRules("widgets", "no tabs, no trailing whitespace")
	if err != nil {
		t.Fatalf("update rules again: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}
}

func TestDeleteProjectCascadesToTickets(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s, "widgets")
	if _, err := s.CreateTicket(newTicket("TST-001", "widgets")); err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	if err := s.DeleteProject("widgets"); err != nil {
		t.Fatalf("delete project: %v", err)
	}

	if _, err := s.GetTicket("TST-001"); err == nil {
		t.Fatal("expected ticket to be cascade-deleted along with its project")
	}
}

func TestCreateTicketRejectsInvalidEnum(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s, "widgets")

	tk := newTicket("TST-001", "widgets")
	tk.Priority = model.Priority("extreme")

	if _, err := s.CreateTicket(tk); err == nil {
		t.Fatal("expected invalid priority to be rejected")
	}
}

func TestCreateTicketRejectsReservedClosedStage(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s, "widgets")

	tk := newTicket("TST-001", "widgets")
	tk.ExecutionPlan = []string{"planning", model.StageClosed}

	if _, err := s.CreateTicket(tk); err == nil {
		t.Fatal("expected execution_plan containing the reserved closed stage to be rejected")
	}
}

func TestListTicketsFiltersByPriorityAndStage(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s, "widgets")

	a := newTicket("TST-001", "widgets")
	a.Priority = model.PriorityHigh
	a.CurrentStage = "dev"
	if _, err := s.CreateTicket(a); err != nil {
		t.Fatalf("create ticket a: %v", err)
	}

	b := newTicket("TST-002", "widgets")
	b.Priority = model.PriorityLow
	if _, err := s.CreateTicket(b); err != nil {
		t.Fatalf("create ticket b: %v", err)
	}

	got, err := s.ListTickets(TicketFilter{ProjectID: "widgets", Priority: model.PriorityHigh})
	if err != nil {
		t.Fatalf("list tickets: %v", err)
	}
	if len(got) != 1 || got[0].TicketID != "TST-001" {
		t.Fatalf("expected only TST-001, got %+v", got)
	}

	got, err = s.ListTickets(TicketFilter{ProjectID: "widgets", Stage: "dev"})
	if err != nil {
		t.Fatalf("list tickets by stage: %v", err)
	}
	if len(got) != 1 || got[0].TicketID != "TST-001" {
		t.Fatalf("expected only TST-001 by stage, got %+v", got)
	}
}

func TestInsertEdgeRejectsInvalidDependencyType(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s, "widgets")
	parent := newTicket("TST-001", "widgets")
	child := newTicket("TST-002", "widgets")
	if _, err := s.CreateTicket(parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if _, err := s.CreateTicket(child); err != nil {
		t.Fatalf("create child: %v", err)
	}

	if err := s.InsertEdge(s, "TST-001", "TST-002", model.DependencyType("related")); err == nil {
		t.Fatal("expected invalid dependency_type to be rejected")
	}
}

func TestInsertAndListEdges(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s, "widgets")
	parent := newTicket("TST-001", "widgets")
	child := newTicket("TST-002", "widgets")
	if _, err := s.CreateTicket(parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if _, err := s.CreateTicket(child); err != nil {
		t.Fatalf("create child: %v", err)
	}

	if err := s.InsertEdge(s, "TST-001", "TST-002", model.DependencyBlocks); err != nil {
		t.Fatalf("insert edge: %v", err)
	}

	exists, err := s.EdgeExists(s, "TST-001", "TST-002")
	if err != nil {
		t.Fatalf("edge exists: %v", err)
	}
	if !exists {
		t.Fatal("expected edge to exist")
	}

	edges, err := s.ListParentEdges(s, "TST-002")
	if err != nil {
		t.Fatalf("list parent edges: %v", err)
	}
	if len(edges) != 1 || edges[0].ParentTicketID != "TST-001" {
		t.Fatalf("unexpected parent edges: %+v", edges)
	}

	if err := s.DeleteEdge(s, "TST-001", "TST-002"); err != nil {
		t.Fatalf("delete edge: %v", err)
	}
	if err := s.DeleteEdge(s, "TST-001", "TST-002"); err == nil {
		t.Fatal("expected deleting an already-removed edge to fail with not-found")
	}
}

func TestCloseTicketRowSetsTerminalFields(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s, "widgets")
	tk := newTicket("TST-001", "widgets")
	if _, err := s.CreateTicket(tk); err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	if err := s.CloseTicketRow(s, "TST-001", "shipped"); err != nil {
		t.Fatalf("close ticket: %v", err)
	}

	got, err := s.GetTicket("TST-001")
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.State != model.StateClosed {
		t.Fatalf("expected state closed, got %v", got.State)
	}
	if got.CurrentStage != model.StageClosed {
		t.Fatalf("expected current_stage closed, got %v", got.CurrentStage)
	}
	if got.ClosedAt == nil {
		t.Fatal("expected closed_at to be set")
	}
	if got.Resolution == nil || *got.Resolution != "shipped" {
		t.Fatalf("expected resolution to be recorded, got %+v", got.Resolution)
	}
}

func TestResolveEventMarksProcessed(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s, "widgets")

	if err := s.InsertEvent(s, &model.Event{EventType: model.EventCoordinatorAttention, ProjectID: "widgets"}); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	unresolved, err := s.ListUnprocessedEvents()
	if err != nil {
		t.Fatalf("list unprocessed: %v", err)
	}
	if len(unresolved) != 1 {
		t.Fatalf("expected 1 unprocessed event, got %d", len(unresolved))
	}

	if err := s.ResolveEvent(unresolved[0].ID, "handled manually"); err != nil {
		t.Fatalf("resolve event: %v", err)
	}

	unresolved, err = s.ListUnprocessedEvents()
	if err != nil {
		t.Fatalf("list unprocessed after resolve: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("expected 0 unprocessed events after resolving, got %d", len(unresolved))
	}

	if err := s.ResolveEvent(9999, "no such event"); err == nil {
		t.Fatal("expected resolving an unknown event id to fail")
	}
}
