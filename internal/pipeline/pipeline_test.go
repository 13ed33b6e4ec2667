package pipeline

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loomwork/loom/internal/dag"
	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/ids"
	"github.com/loomwork/loom/internal/model"
	"github.com/loomwork/loom/internal/queue"
	"github.com/loomwork/loom/internal/store"
)

// newTestEngine wires a real Store/DAG/Queue/Bus as server.New does, but with
// a nil Supervisor and no dispatcher bound to the Queue Manager: every test
// here drives the Engine's transition methods directly rather than through a
// claimed worker subprocess.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dagSvc := dag.New(st)
	queueMgr := queue.New(nil)
	bus := events.New()
	idgen := ids.NewGenerator()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(st, dagSvc, queueMgr, nil, bus, idgen, logger, Config{})
}

func seedProject(t *testing.T, e *Engine) {
	t.Helper()
	if _, err := e.store.GetProject("proj"); err == nil {
		return
	}
	if err := e.store.CreateProject(&model.Project{RepositoryName: "proj", Path: "/proj", ProjectPrefix: "PRJ"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
}

func seedProjectAndTicket(t *testing.T, e *Engine, ticketID string, plan []string) *model.Ticket {
	t.Helper()
	seedProject(t, e)
	tk := &model.Ticket{
		TicketID:         ticketID,
		ProjectID:        "proj",
		Title:            "test ticket",
		ExecutionPlan:    plan,
		CurrentStage:     plan[0],
		State:            model.StateOpen,
		Priority:         model.PriorityMedium,
		DependencyStatus: model.DependencyReady,
		TicketType:       model.TicketTask,
	}
	created, err := e.store.CreateTicket(tk)
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return created
}

func TestApplyNextStageAdvancesStage(t *testing.T) {
	e := newTestEngine(t)
	tk := seedProjectAndTicket(t, e, "PRJ-001", []string{"planning", "dev", "review"})

	report := &model.CompletionReport{TicketID: tk.TicketID, Outcome: model.OutcomeNextStage, TargetStage: "dev", Comment: "planning done"}
	if err := e.applyOutcome(tk, mustProject(t, e), "planning", "wkr-1", report); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}

	got, err := e.store.GetTicket(tk.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.CurrentStage != "dev" {
		t.Fatalf("expected stage dev, got %q", got.CurrentStage)
	}
}

func TestApplyNextStageRejectsUnknownTargetStage(t *testing.T) {
	e := newTestEngine(t)
	tk := seedProjectAndTicket(t, e, "PRJ-001", []string{"planning", "dev"})

	report := &model.CompletionReport{TicketID: tk.TicketID, Outcome: model.OutcomeNextStage, TargetStage: "nonexistent"}
	if err := e.applyOutcome(tk, mustProject(t, e), "planning", "wkr-1", report); err == nil {
		t.Fatal("expected an error for a target_stage not in the execution plan")
	}
}

func TestApplyNextStageRejectsGoingBackward(t *testing.T) {
	e := newTestEngine(t)
	tk := seedProjectAndTicket(t, e, "PRJ-001", []string{"planning", "dev", "review"})
	if err := e.store.UpdateTicketStage(tk.TicketID, "review", nil); err != nil {
		t.Fatalf("advance to review: %v", err)
	}
	tk, _ = e.store.GetTicket(tk.TicketID)

	report := &model.CompletionReport{TicketID: tk.TicketID, Outcome: model.OutcomeNextStage, TargetStage: "dev"}
	if err := e.applyOutcome(tk, mustProject(t, e), "review", "wkr-1", report); err == nil {
		t.Fatal("expected next_stage to reject a target stage preceding the current one")
	}
}

func TestApplyNextStageToClosedRunsCloseCascade(t *testing.T) {
	e := newTestEngine(t)
	parent := seedProjectAndTicket(t, e, "PRJ-001", []string{"dev"})
	child := seedProjectAndTicket(t, e, "PRJ-002", []string{"dev"})

	if err := dag.New(e.store).AddEdge(parent.TicketID, child.TicketID, model.DependencyBlocks); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	child, _ = e.store.GetTicket(child.TicketID)
	if child.DependencyStatus != model.DependencyBlocked {
		t.Fatalf("expected child blocked after edge insertion, got %v", child.DependencyStatus)
	}

	report := &model.CompletionReport{TicketID: parent.TicketID, Outcome: model.OutcomeNextStage, TargetStage: model.StageClosed, Comment: "shipped"}
	if err := e.applyOutcome(parent, mustProject(t, e), "dev", "wkr-1", report); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}

	gotParent, err := e.store.GetTicket(parent.TicketID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if gotParent.State != model.StateClosed {
		t.Fatalf("expected parent closed, got %v", gotParent.State)
	}

	gotChild, err := e.store.GetTicket(child.TicketID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if gotChild.DependencyStatus != model.DependencyReady {
		t.Fatalf("expected child unblocked after parent closed, got %v", gotChild.DependencyStatus)
	}
}

func TestCloseTicketRejectsAlreadyClosed(t *testing.T) {
	e := newTestEngine(t)
	tk := seedProjectAndTicket(t, e, "PRJ-001", []string{"dev"})

	if err := e.CloseTicket(tk.TicketID, "done"); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := e.CloseTicket(tk.TicketID, "done again"); err == nil {
		t.Fatal("expected closing an already-closed ticket to fail")
	}
}

func TestResumeTicketProcessingRetargetsStage(t *testing.T) {
	e := newTestEngine(t)
	tk := seedProjectAndTicket(t, e, "PRJ-001", []string{"planning", "dev", "review"})

	if err := e.ResumeTicketProcessing(tk.TicketID, "review"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	got, err := e.store.GetTicket(tk.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.CurrentStage != "review" {
		t.Fatalf("expected stage review, got %q", got.CurrentStage)
	}
}

func TestResumeTicketProcessingRejectsStageNotInPlan(t *testing.T) {
	e := newTestEngine(t)
	tk := seedProjectAndTicket(t, e, "PRJ-001", []string{"planning", "dev"})

	if err := e.ResumeTicketProcessing(tk.TicketID, "nonexistent"); err == nil {
		t.Fatal("expected an error retargeting a stage not in the execution plan")
	}
}

func TestApplyPlanningSpecializationCreatesChildrenAndEdges(t *testing.T) {
	e := newTestEngine(t)
	parent := seedProjectAndTicket(t, e, "PRJ-001", []string{model.StagePlanning})
	project := mustProject(t, e)

	report := &model.CompletionReport{
		TicketID: parent.TicketID,
		Outcome:  model.OutcomeNextStage,
		Comment:  "split into two",
		NewTickets: []model.NewChildTicket{
			{Title: "first half", ExecutionPlan: []string{"dev"}},
			{Title: "second half", ExecutionPlan: []string{"dev"}},
		},
		NewEdges: []model.NewEdge{
			{Parent: "-1", Child: "-2", Type: model.DependencyBlocks},
		},
	}

	if err := e.applyOutcome(parent, project, model.StagePlanning, "wkr-1", report); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}

	gotParent, err := e.store.GetTicket(parent.TicketID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if gotParent.State != model.StateClosed {
		t.Fatalf("expected planning ticket closed, got %v", gotParent.State)
	}

	children, err := e.store.ListTickets(store.TicketFilter{ProjectID: "proj"})
	if err != nil {
		t.Fatalf("list tickets: %v", err)
	}
	var firstID, secondID string
	for _, c := range children {
		switch c.Title {
		case "first half":
			firstID = c.TicketID
		case "second half":
			secondID = c.TicketID
		}
	}
	if firstID == "" || secondID == "" {
		t.Fatalf("expected both children to be created, got %+v", children)
	}

	second, err := e.store.GetTicket(secondID)
	if err != nil {
		t.Fatalf("get second child: %v", err)
	}
	if second.DependencyStatus != model.DependencyBlocked {
		t.Fatalf("expected second child blocked on first, got %v", second.DependencyStatus)
	}
}

func mustProject(t *testing.T, e *Engine) *model.Project {
	t.Helper()
	p, err := e.store.GetProject("proj")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	return p
}
