package dag

import (
	"testing"

	"github.com/loomwork/loom/internal/model"
)

func edge(parent, child string) model.Dependency {
	return model.Dependency{ParentTicketID: parent, ChildTicketID: child, DependencyType: model.DependencyBlocks}
}

func TestWouldCycleDetectsDirectCycle(t *testing.T) {
	edges := []model.Dependency{edge("A", "B")}
	if !wouldCycle(edges, "B", "A") {
		t.Fatal("expected B->A to close a cycle given A->B")
	}
}

func TestWouldCycleDetectsTransitiveCycle(t *testing.T) {
	edges := []model.Dependency{edge("A", "B"), edge("B", "C")}
	if !wouldCycle(edges, "C", "A") {
		t.Fatal("expected C->A to close a cycle given A->B->C")
	}
}

func TestWouldCycleAllowsAcyclicEdge(t *testing.T) {
	edges := []model.Dependency{edge("A", "B")}
	if wouldCycle(edges, "A", "C") {
		t.Fatal("A->C should not cycle given only A->B")
	}
}

func TestWouldCycleIgnoresUnrelatedBranch(t *testing.T) {
	edges := []model.Dependency{edge("A", "B"), edge("X", "Y")}
	if wouldCycle(edges, "Y", "A") {
		t.Fatal("Y->A should not cycle: Y and A are on disjoint branches")
	}
}

func TestWouldCycleSelfLoopViaChain(t *testing.T) {
	edges := []model.Dependency{edge("A", "B"), edge("B", "C"), edge("C", "D")}
	if !wouldCycle(edges, "D", "A") {
		t.Fatal("expected D->A to close a cycle across the whole chain")
	}
	if wouldCycle(edges, "A", "D") {
		t.Fatal("A->D is a duplicate-direction edge, not a cycle, given the existing chain")
	}
}
