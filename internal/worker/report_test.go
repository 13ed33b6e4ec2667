package worker

import (
	"testing"

	"github.com/loomwork/loom/internal/model"
)

func TestParseCompletionReportTakesLastTopLevelObject(t *testing.T) {
	stdout := `some log noise {"not": "the report"}
more noise
{"ticket_id": "ABC-001", "outcome": "next_stage", "target_stage": "review", "comment": "done"}`

	report, err := parseCompletionReport(stdout)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.TicketID != "ABC-001" || report.TargetStage != "review" {
		t.Fatalf("parsed wrong object: %+v", report)
	}
}

func TestParseCompletionReportIgnoresBracesInsideStrings(t *testing.T) {
	stdout := `{"ticket_id": "ABC-002", "outcome": "coordinator_attention", "comment": "saw a literal { brace } in the diff", "reason": "needs review"}`

	report, err := parseCompletionReport(stdout)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Comment != "saw a literal { brace } in the diff" {
		t.Fatalf("comment mangled by brace scanning: %q", report.Comment)
	}
}

func TestParseCompletionReportNoObjectIsParseFailure(t *testing.T) {
	_, err := parseCompletionReport("nothing but prose here")
	assertParseFailure(t, err)
}

func TestParseCompletionReportMissingTargetStageIsParseFailure(t *testing.T) {
	stdout := `{"ticket_id": "ABC-003", "outcome": "next_stage", "comment": "done"}`
	_, err := parseCompletionReport(stdout)
	assertParseFailure(t, err)
}

func TestParseCompletionReportUnknownOutcomeIsParseFailure(t *testing.T) {
	stdout := `{"ticket_id": "ABC-004", "outcome": "do_a_barrel_roll", "comment": "?"}`
	_, err := parseCompletionReport(stdout)
	assertParseFailure(t, err)
}

func TestParseCompletionReportCoordinatorAttentionNeedsNoTargetStage(t *testing.T) {
	stdout := `{"ticket_id": "ABC-005", "outcome": "coordinator_attention", "comment": "stuck", "reason": "ambiguous requirement"}`
	report, err := parseCompletionReport(stdout)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Outcome != model.OutcomeCoordinatorAttention {
		t.Fatalf("got outcome %q", report.Outcome)
	}
}

func assertParseFailure(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	me, ok := err.(*model.Error)
	if !ok {
		t.Fatalf("expected *model.Error, got %T", err)
	}
	if me.Kind != model.KindParseFailure {
		t.Fatalf("expected KindParseFailure, got %v", me.Kind)
	}
}
