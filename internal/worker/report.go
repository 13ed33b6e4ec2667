package worker

import (
	"encoding/json"

	"github.com/loomwork/loom/internal/model"
)

// parseCompletionReport finds the last top-level `{ ... }` object on
// stdout and decodes it against the completion-report schema. Any
// failure to find or decode one is a ParseFailure, which the caller treats
// as coordinator_attention with the reason set to stdout's tail — it is
// never fatal to the server.
func parseCompletionReport(stdout string) (*model.CompletionReport, error) {
	obj, ok := lastTopLevelJSONObject(stdout)
	if !ok {
		return nil, model.NewError(model.KindParseFailure, "no JSON object found on stdout")
	}

	var report model.CompletionReport
	if err := json.Unmarshal([]byte(obj), &report); err != nil {
		return nil, model.Wrap(model.KindParseFailure, err, "completion report did not match schema")
	}
	switch report.Outcome {
	case model.OutcomeNextStage, model.OutcomePrevStage, model.OutcomeCoordinatorAttention:
	default:
		return nil, model.NewError(model.KindParseFailure, "unknown outcome %q", report.Outcome)
	}
	if (report.Outcome == model.OutcomeNextStage || report.Outcome == model.OutcomePrevStage) && report.TargetStage == "" {
		return nil, model.NewError(model.KindParseFailure, "target_stage required for outcome %q", report.Outcome)
	}
	return &report, nil
}

// lastTopLevelJSONObject scans s once, front to back, and returns the last
// balanced top-level `{...}` span, respecting quoted strings and escapes so that
// braces inside string values don't confuse the brace counter.
func lastTopLevelJSONObject(s string) (string, bool) {
	// Find every candidate closing brace that terminates a balanced object
	// when scanned forward from some start; easiest to do this by scanning
	// forward once, tracking the start/end of each top-level object we see,
	// and keeping the last one.
	var (
		depth     int
		start     = -1
		inString  bool
		escape    bool
		lastStart = -1
		lastEnd   = -1
	)
	for i, r := range s {
		if inString {
			switch {
			case escape:
				escape = false
			case r == '\\':
				escape = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					lastStart, lastEnd = start, i+1
				}
			}
		}
	}
	if lastStart < 0 {
		return "", false
	}
	return s[lastStart:lastEnd], true
}
