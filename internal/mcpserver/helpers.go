package mcpserver

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomwork/loom/internal/model"
)

// jsonResult marshals v as the tool's text payload, the shape every handler
// below returns on success.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

// errResult renders an error as the tool's structured {code, message,
// details} failure payload. A *model.Error carries its own
// Kind; anything else is reported as internal.
func errResult(err error) (*mcp.CallToolResult, error) {
	kind := model.KindInternal
	details := map[string]any(nil)
	if me, ok := err.(*model.Error); ok {
		kind = me.Kind
		details = me.Details
	}
	b, _ := json.Marshal(map[string]any{
		"code":    kind,
		"message": err.Error(),
		"details": details,
	})
	return mcp.NewToolResultError(string(b)), nil
}

func args(req mcp.CallToolRequest) map[string]any {
	return req.GetArguments()
}

func reqString(a map[string]any, key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", model.NewError(model.KindValidation, "missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", model.NewError(model.KindValidation, "argument %q must be a non-empty string", key)
	}
	return s, nil
}

func optString(a map[string]any, key, def string) string {
	if v, ok := a[key].(string); ok && v != "" {
		return v
	}
	return def
}

func reqInt(a map[string]any, key string) (int64, error) {
	switch v := a[key].(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	default:
		return 0, model.NewError(model.KindValidation, "argument %q must be a number", key)
	}
}

func optInt(a map[string]any, key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func optBool(a map[string]any, key string, def bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return def
}

// optStringSlice reads a JSON array argument, tolerating the []any shape
// the MCP JSON transport decodes arrays into.
func optStringSlice(a map[string]any, key string) []string {
	raw, ok := a[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
