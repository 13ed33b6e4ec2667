package worker

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// settingsData is substituted into the deployed settings file template:
// MCP endpoint URL, workspace id/name, template name, agent id, and log
// level.
type settingsData struct {
	MCPEndpointURL string
	WorkspaceID    string
	WorkspaceName  string
	TemplateName   string
	AgentID        string
	AgentDisplay   string
	LogLevel       string
}

// templateFuncs is the function set available to settings templates.
var templateFuncs = template.FuncMap{
	"title": cases.Title(language.English).String,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

const defaultSettingsTemplate = `{
  "mcpEndpoint": "{{.MCPEndpointURL}}",
  "workspace": {"id": "{{.WorkspaceID}}", "name": "{{.WorkspaceName}}"},
  "agent": {"id": "{{.AgentID}}", "displayName": "{{.AgentDisplay}}", "template": "{{.TemplateName}}"},
  "logLevel": "{{.LogLevel}}"
}
`

// deploySettings renders the settings template into <scratchDir>/.claude/settings.json,
// the worker-visible file that controls which tools the subprocess may invoke.
// templatePath, if non-empty, overrides the built-in default template.
func deploySettings(scratchDir, templatePath string, data settingsData) (string, error) {
	tmplText := defaultSettingsTemplate
	if templatePath != "" {
		b, err := os.ReadFile(templatePath) // #nosec G304 -- templatePath comes from server config, not worker input
		if err != nil {
			return "", fmt.Errorf("read settings template %s: %w", templatePath, err)
		}
		tmplText = string(b)
	}

	tmpl, err := template.New("settings").Funcs(templateFuncs).Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("parse settings template: %w", err)
	}

	data.AgentDisplay = cases.Title(language.English).String(data.AgentID)

	settingsDir := filepath.Join(scratchDir, ".claude")
	if err := os.MkdirAll(settingsDir, 0o750); err != nil {
		return "", fmt.Errorf("create settings dir: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render settings template: %w", err)
	}

	settingsPath := filepath.Join(settingsDir, "settings.json")
	if err := os.WriteFile(settingsPath, buf.Bytes(), 0o640); err != nil {
		return "", fmt.Errorf("write settings file: %w", err)
	}
	return settingsPath, nil
}
