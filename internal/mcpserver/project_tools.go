package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomwork/loom/internal/ids"
	"github.com/loomwork/loom/internal/model"
)

func (s *Server) registerProjectTools() {
	s.mcp.AddTool(mcp.NewTool("create_project",
		mcp.WithDescription("Register a project workspace and derive its ticket-id prefix."),
		mcp.WithString("repository_name", mcp.Required(), mcp.Description("Unique slug identifying the project.")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path to the project's working directory.")),
		mcp.WithString("short_description"),
		mcp.WithString("rules"),
		mcp.WithString("patterns"),
	), s.createProject)

	s.mcp.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List every registered project."),
	), s.listProjects)

	s.mcp.AddTool(mcp.NewTool("get_project",
		mcp.WithDescription("Fetch a project by repository_name."),
		mcp.WithString("repository_name", mcp.Required()),
	), s.getProject)

	s.mcp.AddTool(mcp.NewTool("update_project",
		mcp.WithDescription("Replace a project's rules and/or patterns text, bumping their version counters."),
		mcp.WithString("repository_name", mcp.Required()),
		mcp.WithString("rules", mcp.Description("New rules text; omit to leave unchanged.")),
		mcp.WithString("patterns", mcp.Description("New patterns text; omit to leave unchanged.")),
	), s.updateProject)

	s.mcp.AddTool(mcp.NewTool("delete_project",
		mcp.WithDescription("Delete a project with its worker types, tickets, comments, workers, and dependency edges. Its events are kept."),
		mcp.WithString("repository_name", mcp.Required()),
	), s.deleteProject)
}

func (s *Server) createProject(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	name, err := reqString(a, "repository_name")
	if err != nil {
		return errResult(err)
	}
	path, err := reqString(a, "path")
	if err != nil {
		return errResult(err)
	}
	p := &model.Project{
		RepositoryName:   name,
		Path:             path,
		ShortDescription: optString(a, "short_description", ""),
		ProjectPrefix:    ids.ProjectPrefix(name),
		Rules:            optString(a, "rules", ""),
		Patterns:         optString(a, "patterns", ""),
	}
	if err := s.store.CreateProject(p); err != nil {
		return errResult(err)
	}
	created, err := s.store.GetProject(name)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(created)
}

func (s *Server) listProjects(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.store.ListProjects()
	if err != nil {
		return errResult(err)
	}
	return jsonResult(projects)
}

func (s *Server) getProject(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := reqString(args(req), "repository_name")
	if err != nil {
		return errResult(err)
	}
	p, err := s.store.GetProject(name)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(p)
}

func (s *Server) updateProject(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	name, err := reqString(a, "repository_name")
	if err != nil {
		return errResult(err)
	}
	if rules, ok := a["rules"].(string); ok {
		if _, err := s.store.UpdateProjectRules(name, rules); err != nil {
			return errResult(err)
		}
	}
	if patterns, ok := a["patterns"].(string); ok {
		if _, err := s.store.UpdateProjectPatterns(name, patterns); err != nil {
			return errResult(err)
		}
	}
	p, err := s.store.GetProject(name)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(p)
}

func (s *Server) deleteProject(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := reqString(args(req), "repository_name")
	if err != nil {
		return errResult(err)
	}
	if err := s.store.DeleteProject(name); err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]string{"repository_name": name, "status": "deleted"})
}
