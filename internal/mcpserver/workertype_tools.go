package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomwork/loom/internal/model"
)

func (s *Server) registerWorkerTypeTools() {
	s.mcp.AddTool(mcp.NewTool("create_worker_type",
		mcp.WithDescription("Define a stage's worker template within a project."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("worker_type", mcp.Required(), mcp.Description("Stage name this worker type handles.")),
		mcp.WithString("system_prompt", mcp.Required()),
		mcp.WithString("short_description"),
		mcp.WithString("binary_override", mcp.Description("Override the default worker binary for this stage.")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Override the default per-run timeout in seconds.")),
	), s.createWorkerType)

	s.mcp.AddTool(mcp.NewTool("list_worker_types",
		mcp.WithDescription("List a project's worker types."),
		mcp.WithString("project_id", mcp.Required()),
	), s.listWorkerTypes)

	s.mcp.AddTool(mcp.NewTool("get_worker_type",
		mcp.WithDescription("Fetch one worker type by project and name."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("worker_type", mcp.Required()),
	), s.getWorkerType)

	s.mcp.AddTool(mcp.NewTool("update_worker_type",
		mcp.WithDescription("Replace a worker type's prompt, description, binary override, or timeout."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("worker_type", mcp.Required()),
		mcp.WithString("system_prompt"),
		mcp.WithString("short_description"),
		mcp.WithString("binary_override"),
		mcp.WithNumber("timeout_seconds"),
	), s.updateWorkerType)

	s.mcp.AddTool(mcp.NewTool("delete_worker_type",
		mcp.WithDescription("Delete a worker type. Tickets whose current stage names it will stall until reconfigured."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("worker_type", mcp.Required()),
	), s.deleteWorkerType)
}

func (s *Server) createWorkerType(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	projectID, err := reqString(a, "project_id")
	if err != nil {
		return errResult(err)
	}
	workerType, err := reqString(a, "worker_type")
	if err != nil {
		return errResult(err)
	}
	systemPrompt, err := reqString(a, "system_prompt")
	if err != nil {
		return errResult(err)
	}
	wt := &model.WorkerType{
		ProjectID:        projectID,
		WorkerType:       workerType,
		SystemPrompt:     systemPrompt,
		ShortDescription: optString(a, "short_description", ""),
		BinaryOverride:   optString(a, "binary_override", ""),
		TimeoutSeconds:   optInt(a, "timeout_seconds", 0),
	}
	created, err := s.store.CreateWorkerType(wt)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(created)
}

func (s *Server) listWorkerTypes(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := reqString(args(req), "project_id")
	if err != nil {
		return errResult(err)
	}
	wts, err := s.store.ListWorkerTypes(projectID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(wts)
}

func (s *Server) getWorkerType(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	projectID, err := reqString(a, "project_id")
	if err != nil {
		return errResult(err)
	}
	workerType, err := reqString(a, "worker_type")
	if err != nil {
		return errResult(err)
	}
	wt, err := s.store.GetWorkerType(projectID, workerType)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(wt)
}

func (s *Server) updateWorkerType(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	projectID, err := reqString(a, "project_id")
	if err != nil {
		return errResult(err)
	}
	workerType, err := reqString(a, "worker_type")
	if err != nil {
		return errResult(err)
	}
	existing, err := s.store.GetWorkerType(projectID, workerType)
	if err != nil {
		return errResult(err)
	}
	existing.SystemPrompt = optString(a, "system_prompt", existing.SystemPrompt)
	existing.ShortDescription = optString(a, "short_description", existing.ShortDescription)
	existing.BinaryOverride = optString(a, "binary_override", existing.BinaryOverride)
	existing.TimeoutSeconds = optInt(a, "timeout_seconds", existing.TimeoutSeconds)
	if err := s.store.UpdateWorkerType(existing); err != nil {
		return errResult(err)
	}
	return jsonResult(existing)
}

func (s *Server) deleteWorkerType(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := args(req)
	projectID, err := reqString(a, "project_id")
	if err != nil {
		return errResult(err)
	}
	workerType, err := reqString(a, "worker_type")
	if err != nil {
		return errResult(err)
	}
	if err := s.store.DeleteWorkerType(projectID, workerType); err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]string{"project_id": projectID, "worker_type": workerType, "status": "deleted"})
}
