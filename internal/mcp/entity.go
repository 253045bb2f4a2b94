package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeloom/codeloom/internal/repo"
)

// EntityInput defines the input schema for the entity tool: CRUD dispatch
// routed by (Action, Resource), mirroring the original's consolidated
// vcs_entity tool.
type EntityInput struct {
	Action       string         `json:"action" jsonschema:"one of: create, get, list, update, delete, release"`
	Resource     string         `json:"resource" jsonschema:"one of: repository, branch, worktree, assignment"`
	ID           string         `json:"id,omitempty" jsonschema:"entity id, required for get/update/delete/release"`
	OrgID        string         `json:"org_id,omitempty" jsonschema:"organization scope, defaults to 'default'"`
	ProjectID    string         `json:"project_id,omitempty" jsonschema:"required for repository create/get/update/delete"`
	RepositoryID string         `json:"repository_id,omitempty" jsonschema:"required for branch/worktree list"`
	WorktreeID   string         `json:"worktree_id,omitempty" jsonschema:"required for assignment list"`
	Data         map[string]any `json:"data,omitempty" jsonschema:"entity payload for create/update"`
}

// EntityOutput is a free-form result bag, like VcsOutput.
type EntityOutput map[string]any

// mcpEntityHandler is the MCP SDK handler for the entity tool.
func (s *Server) mcpEntityHandler(ctx context.Context, _ *mcp.CallToolRequest, input EntityInput) (
	result *mcp.CallToolResult,
	output EntityOutput,
	err error,
) {
	start := time.Now()
	defer func() { s.recordToolCall("entity", start, err) }()

	output, err = s.handleEntityTool(ctx, input)
	if err != nil {
		err = MapError(err)
		return nil, nil, err
	}
	return nil, output, nil
}

func (s *Server) handleEntityTool(ctx context.Context, input EntityInput) (EntityOutput, error) {
	s.mu.RLock()
	repos := s.repos
	s.mu.RUnlock()
	if repos == nil {
		return nil, ErrResourceNotFound
	}

	orgID := input.OrgID
	if orgID == "" {
		orgID = "default"
	}

	switch input.Resource {
	case "repository":
		return s.entityRepository(ctx, repos, orgID, input)
	case "branch":
		return s.entityBranch(ctx, repos, input)
	case "worktree":
		return s.entityWorktree(ctx, repos, input)
	case "assignment":
		return s.entityAssignment(ctx, repos, input)
	default:
		return nil, NewInvalidParamsError(fmt.Sprintf("unsupported resource %q", input.Resource))
	}
}

func (s *Server) entityRepository(ctx context.Context, repos VcsEntityStore, orgID string, input EntityInput) (EntityOutput, error) {
	switch input.Action {
	case "create":
		if input.ProjectID == "" {
			return nil, NewInvalidParamsError("project_id required for repository create")
		}
		r := &repo.Repository{
			ID:        uuid.NewString(),
			OrgID:     orgID,
			ProjectID: input.ProjectID,
			Name:      stringField(input.Data, "name"),
			URL:       stringField(input.Data, "url"),
			LocalPath: stringField(input.Data, "local_path"),
			VcsType:   repo.VcsTypeGit,
		}
		if err := repos.EnsureOrgAndProject(ctx, input.ProjectID); err != nil {
			return nil, fmt.Errorf("ensure project: %w", err)
		}
		if err := repos.CreateRepository(ctx, r); err != nil {
			return nil, fmt.Errorf("create repository: %w", err)
		}
		return repositoryOutput(r), nil

	case "get":
		id, err := requireID(input.ID)
		if err != nil {
			return nil, err
		}
		r, lookupErr := repos.GetRepository(ctx, id)
		if lookupErr != nil {
			return nil, fmt.Errorf("get repository: %w", lookupErr)
		}
		if r == nil {
			return nil, NewInvalidParamsError(fmt.Sprintf("repository not found: %s", id))
		}
		if input.ProjectID != "" && r.ProjectID != input.ProjectID {
			return nil, NewInvalidParamsError(fmt.Sprintf(
				"conflicting project_id: args=%q, repository=%q", input.ProjectID, r.ProjectID))
		}
		return repositoryOutput(r), nil

	case "list":
		if input.ProjectID == "" {
			return nil, NewInvalidParamsError("project_id required for repository list")
		}
		all, err := repos.ListRepositories(ctx)
		if err != nil {
			return nil, fmt.Errorf("list repositories: %w", err)
		}
		var out []EntityOutput
		for _, r := range all {
			if r.ProjectID == input.ProjectID {
				out = append(out, repositoryOutput(r))
			}
		}
		return EntityOutput{"repositories": out, "count": len(out)}, nil

	case "update":
		if input.ProjectID == "" {
			return nil, NewInvalidParamsError("project_id required for repository update")
		}
		id, err := requireID(input.ID)
		if err != nil {
			return nil, err
		}
		existing, lookupErr := repos.GetRepository(ctx, id)
		if lookupErr != nil {
			return nil, fmt.Errorf("get repository: %w", lookupErr)
		}
		if existing == nil {
			return nil, NewInvalidParamsError(fmt.Sprintf("repository not found: %s", id))
		}
		if existing.ProjectID != input.ProjectID {
			return nil, NewInvalidParamsError(fmt.Sprintf(
				"conflicting project_id: args=%q, repository=%q", input.ProjectID, existing.ProjectID))
		}
		applyRepositoryUpdate(existing, input.Data)
		existing.OrgID = orgID
		if err := repos.UpdateRepository(ctx, existing); err != nil {
			return nil, fmt.Errorf("update repository: %w", err)
		}
		return EntityOutput{"status": "updated"}, nil

	case "delete":
		if input.ProjectID == "" {
			return nil, NewInvalidParamsError("project_id required for repository delete")
		}
		id, err := requireID(input.ID)
		if err != nil {
			return nil, err
		}
		existing, lookupErr := repos.GetRepository(ctx, id)
		if lookupErr != nil {
			return nil, fmt.Errorf("get repository: %w", lookupErr)
		}
		if existing == nil {
			return nil, NewInvalidParamsError(fmt.Sprintf("repository not found: %s", id))
		}
		if existing.ProjectID != input.ProjectID {
			return nil, NewInvalidParamsError(fmt.Sprintf(
				"conflicting project_id: args=%q, repository=%q", input.ProjectID, existing.ProjectID))
		}
		if err := repos.DeleteRepository(ctx, id); err != nil {
			return nil, fmt.Errorf("delete repository: %w", err)
		}
		return EntityOutput{"status": "deleted"}, nil

	default:
		return nil, NewInvalidParamsError(fmt.Sprintf("unsupported action %q for repository", input.Action))
	}
}

func (s *Server) entityBranch(ctx context.Context, repos VcsEntityStore, input EntityInput) (EntityOutput, error) {
	switch input.Action {
	case "create":
		b := &repo.Branch{
			ID:           uuid.NewString(),
			RepositoryID: stringField(input.Data, "repository_id"),
			Name:         stringField(input.Data, "name"),
			IsDefault:    boolField(input.Data, "is_default"),
			HeadCommit:   stringField(input.Data, "head_commit"),
		}
		if b.RepositoryID == "" {
			return nil, NewInvalidParamsError("data.repository_id required for branch create")
		}
		if err := repos.SaveBranch(ctx, b); err != nil {
			return nil, fmt.Errorf("create branch: %w", err)
		}
		return branchOutput(b), nil

	case "get":
		id, err := requireID(input.ID)
		if err != nil {
			return nil, err
		}
		b, lookupErr := repos.GetBranch(ctx, id)
		if lookupErr != nil {
			return nil, fmt.Errorf("get branch: %w", lookupErr)
		}
		if b == nil {
			return nil, NewInvalidParamsError(fmt.Sprintf("branch not found: %s", id))
		}
		return branchOutput(b), nil

	case "list":
		if input.RepositoryID == "" {
			return nil, NewInvalidParamsError("repository_id required for branch list")
		}
		all, err := repos.ListBranches(ctx, input.RepositoryID)
		if err != nil {
			return nil, fmt.Errorf("list branches: %w", err)
		}
		out := make([]EntityOutput, 0, len(all))
		for _, b := range all {
			out = append(out, branchOutput(b))
		}
		return EntityOutput{"branches": out, "count": len(out)}, nil

	case "update":
		id, err := requireID(input.ID)
		if err != nil {
			return nil, err
		}
		existing, lookupErr := repos.GetBranch(ctx, id)
		if lookupErr != nil {
			return nil, fmt.Errorf("get branch: %w", lookupErr)
		}
		if existing == nil {
			return nil, NewInvalidParamsError(fmt.Sprintf("branch not found: %s", id))
		}
		if v, ok := input.Data["is_default"]; ok {
			existing.IsDefault, _ = v.(bool)
		}
		if v := stringField(input.Data, "head_commit"); v != "" {
			existing.HeadCommit = v
		}
		if err := repos.SaveBranch(ctx, existing); err != nil {
			return nil, fmt.Errorf("update branch: %w", err)
		}
		return EntityOutput{"status": "updated"}, nil

	case "delete":
		id, err := requireID(input.ID)
		if err != nil {
			return nil, err
		}
		if err := repos.DeleteBranch(ctx, id); err != nil {
			return nil, fmt.Errorf("delete branch: %w", err)
		}
		return EntityOutput{"status": "deleted"}, nil

	default:
		return nil, NewInvalidParamsError(fmt.Sprintf("unsupported action %q for branch", input.Action))
	}
}

func (s *Server) entityWorktree(ctx context.Context, repos VcsEntityStore, input EntityInput) (EntityOutput, error) {
	switch input.Action {
	case "create":
		w := &repo.Worktree{
			ID:           uuid.NewString(),
			RepositoryID: stringField(input.Data, "repository_id"),
			BranchID:     stringField(input.Data, "branch_id"),
			Path:         stringField(input.Data, "path"),
		}
		if w.RepositoryID == "" || w.Path == "" {
			return nil, NewInvalidParamsError("data.repository_id and data.path required for worktree create")
		}
		if err := repos.SaveWorktree(ctx, w); err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
		return worktreeOutput(w), nil

	case "get":
		id, err := requireID(input.ID)
		if err != nil {
			return nil, err
		}
		w, lookupErr := repos.GetWorktree(ctx, id)
		if lookupErr != nil {
			return nil, fmt.Errorf("get worktree: %w", lookupErr)
		}
		if w == nil {
			return nil, NewInvalidParamsError(fmt.Sprintf("worktree not found: %s", id))
		}
		return worktreeOutput(w), nil

	case "list":
		if input.RepositoryID == "" {
			return nil, NewInvalidParamsError("repository_id required for worktree list")
		}
		all, err := repos.ListWorktrees(ctx, input.RepositoryID)
		if err != nil {
			return nil, fmt.Errorf("list worktrees: %w", err)
		}
		out := make([]EntityOutput, 0, len(all))
		for _, w := range all {
			out = append(out, worktreeOutput(w))
		}
		return EntityOutput{"worktrees": out, "count": len(out)}, nil

	case "update":
		id, err := requireID(input.ID)
		if err != nil {
			return nil, err
		}
		existing, lookupErr := repos.GetWorktree(ctx, id)
		if lookupErr != nil {
			return nil, fmt.Errorf("get worktree: %w", lookupErr)
		}
		if existing == nil {
			return nil, NewInvalidParamsError(fmt.Sprintf("worktree not found: %s", id))
		}
		if v := stringField(input.Data, "branch_id"); v != "" {
			existing.BranchID = v
		}
		if v := stringField(input.Data, "path"); v != "" {
			existing.Path = v
		}
		if err := repos.SaveWorktree(ctx, existing); err != nil {
			return nil, fmt.Errorf("update worktree: %w", err)
		}
		return EntityOutput{"status": "updated"}, nil

	case "delete":
		id, err := requireID(input.ID)
		if err != nil {
			return nil, err
		}
		if err := repos.DeleteWorktree(ctx, id); err != nil {
			return nil, fmt.Errorf("delete worktree: %w", err)
		}
		return EntityOutput{"status": "deleted"}, nil

	default:
		return nil, NewInvalidParamsError(fmt.Sprintf("unsupported action %q for worktree", input.Action))
	}
}

func (s *Server) entityAssignment(ctx context.Context, repos VcsEntityStore, input EntityInput) (EntityOutput, error) {
	switch input.Action {
	case "create":
		a := &repo.AgentWorktreeAssignment{
			ID:         uuid.NewString(),
			WorktreeID: stringField(input.Data, "worktree_id"),
			AgentID:    stringField(input.Data, "agent_id"),
		}
		if a.WorktreeID == "" || a.AgentID == "" {
			return nil, NewInvalidParamsError("data.worktree_id and data.agent_id required for assignment create")
		}
		if err := repos.AssignWorktree(ctx, a); err != nil {
			return nil, fmt.Errorf("create assignment: %w", err)
		}
		return assignmentOutput(a), nil

	case "get":
		id, err := requireID(input.ID)
		if err != nil {
			return nil, err
		}
		a, lookupErr := repos.GetAssignment(ctx, id)
		if lookupErr != nil {
			return nil, fmt.Errorf("get assignment: %w", lookupErr)
		}
		if a == nil {
			return nil, NewInvalidParamsError(fmt.Sprintf("assignment not found: %s", id))
		}
		return assignmentOutput(a), nil

	case "list":
		if input.WorktreeID == "" {
			return nil, NewInvalidParamsError("worktree_id required for assignment list")
		}
		all, err := repos.ListAssignmentsByWorktree(ctx, input.WorktreeID)
		if err != nil {
			return nil, fmt.Errorf("list assignments: %w", err)
		}
		out := make([]EntityOutput, 0, len(all))
		for _, a := range all {
			out = append(out, assignmentOutput(a))
		}
		return EntityOutput{"assignments": out, "count": len(out)}, nil

	case "release":
		id, err := requireID(input.ID)
		if err != nil {
			return nil, err
		}
		if err := repos.ReleaseWorktree(ctx, id); err != nil {
			return nil, fmt.Errorf("release assignment: %w", err)
		}
		return EntityOutput{"status": "released"}, nil

	default:
		return nil, NewInvalidParamsError(fmt.Sprintf("unsupported action %q for assignment", input.Action))
	}
}

// --- payload helpers ---

func requireID(id string) (string, error) {
	if id == "" {
		return "", NewInvalidParamsError("id is required")
	}
	return id, nil
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func boolField(data map[string]any, key string) bool {
	if data == nil {
		return false
	}
	v, _ := data[key].(bool)
	return v
}

func applyRepositoryUpdate(r *repo.Repository, data map[string]any) {
	if v := stringField(data, "name"); v != "" {
		r.Name = v
	}
	if v := stringField(data, "url"); v != "" {
		r.URL = v
	}
	if v := stringField(data, "local_path"); v != "" {
		r.LocalPath = v
	}
}

func repositoryOutput(r *repo.Repository) EntityOutput {
	return EntityOutput{
		"id":         r.ID,
		"org_id":     r.OrgID,
		"project_id": r.ProjectID,
		"name":       r.Name,
		"url":        r.URL,
		"local_path": r.LocalPath,
		"vcs_type":   string(r.VcsType),
	}
}

func branchOutput(b *repo.Branch) EntityOutput {
	return EntityOutput{
		"id":            b.ID,
		"repository_id": b.RepositoryID,
		"name":          b.Name,
		"is_default":    b.IsDefault,
		"head_commit":   b.HeadCommit,
	}
}

func worktreeOutput(w *repo.Worktree) EntityOutput {
	return EntityOutput{
		"id":            w.ID,
		"repository_id": w.RepositoryID,
		"branch_id":     w.BranchID,
		"path":          w.Path,
	}
}

func assignmentOutput(a *repo.AgentWorktreeAssignment) EntityOutput {
	out := EntityOutput{
		"id":          a.ID,
		"worktree_id": a.WorktreeID,
		"agent_id":    a.AgentID,
		"assigned_at": a.AssignedAt,
	}
	if a.ReleasedAt != nil {
		out["released_at"] = *a.ReleasedAt
	}
	return out
}
