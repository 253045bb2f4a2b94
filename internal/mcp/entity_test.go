package mcp

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom/codeloom/internal/repo"
)

// fakeVcsEntityStore is an in-memory VcsEntityStore double for tool tests.
type fakeVcsEntityStore struct {
	repos       map[string]*repo.Repository
	branches    map[string]*repo.Branch
	worktrees   map[string]*repo.Worktree
	assignments map[string]*repo.AgentWorktreeAssignment
}

func newFakeVcsEntityStore() *fakeVcsEntityStore {
	return &fakeVcsEntityStore{
		repos:       map[string]*repo.Repository{},
		branches:    map[string]*repo.Branch{},
		worktrees:   map[string]*repo.Worktree{},
		assignments: map[string]*repo.AgentWorktreeAssignment{},
	}
}

func (f *fakeVcsEntityStore) FindRepositoryByURL(_ context.Context, orgID, url string) (*repo.Repository, error) {
	for _, r := range f.repos {
		if r.OrgID == orgID && r.URL == url {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeVcsEntityStore) CreateRepository(_ context.Context, r *repo.Repository) error {
	f.repos[r.ID] = r
	return nil
}

func (f *fakeVcsEntityStore) UpdateRepository(_ context.Context, r *repo.Repository) error {
	f.repos[r.ID] = r
	return nil
}

func (f *fakeVcsEntityStore) EnsureOrgAndProject(context.Context, string) error { return nil }

func (f *fakeVcsEntityStore) GetRepository(_ context.Context, id string) (*repo.Repository, error) {
	return f.repos[id], nil
}

func (f *fakeVcsEntityStore) ListRepositories(context.Context) ([]*repo.Repository, error) {
	var out []*repo.Repository
	for _, r := range f.repos {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeVcsEntityStore) DeleteRepository(_ context.Context, id string) error {
	delete(f.repos, id)
	return nil
}

func (f *fakeVcsEntityStore) SaveBranch(_ context.Context, b *repo.Branch) error {
	f.branches[b.ID] = b
	return nil
}

func (f *fakeVcsEntityStore) GetBranch(_ context.Context, id string) (*repo.Branch, error) {
	return f.branches[id], nil
}

func (f *fakeVcsEntityStore) ListBranches(_ context.Context, repositoryID string) ([]*repo.Branch, error) {
	var out []*repo.Branch
	for _, b := range f.branches {
		if b.RepositoryID == repositoryID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeVcsEntityStore) DeleteBranch(_ context.Context, id string) error {
	delete(f.branches, id)
	return nil
}

func (f *fakeVcsEntityStore) SaveWorktree(_ context.Context, w *repo.Worktree) error {
	f.worktrees[w.ID] = w
	return nil
}

func (f *fakeVcsEntityStore) GetWorktree(_ context.Context, id string) (*repo.Worktree, error) {
	return f.worktrees[id], nil
}

func (f *fakeVcsEntityStore) ListWorktrees(_ context.Context, repositoryID string) ([]*repo.Worktree, error) {
	var out []*repo.Worktree
	for _, w := range f.worktrees {
		if w.RepositoryID == repositoryID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeVcsEntityStore) DeleteWorktree(_ context.Context, id string) error {
	delete(f.worktrees, id)
	return nil
}

func (f *fakeVcsEntityStore) AssignWorktree(_ context.Context, a *repo.AgentWorktreeAssignment) error {
	f.assignments[a.ID] = a
	return nil
}

func (f *fakeVcsEntityStore) GetAssignment(_ context.Context, id string) (*repo.AgentWorktreeAssignment, error) {
	return f.assignments[id], nil
}

func (f *fakeVcsEntityStore) ListAssignmentsByWorktree(_ context.Context, worktreeID string) ([]*repo.AgentWorktreeAssignment, error) {
	var out []*repo.AgentWorktreeAssignment
	for _, a := range f.assignments {
		if a.WorktreeID == worktreeID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeVcsEntityStore) ReleaseWorktree(_ context.Context, assignmentID string) error {
	if a, ok := f.assignments[assignmentID]; ok {
		now := a.AssignedAt
		a.ReleasedAt = &now
	}
	return nil
}

func newTestEntityServer(store *fakeVcsEntityStore) *Server {
	s := &Server{logger: slog.Default()}
	s.repos = store
	return s
}

func TestEntityTool_RepositoryLifecycle(t *testing.T) {
	store := newFakeVcsEntityStore()
	s := newTestEntityServer(store)
	ctx := context.Background()

	created, err := s.handleEntityTool(ctx, EntityInput{
		Action:    "create",
		Resource:  "repository",
		ProjectID: "proj1",
		Data:      map[string]any{"name": "widgets", "url": "github.com/acme/widgets", "local_path": "/repos/widgets"},
	})
	require.NoError(t, err)
	id := created["id"].(string)
	assert.Equal(t, "widgets", created["name"])

	got, err := s.handleEntityTool(ctx, EntityInput{Action: "get", Resource: "repository", ID: id, ProjectID: "proj1"})
	require.NoError(t, err)
	assert.Equal(t, id, got["id"])

	_, err = s.handleEntityTool(ctx, EntityInput{Action: "get", Resource: "repository", ID: id, ProjectID: "other"})
	assert.Error(t, err, "conflicting project_id must be rejected")

	_, err = s.handleEntityTool(ctx, EntityInput{
		Action: "update", Resource: "repository", ID: id, ProjectID: "proj1",
		Data: map[string]any{"name": "renamed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", store.repos[id].Name)

	_, err = s.handleEntityTool(ctx, EntityInput{Action: "delete", Resource: "repository", ID: id, ProjectID: "proj1"})
	require.NoError(t, err)
	assert.Nil(t, store.repos[id])
}

func TestEntityTool_RepositoryCreateRequiresProjectID(t *testing.T) {
	s := newTestEntityServer(newFakeVcsEntityStore())
	_, err := s.handleEntityTool(context.Background(), EntityInput{Action: "create", Resource: "repository", Data: map[string]any{}})
	assert.Error(t, err)
}

func TestEntityTool_BranchAndWorktreeAndAssignment(t *testing.T) {
	store := newFakeVcsEntityStore()
	s := newTestEntityServer(store)
	ctx := context.Background()

	b, err := s.handleEntityTool(ctx, EntityInput{
		Action: "create", Resource: "branch",
		Data: map[string]any{"repository_id": "repo1", "name": "main", "is_default": true},
	})
	require.NoError(t, err)
	branchID := b["id"].(string)

	list, err := s.handleEntityTool(ctx, EntityInput{Action: "list", Resource: "branch", RepositoryID: "repo1"})
	require.NoError(t, err)
	assert.Equal(t, 1, list["count"])

	w, err := s.handleEntityTool(ctx, EntityInput{
		Action: "create", Resource: "worktree",
		Data: map[string]any{"repository_id": "repo1", "branch_id": branchID, "path": "/tmp/wt1"},
	})
	require.NoError(t, err)
	worktreeID := w["id"].(string)

	a, err := s.handleEntityTool(ctx, EntityInput{
		Action: "create", Resource: "assignment",
		Data: map[string]any{"worktree_id": worktreeID, "agent_id": "agent-1"},
	})
	require.NoError(t, err)
	assignmentID := a["id"].(string)

	_, err = s.handleEntityTool(ctx, EntityInput{Action: "release", Resource: "assignment", ID: assignmentID})
	require.NoError(t, err)
	assert.NotNil(t, store.assignments[assignmentID].ReleasedAt)
}

func TestEntityTool_UnknownResourceIsInvalidParams(t *testing.T) {
	s := newTestEntityServer(newFakeVcsEntityStore())
	_, err := s.handleEntityTool(context.Background(), EntityInput{Action: "get", Resource: "issue", ID: "x"})
	require.Error(t, err)
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeInvalidParams, mcpErr.Code)
}

func TestEntityTool_NoRepoStoreIsResourceNotFound(t *testing.T) {
	s := &Server{logger: slog.Default()}
	_, err := s.handleEntityTool(context.Background(), EntityInput{Action: "get", Resource: "repository", ID: "x"})
	assert.ErrorIs(t, err, ErrResourceNotFound)
}
