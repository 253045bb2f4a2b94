// Package repo resolves the current working directory's VCS identity to a
// canonical project_id and auto-registers repositories (and their
// submodules) in the metadata store on demand.
package repo

import (
	"context"
	"time"
)

// VcsType identifies the version control system a Repository uses.
type VcsType string

// VcsTypeGit is currently the only supported VCS backend.
const VcsTypeGit VcsType = "git"

// Repository is a registered codebase, unique by (OrgID, ProjectID, Name).
type Repository struct {
	ID        string
	OrgID     string
	ProjectID string
	Name      string
	URL       string
	LocalPath string
	VcsType   VcsType
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Branch is a named ref within a registered Repository.
type Branch struct {
	ID           string
	RepositoryID string
	Name         string
	IsDefault    bool
	HeadCommit   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Worktree is a branch checked out at a filesystem path.
type Worktree struct {
	ID           string
	RepositoryID string
	BranchID     string
	Path         string
	CreatedAt    time.Time
}

// AgentWorktreeAssignment tracks which worktree an external collaborator
// currently holds. ReleasedAt is nil while the assignment is active.
type AgentWorktreeAssignment struct {
	ID         string
	WorktreeID string
	AgentID    string
	AssignedAt time.Time
	ReleasedAt *time.Time
}

// DetectedProject is the result of project-type detection performed by the
// VCS-aware indexer when it walks a repository and its submodules.
type DetectedProject struct {
	ID           string
	Path         string
	ProjectType  string
	ParentRepoID string
}

// Store is the persistence port the resolver needs. It is implemented by
// the metadata store (internal/store) and mocked in tests.
type Store interface {
	FindRepositoryByURL(ctx context.Context, orgID, url string) (*Repository, error)
	CreateRepository(ctx context.Context, r *Repository) error
	EnsureOrgAndProject(ctx context.Context, projectID string) error
}
