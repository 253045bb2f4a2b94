package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Resolver maps the current working-directory VCS context to a canonical
// project_id, auto-registering a Repository row on demand. It is DB-first:
// a registered repository always wins over a freshly derived one.
type Resolver struct {
	store      Store
	ctx        ProjectContext
	workingDir string
}

// NewResolver creates a resolver that detects the current git context
// rooted at workingDir.
func NewResolver(store Store, workingDir string) *Resolver {
	return &Resolver{store: store, ctx: ResolveProjectContext(workingDir), workingDir: workingDir}
}

// NewResolverWithContext creates a resolver with an explicit ProjectContext,
// useful for tests or callers that already computed one.
func NewResolverWithContext(store Store, pctx ProjectContext) *Resolver {
	return &Resolver{store: store, ctx: pctx}
}

// ResolveProjectID resolves project_id from the store, falling back to the
// locally derived ProjectContext.ProjectID on any lookup failure. It never
// returns an error.
func (r *Resolver) ResolveProjectID(ctx context.Context, orgID string) string {
	if id, err := r.tryResolve(ctx, orgID); err == nil && id != "" {
		return id
	}
	return r.ctx.ProjectID
}

// ResolveAndRegister resolves project_id, auto-registering a Repository row
// (and, for submodules, its superproject) if none exists yet. Registration
// is at-most-once per (org_id, project_id, name); a concurrent duplicate
// insert is treated as success by the underlying store.
func (r *Resolver) ResolveAndRegister(ctx context.Context, orgID string) (string, error) {
	if id, err := r.tryResolve(ctx, orgID); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}

	projectID := r.ctx.ProjectID
	if !isRegisterable(projectID) {
		return projectID, nil
	}

	if r.ctx.IsSubmodule {
		return r.resolveSubmodule(ctx, orgID)
	}

	if err := r.registerRepository(ctx, orgID, projectID, projectID); err != nil {
		return "", err
	}
	return projectID, nil
}

func (r *Resolver) tryResolve(ctx context.Context, orgID string) (string, error) {
	normalizedURL := r.ctx.ProjectID
	if !isRegisterable(normalizedURL) {
		return "", nil
	}
	repository, err := r.store.FindRepositoryByURL(ctx, orgID, normalizedURL)
	if err != nil {
		return "", err
	}
	if repository == nil {
		return "", nil
	}
	return repository.ProjectID, nil
}

func (r *Resolver) resolveSubmodule(ctx context.Context, orgID string) (string, error) {
	parentURL := r.ctx.SuperprojectID
	if parentURL == "" {
		parentURL = defaultProjectID
	}
	if !isRegisterable(parentURL) {
		return r.ctx.ProjectID, nil
	}

	parentRepo, err := r.store.FindRepositoryByURL(ctx, orgID, parentURL)
	if err != nil {
		return "", err
	}

	parentProjectID := parentURL
	if parentRepo != nil {
		parentProjectID = parentRepo.ProjectID
	} else if err := r.registerRepository(ctx, orgID, parentURL, parentURL); err != nil {
		return "", err
	}

	if err := r.registerRepository(ctx, orgID, parentProjectID, r.ctx.ProjectID); err != nil {
		return "", err
	}
	return parentProjectID, nil
}

func (r *Resolver) registerRepository(ctx context.Context, orgID, projectID, url string) error {
	if err := r.store.EnsureOrgAndProject(ctx, projectID); err != nil {
		return err
	}

	name := url
	if i := strings.LastIndex(url, "/"); i >= 0 {
		name = url[i+1:]
	}

	now := time.Now()
	repository := &Repository{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		ProjectID: projectID,
		Name:      name,
		URL:       NormalizeRepoURL(url),
		LocalPath: gitToplevel(r.localRoot()),
		VcsType:   VcsTypeGit,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// INSERT OR IGNORE semantics: a duplicate (org_id, project_id, name) is
	// rejected harmlessly by the store's unique constraint.
	_ = r.store.CreateRepository(ctx, repository)
	return nil
}

// localRoot returns the directory the ProjectContext was resolved from. It
// is empty for a context built with NewResolverWithContext against no
// filesystem path, in which case gitToplevel simply returns "".
func (r *Resolver) localRoot() string {
	return r.workingDir
}

func isRegisterable(projectID string) bool {
	return strings.Contains(projectID, "/") && projectID != defaultProjectID
}
