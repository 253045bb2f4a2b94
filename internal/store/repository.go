package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codeloom/codeloom/internal/repo"
)

var _ repo.Store = (*SQLiteStore)(nil)

// FindRepositoryByURL looks up a registered repository by its normalized
// remote URL within an org, or nil if none is registered yet.
func (s *SQLiteStore) FindRepositoryByURL(ctx context.Context, orgID, url string) (*repo.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, project_id, name, url, local_path, vcs_type, created_at, updated_at
		FROM repositories WHERE org_id = ? AND url = ?`, orgID, url)

	var r repo.Repository
	var vcsType string
	var createdAt, updatedAt int64
	err := row.Scan(&r.ID, &r.OrgID, &r.ProjectID, &r.Name, &r.URL, &r.LocalPath, &vcsType, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.VcsType = repo.VcsType(vcsType)
	r.CreatedAt = unixToTime(createdAt)
	r.UpdatedAt = unixToTime(updatedAt)
	return &r, nil
}

// CreateRepository registers a new repository row. Unique on
// (org_id, project_id, name) — a collision is a programmer error, since
// the resolver always checks FindRepositoryByURL first.
func (s *SQLiteStore) CreateRepository(ctx context.Context, r *repo.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories(id, org_id, project_id, name, url, local_path, vcs_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrgID, r.ProjectID, r.Name, r.URL, r.LocalPath, string(r.VcsType),
		timeToUnix(r.CreatedAt), timeToUnix(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	return nil
}

// EnsureOrgAndProject guarantees a projects row exists for projectID so
// that files/chunks and the repositories table can reference it. There is
// no separate organizations table; org scoping lives entirely on the
// repositories row.
func (s *SQLiteStore) EnsureOrgAndProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects(id, name, root_path, chunk_count, file_count, indexed_at)
		VALUES (?, ?, '', 0, 0, 0)
		ON CONFLICT(id) DO NOTHING`, projectID, projectID)
	return err
}

// UpdateRepository overwrites an existing repository row's mutable fields.
func (s *SQLiteStore) UpdateRepository(ctx context.Context, r *repo.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE repositories
		SET org_id = ?, project_id = ?, name = ?, url = ?, local_path = ?, vcs_type = ?, updated_at = ?
		WHERE id = ?`,
		r.OrgID, r.ProjectID, r.Name, r.URL, r.LocalPath, string(r.VcsType), timeToUnix(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update repository: %w", err)
	}
	return nil
}

// GetRepository fetches a single repository by ID, or nil if unknown.
func (s *SQLiteStore) GetRepository(ctx context.Context, id string) (*repo.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, project_id, name, url, local_path, vcs_type, created_at, updated_at
		FROM repositories WHERE id = ?`, id)

	var r repo.Repository
	var vcsType string
	var createdAt, updatedAt int64
	err := row.Scan(&r.ID, &r.OrgID, &r.ProjectID, &r.Name, &r.URL, &r.LocalPath, &vcsType, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.VcsType = repo.VcsType(vcsType)
	r.CreatedAt = unixToTime(createdAt)
	r.UpdatedAt = unixToTime(updatedAt)
	return &r, nil
}

// ListRepositories returns every registered repository, ordered by name.
func (s *SQLiteStore) ListRepositories(ctx context.Context) ([]*repo.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, project_id, name, url, local_path, vcs_type, created_at, updated_at
		FROM repositories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*repo.Repository
	for rows.Next() {
		var r repo.Repository
		var vcsType string
		var createdAt, updatedAt int64
		if err := rows.Scan(&r.ID, &r.OrgID, &r.ProjectID, &r.Name, &r.URL, &r.LocalPath, &vcsType, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		r.VcsType = repo.VcsType(vcsType)
		r.CreatedAt = unixToTime(createdAt)
		r.UpdatedAt = unixToTime(updatedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteRepository removes a repository row. Branches/worktrees referencing
// it are left for the caller to clean up explicitly (no cascading delete,
// matching the rest of the store's explicit-delete discipline).
func (s *SQLiteStore) DeleteRepository(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	return err
}

// --- Branch operations ---

func (s *SQLiteStore) SaveBranch(ctx context.Context, b *repo.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches(id, repository_id, name, is_default, head_commit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_default = excluded.is_default,
			head_commit = excluded.head_commit,
			updated_at = excluded.updated_at
	`, b.ID, b.RepositoryID, b.Name, boolToInt(b.IsDefault), b.HeadCommit,
		timeToUnix(b.CreatedAt), timeToUnix(b.UpdatedAt))
	return err
}

func (s *SQLiteStore) ListBranches(ctx context.Context, repositoryID string) ([]*repo.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repository_id, name, is_default, head_commit, created_at, updated_at
		FROM branches WHERE repository_id = ? ORDER BY name`, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*repo.Branch
	for rows.Next() {
		var b repo.Branch
		var isDefault int
		var createdAt, updatedAt int64
		var headCommit sql.NullString
		if err := rows.Scan(&b.ID, &b.RepositoryID, &b.Name, &isDefault, &headCommit, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		b.IsDefault = isDefault != 0
		b.HeadCommit = headCommit.String
		b.CreatedAt = unixToTime(createdAt)
		b.UpdatedAt = unixToTime(updatedAt)
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteBranch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM branches WHERE id = ?`, id)
	return err
}

// GetBranch fetches a single branch by ID, or nil if unknown.
func (s *SQLiteStore) GetBranch(ctx context.Context, id string) (*repo.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, repository_id, name, is_default, head_commit, created_at, updated_at
		FROM branches WHERE id = ?`, id)

	var b repo.Branch
	var isDefault int
	var createdAt, updatedAt int64
	var headCommit sql.NullString
	err := row.Scan(&b.ID, &b.RepositoryID, &b.Name, &isDefault, &headCommit, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.IsDefault = isDefault != 0
	b.HeadCommit = headCommit.String
	b.CreatedAt = unixToTime(createdAt)
	b.UpdatedAt = unixToTime(updatedAt)
	return &b, nil
}

// --- Worktree operations ---

func (s *SQLiteStore) SaveWorktree(ctx context.Context, w *repo.Worktree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees(id, repository_id, branch_id, path, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET branch_id = excluded.branch_id, path = excluded.path
	`, w.ID, w.RepositoryID, w.BranchID, w.Path, timeToUnix(w.CreatedAt))
	return err
}

func (s *SQLiteStore) ListWorktrees(ctx context.Context, repositoryID string) ([]*repo.Worktree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repository_id, branch_id, path, created_at
		FROM worktrees WHERE repository_id = ? ORDER BY created_at`, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*repo.Worktree
	for rows.Next() {
		var w repo.Worktree
		var createdAt int64
		if err := rows.Scan(&w.ID, &w.RepositoryID, &w.BranchID, &w.Path, &createdAt); err != nil {
			return nil, err
		}
		w.CreatedAt = unixToTime(createdAt)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteWorktree(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, id)
	return err
}

// GetWorktree fetches a single worktree by ID, or nil if unknown.
func (s *SQLiteStore) GetWorktree(ctx context.Context, id string) (*repo.Worktree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, repository_id, branch_id, path, created_at
		FROM worktrees WHERE id = ?`, id)

	var w repo.Worktree
	var createdAt int64
	err := row.Scan(&w.ID, &w.RepositoryID, &w.BranchID, &w.Path, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.CreatedAt = unixToTime(createdAt)
	return &w, nil
}

// --- AgentWorktreeAssignment operations ---

func (s *SQLiteStore) AssignWorktree(ctx context.Context, a *repo.AgentWorktreeAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_worktree_assignments(id, worktree_id, agent_id, assigned_at, released_at)
		VALUES (?, ?, ?, ?, NULL)
	`, a.ID, a.WorktreeID, a.AgentID, timeToUnix(a.AssignedAt))
	return err
}

// ReleaseWorktree marks an assignment released. A no-op if already released.
func (s *SQLiteStore) ReleaseWorktree(ctx context.Context, assignmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_worktree_assignments SET released_at = ?
		WHERE id = ? AND released_at IS NULL
	`, timeToUnix(time.Now()), assignmentID)
	return err
}

func (s *SQLiteStore) ActiveAssignment(ctx context.Context, worktreeID string) (*repo.AgentWorktreeAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, worktree_id, agent_id, assigned_at, released_at
		FROM agent_worktree_assignments
		WHERE worktree_id = ? AND released_at IS NULL
		ORDER BY assigned_at DESC LIMIT 1`, worktreeID)

	var a repo.AgentWorktreeAssignment
	var assignedAt int64
	var releasedAt sql.NullInt64
	err := row.Scan(&a.ID, &a.WorktreeID, &a.AgentID, &assignedAt, &releasedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.AssignedAt = unixToTime(assignedAt)
	if releasedAt.Valid {
		t := unixToTime(releasedAt.Int64)
		a.ReleasedAt = &t
	}
	return &a, nil
}

// GetAssignment fetches a single assignment by ID, or nil if unknown.
func (s *SQLiteStore) GetAssignment(ctx context.Context, id string) (*repo.AgentWorktreeAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, worktree_id, agent_id, assigned_at, released_at
		FROM agent_worktree_assignments WHERE id = ?`, id)

	var a repo.AgentWorktreeAssignment
	var assignedAt int64
	var releasedAt sql.NullInt64
	err := row.Scan(&a.ID, &a.WorktreeID, &a.AgentID, &assignedAt, &releasedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.AssignedAt = unixToTime(assignedAt)
	if releasedAt.Valid {
		t := unixToTime(releasedAt.Int64)
		a.ReleasedAt = &t
	}
	return &a, nil
}

// ListAssignmentsByWorktree returns every assignment ever made against
// worktreeID, most recent first.
func (s *SQLiteStore) ListAssignmentsByWorktree(ctx context.Context, worktreeID string) ([]*repo.AgentWorktreeAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, worktree_id, agent_id, assigned_at, released_at
		FROM agent_worktree_assignments WHERE worktree_id = ? ORDER BY assigned_at DESC`, worktreeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*repo.AgentWorktreeAssignment
	for rows.Next() {
		var a repo.AgentWorktreeAssignment
		var assignedAt int64
		var releasedAt sql.NullInt64
		if err := rows.Scan(&a.ID, &a.WorktreeID, &a.AgentID, &assignedAt, &releasedAt); err != nil {
			return nil, err
		}
		a.AssignedAt = unixToTime(assignedAt)
		if releasedAt.Valid {
			t := unixToTime(releasedAt.Int64)
			a.ReleasedAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- DetectedProject operations ---

func (s *SQLiteStore) SaveDetectedProject(ctx context.Context, p *repo.DetectedProject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detected_projects(id, path, project_type, parent_repo_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET project_type = excluded.project_type
	`, p.ID, p.Path, p.ProjectType, nullableString(p.ParentRepoID))
	return err
}

func (s *SQLiteStore) ListDetectedProjects(ctx context.Context, parentRepoID string) ([]*repo.DetectedProject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, project_type, parent_repo_id
		FROM detected_projects WHERE parent_repo_id = ? ORDER BY path`, parentRepoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*repo.DetectedProject
	for rows.Next() {
		var p repo.DetectedProject
		var parent sql.NullString
		if err := rows.Scan(&p.ID, &p.Path, &p.ProjectType, &parent); err != nil {
			return nil, err
		}
		p.ParentRepoID = parent.String
		out = append(out, &p)
	}
	return out, rows.Err()
}

// --- ToolCallRecord audit log ---

// ToolCallRecord is a single MCP tool dispatch, written best-effort by the
// server's dispatch wrapper and never read by the core indexing/search path.
type ToolCallRecord struct {
	ID            string
	OrgID         string
	ProjectID     string
	RepoID        string
	SessionID     string
	ToolName      string
	ParamsSummary string
	Success       bool
	ErrorMessage  string
	DurationMs    int64
	CreatedAt     time.Time
}

func (s *SQLiteStore) RecordToolCall(ctx context.Context, r *ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls(id, org_id, project_id, repo_id, session_id, tool_name,
			params_summary, success, error_message, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, nullableString(r.OrgID), nullableString(r.ProjectID), nullableString(r.RepoID),
		nullableString(r.SessionID), r.ToolName, nullableString(r.ParamsSummary),
		boolToInt(r.Success), nullableString(r.ErrorMessage), r.DurationMs, timeToUnix(r.CreatedAt))
	return err
}

// RecentToolCalls returns the most recent limit tool-call records, newest
// first. Used by the doctor/stats CLI commands.
func (s *SQLiteStore) RecentToolCalls(ctx context.Context, limit int) ([]*ToolCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, project_id, repo_id, session_id, tool_name,
			params_summary, success, error_message, duration_ms, created_at
		FROM tool_calls ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ToolCallRecord
	for rows.Next() {
		var r ToolCallRecord
		var orgID, projectID, repoID, sessionID, paramsSummary, errMsg sql.NullString
		var success int
		var durationMs sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&r.ID, &orgID, &projectID, &repoID, &sessionID, &r.ToolName,
			&paramsSummary, &success, &errMsg, &durationMs, &createdAt); err != nil {
			return nil, err
		}
		r.OrgID, r.ProjectID, r.RepoID, r.SessionID = orgID.String, projectID.String, repoID.String, sessionID.String
		r.ParamsSummary, r.ErrorMessage = paramsSummary.String, errMsg.String
		r.Success = success != 0
		r.DurationMs = durationMs.Int64
		r.CreatedAt = unixToTime(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
