package mcp

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeloom/codeloom/internal/repo"
	"github.com/codeloom/codeloom/internal/vcs"
)

const defaultSearchLimit = 20

// VcsInput defines the input schema for the vcs tool. One of RepoPath or
// RepoID must resolve to a filesystem path; RepoPath wins when both are set.
type VcsInput struct {
	Action         string   `json:"action" jsonschema:"one of: list_repositories, index_repository, compare_branches, search_branch, analyze_impact"`
	RepoPath       string   `json:"repo_path,omitempty" jsonschema:"filesystem path to the repository"`
	RepoID         string   `json:"repo_id,omitempty" jsonschema:"a previously registered repository id"`
	Branches       []string `json:"branches,omitempty" jsonschema:"branches to register when indexing; defaults to the current HEAD branch"`
	IncludeCommits bool     `json:"include_commits,omitempty" jsonschema:"also count commit history per branch when indexing"`
	BaseBranch     string   `json:"base_branch,omitempty" jsonschema:"base ref for compare/impact actions, default main"`
	TargetBranch   string   `json:"target_branch,omitempty" jsonschema:"head ref for compare/impact/search actions, default HEAD"`
	Query          string   `json:"query,omitempty" jsonschema:"search term for search_branch"`
	Limit          int      `json:"limit,omitempty" jsonschema:"maximum matches/results to return, default 20"`
}

// VcsOutput is a free-form result bag: its shape depends on Action, mirroring
// the original tool's per-action response structs without needing a Go
// union type.
type VcsOutput map[string]any

// mcpVcsHandler is the MCP SDK handler for the vcs tool.
func (s *Server) mcpVcsHandler(ctx context.Context, _ *mcp.CallToolRequest, input VcsInput) (
	result *mcp.CallToolResult,
	output VcsOutput,
	err error,
) {
	start := time.Now()
	defer func() { s.recordToolCall("vcs", start, err) }()

	output, err = s.handleVcsTool(ctx, input)
	if err != nil {
		err = MapError(err)
		return nil, nil, err
	}
	return nil, output, nil
}

func (s *Server) handleVcsTool(ctx context.Context, input VcsInput) (VcsOutput, error) {
	s.mu.RLock()
	repos := s.repos
	s.mu.RUnlock()
	if repos == nil {
		return nil, ErrResourceNotFound
	}

	switch input.Action {
	case "list_repositories":
		return s.vcsListRepositories(ctx, repos)
	case "index_repository":
		return s.vcsIndexRepository(ctx, repos, input)
	case "compare_branches":
		return s.vcsCompareBranches(ctx, repos, input)
	case "search_branch":
		return s.vcsSearchBranch(ctx, repos, input)
	case "analyze_impact":
		return s.vcsAnalyzeImpact(ctx, repos, input)
	default:
		return nil, NewInvalidParamsError(fmt.Sprintf("unknown vcs action %q", input.Action))
	}
}

func (s *Server) vcsListRepositories(ctx context.Context, repos VcsEntityStore) (VcsOutput, error) {
	all, err := repos.ListRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	names := make([]string, 0, len(all))
	for _, r := range all {
		names = append(names, r.Name)
	}
	return VcsOutput{"repositories": names, "count": len(names)}, nil
}

func (s *Server) vcsIndexRepository(ctx context.Context, repos VcsEntityStore, input VcsInput) (VcsOutput, error) {
	path, mcpErr := s.resolveRepoPath(ctx, repos, input)
	if mcpErr != nil {
		return nil, mcpErr
	}

	gitRepo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", path, err)
	}

	head, err := gitRepo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	defaultBranch := head.Name().Short()

	branches := input.Branches
	if len(branches) == 0 {
		branches = []string{defaultBranch}
	}

	totalFiles := 0
	commitsIndexed := 0
	for _, branch := range branches {
		tree, err := branchTree(gitRepo, branch)
		if err != nil {
			return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
		}
		n, err := countTreeFiles(tree)
		if err != nil {
			return nil, fmt.Errorf("list files in branch %s: %w", branch, err)
		}
		totalFiles += n

		if input.IncludeCommits {
			hash, err := resolveRef(gitRepo, branch)
			if err != nil {
				continue
			}
			commits, err := gitRepo.Log(&git.LogOptions{From: hash})
			if err != nil {
				continue
			}
			count := 0
			_ = commits.ForEach(func(*object.Commit) error {
				count++
				if count >= 1000 {
					return fmt.Errorf("stop")
				}
				return nil
			})
			commitsIndexed += count
		}
	}

	repoID, err := s.ensureRepositoryRegistered(ctx, repos, path, defaultBranch)
	if err != nil {
		return nil, err
	}

	out := VcsOutput{
		"repository_id":   repoID,
		"path":            path,
		"default_branch":  defaultBranch,
		"branches_found":  branches,
		"total_files":     totalFiles,
		"commits_indexed": commitsIndexed,
	}

	s.mu.RLock()
	vcsIndexer := s.vcsIndexer
	s.mu.RUnlock()
	if vcsIndexer != nil {
		result, err := vcsIndexer.Index(ctx, path, vcs.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("vcs-aware index %s: %w", path, err)
		}
		out["collection"] = result.Collection
		out["files_indexed"] = result.FilesIndexed
		out["files_skipped"] = result.FilesSkipped
		out["submodules_indexed"] = len(result.Submodules)
		out["projects_detected"] = len(result.Projects)
	}

	return out, nil
}

func (s *Server) vcsCompareBranches(ctx context.Context, repos VcsEntityStore, input VcsInput) (VcsOutput, error) {
	path, mcpErr := s.resolveRepoPath(ctx, repos, input)
	if mcpErr != nil {
		return nil, mcpErr
	}
	base := orDefault(input.BaseBranch, "main")
	head := orDefault(input.TargetBranch, "HEAD")

	baseTree, headTree, err := openAndDiffTrees(path, base, head)
	if err != nil {
		return nil, err
	}

	patch, err := baseTree.Patch(headTree)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", base, head, err)
	}

	files, additions, deletions := summarizePatch(patch)

	return VcsOutput{
		"base_branch":   base,
		"head_branch":   head,
		"files_changed": len(files),
		"additions":     additions,
		"deletions":     deletions,
		"files":         files,
	}, nil
}

func (s *Server) vcsAnalyzeImpact(ctx context.Context, repos VcsEntityStore, input VcsInput) (VcsOutput, error) {
	path, mcpErr := s.resolveRepoPath(ctx, repos, input)
	if mcpErr != nil {
		return nil, mcpErr
	}
	base := orDefault(input.BaseBranch, "main")
	head := orDefault(input.TargetBranch, "HEAD")

	baseTree, headTree, err := openAndDiffTrees(path, base, head)
	if err != nil {
		return nil, err
	}

	patch, err := baseTree.Patch(headTree)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", base, head, err)
	}

	files, additions, deletions := summarizePatch(patch)

	added, modified, deleted := 0, 0, 0
	impacted := make([]map[string]any, 0, len(files))
	for _, f := range files {
		status := f["status"].(string)
		switch status {
		case "added":
			added++
		case "deleted":
			deleted++
		default:
			modified++
		}
		impacted = append(impacted, map[string]any{
			"path":   f["path"],
			"status": status,
			"impact": f["additions"].(int) + f["deletions"].(int),
		})
	}

	totalChanges := additions + deletions
	impactScore := math.Log1p(float64(len(files)))*10.0 + math.Log1p(float64(totalChanges))*5.0
	if impactScore > 100 {
		impactScore = 100
	}

	return VcsOutput{
		"base_ref":     base,
		"head_ref":     head,
		"impact_score": impactScore,
		"summary": map[string]any{
			"total_files":   len(files),
			"added":         added,
			"modified":      modified,
			"deleted":       deleted,
			"total_changes": totalChanges,
		},
		"impacted_files": impacted,
	}, nil
}

func (s *Server) vcsSearchBranch(ctx context.Context, repos VcsEntityStore, input VcsInput) (VcsOutput, error) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, NewInvalidParamsError("query is required for search_branch")
	}
	path, mcpErr := s.resolveRepoPath(ctx, repos, input)
	if mcpErr != nil {
		return nil, mcpErr
	}
	branch := orDefault(input.TargetBranch, "main")
	limit := input.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	gitRepo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", path, err)
	}
	tree, err := branchTree(gitRepo, branch)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	type match struct {
		Path    string `json:"path"`
		Line    int    `json:"line"`
		Snippet string `json:"snippet"`
	}
	var matches []match
	lowerQuery := strings.ToLower(query)

	files := tree.Files()
	defer files.Close()
	err = files.ForEach(func(f *object.File) error {
		if len(matches) >= limit {
			return fmt.Errorf("stop")
		}
		content, err := f.Contents()
		if err != nil {
			return nil // binary or unreadable, skip
		}
		for i, line := range strings.Split(content, "\n") {
			if strings.Contains(strings.ToLower(line), lowerQuery) {
				matches = append(matches, match{Path: f.Name, Line: i + 1, Snippet: strings.TrimSpace(line)})
				if len(matches) >= limit {
					break
				}
			}
		}
		return nil
	})
	if err != nil && len(matches) < limit {
		return nil, fmt.Errorf("walk branch %s files: %w", branch, err)
	}

	return VcsOutput{
		"repository_id": input.RepoID,
		"branch":        branch,
		"query":         query,
		"count":         len(matches),
		"results":       matches,
	}, nil
}

// --- helpers ---

// resolveRepoPath resolves a filesystem path from RepoPath or, failing
// that, by looking RepoID up in the repository store.
func (s *Server) resolveRepoPath(ctx context.Context, repos VcsEntityStore, input VcsInput) (string, error) {
	if input.RepoPath != "" {
		return input.RepoPath, nil
	}
	if input.RepoID == "" {
		return "", NewInvalidParamsError("repo_path or repo_id is required")
	}
	if repos == nil {
		return "", NewResourceNotFoundError(input.RepoID)
	}
	r, err := repos.GetRepository(ctx, input.RepoID)
	if err != nil {
		return "", fmt.Errorf("look up repository %s: %w", input.RepoID, err)
	}
	if r == nil {
		return "", NewInvalidParamsError(fmt.Sprintf("repository not found: %s", input.RepoID))
	}
	return r.LocalPath, nil
}

// ensureRepositoryRegistered resolves path's project_id via repo.Resolver —
// auto-registering the repository (and, for submodules, its superproject)
// if none exists yet — then persists the default branch. Non-registerable
// identifiers (a bare directory name with no remote, or "default") are
// resolved but never persisted, per Resolver.ResolveAndRegister, so no
// Repository row exists to return an ID for.
func (s *Server) ensureRepositoryRegistered(ctx context.Context, repos VcsEntityStore, path, defaultBranch string) (string, error) {
	resolver := repo.NewResolver(repos, path)
	projectID, err := resolver.ResolveAndRegister(ctx, "default")
	if err != nil {
		return "", fmt.Errorf("resolve and register repository: %w", err)
	}

	repository, err := repos.FindRepositoryByURL(ctx, "default", projectID)
	if err != nil {
		return "", fmt.Errorf("look up registered repository: %w", err)
	}
	if repository == nil {
		return "", nil
	}

	if defaultBranch != "" {
		if err := s.ensureDefaultBranch(ctx, repos, repository.ID, defaultBranch); err != nil {
			return "", err
		}
	}

	return repository.ID, nil
}

// ensureDefaultBranch persists name as repositoryID's default branch unless
// it's already recorded, keeping repeated index_repository calls idempotent.
func (s *Server) ensureDefaultBranch(ctx context.Context, repos VcsEntityStore, repositoryID, name string) error {
	branches, err := repos.ListBranches(ctx, repositoryID)
	if err != nil {
		return fmt.Errorf("list branches: %w", err)
	}
	for _, b := range branches {
		if b.Name == name && b.IsDefault {
			return nil
		}
	}
	return repos.SaveBranch(ctx, &repo.Branch{
		ID:           uuid.NewString(),
		RepositoryID: repositoryID,
		Name:         name,
		IsDefault:    true,
	})
}

func branchTree(r *git.Repository, branch string) (*object.Tree, error) {
	hash, err := resolveRef(r, branch)
	if err != nil {
		return nil, err
	}
	commit, err := r.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("commit object for %s: %w", branch, err)
	}
	return commit.Tree()
}

// resolveRef resolves a branch name, "HEAD", a tag, or a short commit hash
// to a concrete commit hash.
func resolveRef(r *git.Repository, name string) (plumbing.Hash, error) {
	if name == "HEAD" {
		head, err := r.Head()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return head.Hash(), nil
	}
	if ref, err := r.Reference(plumbing.NewBranchReferenceName(name), true); err == nil {
		return ref.Hash(), nil
	}
	hash, err := r.ResolveRevision(plumbing.Revision(name))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", name, err)
	}
	return *hash, nil
}

func countTreeFiles(t *object.Tree) (int, error) {
	count := 0
	iter := t.Files()
	defer iter.Close()
	err := iter.ForEach(func(*object.File) error {
		count++
		return nil
	})
	return count, err
}

func openAndDiffTrees(path, base, head string) (*object.Tree, *object.Tree, error) {
	gitRepo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, nil, fmt.Errorf("open repository at %s: %w", path, err)
	}
	baseTree, err := branchTree(gitRepo, base)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve base %s: %w", base, err)
	}
	headTree, err := branchTree(gitRepo, head)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve head %s: %w", head, err)
	}
	return baseTree, headTree, nil
}

// summarizePatch flattens a tree patch into per-file change records plus
// aggregate addition/deletion counts.
func summarizePatch(patch *object.Patch) ([]map[string]any, int, int) {
	stats := patch.Stats()
	byName := make(map[string]object.FileStat, len(stats))
	for _, st := range stats {
		byName[st.Name] = st
	}

	var files []map[string]any
	totalAdd, totalDel := 0, 0
	for _, fp := range patch.FilePatches() {
		from, to := fp.Files()
		status := "modified"
		var path string
		switch {
		case from == nil && to != nil:
			status = "added"
			path = to.Path()
		case to == nil && from != nil:
			status = "deleted"
			path = from.Path()
		case to != nil:
			path = to.Path()
		}
		st := byName[path]
		totalAdd += st.Addition
		totalDel += st.Deletion
		files = append(files, map[string]any{
			"path":      path,
			"status":    status,
			"additions": st.Addition,
			"deletions": st.Deletion,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i]["path"].(string) < files[j]["path"].(string) })
	return files, totalAdd, totalDel
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
