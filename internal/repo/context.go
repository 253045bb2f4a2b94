package repo

import (
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
)

// ProjectContext is derived once from the working directory's VCS root.
// ProjectID is the normalized remote URL, the directory name, or the
// literal string "default" as fallback, in that priority order.
type ProjectContext struct {
	ProjectID      string
	Name           string
	IsSubmodule    bool
	SuperprojectID string // only set when IsSubmodule is true
}

// defaultProjectID is returned when no VCS context and no usable directory
// name can be derived.
const defaultProjectID = "default"

// ResolveProjectContext derives a ProjectContext for the repository (or
// plain directory) rooted at path.
func ResolveProjectContext(path string) ProjectContext {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return fallbackContext(path)
	}

	remoteURL := firstRemoteURL(repo)
	if remoteURL == "" {
		return fallbackContext(path)
	}

	projectID := NormalizeRepoURL(remoteURL)
	ctx := ProjectContext{
		ProjectID: projectID,
		Name:      lastSegment(projectID),
	}

	if superURL, ok := superprojectRemote(path); ok {
		ctx.IsSubmodule = true
		ctx.SuperprojectID = NormalizeRepoURL(superURL)
	}
	return ctx
}

func fallbackContext(path string) ProjectContext {
	name := filepath.Base(path)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return ProjectContext{ProjectID: defaultProjectID, Name: defaultProjectID}
	}
	return ProjectContext{ProjectID: name, Name: name}
}

func firstRemoteURL(repo *git.Repository) string {
	remote, err := repo.Remote("origin")
	if err != nil {
		remotes, listErr := repo.Remotes()
		if listErr != nil || len(remotes) == 0 {
			return ""
		}
		remote = remotes[0]
	}
	cfg := remote.Config()
	if cfg == nil || len(cfg.URLs) == 0 {
		return ""
	}
	return cfg.URLs[0]
}

// superprojectRemote detects whether path is a git submodule checkout by
// walking up to the parent directory and checking whether it is itself a
// git worktree that lists path as a submodule.
func superprojectRemote(path string) (string, bool) {
	parent := filepath.Dir(path)
	if parent == path {
		return "", false
	}
	parentRepo, err := git.PlainOpenWithOptions(parent, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", false
	}
	wt, err := parentRepo.Worktree()
	if err != nil {
		return "", false
	}
	submodules, err := wt.Submodules()
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return "", false
	}
	for _, sm := range submodules {
		if filepath.Clean(sm.Config().Path) == filepath.Clean(rel) {
			url := sm.Config().URL
			if url != "" {
				return url, true
			}
		}
	}
	return firstRemoteURL(parentRepo), true
}

// gitToplevel shells out to `git rev-parse --show-toplevel`. This deliberately
// bypasses go-git: git's own binary is the authority on worktree-root
// resolution (submodule, worktree-linked, and bare-repo edge cases go-git
// does not fully replicate), so this one call is kept as a subprocess.
func gitToplevel(path string) string {
	cmd := exec.Command("git", "-C", path, "rev-parse", "--show-toplevel")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	toplevel := strings.TrimSpace(string(out))
	return toplevel
}

func lastSegment(s string) string {
	s = strings.TrimSuffix(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}
