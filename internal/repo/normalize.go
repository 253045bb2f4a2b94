package repo

import "strings"

// NormalizeRepoURL strips a trailing ".git" suffix, lowercases the host
// component, and folds away the scheme, so that "https://Github.com/foo/bar.git",
// "git@github.com:foo/bar.git", and "github.com/foo/bar" all normalize to
// the same project_id.
func NormalizeRepoURL(url string) string {
	u := strings.TrimSpace(url)
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")

	switch {
	case strings.Contains(u, "://"):
		if i := strings.Index(u, "://"); i >= 0 {
			u = u[i+3:]
		}
	case strings.HasPrefix(u, "git@"):
		u = strings.TrimPrefix(u, "git@")
		u = strings.Replace(u, ":", "/", 1)
	}

	// Strip userinfo@ if present (e.g. "user@host/path" from an https URL).
	if i := strings.Index(u, "@"); i >= 0 && strings.Contains(u, "/") && i < strings.Index(u, "/") {
		u = u[i+1:]
	}

	slash := strings.Index(u, "/")
	if slash < 0 {
		return strings.ToLower(u)
	}
	host := strings.ToLower(u[:slash])
	return host + u[slash:]
}
