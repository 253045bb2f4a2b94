package vcs

import (
	"context"

	"github.com/codeloom/codeloom/internal/config"
	"github.com/codeloom/codeloom/internal/scanner"
)

// SubmoduleCollector discovers git submodules beneath a repository root, up
// to a caller-specified recursion depth.
type SubmoduleCollector interface {
	Collect(ctx context.Context, repoPath, parentID string, maxDepth int) ([]scanner.SubmoduleInfo, error)
}

// gitmodulesCollector adapts scanner.DiscoverSubmodules (the teacher's own
// .gitmodules parser and recursive walk) into a depth-bounded collector.
// Submodule discovery here is always-on: depth is the caller's only lever
// (maxDepth == 0 means "don't call this at all"), so Enabled is forced true
// and Recursive is derived from whether more than one level was requested.
type gitmodulesCollector struct {
	include []string
	exclude []string
}

// NewSubmoduleCollector creates a collector that walks .gitmodules files the
// same way scanner.DiscoverSubmodules does, filtered by include/exclude
// glob patterns.
func NewSubmoduleCollector(include, exclude []string) SubmoduleCollector {
	return &gitmodulesCollector{include: include, exclude: exclude}
}

func (c *gitmodulesCollector) Collect(_ context.Context, repoPath, _ string, maxDepth int) ([]scanner.SubmoduleInfo, error) {
	if maxDepth <= 0 {
		return nil, nil
	}

	cfg := config.SubmoduleConfig{
		Enabled:   true,
		Recursive: maxDepth > 1,
		Include:   c.include,
		Exclude:   c.exclude,
	}

	all, err := scanner.DiscoverSubmodules(repoPath, cfg)
	if err != nil {
		return nil, err
	}
	return depthFilter(all, maxDepth), nil
}

// depthFilter drops submodules nested deeper than maxDepth path segments,
// since scanner.DiscoverSubmodules has no depth parameter of its own (only
// an on/off Recursive flag).
func depthFilter(all []scanner.SubmoduleInfo, maxDepth int) []scanner.SubmoduleInfo {
	if maxDepth <= 0 {
		return nil
	}
	var out []scanner.SubmoduleInfo
	for _, sm := range all {
		if pathDepth(sm.Path) <= maxDepth {
			out = append(out, sm)
		}
	}
	return out
}

func pathDepth(path string) int {
	depth := 1
	for _, r := range path {
		if r == '/' {
			depth++
		}
	}
	return depth
}
