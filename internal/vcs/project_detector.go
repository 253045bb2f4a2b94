package vcs

import (
	"os"
	"path/filepath"
)

// ProjectType names a recognized project manifest kind.
type ProjectType string

const (
	ProjectTypeGo     ProjectType = "go"
	ProjectTypeNode   ProjectType = "node"
	ProjectTypeRust   ProjectType = "rust"
	ProjectTypePython ProjectType = "python"
	ProjectTypeMaven  ProjectType = "maven"
)

// ProjectDetector recognizes which project manifests are present at a
// directory root. Unlike internal/mcp's single-best-guess ProjectDetector,
// DetectAll reports every manifest found, since one repository root (or one
// submodule) can legitimately mix several (a Go backend next to a Node
// frontend in the same directory).
type ProjectDetector struct{}

// NewProjectDetector creates a manifest-based project type detector.
func NewProjectDetector() *ProjectDetector {
	return &ProjectDetector{}
}

// DetectAll returns every ProjectType whose manifest file exists directly
// under path. Order is deterministic (Go, Node, Rust, Python, Maven).
func (d *ProjectDetector) DetectAll(path string) []ProjectType {
	var found []ProjectType

	if exists(path, "go.mod") {
		found = append(found, ProjectTypeGo)
	}
	if exists(path, "package.json") {
		found = append(found, ProjectTypeNode)
	}
	if exists(path, "Cargo.toml") {
		found = append(found, ProjectTypeRust)
	}
	if exists(path, "pyproject.toml") || exists(path, "setup.py") || exists(path, "requirements.txt") {
		found = append(found, ProjectTypePython)
	}
	if exists(path, "pom.xml") {
		found = append(found, ProjectTypeMaven)
	}

	return found
}

func exists(dir, name string) bool {
	info, err := os.Stat(filepath.Join(dir, name))
	return err == nil && !info.IsDir()
}
