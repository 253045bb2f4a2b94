// Package vcs implements repository-shaped indexing: submodule discovery,
// project-type detection, and incremental-vs-full file hashing on top of a
// plain directory walk.
package vcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Options configures one VCS-aware indexing run. Submodule discovery is
// always performed when present; SubmoduleDepth only controls how far the
// walk recurses (0 skips submodules entirely), matching the original
// design's decision to make automatic detection non-optional.
type Options struct {
	SubmoduleDepth int
	DetectProjects bool
	Incremental    bool
	Collection     string
}

// DefaultOptions mirrors the original's defaults: two levels of submodule
// recursion, project detection and incremental indexing both on.
func DefaultOptions() Options {
	return Options{
		SubmoduleDepth: 2,
		DetectProjects: true,
		Incremental:    true,
	}
}

// DetectedProject is one project manifest found while indexing, unassigned
// a persistence ID until the caller chooses to save it.
type DetectedProject struct {
	ID           string
	Path         string
	ProjectType  ProjectType
	ParentRepoID string
}

// SubmoduleIndexResult is the outcome of indexing one discovered submodule.
type SubmoduleIndexResult struct {
	Path         string
	Collection   string
	FilesIndexed int
	FilesSkipped int
	Projects     []ProjectType
}

// Result is the outcome of one Index call across the root repository and
// any submodules it contains.
type Result struct {
	Collection   string
	FilesIndexed int
	FilesSkipped int
	Submodules   []SubmoduleIndexResult
	Projects     []DetectedProject
	Duration     time.Duration
}

// Indexer orchestrates submodule-aware, project-detecting, incrementally
// hashed repository indexing.
type Indexer struct {
	submodules SubmoduleCollector
	detector   *ProjectDetector
	hashes     FileHashStore
}

// NewIndexer wires a submodule collector, project detector, and file hash
// store into a VCS-aware indexer.
func NewIndexer(submodules SubmoduleCollector, detector *ProjectDetector, hashes FileHashStore) *Indexer {
	return &Indexer{submodules: submodules, detector: detector, hashes: hashes}
}

// Index walks repoPath (and, if requested, its submodules), recording
// project detections and file hashes, and returns a summary of what was
// indexed, skipped, and discovered.
func (idx *Indexer) Index(ctx context.Context, repoPath string, opts Options) (*Result, error) {
	start := time.Now()

	collection := opts.Collection
	if collection == "" {
		collection = deriveCollectionName(repoPath)
	}

	var projects []DetectedProject
	if opts.DetectProjects {
		for _, pt := range idx.detector.DetectAll(repoPath) {
			projects = append(projects, DetectedProject{
				ID:          uuid.NewString(),
				Path:        ".",
				ProjectType: pt,
			})
		}
	}

	filesIndexed, filesSkipped, err := idx.indexDirectory(ctx, repoPath, collection, opts.Incremental)
	if err != nil {
		return nil, fmt.Errorf("index root directory: %w", err)
	}

	var submoduleResults []SubmoduleIndexResult
	if opts.SubmoduleDepth > 0 {
		repoID := deriveRepoID(repoPath)

		submodules, err := idx.submodules.Collect(ctx, repoPath, repoID, opts.SubmoduleDepth)
		if err != nil {
			return nil, fmt.Errorf("collect submodules: %w", err)
		}

		for _, sm := range submodules {
			subPath := filepath.Join(repoPath, sm.Path)
			if _, statErr := os.Stat(subPath); statErr != nil {
				slog.Warn("submodule path does not exist, skipping", slog.String("path", sm.Path))
				continue
			}

			subCollection := collection + "/" + strings.ReplaceAll(sm.Path, "/", "-")

			var subProjects []ProjectType
			if opts.DetectProjects {
				subProjects = idx.detector.DetectAll(subPath)
			}
			for _, pt := range subProjects {
				projects = append(projects, DetectedProject{
					ID:           uuid.NewString(),
					Path:         sm.Path,
					ProjectType:  pt,
					ParentRepoID: repoID,
				})
			}

			subIndexed, subSkipped, err := idx.indexDirectory(ctx, subPath, subCollection, opts.Incremental)
			if err != nil {
				return nil, fmt.Errorf("index submodule %s: %w", sm.Path, err)
			}

			submoduleResults = append(submoduleResults, SubmoduleIndexResult{
				Path:         sm.Path,
				Collection:   subCollection,
				FilesIndexed: subIndexed,
				FilesSkipped: subSkipped,
				Projects:     subProjects,
			})
		}
	}

	return &Result{
		Collection:   collection,
		FilesIndexed: filesIndexed,
		FilesSkipped: filesSkipped,
		Submodules:   submoduleResults,
		Projects:     projects,
		Duration:     time.Since(start),
	}, nil
}

func (idx *Indexer) indexDirectory(ctx context.Context, path, collection string, incremental bool) (indexed, skipped int, err error) {
	if incremental {
		return idx.indexDirectoryIncremental(ctx, path, collection)
	}
	return idx.indexDirectoryFull(ctx, path, collection)
}

func (idx *Indexer) indexDirectoryIncremental(ctx context.Context, path, collection string) (indexed, skipped int, err error) {
	previouslyIndexed, err := idx.hashes.GetIndexedFiles(ctx, collection)
	if err != nil {
		return 0, 0, err
	}
	previous := make(map[string]struct{}, len(previouslyIndexed))
	for _, p := range previouslyIndexed {
		previous[p] = struct{}{}
	}

	current := make(map[string]struct{})

	walkErr := walkFiles(path, func(relPath, absPath string) error {
		current[relPath] = struct{}{}

		hash, hashErr := computeHash(absPath)
		if hashErr != nil {
			slog.Warn("failed to hash file", slog.String("path", relPath), slog.Any("error", hashErr))
			return nil
		}

		changed, err := idx.hashes.HasChanged(ctx, collection, relPath, hash)
		if err != nil {
			return err
		}
		if changed {
			if err := idx.hashes.UpsertHash(ctx, collection, relPath, hash); err != nil {
				return err
			}
			indexed++
		} else {
			skipped++
		}
		return nil
	})
	if walkErr != nil {
		return 0, 0, walkErr
	}

	for oldPath := range previous {
		if _, stillPresent := current[oldPath]; !stillPresent {
			if err := idx.hashes.MarkDeleted(ctx, collection, oldPath); err != nil {
				return indexed, skipped, err
			}
		}
	}

	return indexed, skipped, nil
}

func (idx *Indexer) indexDirectoryFull(ctx context.Context, path, collection string) (indexed, skipped int, err error) {
	walkErr := walkFiles(path, func(relPath, absPath string) error {
		hash, hashErr := computeHash(absPath)
		if hashErr != nil {
			return nil
		}
		if err := idx.hashes.UpsertHash(ctx, collection, relPath, hash); err != nil {
			return err
		}
		indexed++
		return nil
	})
	return indexed, 0, walkErr
}

// walkFiles walks root, skipping the same directory names the original
// indexer skips, and invokes fn with each file's path relative to root and
// its absolute path.
func walkFiles(root string, fn func(relPath, absPath string) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && shouldSkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			rel = p
		}
		return fn(rel, p)
	})
}

// shouldSkipDir reports whether a directory name should be excluded from
// the VCS indexer's walk.
func shouldSkipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "target", "__pycache__", ".venv", "venv", "build", "dist", ".idea", ".vscode":
		return true
	default:
		return false
	}
}

func deriveCollectionName(path string) string {
	name := filepath.Base(filepath.Clean(path))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "default"
	}
	return name
}

// deriveRepoID is a placeholder identity for linking submodule detections
// to their parent, same as the original's own placeholder (a real commit
// hash would be sturdier, but collection naming already keys on this).
func deriveRepoID(path string) string {
	return deriveCollectionName(path)
}

func computeHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
