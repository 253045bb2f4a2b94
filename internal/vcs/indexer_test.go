package vcs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/codeloom/codeloom/internal/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHashStore struct {
	mu    sync.Mutex
	byKey map[string]string // collection\x00path -> hash
	state map[string]FileHashState
}

func newMemHashStore() *memHashStore {
	return &memHashStore{byKey: map[string]string{}, state: map[string]FileHashState{}}
}

func key(collection, path string) string { return collection + "\x00" + path }

func (m *memHashStore) GetIndexedFiles(_ context.Context, collection string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	prefix := collection + "\x00"
	for k, st := range m.state {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix && st == FileHashPresent {
			out = append(out, k[len(prefix):])
		}
	}
	return out, nil
}

func (m *memHashStore) HasChanged(_ context.Context, collection, path, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(collection, path)
	existing, ok := m.byKey[k]
	if !ok || m.state[k] != FileHashPresent {
		return true, nil
	}
	return existing != hash, nil
}

func (m *memHashStore) UpsertHash(_ context.Context, collection, path, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(collection, path)
	m.byKey[k] = hash
	m.state[k] = FileHashPresent
	return nil
}

func (m *memHashStore) MarkDeleted(_ context.Context, collection, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key(collection, path)] = FileHashTombstoned
	return nil
}

type noSubmodules struct{}

func (noSubmodules) Collect(context.Context, string, string, int) ([]scanner.SubmoduleInfo, error) {
	return nil, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestIndexer_FullIndexCountsEveryFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.go"), "package main")
	writeFile(t, filepath.Join(dir, "go.mod"), "module example.com/x\n")
	writeFile(t, filepath.Join(dir, "node_modules", "pkg", "index.js"), "ignored")

	hashes := newMemHashStore()
	idx := NewIndexer(noSubmodules{}, NewProjectDetector(), hashes)

	result, err := idx.Index(context.Background(), dir, Options{
		DetectProjects: true,
		Incremental:    false,
		Collection:     "myrepo",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.FilesIndexed, "node_modules excluded")
	assert.Equal(t, 0, result.FilesSkipped)
	require.Len(t, result.Projects, 1)
	assert.Equal(t, ProjectTypeGo, result.Projects[0].ProjectType)
}

func TestIndexer_IncrementalSkipsUnchangedAndTombstonesDeleted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.go"), "package a")
	writeFile(t, filepath.Join(dir, "b.go"), "package b")

	hashes := newMemHashStore()
	idx := NewIndexer(noSubmodules{}, NewProjectDetector(), hashes)
	ctx := context.Background()

	first, err := idx.Index(ctx, dir, Options{Incremental: true, Collection: "repo"})
	require.NoError(t, err)
	assert.Equal(t, 2, first.FilesIndexed)
	assert.Equal(t, 0, first.FilesSkipped)

	// Second pass: nothing changed, b.go deleted.
	require.NoError(t, os.Remove(filepath.Join(dir, "b.go")))

	second, err := idx.Index(ctx, dir, Options{Incremental: true, Collection: "repo"})
	require.NoError(t, err)
	assert.Equal(t, 0, second.FilesIndexed)
	assert.Equal(t, 1, second.FilesSkipped)

	remaining, err := hashes.GetIndexedFiles(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, remaining)
}

func TestIndexer_DeriveCollectionNameFallsBackToDefault(t *testing.T) {
	assert.Equal(t, "myrepo", deriveCollectionName("/home/user/myrepo"))
	assert.Equal(t, "default", deriveCollectionName("/"))
}

func TestShouldSkipDir(t *testing.T) {
	assert.True(t, shouldSkipDir(".git"))
	assert.True(t, shouldSkipDir("node_modules"))
	assert.False(t, shouldSkipDir("src"))
}
