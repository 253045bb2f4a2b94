package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestActor(t *testing.T) *VectorActor {
	t.Helper()
	a := NewVectorActor(DefaultVectorStoreConfig(4), 16)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestVectorActor_CreateCollectionIsIdempotent(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()

	require.NoError(t, a.CreateCollection(ctx, "repo1", DefaultVectorStoreConfig(4)))
	require.NoError(t, a.CreateCollection(ctx, "repo1", DefaultVectorStoreConfig(4)))

	exists, err := a.CollectionExists(ctx, "repo1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestVectorActor_InsertAndSearch(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	require.NoError(t, a.CreateCollection(ctx, "repo1", DefaultVectorStoreConfig(4)))

	ids, err := a.InsertVectors(ctx, "repo1",
		[]string{"chunk-1", "chunk-2"},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}},
		[]map[string]any{{"file_path": "a.go"}, {"file_path": "b.go"}},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk-1", "chunk-2"}, ids)

	results, err := a.SearchSimilar(ctx, "repo1", []float32{1, 0, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "chunk-1", results[0].ID)
}

func TestVectorActor_InsertDimensionMismatch(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	require.NoError(t, a.CreateCollection(ctx, "repo1", DefaultVectorStoreConfig(4)))

	_, err := a.InsertVectors(ctx, "repo1", []string{"c1"}, [][]float32{{1, 0}}, []map[string]any{{}})
	require.Error(t, err)
	var mismatch ErrDimensionMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestVectorActor_SearchMissingCollection(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()

	_, err := a.SearchSimilar(ctx, "missing", []float32{1, 0, 0, 0}, 1, nil)
	require.Error(t, err)
}

func TestVectorActor_DeleteVectorsIgnoresMissingIDs(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	require.NoError(t, a.CreateCollection(ctx, "repo1", DefaultVectorStoreConfig(4)))

	_, err := a.InsertVectors(ctx, "repo1", []string{"c1"}, [][]float32{{1, 0, 0, 0}}, []map[string]any{{}})
	require.NoError(t, err)

	err = a.DeleteVectors(ctx, "repo1", []string{"c1", "does-not-exist"})
	require.NoError(t, err)

	stats, err := a.GetStats(ctx, "repo1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ValidIDs)
}

func TestVectorActor_ListFilePaths(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	require.NoError(t, a.CreateCollection(ctx, "repo1", DefaultVectorStoreConfig(4)))

	_, err := a.InsertVectors(ctx, "repo1",
		[]string{"c1", "c2", "c3"},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}},
		[]map[string]any{{"file_path": "a.go"}, {"file_path": "a.go"}, {"file_path": "b.go"}},
	)
	require.NoError(t, err)

	paths, err := a.ListFilePaths(ctx, "repo1", 0)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "a.go", paths[0].FilePath)
	assert.Equal(t, 2, paths[0].Count)
	assert.Equal(t, "b.go", paths[1].FilePath)
	assert.Equal(t, 1, paths[1].Count)
}

func TestVectorActor_DeleteCollectionIsIdempotent(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	require.NoError(t, a.CreateCollection(ctx, "repo1", DefaultVectorStoreConfig(4)))
	require.NoError(t, a.DeleteCollection(ctx, "repo1"))
	require.NoError(t, a.DeleteCollection(ctx, "repo1"))

	exists, err := a.CollectionExists(ctx, "repo1")
	require.NoError(t, err)
	assert.False(t, exists)
}
