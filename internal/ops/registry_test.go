package ops

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_StartAndProgress(t *testing.T) {
	r := NewRegistry()
	id := r.Start("repo1", 10)
	require.NotEmpty(t, id)

	op, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusStarting, op.Status)
	assert.Equal(t, 10, op.TotalFiles)

	r.UpdateProgress(id, 5, "main.go")
	op, _ = r.Get(id)
	assert.Equal(t, StatusInProgress, op.Status)
	assert.Equal(t, 5, op.ProcessedFiles)
	assert.Equal(t, "main.go", op.CurrentFile)
}

func TestRegistry_CompleteIsTerminal(t *testing.T) {
	r := NewRegistry()
	id := r.Start("repo1", 3)
	r.Complete(id)

	op, _ := r.Get(id)
	assert.Equal(t, StatusCompleted, op.Status)
	assert.Equal(t, 3, op.ProcessedFiles)

	// Further updates are no-ops once terminal.
	r.UpdateProgress(id, 1, "ignored.go")
	op, _ = r.Get(id)
	assert.Equal(t, StatusCompleted, op.Status)
	assert.Equal(t, 3, op.ProcessedFiles)
}

func TestRegistry_FailIsTerminal(t *testing.T) {
	r := NewRegistry()
	id := r.Start("repo1", 3)
	r.Fail(id, "disk full")

	op, _ := r.Get(id)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, "disk full", op.ErrorMessage)

	r.Complete(id)
	op, _ = r.Get(id)
	assert.Equal(t, StatusFailed, op.Status, "terminal state must not be overwritten")
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("does-not-exist")
	assert.False(t, ok)
}

func TestRegistry_ListMostRecentFirst(t *testing.T) {
	r := NewRegistry()
	first := r.Start("repo1", 1)
	time.Sleep(2 * time.Millisecond)
	second := r.Start("repo2", 1)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)
	assert.Equal(t, first, list[1].ID)
}

func TestRegistry_ReclaimOnlyTerminal(t *testing.T) {
	r := NewRegistry()
	running := r.Start("repo1", 1)
	done := r.Start("repo2", 1)
	r.Complete(done)

	removed := r.Reclaim(0)
	assert.Equal(t, 1, removed)

	_, stillTracked := r.Get(running)
	assert.True(t, stillTracked)
	_, reclaimed := r.Get(done)
	assert.False(t, reclaimed)
}
