// Package ops tracks in-flight and recently finished indexing operations,
// generalizing the single-operation tracker in internal/async/status.go to
// the multi-operation registry spec.md's Indexing Service requires.
package ops

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Operation. Terminal states
// (Completed, Failed) are immutable once reached.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Operation is an immutable-field-on-terminal snapshot of one indexing run.
type Operation struct {
	ID             string
	Collection     string
	Status         Status
	TotalFiles     int
	ProcessedFiles int
	CurrentFile    string
	ErrorMessage   string
	StartedAt      time.Time
	UpdatedAt      time.Time
}

func (o Operation) isTerminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed
}

// Registry owns all Operation state; it is the exclusive mutator per
// spec.md §3's ownership table. Safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

// NewRegistry creates an empty operations registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Start creates a new operation in the Starting state and returns its ID.
func (r *Registry) Start(collection string, totalFiles int) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	now := time.Now()
	r.ops[id] = &Operation{
		ID:         id,
		Collection: collection,
		Status:     StatusStarting,
		TotalFiles: totalFiles,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	return id
}

// UpdateProgress advances processedFiles/currentFile for a running
// operation. A no-op if the operation is unknown or already terminal.
func (r *Registry) UpdateProgress(id string, processedFiles int, currentFile string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok || op.isTerminal() {
		return
	}
	op.Status = StatusInProgress
	op.ProcessedFiles = processedFiles
	op.CurrentFile = currentFile
	op.UpdatedAt = time.Now()
}

// Complete transitions an operation to Completed. A no-op if the operation
// is unknown or already terminal — terminal transitions happen once.
func (r *Registry) Complete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok || op.isTerminal() {
		return
	}
	op.Status = StatusCompleted
	op.ProcessedFiles = op.TotalFiles
	op.UpdatedAt = time.Now()
}

// Fail transitions an operation to Failed with the given error message.
// A no-op if the operation is unknown or already terminal.
func (r *Registry) Fail(id, errMessage string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok || op.isTerminal() {
		return
	}
	op.Status = StatusFailed
	op.ErrorMessage = errMessage
	op.UpdatedAt = time.Now()
}

// Get returns a copy of the operation's current state, or false if unknown.
func (r *Registry) Get(id string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.ops[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// List returns a snapshot of every tracked operation, most recently
// started first.
func (r *Registry) List() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, *op)
	}
	sortByStartedDesc(out)
	return out
}

// Reclaim drops terminal operations older than olderThan, freeing memory
// for long-lived servers. Non-terminal operations are never reclaimed.
func (r *Registry) Reclaim(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, op := range r.ops {
		if op.isTerminal() && op.UpdatedAt.Before(cutoff) {
			delete(r.ops, id)
			removed++
		}
	}
	return removed
}

func sortByStartedDesc(ops []Operation) {
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && ops[j].StartedAt.After(ops[j-1].StartedAt); j-- {
			ops[j], ops[j-1] = ops[j-1], ops[j]
		}
	}
}
