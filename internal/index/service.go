package index

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codeloom/codeloom/internal/chunk"
	"github.com/codeloom/codeloom/internal/events"
	"github.com/codeloom/codeloom/internal/ops"
)

// progressUpdateInterval mirrors the original's PROGRESS_UPDATE_INTERVAL:
// publish a progress event only every N files, not on every single one.
const progressUpdateInterval = 20

var skipDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, "target": {}, "__pycache__": {},
	".venv": {}, "venv": {}, "build": {}, "dist": {}, ".idea": {}, ".vscode": {},
}

var supportedExtensions = map[string]struct{}{
	".go": {}, ".ts": {}, ".tsx": {}, ".js": {}, ".jsx": {}, ".py": {},
	".rs": {}, ".java": {}, ".c": {}, ".h": {}, ".cpp": {}, ".hpp": {},
	".md": {}, ".rb": {}, ".php": {},
}

// Result is the synchronous return of IndexCodebase: it reports that a
// background run was started, not its eventual outcome (poll GetStatus).
type Result struct {
	OperationID string
	Status      string
}

// Status mirrors the original's IndexingStatus snapshot: the single
// most-recently-started in-flight operation, or a zeroed default when the
// registry has nothing in flight.
type Status struct {
	IsIndexing     bool
	Progress       float64
	CurrentFile    string
	TotalFiles     int
	ProcessedFiles int
}

// Service orchestrates file discovery, chunking, and background indexing,
// tracking progress in an ops.Registry and publishing lifecycle events.
// It is the thin layer atop ContextService + chunk.Chunker the original
// calls IndexingServiceImpl.
type Service struct {
	context  *ContextService
	chunker  chunk.Chunker
	registry *ops.Registry
	bus      *events.Bus
}

// NewService wires a context service, chunker, operations registry, and
// event bus into an indexing service.
func NewService(context *ContextService, chunker chunk.Chunker, registry *ops.Registry, bus *events.Bus) *Service {
	return &Service{context: context, chunker: chunker, registry: registry, bus: bus}
}

// IndexCodebase initializes collection, discovers files under path, and
// returns immediately with a started operation ID — the actual chunk/embed/
// store work runs in a background goroutine.
func (s *Service) IndexCodebase(ctx context.Context, path, collection string) (*Result, error) {
	if err := s.context.Initialize(ctx, collection); err != nil {
		return nil, err
	}

	files := discoverFiles(path)
	totalFiles := len(files)

	opID := s.registry.Start(collection, totalFiles)
	s.bus.Publish(events.Event{
		Kind:        events.KindIndexStarted,
		OperationID: opID,
		Collection:  collection,
		Payload:     map[string]any{"total_files": totalFiles},
	})

	go s.runIndexingTask(context.Background(), files, collection, opID)

	return &Result{OperationID: opID, Status: "started"}, nil
}

// GetStatus reports the most recently started operation's progress, or a
// zero Status if nothing has ever run.
func (s *Service) GetStatus() Status {
	list := s.registry.List()
	if len(list) == 0 {
		return Status{}
	}
	op := list[0]
	total := op.TotalFiles
	if total == 0 {
		total = 1
	}
	return Status{
		IsIndexing:     op.Status == ops.StatusStarting || op.Status == ops.StatusInProgress,
		Progress:       float64(op.ProcessedFiles) / float64(total),
		CurrentFile:    op.CurrentFile,
		TotalFiles:     op.TotalFiles,
		ProcessedFiles: op.ProcessedFiles,
	}
}

// ClearCollection drops a collection's vectors entirely.
func (s *Service) ClearCollection(ctx context.Context, collection string) error {
	return s.context.ClearCollection(ctx, collection)
}

func (s *Service) runIndexingTask(ctx context.Context, files []string, collection, opID string) {
	start := time.Now()
	var chunksCreated, filesProcessed int
	var failed []string

	for i, path := range files {
		s.registry.UpdateProgress(opID, i, path)

		if i%progressUpdateInterval == 0 {
			s.bus.Publish(events.Event{
				Kind:        events.KindIndexProgress,
				OperationID: opID,
				Collection:  collection,
				Payload:     map[string]any{"processed": i, "total": len(files), "current_file": path},
			})
		}

		content, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("failed to read file during indexing", slog.String("path", path), slog.Any("error", err))
			failed = append(failed, path)
			continue
		}

		chunks, err := s.chunker.Chunk(ctx, &chunk.FileInput{Path: path, Content: content})
		if err != nil {
			slog.Warn("failed to chunk file during indexing", slog.String("path", path), slog.Any("error", err))
			failed = append(failed, path)
			continue
		}

		if err := s.context.StoreChunks(ctx, collection, chunks); err != nil {
			slog.Error("failed to store chunks, vector store or embedding provider may be unreachable",
				slog.String("path", path), slog.Any("error", err))
			failed = append(failed, path)
			continue
		}

		filesProcessed++
		chunksCreated += len(chunks)
		s.bus.Publish(events.Event{Kind: events.KindFileIndexed, OperationID: opID, Collection: collection, Payload: path})
	}

	s.registry.UpdateProgress(opID, len(files), "")
	s.registry.Complete(opID)

	duration := time.Since(start)
	if len(failed) > 0 {
		slog.Error("indexing completed with errors",
			slog.Int("files_processed", filesProcessed),
			slog.Int("chunks_created", chunksCreated),
			slog.Int("errors", len(failed)),
			slog.Duration("duration", duration))
	} else {
		slog.Info("indexing completed",
			slog.Int("files_processed", filesProcessed),
			slog.Int("chunks_created", chunksCreated),
			slog.Duration("duration", duration))
	}

	s.bus.Publish(events.Event{
		Kind:        events.KindIndexCompleted,
		OperationID: opID,
		Collection:  collection,
		Payload:     map[string]any{"chunks": chunksCreated, "duration_ms": duration.Milliseconds(), "errors": len(failed)},
	})
}

// discoverFiles walks path breadth-first, skipping well-known vendor/build
// directories and files without a recognized source extension.
func discoverFiles(path string) []string {
	var files []string
	var mu sync.Mutex

	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("failed to read directory during indexing", slog.String("path", p), slog.Any("error", err))
			return nil
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip && p != path {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := supportedExtensions[strings.ToLower(filepath.Ext(p))]; ok {
			mu.Lock()
			files = append(files, p)
			mu.Unlock()
		}
		return nil
	})
	return files
}
