package index

import (
	"context"
	"fmt"

	"github.com/codeloom/codeloom/internal/chunk"
	"github.com/codeloom/codeloom/internal/embed"
	"github.com/codeloom/codeloom/internal/store"
)

// ContextService is the gateway between the indexing pipeline and the
// vector store: it owns collection lifecycle and embeds+stores chunks on
// the indexer's behalf, per spec.md's 4.6 Context Service responsibility.
type ContextService struct {
	vectors  *store.VectorActor
	embedder embed.Embedder
}

// NewContextService wires a vector actor and embedder into a context
// service.
func NewContextService(vectors *store.VectorActor, embedder embed.Embedder) *ContextService {
	return &ContextService{vectors: vectors, embedder: embedder}
}

// Initialize ensures collection exists, creating it sized to the
// embedder's dimensionality if it doesn't.
func (s *ContextService) Initialize(ctx context.Context, collection string) error {
	exists, err := s.vectors.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		return nil
	}
	cfg := store.DefaultVectorStoreConfig(s.embedder.Dimensions())
	return s.vectors.CreateCollection(ctx, collection, cfg)
}

// StoreChunks embeds chunks' content and inserts the resulting vectors
// into collection, keyed by chunk ID.
func (s *ContextService) StoreChunks(ctx context.Context, collection string, chunks []*chunk.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	ids := make([]string, len(chunks))
	metadata := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
		ids[i] = c.ID
		metadata[i] = map[string]any{
			"file_path":  c.FilePath,
			"start_line": c.StartLine,
			"end_line":   c.EndLine,
			"language":   c.Language,
		}
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	_, err = s.vectors.InsertVectors(ctx, collection, ids, vectors, metadata)
	if err != nil {
		return fmt.Errorf("insert vectors: %w", err)
	}
	return nil
}

// ClearCollection drops collection entirely. A no-op if it doesn't exist.
func (s *ContextService) ClearCollection(ctx context.Context, collection string) error {
	return s.vectors.DeleteCollection(ctx, collection)
}
