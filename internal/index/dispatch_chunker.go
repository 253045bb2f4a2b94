package index

import (
	"context"

	"github.com/codeloom/codeloom/internal/chunk"
	"github.com/codeloom/codeloom/internal/scanner"
)

// dispatchChunker routes each file to the code or markdown chunker by
// detected content type, the same selection internal/index.Coordinator
// makes per-file rather than per-run.
type dispatchChunker struct {
	code chunk.Chunker
	md   chunk.Chunker
}

// NewDispatchChunker wires a code and a markdown chunker into a single
// Chunker, so Service can be handed one chunker regardless of file mix.
func NewDispatchChunker(code, md chunk.Chunker) chunk.Chunker {
	return &dispatchChunker{code: code, md: md}
}

func (d *dispatchChunker) Chunk(ctx context.Context, file *chunk.FileInput) ([]*chunk.Chunk, error) {
	language := file.Language
	if language == "" {
		language = scanner.DetectLanguage(file.Path)
	}

	switch scanner.DetectContentType(language) {
	case scanner.ContentTypeMarkdown:
		return d.md.Chunk(ctx, file)
	case scanner.ContentTypeCode:
		return d.code.Chunk(ctx, file)
	default:
		return nil, nil
	}
}

func (d *dispatchChunker) SupportedExtensions() []string {
	return append(append([]string{}, d.code.SupportedExtensions()...), d.md.SupportedExtensions()...)
}
