package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeloom/codeloom/internal/index"
)

// IndexInput defines the input schema for the index tool: launch an
// indexing pass for path into collection (default "default").
type IndexInput struct {
	Path       string `json:"path" jsonschema:"filesystem path to index"`
	Collection string `json:"collection,omitempty" jsonschema:"named collection to index into, default 'default'"`
}

// IndexOutput mirrors IndexingResult: a started background operation and
// its counters at launch time (zero, since work has not run yet).
type IndexOutput struct {
	Status         string `json:"status" jsonschema:"started"`
	OperationID    string `json:"operation_id"`
	TotalFiles     int    `json:"total_files"`
	ProcessedFiles int    `json:"processed_files"`
}

// SetIndexService wires the collection-scoped indexing service, enabling
// the index tool. Without it the tool returns ErrResourceNotFound.
func (s *Server) SetIndexService(svc *index.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexSvc = svc
}

// mcpIndexHandler is the MCP SDK handler for the index tool.
func (s *Server) mcpIndexHandler(ctx context.Context, _ *mcp.CallToolRequest, input IndexInput) (
	result *mcp.CallToolResult,
	output IndexOutput,
	err error,
) {
	start := time.Now()
	defer func() { s.recordToolCall("index", start, err) }()

	output, err = s.handleIndexTool(ctx, input)
	if err != nil {
		err = MapError(err)
		return nil, IndexOutput{}, err
	}
	return nil, output, nil
}

func (s *Server) handleIndexTool(ctx context.Context, input IndexInput) (IndexOutput, error) {
	s.mu.RLock()
	svc := s.indexSvc
	s.mu.RUnlock()
	if svc == nil {
		return IndexOutput{}, ErrResourceNotFound
	}

	collection := input.Collection
	if collection == "" {
		collection = "default"
	}

	res, err := svc.IndexCodebase(ctx, input.Path, collection)
	if err != nil {
		return IndexOutput{}, err
	}

	status := svc.GetStatus()
	return IndexOutput{
		Status:         res.Status,
		OperationID:    res.OperationID,
		TotalFiles:     status.TotalFiles,
		ProcessedFiles: status.ProcessedFiles,
	}, nil
}
