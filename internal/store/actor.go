package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// VectorRecord is a single stored vector plus its opaque metadata document,
// as returned by the Browse/Query message categories.
type VectorRecord struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// FilePathSummary is one entry of a ListFilePaths reply: a file path and
// how many chunks in the collection belong to it.
type FilePathSummary struct {
	FilePath string
	Count    int
}

// SearchFilter is an opaque predicate over a vector's metadata document,
// applied post-search as described in spec.md §4.5.
type SearchFilter func(metadata map[string]any) bool

// vectorEngine is the per-collection HNSW engine. It is never touched
// directly by more than one goroutine: the actor's run loop is its only
// caller, so no internal locking is needed (adapted from HNSWStore, whose
// mutex this engine sheds since the actor now serializes every access).
type vectorEngine struct {
	graph    *hnsw.Graph[uint64]
	config   VectorStoreConfig
	idMap    map[string]uint64
	keyMap   map[uint64]string
	metadata map[string]map[string]any
	vectors  map[string][]float32 // kept alongside the graph since coder/hnsw exposes no lookup-by-key
	nextKey  uint64
}

func newVectorEngine(cfg VectorStoreConfig) *vectorEngine {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &vectorEngine{
		graph:    graph,
		config:   cfg,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		metadata: make(map[string]map[string]any),
		vectors:  make(map[string][]float32),
	}
}

func (e *vectorEngine) insert(ids []string, vectors [][]float32, metas []map[string]any) ([]string, error) {
	if len(ids) != len(vectors) || len(ids) != len(metas) {
		return nil, fmt.Errorf("ids, vectors and metadata length mismatch: %d/%d/%d", len(ids), len(vectors), len(metas))
	}
	for _, v := range vectors {
		if len(v) != e.config.Dimensions {
			return nil, ErrDimensionMismatch{Expected: e.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		// Overwrite policy: a colliding external ID orphans its old key.
		if existingKey, exists := e.idMap[id]; exists {
			delete(e.keyMap, existingKey)
			delete(e.idMap, id)
		}

		key := e.nextKey
		e.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if e.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}

		e.graph.Add(hnsw.MakeNode(key, vec))
		e.idMap[id] = key
		e.keyMap[key] = id
		e.metadata[id] = metas[i]
		e.vectors[id] = vec
	}
	return ids, nil
}

func (e *vectorEngine) search(query []float32, k int, filter SearchFilter) ([]*VectorResult, error) {
	if len(query) != e.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: e.config.Dimensions, Got: len(query)}
	}
	if e.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	if e.config.Metric == "cos" {
		normalizeVectorInPlace(normalized)
	}

	// Best-effort re-query: widen the candidate pool when a filter is present
	// since post-search filtering can only shrink the result set, never grow it.
	fetchK := k
	if filter != nil && fetchK > 0 {
		fetchK = k * 4
	}
	nodes := e.graph.Search(normalized, fetchK)

	results := make([]*VectorResult, 0, k)
	for _, node := range nodes {
		id, ok := e.keyMap[node.Key]
		if !ok {
			continue
		}
		if filter != nil && !filter(e.metadata[id]) {
			continue
		}
		distance := e.graph.Distance(normalized, node.Value)
		results = append(results, &VectorResult{
			ID:       id,
			Distance: distance,
			Score:    distanceToScore(distance, e.config.Metric),
		})
		if len(results) >= k {
			break
		}
	}
	return results, nil
}

func (e *vectorEngine) deleteIDs(ids []string) {
	for _, id := range ids {
		if key, exists := e.idMap[id]; exists {
			delete(e.keyMap, key)
			delete(e.idMap, id)
			delete(e.metadata, id)
			delete(e.vectors, id)
		}
	}
}

func (e *vectorEngine) stats() HNSWStats {
	validIDs := len(e.idMap)
	graphNodes := e.graph.Len()
	return HNSWStats{ValidIDs: validIDs, GraphNodes: graphNodes, Orphans: graphNodes - validIDs}
}

func (e *vectorEngine) listVectors(limit int) []VectorRecord {
	ids := make([]string, 0, len(e.idMap))
	for id := range e.idMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return e.recordsFor(ids)
}

func (e *vectorEngine) vectorsByIDs(ids []string) []VectorRecord {
	present := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := e.idMap[id]; ok {
			present = append(present, id)
		}
	}
	return e.recordsFor(present)
}

func (e *vectorEngine) recordsFor(ids []string) []VectorRecord {
	out := make([]VectorRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, VectorRecord{ID: id, Vector: e.vectors[id], Metadata: e.metadata[id]})
	}
	return out
}

func (e *vectorEngine) listFilePaths(limit int) []FilePathSummary {
	counts := make(map[string]int)
	for _, meta := range e.metadata {
		fp, _ := meta["file_path"].(string)
		if fp == "" {
			continue
		}
		counts[fp]++
	}
	paths := make([]string, 0, len(counts))
	for fp := range counts {
		paths = append(paths, fp)
	}
	sort.Strings(paths)
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	out := make([]FilePathSummary, len(paths))
	for i, fp := range paths {
		out[i] = FilePathSummary{FilePath: fp, Count: counts[fp]}
	}
	return out
}

func (e *vectorEngine) chunksByFile(filePath string) []VectorRecord {
	var ids []string
	for id, meta := range e.metadata {
		if fp, _ := meta["file_path"].(string); fp == filePath {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return e.recordsFor(ids)
}

// --- Actor ---

type opKind int

const (
	opCreateCollection opKind = iota
	opDeleteCollection
	opInsertVectors
	opSearchSimilar
	opDeleteVectors
	opGetStats
	opListVectors
	opGetVectorsByIds
	opCollectionExists
	opListCollections
	opListFilePaths
	opGetChunksByFile
)

type actorMsg struct {
	op    opKind
	args  any
	reply chan actorReply
}

type actorReply struct {
	value any
	err   error
}

type createCollectionArgs struct {
	name   string
	config VectorStoreConfig
}

type insertArgs struct {
	collection string
	ids        []string
	vectors    [][]float32
	metadata   []map[string]any
}

type searchArgs struct {
	collection string
	query      []float32
	k          int
	filter     SearchFilter
}

type collectionIDsArgs struct {
	collection string
	ids        []string
}

type collectionLimitArgs struct {
	collection string
	limit      int
}

type collectionFileArgs struct {
	collection string
	filePath   string
}

// VectorActor is the sole owner of all in-process HNSW collections. Every
// public method sends one message and blocks on its reply; the run loop
// below is the only goroutine that ever touches a vectorEngine, so no
// collection-level locking is needed. Channel capacity is bounded: a full
// channel makes callers wait rather than fail (cooperative backpressure).
type VectorActor struct {
	msgCh         chan actorMsg
	stopOnce      sync.Once
	stopped       chan struct{}
	defaultConfig VectorStoreConfig
}

// NewVectorActor starts the actor goroutine. capacity <= 0 uses the
// spec-mandated default of 256.
func NewVectorActor(defaultConfig VectorStoreConfig, capacity int) *VectorActor {
	if capacity <= 0 {
		capacity = 256
	}
	a := &VectorActor{
		msgCh:         make(chan actorMsg, capacity),
		stopped:       make(chan struct{}),
		defaultConfig: defaultConfig,
	}
	go a.run()
	return a
}

func (a *VectorActor) run() {
	collections := make(map[string]*vectorEngine)
	for msg := range a.msgCh {
		msg.reply <- a.handle(collections, msg)
	}
	close(a.stopped)
}

func (a *VectorActor) handle(collections map[string]*vectorEngine, msg actorMsg) actorReply {
	switch msg.op {
	case opCreateCollection:
		args := msg.args.(createCollectionArgs)
		if _, exists := collections[args.name]; !exists {
			cfg := args.config
			if cfg.Dimensions == 0 {
				cfg = a.defaultConfig
			}
			collections[args.name] = newVectorEngine(cfg)
		}
		return actorReply{}

	case opDeleteCollection:
		name := msg.args.(string)
		delete(collections, name)
		return actorReply{}

	case opCollectionExists:
		name := msg.args.(string)
		_, exists := collections[name]
		return actorReply{value: exists}

	case opListCollections:
		names := make([]string, 0, len(collections))
		for name := range collections {
			names = append(names, name)
		}
		sort.Strings(names)
		return actorReply{value: names}

	case opInsertVectors:
		args := msg.args.(insertArgs)
		engine, err := a.require(collections, args.collection)
		if err != nil {
			return actorReply{err: err}
		}
		ids, err := engine.insert(args.ids, args.vectors, args.metadata)
		return actorReply{value: ids, err: err}

	case opSearchSimilar:
		args := msg.args.(searchArgs)
		engine, err := a.require(collections, args.collection)
		if err != nil {
			return actorReply{err: err}
		}
		results, err := engine.search(args.query, args.k, args.filter)
		return actorReply{value: results, err: err}

	case opDeleteVectors:
		args := msg.args.(collectionIDsArgs)
		engine, err := a.require(collections, args.collection)
		if err != nil {
			return actorReply{err: err}
		}
		engine.deleteIDs(args.ids)
		return actorReply{}

	case opGetStats:
		name := msg.args.(string)
		engine, err := a.require(collections, name)
		if err != nil {
			return actorReply{err: err}
		}
		return actorReply{value: engine.stats()}

	case opListVectors:
		args := msg.args.(collectionLimitArgs)
		engine, err := a.require(collections, args.collection)
		if err != nil {
			return actorReply{err: err}
		}
		return actorReply{value: engine.listVectors(args.limit)}

	case opGetVectorsByIds:
		args := msg.args.(collectionIDsArgs)
		engine, err := a.require(collections, args.collection)
		if err != nil {
			return actorReply{err: err}
		}
		return actorReply{value: engine.vectorsByIDs(args.ids)}

	case opListFilePaths:
		args := msg.args.(collectionLimitArgs)
		engine, err := a.require(collections, args.collection)
		if err != nil {
			return actorReply{err: err}
		}
		return actorReply{value: engine.listFilePaths(args.limit)}

	case opGetChunksByFile:
		args := msg.args.(collectionFileArgs)
		engine, err := a.require(collections, args.collection)
		if err != nil {
			return actorReply{err: err}
		}
		return actorReply{value: engine.chunksByFile(args.filePath)}

	default:
		return actorReply{err: fmt.Errorf("unknown actor operation %d", msg.op)}
	}
}

func (a *VectorActor) require(collections map[string]*vectorEngine, name string) (*vectorEngine, error) {
	if name == "" {
		return nil, fmt.Errorf("invalid argument: empty collection name")
	}
	engine, ok := collections[name]
	if !ok {
		return nil, fmt.Errorf("not found: collection %q", name)
	}
	return engine, nil
}

func (a *VectorActor) send(ctx context.Context, op opKind, args any) (any, error) {
	reply := make(chan actorReply, 1)
	msg := actorMsg{op: op, args: args, reply: reply}

	select {
	case a.msgCh <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateCollection allocates a collection with cfg (zero-value Dimensions
// falls back to the actor's default config). Idempotent.
func (a *VectorActor) CreateCollection(ctx context.Context, name string, cfg VectorStoreConfig) error {
	_, err := a.send(ctx, opCreateCollection, createCollectionArgs{name: name, config: cfg})
	return err
}

// DeleteCollection removes a collection and all its vectors. Idempotent.
func (a *VectorActor) DeleteCollection(ctx context.Context, name string) error {
	_, err := a.send(ctx, opDeleteCollection, name)
	return err
}

// CollectionExists reports whether name currently has an allocated index.
func (a *VectorActor) CollectionExists(ctx context.Context, name string) (bool, error) {
	v, err := a.send(ctx, opCollectionExists, name)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// ListCollections returns every known collection name, sorted.
func (a *VectorActor) ListCollections(ctx context.Context) ([]string, error) {
	v, err := a.send(ctx, opListCollections, nil)
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// InsertVectors inserts ids/vectors/metadata (equal length) into collection,
// returning the external IDs in request order. A colliding ID overwrites.
func (a *VectorActor) InsertVectors(ctx context.Context, collection string, ids []string, vectors [][]float32, metadata []map[string]any) ([]string, error) {
	v, err := a.send(ctx, opInsertVectors, insertArgs{collection: collection, ids: ids, vectors: vectors, metadata: metadata})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// SearchSimilar returns up to k nearest neighbors, best-first, with filter
// applied post-search (nil filter means no filtering).
func (a *VectorActor) SearchSimilar(ctx context.Context, collection string, query []float32, k int, filter SearchFilter) ([]*VectorResult, error) {
	v, err := a.send(ctx, opSearchSimilar, searchArgs{collection: collection, query: query, k: k, filter: filter})
	if err != nil {
		return nil, err
	}
	return v.([]*VectorResult), nil
}

// DeleteVectors removes the given external IDs; missing IDs are ignored.
func (a *VectorActor) DeleteVectors(ctx context.Context, collection string, ids []string) error {
	_, err := a.send(ctx, opDeleteVectors, collectionIDsArgs{collection: collection, ids: ids})
	return err
}

// GetStats returns node/orphan counts for collection.
func (a *VectorActor) GetStats(ctx context.Context, collection string) (HNSWStats, error) {
	v, err := a.send(ctx, opGetStats, collection)
	if err != nil {
		return HNSWStats{}, err
	}
	return v.(HNSWStats), nil
}

// ListVectors returns up to limit vectors from collection, sorted by ID.
// limit <= 0 means unbounded.
func (a *VectorActor) ListVectors(ctx context.Context, collection string, limit int) ([]VectorRecord, error) {
	v, err := a.send(ctx, opListVectors, collectionLimitArgs{collection: collection, limit: limit})
	if err != nil {
		return nil, err
	}
	return v.([]VectorRecord), nil
}

// GetVectorsByIds returns the records for whichever of ids are present.
func (a *VectorActor) GetVectorsByIds(ctx context.Context, collection string, ids []string) ([]VectorRecord, error) {
	v, err := a.send(ctx, opGetVectorsByIds, collectionIDsArgs{collection: collection, ids: ids})
	if err != nil {
		return nil, err
	}
	return v.([]VectorRecord), nil
}

// ListFilePaths returns up to limit distinct file_path values with chunk
// counts, sorted lexicographically.
func (a *VectorActor) ListFilePaths(ctx context.Context, collection string, limit int) ([]FilePathSummary, error) {
	v, err := a.send(ctx, opListFilePaths, collectionLimitArgs{collection: collection, limit: limit})
	if err != nil {
		return nil, err
	}
	return v.([]FilePathSummary), nil
}

// GetChunksByFile returns every record whose metadata file_path matches exactly.
func (a *VectorActor) GetChunksByFile(ctx context.Context, collection, filePath string) ([]VectorRecord, error) {
	v, err := a.send(ctx, opGetChunksByFile, collectionFileArgs{collection: collection, filePath: filePath})
	if err != nil {
		return nil, err
	}
	return v.([]VectorRecord), nil
}

// Close stops the actor goroutine once all queued messages have drained.
func (a *VectorActor) Close() error {
	a.stopOnce.Do(func() {
		close(a.msgCh)
	})
	<-a.stopped
	return nil
}
