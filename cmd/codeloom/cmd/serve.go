package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codeloom/codeloom/internal/chunk"
	"github.com/codeloom/codeloom/internal/config"
	"github.com/codeloom/codeloom/internal/embed"
	"github.com/codeloom/codeloom/internal/events"
	"github.com/codeloom/codeloom/internal/index"
	"github.com/codeloom/codeloom/internal/logging"
	"github.com/codeloom/codeloom/internal/mcp"
	"github.com/codeloom/codeloom/internal/ops"
	"github.com/codeloom/codeloom/internal/search"
	"github.com/codeloom/codeloom/internal/session"
	"github.com/codeloom/codeloom/internal/store"
	"github.com/codeloom/codeloom/internal/vcs"
	"github.com/codeloom/codeloom/internal/watcher"
)

// defaultWatcherStartupTimeout bounds how long we wait for the file watcher
// to initialize before giving up on it for this run. The MCP server itself
// must never wait on this (BUG-035): it starts serving immediately and the
// watcher attaches in the background.
const defaultWatcherStartupTimeout = 2 * time.Second

func newServeCmd() *cobra.Command {
	var (
		debug     bool
		transport string
		sessionID string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server for the current project",
		Long: `Start the Model Context Protocol server, exposing search, indexing,
and VCS tools over stdio (or SSE) for MCP-compatible clients such as
Claude Code and Cursor.

An index must already exist (run 'codeloom index' first); serve does
not index on its own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if transport == "stdio" {
				if err := verifyStdinForMCP(); err != nil {
					return err
				}
			}
			if sessionID != "" {
				root, err := config.FindProjectRoot(".")
				if err != nil {
					root, _ = os.Getwd()
				}
				return runServeWithSession(cmd.Context(), sessionID, root, transport, port, debug)
			}
			return runServe(cmd.Context(), transport, port, debug)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose debug logging (written to stderr and the log file, never stdout)")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport type (stdio|sse)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Named session to resume or create for this run")
	cmd.Flags().IntVar(&port, "port", 0, "Port for SSE transport (0 picks stdio's default)")

	return cmd
}

// verifyStdinForMCP rejects running an stdio-transport server attached to an
// interactive terminal: a human typing at stdin can never hold up their end
// of the JSON-RPC handshake, so the client is almost always missing.
func verifyStdinForMCP() error {
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return fmt.Errorf("stdin is a terminal, not a pipe: the MCP stdio transport expects to be " +
			"launched by a client (e.g. Claude Code), not run interactively")
	}
	return nil
}

// runServe starts the MCP server for the project rooted at the current
// working directory.
func runServe(ctx context.Context, transport string, port int, debug ...bool) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	return runServeForProject(ctx, root, "", transport, port, firstBool(debug))
}

// runServeWithSession starts the MCP server for a named session rooted at
// projectPath, updating the session's last-used timestamp on exit.
func runServeWithSession(ctx context.Context, name, projectPath, transport string, port int, debug ...bool) error {
	cfg := config.NewConfig()
	mgr, err := session.NewManager(session.ManagerConfig{
		StoragePath: cfg.Sessions.StoragePath,
		MaxSessions: cfg.Sessions.MaxSessions,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	sess, err := mgr.Open(name, projectPath)
	if err != nil {
		return fmt.Errorf("failed to open session %q: %w", name, err)
	}
	sess.UpdateLastUsed()
	defer func() { _ = mgr.Save(sess) }()

	return runServeForProject(ctx, projectPath, name, transport, port, firstBool(debug))
}

// firstBool returns the first element of a variadic bool slice, or false.
// debug is variadic solely so existing callers (and the BUG-035 test, which
// calls runServe with only three arguments) keep compiling unchanged.
func firstBool(b []bool) bool {
	if len(b) == 0 {
		return false
	}
	return b[0]
}

// runServeForProject wires up storage, embedder, search engine, and the MCP
// server itself, then blocks serving until ctx is canceled.
//
// BUG-034/BUG-035: the MCP protocol reserves stdout exclusively for
// JSON-RPC frames. Nothing here may write to stdout before s.Serve takes
// over, and the file watcher must never delay that handoff.
func runServeForProject(ctx context.Context, root, sessionName, transport string, port int, debug bool) error {
	level := "info"
	if debug {
		level = "debug"
	}
	if cleanup, err := logging.SetupMCPModeWithLevel(level); err == nil {
		defer cleanup()
	}

	dataDir := filepath.Join(root, ".codeloom")
	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	embedCtx, embedCancel := context.WithTimeout(ctx, 15*time.Second)
	embedder, err := embed.NewEmbedder(embedCtx, provider, cfg.Embeddings.Model)
	embedCancel()
	if err != nil {
		return fmt.Errorf("embedder initialization failed: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vectorCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	engineCfg := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineCfg.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineCfg.DefaultWeights = search.Weights{BM25: cfg.Search.BM25Weight, Semantic: cfg.Search.SemanticWeight}
	}
	engine, err := search.NewEngine(bm25, vector, embedder, metadata, engineCfg,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()))
	if err != nil {
		return fmt.Errorf("failed to create search engine: %w", err)
	}

	srv, err := mcp.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	srv.SetRepoStore(metadata)
	srv.SetToolCallRecorder(metadata)

	// The index tool runs on its own single-writer vector actor rather than
	// the HNSWStore above: it serves ad hoc, collection-scoped indexing
	// requests from MCP clients concurrently with the background watcher's
	// reconciliation of the default collection, and an actor's message loop
	// is the cheaper way to serialize that than sharing one mutex-guarded
	// HNSWStore between two independent writers.
	vectorActor := store.NewVectorActor(vectorCfg, 0)
	defer func() { _ = vectorActor.Close() }()
	contextSvc := index.NewContextService(vectorActor, embedder)
	indexChunker := index.NewDispatchChunker(chunk.NewCodeChunker(), chunk.NewMarkdownChunker())
	indexSvc := index.NewService(contextSvc, indexChunker, ops.NewRegistry(), events.NewBus())
	srv.SetIndexService(indexSvc)

	vcsIndexer := vcs.NewIndexer(vcs.NewSubmoduleCollector(nil, nil), vcs.NewProjectDetector(), metadata)
	srv.SetVcsIndexer(vcsIndexer)

	startBackgroundWatcher(ctx, root, dataDir, metadata, engine)

	slog.Info("serve_starting",
		slog.String("root", root),
		slog.String("session", sessionName),
		slog.String("transport", transport))

	addr := ""
	if port > 0 {
		addr = fmt.Sprintf(":%d", port)
	}
	return srv.Serve(ctx, transport, addr)
}

// startBackgroundWatcher launches file-watching and incremental
// reconciliation in a goroutine and returns immediately. A slow or failing
// watcher never delays the caller (BUG-035): serve() hands off to the MCP
// transport right away, and the watcher attaches whenever it's ready.
func startBackgroundWatcher(ctx context.Context, root, dataDir string, metadata store.MetadataStore, engine *search.Engine) {
	timeout := defaultWatcherStartupTimeout
	if raw := os.Getenv("CODELOOM_WATCHER_STARTUP_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			timeout = d
		}
	}

	go func() {
		w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
		if err != nil {
			slog.Warn("watcher_init_failed", slog.String("error", err.Error()))
			return
		}

		startCtx, cancel := context.WithTimeout(ctx, timeout)
		startErr := w.Start(startCtx, root)
		cancel()
		if startErr != nil {
			slog.Warn("watcher_start_failed", slog.String("error", startErr.Error()))
			return
		}
		defer func() { _ = w.Stop() }()

		coordinator := index.NewCoordinator(index.CoordinatorConfig{
			ProjectID:   root,
			RootPath:    root,
			DataDir:     dataDir,
			Engine:      engine,
			Metadata:    metadata,
			CodeChunker: chunk.NewCodeChunker(),
			MDChunker:   chunk.NewMarkdownChunker(),
		})

		if err := coordinator.ReconcileOnStartup(ctx); err != nil {
			slog.Warn("reconcile_on_startup_failed", slog.String("error", err.Error()))
		}

		for {
			select {
			case <-ctx.Done():
				return
			case events, ok := <-w.Events():
				if !ok {
					return
				}
				if err := coordinator.HandleEvents(ctx, events); err != nil {
					slog.Warn("handle_events_failed", slog.String("error", err.Error()))
				}
			case watchErr, ok := <-w.Errors():
				if !ok {
					continue
				}
				slog.Warn("watcher_error", slog.String("error", watchErr.Error()))
			}
		}
	}()
}
