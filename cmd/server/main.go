// Command server runs the specmem engine for one project: it ensures the
// project schema, wires the components, starts the background workers, and
// serves the tool surface over stdin/stdout as newline-delimited JSON.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/specmem/specmem/pkg/config"
	"github.com/specmem/specmem/pkg/consolidation"
	"github.com/specmem/specmem/pkg/database"
	"github.com/specmem/specmem/pkg/embedding"
	"github.com/specmem/specmem/pkg/embedding/queue"
	"github.com/specmem/specmem/pkg/errors"
	"github.com/specmem/specmem/pkg/hotpath"
	"github.com/specmem/specmem/pkg/indexer"
	"github.com/specmem/specmem/pkg/memory"
	"github.com/specmem/specmem/pkg/observability"
	"github.com/specmem/specmem/pkg/project"
	"github.com/specmem/specmem/pkg/restoration"
	"github.com/specmem/specmem/pkg/search"
	"github.com/specmem/specmem/pkg/tools"
)

// maxRequestBytes bounds one stdin request line
const maxRequestBytes = 16 << 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "specmem: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewStandardLogger("specmem")
	metrics := observability.NewPrometheusMetricsClient(cfg.Observability.Metrics)
	defer func() { _ = metrics.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proj, err := project.New(cfg.ProjectPath)
	if err != nil {
		return err
	}
	logger.Info("Starting specmem", map[string]interface{}{
		"project": proj.Path(),
		"schema":  proj.Schema(),
	})

	db, err := database.NewDatabase(ctx, cfg.Database, proj.Schema(), logger, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	schemaMgr := database.NewSchemaManager(db, logger)
	if err := schemaMgr.EnsureSchema(ctx); err != nil {
		return err
	}

	embedder := embedding.NewSocketClient(socketPath(cfg, proj), cfg.Embedding, logger, metrics)
	dimension := alignDimension(ctx, schemaMgr, embedder, logger)

	store := memory.NewStore(db, proj.Path(), dimension, logger, metrics)
	embedQueue := queue.New(db, proj.Path(), cfg.Queue.BatchSize, cfg.Queue.AgingAfter, logger, metrics)
	store.SetEmbeddingQueue(embedQueue)

	hotPaths := hotpath.NewManager(db, store, hotpath.Config{
		DecayFactor: cfg.HotPath.DecayFactor,
		PruneFloor:  cfg.HotPath.PruneFloor,
	}, logger, metrics)
	store.SetAccessObserver(hotPaths)

	registry := search.NewRegistry(search.DefaultRegistryCapacity, search.DefaultRegistryMaxAge)
	engine := search.NewEngine(db, store, embedder, registry, search.EngineConfig{
		DefaultLimit:     cfg.Search.Limit,
		MaxContentLength: cfg.Search.MaxContentLength,
		FixedThreshold:   cfg.Search.Threshold,
	}, logger, metrics)

	consolidator := consolidation.NewEngine(db, proj.Path(), consolidation.Config{
		SimilarityThreshold: cfg.Consolidation.SimilarityThreshold,
		TagJaccardThreshold: cfg.Consolidation.TagJaccardThreshold,
		TemporalWindow:      cfg.Consolidation.TemporalWindow,
		MinClusterSize:      cfg.Consolidation.MinMemories,
	}, logger, metrics)

	parser := restoration.NewParser(db, store, embedder, proj, restoration.Config{}, logger, metrics)
	codeIndexer := indexer.NewIndexer(db, embedder, proj.Path(), indexer.Config{
		MaxFileSize:   cfg.Indexer.MaxFileSize,
		ChunkMaxLines: cfg.Indexer.ChunkMaxLines,
	}, logger, metrics)

	surface := tools.NewSurface(store, engine, consolidator, embedQueue, hotPaths, tools.DefaultTimeout, logger, metrics)

	var wg sync.WaitGroup
	startWorkers(ctx, &wg, workerSet{
		cfg:          cfg,
		logger:       logger,
		embedder:     embedder,
		queue:        embedQueue,
		consolidator: consolidator,
		hotPaths:     hotPaths,
		parser:       parser,
		indexer:      codeIndexer,
		registry:     registry,
		projectPath:  proj.Path(),
	})

	err = serve(ctx, surface, os.Stdin, os.Stdout, logger)
	stop()
	wg.Wait()
	logger.Info("Shutdown complete", nil)
	return err
}

// socketPath resolves the embedder socket: explicit config wins, otherwise
// the per-project path under the specmem home
func socketPath(cfg *config.Config, proj *project.Context) string {
	if cfg.Embedding.SocketPath != "" {
		return cfg.Embedding.SocketPath
	}
	base := os.Getenv("SPECMEM_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		base = filepath.Join(home, ".specmem")
	}
	return proj.SocketPath(base)
}

// alignDimension reconciles the schema's vector dimension with the provider.
// With the embedder unreachable the stored dimension stands; the provider is
// re-checked implicitly on the first successful embed.
func alignDimension(ctx context.Context, schemaMgr *database.SchemaManager, embedder *embedding.SocketClient, logger observability.Logger) int {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if vec, err := embedder.Embed(probeCtx, "dimension probe"); err == nil && len(vec) > 0 {
		if err := schemaMgr.AlignDimension(ctx, len(vec)); err != nil {
			logger.Error("Dimension alignment failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	} else if err != nil {
		logger.Warn("Embedder unreachable at startup, keeping stored dimension", map[string]interface{}{
			"error": err.Error(),
		})
	}

	dim, err := schemaMgr.Dimension(ctx)
	if err != nil {
		logger.Warn("Could not read schema dimension", map[string]interface{}{
			"error": err.Error(),
		})
		return database.DefaultDimension
	}
	return dim
}

type workerSet struct {
	cfg          *config.Config
	logger       observability.Logger
	embedder     *embedding.SocketClient
	queue        *queue.Queue
	consolidator *consolidation.Engine
	hotPaths     *hotpath.Manager
	parser       *restoration.Parser
	indexer      *indexer.Indexer
	registry     *search.Registry
	projectPath  string
}

// startWorkers launches the background loops; all of them exit on ctx cancel
func startWorkers(ctx context.Context, wg *sync.WaitGroup, w workerSet) {
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// Queue drain: whenever the embedder is reachable, flush parked rows
	spawn(func() {
		every(ctx, w.cfg.Queue.DrainInterval, func() {
			if !w.embedder.Ping(ctx) {
				return
			}
			n, err := w.queue.Drain(ctx, w.embedder.Embed)
			if err != nil {
				w.logger.Warn("Queue drain failed", map[string]interface{}{"error": err.Error()})
			} else if n > 0 {
				w.logger.Info("Drained embedding queue", map[string]interface{}{"processed": n})
			}
		})
	})

	// Queue cleanup: daily sweep of completed and failed rows
	spawn(func() {
		every(ctx, 24*time.Hour, func() {
			if n, err := w.queue.Cleanup(ctx, w.cfg.Queue.CleanupAfter); err == nil && n > 0 {
				w.logger.Info("Cleaned embedding queue", map[string]interface{}{"removed": n})
			}
		})
	})

	// Consolidation: periodic similarity pass
	spawn(func() {
		every(ctx, w.cfg.Consolidation.Interval, func() {
			report, err := w.consolidator.Consolidate(ctx, consolidation.StrategySimilarity, false)
			if err != nil {
				w.logger.Warn("Consolidation failed", map[string]interface{}{"error": err.Error()})
				return
			}
			if report.Merged > 0 {
				w.logger.Info("Consolidated memories", map[string]interface{}{
					"merged":  report.Merged,
					"deleted": report.Deleted,
				})
			}
		})
	})

	// Hot path decay plus drilldown registry purge
	spawn(func() {
		every(ctx, w.cfg.HotPath.DecayInterval, func() {
			if pruned, err := w.hotPaths.Decay(ctx); err == nil && pruned > 0 {
				w.logger.Debug("Pruned cold paths", map[string]interface{}{"pruned": pruned})
			}
			w.registry.PurgeExpired()
		})
	})

	// One-shot startup work: context restoration and the codebase scan
	spawn(func() {
		if _, err := w.parser.Run(ctx); err != nil && !errors.Is(err, errors.ClassCancelled) {
			w.logger.Warn("Context restoration pass failed", map[string]interface{}{"error": err.Error()})
		}
	})
	spawn(func() {
		if _, err := w.indexer.Scan(ctx, w.projectPath); err != nil && !errors.Is(err, errors.ClassCancelled) {
			w.logger.Warn("Codebase scan failed", map[string]interface{}{"error": err.Error()})
		}
	})
}

// every runs fn on a ticker until ctx is cancelled
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// request is one newline-delimited JSON tool call
type request struct {
	ID     json.RawMessage `json:"id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// response mirrors the request framing
type response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result interface{}     `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// serve reads requests from in and writes responses to out until EOF or
// cancellation. Requests are processed sequentially; store access is
// serialized per connection anyway.
func serve(ctx context.Context, surface *tools.Surface, in io.Reader, out io.Writer, logger observability.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxRequestBytes)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(response{Error: &wireError{
				Code:    errors.ClassInvalidRequest.String(),
				Message: "malformed request: " + err.Error(),
			}})
			continue
		}

		result, err := surface.Handle(ctx, req.Tool, req.Params)
		if err != nil {
			_ = enc.Encode(response{ID: req.ID, Error: toWireError(err)})
			continue
		}
		if err := enc.Encode(response{ID: req.ID, Result: result}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("Request stream failed", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}

func toWireError(err error) *wireError {
	var ce *errors.ClassifiedError
	if errors.AsClassified(err, &ce) {
		return &wireError{
			Code:    ce.Class.String(),
			Message: ce.Message,
			Hint:    ce.Hint,
		}
	}
	return &wireError{
		Code:    errors.ClassInternal.String(),
		Message: err.Error(),
	}
}
