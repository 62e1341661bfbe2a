package restoration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/specmem/specmem/pkg/database"
	"github.com/specmem/specmem/pkg/embedding"
	"github.com/specmem/specmem/pkg/memory"
	"github.com/specmem/specmem/pkg/observability"
	"github.com/specmem/specmem/pkg/project"
)

// PathUnknown is recorded when no project path can be resolved for a summary
const PathUnknown = "unknown"

// TagProcessed marks summaries that have already been expanded
const TagProcessed = "context-restoration-processed"

// TagExtracted marks every turn memory produced by this parser
const TagExtracted = "extracted-from-context-restoration"

// Processing defaults
const (
	defaultChunkSize  = 50
	defaultChunkDelay = 100 * time.Millisecond
	scanLimit         = 200
	progressEvery     = 100
)

// Config tunes the parser
type Config struct {
	ChunkSize  int
	ChunkDelay time.Duration
}

// Report summarizes one parser run
type Report struct {
	Scanned        int `json:"scanned"`
	Detected       int `json:"detected"`
	Turns          int `json:"turns"`
	Inserted       int `json:"inserted"`
	Duplicates     int `json:"duplicates"`
	Skipped        int `json:"skipped"`
	NotExtractable int `json:"notExtractable"`
}

// Parser expands conversation-summary memories into per-turn memories
type Parser struct {
	db       *database.Database
	store    *memory.Store
	embedder embedding.Embedder
	project  *project.Context
	cfg      Config
	logger   observability.Logger
	metrics  observability.MetricsClient

	// pathExists is swapped in tests
	pathExists func(string) bool
}

// NewParser creates a restoration parser for one project
func NewParser(db *database.Database, store *memory.Store, embedder embedding.Embedder, proj *project.Context, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Parser {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkDelay <= 0 {
		cfg.ChunkDelay = defaultChunkDelay
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Parser{
		db:       db,
		store:    store,
		embedder: embedder,
		project:  proj,
		cfg:      cfg,
		logger:   logger.WithPrefix("restoration"),
		metrics:  metrics,
		pathExists: func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		},
	}
}

// Run scans for unprocessed summaries and expands each into turn memories
func (p *Parser) Run(ctx context.Context) (*Report, error) {
	sources, err := p.loadUnprocessed(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Scanned: len(sources)}
	for _, src := range sources {
		if ctx.Err() != nil {
			return report, database.ClassifyError(ctx.Err())
		}
		if !IsContextRestoration(src.Content) {
			continue
		}
		report.Detected++
		if err := p.processSummary(ctx, src, report); err != nil {
			p.logger.Warn("Summary processing failed", map[string]interface{}{
				"memory_id": src.ID,
				"error":     err.Error(),
			})
		}
	}

	if report.Detected > 0 {
		p.logger.Info("Context restoration pass finished", map[string]interface{}{
			"detected":   report.Detected,
			"inserted":   report.Inserted,
			"duplicates": report.Duplicates,
			"skipped":    report.Skipped,
		})
	}
	p.metrics.RecordCounter("restoration_turns_inserted_total", float64(report.Inserted), nil)
	return report, nil
}

// loadUnprocessed fetches candidate summaries not yet marked processed
func (p *Parser) loadUnprocessed(ctx context.Context) ([]*memory.Memory, error) {
	rows, err := p.db.Query(ctx, fmt.Sprintf(`
		SELECT `+memory.SelectColumns+`
		FROM %s.memories
		WHERE project_path = $1
		AND NOT (tags @> $2)
		ORDER BY created_at ASC
		LIMIT $3`, p.db.Schema()),
		p.project.Path(), pq.Array([]string{TagProcessed}), scanLimit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return memory.ScanMemories(rows)
}

func (p *Parser) processSummary(ctx context.Context, src *memory.Memory, report *Report) error {
	path := p.resolveProjectPath(src)
	if path != PathUnknown && !p.project.Contains(path) {
		// Foreign project: the whole summary is off limits here. It stays
		// unmarked so the engine running in its own project can expand it.
		report.Skipped++
		p.logger.Debug("Skipping summary from foreign project", map[string]interface{}{
			"memory_id": src.ID,
			"path":      path,
		})
		return nil
	}

	turns := ExtractTurns(src.Content)
	if len(turns) == 0 {
		report.NotExtractable++
		return p.markProcessed(ctx, src.ID)
	}
	report.Turns += len(turns)

	srcTag := "src:" + shortID(src.ID)
	for start := 0; start < len(turns); start += p.cfg.ChunkSize {
		if start > 0 {
			select {
			case <-time.After(p.cfg.ChunkDelay):
			case <-ctx.Done():
				return database.ClassifyError(ctx.Err())
			}
		}
		end := start + p.cfg.ChunkSize
		if end > len(turns) {
			end = len(turns)
		}
		for _, turn := range turns[start:end] {
			if err := p.insertTurn(ctx, src, turn, srcTag, report); err != nil {
				p.logger.Warn("Turn insert failed", map[string]interface{}{
					"memory_id": src.ID,
					"sequence":  turn.Sequence,
					"error":     err.Error(),
				})
			}
			if report.Inserted > 0 && report.Inserted%progressEvery == 0 {
				p.logger.Info("Restoration progress", map[string]interface{}{
					"inserted": report.Inserted,
				})
			}
		}
	}
	return p.markProcessed(ctx, src.ID)
}

func (p *Parser) insertTurn(ctx context.Context, src *memory.Memory, turn Turn, srcTag string, report *Report) error {
	prefix := "[USER] "
	if turn.Role == RoleAssistant {
		prefix = "[ASSISTANT] "
	}
	content := prefix + turn.Content

	// Embedding is best-effort; a miss leaves the row for the overflow queue
	vec, err := p.embedder.Embed(ctx, content)
	if err != nil {
		vec = nil
	}

	createdAt := src.CreatedAt.Add(time.Duration(2*turn.Sequence) * time.Second)
	_, inserted, err := p.store.Insert(ctx, memory.Input{
		Role:       turn.Role,
		Content:    content,
		MemoryType: memory.TypeEpisodic,
		Importance: memory.ImportanceMedium,
		Tags:       []string{"role:" + turn.Role, TagExtracted, srcTag},
		Metadata: memory.Metadata{
			"sourceMemoryId": src.ID,
			"sequence":       turn.Sequence,
			"confidence":     turn.Confidence,
		},
		Embedding: vec,
		CreatedAt: &createdAt,
	})
	if err != nil {
		return err
	}
	if inserted {
		report.Inserted++
	} else {
		report.Duplicates++
	}
	return nil
}

// resolveProjectPath resolves where a summary came from: trusted metadata
// first, then path markers in the text (only when the path exists on disk),
// else unknown
func (p *Parser) resolveProjectPath(src *memory.Memory) string {
	for _, key := range []string{"projectPath", "project_path"} {
		if v, ok := src.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	for _, cand := range extractPathCandidates(src.Content) {
		if p.pathExists(cand) {
			return cand
		}
	}
	return PathUnknown
}

// markProcessed tags the source so later passes skip it
func (p *Parser) markProcessed(ctx context.Context, id string) error {
	_, err := p.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.memories
		SET tags = array_append(tags, $1), updated_at = now()
		WHERE id = $2 AND NOT (tags @> $3)`, p.db.Schema()),
		TagProcessed, id, pq.Array([]string{TagProcessed}))
	return err
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
