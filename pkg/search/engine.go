package search

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/specmem/specmem/pkg/database"
	"github.com/specmem/specmem/pkg/embedding"
	"github.com/specmem/specmem/pkg/errors"
	"github.com/specmem/specmem/pkg/memory"
	"github.com/specmem/specmem/pkg/observability"
)

// EngineConfig tunes the search engine
type EngineConfig struct {
	DefaultLimit     int
	MaxContentLength int
	// FixedThreshold, when positive, replaces the adaptive threshold
	FixedThreshold float64
	// ThresholdTTL is how long the adaptive threshold is cached
	ThresholdTTL time.Duration
}

// Recency boost factors
const (
	boostWithinHour = 1.20
	boostWithinDay  = 1.10
)

// Engine runs hybrid searches for one project
type Engine struct {
	db          *database.Database
	store       *memory.Store
	embedder    embedding.Embedder
	registry    *Registry
	projectPath string
	cfg         EngineConfig
	logger      observability.Logger
	metrics     observability.MetricsClient

	mu          sync.Mutex
	cachedAt    time.Time
	cachedBand  string
	cachedThold float64
	cachedSize  int
}

// NewEngine creates a search engine bound to a project's store
func NewEngine(db *database.Database, store *memory.Store, embedder embedding.Embedder, registry *Registry, cfg EngineConfig, logger observability.Logger, metrics observability.MetricsClient) *Engine {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 500
	}
	if cfg.ThresholdTTL <= 0 {
		cfg.ThresholdTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Engine{
		db:          db,
		store:       store,
		embedder:    embedder,
		registry:    registry,
		projectPath: store.ProjectPath(),
		cfg:         cfg,
		logger:      logger.WithPrefix("search"),
		metrics:     metrics,
	}
}

// Registry exposes the drilldown registry for the tool surface
func (e *Engine) Registry() *Registry { return e.registry }

// scoredRow is a memory row plus its cosine similarity
type scoredRow struct {
	memory.Memory
	EmbeddingText sql.NullString `db:"embedding_text"`
	Similarity    float64        `db:"similarity"`
}

// Search runs the full hybrid pipeline: adaptive threshold, vector search
// with recency boost, recent-merge, keyword fallback, summarization, and
// camera-roll wrapping. The query embedding is mandatory; if the embedder
// cannot produce one the search fails rather than degrade into a foreign
// vector space.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	start := time.Now()
	if strings.TrimSpace(query) == "" {
		return nil, errors.New(errors.ClassInvalidRequest, "query is required").
			WithOperation("search.Search")
	}

	band, threshold, corpus, err := e.resolveThreshold(ctx)
	if err != nil {
		return nil, err
	}
	if e.cfg.FixedThreshold > 0 {
		threshold = e.cfg.FixedThreshold
	}
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if band == BandSparse && corpus > 0 && limit > corpus {
		limit = corpus
	}

	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	results, err := e.vectorSearch(ctx, queryVec, limit, opts)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if opts.RecencyBoost {
		for _, r := range results {
			r.Similarity *= recencyFactor(r.Memory, now)
		}
	}

	filtered := results[:0]
	for _, r := range results {
		if r.Similarity >= threshold {
			filtered = append(filtered, r)
		}
	}
	results = filtered

	if opts.IncludeRecent > 0 {
		results, err = e.mergeRecent(ctx, results, opts.IncludeRecent)
		if err != nil {
			return nil, err
		}
	}

	usedFallback := false
	if len(results) == 0 && opts.KeywordFallback {
		results, err = e.keywordSearch(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		usedFallback = len(results) > 0
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
	})

	if opts.Summarize {
		maxLen := opts.MaxContentLength
		if maxLen <= 0 {
			maxLen = e.cfg.MaxContentLength
		}
		for _, r := range results {
			r.Memory.Content = Summarize(r.Memory.Content, maxLen)
		}
	}

	if opts.CameraRoll && e.registry != nil {
		for _, r := range results {
			r.DrilldownID = e.registry.Register(r.Memory.ID, "memory")
		}
	}

	elapsed := time.Since(start)
	e.metrics.RecordOperation("search", "search", true, elapsed.Seconds())
	return &Response{
		Results: results,
		Diagnostics: &Diagnostics{
			Threshold:    threshold,
			Band:         band,
			CorpusSize:   corpus,
			UsedFallback: usedFallback,
			Elapsed:      elapsed,
		},
	}, nil
}

// resolveThreshold returns the cached adaptive threshold, refreshing from
// the corpus embedding count when stale
func (e *Engine) resolveThreshold(ctx context.Context) (string, float64, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cachedAt.IsZero() && time.Since(e.cachedAt) < e.cfg.ThresholdTTL {
		return e.cachedBand, e.cachedThold, e.cachedSize, nil
	}

	corpus, err := e.store.EmbeddedCount(ctx)
	if err != nil {
		return "", 0, 0, err
	}
	band, threshold := bandFor(corpus)
	e.cachedAt = time.Now()
	e.cachedBand = band
	e.cachedThold = threshold
	e.cachedSize = corpus
	e.logger.Debug("Adaptive threshold refreshed", map[string]interface{}{
		"band":      band,
		"threshold": threshold,
		"corpus":    corpus,
	})
	return band, threshold, corpus, nil
}

// InvalidateThresholdCache forces the next search to re-sample the corpus
func (e *Engine) InvalidateThresholdCache() {
	e.mu.Lock()
	e.cachedAt = time.Time{}
	e.mu.Unlock()
}

func (e *Engine) vectorSearch(ctx context.Context, queryVec []float32, limit int, opts Options) ([]*Result, error) {
	args := []interface{}{database.FormatVector(queryVec), e.projectPath}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conds := []string{
		"project_path = $2",
		"embedding IS NOT NULL",
		"(expires_at IS NULL OR expires_at > now())",
	}
	if len(opts.MemoryTypes) > 0 {
		types := make([]string, len(opts.MemoryTypes))
		for i, t := range opts.MemoryTypes {
			if !t.Valid() {
				return nil, errors.Newf(errors.ClassInvalidRequest, "invalid memory type %q", t).
					WithOperation("search.Search")
			}
			types[i] = string(t)
		}
		conds = append(conds, "memory_type = ANY("+arg(pq.Array(types))+")")
	}
	if len(opts.Tags) > 0 {
		conds = append(conds, "tags && "+arg(pq.Array(opts.Tags)))
	}
	if opts.Role != "" {
		conds = append(conds, "metadata->>'role' = "+arg(opts.Role))
	}
	if opts.Since != nil {
		conds = append(conds, "created_at >= "+arg(*opts.Since))
	}
	if opts.Until != nil {
		conds = append(conds, "created_at <= "+arg(*opts.Until))
	}

	rows, err := e.db.Query(ctx, fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $1::public.vector) AS similarity
		FROM %s.memories
		WHERE %s
		ORDER BY embedding <=> $1::public.vector
		LIMIT %d`,
		memory.SelectColumns, e.db.Schema(), strings.Join(conds, " AND "), limit),
		args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*Result
	for rows.Next() {
		var r scoredRow
		if err := rows.StructScan(&r); err != nil {
			return nil, database.ClassifyError(err)
		}
		m := r.Memory
		results = append(results, &Result{Memory: &m, Similarity: r.Similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, database.ClassifyError(err)
	}
	return results, nil
}

// mergeRecent appends the N newest memories not already present
func (e *Engine) mergeRecent(ctx context.Context, results []*Result, n int) ([]*Result, error) {
	recent, err := e.store.Recent(ctx, n)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		seen[r.Memory.ID] = struct{}{}
	}
	for _, m := range recent {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		results = append(results, &Result{Memory: m})
	}
	return results, nil
}

// likeEscaper neutralizes LIKE metacharacters so a query matches literally
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// keywordSearch is the clearly-flagged fallback for when vector search finds
// nothing: a case-insensitive substring match over content
func (e *Engine) keywordSearch(ctx context.Context, query string, limit int) ([]*Result, error) {
	rows, err := e.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.memories
		WHERE project_path = $1
		AND content ILIKE '%%' || $2 || '%%'
		AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at DESC
		LIMIT $3`, memory.SelectColumns, e.db.Schema()),
		e.projectPath, likeEscaper.Replace(query), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	mems, err := memory.ScanMemories(rows)
	if err != nil {
		return nil, err
	}
	results := make([]*Result, len(mems))
	for i, m := range mems {
		results[i] = &Result{Memory: m, IsFallback: true}
	}
	return results, nil
}

// recencyFactor boosts memories touched within the last hour or day, keyed
// on last access falling back to creation time
func recencyFactor(m *memory.Memory, now time.Time) float64 {
	ref := m.CreatedAt
	if m.LastAccessedAt != nil {
		ref = *m.LastAccessedAt
	}
	age := now.Sub(ref)
	switch {
	case age <= time.Hour:
		return boostWithinHour
	case age <= 24*time.Hour:
		return boostWithinDay
	default:
		return 1.0
	}
}

// Summarize compresses content to roughly maxLen runes, keeping the head and
// tail with an ellipsis between. Short content passes through untouched.
func Summarize(content string, maxLen int) string {
	runes := []rune(content)
	if maxLen <= 0 || len(runes) <= maxLen {
		return content
	}
	head := maxLen * 2 / 3
	tail := maxLen - head
	return string(runes[:head]) + "\n…\n" + string(runes[len(runes)-tail:])
}

// DrillDownResult is the expansion of one camera-roll id
type DrillDownResult struct {
	DrilldownID int64          `json:"drilldownId"`
	Memory      *memory.Memory `json:"memory"`
	Related     []*Result      `json:"related"`
}

// Related-memory bounds for drilldown
const (
	drilldownRelatedMin = 3
	drilldownRelatedMax = 5
)

// DrillDown expands a camera-roll id into the full memory plus related
// memories, each re-registered so the caller can keep drilling
func (e *Engine) DrillDown(ctx context.Context, id int64) (*DrillDownResult, error) {
	if e.registry == nil {
		return nil, errors.New(errors.ClassInternal, "drilldown registry is not configured").
			WithOperation("search.DrillDown")
	}
	entry, ok := e.registry.Resolve(id)
	if !ok {
		return nil, errors.Newf(errors.ClassNotFound, "drilldown id %d is unknown or expired", id).
			WithOperation("search.DrillDown").
			WithHint("drilldown ids are only valid for the process that issued them; run a new search")
	}

	mem, err := e.store.Get(ctx, entry.MemoryID)
	if err != nil {
		return nil, err
	}

	relatedIDs := make([]string, 0, drilldownRelatedMax)
	for _, rid := range mem.RelatedMemories {
		if len(relatedIDs) == drilldownRelatedMax {
			break
		}
		relatedIDs = append(relatedIDs, rid)
	}
	if len(relatedIDs) < drilldownRelatedMin && mem.Embedding != nil {
		neighbors, err := e.nearestNeighbors(ctx, mem, append([]string{mem.ID}, relatedIDs...),
			drilldownRelatedMax-len(relatedIDs))
		if err != nil {
			return nil, err
		}
		relatedIDs = append(relatedIDs, neighbors...)
	}

	relMems, err := e.store.GetByIDs(ctx, relatedIDs)
	if err != nil {
		return nil, err
	}

	related := make([]*Result, len(relMems))
	for i, m := range relMems {
		related[i] = &Result{
			Memory:      m,
			DrilldownID: e.registry.Register(m.ID, "related"),
		}
	}
	return &DrillDownResult{
		DrilldownID: e.registry.Register(mem.ID, "memory"),
		Memory:      mem,
		Related:     related,
	}, nil
}

// nearestNeighbors finds vector neighbors of a memory, excluding the given
// ids
func (e *Engine) nearestNeighbors(ctx context.Context, mem *memory.Memory, exclude []string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var ids []string
	err := e.db.Select(ctx, &ids, fmt.Sprintf(`
		SELECT id FROM %s.memories
		WHERE project_path = $1
		AND embedding IS NOT NULL
		AND NOT (id = ANY($2::uuid[]))
		ORDER BY embedding <=> $3::public.vector
		LIMIT $4`, e.db.Schema()),
		e.projectPath, pq.Array(exclude), database.FormatVector(mem.Embedding), limit)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
