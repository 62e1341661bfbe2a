// Package consolidation merges clusters of related memories into single
// consolidated memories, shrinking the corpus without losing content.
package consolidation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/specmem/specmem/pkg/database"
	"github.com/specmem/specmem/pkg/errors"
	"github.com/specmem/specmem/pkg/memory"
	"github.com/specmem/specmem/pkg/observability"
)

// Strategy selects how candidate clusters are formed
type Strategy string

// Clustering strategies
const (
	StrategySimilarity Strategy = "similarity"
	StrategyTemporal   Strategy = "temporal"
	StrategyTag        Strategy = "tag"
	StrategyImportance Strategy = "importance"
)

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	switch s {
	case StrategySimilarity, StrategyTemporal, StrategyTag, StrategyImportance:
		return true
	}
	return false
}

// contentDelimiter separates merged snippets
const contentDelimiter = "\n---\n"

// candidateLimit bounds how many memories one consolidation pass considers
const candidateLimit = 1000

// Config tunes clustering
type Config struct {
	SimilarityThreshold float64
	TagJaccardThreshold float64
	TemporalWindow      time.Duration
	MinClusterSize      int
}

// Cluster is one group of memories proposed for merging
type Cluster struct {
	Strategy  Strategy `json:"strategy"`
	MemberIDs []string `json:"memberIds"`
}

// Report summarizes one consolidation pass
type Report struct {
	Strategy Strategy  `json:"strategy"`
	Clusters []Cluster `json:"clusters"`
	Merged   int       `json:"merged"`
	Deleted  int       `json:"deleted"`
	DryRun   bool      `json:"dryRun"`
}

// Engine runs consolidation for one project
type Engine struct {
	db          *database.Database
	projectPath string
	cfg         Config
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewEngine creates a consolidation engine
func NewEngine(db *database.Database, projectPath string, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Engine {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if cfg.TagJaccardThreshold <= 0 {
		cfg.TagJaccardThreshold = 0.5
	}
	if cfg.TemporalWindow <= 0 {
		cfg.TemporalWindow = time.Hour
	}
	if cfg.MinClusterSize < 2 {
		cfg.MinClusterSize = 2
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Engine{
		db:          db,
		projectPath: projectPath,
		cfg:         cfg,
		logger:      logger.WithPrefix("consolidation"),
		metrics:     metrics,
	}
}

// Consolidate discovers clusters with the given strategy and, unless dryRun,
// merges each cluster into one consolidated memory and deletes the sources.
func (e *Engine) Consolidate(ctx context.Context, strategy Strategy, dryRun bool) (*Report, error) {
	if !strategy.Valid() {
		return nil, errors.Newf(errors.ClassInvalidRequest, "invalid consolidation strategy %q", strategy).
			WithOperation("consolidation.Consolidate")
	}

	cands, err := e.loadCandidates(ctx)
	if err != nil {
		return nil, err
	}

	var groups [][]string
	switch strategy {
	case StrategySimilarity:
		groups = clusterBySimilarity(cands, e.cfg.SimilarityThreshold, e.cfg.MinClusterSize)
	case StrategyTemporal:
		groups = clusterByTemporal(cands, e.cfg.TemporalWindow, e.cfg.MinClusterSize)
	case StrategyTag:
		groups = clusterByTags(cands, e.cfg.TagJaccardThreshold, e.cfg.MinClusterSize)
	case StrategyImportance:
		groups = clusterByImportance(cands, e.cfg.SimilarityThreshold, e.cfg.MinClusterSize)
	}

	report := &Report{Strategy: strategy, DryRun: dryRun}
	for _, ids := range groups {
		report.Clusters = append(report.Clusters, Cluster{Strategy: strategy, MemberIDs: ids})
	}
	if dryRun {
		return report, nil
	}

	for _, cluster := range report.Clusters {
		if err := e.mergeCluster(ctx, cluster.MemberIDs); err != nil {
			// Clusters merge independently; a failed one is retried next pass
			e.logger.Warn("Cluster merge failed", map[string]interface{}{
				"members": len(cluster.MemberIDs),
				"error":   err.Error(),
			})
			continue
		}
		report.Merged++
		report.Deleted += len(cluster.MemberIDs)
	}
	e.metrics.RecordCounter("consolidation_merged_total", float64(report.Merged), nil)
	return report, nil
}

// loadCandidates fetches the clustering projection, newest first, skipping
// memories that are already consolidation products
func (e *Engine) loadCandidates(ctx context.Context) ([]candidate, error) {
	rows, err := e.db.Query(ctx, fmt.Sprintf(`
		SELECT id, created_at, tags, importance, embedding::text AS embedding_text
		FROM %s.memories
		WHERE project_path = $1 AND memory_type <> 'consolidated'
		AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at DESC
		LIMIT $2`, e.db.Schema()),
		e.projectPath, candidateLimit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cands []candidate
	for rows.Next() {
		var (
			c             candidate
			tags          pq.StringArray
			embeddingText *string
		)
		if err := rows.Scan(&c.ID, &c.CreatedAt, &tags, &c.Importance, &embeddingText); err != nil {
			return nil, database.ClassifyError(err)
		}
		c.Tags = tags
		if embeddingText != nil && *embeddingText != "" {
			vec, err := database.ParseVector(*embeddingText)
			if err != nil {
				return nil, err
			}
			c.Embedding = vec
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, database.ClassifyError(err)
	}
	return cands, nil
}

// mergeCluster merges one cluster atomically: insert the consolidated memory,
// cascade-delete the sources, commit
func (e *Engine) mergeCluster(ctx context.Context, ids []string) error {
	return e.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx, fmt.Sprintf(`
			SELECT `+memory.SelectColumns+`
			FROM %s.memories
			WHERE id = ANY($1::uuid[]) AND project_path = $2
			ORDER BY created_at ASC
			FOR UPDATE`, e.db.Schema()),
			pq.Array(ids), e.projectPath)
		if err != nil {
			return database.ClassifyError(err)
		}
		members, err := memory.ScanMemories(rows)
		_ = rows.Close()
		if err != nil {
			return err
		}
		if len(members) < 2 {
			// Another pass already consumed part of this cluster
			return nil
		}

		merged := buildMerged(members, e.projectPath)
		sourceIDs := make([]string, len(members))
		for i, m := range members {
			sourceIDs[i] = m.ID
		}

		var embeddingArg interface{}
		if merged.Embedding != nil {
			embeddingArg = database.FormatVector(merged.Embedding)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.memories
				(id, content, memory_type, importance, tags, metadata, embedding,
				 project_path, consolidated_from)
			VALUES ($1, $2, 'consolidated', $3, $4, $5, $6::public.vector, $7, $8::uuid[])`,
			e.db.Schema()),
			merged.ID, merged.Content, merged.Importance,
			pq.Array([]string(merged.Tags)), merged.Metadata, embeddingArg,
			e.projectPath, pq.Array(sourceIDs))
		if err != nil {
			return database.ClassifyError(err)
		}

		idArray := pq.Array(sourceIDs)
		cascade := []string{
			fmt.Sprintf(`DELETE FROM %s.access_transitions
				WHERE from_memory_id = ANY($1::uuid[]) OR to_memory_id = ANY($1::uuid[])`, e.db.Schema()),
			fmt.Sprintf(`DELETE FROM %s.hot_paths WHERE memory_ids && $1::uuid[]`, e.db.Schema()),
			fmt.Sprintf(`DELETE FROM %s.memories WHERE id = ANY($1::uuid[])`, e.db.Schema()),
		}
		for _, stmt := range cascade {
			if _, err := tx.ExecContext(ctx, stmt, idArray); err != nil {
				return database.ClassifyError(err)
			}
		}
		return nil
	})
}

// buildMerged folds cluster members into one consolidated memory
func buildMerged(members []*memory.Memory, projectPath string) *memory.Memory {
	var (
		snippets   []string
		seen       = make(map[string]struct{})
		tagSet     = make(map[string]struct{})
		importance = memory.ImportanceTrivial
		embeddings [][]float32
	)
	for _, m := range members {
		snippet := strings.TrimSpace(m.Content)
		if _, dup := seen[snippet]; !dup && snippet != "" {
			seen[snippet] = struct{}{}
			snippets = append(snippets, snippet)
		}
		for _, t := range m.Tags {
			tagSet[t] = struct{}{}
		}
		importance = memory.MaxImportance(importance, m.Importance)
		if m.Embedding != nil {
			embeddings = append(embeddings, m.Embedding)
		}
	}

	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	var embedding []float32
	if len(embeddings) > 0 {
		if mean, err := database.MeanVector(embeddings); err == nil {
			embedding = database.NormalizeL2(mean)
		}
	}

	content := strings.Join(snippets, contentDelimiter)
	return &memory.Memory{
		ID:         uuid.NewString(),
		Content:    content,
		MemoryType: memory.TypeConsolidated,
		Importance: importance,
		Tags:       tags,
		Metadata: memory.Metadata{
			memory.MetadataKeyContentHash: memory.ContentHash("", content, projectPath),
		},
		Embedding: embedding,
	}
}
