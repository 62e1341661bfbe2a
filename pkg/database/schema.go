package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/specmem/specmem/pkg/errors"
	"github.com/specmem/specmem/pkg/observability"
)

// DefaultDimension is used when the provider dimension is not yet known
const DefaultDimension = 768

// hnswM and hnswEfConstruction are the HNSW build parameters for the
// memories embedding index
const (
	hnswM              = 16
	hnswEfConstruction = 64
)

// ExportHook runs before a destructive dimension migration. Collaborators
// that need to preserve old embeddings register one; the default is nil.
type ExportHook func(ctx context.Context, oldDim, newDim int) error

// SchemaManager creates and migrates the per-project schema
type SchemaManager struct {
	db         *Database
	logger     observability.Logger
	exportHook ExportHook
}

// NewSchemaManager creates a schema manager for the database's pinned schema
func NewSchemaManager(db *Database, logger observability.Logger) *SchemaManager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &SchemaManager{db: db, logger: logger.WithPrefix("schema_manager")}
}

// SetExportHook registers a pre-migration export hook
func (m *SchemaManager) SetExportHook(hook ExportHook) {
	m.exportHook = hook
}

// EnsureSchema creates the project schema, tables, and indexes if missing.
// Idempotent and safe to re-run. The vector extension lives in public and is
// shared across projects.
func (m *SchemaManager) EnsureSchema(ctx context.Context) error {
	schema := m.db.Schema()

	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector SCHEMA public`,
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.memories (
			id UUID PRIMARY KEY,
			content TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			importance TEXT NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding public.vector(%d),
			project_path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			related_memories UUID[] NOT NULL DEFAULT '{}',
			consolidated_from UUID[] NOT NULL DEFAULT '{}'
		)`, schema, DefaultDimension),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS memories_content_hash_idx
			ON %s.memories ((metadata->>'contentHash'))`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memories_project_path_idx
			ON %s.memories (project_path)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memories_tags_idx
			ON %s.memories USING gin (tags)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memories_created_at_idx
			ON %s.memories (created_at DESC)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.code_definitions (
			id UUID PRIMARY KEY,
			file_path TEXT NOT NULL,
			language TEXT NOT NULL,
			definition_type TEXT NOT NULL,
			name TEXT NOT NULL,
			signature TEXT,
			docstring TEXT,
			line_start INTEGER NOT NULL,
			line_end INTEGER NOT NULL,
			embedding public.vector(%d),
			project_path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (file_path, name, line_start)
		)`, schema, DefaultDimension),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.indexed_files (
			file_path TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			indexed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.hot_paths (
			id UUID PRIMARY KEY,
			path_hash TEXT NOT NULL UNIQUE,
			memory_ids UUID[] NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 1,
			heat_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			cached_at TIMESTAMPTZ,
			cache_hits INTEGER NOT NULL DEFAULT 0,
			dominant_tags TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.access_transitions (
			from_memory_id UUID NOT NULL,
			to_memory_id UUID NOT NULL,
			transition_count INTEGER NOT NULL DEFAULT 1,
			last_transition_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			session_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (from_memory_id, to_memory_id),
			CHECK (from_memory_id <> to_memory_id)
		)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.embedding_queue (
			id BIGSERIAL PRIMARY KEY,
			project_id TEXT NOT NULL,
			text TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			embedding REAL[],
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			claimed_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ
		)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS embedding_queue_pending_idx
			ON %s.embedding_queue (priority DESC, created_at ASC) WHERE status = 'pending'`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.schema_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, schema),
	}

	for _, stmt := range statements {
		if _, err := m.db.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ClassStoragePermanent, "schema bootstrap failed").
				WithOperation("schema.EnsureSchema")
		}
	}

	if err := m.ensureHNSWIndex(ctx); err != nil {
		return err
	}

	m.logger.Info("Project schema ready", map[string]interface{}{"schema": schema})
	return nil
}

// ProbeDimension reads the declared dimension of memories.embedding. For the
// pgvector type the attribute typmod is the dimension itself. Returns 0 when
// the column is dimensionless.
func (m *SchemaManager) ProbeDimension(ctx context.Context) (int, error) {
	var typmod int
	err := m.db.Get(ctx, &typmod, `
		SELECT a.atttypmod
		FROM pg_attribute a
		JOIN pg_class c ON a.attrelid = c.oid
		JOIN pg_namespace n ON c.relnamespace = n.oid
		WHERE n.nspname = $1 AND c.relname = 'memories' AND a.attname = 'embedding'`,
		m.db.Schema())
	if err != nil {
		return 0, errors.Wrap(err, errors.ClassStoragePermanent, "failed to probe embedding dimension").
			WithOperation("schema.ProbeDimension")
	}
	if typmod < 0 {
		return 0, nil
	}
	return typmod, nil
}

// AlignDimension reconciles the schema's vector dimension with the provider
// dimension learned from the embedder. On mismatch, old embeddings are
// unusable (distances across embedding spaces are meaningless), so dependent
// indexes are dropped, memories is truncated, the column is retyped, and the
// HNSW index is rebuilt. The export hook runs first if registered.
func (m *SchemaManager) AlignDimension(ctx context.Context, providerDim int) error {
	if providerDim <= 0 {
		return errors.Newf(errors.ClassInvalidRequest, "invalid provider dimension %d", providerDim).
			WithOperation("schema.AlignDimension")
	}

	current, err := m.ProbeDimension(ctx)
	if err != nil {
		return err
	}
	if current == providerDim {
		return m.recordDimension(ctx, providerDim)
	}

	m.logger.Warn("Vector dimension mismatch, migrating schema", map[string]interface{}{
		"schema":       m.db.Schema(),
		"current_dim":  current,
		"provider_dim": providerDim,
	})

	if m.exportHook != nil {
		if err := m.exportHook(ctx, current, providerDim); err != nil {
			return errors.Wrap(err, errors.ClassInternal, "pre-migration export hook failed").
				WithOperation("schema.AlignDimension")
		}
	}

	schema := m.db.Schema()
	err = m.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		statements := []string{
			fmt.Sprintf(`DROP INDEX IF EXISTS %s.memories_embedding_hnsw_idx`, schema),
			fmt.Sprintf(`DROP INDEX IF EXISTS %s.code_definitions_embedding_hnsw_idx`, schema),
			fmt.Sprintf(`TRUNCATE %s.memories`, schema),
			fmt.Sprintf(`TRUNCATE %s.code_definitions`, schema),
			fmt.Sprintf(`ALTER TABLE %s.memories ALTER COLUMN embedding TYPE public.vector(%d)`, schema, providerDim),
			fmt.Sprintf(`ALTER TABLE %s.code_definitions ALTER COLUMN embedding TYPE public.vector(%d)`, schema, providerDim),
			fmt.Sprintf(`CREATE INDEX memories_embedding_hnsw_idx ON %s.memories
				USING hnsw (embedding public.vector_cosine_ops) WITH (m = %d, ef_construction = %d)`,
				schema, hnswM, hnswEfConstruction),
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return ClassifyError(err)
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ClassStoragePermanent, "dimension migration failed").
			WithOperation("schema.AlignDimension")
	}

	m.logger.Info("Schema migrated to provider dimension", map[string]interface{}{
		"schema": schema,
		"dim":    providerDim,
	})
	return m.recordDimension(ctx, providerDim)
}

// Dimension returns the recorded provider dimension, or the probed column
// dimension when no marker has been persisted yet.
func (m *SchemaManager) Dimension(ctx context.Context) (int, error) {
	var value string
	err := m.db.Get(ctx, &value, fmt.Sprintf(
		`SELECT value FROM %s.schema_meta WHERE key = 'embedding_dimension'`, m.db.Schema()))
	if err != nil {
		if errors.Is(err, errors.ClassNotFound) {
			return m.ProbeDimension(ctx)
		}
		return 0, err
	}
	var dim int
	if _, err := fmt.Sscanf(value, "%d", &dim); err != nil {
		return 0, errors.Wrap(err, errors.ClassInternal, "corrupt dimension marker").
			WithOperation("schema.Dimension")
	}
	return dim, nil
}

func (m *SchemaManager) recordDimension(ctx context.Context, dim int) error {
	_, err := m.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.schema_meta (key, value, updated_at)
		VALUES ('embedding_dimension', $1, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		m.db.Schema()), fmt.Sprintf("%d", dim))
	if err != nil {
		return errors.Wrap(err, errors.ClassStoragePermanent, "failed to record dimension marker").
			WithOperation("schema.recordDimension")
	}
	return nil
}

func (m *SchemaManager) ensureHNSWIndex(ctx context.Context) error {
	schema := m.db.Schema()

	var exists bool
	err := m.db.Get(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE schemaname = $1 AND indexname = 'memories_embedding_hnsw_idx'
		)`, schema)
	if err != nil && !errors.Is(err, errors.ClassNotFound) {
		if err != sql.ErrNoRows {
			return errors.Wrap(err, errors.ClassStoragePermanent, "failed to check HNSW index").
				WithOperation("schema.ensureHNSWIndex")
		}
	}
	if exists {
		return nil
	}

	_, err = m.db.Exec(ctx, fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS memories_embedding_hnsw_idx ON %s.memories
		USING hnsw (embedding public.vector_cosine_ops) WITH (m = %d, ef_construction = %d)`,
		schema, hnswM, hnswEfConstruction))
	if err != nil {
		return errors.Wrap(err, errors.ClassStoragePermanent, "failed to create HNSW index").
			WithOperation("schema.ensureHNSWIndex")
	}
	return nil
}
