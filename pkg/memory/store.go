package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/specmem/specmem/pkg/database"
	"github.com/specmem/specmem/pkg/embedding/queue"
	"github.com/specmem/specmem/pkg/errors"
	"github.com/specmem/specmem/pkg/observability"
)

// EmbeddingQueue is the overflow path consulted when a memory arrives
// without an embedding
type EmbeddingQueue interface {
	Enqueue(ctx context.Context, text string, priority int) (*queue.Pending, error)
}

// AccessObserver is notified on every memory fetch. HotPathManager registers
// itself here; the store never blocks on the observer.
type AccessObserver interface {
	ObserveAccess(ctx context.Context, memoryID string)
}

// SelectColumns is the column list shared by every memory-returning query.
// The embedding is selected as text so callers can parse it lazily.
const SelectColumns = `id, content, memory_type, importance, tags, metadata,
	project_path, created_at, updated_at, access_count, last_accessed_at,
	expires_at, related_memories, consolidated_from, embedding::text AS embedding_text`

// attachWaitLimit bounds the background wait for a queued embedding
const attachWaitLimit = time.Hour

// Store owns memory persistence for one project
type Store struct {
	db          *database.Database
	projectPath string
	dimension   int
	embedQueue  EmbeddingQueue
	observer    AccessObserver
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewStore creates a memory store. dimension is the schema's vector
// dimension, used to validate caller-provided embeddings.
func NewStore(db *database.Database, projectPath string, dimension int, logger observability.Logger, metrics observability.MetricsClient) *Store {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Store{
		db:          db,
		projectPath: projectPath,
		dimension:   dimension,
		logger:      logger.WithPrefix("memory_store"),
		metrics:     metrics,
	}
}

// SetEmbeddingQueue wires the overflow queue for embedding-less inserts
func (s *Store) SetEmbeddingQueue(q EmbeddingQueue) { s.embedQueue = q }

// SetAccessObserver wires the access observer
func (s *Store) SetAccessObserver(o AccessObserver) { s.observer = o }

// SetDimension updates the validated dimension after a schema migration
func (s *Store) SetDimension(dim int) { s.dimension = dim }

// ProjectPath returns the owning project path
func (s *Store) ProjectPath() string { return s.projectPath }

// Insert persists a memory, deduplicating by content hash. Returns the
// stored memory and whether a new row was created. A duplicate insert
// returns the existing row with inserted=false.
func (s *Store) Insert(ctx context.Context, input Input) (*Memory, bool, error) {
	if err := s.validateInput(&input); err != nil {
		return nil, false, err
	}

	hash := ContentHash(input.Role, input.Content, s.projectPath)
	metadata := make(Metadata, len(input.Metadata)+2)
	for k, v := range input.Metadata {
		metadata[k] = v
	}
	metadata[MetadataKeyContentHash] = hash

	tags := input.Tags
	if input.Role != "" {
		metadata[MetadataKeyRole] = input.Role
		tags = append(append(make([]string, 0, len(tags)+1), tags...), "role:"+input.Role)
	}

	var embeddingArg interface{}
	if input.Embedding != nil {
		if s.dimension > 0 && len(input.Embedding) != s.dimension {
			return nil, false, errors.Newf(errors.ClassSchemaMismatch,
				"embedding dimension %d does not match schema dimension %d",
				len(input.Embedding), s.dimension).
				WithOperation("memory.Insert")
		}
		embeddingArg = database.FormatVector(input.Embedding)
	}

	id := uuid.NewString()
	var insertedID string
	err := s.db.Get(ctx, &insertedID, fmt.Sprintf(`
		INSERT INTO %s.memories
			(id, content, memory_type, importance, tags, metadata, embedding,
			 project_path, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::public.vector, $8, $9, COALESCE($10, now()))
		ON CONFLICT ((metadata->>'contentHash')) DO NOTHING
		RETURNING id`, s.db.Schema()),
		id, input.Content, input.MemoryType, input.Importance,
		pq.Array(dedupeTags(tags)), metadata, embeddingArg,
		s.projectPath, input.ExpiresAt, input.CreatedAt)

	inserted := true
	if err != nil {
		if !errors.Is(err, errors.ClassNotFound) {
			return nil, false, err
		}
		// Conflict: the hash already exists in this project
		inserted = false
		err = s.db.Get(ctx, &insertedID, fmt.Sprintf(`
			SELECT id FROM %s.memories
			WHERE metadata->>'contentHash' = $1 AND project_path = $2`, s.db.Schema()),
			hash, s.projectPath)
		if err != nil {
			return nil, false, err
		}
	}

	mem, err := s.fetch(ctx, insertedID)
	if err != nil {
		return nil, false, err
	}

	if inserted && input.Embedding == nil && s.embedQueue != nil {
		s.enqueueEmbedding(ctx, mem.ID, input.Content)
	}

	s.metrics.RecordOperation("memory_store", "insert", true, 0)
	return mem, inserted, nil
}

// enqueueEmbedding parks the text on the overflow queue and attaches the
// embedding to the row whenever the drain delivers it
func (s *Store) enqueueEmbedding(ctx context.Context, memoryID, content string) {
	pending, err := s.embedQueue.Enqueue(ctx, content, 0)
	if err != nil {
		s.logger.Warn("Failed to enqueue embedding request", map[string]interface{}{
			"memory_id": memoryID,
			"error":     err.Error(),
		})
		return
	}
	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), attachWaitLimit)
		defer cancel()
		vec, err := pending.Wait(waitCtx)
		if err != nil {
			s.logger.Warn("Queued embedding never resolved", map[string]interface{}{
				"memory_id": memoryID,
				"error":     err.Error(),
			})
			return
		}
		if err := s.AttachEmbedding(waitCtx, memoryID, vec); err != nil {
			s.logger.Error("Failed to attach drained embedding", map[string]interface{}{
				"memory_id": memoryID,
				"error":     err.Error(),
			})
		}
	}()
}

// AttachEmbedding fills the embedding of an existing row
func (s *Store) AttachEmbedding(ctx context.Context, memoryID string, vec []float32) error {
	if s.dimension > 0 && len(vec) != s.dimension {
		return errors.Newf(errors.ClassSchemaMismatch,
			"embedding dimension %d does not match schema dimension %d", len(vec), s.dimension).
			WithOperation("memory.AttachEmbedding")
	}
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.memories SET embedding = $1::public.vector, updated_at = now()
		WHERE id = $2 AND project_path = $3`, s.db.Schema()),
		database.FormatVector(vec), memoryID, s.projectPath)
	return err
}

// Get fetches a memory by id, bumping its access counters and notifying the
// access observer
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s.memories
		SET access_count = access_count + 1, last_accessed_at = now()
		WHERE id = $1 AND project_path = $2
		RETURNING `+SelectColumns, s.db.Schema()),
		id, s.projectPath)

	mem, err := scanMemoryRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Newf(errors.ClassNotFound, "memory %s not found", id).
				WithOperation("memory.Get")
		}
		return nil, database.ClassifyError(err)
	}

	if s.observer != nil {
		s.observer.ObserveAccess(ctx, mem.ID)
	}
	return mem, nil
}

// fetch loads a memory without touching access counters
func (s *Store) fetch(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT `+SelectColumns+` FROM %s.memories WHERE id = $1 AND project_path = $2`,
		s.db.Schema()),
		id, s.projectPath)
	mem, err := scanMemoryRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Newf(errors.ClassNotFound, "memory %s not found", id)
		}
		return nil, database.ClassifyError(err)
	}
	return mem, nil
}

// GetByIDs fetches several memories without touching access counters
func (s *Store) GetByIDs(ctx context.Context, ids []string) ([]*Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT `+SelectColumns+` FROM %s.memories
		 WHERE id = ANY($1::uuid[]) AND project_path = $2`, s.db.Schema()),
		pq.Array(ids), s.projectPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return ScanMemories(rows)
}

// RecallByTags returns memories carrying the given tags. matchAll requires
// every tag; otherwise any overlap qualifies.
func (s *Store) RecallByTags(ctx context.Context, tags []string, matchAll bool, limit int) ([]*Memory, error) {
	if len(tags) == 0 {
		return nil, errors.New(errors.ClassInvalidRequest, "at least one tag is required").
			WithOperation("memory.RecallByTags")
	}
	if limit <= 0 {
		limit = 20
	}
	op := "&&"
	if matchAll {
		op = "@>"
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT `+SelectColumns+` FROM %s.memories
		 WHERE tags %s $1 AND project_path = $2
		 ORDER BY created_at DESC LIMIT $3`, s.db.Schema(), op),
		pq.Array(tags), s.projectPath, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return ScanMemories(rows)
}

// Recent returns the newest memories
func (s *Store) Recent(ctx context.Context, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT `+SelectColumns+` FROM %s.memories
		 WHERE project_path = $1
		 ORDER BY created_at DESC LIMIT $2`, s.db.Schema()),
		s.projectPath, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return ScanMemories(rows)
}

// Update applies a partial patch. Content changes recompute the hash and
// clear the embedding; the queue refills it asynchronously.
func (s *Store) Update(ctx context.Context, id string, patch UpdatePatch) (*Memory, error) {
	existing, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	sets := []string{"updated_at = now()"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	contentChanged := false
	if patch.Content != nil && *patch.Content != existing.Content {
		if len(*patch.Content) > MaxContentBytes {
			return nil, errors.New(errors.ClassInvalidRequest, "content exceeds 1 MiB").
				WithOperation("memory.Update")
		}
		contentChanged = true
		sets = append(sets, "content = "+arg(*patch.Content))
		sets = append(sets, "embedding = NULL")

		role, _ := existing.Metadata[MetadataKeyRole].(string)
		newHash := ContentHash(role, *patch.Content, s.projectPath)
		merged := existing.Metadata
		if patch.Metadata != nil {
			for k, v := range patch.Metadata {
				merged[k] = v
			}
		}
		merged[MetadataKeyContentHash] = newHash
		sets = append(sets, "metadata = "+arg(merged))
	} else if patch.Metadata != nil {
		merged := existing.Metadata
		for k, v := range patch.Metadata {
			merged[k] = v
		}
		// The dedup hash is never patched directly
		merged[MetadataKeyContentHash] = existing.ContentHash()
		sets = append(sets, "metadata = "+arg(merged))
	}

	if patch.MemoryType != nil {
		if !patch.MemoryType.Valid() {
			return nil, errors.Newf(errors.ClassInvalidRequest, "invalid memory type %q", *patch.MemoryType)
		}
		sets = append(sets, "memory_type = "+arg(*patch.MemoryType))
	}
	if patch.Importance != nil {
		if !patch.Importance.Valid() {
			return nil, errors.Newf(errors.ClassInvalidRequest, "invalid importance %q", *patch.Importance)
		}
		sets = append(sets, "importance = "+arg(*patch.Importance))
	}
	if patch.Tags != nil {
		if len(patch.Tags) > MaxTags {
			return nil, errors.Newf(errors.ClassInvalidRequest, "too many tags (max %d)", MaxTags)
		}
		sets = append(sets, "tags = "+arg(pq.Array(dedupeTags(patch.Tags))))
	}
	if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = "+arg(*patch.ExpiresAt))
	}

	query := fmt.Sprintf(`UPDATE %s.memories SET %s WHERE id = %s AND project_path = %s`,
		s.db.Schema(), strings.Join(sets, ", "), arg(id), arg(s.projectPath))
	res, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.Newf(errors.ClassNotFound, "memory %s not found", id).
			WithOperation("memory.Update")
	}

	if contentChanged && s.embedQueue != nil {
		s.enqueueEmbedding(ctx, id, *patch.Content)
	}
	return s.fetch(ctx, id)
}

// Link records a bidirectional relation between two memories
func (s *Store) Link(ctx context.Context, idA, idB string) error {
	if idA == idB {
		return errors.New(errors.ClassInvalidRequest, "cannot link a memory to itself").
			WithOperation("memory.Link")
	}
	return s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		for _, pair := range [][2]string{{idA, idB}, {idB, idA}} {
			res, err := tx.ExecContext(ctx, fmt.Sprintf(`
				UPDATE %s.memories
				SET related_memories = array_append(related_memories, $1::uuid), updated_at = now()
				WHERE id = $2 AND project_path = $3
				AND NOT (related_memories @> ARRAY[$1]::uuid[])`, s.db.Schema()),
				pair[1], pair[0], s.projectPath)
			if err != nil {
				return database.ClassifyError(err)
			}
			// Zero rows means either already linked or missing; distinguish
			if n, _ := res.RowsAffected(); n == 0 {
				var exists bool
				err := tx.GetContext(ctx, &exists, fmt.Sprintf(
					`SELECT EXISTS (SELECT 1 FROM %s.memories WHERE id = $1 AND project_path = $2)`,
					s.db.Schema()), pair[0], s.projectPath)
				if err != nil {
					return database.ClassifyError(err)
				}
				if !exists {
					return errors.Newf(errors.ClassNotFound, "memory %s not found", pair[0]).
						WithOperation("memory.Link")
				}
			}
		}
		return nil
	})
}

// DeleteByIDs removes memories and cascades to access transitions and hot
// paths that reference any of them. Project-scoped.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.deleteWhere(ctx, `id = ANY($2::uuid[])`, pq.Array(ids))
}

// DeleteOlderThan removes memories created before the cutoff
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteWhere(ctx, `created_at < $2`, cutoff)
}

// DeleteByTags removes memories matching the tag set. matchAll requires
// every tag (containment); otherwise any overlap qualifies.
func (s *Store) DeleteByTags(ctx context.Context, tags []string, matchAll bool) (int64, error) {
	if len(tags) == 0 {
		return 0, errors.New(errors.ClassInvalidRequest, "at least one tag is required").
			WithOperation("memory.DeleteByTags")
	}
	op := "&&"
	if matchAll {
		op = "@>"
	}
	return s.deleteWhere(ctx, fmt.Sprintf(`tags %s $2`, op), pq.Array(tags))
}

// DeleteExpired removes memories whose expires_at has passed
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	return s.deleteWhere(ctx, `expires_at IS NOT NULL AND expires_at <= now()`)
}

// deleteWhere selects the doomed ids, cascades, and deletes, all in one
// transaction. extraArgs starts at $2; $1 is always the project path.
func (s *Store) deleteWhere(ctx context.Context, predicate string, extraArgs ...interface{}) (int64, error) {
	var deleted int64
	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		args := append([]interface{}{s.projectPath}, extraArgs...)
		var ids []string
		err := tx.SelectContext(ctx, &ids, fmt.Sprintf(
			`SELECT id FROM %s.memories WHERE project_path = $1 AND %s FOR UPDATE`,
			s.db.Schema(), predicate), args...)
		if err != nil {
			return database.ClassifyError(err)
		}
		if len(ids) == 0 {
			return nil
		}

		idArray := pq.Array(ids)
		cascade := []string{
			fmt.Sprintf(`DELETE FROM %s.access_transitions
				WHERE from_memory_id = ANY($1::uuid[]) OR to_memory_id = ANY($1::uuid[])`, s.db.Schema()),
			fmt.Sprintf(`DELETE FROM %s.hot_paths WHERE memory_ids && $1::uuid[]`, s.db.Schema()),
			fmt.Sprintf(`DELETE FROM %s.memories WHERE id = ANY($1::uuid[])`, s.db.Schema()),
		}
		for i, stmt := range cascade {
			res, err := tx.ExecContext(ctx, stmt, idArray)
			if err != nil {
				return database.ClassifyError(err)
			}
			if i == len(cascade)-1 {
				deleted, _ = res.RowsAffected()
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// TypeCounts returns memory counts grouped by type
func (s *Store) TypeCounts(ctx context.Context) (map[MemoryType]int, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT memory_type, COUNT(*) FROM %s.memories
		WHERE project_path = $1 GROUP BY memory_type`, s.db.Schema()),
		s.projectPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[MemoryType]int)
	for rows.Next() {
		var t MemoryType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, database.ClassifyError(err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// ImportanceCounts returns memory counts grouped by importance
func (s *Store) ImportanceCounts(ctx context.Context) (map[Importance]int, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT importance, COUNT(*) FROM %s.memories
		WHERE project_path = $1 GROUP BY importance`, s.db.Schema()),
		s.projectPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Importance]int)
	for rows.Next() {
		var imp Importance
		var n int
		if err := rows.Scan(&imp, &n); err != nil {
			return nil, database.ClassifyError(err)
		}
		counts[imp] = n
	}
	return counts, rows.Err()
}

// EmbeddedCount returns the number of memories with an embedding, used by
// the search engine's adaptive thresholding
func (s *Store) EmbeddedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.Get(ctx, &n, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s.memories
		WHERE project_path = $1 AND embedding IS NOT NULL`, s.db.Schema()),
		s.projectPath)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) validateInput(input *Input) error {
	if strings.TrimSpace(input.Content) == "" {
		return errors.New(errors.ClassInvalidRequest, "content is required").
			WithOperation("memory.Insert")
	}
	if len(input.Content) > MaxContentBytes {
		return errors.New(errors.ClassInvalidRequest, "content exceeds 1 MiB").
			WithOperation("memory.Insert")
	}
	if input.MemoryType == "" {
		input.MemoryType = TypeSemantic
	}
	if !input.MemoryType.Valid() {
		return errors.Newf(errors.ClassInvalidRequest, "invalid memory type %q", input.MemoryType).
			WithOperation("memory.Insert")
	}
	if input.Importance == "" {
		input.Importance = ImportanceMedium
	}
	if !input.Importance.Valid() {
		return errors.Newf(errors.ClassInvalidRequest, "invalid importance %q", input.Importance).
			WithOperation("memory.Insert")
	}
	if len(input.Tags) > MaxTags {
		return errors.Newf(errors.ClassInvalidRequest, "too many tags (max %d)", MaxTags).
			WithOperation("memory.Insert")
	}
	return nil
}

func dedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
