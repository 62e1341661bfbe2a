// Package queue implements the durable overflow path for embedding requests.
// When the embedder is unreachable, texts are parked in the per-project
// embedding_queue table; a later drain embeds them and resolves any future a
// caller is still holding. Rows survive process restarts; futures do not, and
// a drained row with no waiting future still persists its embedding.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/specmem/specmem/pkg/database"
	"github.com/specmem/specmem/pkg/errors"
	"github.com/specmem/specmem/pkg/observability"
)

// Status values for queue rows
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// maxRowRetries is the number of embed attempts before a row is marked failed
const maxRowRetries = 3

// maxPriority caps priority aging
const maxPriority = 9

// staleProcessingAfter bounds how long a claimed row may sit in processing
// before it is treated as abandoned and returned to pending
const staleProcessingAfter = 10 * time.Minute

// EmbedFunc embeds one text
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Result is the outcome delivered to a waiting future
type Result struct {
	Embedding []float32
	Err       error
}

// Pending is the future returned by Enqueue. It resolves when a drain
// processes the row.
type Pending struct {
	ID int64
	ch chan Result
}

// Wait blocks until the row is drained or ctx is done
func (p *Pending) Wait(ctx context.Context) ([]float32, error) {
	select {
	case res := <-p.ch:
		return res.Embedding, res.Err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(ctx.Err(), errors.ClassTimeout, "queue wait timed out")
		}
		return nil, errors.Wrap(ctx.Err(), errors.ClassCancelled, "queue wait cancelled")
	}
}

// Queue is the PostgreSQL-backed embedding overflow queue
type Queue struct {
	db         *database.Database
	projectID  string
	batchSize  int
	agingAfter time.Duration
	logger     observability.Logger
	metrics    observability.MetricsClient

	draining atomic.Bool

	mu      sync.Mutex
	pending map[int64]*Pending
}

// New creates a queue bound to the database's project schema
func New(db *database.Database, projectID string, batchSize int, agingAfter time.Duration, logger observability.Logger, metrics observability.MetricsClient) *Queue {
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Queue{
		db:         db,
		projectID:  projectID,
		batchSize:  batchSize,
		agingAfter: agingAfter,
		logger:     logger.WithPrefix("embedding_queue"),
		metrics:    metrics,
		pending:    make(map[int64]*Pending),
	}
}

// Enqueue inserts a pending row and returns a future for its embedding.
// Never blocks on the embedder; O(1) plus one insert.
func (q *Queue) Enqueue(ctx context.Context, text string, priority int) (*Pending, error) {
	var id int64
	err := q.db.Get(ctx, &id, fmt.Sprintf(`
		INSERT INTO %s.embedding_queue (project_id, text, priority)
		VALUES ($1, $2, $3)
		RETURNING id`, q.db.Schema()),
		q.projectID, text, priority)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassStoragePermanent, "failed to enqueue embedding request").
			WithOperation("queue.Enqueue")
	}

	p := &Pending{ID: id, ch: make(chan Result, 1)}
	q.mu.Lock()
	q.pending[id] = p
	q.mu.Unlock()

	q.metrics.IncrementCounter("embedding_queue_enqueued_total", 1)
	return p, nil
}

// claimedRow is one row locked by a drain batch
type claimedRow struct {
	ID         int64  `db:"id"`
	Text       string `db:"text"`
	RetryCount int    `db:"retry_count"`
}

// Drain claims and embeds pending rows until none remain. Only one drain
// runs at a time per queue; a concurrent call returns immediately with 0.
// Each row commits individually, so a crash loses at most the in-flight row.
func (q *Queue) Drain(ctx context.Context, embed EmbedFunc) (int, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer q.draining.Store(false)

	if err := q.requeueStale(ctx); err != nil {
		q.logger.Warn("Stale row requeue failed", map[string]interface{}{"error": err.Error()})
	}
	if err := q.agePriorities(ctx); err != nil {
		q.logger.Warn("Priority aging failed", map[string]interface{}{"error": err.Error()})
	}

	processed := 0
	for {
		rows, err := q.claimBatch(ctx)
		if err != nil {
			return processed, err
		}
		if len(rows) == 0 {
			return processed, nil
		}

		for _, row := range rows {
			if ctx.Err() != nil {
				return processed, database.ClassifyError(ctx.Err())
			}
			q.processRow(ctx, row, embed)
			processed++
		}
	}
}

// claimBatch locks up to batchSize pending rows and marks them processing.
// FOR UPDATE SKIP LOCKED keeps concurrent drains from other processes from
// double-claiming; the transaction is short by design.
func (q *Queue) claimBatch(ctx context.Context) ([]claimedRow, error) {
	var claimed []claimedRow
	err := q.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		rows := []claimedRow{}
		err := tx.SelectContext(ctx, &rows, fmt.Sprintf(`
			SELECT id, text, retry_count FROM %s.embedding_queue
			WHERE status = 'pending' AND project_id = $1
			ORDER BY priority DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, q.db.Schema()),
			q.projectID, q.batchSize)
		if err != nil {
			return database.ClassifyError(err)
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]int64, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s.embedding_queue SET status = 'processing', claimed_at = now()
			WHERE id = ANY($1)`, q.db.Schema()),
			pq.Array(ids))
		if err != nil {
			return database.ClassifyError(err)
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// processRow embeds one claimed row, writes the outcome, and settles any
// waiting future. Write failures leave the future pending for a later drain.
func (q *Queue) processRow(ctx context.Context, row claimedRow, embed EmbedFunc) {
	vec, embedErr := embed(ctx, row.Text)

	if embedErr == nil {
		_, err := q.db.Exec(ctx, fmt.Sprintf(`
			UPDATE %s.embedding_queue
			SET status = 'completed', embedding = $1, processed_at = now()
			WHERE id = $2`, q.db.Schema()),
			pq.Array(vec), row.ID)
		if err != nil {
			q.logger.Error("Failed to persist drained embedding", map[string]interface{}{
				"id":    row.ID,
				"error": err.Error(),
			})
			return
		}
		q.metrics.IncrementCounter("embedding_queue_completed_total", 1)
		q.settle(row.ID, Result{Embedding: vec})
		return
	}

	retries := row.RetryCount + 1
	if retries >= maxRowRetries {
		_, err := q.db.Exec(ctx, fmt.Sprintf(`
			UPDATE %s.embedding_queue
			SET status = 'failed', error = $1, retry_count = $2, processed_at = now()
			WHERE id = $3`, q.db.Schema()),
			embedErr.Error(), retries, row.ID)
		if err != nil {
			q.logger.Error("Failed to mark queue row failed", map[string]interface{}{
				"id":    row.ID,
				"error": err.Error(),
			})
			return
		}
		q.metrics.IncrementCounter("embedding_queue_failed_total", 1)
		q.settle(row.ID, Result{Err: embedErr})
		return
	}

	// Back to pending for a later drain
	_, err := q.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.embedding_queue
		SET status = 'pending', error = $1, retry_count = $2
		WHERE id = $3`, q.db.Schema()),
		embedErr.Error(), retries, row.ID)
	if err != nil {
		q.logger.Error("Failed to requeue row", map[string]interface{}{
			"id":    row.ID,
			"error": err.Error(),
		})
	}
}

// settle resolves the future for id, if this process still holds one
func (q *Queue) settle(id int64, res Result) {
	q.mu.Lock()
	p, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if ok {
		p.ch <- res
	}
}

// requeueStale returns long-claimed processing rows to pending. A crashed
// drainer or a failed terminal write would otherwise strand the row:
// claimBatch only ever selects pending.
func (q *Queue) requeueStale(ctx context.Context) error {
	res, err := q.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.embedding_queue
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND project_id = $1
		AND claimed_at < now() - $2::interval`, q.db.Schema()),
		q.projectID, fmt.Sprintf("%d seconds", int(staleProcessingAfter.Seconds())))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Warn("Requeued stale processing rows", map[string]interface{}{"count": n})
	}
	return nil
}

// agePriorities bumps the priority of pending rows older than agingAfter so
// starved work eventually drains first
func (q *Queue) agePriorities(ctx context.Context) error {
	if q.agingAfter <= 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.embedding_queue
		SET priority = LEAST(priority + 1, $1)
		WHERE status = 'pending' AND project_id = $2
		AND created_at < now() - $3::interval AND priority < $1`, q.db.Schema()),
		maxPriority, q.projectID, fmt.Sprintf("%d seconds", int(q.agingAfter.Seconds())))
	return err
}

// Cleanup removes completed and failed rows older than the threshold
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := q.db.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s.embedding_queue
		WHERE status IN ('completed', 'failed')
		AND processed_at < now() - $1::interval`, q.db.Schema()),
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, errors.Wrap(err, errors.ClassStoragePermanent, "queue cleanup failed").
			WithOperation("queue.Cleanup")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats summarizes queue state by status
type Stats struct {
	Total       int                `json:"total"`
	ByStatus    map[string]int     `json:"by_status"`
	AvgPriority map[string]float64 `json:"avg_priority"`
}

// Stats returns per-status counts and average priority
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	rows, err := q.db.Query(ctx, fmt.Sprintf(`
		SELECT status, COUNT(*) AS count, AVG(priority) AS avg_priority
		FROM %s.embedding_queue
		WHERE project_id = $1
		GROUP BY status`, q.db.Schema()),
		q.projectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassStoragePermanent, "queue stats failed").
			WithOperation("queue.Stats")
	}
	defer func() { _ = rows.Close() }()

	stats := &Stats{
		ByStatus:    make(map[string]int),
		AvgPriority: make(map[string]float64),
	}
	for rows.Next() {
		var status string
		var count int
		var avg float64
		if err := rows.Scan(&status, &count, &avg); err != nil {
			return nil, database.ClassifyError(err)
		}
		stats.ByStatus[status] = count
		stats.AvgPriority[status] = avg
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, database.ClassifyError(err)
	}
	return stats, nil
}

// PendingFutures returns the number of unresolved futures held in-process
func (q *Queue) PendingFutures() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
