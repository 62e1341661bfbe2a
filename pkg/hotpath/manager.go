// Package hotpath learns recurring memory access sequences and uses them to
// predict and prefetch likely next accesses.
package hotpath

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lib/pq"

	"github.com/specmem/specmem/pkg/database"
	"github.com/specmem/specmem/pkg/memory"
	"github.com/specmem/specmem/pkg/observability"
)

// Promotion parameters
const (
	// promoteEvery triggers a buffer scan every K recorded accesses
	promoteEvery = 10
	// minPairCount is the transition count every adjacent pair must reach
	// before a window is promoted
	minPairCount = 3
	// maxSessionBuffer bounds per-session memory
	maxSessionBuffer = 200
	// pathHashLen is the number of hex characters kept from the digest
	pathHashLen = 16
	// prefetchCacheSize bounds the warm-memory cache
	prefetchCacheSize = 256
)

// Config tunes heat decay
type Config struct {
	DecayFactor float64
	PruneFloor  float64
}

// HotPath is one promoted access sequence
type HotPath struct {
	ID             string         `db:"id" json:"id"`
	PathHash       string         `db:"path_hash" json:"pathHash"`
	MemoryIDs      pq.StringArray `db:"memory_ids" json:"memoryIds"`
	AccessCount    int            `db:"access_count" json:"accessCount"`
	HeatScore      float64        `db:"heat_score" json:"heatScore"`
	CacheHits      int            `db:"cache_hits" json:"cacheHits"`
	LastAccessedAt time.Time      `db:"last_accessed_at" json:"lastAccessedAt"`
}

// Prediction is one candidate next access
type Prediction struct {
	MemoryID        string `db:"to_memory_id" json:"memoryId"`
	TransitionCount int    `db:"transition_count" json:"transitionCount"`
}

// Manager observes memory accesses for one project
type Manager struct {
	db      *database.Database
	store   *memory.Store
	cfg     Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu       sync.Mutex
	sessions map[string][]string

	prefetch *lru.Cache[string, *memory.Memory]
}

// NewManager creates a hot path manager
func NewManager(db *database.Database, store *memory.Store, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if cfg.DecayFactor <= 0 || cfg.DecayFactor >= 1 {
		cfg.DecayFactor = 0.95
	}
	if cfg.PruneFloor <= 0 {
		cfg.PruneFloor = 0.5
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	prefetch, _ := lru.New[string, *memory.Memory](prefetchCacheSize)
	return &Manager{
		db:       db,
		store:    store,
		cfg:      cfg,
		logger:   logger.WithPrefix("hotpath"),
		metrics:  metrics,
		sessions: make(map[string][]string),
		prefetch: prefetch,
	}
}

// PathHash returns the stable identity of a sequence
func PathHash(memoryIDs []string) string {
	sum := sha256.Sum256([]byte(strings.Join(memoryIDs, ",")))
	return hex.EncodeToString(sum[:])[:pathHashLen]
}

// RecordAccess notes one memory access in a session: upserts the transition
// from the previous access and appends to the session buffer. Every
// promoteEvery accesses the buffer is scanned for promotable windows.
func (m *Manager) RecordAccess(ctx context.Context, sessionID, memoryID string) error {
	m.mu.Lock()
	buf := m.sessions[sessionID]
	var prev string
	if len(buf) > 0 {
		prev = buf[len(buf)-1]
	}
	buf = append(buf, memoryID)
	if len(buf) > maxSessionBuffer {
		buf = buf[len(buf)-maxSessionBuffer:]
	}
	m.sessions[sessionID] = buf
	scan := len(buf)%promoteEvery == 0
	snapshot := append([]string(nil), buf...)
	m.mu.Unlock()

	if prev != "" && prev != memoryID {
		if err := m.recordTransition(ctx, sessionID, prev, memoryID); err != nil {
			return err
		}
	}
	if scan {
		if err := m.promoteWindows(ctx, snapshot); err != nil {
			m.logger.Warn("Window promotion failed", map[string]interface{}{
				"session": sessionID,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// EndSession flushes and forgets a session buffer, running one final
// promotion scan
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	buf := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if len(buf) < 2 {
		return nil
	}
	return m.promoteWindows(ctx, buf)
}

func (m *Manager) recordTransition(ctx context.Context, sessionID, from, to string) error {
	_, err := m.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.access_transitions
			(from_memory_id, to_memory_id, transition_count, last_transition_at, session_id)
		VALUES ($1, $2, 1, now(), $3)
		ON CONFLICT (from_memory_id, to_memory_id)
		DO UPDATE SET transition_count = %s.access_transitions.transition_count + 1,
			last_transition_at = now(),
			session_id = EXCLUDED.session_id`,
		m.db.Schema(), m.db.Schema()),
		from, to, sessionID)
	return err
}

// promoteWindows finds maximal runs in the buffer whose every adjacent
// transition has been seen at least minPairCount times, and promotes each as
// a hot path
func (m *Manager) promoteWindows(ctx context.Context, buf []string) error {
	if len(buf) < 2 {
		return nil
	}
	counts, err := m.pairCounts(ctx, buf)
	if err != nil {
		return err
	}

	start := 0
	for i := 1; i <= len(buf); i++ {
		hot := i < len(buf) && counts[pairKey(buf[i-1], buf[i])] >= minPairCount
		if hot {
			continue
		}
		if i-start >= 2 {
			window := buf[start:i]
			minCount := minWindowCount(window, counts)
			if err := m.promote(ctx, window, minCount); err != nil {
				return err
			}
		}
		start = i
	}
	return nil
}

func pairKey(a, b string) string { return a + "\x00" + b }

func minWindowCount(window []string, counts map[string]int) int {
	min := counts[pairKey(window[0], window[1])]
	for i := 2; i < len(window); i++ {
		if c := counts[pairKey(window[i-1], window[i])]; c < min {
			min = c
		}
	}
	return min
}

// pairCounts loads transition counts for every adjacent pair in the buffer
func (m *Manager) pairCounts(ctx context.Context, buf []string) (map[string]int, error) {
	ids := make([]string, 0, len(buf))
	seen := make(map[string]struct{}, len(buf))
	for _, id := range buf {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	rows, err := m.db.Query(ctx, fmt.Sprintf(`
		SELECT from_memory_id, to_memory_id, transition_count
		FROM %s.access_transitions
		WHERE from_memory_id = ANY($1::uuid[]) AND to_memory_id = ANY($1::uuid[])`,
		m.db.Schema()),
		pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var from, to string
		var count int
		if err := rows.Scan(&from, &to, &count); err != nil {
			return nil, database.ClassifyError(err)
		}
		counts[pairKey(from, to)] = count
	}
	return counts, rows.Err()
}

// promote upserts a hot path; an existing path gets its access count bumped
// and heat boosted
func (m *Manager) promote(ctx context.Context, window []string, heat int) error {
	_, err := m.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.hot_paths (id, path_hash, memory_ids, access_count, heat_score)
		VALUES ($1, $2, $3::uuid[], 1, $4)
		ON CONFLICT (path_hash)
		DO UPDATE SET access_count = %s.hot_paths.access_count + 1,
			heat_score = %s.hot_paths.heat_score + 1,
			last_accessed_at = now()`,
		m.db.Schema(), m.db.Schema(), m.db.Schema()),
		uuid.NewString(), PathHash(window), pq.Array(window), float64(heat))
	if err == nil {
		m.metrics.IncrementCounter("hotpath_promotions_total", 1)
	}
	return err
}

// Stats summarizes the promoted path table
type Stats struct {
	Paths     int     `db:"paths" json:"paths"`
	CacheHits int     `db:"cache_hits" json:"cacheHits"`
	MaxHeat   float64 `db:"max_heat" json:"maxHeat"`
}

// Stats returns the path count, accumulated prefetch hits, and hottest score
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := m.db.Get(ctx, &s, fmt.Sprintf(`
		SELECT COUNT(*) AS paths,
		       COALESCE(SUM(cache_hits), 0) AS cache_hits,
		       COALESCE(MAX(heat_score), 0) AS max_heat
		FROM %s.hot_paths`, m.db.Schema()))
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Decay multiplies every heat score by the decay factor and prunes paths
// that fell below the floor. Returns the number pruned.
func (m *Manager) Decay(ctx context.Context) (int64, error) {
	_, err := m.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.hot_paths SET heat_score = heat_score * $1`, m.db.Schema()),
		m.cfg.DecayFactor)
	if err != nil {
		return 0, err
	}
	res, err := m.db.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s.hot_paths WHERE heat_score < $1`, m.db.Schema()),
		m.cfg.PruneFloor)
	if err != nil {
		return 0, err
	}
	pruned, _ := res.RowsAffected()
	return pruned, nil
}

// PredictNext returns the top-N outbound transitions from a memory
func (m *Manager) PredictNext(ctx context.Context, currentID string, n int) ([]Prediction, error) {
	if n <= 0 {
		n = 3
	}
	var preds []Prediction
	err := m.db.Select(ctx, &preds, fmt.Sprintf(`
		SELECT to_memory_id, transition_count
		FROM %s.access_transitions
		WHERE from_memory_id = $1
		ORDER BY transition_count DESC, last_transition_at DESC
		LIMIT $2`, m.db.Schema()),
		currentID, n)
	if err != nil {
		return nil, err
	}
	return preds, nil
}

// CheckAndPrefetch matches the sequence against hot path prefixes and
// returns the memories at the remaining positions, warming the prefetch
// cache. A match against an already-cached path counts a cache hit.
func (m *Manager) CheckAndPrefetch(ctx context.Context, sequence []string) ([]*memory.Memory, error) {
	if len(sequence) == 0 {
		return nil, nil
	}
	var path HotPath
	err := m.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, path_hash, memory_ids, access_count, heat_score, cache_hits, last_accessed_at
		FROM %s.hot_paths
		WHERE memory_ids[1:$2] = $1::uuid[]
		AND array_length(memory_ids, 1) > $2
		ORDER BY heat_score DESC
		LIMIT 1`, m.db.Schema()),
		pq.Array(sequence), len(sequence)).StructScan(&path)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, database.ClassifyError(err)
	}

	remaining := []string(path.MemoryIDs)[len(sequence):]

	var toFetch []string
	var warm []*memory.Memory
	cacheHit := true
	for _, id := range remaining {
		if mem, ok := m.prefetch.Get(id); ok {
			warm = append(warm, mem)
			continue
		}
		cacheHit = false
		toFetch = append(toFetch, id)
	}
	if len(toFetch) > 0 {
		fetched, err := m.store.GetByIDs(ctx, toFetch)
		if err != nil {
			return nil, err
		}
		for _, mem := range fetched {
			m.prefetch.Add(mem.ID, mem)
			warm = append(warm, mem)
		}
	}

	if cacheHit {
		_, err = m.db.Exec(ctx, fmt.Sprintf(`
			UPDATE %s.hot_paths SET cache_hits = cache_hits + 1 WHERE id = $1`,
			m.db.Schema()),
			path.ID)
		if err != nil {
			m.logger.Warn("Cache hit bookkeeping failed", map[string]interface{}{
				"path": path.PathHash, "error": err.Error(),
			})
		}
		m.metrics.IncrementCounter("hotpath_cache_hits_total", 1)
	}
	return warm, nil
}

// ObserveAccess implements memory.AccessObserver with a default session.
// Errors are logged, never surfaced into the read path.
func (m *Manager) ObserveAccess(ctx context.Context, memoryID string) {
	if err := m.RecordAccess(ctx, "default", memoryID); err != nil {
		m.logger.Debug("Access observation failed", map[string]interface{}{
			"memory_id": memoryID,
			"error":     err.Error(),
		})
	}
}
