package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/specmem/specmem/pkg/consolidation"
	"github.com/specmem/specmem/pkg/embedding/queue"
	"github.com/specmem/specmem/pkg/errors"
	"github.com/specmem/specmem/pkg/hotpath"
	"github.com/specmem/specmem/pkg/memory"
	"github.com/specmem/specmem/pkg/observability"
	"github.com/specmem/specmem/pkg/search"
)

// DefaultTimeout bounds every tool invocation
const DefaultTimeout = 30 * time.Second

// Surface dispatches typed tool calls to the engine components
type Surface struct {
	store        *memory.Store
	engine       *search.Engine
	consolidator *consolidation.Engine
	queue        *queue.Queue
	hotPaths     *hotpath.Manager
	timeout      time.Duration
	logger       observability.Logger
	metrics      observability.MetricsClient

	mu    sync.Mutex
	state State
}

// NewSurface creates the tool surface. queue and hotPaths may be nil when
// those components are not wired.
func NewSurface(store *memory.Store, engine *search.Engine, consolidator *consolidation.Engine, q *queue.Queue, hotPaths *hotpath.Manager, timeout time.Duration, logger observability.Logger, metrics observability.MetricsClient) *Surface {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Surface{
		store:        store,
		engine:       engine,
		consolidator: consolidator,
		queue:        q,
		hotPaths:     hotPaths,
		timeout:      timeout,
		logger:       logger.WithPrefix("tools"),
		metrics:      metrics,
		state:        StateIdle,
	}
}

// State returns the current turn state
func (s *Surface) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle dispatches one tool call. Every call runs under the surface
// timeout; a deadline hit surfaces as OperationTimeout.
func (s *Surface) Handle(ctx context.Context, tool string, params json.RawMessage) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.dispatch(ctx, tool, params)
	s.metrics.RecordOperation("tools", tool, err == nil, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && !errors.Is(err, errors.ClassTimeout) {
			return nil, errors.Wrap(err, errors.ClassTimeout, "operation timed out").
				WithOperation(tool)
		}
		if ctx.Err() == context.Canceled && !errors.Is(err, errors.ClassCancelled) {
			return nil, errors.Wrap(err, errors.ClassCancelled, "operation cancelled").
				WithOperation(tool)
		}
		s.logger.Warn("Tool call failed", map[string]interface{}{
			"tool":  tool,
			"error": err.Error(),
		})
		return nil, err
	}
	return result, nil
}

func (s *Surface) dispatch(ctx context.Context, tool string, params json.RawMessage) (interface{}, error) {
	switch tool {
	case ToolStoreMemory:
		return s.storeMemory(ctx, params)
	case ToolSearchMemory:
		return s.searchMemory(ctx, params)
	case ToolRecallMemory:
		return s.recallMemory(ctx, params)
	case ToolUpdateMemory:
		return s.updateMemory(ctx, params)
	case ToolDeleteMemory:
		return s.deleteMemory(ctx, params)
	case ToolConsolidateMemory:
		return s.consolidateMemory(ctx, params)
	case ToolLinkMemories:
		return s.linkMemories(ctx, params)
	case ToolGetStats:
		return s.getStats(ctx)
	case ToolDrillDown:
		return s.drillDown(ctx, params)
	case ToolGetMemory:
		return s.getMemory(ctx, params)
	default:
		return nil, errors.Newf(errors.ClassInvalidRequest, "unknown tool %q", tool).
			WithOperation("tools.Handle")
	}
}

func decode(tool string, params json.RawMessage, into interface{}) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	dec := json.NewDecoder(strings.NewReader(string(params)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return errors.Wrap(err, errors.ClassInvalidRequest, "invalid parameters").
			WithOperation(tool)
	}
	return nil
}

func (s *Surface) storeMemory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p StoreMemoryParams
	if err := decode(ToolStoreMemory, params, &p); err != nil {
		return nil, err
	}
	mem, inserted, err := s.store.Insert(ctx, memory.Input{
		Role:       p.Role,
		Content:    p.Content,
		MemoryType: p.MemoryType,
		Importance: p.Importance,
		Tags:       p.Tags,
		Metadata:   p.Metadata,
		ExpiresAt:  p.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	s.transition(StateDone)
	return &StoreMemoryResult{Memory: mem, Inserted: inserted}, nil
}

func (s *Surface) searchMemory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SearchMemoryParams
	if err := decode(ToolSearchMemory, params, &p); err != nil {
		return nil, err
	}
	resp, err := s.engine.Search(ctx, p.Query, p.Options)
	if err != nil {
		return nil, err
	}
	s.transition(StateSearching)
	return resp, nil
}

func (s *Surface) recallMemory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RecallMemoryParams
	if err := decode(ToolRecallMemory, params, &p); err != nil {
		return nil, err
	}
	switch {
	case p.ID != "":
		mem, err := s.store.Get(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		s.transition(StateDone)
		return &RecallMemoryResult{Memories: []*memory.Memory{mem}}, nil
	case len(p.Tags) > 0:
		mems, err := s.store.RecallByTags(ctx, p.Tags, p.MatchAll, p.Limit)
		if err != nil {
			return nil, err
		}
		s.transition(StateDone)
		return &RecallMemoryResult{Memories: mems}, nil
	default:
		return nil, errors.New(errors.ClassInvalidRequest, "recall requires an id or tags").
			WithOperation(ToolRecallMemory)
	}
}

func (s *Surface) updateMemory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p UpdateMemoryParams
	if err := decode(ToolUpdateMemory, params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New(errors.ClassInvalidRequest, "id is required").
			WithOperation(ToolUpdateMemory)
	}
	mem, err := s.store.Update(ctx, p.ID, memory.UpdatePatch{
		Content:    p.Content,
		MemoryType: p.MemoryType,
		Importance: p.Importance,
		Tags:       p.Tags,
		Metadata:   p.Metadata,
		ExpiresAt:  p.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	s.transition(StateDone)
	return mem, nil
}

func (s *Surface) deleteMemory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p DeleteMemoryParams
	if err := decode(ToolDeleteMemory, params, &p); err != nil {
		return nil, err
	}
	var (
		deleted int64
		err     error
	)
	switch {
	case len(p.IDs) > 0:
		deleted, err = s.store.DeleteByIDs(ctx, p.IDs)
	case p.OlderThanDays > 0:
		cutoff := time.Now().AddDate(0, 0, -p.OlderThanDays)
		deleted, err = s.store.DeleteOlderThan(ctx, cutoff)
	case len(p.Tags) > 0:
		deleted, err = s.store.DeleteByTags(ctx, p.Tags, p.MatchAll)
	case p.Expired:
		deleted, err = s.store.DeleteExpired(ctx)
	default:
		return nil, errors.New(errors.ClassInvalidRequest,
			"delete requires ids, olderThanDays, tags, or expired").
			WithOperation(ToolDeleteMemory)
	}
	if err != nil {
		return nil, err
	}
	s.transition(StateDone)
	return &DeleteMemoryResult{Deleted: deleted}, nil
}

func (s *Surface) consolidateMemory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ConsolidateMemoryParams
	if err := decode(ToolConsolidateMemory, params, &p); err != nil {
		return nil, err
	}
	report, err := s.consolidator.Consolidate(ctx, p.Strategy, p.DryRun)
	if err != nil {
		return nil, err
	}
	s.transition(StateDone)
	return report, nil
}

func (s *Surface) linkMemories(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p LinkMemoriesParams
	if err := decode(ToolLinkMemories, params, &p); err != nil {
		return nil, err
	}
	if p.SourceID == "" || p.TargetID == "" {
		return nil, errors.New(errors.ClassInvalidRequest, "sourceId and targetId are required").
			WithOperation(ToolLinkMemories)
	}
	if err := s.store.Link(ctx, p.SourceID, p.TargetID); err != nil {
		return nil, err
	}
	s.transition(StateDone)
	return map[string]bool{"linked": true}, nil
}

func (s *Surface) getStats(ctx context.Context) (interface{}, error) {
	counts, err := s.store.TypeCounts(ctx)
	if err != nil {
		return nil, err
	}
	importance, err := s.store.ImportanceCounts(ctx)
	if err != nil {
		return nil, err
	}
	embedded, err := s.store.EmbeddedCount(ctx)
	if err != nil {
		return nil, err
	}
	result := &StatsResult{
		MemoriesByType:       counts,
		MemoriesByImportance: importance,
		EmbeddedCount:        embedded,
		Drilldown:            s.engine.Registry().Stats(),
		State:                s.State(),
	}
	if s.hotPaths != nil {
		hp, err := s.hotPaths.Stats(ctx)
		if err != nil {
			return nil, err
		}
		result.HotPaths = hp
	}
	if s.queue != nil {
		qs, err := s.queue.Stats(ctx)
		if err != nil {
			return nil, err
		}
		result.Queue = qs
	}
	return result, nil
}

// drillDown only runs mid-turn: a search must have issued the id first
func (s *Surface) drillDown(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p DrillDownParams
	if err := decode(ToolDrillDown, params, &p); err != nil {
		return nil, err
	}
	if p.ID <= 0 {
		return nil, errors.New(errors.ClassInvalidRequest, "a positive drilldown id is required").
			WithOperation(ToolDrillDown)
	}
	s.mu.Lock()
	if s.state != StateSearching && s.state != StateDrilling {
		s.mu.Unlock()
		return nil, errors.New(errors.ClassInvalidRequest, "drill_down requires a preceding search in this turn").
			WithOperation(ToolDrillDown).
			WithHint("call search_memory with cameraRoll enabled first")
	}
	s.mu.Unlock()

	result, err := s.engine.DrillDown(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	s.transition(StateDrilling)
	return result, nil
}

func (s *Surface) getMemory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p GetMemoryParams
	if err := decode(ToolGetMemory, params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New(errors.ClassInvalidRequest, "id is required").
			WithOperation(ToolGetMemory)
	}
	mem, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	s.transition(StateDone)
	return mem, nil
}

func (s *Surface) transition(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}
