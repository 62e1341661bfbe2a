// Package tools is the typed operation surface exposed to the LLM client.
package tools

import (
	"time"

	"github.com/specmem/specmem/pkg/consolidation"
	"github.com/specmem/specmem/pkg/embedding/queue"
	"github.com/specmem/specmem/pkg/hotpath"
	"github.com/specmem/specmem/pkg/memory"
	"github.com/specmem/specmem/pkg/search"
)

// Tool names
const (
	ToolStoreMemory       = "store_memory"
	ToolSearchMemory      = "search_memory"
	ToolRecallMemory      = "recall_memory"
	ToolUpdateMemory      = "update_memory"
	ToolDeleteMemory      = "delete_memory"
	ToolConsolidateMemory = "consolidate_memory"
	ToolLinkMemories      = "link_memories"
	ToolGetStats          = "get_stats"
	ToolDrillDown         = "drill_down"
	ToolGetMemory         = "get_memory"
)

// State is the per-turn position in the access state machine
type State string

// Turn states: idle → searching → drilling (0..n) → done
const (
	StateIdle      State = "idle"
	StateSearching State = "searching"
	StateDrilling  State = "drilling"
	StateDone      State = "done"
)

// StoreMemoryParams is the input for store_memory
type StoreMemoryParams struct {
	Role       string            `json:"role,omitempty"`
	Content    string            `json:"content"`
	MemoryType memory.MemoryType `json:"memoryType,omitempty"`
	Importance memory.Importance `json:"importance,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   memory.Metadata   `json:"metadata,omitempty"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
}

// StoreMemoryResult reports the stored memory and whether it was new
type StoreMemoryResult struct {
	Memory   *memory.Memory `json:"memory"`
	Inserted bool           `json:"inserted"`
}

// SearchMemoryParams is the input for search_memory
type SearchMemoryParams struct {
	Query   string         `json:"query"`
	Options search.Options `json:"options,omitempty"`
}

// RecallMemoryParams recalls by id or by tags
type RecallMemoryParams struct {
	ID       string   `json:"id,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	MatchAll bool     `json:"matchAll,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// RecallMemoryResult is the recall output
type RecallMemoryResult struct {
	Memories []*memory.Memory `json:"memories"`
}

// UpdateMemoryParams is a partial patch
type UpdateMemoryParams struct {
	ID         string             `json:"id"`
	Content    *string            `json:"content,omitempty"`
	MemoryType *memory.MemoryType `json:"memoryType,omitempty"`
	Importance *memory.Importance `json:"importance,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
	Metadata   memory.Metadata    `json:"metadata,omitempty"`
	ExpiresAt  *time.Time         `json:"expiresAt,omitempty"`
}

// DeleteMemoryParams selects what to delete; exactly one selector is used,
// checked in order: IDs, OlderThanDays, Tags, Expired
type DeleteMemoryParams struct {
	IDs           []string `json:"ids,omitempty"`
	OlderThanDays int      `json:"olderThanDays,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	MatchAll      bool     `json:"matchAll,omitempty"`
	Expired       bool     `json:"expired,omitempty"`
}

// DeleteMemoryResult reports how many rows were removed
type DeleteMemoryResult struct {
	Deleted int64 `json:"deleted"`
}

// ConsolidateMemoryParams is the input for consolidate_memory
type ConsolidateMemoryParams struct {
	Strategy consolidation.Strategy `json:"strategy"`
	DryRun   bool                   `json:"dryRun,omitempty"`
}

// LinkMemoriesParams links two memories bidirectionally
type LinkMemoriesParams struct {
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
}

// DrillDownParams expands one camera-roll id
type DrillDownParams struct {
	ID int64 `json:"id"`
}

// GetMemoryParams fetches one memory by id
type GetMemoryParams struct {
	ID string `json:"id"`
}

// StatsResult is the get_stats output
type StatsResult struct {
	MemoriesByType       map[memory.MemoryType]int `json:"memoriesByType"`
	MemoriesByImportance map[memory.Importance]int `json:"memoriesByImportance"`
	EmbeddedCount        int                       `json:"embeddedCount"`
	Queue                *queue.Stats              `json:"queue,omitempty"`
	HotPaths             *hotpath.Stats            `json:"hotPaths,omitempty"`
	Drilldown            search.RegistryStats      `json:"drilldown"`
	State                State                     `json:"state"`
}
