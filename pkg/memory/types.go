// Package memory defines the core memory model and the project-scoped store.
package memory

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// MemoryType classifies how a memory was formed and how it should age
type MemoryType string

// Memory types
const (
	TypeEpisodic     MemoryType = "episodic"
	TypeSemantic     MemoryType = "semantic"
	TypeProcedural   MemoryType = "procedural"
	TypeWorking      MemoryType = "working"
	TypeConsolidated MemoryType = "consolidated"
)

// Valid reports whether t is a known memory type
func (t MemoryType) Valid() bool {
	switch t {
	case TypeEpisodic, TypeSemantic, TypeProcedural, TypeWorking, TypeConsolidated:
		return true
	}
	return false
}

// Importance ranks how aggressively a memory should be retained
type Importance string

// Importance levels
const (
	ImportanceCritical Importance = "critical"
	ImportanceHigh     Importance = "high"
	ImportanceMedium   Importance = "medium"
	ImportanceLow      Importance = "low"
	ImportanceTrivial  Importance = "trivial"
)

// Valid reports whether i is a known importance level
func (i Importance) Valid() bool {
	switch i {
	case ImportanceCritical, ImportanceHigh, ImportanceMedium, ImportanceLow, ImportanceTrivial:
		return true
	}
	return false
}

// Rank orders importance levels; higher is more important
func (i Importance) Rank() int {
	switch i {
	case ImportanceCritical:
		return 4
	case ImportanceHigh:
		return 3
	case ImportanceMedium:
		return 2
	case ImportanceLow:
		return 1
	default:
		return 0
	}
}

// MaxImportance returns the higher-ranked of two levels
func MaxImportance(a, b Importance) Importance {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// Metadata is a free-form JSON record stored alongside each memory
type Metadata map[string]interface{}

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata source type %T", src)
	}
	if len(data) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// MetadataKeyContentHash is where the dedup hash lives inside metadata
const MetadataKeyContentHash = "contentHash"

// MetadataKeyRole records the conversational role used in the hash
const MetadataKeyRole = "role"

// Memory is one stored memory row
type Memory struct {
	ID               string         `db:"id" json:"id"`
	Content          string         `db:"content" json:"content"`
	MemoryType       MemoryType     `db:"memory_type" json:"memoryType"`
	Importance       Importance     `db:"importance" json:"importance"`
	Tags             pq.StringArray `db:"tags" json:"tags"`
	Metadata         Metadata       `db:"metadata" json:"metadata,omitempty"`
	Embedding        []float32      `db:"-" json:"-"`
	ProjectPath      string         `db:"project_path" json:"projectPath"`
	CreatedAt        time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updatedAt"`
	AccessCount      int            `db:"access_count" json:"accessCount"`
	LastAccessedAt   *time.Time     `db:"last_accessed_at" json:"lastAccessedAt,omitempty"`
	ExpiresAt        *time.Time     `db:"expires_at" json:"expiresAt,omitempty"`
	RelatedMemories  pq.StringArray `db:"related_memories" json:"relatedMemories,omitempty"`
	ConsolidatedFrom pq.StringArray `db:"consolidated_from" json:"consolidatedFrom,omitempty"`
}

// ContentHash returns the dedup hash recorded at insert time
func (m *Memory) ContentHash() string {
	if m.Metadata == nil {
		return ""
	}
	if h, ok := m.Metadata[MetadataKeyContentHash].(string); ok {
		return h
	}
	return ""
}

// HasTag reports whether the memory carries the given tag
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Input is the payload accepted by Store.Insert
type Input struct {
	// Role feeds the content hash; conventionally "user", "assistant", or
	// empty for non-conversational memories
	Role       string
	Content    string
	MemoryType MemoryType
	Importance Importance
	Tags       []string
	Metadata   Metadata
	Embedding  []float32
	ExpiresAt  *time.Time
	// CreatedAt overrides the row timestamp; nil means now(). The
	// restoration parser uses this for deterministic turn ordering.
	CreatedAt *time.Time
}

// UpdatePatch is a partial update; nil fields are left unchanged
type UpdatePatch struct {
	Content    *string
	MemoryType *MemoryType
	Importance *Importance
	Tags       []string
	Metadata   Metadata
	ExpiresAt  *time.Time
}

// Limits enforced at insert time
const (
	MaxContentBytes = 1 << 20 // 1 MiB
	MaxTags         = 50
)
