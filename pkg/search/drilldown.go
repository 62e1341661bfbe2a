package search

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultRegistryCapacity bounds the number of live drilldown ids
const DefaultRegistryCapacity = 10000

// DefaultRegistryMaxAge is how long an issued id stays resolvable
const DefaultRegistryMaxAge = time.Hour

// Entry is what a drilldown id resolves to
type Entry struct {
	MemoryID  string
	Type      string
	CreatedAt time.Time
}

// Registry maps monotonically increasing numeric ids to memory references.
// Ids are only valid within the issuing process; the LRU bound plus an age
// purge keep the registry from growing without limit.
type Registry struct {
	mu      sync.Mutex
	next    int64
	issued  int64
	evicted int64
	maxAge  time.Duration
	cache   *lru.Cache[int64, Entry]
}

// NewRegistry creates a registry. capacity <= 0 and maxAge <= 0 select the
// defaults.
func NewRegistry(capacity int, maxAge time.Duration) *Registry {
	if capacity <= 0 {
		capacity = DefaultRegistryCapacity
	}
	if maxAge <= 0 {
		maxAge = DefaultRegistryMaxAge
	}
	r := &Registry{maxAge: maxAge}
	cache, err := lru.NewWithEvict[int64, Entry](capacity, func(int64, Entry) {
		r.evicted++
	})
	if err != nil {
		// Only reachable with capacity <= 0, which is normalized above
		panic(err)
	}
	r.cache = cache
	return r
}

// Register issues a fresh id for a memory reference
func (r *Registry) Register(memoryID, entryType string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.issued++
	r.cache.Add(r.next, Entry{
		MemoryID:  memoryID,
		Type:      entryType,
		CreatedAt: time.Now(),
	})
	return r.next
}

// Resolve looks up an id. Expired entries are dropped and report as missing.
func (r *Registry) Resolve(id int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache.Get(id)
	if !ok {
		return Entry{}, false
	}
	if time.Since(entry.CreatedAt) > r.maxAge {
		r.cache.Remove(id)
		return Entry{}, false
	}
	return entry, true
}

// PurgeExpired drops entries older than the registry max age
func (r *Registry) PurgeExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for _, id := range r.cache.Keys() {
		if entry, ok := r.cache.Peek(id); ok && time.Since(entry.CreatedAt) > r.maxAge {
			r.cache.Remove(id)
			purged++
		}
	}
	return purged
}

// RegistryStats summarizes registry state
type RegistryStats struct {
	Size    int   `json:"size"`
	Issued  int64 `json:"issued"`
	Evicted int64 `json:"evicted"`
}

// Stats returns a snapshot of registry counters
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{
		Size:    r.cache.Len(),
		Issued:  r.issued,
		Evicted: r.evicted,
	}
}
