package consolidation

import (
	"math"
	"sort"
	"time"

	"github.com/specmem/specmem/pkg/memory"
)

// candidate is the slim projection clustering works on
type candidate struct {
	ID         string
	CreatedAt  time.Time
	Tags       []string
	Importance memory.Importance
	Embedding  []float32
}

// unionFind is a plain disjoint-set over candidate indexes
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}

// groups materializes the disjoint sets as id clusters of size >= minSize
func (u *unionFind) groups(cands []candidate, minSize int) [][]string {
	byRoot := make(map[int][]string)
	for i := range cands {
		root := u.find(i)
		byRoot[root] = append(byRoot[root], cands[i].ID)
	}
	var out [][]string
	for _, ids := range byRoot {
		if len(ids) >= minSize {
			sort.Strings(ids)
			out = append(out, ids)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// cosine computes cosine similarity; zero vectors score 0
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// jaccard computes tag-set overlap
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, t := range b {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// clusterBySimilarity single-links candidates whose pairwise cosine meets the
// threshold
func clusterBySimilarity(cands []candidate, threshold float64, minSize int) [][]string {
	uf := newUnionFind(len(cands))
	for i := 0; i < len(cands); i++ {
		if cands[i].Embedding == nil {
			continue
		}
		for j := i + 1; j < len(cands); j++ {
			if cands[j].Embedding == nil {
				continue
			}
			if cosine(cands[i].Embedding, cands[j].Embedding) >= threshold {
				uf.union(i, j)
			}
		}
	}
	return filterEmbedded(uf.groups(cands, minSize), cands)
}

// filterEmbedded drops ids whose candidate had no embedding from clusters
// built on vector similarity
func filterEmbedded(clusters [][]string, cands []candidate) [][]string {
	embedded := make(map[string]bool, len(cands))
	for _, c := range cands {
		embedded[c.ID] = c.Embedding != nil
	}
	var out [][]string
	for _, cluster := range clusters {
		kept := cluster[:0]
		for _, id := range cluster {
			if embedded[id] {
				kept = append(kept, id)
			}
		}
		if len(kept) >= 2 {
			out = append(out, kept)
		}
	}
	return out
}

// clusterByTemporal groups candidates created within a sliding window. The
// window anchors on the first member; a gap larger than the window starts a
// new group.
func clusterByTemporal(cands []candidate, window time.Duration, minSize int) [][]string {
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	var out [][]string
	var current []string
	var anchor time.Time
	for _, c := range sorted {
		if len(current) == 0 || c.CreatedAt.Sub(anchor) > window {
			if len(current) >= minSize {
				out = append(out, current)
			}
			current = []string{c.ID}
			anchor = c.CreatedAt
			continue
		}
		current = append(current, c.ID)
	}
	if len(current) >= minSize {
		out = append(out, current)
	}
	return out
}

// clusterByTags single-links candidates whose tag Jaccard meets the threshold
func clusterByTags(cands []candidate, threshold float64, minSize int) [][]string {
	uf := newUnionFind(len(cands))
	for i := 0; i < len(cands); i++ {
		if len(cands[i].Tags) == 0 {
			continue
		}
		for j := i + 1; j < len(cands); j++ {
			if jaccard(cands[i].Tags, cands[j].Tags) >= threshold {
				uf.union(i, j)
			}
		}
	}
	return uf.groups(cands, minSize)
}

// clusterByImportance seeds clusters from high-importance candidates and
// gathers their nearest embedded neighbors
func clusterByImportance(cands []candidate, similarityThreshold float64, minSize int) [][]string {
	uf := newUnionFind(len(cands))
	for i := 0; i < len(cands); i++ {
		if cands[i].Importance.Rank() < memory.ImportanceHigh.Rank() || cands[i].Embedding == nil {
			continue
		}
		for j := 0; j < len(cands); j++ {
			if i == j || cands[j].Embedding == nil {
				continue
			}
			if cosine(cands[i].Embedding, cands[j].Embedding) >= similarityThreshold {
				uf.union(i, j)
			}
		}
	}
	return filterEmbedded(uf.groups(cands, minSize), cands)
}
