// Package search implements hybrid semantic search over project memories:
// vector similarity with adaptive thresholding, recency boosting, keyword
// fallback, and camera-roll drilldown indirection.
package search

import (
	"time"

	"github.com/specmem/specmem/pkg/memory"
)

// Options control a single search call. Zero values fall back to engine
// defaults.
type Options struct {
	Limit int `json:"limit,omitempty"`
	// Threshold overrides the adaptive threshold when non-nil
	Threshold   *float64            `json:"threshold,omitempty"`
	MemoryTypes []memory.MemoryType `json:"memoryTypes,omitempty"`
	Tags        []string            `json:"tags,omitempty"`
	Role        string              `json:"role,omitempty"`
	Since       *time.Time          `json:"since,omitempty"`
	Until       *time.Time          `json:"until,omitempty"`
	// RecencyBoost multiplies similarity for recently touched memories
	RecencyBoost bool `json:"recencyBoost,omitempty"`
	// KeywordFallback enables the ILIKE substring fallback when the vector
	// search returns nothing
	KeywordFallback bool `json:"keywordFallback,omitempty"`
	// IncludeRecent merges the N newest memories regardless of similarity
	IncludeRecent int `json:"includeRecent,omitempty"`
	// Summarize compresses long content to head+tail
	Summarize bool `json:"summarize,omitempty"`
	// MaxContentLength is the summarize cutoff; engine default when 0
	MaxContentLength int `json:"maxContentLength,omitempty"`
	// CameraRoll wraps each result with a numeric drilldown id
	CameraRoll bool `json:"cameraRoll,omitempty"`
}

// Result is one scored search hit
type Result struct {
	Memory     *memory.Memory `json:"memory"`
	Similarity float64        `json:"similarity"`
	// IsFallback marks keyword-fallback hits, which carry no similarity
	IsFallback bool `json:"isFallback,omitempty"`
	// DrilldownID is set in camera-roll mode
	DrilldownID int64 `json:"drilldownId,omitempty"`
}

// Diagnostics reports how a search was resolved
type Diagnostics struct {
	Threshold    float64       `json:"threshold"`
	Band         string        `json:"band"`
	CorpusSize   int           `json:"corpusSize"`
	UsedFallback bool          `json:"usedFallback"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Response bundles results with diagnostics
type Response struct {
	Results     []*Result    `json:"results"`
	Diagnostics *Diagnostics `json:"diagnostics"`
}

// Density bands for adaptive thresholding
const (
	BandSparse = "sparse"
	BandLow    = "low"
	BandNormal = "normal"
	BandDense  = "dense"
)

// bandFor maps corpus embedding count to a density band and threshold
func bandFor(corpusSize int) (string, float64) {
	switch {
	case corpusSize < 10:
		return BandSparse, 0.10
	case corpusSize < 100:
		return BandLow, 0.20
	case corpusSize < 1000:
		return BandNormal, 0.30
	default:
		return BandDense, 0.40
	}
}
