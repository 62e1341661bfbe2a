// Package embedding provides the client for the external embedding service.
// The service is reached over a per-project unix domain socket speaking
// newline-framed JSON; the client owns timeout adaptation, retry, circuit
// breaking, and provider dimension detection.
package embedding

import "context"

// Embedder is the interface consumed by the rest of the engine
type Embedder interface {
	// Embed returns the embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)
	// BatchEmbed returns one embedding per text. Per-item failures are
	// reported in the errors slice and are not fatal to the batch.
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, []error, error)
	// Dimension returns the provider dimension, 0 until the first success
	Dimension() int
}

// request is the wire envelope sent to the embedder
type request struct {
	Type  string   `json:"type"`
	Text  string   `json:"text,omitempty"`
	Texts []string `json:"texts,omitempty"`
}

// response is the wire envelope received from the embedder. Intermediate
// heartbeats carry only Status; a terminal message carries exactly one of
// Embedding, Embeddings, or Error.
type response struct {
	Status     string      `json:"status,omitempty"`
	Embedding  []float32   `json:"embedding,omitempty"`
	Embeddings [][]float32 `json:"embeddings,omitempty"`
	Errors     []*string   `json:"errors,omitempty"`
	Error      string      `json:"error,omitempty"`
}

const (
	requestTypeEmbed      = "embed"
	requestTypeBatchEmbed = "batch_embed"
	statusProcessing      = "processing"
)
