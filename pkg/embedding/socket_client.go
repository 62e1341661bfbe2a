package embedding

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/specmem/specmem/pkg/config"
	"github.com/specmem/specmem/pkg/errors"
	"github.com/specmem/specmem/pkg/observability"
)

// maxResponseLine bounds a single response frame; batch responses for large
// dimensions can run long
const maxResponseLine = 16 * 1024 * 1024

// SocketClient talks to the embedding service over a unix domain socket.
// One connection per request; the adaptive timeout covers dial through the
// terminal response frame.
type SocketClient struct {
	socketPath string
	timeout    *adaptiveTimeout
	maxRetries int
	breaker    *gobreaker.CircuitBreaker
	dimension  atomic.Int64
	logger     observability.Logger
	metrics    observability.MetricsClient

	// dial is swappable for tests
	dial func(ctx context.Context, path string) (net.Conn, error)
}

// NewSocketClient creates a client for the given socket path
func NewSocketClient(socketPath string, cfg config.EmbeddingConfig, logger observability.Logger, metrics observability.MetricsClient) *SocketClient {
	if logger == nil {
		logger = observability.NewStandardLogger("embedding_client")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-socket",
		MaxRequests: 2,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &SocketClient{
		socketPath: socketPath,
		timeout:    newAdaptiveTimeout(cfg.TimeoutMin, cfg.TimeoutMax, cfg.TimeoutInitial),
		maxRetries: maxRetries,
		breaker:    breaker,
		logger:     logger,
		metrics:    metrics,
		dial: func(ctx context.Context, path string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
}

// Dimension returns the provider dimension learned from the first successful
// embedding, 0 before that.
func (c *SocketClient) Dimension() int {
	return int(c.dimension.Load())
}

// Embed returns the embedding for a single text
func (c *SocketClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.roundTripWithRetry(ctx, request{Type: requestTypeEmbed, Text: text})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(errors.ClassEmbeddingFatal, resp.Error).WithOperation("embedding.Embed")
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New(errors.ClassEmbeddingFatal, "embedder returned empty embedding").
			WithOperation("embedding.Embed")
	}
	c.observeDimension(len(resp.Embedding))
	return resp.Embedding, nil
}

// BatchEmbed embeds several texts in one round trip. A failed batch call
// falls back to sequential single calls; per-item errors are reported in the
// second return value and never abort the rest of the batch.
func (c *SocketClient) BatchEmbed(ctx context.Context, texts []string) ([][]float32, []error, error) {
	if len(texts) == 0 {
		return nil, nil, nil
	}

	resp, err := c.roundTripWithRetry(ctx, request{Type: requestTypeBatchEmbed, Texts: texts})
	if err == nil && resp.Error == "" && len(resp.Embeddings) == len(texts) {
		itemErrs := make([]error, len(texts))
		for i := range texts {
			if i < len(resp.Errors) && resp.Errors[i] != nil {
				itemErrs[i] = errors.New(errors.ClassEmbeddingFatal, *resp.Errors[i])
				continue
			}
			if len(resp.Embeddings[i]) > 0 {
				c.observeDimension(len(resp.Embeddings[i]))
			}
		}
		return resp.Embeddings, itemErrs, nil
	}

	if err != nil {
		c.logger.Warn("Batch embed failed, falling back to sequential calls", map[string]interface{}{
			"count": len(texts),
			"error": err.Error(),
		})
	}

	// Sequential fallback
	results := make([][]float32, len(texts))
	itemErrs := make([]error, len(texts))
	anySuccess := false
	for i, text := range texts {
		vec, embedErr := c.Embed(ctx, text)
		if embedErr != nil {
			itemErrs[i] = embedErr
			// A dead transport fails every remaining item identically
			if errors.Is(embedErr, errors.ClassEmbeddingUnavailable) && !anySuccess {
				return nil, nil, embedErr
			}
			continue
		}
		results[i] = vec
		anySuccess = true
	}
	return results, itemErrs, nil
}

// Ping checks whether the socket accepts a connection
func (c *SocketClient) Ping(ctx context.Context) bool {
	if _, err := os.Stat(c.socketPath); err != nil {
		return false
	}
	conn, err := c.dial(ctx, c.socketPath)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (c *SocketClient) observeDimension(dim int) {
	if c.dimension.CompareAndSwap(0, int64(dim)) {
		c.logger.Info("Provider embedding dimension detected", map[string]interface{}{"dim": dim})
	}
}

// roundTripWithRetry applies exponential backoff to transient transport
// failures, up to maxRetries attempts. Timeouts and permanent errors are
// returned immediately.
func (c *SocketClient) roundTripWithRetry(ctx context.Context, req request) (*response, error) {
	var resp *response

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), uint64(c.maxRetries-1)), ctx)

	operation := func() error {
		var err error
		resp, err = c.roundTrip(ctx, req)
		if err == nil {
			return nil
		}
		if ce, ok := err.(*errors.ClassifiedError); ok && !ce.IsRetryable() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, errors.ClassEmbeddingTimeout) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// roundTrip performs a single request/response exchange through the breaker
func (c *SocketClient) roundTrip(ctx context.Context, req request) (*response, error) {
	start := time.Now()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.exchange(ctx, req)
	})
	duration := time.Since(start)

	if err != nil {
		c.metrics.RecordEmbeddingOperation(req.Type, false, duration.Seconds())
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errors.Wrap(err, errors.ClassEmbeddingUnavailable, "embedding circuit open").
				WithHint("embedding service warming, retry in 15s").
				WithOperation("embedding.roundTrip")
		}
		return nil, err
	}

	c.metrics.RecordEmbeddingOperation(req.Type, true, duration.Seconds())
	c.timeout.Record(duration)
	return result.(*response), nil
}

// exchange dials, writes one frame, and reads until a terminal frame,
// skipping processing heartbeats. Heartbeats do not extend the deadline.
func (c *SocketClient) exchange(ctx context.Context, req request) (*response, error) {
	deadline := time.Now().Add(c.timeout.Timeout())
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := c.dial(dialCtx, c.socketPath)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, errors.Wrap(err, errors.ClassCancelled, "embed cancelled").
				WithOperation("embedding.exchange")
		}
		return nil, errors.Wrap(err, errors.ClassEmbeddingUnavailable, "embedding socket unreachable").
			WithHint("embedding service warming, retry in 5s").
			WithOperation("embedding.exchange")
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, errors.ClassInternal, "failed to set socket deadline")
	}

	// Abort the blocking read when the caller cancels
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassInternal, "failed to encode embed request")
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return nil, c.transportError(ctx, err, "write failed")
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxResponseLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, errors.Wrap(err, errors.ClassEmbeddingFatal, "malformed embedder response").
				WithOperation("embedding.exchange")
		}
		// Skip-while-processing is a decoder state: anything that is only a
		// heartbeat is consumed here and never surfaces to callers.
		if resp.Status == statusProcessing && resp.Error == "" &&
			len(resp.Embedding) == 0 && len(resp.Embeddings) == 0 {
			continue
		}
		return &resp, nil
	}

	if err := scanner.Err(); err != nil {
		return nil, c.transportError(ctx, err, "read failed")
	}
	return nil, errors.New(errors.ClassEmbeddingUnavailable, "embedder closed connection without response").
		WithOperation("embedding.exchange")
}

func (c *SocketClient) transportError(ctx context.Context, err error, msg string) error {
	if ctx.Err() == context.Canceled {
		return errors.Wrap(err, errors.ClassCancelled, "embed cancelled")
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return errors.Wrap(err, errors.ClassEmbeddingTimeout,
			fmt.Sprintf("embedder exceeded %s deadline", c.timeout.Timeout())).
			WithOperation("embedding.exchange")
	}
	return errors.Wrap(err, errors.ClassEmbeddingUnavailable, msg).
		WithOperation("embedding.exchange")
}
