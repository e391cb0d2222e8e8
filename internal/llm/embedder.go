package llm

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/vestige-memory/vestige/internal/jsonx"
)

// Embedder calls an external embedding service over HTTP, caching results
// with ristretto. Grounded on internal/embedding/service.go's HTTP-POST-
// to-/embed shape and soft-fail-on-unavailable behavior, generalized to
// take a context.Context (blocking calls accept one for cancellation and
// cancellable) and to use ristretto instead of a hand-rolled map+mutex
// cache with manual half-clear eviction.
type Embedder struct {
	baseURL string
	client  *http.Client
	cache   *ristretto.Cache[string, []float32]
	logger  *zap.Logger
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewEmbedder builds an HTTP embedding client backed by a ~10k-entry cache.
func NewEmbedder(baseURL string, logger *zap.Logger) (*Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &Embedder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
		logger:  logger,
	}, nil
}

// Embed returns a vector for text, or (nil, nil) if the embedding service is
// unreachable — the resolver treats a missing embedding as "skip the vector
// stage", not a hard failure.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return v, nil
	}

	body, err := jsonx.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("embedding service unavailable, skipping vector stage", zap.Error(err))
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d", resp.StatusCode)
	}

	var out embedResponse
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if err := jsonx.Unmarshal(buf.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}

	e.cache.Set(text, out.Embedding, 1)
	e.cache.Wait()
	return out.Embedding, nil
}

// Close releases the embedder's cache.
func (e *Embedder) Close() {
	e.cache.Close()
}
