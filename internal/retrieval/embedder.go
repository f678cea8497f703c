package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/strongbuy/internal/cache"
	"github.com/kalambet/strongbuy/internal/engine"
)

// EmbeddingGateway turns text into vectors.
type EmbeddingGateway interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

var _ EmbeddingGateway = (*Embedder)(nil)

// batchSize is the number of texts sent to the engine per request.
const batchSize = 16

// Embedder wraps an Engine to generate text embeddings. Engine calls are
// rate limited and, when a cache is attached, results are reused across
// requests.
type Embedder struct {
	engine  engine.Engine
	model   string
	limiter *rate.Limiter
	cache   *cache.VectorCache
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithRateLimit caps engine calls at perSec with a burst of the same size.
// Non-positive values disable limiting.
func WithRateLimit(perSec float64) Option {
	return func(e *Embedder) {
		if perSec <= 0 {
			e.limiter = nil
			return
		}
		burst := int(perSec)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

// WithCache attaches a vector cache.
func WithCache(c *cache.VectorCache) Option {
	return func(e *Embedder) { e.cache = c }
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string, opts ...Option) *Embedder {
	emb := &Embedder{engine: e, model: model}
	for _, o := range opts {
		o(emb)
	}
	return emb
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := e.cached(ctx, text); ok {
		return vec, nil
	}
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	e.store(ctx, text, vec)
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts, index-aligned with
// texts. Cache misses are sent to the engine in chunks concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	var missing []int
	for i, text := range texts {
		if vec, ok := e.cached(ctx, text); ok {
			results[i] = vec
			continue
		}
		missing = append(missing, i)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for start := 0; start < len(missing); start += batchSize {
		end := min(start+batchSize, len(missing))
		idx := missing[start:end]
		g.Go(func() error {
			chunk := make([]string, len(idx))
			for j, i := range idx {
				chunk[j] = texts[i]
			}
			if err := e.wait(gCtx); err != nil {
				return err
			}
			vecs, err := e.engine.EmbedBatch(gCtx, e.model, chunk)
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", idx[0], idx[len(idx)-1], err)
			}
			if len(vecs) != len(chunk) {
				return fmt.Errorf("embedding texts %d-%d: got %d vectors", idx[0], idx[len(idx)-1], len(vecs))
			}
			for j, i := range idx {
				results[i] = vecs[j]
				e.store(gCtx, texts[i], vecs[j])
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for embedding rate limit: %w", err)
	}
	return nil
}

func (e *Embedder) cached(ctx context.Context, text string) ([]float32, bool) {
	if e.cache == nil {
		return nil, false
	}
	vec, err := e.cache.Get(ctx, e.model, text)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			slog.Warn("retrieval: embedding cache read failed", "error", err)
		}
		return nil, false
	}
	return vec, true
}

func (e *Embedder) store(ctx context.Context, text string, vec []float32) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Put(ctx, e.model, text, vec); err != nil {
		slog.Warn("retrieval: embedding cache write failed", "error", err)
	}
}
