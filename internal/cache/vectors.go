package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// VectorCache stores embedding vectors keyed by model and input text.
type VectorCache struct {
	client Client
	ttl    time.Duration
}

// NewVectorCache wraps client. ttl applies to every stored vector.
func NewVectorCache(client Client, ttl time.Duration) *VectorCache {
	return &VectorCache{client: client, ttl: ttl}
}

// Key returns the cache key for text embedded by model.
func Key(model, text string) string {
	return "emb:" + model + ":" + strconv.FormatUint(xxhash.Sum64String(text), 16)
}

// Get returns the cached vector or ErrCacheMiss.
func (v *VectorCache) Get(ctx context.Context, model, text string) ([]float32, error) {
	b, err := v.client.Get(ctx, Key(model, text))
	if err != nil {
		return nil, err
	}
	var vec []float32
	if err := json.Unmarshal(b, &vec); err != nil {
		return nil, fmt.Errorf("decoding cached vector: %w", err)
	}
	return vec, nil
}

// Put stores vec for text embedded by model.
func (v *VectorCache) Put(ctx context.Context, model, text string, vec []float32) error {
	b, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encoding vector: %w", err)
	}
	return v.client.Set(ctx, Key(model, text), b, v.ttl)
}
