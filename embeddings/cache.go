package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/fabfab/docqa/logging"
	"github.com/fabfab/docqa/vectorstore"
)

const cacheKeyPrefix = "docqa:emb:"

// Cache stores encoded vectors by key. GetMany returns one slot per key with
// nil for misses.
type Cache interface {
	GetMany(ctx context.Context, keys []string) ([][]byte, error)
	SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
}

// RedisCache is a Cache backed by plain Redis strings.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([][]byte, len(keys))
	for i, v := range values {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (c *RedisCache) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for key, value := range entries {
		pipe.Set(ctx, key, value, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline set: %w", err)
	}
	return nil
}

var _ Cache = (*RedisCache)(nil)

// CachedEmbedder consults the cache before calling the wrapped provider.
// Cache failures degrade to uncached embedding; they never fail a request.
type CachedEmbedder struct {
	inner  Embedder
	cache  Cache
	ttl    time.Duration
	logger logrus.FieldLogger
}

func NewCachedEmbedder(inner Embedder, cache Cache, ttl time.Duration, logger logrus.FieldLogger) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache, ttl: ttl, logger: logging.OrDefault(logger)}
}

func (e *CachedEmbedder) Model() string { return e.inner.Model() }

func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = e.key(text)
	}

	results := make([][]float32, len(texts))
	cached, err := e.cache.GetMany(ctx, keys)
	if err != nil {
		e.logger.WithError(err).Warn("embedding cache read failed")
		cached = nil
	}

	var missIdx []int
	for i := range texts {
		if i < len(cached) && cached[i] != nil {
			if vec, decErr := vectorstore.DecodeEmbedding(cached[i]); decErr == nil && len(vec) > 0 {
				results[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return results, nil
	}

	missTexts := make([]string, len(missIdx))
	for j, i := range missIdx {
		missTexts[j] = texts[i]
	}
	fresh, err := e.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(fresh), len(missTexts))
	}

	entries := make(map[string][]byte, len(missIdx))
	for j, i := range missIdx {
		results[i] = fresh[j]
		entries[keys[i]] = vectorstore.EncodeEmbedding(fresh[j])
	}
	if err := e.cache.SetMany(ctx, entries, e.ttl); err != nil {
		e.logger.WithError(err).Warn("embedding cache write failed")
	}

	return results, nil
}

func (e *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return cacheKeyPrefix + e.inner.Model() + ":" + hex.EncodeToString(sum[:])
}

var _ Embedder = (*CachedEmbedder)(nil)
