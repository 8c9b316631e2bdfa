// Package redisstore caches query embeddings in Redis so repeated retrieval
// queries skip the embedding call.
package redisstore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Embedder is the wrapped embedding source.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// LookupObserver receives one call per cached text lookup.
type LookupObserver interface {
	CacheLookup(hit bool)
}

// EmbeddingCache is an Embedder that serves vectors from Redis and embeds only
// the misses. Redis failures degrade to calling the wrapped embedder.
type EmbeddingCache struct {
	next     Embedder
	client   *redis.Client
	model    string
	ttl      time.Duration
	observer LookupObserver
	logger   *zap.Logger
}

// NewEmbeddingCache wraps next. model namespaces the keys so a model change
// never serves stale vectors.
func NewEmbeddingCache(next Embedder, client *redis.Client, model string, ttl time.Duration, observer LookupObserver, logger *zap.Logger) *EmbeddingCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingCache{
		next:     next,
		client:   client,
		model:    model,
		ttl:      ttl,
		observer: observer,
		logger:   logger,
	}
}

// Embed implements Embedder.
func (c *EmbeddingCache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}

	out := make([][]float32, len(texts))
	cached, err := c.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("embedding cache read failed", zap.Error(err))
		cached = nil
	}

	var missIdx []int
	var missTexts []string
	for i := range texts {
		if i < len(cached) {
			if s, ok := cached[i].(string); ok {
				if vec, err := DecodeVector([]byte(s)); err == nil {
					out[i] = vec
					c.observe(true)
					continue
				}
			}
		}
		c.observe(false)
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedding cache: got %d vectors for %d texts", len(vecs), len(missTexts))
	}

	pipe := c.client.Pipeline()
	for j, i := range missIdx {
		out[i] = vecs[j]
		pipe.Set(ctx, keys[i], EncodeVector(vecs[j]), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("embedding cache write failed", zap.Error(err))
	}
	return out, nil
}

func (c *EmbeddingCache) observe(hit bool) {
	if c.observer != nil {
		c.observer.CacheLookup(hit)
	}
}

func (c *EmbeddingCache) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "pa:emb:" + c.model + ":" + hex.EncodeToString(sum[:])
}

// EncodeVector packs v as little-endian float32 values.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector reverses EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector encoding of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
