package redisstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func TestVectorEncoding(t *testing.T) {
	in := []float32{0.25, -1.5, 3.0e-7, 0}
	out, err := DecodeVector(EncodeVector(in))
	if err != nil {
		t.Fatalf("DecodeVector() error = %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d values", len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("value %d = %v, want %v", i, out[i], in[i])
		}
	}

	for _, bad := range [][]byte{nil, {1, 2, 3}} {
		if _, err := DecodeVector(bad); err == nil {
			t.Errorf("DecodeVector(%v) should fail", bad)
		}
	}
}

// countingEmbedder returns [len(text), 1] and counts the texts it embedded.
type countingEmbedder struct {
	mu    sync.Mutex
	texts []string
}

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		e.texts = append(e.texts, t)
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type lookups struct{ hits, misses int }

func (l *lookups) CacheLookup(hit bool) {
	if hit {
		l.hits++
	} else {
		l.misses++
	}
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	redisC, err := tcRedis.RunContainer(ctx,
		testcontainers.WithImage("redis:7"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
	)
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	client, err := Connect(ctx, fmt.Sprintf("%s:%s", host, port.Port()), "", 0)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEmbeddingCacheServesRepeats(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	next := &countingEmbedder{}
	obs := &lookups{}
	cache := NewEmbeddingCache(next, client, "test-model", 0, obs, zaptest.NewLogger(t))

	first, err := cache.Embed(ctx, []string{"ozempic criteria", "bmi"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	second, err := cache.Embed(ctx, []string{"bmi", "a1c", "ozempic criteria"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	if len(next.texts) != 3 || next.texts[2] != "a1c" {
		t.Errorf("embedder saw %v, want the two first texts and a1c", next.texts)
	}
	if second[0][0] != first[1][0] || second[2][0] != first[0][0] || second[1][0] != 3 {
		t.Errorf("second = %v, first = %v", second, first)
	}
	if obs.hits != 2 || obs.misses != 3 {
		t.Errorf("hits %d misses %d, want 2 and 3", obs.hits, obs.misses)
	}

	other := NewEmbeddingCache(next, client, "other-model", 0, nil, zaptest.NewLogger(t))
	if _, err := other.Embed(ctx, []string{"bmi"}); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(next.texts) != 4 {
		t.Error("a different model must not share cached vectors")
	}
}
