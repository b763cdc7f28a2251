package cache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amishk599/harvester/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration, max int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(Options{TTL: ttl, MaxEntries: max, Now: clock.Now}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c, clock
}

func result(company string) model.ExtractionResult {
	return model.ExtractionResult{CompanyName: &company, SourceURL: "https://x.test/job/1", ProviderUsed: "ollama"}
}

func TestFingerprint(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, Fingerprint("https://x.test/job/1", model.ModeGeneric, "ollama"),
			Fingerprint("https://x.test/job/1", model.ModeGeneric, "ollama"))
	})

	t.Run("normalizes url", func(t *testing.T) {
		assert.Equal(t, Fingerprint("https://x.test/job/1", model.ModeGeneric, ""),
			Fingerprint("HTTPS://X.test/job/1/?utm_source=a#top", model.ModeGeneric, ""))
	})

	t.Run("empty provider is auto", func(t *testing.T) {
		assert.Equal(t, Fingerprint("https://x.test/a", model.ModeGeneric, ""),
			Fingerprint("https://x.test/a", model.ModeGeneric, "auto"))
	})

	t.Run("empty mode is generic", func(t *testing.T) {
		assert.Equal(t, Fingerprint("https://x.test/a", "", ""),
			Fingerprint("https://x.test/a", model.ModeGeneric, ""))
	})

	t.Run("mode and provider are part of the key", func(t *testing.T) {
		base := Fingerprint("https://x.test/a", model.ModeGeneric, "")
		assert.NotEqual(t, base, Fingerprint("https://x.test/a", model.ModeSiteSpecific, ""))
		assert.NotEqual(t, base, Fingerprint("https://x.test/a", model.ModeGeneric, "openai"))
		assert.NotEqual(t, base, Fingerprint("https://x.test/b", model.ModeGeneric, ""))
	})
}

func TestCache_GetPut(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 10)
	ctx := context.Background()

	_, ok := c.Get(ctx, "fp")
	assert.False(t, ok, "expected miss on empty cache")

	put := c.Put(ctx, "fp", result("Acme"))
	got, ok := c.Get(ctx, "fp")
	require.True(t, ok, "expected hit after put")
	assert.Equal(t, "Acme", model.Str(got.Result.CompanyName))
	assert.Equal(t, put.InsertedAt, got.InsertedAt)
	assert.Equal(t, time.Hour, got.TTL)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, 10)
	ctx := context.Background()
	c.Put(ctx, "fp", result("Acme"))

	clock.Advance(59 * time.Minute)
	_, ok := c.Get(ctx, "fp")
	assert.True(t, ok, "entry should still be fresh")

	clock.Advance(time.Minute)
	_, ok = c.Get(ctx, "fp")
	assert.False(t, ok, "entry should expire at TTL")
	assert.Equal(t, 0, c.Len(), "expired entry should be dropped on read")
}

func TestCache_PutReplacesWholeEntry(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, 10)
	ctx := context.Background()

	first := c.Put(ctx, "fp", result("Old"))
	clock.Advance(2 * time.Hour)
	c.Put(ctx, "fp", result("New"))

	got, ok := c.Get(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, "New", model.Str(got.Result.CompanyName))
	assert.True(t, got.InsertedAt.After(first.InsertedAt))
	assert.Equal(t, "Old", model.Str(first.Result.CompanyName), "returned entries are copies")
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, 10)
	ctx := context.Background()
	c.Put(ctx, "a", result("A"))
	clock.Advance(30 * time.Minute)
	c.Put(ctx, "b", result("B"))
	clock.Advance(45 * time.Minute)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(ctx, "b")
	assert.True(t, ok)
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, 2)
	ctx := context.Background()

	c.Put(ctx, "a", result("A"))
	clock.Advance(time.Second)
	c.Put(ctx, "b", result("B"))
	clock.Advance(time.Second)
	c.Put(ctx, "c", result("C"))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)

	// Replacing an existing key does not evict.
	c.Put(ctx, "c", result("C2"))
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get(ctx, "b")
	assert.True(t, ok)
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 10)
	ctx := context.Background()
	c.Put(ctx, "fp", result("Acme"))
	c.Invalidate(ctx, "fp")
	_, ok := c.Get(ctx, "fp")
	assert.False(t, ok)
}

func TestCache_RedisTier(t *testing.T) {
	url := os.Getenv("HARVESTER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("HARVESTER_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := ConnectRedis(ctx, url)
	require.NoError(t, err)
	defer rdb.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fp := Fingerprint("https://x.test/redis-tier", model.ModeGeneric, "")
	writer := New(Options{TTL: time.Minute, MaxEntries: 10, Redis: rdb}, logger)
	writer.Invalidate(ctx, fp)
	writer.Put(ctx, fp, result("Acme"))

	// A second process sees the entry through L2.
	reader := New(Options{TTL: time.Minute, MaxEntries: 10, Redis: rdb}, logger)
	got, ok := reader.Get(ctx, fp)
	require.True(t, ok)
	assert.Equal(t, "Acme", model.Str(got.Result.CompanyName))
	assert.Equal(t, 1, reader.Len(), "L2 hit should populate L1")

	writer.Invalidate(ctx, fp)
}

func TestConnectRedis_InvalidURL(t *testing.T) {
	_, err := ConnectRedis(context.Background(), "not-a-url")
	assert.Error(t, err)
}
