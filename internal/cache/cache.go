// Package cache stores extraction results keyed by request fingerprint.
//
// Two tiers: L1 is an in-process map, L2 an optional Redis instance that
// survives restarts and is shared between processes.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amishk599/harvester/internal/model"
	"github.com/amishk599/harvester/internal/normalize"
)

const keyPrefix = "hv:"

// Entry is an immutable cache record. A fresh extraction replaces the whole
// entry; fields are never mutated in place.
type Entry struct {
	Fingerprint string                 `json:"fingerprint"`
	Result      model.ExtractionResult `json:"result"`
	InsertedAt  time.Time              `json:"inserted_at"`
	TTL         time.Duration          `json:"ttl"`
}

func (e *Entry) fresh(now time.Time) bool {
	return now.Before(e.InsertedAt.Add(e.TTL))
}

// Fingerprint derives the cache key for a request. An empty provider means
// the auto fallback chain.
func Fingerprint(rawURL string, mode model.Mode, provider string) string {
	if provider == "" {
		provider = "auto"
	}
	if mode == "" {
		mode = model.ModeGeneric
	}
	sum := sha256.Sum256([]byte(normalize.NormalizeURL(rawURL) + "|" + string(mode) + "|" + provider))
	return fmt.Sprintf("%x", sum[:16])
}

// Options configures a Cache.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	Redis      *redis.Client // nil disables L2
	Now        func() time.Time
}

// Cache is a TTL result cache. It holds no in-flight markers.
type Cache struct {
	l1         sync.Map // fingerprint -> *Entry
	rdb        *redis.Client
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a cache.
func New(opts Options, logger *slog.Logger) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		rdb:        opts.Redis,
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		now:        now,
		logger:     logger,
	}
}

// ConnectRedis parses redisURL and pings the server.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// Get tries L1, then L2. An L2 hit repopulates L1 with the remaining TTL.
func (c *Cache) Get(ctx context.Context, fingerprint string) (Entry, bool) {
	now := c.now()

	if val, ok := c.l1.Load(fingerprint); ok {
		entry := val.(*Entry)
		if entry.fresh(now) {
			c.logger.Debug("cache: L1 hit", "fingerprint", fingerprint)
			return *entry, true
		}
		c.l1.CompareAndDelete(fingerprint, val)
	}

	if c.rdb == nil {
		return Entry{}, false
	}

	data, err := c.rdb.Get(ctx, keyPrefix+fingerprint).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache: L2 get failed", "error", err)
		}
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil || !entry.fresh(now) {
		return Entry{}, false
	}
	c.logger.Debug("cache: L2 hit", "fingerprint", fingerprint)
	c.store(&entry)
	return entry, true
}

// Put inserts or replaces the entry for fingerprint.
func (c *Cache) Put(ctx context.Context, fingerprint string, result model.ExtractionResult) Entry {
	entry := &Entry{
		Fingerprint: fingerprint,
		Result:      result,
		InsertedAt:  c.now(),
		TTL:         c.ttl,
	}
	c.store(entry)

	if c.rdb != nil {
		data, err := json.Marshal(entry)
		if err == nil {
			err = c.rdb.Set(ctx, keyPrefix+fingerprint, data, c.ttl).Err()
		}
		if err != nil {
			c.logger.Warn("cache: L2 set failed", "error", err)
		}
	}
	return *entry
}

// Invalidate drops fingerprint from both tiers.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) {
	c.l1.Delete(fingerprint)
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, keyPrefix+fingerprint).Err(); err != nil {
			c.logger.Warn("cache: L2 delete failed", "error", err)
		}
	}
}

func (c *Cache) store(entry *Entry) {
	if _, loaded := c.l1.Load(entry.Fingerprint); !loaded {
		c.evictIfNeeded()
	}
	c.l1.Store(entry.Fingerprint, entry)
}

// Len returns the number of L1 entries, expired ones included.
func (c *Cache) Len() int {
	n := 0
	c.l1.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep removes expired L1 entries and returns how many were dropped.
// Redis expires L2 keys on its own.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	c.l1.Range(func(key, val any) bool {
		if entry, ok := val.(*Entry); ok && !entry.fresh(now) {
			if c.l1.CompareAndDelete(key, val) {
				removed++
			}
		}
		return true
	})
	return removed
}

// evictIfNeeded makes room for one more L1 entry: expired entries go first,
// then the oldest insertions.
func (c *Cache) evictIfNeeded() {
	if c.maxEntries <= 0 {
		return
	}
	count := c.Len()
	if count < c.maxEntries {
		return
	}

	count -= c.Sweep()

	for count >= c.maxEntries {
		var oldestKey any
		var oldestAt time.Time
		c.l1.Range(func(key, val any) bool {
			entry := val.(*Entry)
			if oldestKey == nil || entry.InsertedAt.Before(oldestAt) {
				oldestKey, oldestAt = key, entry.InsertedAt
			}
			return true
		})
		if oldestKey == nil {
			return
		}
		c.l1.Delete(oldestKey)
		count--
	}
}
