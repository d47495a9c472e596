// Package cache keeps rendered thread listings close to the HTTP surface.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/submission"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a cached listing is served.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "treecomments:thread:"

// Backend stores opaque values with a time to live, plus counters that never
// expire.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
}

// Variant selects one cached rendering of a thread.
type Variant struct {
	Order      comments.Order
	PublicOnly bool
}

// Listing pins the target generation a lookup was made under. A listing
// computed before an invalidation is stored under the old generation and is
// never served afterwards.
type Listing struct {
	Target     comments.Target
	Variant    Variant
	generation int64
	pinned     bool
}

// ThreadCache caches serialized listings per target and variant. Backend
// failures are logged and treated as misses. Invalidation bumps a per-target
// generation rather than deleting entries; superseded entries age out.
type ThreadCache struct {
	backend Backend
	ttl     time.Duration
	logger  *zap.Logger
}

// NewThreadCache constructs a ThreadCache.
func NewThreadCache(backend Backend, ttl time.Duration, logger *zap.Logger) (*ThreadCache, error) {
	if backend == nil {
		return nil, errors.New("cache: backend is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThreadCache{backend: backend, ttl: ttl, logger: logger}, nil
}

// targetKey encodes a target unambiguously: each free-form component is
// length-prefixed, so separators inside content types or object ids cannot
// make two targets collide.
func targetKey(target comments.Target) string {
	return fmt.Sprintf("%d:%s:%d:%s:%d", len(target.ContentType), target.ContentType, len(target.ObjectID), target.ObjectID, target.SiteID)
}

func generationKey(target comments.Target) string {
	return keyPrefix + "generation:" + targetKey(target)
}

// Key returns the backend key of a listing under generation.
func Key(target comments.Target, variant Variant, generation int64) string {
	visibility := "all"
	if variant.PublicOnly {
		visibility = "public"
	}
	return fmt.Sprintf("%slisting:%s:g%d:%s:%s", keyPrefix, targetKey(target), generation, variant.Order, visibility)
}

func (c *ThreadCache) generation(ctx context.Context, target comments.Target) (int64, error) {
	raw, found, err := c.backend.Get(ctx, generationKey(target))
	if err != nil || !found {
		return 0, err
	}
	generation, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: corrupt generation %q: %w", raw, err)
	}
	return generation, nil
}

// Get returns a cached listing together with the Listing to store a freshly
// computed value under.
func (c *ThreadCache) Get(ctx context.Context, target comments.Target, variant Variant) ([]byte, Listing, bool) {
	listing := Listing{Target: target, Variant: variant}
	generation, err := c.generation(ctx, target)
	if err != nil {
		c.logger.Warn("thread cache read failed", zap.String("target", target.String()), zap.Error(err))
		return nil, listing, false
	}
	listing.generation, listing.pinned = generation, true

	value, found, err := c.backend.Get(ctx, Key(target, variant, generation))
	if err != nil {
		c.logger.Warn("thread cache read failed", zap.String("target", target.String()), zap.Error(err))
		return nil, listing, false
	}
	return value, listing, found
}

// Put stores a listing under the generation it was looked up with. Listings
// whose generation could not be read are not stored.
func (c *ThreadCache) Put(ctx context.Context, listing Listing, value []byte) {
	if !listing.pinned {
		return
	}
	if err := c.backend.Set(ctx, Key(listing.Target, listing.Variant, listing.generation), value, c.ttl); err != nil {
		c.logger.Warn("thread cache write failed", zap.String("target", listing.Target.String()), zap.Error(err))
	}
}

// Invalidate retires every cached listing of target.
func (c *ThreadCache) Invalidate(ctx context.Context, target comments.Target) error {
	if _, err := c.backend.Incr(ctx, generationKey(target)); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", target.String(), err)
	}
	return nil
}

// Name implements submission.PostPublishObserver.
func (c *ThreadCache) Name() string {
	return "thread-cache"
}

// CommentPosted implements submission.PostPublishObserver.
func (c *ThreadCache) CommentPosted(ctx context.Context, event submission.Event) error {
	return c.Invalidate(ctx, event.Target)
}

// RedisBackend stores listings in Redis.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to redisURL and verifies the connection.
func NewRedisBackend(ctx context.Context, redisURL string) (*RedisBackend, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid redis url: %w", err)
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set implements Backend.
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}

// Incr implements Backend.
func (b *RedisBackend) Incr(ctx context.Context, key string) (int64, error) {
	return b.client.Incr(ctx, key).Result()
}

// Close releases the connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// memoryEntry never expires when expiresAt is zero.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is a process-local Backend used when Redis is not configured.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend(clock func() time.Time) *MemoryBackend {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryBackend{entries: make(map[string]memoryEntry), clock: clock}
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !b.clock().Before(entry.expiresAt) {
		delete(b.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// Set implements Backend.
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: b.clock().Add(ttl)}
	return nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.entries, key)
	}
	return nil
}

// Incr implements Backend.
func (b *MemoryBackend) Incr(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var current int64
	if entry, ok := b.entries[key]; ok {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache: %s is not a counter: %w", key, err)
		}
		current = parsed
	}
	current++
	b.entries[key] = memoryEntry{value: []byte(strconv.FormatInt(current, 10))}
	return current, nil
}
