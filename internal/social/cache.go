package social

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/bakehouse/internal/config"
	"github.com/pitabwire/bakehouse/model"
)

// RenderCache stores rendered images by key. Cached images carry no
// filename; it depends on the day the image is served.
type RenderCache interface {
	Get(ctx context.Context, key string) (model.RenderedImage, bool, error)
	Set(ctx context.Context, key string, img model.RenderedImage) error
	HealthCheck(ctx context.Context) error
	Driver() string
}

// CacheKey is the hex SHA-256 over the template, the canonical JSON of the
// content and the render mode.
func CacheKey(tmpl model.Template, content model.Content, mode string) (string, error) {
	t, err := json.Marshal(tmpl)
	if err != nil {
		return "", fmt.Errorf("marshal template: %w", err)
	}
	c, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(tmpl.ID))
	h.Write([]byte{0})
	h.Write(t)
	h.Write([]byte{0})
	h.Write(c)
	h.Write([]byte{0})
	h.Write([]byte(mode))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// OpenCache builds the cache selected by cfg. The none driver yields nil.
func OpenCache(cfg config.CacheConfig) (RenderCache, error) {
	switch cfg.Driver {
	case config.CacheNone, "":
		return nil, nil
	case config.CacheMemory:
		return NewMemoryRenderCache(cfg.TTL, cfg.MaxEntries), nil
	case config.CacheRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("render cache: %s is not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return NewRedisRenderCache(client, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("render cache: unknown driver %q", cfg.Driver)
	}
}

// --- MemoryRenderCache ---

// MemoryRenderCache is an in-process LRU with a per-entry TTL.
type MemoryRenderCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List
	entries    map[string]*list.Element
	now        func() time.Time
}

type memItem struct {
	key       string
	img       model.RenderedImage
	expiresAt time.Time
}

// NewMemoryRenderCache creates a memory cache. A zero maxEntries means no
// bound; a zero ttl means entries never expire.
func NewMemoryRenderCache(ttl time.Duration, maxEntries int) *MemoryRenderCache {
	return &MemoryRenderCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
		now:        time.Now,
	}
}

// Get returns a live entry and marks it recently used.
func (c *MemoryRenderCache) Get(_ context.Context, key string) (model.RenderedImage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return model.RenderedImage{}, false, nil
	}
	item := el.Value.(*memItem)
	if !item.expiresAt.IsZero() && c.now().After(item.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return model.RenderedImage{}, false, nil
	}
	c.order.MoveToFront(el)
	return item.img, true, nil
}

// Set stores img, evicting the least recently used entry when full.
func (c *MemoryRenderCache) Set(_ context.Context, key string, img model.RenderedImage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	img.Filename = ""
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if el, ok := c.entries[key]; ok {
		el.Value = &memItem{key: key, img: img, expiresAt: expiresAt}
		c.order.MoveToFront(el)
		return nil
	}
	c.entries[key] = c.order.PushFront(&memItem{key: key, img: img, expiresAt: expiresAt})

	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memItem).key)
	}
	return nil
}

// Len returns the number of entries, including expired ones. For testing.
func (c *MemoryRenderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// HealthCheck always succeeds.
func (c *MemoryRenderCache) HealthCheck(context.Context) error { return nil }

// Driver returns "memory".
func (c *MemoryRenderCache) Driver() string { return config.CacheMemory }

// --- RedisRenderCache ---

const redisKeyPrefix = "bakehouse:render:"

// RedisRenderCache keeps renders in Redis under "bakehouse:render:{key}".
type RedisRenderCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

type redisEntry struct {
	Data        []byte `json:"data"`
	ContentType string `json:"content_type"`
	Variant     string `json:"variant"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// NewRedisRenderCache creates a Redis-backed cache.
func NewRedisRenderCache(client redis.UniversalClient, ttl time.Duration) *RedisRenderCache {
	return &RedisRenderCache{client: client, ttl: ttl}
}

// Get looks up a render.
func (c *RedisRenderCache) Get(ctx context.Context, key string) (model.RenderedImage, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.RenderedImage{}, false, nil
	}
	if err != nil {
		return model.RenderedImage{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.RenderedImage{}, false, fmt.Errorf("unmarshal render entry %q: %w", key, err)
	}
	return model.RenderedImage{
		Data:        e.Data,
		ContentType: e.ContentType,
		Variant:     e.Variant,
		Width:       e.Width,
		Height:      e.Height,
	}, true, nil
}

// Set stores a render with the cache TTL.
func (c *RedisRenderCache) Set(ctx context.Context, key string, img model.RenderedImage) error {
	data, err := json.Marshal(redisEntry{
		Data:        img.Data,
		ContentType: img.ContentType,
		Variant:     img.Variant,
		Width:       img.Width,
		Height:      img.Height,
	})
	if err != nil {
		return fmt.Errorf("marshal render entry: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (c *RedisRenderCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Driver returns "redis".
func (c *RedisRenderCache) Driver() string { return config.CacheRedis }

// Close closes the Redis client.
func (c *RedisRenderCache) Close() error {
	return c.client.Close()
}
