package chartsync

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// CacheEntry is a cached response. It is visible only while now < ExpiresAt.
type CacheEntry struct {
	Data      any
	StoredAt  time.Time
	ExpiresAt time.Time
}

// ResponseCache is an in-memory TTL map from request fingerprint to data.
// Expiry is enforced lazily on read; CleanExpired only reclaims memory.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]CacheEntry
	defaultTTL time.Duration
	now        func() time.Time
}

// NewResponseCache creates a cache. A ttl <= 0 uses DefaultCacheTTL.
func NewResponseCache(defaultTTL time.Duration) *ResponseCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultCacheTTL
	}
	return &ResponseCache{
		entries:    make(map[string]CacheEntry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the fresh value under key. An expired entry is evicted and
// reported as a miss.
func (c *ResponseCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.ExpiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.Data, true
}

// Set stores data under key. A ttl <= 0 uses the cache default.
func (c *ResponseCache) Set(key string, data any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	c.mu.Lock()
	c.entries[key] = CacheEntry{Data: data, StoredAt: now, ExpiresAt: now.Add(ttl)}
	c.mu.Unlock()
}

// Has reports whether a fresh entry exists under key.
func (c *ResponseCache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Invalidate removes every entry whose key contains pattern. An empty
// pattern clears the cache. It returns the number of removed entries.
func (c *ResponseCache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pattern == "" {
		n := len(c.entries)
		c.entries = make(map[string]CacheEntry)
		return n
	}
	n := 0
	for key := range c.entries {
		if strings.Contains(key, pattern) {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// CleanExpired drops every expired entry and returns how many were removed.
func (c *ResponseCache) CleanExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of physically present entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RunSweeper calls CleanExpired every interval until ctx is done.
func (c *ResponseCache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanExpired()
		}
	}
}

// GetTyped returns the fresh value under key if it holds a T.
func GetTyped[T any](c *ResponseCache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// CacheWrap returns the fresh cached T under key, or runs producer, caches
// its result and returns it. Producer errors are returned and nothing is
// cached. Concurrent misses may each run producer.
func CacheWrap[T any](ctx context.Context, c *ResponseCache, key string, ttl time.Duration, producer func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := GetTyped[T](c, key); ok {
		return v, nil
	}
	v, err := producer(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

// Fingerprint derives a cache key from an endpoint path and its query
// parameters. Parameters are sorted by key so insertion order never matters.
func Fingerprint(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return endpoint
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}
