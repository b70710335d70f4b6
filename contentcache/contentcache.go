// Package contentcache serves small, frequently-read file bytes from RAM
// so DownloadPipeline can skip BlobStore entirely on a hit.
package contentcache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxFileBytes is the per-entry size ceiling ShouldCache applies by
// default.
const DefaultMaxFileBytes = 10 * 1024 * 1024

type entry struct {
	bytes       []byte
	etag        string
	contentType string
}

// Config bounds the cache's eligibility and aggregate-byte budget.
type Config struct {
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// Cache is the ContentCache component: an LRU over an aggregate-byte
// budget, since hashicorp/golang-lru/v2 alone bounds entry count, not
// bytes.
type Cache struct {
	cfg Config

	mu         sync.Mutex
	lru        *lru.Cache[string, *entry]
	totalBytes int64
}

// New constructs a Cache. MaxTotalBytes <= 0 disables the aggregate budget
// (entries are only bounded by the count implied by a very large capacity).
func New(cfg Config) *Cache {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	c := &Cache{cfg: cfg}

	// A generous fixed capacity; the real eviction pressure comes from the
	// byte-budget enforcement in Put.
	l, _ := lru.NewWithEvict[string, *entry](1<<20, func(_ string, e *entry) {
		c.totalBytes -= int64(len(e.bytes))
	})
	c.lru = l
	return c
}

// ShouldCache reports whether size is small enough to be worth caching.
func (c *Cache) ShouldCache(size int64) bool {
	return size <= c.cfg.MaxFileBytes
}

// Get returns the cached bytes, ETag, and content type for fileID.
func (c *Cache) Get(fileID string) (data []byte, etag string, contentType string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.lru.Get(fileID)
	if !found {
		return nil, "", "", false
	}
	return append([]byte(nil), e.bytes...), e.etag, e.contentType, true
}

// Put stores data for fileID, evicting least-recently-used entries until
// the aggregate byte budget is satisfied.
func (c *Cache) Put(fileID string, data []byte, modifiedAtUnix int64, contentType string) {
	if !c.ShouldCache(int64(len(data))) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, found := c.lru.Peek(fileID); found {
		c.totalBytes -= int64(len(old.bytes))
	}

	e := &entry{
		bytes:       append([]byte(nil), data...),
		etag:        fmt.Sprintf("%s-%d", fileID, modifiedAtUnix),
		contentType: contentType,
	}
	c.lru.Add(fileID, e)
	c.totalBytes += int64(len(data))

	for c.cfg.MaxTotalBytes > 0 && c.totalBytes > c.cfg.MaxTotalBytes && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
}

// Invalidate unconditionally removes fileID's cached entry, as update and
// delete require.
func (c *Cache) Invalidate(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(fileID)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.totalBytes = 0
}

// Len reports the current entry count, mainly for metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
