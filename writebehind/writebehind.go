// Package writebehind accepts small uploads, acknowledges them immediately,
// and flushes them to BlobStore on a background schedule.
package writebehind

import (
	"bytes"
	"context"
	"log"
	"sync"
	"time"

	"github.com/oxicloud/storage-core/blob"
	"github.com/oxicloud/storage-core/metadata"
)

// Stats is a point-in-time snapshot of cache occupancy and flush counters.
type Stats struct {
	PendingCount       int
	PendingBytes       int64
	TotalWrites        int64
	TotalBytesWritten  int64
	CacheHits          int64
	AvgFlushTimeMillis float64
}

type pendingEntry struct {
	bytes       []byte
	targetHash  string
	contentType string
	stagedAt    time.Time
}

// Config bounds the cache's admission policy and flush cadence.
type Config struct {
	MaxEntryBytes int64
	MaxTotalBytes int64
	MaxTotalCount int
	FlushInterval time.Duration
	DwellTime     time.Duration
}

const maxFlushAttempts = 3

// Cache is the WriteBehindCache component.
type Cache struct {
	cfg      Config
	blobs    blob.Store
	metadata metadata.Store
	logger   *log.Logger

	// pending holds entries waiting for a flush cycle; flushing holds
	// entries whose blob write is in progress. Reads consult both, so a
	// download racing a flush still sees the bytes until the metadata
	// update commits.
	mu       sync.Mutex
	pending  map[string]*pendingEntry
	flushing map[string]*pendingEntry

	stats struct {
		sync.Mutex
		totalWrites       int64
		totalBytesWritten int64
		cacheHits         int64
		flushDurationsSum time.Duration
		flushCount        int64
	}

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs a Cache but does not start its flusher; call Start to do
// so.
func New(cfg Config, blobs blob.Store, metadataStore metadata.Store, logger *log.Logger) *Cache {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.DwellTime <= 0 {
		cfg.DwellTime = 500 * time.Millisecond
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{
		cfg:      cfg,
		blobs:    blobs,
		metadata: metadataStore,
		logger:   logger,
		pending:  make(map[string]*pendingEntry),
		flushing: make(map[string]*pendingEntry),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background flusher goroutine.
func (c *Cache) Start(ctx context.Context) {
	if c.ticker != nil {
		return
	}
	c.ticker = time.NewTicker(c.cfg.FlushInterval)
	go c.loop(ctx)
}

// Stop signals the flusher to exit after flushing everything pending. Safe
// to call on a Cache that was never started; remaining entries are flushed
// synchronously in that case.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	if c.ticker == nil {
		c.FlushAll(context.Background())
		return
	}
	<-c.doneCh
}

func (c *Cache) loop(ctx context.Context) {
	defer func() {
		c.ticker.Stop()
		close(c.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			c.FlushAll(context.Background())
			return
		case <-c.stopCh:
			c.FlushAll(context.Background())
			return
		case <-c.ticker.C:
			c.flushDwelled(ctx)
		}
	}
}

// IsEligible reports whether size fits under the per-entry cap and the
// aggregate caps still have room.
func (c *Cache) IsEligible(size int64) bool {
	if size > c.cfg.MaxEntryBytes {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var totalBytes int64
	for _, e := range c.pending {
		totalBytes += int64(len(e.bytes))
	}
	for _, e := range c.flushing {
		totalBytes += int64(len(e.bytes))
	}
	if c.cfg.MaxTotalBytes > 0 && totalBytes+size > c.cfg.MaxTotalBytes {
		return false
	}
	if c.cfg.MaxTotalCount > 0 && len(c.pending)+len(c.flushing) >= c.cfg.MaxTotalCount {
		return false
	}
	return true
}

// PutPending stashes data in RAM for fileID, computing its target blob hash
// on admission. Returns false if the cache is saturated, in which case the
// caller falls back to the buffered tier. Multiple puts for the same fileID
// are not supported.
func (c *Cache) PutPending(fileID string, data []byte, contentType string) bool {
	if !c.IsEligible(int64(len(data))) {
		return false
	}
	staged := &pendingEntry{
		bytes:       append([]byte(nil), data...),
		targetHash:  blob.HashBytes(data),
		contentType: contentType,
		stagedAt:    time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[fileID]; exists {
		return false
	}
	if _, exists := c.flushing[fileID]; exists {
		return false
	}
	c.pending[fileID] = staged
	return true
}

// GetPending returns the in-RAM bytes and content type for fileID if a
// flush has not yet committed, satisfying the download fast-path.
func (c *Cache) GetPending(fileID string) ([]byte, string, bool) {
	c.mu.Lock()
	entry, ok := c.pending[fileID]
	if !ok {
		entry, ok = c.flushing[fileID]
	}
	c.mu.Unlock()
	if !ok {
		return nil, "", false
	}
	c.stats.Lock()
	c.stats.cacheHits++
	c.stats.Unlock()
	return append([]byte(nil), entry.bytes...), entry.contentType, true
}

// IsPending reports whether fileID is still waiting for its flush to
// commit.
func (c *Cache) IsPending(fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[fileID]; ok {
		return true
	}
	_, ok := c.flushing[fileID]
	return ok
}

// ForceFlush flushes a single fileID synchronously, if still pending.
func (c *Cache) ForceFlush(ctx context.Context, fileID string) error {
	c.mu.Lock()
	entry, ok := c.pending[fileID]
	if ok {
		delete(c.pending, fileID)
		c.flushing[fileID] = entry
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.flushOne(ctx, fileID, entry)
}

// FlushAll drains every pending entry before returning, as shutdown
// requires.
func (c *Cache) FlushAll(ctx context.Context) {
	c.mu.Lock()
	drained := c.pending
	c.pending = make(map[string]*pendingEntry)
	for fileID, entry := range drained {
		c.flushing[fileID] = entry
	}
	c.mu.Unlock()

	for fileID, entry := range drained {
		if err := c.flushOne(ctx, fileID, entry); err != nil {
			c.logger.Printf("writebehind: flush %s failed: %v", fileID, err)
		}
	}
}

// flushDwelled drains only entries older than the configured dwell time,
// leaving freshly staged writes for a later cycle.
func (c *Cache) flushDwelled(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.DwellTime)

	c.mu.Lock()
	toFlush := make(map[string]*pendingEntry)
	for fileID, entry := range c.pending {
		if entry.stagedAt.Before(cutoff) {
			toFlush[fileID] = entry
			c.flushing[fileID] = entry
			delete(c.pending, fileID)
		}
	}
	c.mu.Unlock()

	for fileID, entry := range toFlush {
		if err := c.flushOne(ctx, fileID, entry); err != nil {
			c.logger.Printf("writebehind: flush %s failed: %v", fileID, err)
		}
	}
}

// flushOne commits one entry: blob write first, then the metadata update
// that swaps the sentinel hash for the real one. Failures retry with
// exponential backoff up to maxFlushAttempts; after the final failure the
// entry is dropped and the row keeps its sentinel hash, so the file reports
// missing on next access and the startup scan reclaims the row.
func (c *Cache) flushOne(ctx context.Context, fileID string, entry *pendingEntry) error {
	defer func() {
		c.mu.Lock()
		delete(c.flushing, fileID)
		c.mu.Unlock()
	}()

	start := time.Now()

	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < maxFlushAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = c.commit(ctx, fileID, entry)
		if err == nil {
			break
		}
	}
	if err != nil {
		return err
	}

	c.stats.Lock()
	c.stats.totalWrites++
	c.stats.totalBytesWritten += int64(len(entry.bytes))
	c.stats.flushDurationsSum += time.Since(start)
	c.stats.flushCount++
	c.stats.Unlock()
	return nil
}

func (c *Cache) commit(ctx context.Context, fileID string, entry *pendingEntry) error {
	result, err := c.blobs.StoreFromStream(ctx, bytes.NewReader(entry.bytes), entry.targetHash, entry.contentType)
	if err != nil {
		return err
	}
	_, err = c.metadata.UpdateFileBlobHash(ctx, fileID, result.Hash, result.Size)
	return err
}

// Stats snapshots the occupancy and flush counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	var pendingBytes int64
	for _, e := range c.pending {
		pendingBytes += int64(len(e.bytes))
	}
	for _, e := range c.flushing {
		pendingBytes += int64(len(e.bytes))
	}
	pendingCount := len(c.pending) + len(c.flushing)
	c.mu.Unlock()

	c.stats.Lock()
	defer c.stats.Unlock()

	var avg float64
	if c.stats.flushCount > 0 {
		avg = float64(c.stats.flushDurationsSum.Milliseconds()) / float64(c.stats.flushCount)
	}

	return Stats{
		PendingCount:       pendingCount,
		PendingBytes:       pendingBytes,
		TotalWrites:        c.stats.totalWrites,
		TotalBytesWritten:  c.stats.totalBytesWritten,
		CacheHits:          c.stats.cacheHits,
		AvgFlushTimeMillis: avg,
	}
}

// RecoverSentinels deletes File rows still carrying the sentinel hash from
// a prior crash, since their upload was never durably acknowledged.
func RecoverSentinels(ctx context.Context, metadataStore metadata.Store) (int, error) {
	ids, err := metadataStore.ListSentinelFiles(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if _, err := metadataStore.DeleteFilePermanently(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
