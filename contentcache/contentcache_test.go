package contentcache_test

import (
	"fmt"
	"testing"

	"github.com/oxicloud/storage-core/contentcache"
	"github.com/oxicloud/storage-core/utils/testutils"
)

func TestShouldCacheRespectsMaxFileBytes(t *testing.T) {
	c := contentcache.New(contentcache.Config{MaxFileBytes: 100})
	if !c.ShouldCache(100) {
		t.Fatal("expected size equal to the cap to be cacheable")
	}
	if c.ShouldCache(101) {
		t.Fatal("expected size over the cap to be rejected")
	}
}

func TestPutGetRoundTripAndETag(t *testing.T) {
	c := contentcache.New(contentcache.Config{MaxFileBytes: 1024})
	data, _ := testutils.RandomDataAndHash(32)

	c.Put("file-1", data, 1000, "application/octet-stream")

	got, etag, ct, ok := c.Get("file-1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got) != string(data) {
		t.Fatal("bytes did not round-trip")
	}
	if etag != fmt.Sprintf("%s-%d", "file-1", 1000) {
		t.Fatalf("unexpected etag: %s", etag)
	}
	if ct != "application/octet-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}
}

func TestInvalidateRemovesEntryUnconditionally(t *testing.T) {
	c := contentcache.New(contentcache.Config{MaxFileBytes: 1024})
	c.Put("file-1", []byte("x"), 1, "text/plain")

	c.Invalidate("file-1")

	if _, _, _, ok := c.Get("file-1"); ok {
		t.Fatal("expected entry to be gone after invalidate")
	}
}

func TestAggregateByteBudgetEvictsOldest(t *testing.T) {
	c := contentcache.New(contentcache.Config{MaxFileBytes: 1024, MaxTotalBytes: 10})

	c.Put("a", []byte("0123456789"), 1, "text/plain")
	c.Put("b", []byte("abcdefghij"), 2, "text/plain")

	if _, _, _, ok := c.Get("a"); ok {
		t.Fatal("expected the oldest entry to be evicted once the byte budget is exceeded")
	}
	if _, _, _, ok := c.Get("b"); !ok {
		t.Fatal("expected the newest entry to survive")
	}
}

func TestClearEmptiesCache(t *testing.T) {
	c := contentcache.New(contentcache.Config{MaxFileBytes: 1024})
	c.Put("a", []byte("x"), 1, "text/plain")

	c.Clear()

	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", c.Len())
	}
}
