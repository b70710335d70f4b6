package writebehind_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oxicloud/storage-core/blob"
	"github.com/oxicloud/storage-core/metadata"
	"github.com/oxicloud/storage-core/utils/testutils"
	"github.com/oxicloud/storage-core/writebehind"
)

func newHarness(t *testing.T) (*writebehind.Cache, *blob.DiskStore, metadata.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := blob.Open(filepath.Join(dir, "blobs"), db)
	if err != nil {
		t.Fatal(err)
	}
	metadataStore, err := metadata.Open(db, 0)
	if err != nil {
		t.Fatal(err)
	}

	cache := writebehind.New(writebehind.Config{
		MaxEntryBytes: 1024,
		MaxTotalBytes: 4096,
		FlushInterval: 20 * time.Millisecond,
		DwellTime:     1 * time.Millisecond,
	}, blobs, metadataStore, testutils.NewSilentLogger())

	return cache, blobs, metadataStore
}

func TestIsEligibleRejectsOversizedAndSaturated(t *testing.T) {
	cache, _, _ := newHarness(t)

	if !cache.IsEligible(512) {
		t.Fatal("expected 512 bytes to be eligible")
	}
	if cache.IsEligible(2048) {
		t.Fatal("expected 2048 bytes to exceed the per-entry cap")
	}

	for _, id := range []string{"f1", "f2", "f3", "f4"} {
		if !cache.PutPending(id, make([]byte, 1024), "") {
			t.Fatalf("expected %s to be admitted", id)
		}
	}
	if cache.IsEligible(512) {
		t.Fatal("expected 512 bytes to be refused once the 4096-byte budget is full")
	}
}

func TestPutPendingRejectsSecondPutForSameFile(t *testing.T) {
	cache, _, _ := newHarness(t)

	if !cache.PutPending("f1", []byte("a"), "") {
		t.Fatal("expected first put to succeed")
	}
	if cache.PutPending("f1", []byte("b"), "") {
		t.Fatal("expected second put for the same file_id to be rejected")
	}
}

func TestGetPendingReturnsStagedBytes(t *testing.T) {
	cache, _, _ := newHarness(t)

	data, hash := testutils.RandomDataAndHash(64)
	_ = hash
	cache.PutPending("f1", data, "")

	got, contentType, ok := cache.GetPending("f1")
	if !ok {
		t.Fatal("expected pending bytes to be found")
	}
	if string(got) != string(data) {
		t.Fatal("pending bytes did not round-trip")
	}
	if contentType != "" {
		t.Fatalf("expected empty content type, got %q", contentType)
	}
	if !cache.IsPending("f1") {
		t.Fatal("expected file to still be pending before a flush")
	}
}

func TestForceFlushCommitsBlobAndUpdatesMetadata(t *testing.T) {
	ctx := context.Background()
	cache, blobs, metadataStore := newHarness(t)

	f, err := metadataStore.RegisterFileDeferred(ctx, metadata.File{
		Name: "a.txt", UserID: "alice", Size: 5, MimeType: "text/plain",
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.BlobHash != metadata.SentinelHash {
		t.Fatalf("expected sentinel hash before flush, got %q", f.BlobHash)
	}

	cache.PutPending(f.ID, []byte("hello"), "text/plain")

	if err := cache.ForceFlush(ctx, f.ID); err != nil {
		t.Fatal(err)
	}

	updated, err := metadataStore.GetFile(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.BlobHash == metadata.SentinelHash {
		t.Fatal("expected blob_hash to be replaced after flush")
	}

	data, err := blobs.ReadBytes(ctx, updated.BlobHash)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", data)
	}
}

func TestRecoverSentinelsDeletesUnflushedRows(t *testing.T) {
	ctx := context.Background()
	_, _, metadataStore := newHarness(t)

	f, err := metadataStore.RegisterFileDeferred(ctx, metadata.File{
		Name: "crash.txt", UserID: "alice", Size: 3, MimeType: "text/plain",
	})
	if err != nil {
		t.Fatal(err)
	}

	removed, err := writebehind.RecoverSentinels(ctx, metadataStore)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 recovered row, got %d", removed)
	}

	if _, err := metadataStore.GetFile(ctx, f.ID); err == nil {
		t.Fatal("expected sentinel row to have been removed on recovery")
	}
}

func TestFlushAllDrainsEverythingOnShutdown(t *testing.T) {
	ctx := context.Background()
	cache, _, metadataStore := newHarness(t)

	f, err := metadataStore.RegisterFileDeferred(ctx, metadata.File{
		Name: "shutdown.txt", UserID: "alice", Size: 2, MimeType: "text/plain",
	})
	if err != nil {
		t.Fatal(err)
	}
	cache.PutPending(f.ID, []byte("hi"), "text/plain")

	cache.FlushAll(ctx)

	if cache.IsPending(f.ID) {
		t.Fatal("expected no entries pending after FlushAll")
	}
	stats := cache.Stats()
	if stats.TotalWrites != 1 {
		t.Fatalf("expected 1 total write, got %d", stats.TotalWrites)
	}
}
