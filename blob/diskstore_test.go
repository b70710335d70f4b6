package blob_test

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oxicloud/storage-core/blob"
	"github.com/oxicloud/storage-core/storageerr"
)

func newTestStore(t *testing.T) *blob.DiskStore {
	t.Helper()

	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := blob.Open(filepath.Join(dir, "blobs"), db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestStoreBytesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	res, err := store.StoreBytes(ctx, []byte("hello"), "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if res.Deduplicated {
		t.Fatal("first store should not be deduplicated")
	}
	if res.Hash != blob.HashBytes([]byte("hello")) {
		t.Fatalf("unexpected hash: %s", res.Hash)
	}

	data, err := store.ReadBytes(ctx, res.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", data)
	}

	exists, err := store.Exists(ctx, res.Hash)
	if err != nil || !exists {
		t.Fatalf("expected blob to exist, err=%v", err)
	}
}

func TestStoreBytesDedup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.StoreBytes(ctx, []byte("hello"), "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.StoreBytes(ctx, []byte("hello"), "")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Deduplicated {
		t.Fatal("second store of identical content should be deduplicated")
	}

	info, err := store.Metadata(ctx, first.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if info.RefCount != 2 {
		t.Fatalf("expected ref_count 2, got %d", info.RefCount)
	}
}

func TestRemoveReferenceDeletesAtZero(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	res, err := store.StoreBytes(ctx, []byte("bye"), "")
	if err != nil {
		t.Fatal(err)
	}

	deleted, err := store.RemoveReference(ctx, res.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("expected blob to be deleted when ref_count reaches 0")
	}

	exists, err := store.Exists(ctx, res.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("blob should no longer exist")
	}

	if _, err := store.ReadBytes(ctx, res.Hash); !storageerr.Is(err, storageerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRemoveReferenceKeepsFileWhileReferenced(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	res, err := store.StoreBytes(ctx, []byte("shared"), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.StoreBytes(ctx, []byte("shared"), ""); err != nil {
		t.Fatal(err)
	}

	deleted, err := store.RemoveReference(ctx, res.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Fatal("blob should survive while ref_count > 0")
	}

	if _, err := store.ReadBytes(ctx, res.Hash); err != nil {
		t.Fatal(err)
	}
}

func TestStoreBytesEmptyContent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	res, err := store.StoreBytes(ctx, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Hash != blob.EmptyHash {
		t.Fatalf("expected the canonical empty hash, got %s", res.Hash)
	}

	data, err := store.ReadBytes(ctx, blob.EmptyHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Fatalf("expected 0 bytes, got %d", len(data))
	}
}

func TestStoreFromStreamPrecomputedHash(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	content := []byte("streamed content")
	hash := blob.HashBytes(content)

	res, err := store.StoreFromStream(ctx, newReader(content), hash, "application/octet-stream")
	if err != nil {
		t.Fatal(err)
	}
	if res.Hash != hash {
		t.Fatalf("expected hash %s, got %s", hash, res.Hash)
	}
}

func TestReadRangeStream(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	content := []byte("0123456789")
	res, err := store.StoreBytes(ctx, content, "")
	if err != nil {
		t.Fatal(err)
	}

	rc, err := store.ReadRangeStream(ctx, res.Hash, 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "2345" {
		t.Fatalf("expected %q, got %q", "2345", data)
	}
}

func TestMaxBlobSizeRejectsOversizedWrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	store, err := blob.Open(filepath.Join(dir, "blobs"), db, blob.WithMaxBlobSize(4))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.StoreBytes(ctx, []byte("toolong"), ""); !storageerr.Is(err, storageerr.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

type byteReader struct {
	data []byte
	pos  int
}

func newReader(data []byte) *byteReader {
	return &byteReader{data: data}
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
