package trash_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oxicloud/storage-core/blob"
	"github.com/oxicloud/storage-core/metadata"
	"github.com/oxicloud/storage-core/trash"
	"github.com/oxicloud/storage-core/utils/testutils"
)

func newHarness(t *testing.T, cfg trash.Config) (*trash.Manager, metadata.Store, blob.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	metadataStore, err := metadata.Open(db, 0)
	if err != nil {
		t.Fatal(err)
	}
	blobs, err := blob.Open(filepath.Join(dir, "blobs"), db)
	if err != nil {
		t.Fatal(err)
	}

	mgr := trash.New(cfg, metadataStore, blobs, testutils.NewSilentLogger())
	return mgr, metadataStore, blobs
}

// createFile stores real bytes so permanent-delete paths have a blob
// reference to release.
func createFile(t *testing.T, ctx context.Context, metadataStore metadata.Store, blobs blob.Store, name string) metadata.File {
	t.Helper()
	stored, err := blobs.StoreBytes(ctx, []byte(name), "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	f, err := metadataStore.CreateFile(ctx, metadata.File{
		Name: name, UserID: "alice", BlobHash: stored.Hash, Size: stored.Size, MimeType: "text/plain",
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestMoveFileToTrashThenListThenRestore(t *testing.T) {
	ctx := context.Background()
	mgr, metadataStore, blobs := newHarness(t, trash.Config{})

	f := createFile(t, ctx, metadataStore, blobs, "a.txt")

	if err := mgr.MoveFileToTrash(ctx, f.ID); err != nil {
		t.Fatal(err)
	}

	items, err := mgr.List(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 trashed item, got %d", len(items))
	}
	if items[0].ItemID != f.ID || items[0].ItemType != "file" {
		t.Fatalf("unexpected trashed item: %+v", items[0])
	}

	if err := mgr.Restore(ctx, f.ID, "file"); err != nil {
		t.Fatal(err)
	}

	items, err = mgr.List(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected trash to be empty after restore, got %d", len(items))
	}
}

func TestRestoreUnknownItemTypeFails(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newHarness(t, trash.Config{})

	if err := mgr.Restore(ctx, "whatever", "widget"); err == nil {
		t.Fatal("expected an error for an unrecognized item type")
	}
}

func TestDeletePermanentlyBypassesRetention(t *testing.T) {
	ctx := context.Background()
	mgr, metadataStore, blobs := newHarness(t, trash.Config{Retention: 30 * 24 * time.Hour})

	f := createFile(t, ctx, metadataStore, blobs, "b.txt")
	if err := mgr.MoveFileToTrash(ctx, f.ID); err != nil {
		t.Fatal(err)
	}

	if err := mgr.DeletePermanently(ctx, f.ID, "file"); err != nil {
		t.Fatal(err)
	}

	if _, err := metadataStore.GetFile(ctx, f.ID); err == nil {
		t.Fatal("expected file row to be gone after permanent delete")
	}

	ok, err := blobs.Exists(ctx, f.BlobHash)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected the last blob reference to be released with the file")
	}
}

func TestEmptyDeletesEveryTrashedItemForUser(t *testing.T) {
	ctx := context.Background()
	mgr, metadataStore, blobs := newHarness(t, trash.Config{})

	f1 := createFile(t, ctx, metadataStore, blobs, "c1.txt")
	f2 := createFile(t, ctx, metadataStore, blobs, "c2.txt")
	if err := mgr.MoveFileToTrash(ctx, f1.ID); err != nil {
		t.Fatal(err)
	}
	if err := mgr.MoveFileToTrash(ctx, f2.ID); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Empty(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	items, err := mgr.List(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty trash, got %d items", len(items))
	}
}

func TestEmptyDeletesTrashedFolderWithDescendants(t *testing.T) {
	ctx := context.Background()
	mgr, metadataStore, blobs := newHarness(t, trash.Config{})

	root, err := metadataStore.CreateFolder(ctx, metadata.Folder{Name: "docs", UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	stored, err := blobs.StoreBytes(ctx, []byte("nested"), "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	nested, err := metadataStore.CreateFile(ctx, metadata.File{
		Name: "n.txt", UserID: "alice", FolderID: &root.ID,
		BlobHash: stored.Hash, Size: stored.Size, MimeType: "text/plain",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.MoveFolderToTrash(ctx, root.ID); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Empty(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	if _, err := metadataStore.GetFolder(ctx, root.ID); err == nil {
		t.Fatal("expected the trashed folder to be gone after Empty")
	}
	if _, err := metadataStore.GetFile(ctx, nested.ID); err == nil {
		t.Fatal("expected the cascaded descendant file to be gone after Empty")
	}
	ok, err := blobs.Exists(ctx, nested.BlobHash)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected the descendant file's blob reference to be released")
	}
}

func TestStartStopSweepsExpiredItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, metadataStore, blobs := newHarness(t, trash.Config{
		Retention:     1 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	f := createFile(t, ctx, metadataStore, blobs, "d.txt")
	if err := mgr.MoveFileToTrash(ctx, f.ID); err != nil {
		t.Fatal(err)
	}

	mgr.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	mgr.Stop()

	if _, err := metadataStore.GetFile(ctx, f.ID); err == nil {
		t.Fatal("expected the background sweep to have permanently deleted the expired file")
	}
}
