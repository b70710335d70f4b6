package wopilock_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oxicloud/storage-core/wopilock"
)

func newTable(t *testing.T, expiry time.Duration) *wopilock.Table {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "locks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	table, err := wopilock.Open(db, expiry)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func TestGetOnUnlockedFileReturnsEmptyHolder(t *testing.T) {
	ctx := context.Background()
	table := newTable(t, wopilock.DefaultExpiry)

	holder, err := table.Get(ctx, "file-1")
	if err != nil {
		t.Fatal(err)
	}
	if holder != "" {
		t.Fatalf("expected no holder, got %q", holder)
	}
}

func TestUnlockOnUnlockedFileReturnsEmptyConflict(t *testing.T) {
	ctx := context.Background()
	table := newTable(t, wopilock.DefaultExpiry)

	err := table.Unlock(ctx, "file-1", "lock-a")
	var conflict *wopilock.Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *wopilock.Conflict, got %T (%v)", err, err)
	}
	if conflict.ExistingLockID != "" {
		t.Fatalf("expected an empty existing holder, got %q", conflict.ExistingLockID)
	}
}

func TestLockSameHolderIsIdempotent(t *testing.T) {
	ctx := context.Background()
	table := newTable(t, wopilock.DefaultExpiry)

	if err := table.Lock(ctx, "file-1", "lock-a"); err != nil {
		t.Fatal(err)
	}
	if err := table.Lock(ctx, "file-1", "lock-a"); err != nil {
		t.Fatalf("expected re-locking with the same lock_id to succeed, got %v", err)
	}
}

func TestLockByDifferentHolderConflicts(t *testing.T) {
	ctx := context.Background()
	table := newTable(t, wopilock.DefaultExpiry)

	if err := table.Lock(ctx, "file-1", "lock-a"); err != nil {
		t.Fatal(err)
	}

	err := table.Lock(ctx, "file-1", "lock-b")
	var conflict *wopilock.Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *wopilock.Conflict, got %T (%v)", err, err)
	}
	if conflict.ExistingLockID != "lock-a" {
		t.Fatalf("expected existing holder lock-a, got %q", conflict.ExistingLockID)
	}
}

func TestLockAfterExpiryIsGrantedToNewHolder(t *testing.T) {
	ctx := context.Background()
	table := newTable(t, 10*time.Millisecond)

	if err := table.Lock(ctx, "file-1", "lock-a"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(25 * time.Millisecond)

	if err := table.Lock(ctx, "file-1", "lock-b"); err != nil {
		t.Fatalf("expected lock to be grantable once the holder's lease lazily expired: %v", err)
	}

	holder, err := table.Get(ctx, "file-1")
	if err != nil {
		t.Fatal(err)
	}
	if holder != "lock-b" {
		t.Fatalf("expected lock-b to hold the lock, got %q", holder)
	}
}

func TestRefreshExtendsExpiryForHolderOnly(t *testing.T) {
	ctx := context.Background()
	table := newTable(t, 30*time.Millisecond)

	if err := table.Lock(ctx, "file-1", "lock-a"); err != nil {
		t.Fatal(err)
	}

	err := table.Refresh(ctx, "file-1", "lock-b")
	var conflict *wopilock.Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected refresh by a non-holder to conflict, got %T (%v)", err, err)
	}

	if err := table.Refresh(ctx, "file-1", "lock-a"); err != nil {
		t.Fatalf("expected refresh by the holder to succeed: %v", err)
	}
}

func TestUnlockThenLockByAnotherHolderSucceeds(t *testing.T) {
	ctx := context.Background()
	table := newTable(t, wopilock.DefaultExpiry)

	if err := table.Lock(ctx, "file-1", "lock-a"); err != nil {
		t.Fatal(err)
	}
	if err := table.Unlock(ctx, "file-1", "lock-a"); err != nil {
		t.Fatal(err)
	}
	if err := table.Lock(ctx, "file-1", "lock-b"); err != nil {
		t.Fatalf("expected lock to be free after unlock: %v", err)
	}
}
