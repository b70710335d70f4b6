package blob_test

import (
	"context"
	"testing"
)

func TestStatsTracksDedup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.StoreBytes(ctx, []byte("hello"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StoreBytes(ctx, []byte("hello"), ""); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalBlobs != 1 {
		t.Fatalf("expected 1 distinct blob, got %d", stats.TotalBlobs)
	}
	if stats.BytesSaved != 5 {
		t.Fatalf("expected 5 bytes saved, got %d", stats.BytesSaved)
	}
}
