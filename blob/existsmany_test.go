package blob_test

import (
	"context"
	"testing"

	"github.com/oxicloud/storage-core/blob"
)

func TestExistsMany(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	stored, err := store.StoreBytes(ctx, []byte("present"), "")
	if err != nil {
		t.Fatal(err)
	}

	missingHash := blob.HashBytes([]byte("absent"))

	result, err := store.ExistsMany(ctx, []string{stored.Hash, missingHash})
	if err != nil {
		t.Fatal(err)
	}

	if !result[stored.Hash] {
		t.Fatalf("expected %s to exist", stored.Hash)
	}
	if result[missingHash] {
		t.Fatalf("expected %s to be reported missing", missingHash)
	}
}

func TestExistsManyBatching(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	hashes := make([]string, 0, 450)
	for i := 0; i < 450; i++ {
		hashes = append(hashes, blob.HashBytes([]byte{byte(i), byte(i >> 8)}))
	}

	result, err := store.ExistsMany(ctx, hashes)
	if err != nil {
		t.Fatal(err)
	}
	if len(result) != len(hashes) {
		t.Fatalf("expected %d entries, got %d", len(hashes), len(result))
	}
	for _, h := range hashes {
		if result[h] {
			t.Fatalf("hash %s was never stored but reported present", h)
		}
	}
}
