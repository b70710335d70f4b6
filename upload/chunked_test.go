package upload_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"testing"
	"time"

	"github.com/oxicloud/storage-core/metadata"
	"github.com/oxicloud/storage-core/upload"
)

func newChunkManager(t *testing.T) *upload.ChunkManager {
	t.Helper()
	p, _, _ := newHarness(t, nil)
	return upload.NewChunkManager(p, t.TempDir(), 0, time.Hour)
}

func TestShouldUseChunkedRespectsThreshold(t *testing.T) {
	m := newChunkManager(t)
	if m.ShouldUseChunked(upload.ChunkedThreshold - 1) {
		t.Fatal("expected sizes under the threshold not to require chunking")
	}
	if !m.ShouldUseChunked(upload.ChunkedThreshold) {
		t.Fatal("expected sizes at the threshold to require chunking")
	}
}

func TestCreateUploadThenUploadAllChunksThenComplete(t *testing.T) {
	ctx := context.Background()
	m := newChunkManager(t)

	totalSize := int64(25)
	chunkSize := 10
	created, err := m.CreateSession(ctx, "alice", "big.bin", nil, "application/octet-stream", totalSize, chunkSize)
	if err != nil {
		t.Fatal(err)
	}
	if created.TotalChunks != 3 {
		t.Fatalf("expected 3 chunks for 25 bytes at chunk size 10, got %d", created.TotalChunks)
	}

	chunks := [][]byte{
		bytes.Repeat([]byte("a"), 10),
		bytes.Repeat([]byte("b"), 10),
		bytes.Repeat([]byte("c"), 5),
	}

	for i, chunk := range chunks {
		result, err := m.UploadChunk(ctx, created.UploadID, i, chunk, "")
		if err != nil {
			t.Fatal(err)
		}
		wantComplete := i == len(chunks)-1
		if result.IsComplete != wantComplete {
			t.Fatalf("chunk %d: expected IsComplete=%v, got %v", i, wantComplete, result.IsComplete)
		}
	}

	status, err := m.GetStatus(ctx, created.UploadID)
	if err != nil {
		t.Fatal(err)
	}
	if !status.IsComplete || status.BytesReceived != totalSize {
		t.Fatalf("expected a complete status with %d bytes, got %+v", totalSize, status)
	}

	result, err := m.CompleteUpload(ctx, created.UploadID)
	if err != nil {
		t.Fatal(err)
	}
	if result.Tier != upload.TierStreaming {
		t.Fatalf("expected chunked assembly to finish over the streaming tier, got %s", result.Tier)
	}
	if result.File.BlobHash == metadata.SentinelHash {
		t.Fatal("expected a committed blob hash after completion")
	}

	if _, err := m.GetStatus(ctx, created.UploadID); err == nil {
		t.Fatal("expected the session to be gone after completion")
	}
}

func TestUploadChunkRejectsBadChecksum(t *testing.T) {
	ctx := context.Background()
	m := newChunkManager(t)

	created, err := m.CreateSession(ctx, "alice", "f.bin", nil, "application/octet-stream", 10, 10)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.UploadChunk(ctx, created.UploadID, 0, bytes.Repeat([]byte("x"), 10), "deadbeef"); err == nil {
		t.Fatal("expected a checksum mismatch to be rejected")
	}
}

func TestUploadChunkAcceptsGoodChecksum(t *testing.T) {
	ctx := context.Background()
	m := newChunkManager(t)

	created, err := m.CreateSession(ctx, "alice", "g.bin", nil, "application/octet-stream", 10, 10)
	if err != nil {
		t.Fatal(err)
	}

	data := bytes.Repeat([]byte("x"), 10)
	sum := md5.Sum(data)
	if _, err := m.UploadChunk(ctx, created.UploadID, 0, data, hex.EncodeToString(sum[:])); err != nil {
		t.Fatal(err)
	}
}

func TestRepeatedChunkUploadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newChunkManager(t)

	created, err := m.CreateSession(ctx, "alice", "h.bin", nil, "application/octet-stream", 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("x"), 10)

	first, err := m.UploadChunk(ctx, created.UploadID, 0, data, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.UploadChunk(ctx, created.UploadID, 0, data, "")
	if err != nil {
		t.Fatal(err)
	}
	if first.IsComplete != second.IsComplete || first.BytesReceived != second.BytesReceived {
		t.Fatal("expected re-uploading an already-received chunk to be a harmless no-op")
	}
}

func TestCompleteUploadFailsWithMissingChunks(t *testing.T) {
	ctx := context.Background()
	m := newChunkManager(t)

	created, err := m.CreateSession(ctx, "alice", "i.bin", nil, "application/octet-stream", 20, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.UploadChunk(ctx, created.UploadID, 0, bytes.Repeat([]byte("x"), 10), ""); err != nil {
		t.Fatal(err)
	}

	if _, err := m.CompleteUpload(ctx, created.UploadID); err == nil {
		t.Fatal("expected completion to fail while chunk 1 is still missing")
	}
}

func TestCancelUploadRemovesSession(t *testing.T) {
	ctx := context.Background()
	m := newChunkManager(t)

	created, err := m.CreateSession(ctx, "alice", "j.bin", nil, "application/octet-stream", 10, 10)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.CancelUpload(ctx, created.UploadID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetStatus(ctx, created.UploadID); err == nil {
		t.Fatal("expected the session to be gone after cancellation")
	}
}

func TestGetStatusOnUnknownSessionFails(t *testing.T) {
	ctx := context.Background()
	m := newChunkManager(t)

	if _, err := m.GetStatus(ctx, "nonexistent"); err == nil {
		t.Fatal("expected an error for an unknown upload id")
	}
}
