// Package upload picks one of three upload strategies based on a file's
// declared size and executes it end to end.
package upload

import (
	"bytes"
	"context"
	"io"

	"github.com/oxicloud/storage-core/blob"
	"github.com/oxicloud/storage-core/metadata"
	"github.com/oxicloud/storage-core/writebehind"
)

// Tier thresholds. Comparisons use strict inequality at the lower bound:
// a size exactly equal to WriteBehindCeiling is Buffered, and a size
// exactly equal to BufferedCeiling is Streaming.
const (
	WriteBehindCeiling = 256 * 1024
	BufferedCeiling    = 1024 * 1024
)

// Tier names the strategy Pipeline chose for a given upload.
type Tier string

const (
	TierWriteBehind Tier = "write_behind"
	TierBuffered    Tier = "buffered"
	TierStreaming   Tier = "streaming"
)

// Result describes the outcome of a completed upload.
type Result struct {
	File          metadata.File
	Tier          Tier
	Deduplicated  bool
}

// Pipeline is the UploadPipeline component.
type Pipeline struct {
	blobs       blob.Store
	metadata    metadata.Store
	writeBehind *writebehind.Cache
}

// New constructs a Pipeline.
func New(blobs blob.Store, metadataStore metadata.Store, wb *writebehind.Cache) *Pipeline {
	return &Pipeline{blobs: blobs, metadata: metadataStore, writeBehind: wb}
}

// chooseTier picks the upload strategy. declaredSize is the caller-declared
// total size (chunked uploads pre-know this; buffered and write-behind
// learn it as bytes arrive). A saturated write-behind cache falls through
// to Buffered regardless of size.
func chooseTier(declaredSize int64, writeBehindHasCapacity bool) Tier {
	if declaredSize < WriteBehindCeiling && writeBehindHasCapacity {
		return TierWriteBehind
	}
	if declaredSize < BufferedCeiling {
		return TierBuffered
	}
	return TierStreaming
}

// Upload stores src (declaredSize bytes) as a new File named name inside
// folderID for userID, picking the cheapest tier for the declared size.
func (p *Pipeline) Upload(ctx context.Context, userID, name string, folderID *string, src io.Reader, declaredSize int64, contentType string) (Result, error) {
	hasCapacity := p.writeBehind != nil && p.writeBehind.IsEligible(declaredSize)

	switch chooseTier(declaredSize, hasCapacity) {
	case TierWriteBehind:
		return p.uploadWriteBehind(ctx, userID, name, folderID, src, declaredSize, contentType)
	case TierBuffered:
		return p.uploadBuffered(ctx, userID, name, folderID, src, contentType)
	default:
		return p.uploadStreaming(ctx, userID, name, folderID, src, contentType)
	}
}

func (p *Pipeline) uploadWriteBehind(ctx context.Context, userID, name string, folderID *string, src io.Reader, declaredSize int64, contentType string) (Result, error) {
	data, err := io.ReadAll(io.LimitReader(src, declaredSize+1))
	if err != nil {
		return Result{}, err
	}

	f, err := p.metadata.RegisterFileDeferred(ctx, metadata.File{
		Name:     name,
		FolderID: folderID,
		UserID:   userID,
		Size:     int64(len(data)),
		MimeType: contentType,
	})
	if err != nil {
		return Result{}, err
	}

	if !p.writeBehind.PutPending(f.ID, data, contentType) {
		// Lost the race for capacity between IsEligible and PutPending;
		// fall through to the buffered tier against the same File row.
		return p.commitBuffered(ctx, f, data)
	}

	return Result{File: f, Tier: TierWriteBehind}, nil
}

// uploadBuffered and uploadStreaming both write the blob first and commit
// the File row last, so a cancelled or failed upload leaves no metadata
// behind, only a temp file for the startup sweep; a blob stored before a
// failed File insert has its reference released again.
func (p *Pipeline) uploadBuffered(ctx context.Context, userID, name string, folderID *string, src io.Reader, contentType string) (Result, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, src); err != nil {
		return Result{}, err
	}

	stored, err := p.blobs.StoreBytes(ctx, buf.Bytes(), contentType)
	if err != nil {
		return Result{}, err
	}

	f, err := p.metadata.CreateFile(ctx, metadata.File{
		Name:     name,
		FolderID: folderID,
		UserID:   userID,
		BlobHash: stored.Hash,
		Size:     stored.Size,
		MimeType: contentType,
	})
	if err != nil {
		// Give back the reference the store call took; no File row holds it.
		p.blobs.RemoveReference(ctx, stored.Hash)
		return Result{}, err
	}
	return Result{File: f, Tier: TierBuffered, Deduplicated: stored.Deduplicated}, nil
}

// commitBuffered finishes an upload against an already-registered File row,
// the fallback when the write-behind cache refuses an entry after the row
// was created.
func (p *Pipeline) commitBuffered(ctx context.Context, f metadata.File, data []byte) (Result, error) {
	stored, err := p.blobs.StoreBytes(ctx, data, f.MimeType)
	if err != nil {
		return Result{}, err
	}
	f, err = p.metadata.UpdateFileBlobHash(ctx, f.ID, stored.Hash, stored.Size)
	if err != nil {
		return Result{}, err
	}
	return Result{File: f, Tier: TierBuffered, Deduplicated: stored.Deduplicated}, nil
}

func (p *Pipeline) uploadStreaming(ctx context.Context, userID, name string, folderID *string, src io.Reader, contentType string) (Result, error) {
	stored, err := p.blobs.StoreFromStream(ctx, src, "", contentType)
	if err != nil {
		return Result{}, err
	}

	f, err := p.metadata.CreateFile(ctx, metadata.File{
		Name:     name,
		FolderID: folderID,
		UserID:   userID,
		BlobHash: stored.Hash,
		Size:     stored.Size,
		MimeType: contentType,
	})
	if err != nil {
		// Give back the reference the store call took; no File row holds it.
		p.blobs.RemoveReference(ctx, stored.Hash)
		return Result{}, err
	}
	return Result{File: f, Tier: TierStreaming, Deduplicated: stored.Deduplicated}, nil
}
