// Package storagecore composes BlobStore, MetadataStore, WriteBehindCache,
// ContentCache, TranscodeCache, WopiLockTable, TrashManager, UploadPipeline
// and DownloadPipeline behind a single facade, the one entry point callers
// outside this module see. It owns the cross-cutting transactional work
// that spans more than one component, chiefly trash-first delete.
package storagecore

import (
	"context"
	"io"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/oxicloud/storage-core/blob"
	"github.com/oxicloud/storage-core/contentcache"
	"github.com/oxicloud/storage-core/download"
	"github.com/oxicloud/storage-core/metadata"
	"github.com/oxicloud/storage-core/storageerr"
	"github.com/oxicloud/storage-core/transcode"
	"github.com/oxicloud/storage-core/trash"
	"github.com/oxicloud/storage-core/upload"
	"github.com/oxicloud/storage-core/wopilock"
	"github.com/oxicloud/storage-core/writebehind"
)

// Deps bundles the already-constructed components Core composes. Building
// each component (opening its sqlite connection) is the caller's job;
// Core.Start launches their background loops.
type Deps struct {
	Blobs       blob.Store
	Metadata    metadata.Store
	WriteBehind *writebehind.Cache
	Content     *contentcache.Cache
	Transcodes  *transcode.Cache
	Locks       *wopilock.Table
	Trash       *trash.Manager
	Upload      *upload.Pipeline
	Chunked     *upload.ChunkManager
	Download    *download.Pipeline
	Logger      *log.Logger
}

// Core is the StorageCore facade.
type Core struct {
	blobs       blob.Store
	metadata    metadata.Store
	writeBehind *writebehind.Cache
	content     *contentcache.Cache
	transcodes  *transcode.Cache
	locks       *wopilock.Table
	trashMgr    *trash.Manager
	uploader    *upload.Pipeline
	chunked     *upload.ChunkManager
	downloader  *download.Pipeline

	logger *log.Logger
}

// New assembles a Core from already-constructed components.
func New(d Deps) *Core {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Core{
		blobs:       d.Blobs,
		metadata:    d.Metadata,
		writeBehind: d.WriteBehind,
		content:     d.Content,
		transcodes:  d.Transcodes,
		locks:       d.Locks,
		trashMgr:    d.Trash,
		uploader:    d.Upload,
		chunked:     d.Chunked,
		downloader:  d.Download,
		logger:      logger,
	}
}

// Blobs exposes the composed BlobStore for collaborators (e.g. metrics
// registration) that need read-only access without going through Core.
func (c *Core) Blobs() blob.Store { return c.blobs }

// Metadata exposes the composed MetadataStore.
func (c *Core) Metadata() metadata.Store { return c.metadata }

// WriteBehind exposes the composed WriteBehindCache, or nil if tier 1 is
// disabled.
func (c *Core) WriteBehind() *writebehind.Cache { return c.writeBehind }

// Chunked exposes the resumable-upload session manager.
func (c *Core) Chunked() *upload.ChunkManager { return c.chunked }

// Start launches every background worker (write-behind flusher, trash
// sweep, chunked-session expiry). Blob GC (blob.DiskStore.CollectGarbage)
// is not started here or anywhere else.
func (c *Core) Start(ctx context.Context) {
	if c.writeBehind != nil {
		c.writeBehind.Start(ctx)
	}
	if c.trashMgr != nil {
		c.trashMgr.Start(ctx)
	}
	if c.chunked != nil {
		c.chunked.Start(ctx)
	}
}

// Shutdown stops every background worker, flushing all pending write-behind
// entries before returning so no client-acked upload is lost.
func (c *Core) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	if c.writeBehind != nil {
		g.Go(func() error {
			c.writeBehind.Stop()
			return nil
		})
	}
	if c.trashMgr != nil {
		g.Go(func() error {
			c.trashMgr.Stop()
			return nil
		})
	}
	if c.chunked != nil {
		g.Go(func() error {
			c.chunked.Stop()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return c.metadata.Close()
}

// Upload delegates to UploadPipeline, picking a tier based on declaredSize.
func (c *Core) Upload(ctx context.Context, userID, name string, folderID *string, src io.Reader, declaredSize int64, contentType string) (upload.Result, error) {
	return c.uploader.Upload(ctx, userID, name, folderID, src, declaredSize, contentType)
}

// Download delegates to DownloadPipeline.
func (c *Core) Download(ctx context.Context, fileID string, req download.Request) (download.Result, error) {
	return c.downloader.Download(ctx, fileID, req)
}

// DownloadRange delegates to DownloadPipeline's range-stream path.
func (c *Core) DownloadRange(ctx context.Context, fileID string, start, end int64) (io.ReadCloser, error) {
	return c.downloader.RangeStream(ctx, fileID, start, end)
}

// UpdateFileContent replaces an existing file's bytes: the new content is
// stored first, the row's blob_hash is swapped, and only then is the old
// blob's reference released. Cached variants of the old content are
// invalidated.
func (c *Core) UpdateFileContent(ctx context.Context, fileID string, src io.Reader, contentType string) (metadata.File, error) {
	old, err := c.metadata.GetFile(ctx, fileID)
	if err != nil {
		return metadata.File{}, err
	}

	stored, err := c.blobs.StoreFromStream(ctx, src, "", contentType)
	if err != nil {
		return metadata.File{}, err
	}

	f, err := c.metadata.UpdateFileBlobHash(ctx, fileID, stored.Hash, stored.Size)
	if err != nil {
		return metadata.File{}, err
	}

	// Release the old content's reference. When the new bytes dedup to the
	// same hash this undoes the extra count the store call just took, since
	// the number of File rows referencing that blob did not change.
	if old.BlobHash != metadata.SentinelHash {
		c.releaseBlobRefs(ctx, []string{old.BlobHash})
	}
	c.invalidateFile(fileID)
	return f, nil
}

// causeChain carries both the permanent-delete failure and the original
// trash-move failure, so neither root cause is lost, per the stricter
// Open Question decision recorded in SPEC_FULL.md §9.
type causeChain struct {
	primary  error
	trashErr error
}

func (c *causeChain) Error() string {
	return c.primary.Error() + " (after trash-move failure: " + c.trashErr.Error() + ")"
}

func (c *causeChain) Unwrap() error { return c.primary }

// DeleteFile soft-deletes by default, falling through to a permanent
// delete (releasing the file's BlobStore reference) if the trash-move
// itself fails. Cached content for the file is invalidated either way.
func (c *Core) DeleteFile(ctx context.Context, fileID string) error {
	defer c.invalidateFile(fileID)

	trashErr := c.trashMgr.MoveFileToTrash(ctx, fileID)
	if trashErr == nil {
		return nil
	}
	c.logger.Printf("storagecore: trash-move failed for file %s, falling back to permanent delete: %v", fileID, trashErr)

	hash, err := c.metadata.DeleteFilePermanently(ctx, fileID)
	if err != nil {
		return storageerr.Wrap(storageerr.KindOf(err), "permanent delete after trash-move failure", &causeChain{primary: err, trashErr: trashErr})
	}
	c.releaseBlobRefs(ctx, []string{hash})
	return nil
}

// DeleteFolder mirrors DeleteFile's trash-first policy for folders, whose
// trash-move and permanent-delete both cascade to every descendant.
func (c *Core) DeleteFolder(ctx context.Context, folderID string) error {
	trashErr := c.trashMgr.MoveFolderToTrash(ctx, folderID)
	if trashErr == nil {
		return nil
	}
	c.logger.Printf("storagecore: trash-move failed for folder %s, falling back to permanent delete: %v", folderID, trashErr)

	hashes, err := c.metadata.DeleteFolderPermanently(ctx, folderID)
	if err != nil {
		return storageerr.Wrap(storageerr.KindOf(err), "permanent delete after trash-move failure", &causeChain{primary: err, trashErr: trashErr})
	}
	c.releaseBlobRefs(ctx, hashes)
	return nil
}

func (c *Core) releaseBlobRefs(ctx context.Context, hashes []string) {
	for _, h := range hashes {
		if h == "" {
			continue
		}
		if _, err := c.blobs.RemoveReference(ctx, h); err != nil {
			c.logger.Printf("storagecore: failed to release blob reference %s: %v", h, err)
		}
	}
}

func (c *Core) invalidateFile(fileID string) {
	if c.content != nil {
		c.content.Invalidate(fileID)
	}
	if c.transcodes != nil {
		c.transcodes.Invalidate(fileID)
	}
}

// CreateFolder validates the folder name (non-empty, length-capped, no
// reserved characters) and inserts via MetadataStore.
func (c *Core) CreateFolder(ctx context.Context, f metadata.Folder) (metadata.Folder, error) {
	if err := validateFolderName(f.Name); err != nil {
		return metadata.Folder{}, err
	}
	return c.metadata.CreateFolder(ctx, f)
}

func validateFolderName(name string) error {
	if name == "" || len(name) > 255 {
		return storageerr.New(storageerr.InvalidInput, "folder name must be 1-255 characters")
	}
	if name[0] == '.' {
		return storageerr.New(storageerr.InvalidInput, "folder name may not start with '.'")
	}
	for _, r := range name {
		switch r {
		case '\\', ':', '*', '?', '"', '<', '>', '|', '/':
			return storageerr.New(storageerr.InvalidInput, "folder name contains a forbidden character")
		}
	}
	return nil
}

// Trash exposes the TrashManager for listing/restore/empty operations.
func (c *Core) Trash() *trash.Manager { return c.trashMgr }

// Lock, Unlock, RefreshLock and GetLock pass through to WopiLockTable.
func (c *Core) Lock(ctx context.Context, fileID, lockID string) error {
	return c.locks.Lock(ctx, fileID, lockID)
}

func (c *Core) Unlock(ctx context.Context, fileID, lockID string) error {
	return c.locks.Unlock(ctx, fileID, lockID)
}

func (c *Core) RefreshLock(ctx context.Context, fileID, lockID string) error {
	return c.locks.Refresh(ctx, fileID, lockID)
}

func (c *Core) GetLock(ctx context.Context, fileID string) (string, error) {
	return c.locks.Get(ctx, fileID)
}
