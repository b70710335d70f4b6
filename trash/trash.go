// Package trash implements user-facing trash operations and a background
// sweep that permanently expires old trashed items.
package trash

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/oxicloud/storage-core/blob"
	"github.com/oxicloud/storage-core/metadata"
	"github.com/oxicloud/storage-core/storageerr"
)

// Defaults used when the config leaves retention or sweep cadence unset.
const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// Config bounds retention and sweep cadence.
type Config struct {
	Retention     time.Duration
	SweepInterval time.Duration
}

// Manager is the TrashManager component. All metadata mutation paths
// delegate to metadata.Store for the atomic multi-row cascade; Manager
// itself orchestrates the background sweep, read-side listing, and the
// BlobStore reference release that follows every permanent delete.
type Manager struct {
	cfg      Config
	metadata metadata.Store
	blobs    blob.Store
	logger   *log.Logger

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs a Manager but does not start its sweep loop.
func New(cfg Config, metadataStore metadata.Store, blobs blob.Store, logger *log.Logger) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		cfg:      cfg,
		metadata: metadataStore,
		blobs:    blobs,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (m *Manager) Start(ctx context.Context) {
	if m.ticker != nil {
		return
	}
	m.ticker = time.NewTicker(m.cfg.SweepInterval)
	go m.loop(ctx)
}

// Stop signals the sweep loop to exit and waits for it to finish. Safe to
// call on a Manager that was never started.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	if m.ticker == nil {
		return
	}
	<-m.doneCh
}

func (m *Manager) loop(ctx context.Context) {
	defer func() {
		if m.ticker != nil {
			m.ticker.Stop()
		}
		close(m.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-m.ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.Retention)
	filesDeleted, foldersDeleted, hashes, err := m.metadata.DeleteExpiredBulk(ctx, cutoff)
	if err != nil {
		m.logger.Printf("trash: sweep failed: %v", err)
		return
	}
	m.releaseBlobRefs(ctx, hashes)
	if filesDeleted > 0 || foldersDeleted > 0 {
		m.logger.Printf("trash: expired %d files, %d folders", filesDeleted, foldersDeleted)
	}
}

// releaseBlobRefs drops one BlobStore reference per deleted File row. The
// metadata rows are already gone, so a failed decrement is logged and left
// for integrity verification to surface rather than unwound.
func (m *Manager) releaseBlobRefs(ctx context.Context, hashes []string) {
	if m.blobs == nil {
		return
	}
	for _, h := range hashes {
		if h == "" {
			continue
		}
		if _, err := m.blobs.RemoveReference(ctx, h); err != nil {
			m.logger.Printf("trash: failed to release blob reference %s: %v", h, err)
		}
	}
}

// List returns every trashed item owned by userID.
func (m *Manager) List(ctx context.Context, userID string) ([]metadata.TrashedItem, error) {
	return m.metadata.ListTrash(ctx, userID)
}

// MoveFileToTrash soft-deletes a file.
func (m *Manager) MoveFileToTrash(ctx context.Context, fileID string) error {
	return m.metadata.MoveFileToTrash(ctx, fileID)
}

// MoveFolderToTrash soft-deletes a folder and its entire subtree.
func (m *Manager) MoveFolderToTrash(ctx context.Context, folderID string) error {
	return m.metadata.MoveFolderToTrash(ctx, folderID)
}

// Restore restores a trashed file or folder. Restoring into a still-trashed
// parent fails with a Conflict carrying the parent's identity, rather than
// silently restoring ancestors the caller never asked to touch.
func (m *Manager) Restore(ctx context.Context, itemID, itemType string) error {
	switch itemType {
	case "file":
		return m.metadata.RestoreFile(ctx, itemID)
	case "folder":
		return m.metadata.RestoreFolder(ctx, itemID)
	default:
		return storageerr.New(storageerr.InvalidInput, "unknown trash item type: "+itemType)
	}
}

// DeletePermanently bypasses the retention window for a single item,
// releasing the BlobStore references its File rows held.
func (m *Manager) DeletePermanently(ctx context.Context, itemID, itemType string) error {
	switch itemType {
	case "file":
		hash, err := m.metadata.DeleteFilePermanently(ctx, itemID)
		if err != nil {
			return err
		}
		m.releaseBlobRefs(ctx, []string{hash})
		return nil
	case "folder":
		hashes, err := m.metadata.DeleteFolderPermanently(ctx, itemID)
		if err != nil {
			return err
		}
		m.releaseBlobRefs(ctx, hashes)
		return nil
	default:
		return storageerr.New(storageerr.InvalidInput, "unknown trash item type: "+itemType)
	}
}

// Empty permanently deletes every trashed item owned by userID, regardless
// of retention. ListTrash returns only top-level items, so deleting each
// root also cascades away its descendants; a row that is already gone by
// the time its turn comes (expired by a concurrent sweep) is not an error.
func (m *Manager) Empty(ctx context.Context, userID string) error {
	items, err := m.metadata.ListTrash(ctx, userID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := m.DeletePermanently(ctx, item.ItemID, item.ItemType); err != nil {
			if storageerr.Is(err, storageerr.NotFound) {
				continue
			}
			return err
		}
	}
	return nil
}
