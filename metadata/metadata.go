// Package metadata durably stores File and Folder entities with strong
// consistency: materialized folder paths maintained by triggers, blob
// ref-count bookkeeping maintained by triggers, and atomic multi-row trash
// cascades.
package metadata

import (
	"context"
	"time"
)

// Folder is a virtual directory entry with a materialized path.
type Folder struct {
	ID               string
	Name             string
	ParentID         *string
	UserID           string
	Path             string
	LPath            string
	IsTrashed        bool
	TrashedAt        *time.Time
	OriginalParentID *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// File is a content-addressed file entry.
type File struct {
	ID               string
	Name             string
	FolderID         *string
	UserID           string
	BlobHash         string
	Size             int64
	MimeType         string
	IsTrashed        bool
	TrashedAt        *time.Time
	OriginalFolderID *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SentinelHash marks a File row whose bytes have not yet been committed to
// BlobStore (the write-behind deferred-register window). It is an all-zero
// digest no real content can hash to.
const SentinelHash = "0000000000000000000000000000000000000000000000000000000000000000"

// TrashedItem projects a trashed File or Folder row for listing.
type TrashedItem struct {
	ItemID       string
	ItemType     string // "file" or "folder"
	UserID       string
	Name         string
	TrashedAt    time.Time
	DeletionDate time.Time
}

// Page is a paginated result set with an optional total row count.
type Page[T any] struct {
	Rows  []T
	Total *int64
}

// SearchCriteria filters search_files_paginated.
type SearchCriteria struct {
	UserID   string
	Query    string
	MimeType string
	Limit    int
	Offset   int
}

// Store is the capability interface StorageCore, TrashManager and the
// upload/download pipelines depend on.
type Store interface {
	CreateFolder(ctx context.Context, f Folder) (Folder, error)
	GetFolder(ctx context.Context, id string) (Folder, error)
	GetFolderByPath(ctx context.Context, userID, path string) (Folder, error)
	RenameFolder(ctx context.Context, id, newName string) (Folder, error)
	MoveFolder(ctx context.Context, id string, newParentID *string) (Folder, error)
	ListFolders(ctx context.Context, parentID *string, owner string, limit, offset int) (Page[Folder], error)

	CreateFile(ctx context.Context, f File) (File, error)
	RegisterFileDeferred(ctx context.Context, f File) (File, error)
	UpdateFileBlobHash(ctx context.Context, fileID, hash string, size int64) (File, error)
	GetFile(ctx context.Context, id string) (File, error)
	FindFileByPath(ctx context.Context, userID, path string) (File, error)
	RenameFile(ctx context.Context, id, newName string) (File, error)
	MoveFile(ctx context.Context, id string, newFolderID *string) (File, error)
	ListFiles(ctx context.Context, folderID *string, limit, offset int) (Page[File], error)
	CountFiles(ctx context.Context, folderID *string) (int64, error)
	SearchFilesPaginated(ctx context.Context, criteria SearchCriteria) (Page[File], error)

	MoveFileToTrash(ctx context.Context, fileID string) error
	MoveFolderToTrash(ctx context.Context, folderID string) error
	RestoreFile(ctx context.Context, fileID string) error
	RestoreFolder(ctx context.Context, folderID string) error

	// The permanent-delete operations return the blob hashes of every File
	// row they removed, so callers can release the corresponding BlobStore
	// references. Sentinel hashes are never included.
	DeleteFilePermanently(ctx context.Context, fileID string) (blobHash string, err error)
	DeleteFolderPermanently(ctx context.Context, folderID string) (blobHashes []string, err error)
	ListTrash(ctx context.Context, userID string) ([]TrashedItem, error)
	DeleteExpiredBulk(ctx context.Context, olderThan time.Time) (filesDeleted, foldersDeleted int64, blobHashes []string, err error)

	// ListSentinelFiles returns the ids of File rows still carrying the
	// sentinel blob hash, the crash-recovery scan input.
	ListSentinelFiles(ctx context.Context) ([]string, error)

	Close() error
}
