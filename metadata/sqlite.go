package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"

	"github.com/oxicloud/storage-core/storageerr"
)

// SQLiteStore implements Store over database/sql + mattn/go-sqlite3. Path
// maintenance and blob ref-count bookkeeping are performed by real SQL
// triggers, never by application code; see schema below.
type SQLiteStore struct {
	db           *sql.DB
	queryTimeout time.Duration
}

const schema = `
PRAGMA foreign_keys = ON;
PRAGMA recursive_triggers = ON;

CREATE TABLE IF NOT EXISTS folders (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	parent_id TEXT REFERENCES folders(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	lpath TEXT NOT NULL DEFAULT '',
	is_trashed INTEGER NOT NULL DEFAULT 0,
	trashed_at INTEGER,
	original_parent_id TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_folders_unique
	ON folders(user_id, IFNULL(parent_id, ''), name) WHERE is_trashed = 0;

CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	folder_id TEXT REFERENCES folders(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	blob_hash TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	mime_type TEXT,
	is_trashed INTEGER NOT NULL DEFAULT 0,
	trashed_at INTEGER,
	original_folder_id TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_files_unique
	ON files(user_id, IFNULL(folder_id, ''), name) WHERE is_trashed = 0;

CREATE TABLE IF NOT EXISTS blob_refs (
	hash TEXT PRIMARY KEY,
	ref_count INTEGER NOT NULL DEFAULT 0
);

-- Materialized path maintenance: an insert or a change of name/parent_id
-- recomputes this row's path/lpath from its parent; a change of this row's
-- own path/lpath cascades to direct children, which (via recursive
-- triggers) cascades further down the tree in the same transaction.

CREATE TRIGGER IF NOT EXISTS trg_folders_set_path_insert
AFTER INSERT ON folders
BEGIN
	UPDATE folders SET
		path = CASE WHEN NEW.parent_id IS NULL THEN NEW.name
			ELSE (SELECT path FROM folders WHERE id = NEW.parent_id) || '/' || NEW.name END,
		lpath = CASE WHEN NEW.parent_id IS NULL THEN NEW.id || '.'
			ELSE (SELECT lpath FROM folders WHERE id = NEW.parent_id) || NEW.id || '.' END
	WHERE id = NEW.id;
END;

CREATE TRIGGER IF NOT EXISTS trg_folders_set_path_update
AFTER UPDATE OF name, parent_id ON folders
WHEN NEW.name != OLD.name OR IFNULL(NEW.parent_id, '') != IFNULL(OLD.parent_id, '')
BEGIN
	UPDATE folders SET
		path = CASE WHEN NEW.parent_id IS NULL THEN NEW.name
			ELSE (SELECT path FROM folders WHERE id = NEW.parent_id) || '/' || NEW.name END,
		lpath = CASE WHEN NEW.parent_id IS NULL THEN NEW.id || '.'
			ELSE (SELECT lpath FROM folders WHERE id = NEW.parent_id) || NEW.id || '.' END
	WHERE id = NEW.id;
END;

CREATE TRIGGER IF NOT EXISTS trg_folders_cascade_path
AFTER UPDATE OF path, lpath ON folders
WHEN NEW.path != OLD.path OR NEW.lpath != OLD.lpath
BEGIN
	UPDATE folders SET
		path = NEW.path || '/' || folders.name,
		lpath = NEW.lpath || folders.id || '.'
	WHERE parent_id = NEW.id;
END;

-- Blob ref-count bookkeeping: maintained entirely by these triggers, never
-- by application code touching blob_refs directly. The empty string and the
-- all-zero sentinel both mean "no blob yet" and carry no reference.

CREATE TRIGGER IF NOT EXISTS trg_files_blobref_insert
AFTER INSERT ON files
WHEN NEW.blob_hash NOT IN ('', '0000000000000000000000000000000000000000000000000000000000000000')
BEGIN
	INSERT INTO blob_refs (hash, ref_count) VALUES (NEW.blob_hash, 1)
		ON CONFLICT(hash) DO UPDATE SET ref_count = ref_count + 1;
END;

CREATE TRIGGER IF NOT EXISTS trg_files_blobref_delete
AFTER DELETE ON files
WHEN OLD.blob_hash NOT IN ('', '0000000000000000000000000000000000000000000000000000000000000000')
BEGIN
	UPDATE blob_refs SET ref_count = ref_count - 1 WHERE hash = OLD.blob_hash;
END;

CREATE TRIGGER IF NOT EXISTS trg_files_blobref_update
AFTER UPDATE OF blob_hash ON files
WHEN NEW.blob_hash != OLD.blob_hash
BEGIN
	UPDATE blob_refs SET ref_count = ref_count - 1
		WHERE hash = OLD.blob_hash
		AND OLD.blob_hash NOT IN ('', '0000000000000000000000000000000000000000000000000000000000000000');
	INSERT INTO blob_refs (hash, ref_count)
		SELECT NEW.blob_hash, 1
		WHERE NEW.blob_hash NOT IN ('', '0000000000000000000000000000000000000000000000000000000000000000')
		ON CONFLICT(hash) DO UPDATE SET ref_count = ref_count + 1;
END;
`

// Open returns a SQLiteStore backed by db, creating the schema if
// necessary. The caller owns db's lifecycle beyond Close, which is a no-op
// here since blob.DiskStore shares the same connection for its own index.
func Open(db *sql.DB, queryTimeout time.Duration) (*SQLiteStore, error) {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	s := &SQLiteStore{db: db, queryTimeout: queryTimeout}

	// The schema's PRAGMAs (foreign_keys, recursive_triggers) are
	// per-connection, and sqlite allows one writer at a time anyway, so the
	// pool is pinned to a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, storageerr.Wrap(storageerr.InternalError, "create metadata schema", err)
	}
	return s, nil
}

// DB exposes the underlying connection so blob.Open can share it.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func mapSQLErr(err error, notFoundMsg string) error {
	if err == sql.ErrNoRows {
		return storageerr.New(storageerr.NotFound, notFoundMsg)
	}
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return storageerr.New(storageerr.AlreadyExists, "an item with that name already exists")
	}
	if err == context.DeadlineExceeded {
		return storageerr.New(storageerr.Timeout, "metadata query timed out")
	}
	return storageerr.Wrap(storageerr.InternalError, "metadata store error", err)
}

func newID() string { return uuid.NewString() }

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func strOrNil(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// --- Folders ---

func (s *SQLiteStore) CreateFolder(ctx context.Context, f Folder) (Folder, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if f.ID == "" {
		f.ID = newID()
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, name, parent_id, user_id, is_trashed, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		f.ID, f.Name, f.ParentID, f.UserID, now.Unix(), now.Unix())
	if err != nil {
		return Folder{}, mapSQLErr(err, "")
	}

	return s.GetFolder(ctx, f.ID)
}

func scanFolder(row interface{ Scan(...interface{}) error }) (Folder, error) {
	var f Folder
	var parentID, originalParentID sql.NullString
	var trashedAt sql.NullInt64
	var isTrashed int
	var createdAt, updatedAt int64

	err := row.Scan(&f.ID, &f.Name, &parentID, &f.UserID, &f.Path, &f.LPath,
		&isTrashed, &trashedAt, &originalParentID, &createdAt, &updatedAt)
	if err != nil {
		return Folder{}, err
	}

	f.ParentID = strOrNil(parentID)
	f.OriginalParentID = strOrNil(originalParentID)
	f.IsTrashed = isTrashed != 0
	f.TrashedAt = timeOrNil(trashedAt)
	f.CreatedAt = time.Unix(createdAt, 0).UTC()
	f.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return f, nil
}

const folderColumns = `id, name, parent_id, user_id, path, lpath, is_trashed, trashed_at, original_parent_id, created_at, updated_at`

func (s *SQLiteStore) GetFolder(ctx context.Context, id string) (Folder, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = ?`, id)
	f, err := scanFolder(row)
	if err != nil {
		return Folder{}, mapSQLErr(err, "folder not found: "+id)
	}
	return f, nil
}

func (s *SQLiteStore) GetFolderByPath(ctx context.Context, userID, path string) (Folder, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE user_id = ? AND path = ? AND is_trashed = 0`,
		userID, path)
	f, err := scanFolder(row)
	if err != nil {
		return Folder{}, mapSQLErr(err, "folder not found at path: "+path)
	}
	return f, nil
}

func (s *SQLiteStore) RenameFolder(ctx context.Context, id, newName string) (Folder, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE folders SET name = ?, updated_at = ? WHERE id = ? AND is_trashed = 0`,
		newName, now.Unix(), id)
	if err != nil {
		return Folder{}, mapSQLErr(err, "")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Folder{}, storageerr.New(storageerr.NotFound, "folder not found: "+id)
	}
	return s.GetFolder(ctx, id)
}

func (s *SQLiteStore) MoveFolder(ctx context.Context, id string, newParentID *string) (Folder, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Folder{}, mapSQLErr(err, "")
	}
	defer tx.Rollback()

	var lpath string
	if err := tx.QueryRowContext(ctx, `SELECT lpath FROM folders WHERE id = ? AND is_trashed = 0`, id).Scan(&lpath); err != nil {
		return Folder{}, mapSQLErr(err, "folder not found: "+id)
	}

	// A folder may not become its own descendant (or its own parent).
	if newParentID != nil {
		var parentLpath string
		if err := tx.QueryRowContext(ctx, `SELECT lpath FROM folders WHERE id = ? AND is_trashed = 0`, *newParentID).Scan(&parentLpath); err != nil {
			return Folder{}, mapSQLErr(err, "destination folder not found: "+*newParentID)
		}
		if strings.HasPrefix(parentLpath, lpath) {
			return Folder{}, storageerr.New(storageerr.InvalidInput, "cannot move a folder into itself or its own subtree")
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE folders SET parent_id = ?, updated_at = ? WHERE id = ?`,
		newParentID, now.Unix(), id); err != nil {
		return Folder{}, mapSQLErr(err, "")
	}

	if err := tx.Commit(); err != nil {
		return Folder{}, mapSQLErr(err, "")
	}
	return s.GetFolder(ctx, id)
}

func (s *SQLiteStore) ListFolders(ctx context.Context, parentID *string, owner string, limit, offset int) (Page[Folder], error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + folderColumns + ` FROM folders WHERE is_trashed = 0 AND user_id = ? AND IFNULL(parent_id, '') = IFNULL(?, '')`
	args := []interface{}{owner, parentID}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page[Folder]{}, mapSQLErr(err, "")
	}
	defer rows.Close()

	var result []Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return Page[Folder]{}, mapSQLErr(err, "")
		}
		result = append(result, f)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM folders WHERE is_trashed = 0 AND user_id = ? AND IFNULL(parent_id, '') = IFNULL(?, '')`,
		owner, parentID).Scan(&total); err != nil {
		return Page[Folder]{}, mapSQLErr(err, "")
	}

	return Page[Folder]{Rows: result, Total: &total}, nil
}

// --- Files ---

func scanFile(row interface{ Scan(...interface{}) error }) (File, error) {
	var f File
	var folderID, originalFolderID, mimeType sql.NullString
	var trashedAt sql.NullInt64
	var isTrashed int
	var createdAt, updatedAt int64

	err := row.Scan(&f.ID, &f.Name, &folderID, &f.UserID, &f.BlobHash, &f.Size, &mimeType,
		&isTrashed, &trashedAt, &originalFolderID, &createdAt, &updatedAt)
	if err != nil {
		return File{}, err
	}

	f.FolderID = strOrNil(folderID)
	f.OriginalFolderID = strOrNil(originalFolderID)
	f.MimeType = mimeType.String
	f.IsTrashed = isTrashed != 0
	f.TrashedAt = timeOrNil(trashedAt)
	f.CreatedAt = time.Unix(createdAt, 0).UTC()
	f.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return f, nil
}

const fileColumns = `id, name, folder_id, user_id, blob_hash, size, mime_type, is_trashed, trashed_at, original_folder_id, created_at, updated_at`

func (s *SQLiteStore) insertFile(ctx context.Context, f File) (File, error) {
	if f.ID == "" {
		f.ID = newID()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, name, folder_id, user_id, blob_hash, size, mime_type, is_trashed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		f.ID, f.Name, f.FolderID, f.UserID, f.BlobHash, f.Size, f.MimeType, now.Unix(), now.Unix())
	if err != nil {
		return File{}, mapSQLErr(err, "")
	}
	return s.GetFile(ctx, f.ID)
}

// CreateFile inserts a File row whose blob is already committed.
func (s *SQLiteStore) CreateFile(ctx context.Context, f File) (File, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.insertFile(ctx, f)
}

// RegisterFileDeferred inserts a File row with the sentinel blob hash, used
// by the write-behind upload tier before bytes are durably stored.
func (s *SQLiteStore) RegisterFileDeferred(ctx context.Context, f File) (File, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	f.BlobHash = SentinelHash
	return s.insertFile(ctx, f)
}

// UpdateFileBlobHash replaces a sentinel hash with the real one once the
// write-behind flusher has durably stored the bytes.
func (s *SQLiteStore) UpdateFileBlobHash(ctx context.Context, fileID, hash string, size int64) (File, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET blob_hash = ?, size = ?, updated_at = ? WHERE id = ?`,
		hash, size, now.Unix(), fileID)
	if err != nil {
		return File{}, mapSQLErr(err, "")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return File{}, storageerr.New(storageerr.NotFound, "file not found: "+fileID)
	}
	return s.GetFile(ctx, fileID)
}

func (s *SQLiteStore) GetFile(ctx context.Context, id string) (File, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if err != nil {
		return File{}, mapSQLErr(err, "file not found: "+id)
	}
	return f, nil
}

func (s *SQLiteStore) FindFileByPath(ctx context.Context, userID, path string) (File, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	idx := strings.LastIndex(path, "/")
	var folderPath, name string
	if idx < 0 {
		folderPath, name = "", path
	} else {
		folderPath, name = path[:idx], path[idx+1:]
	}

	var folderID interface{}
	if folderPath == "" {
		folderID = nil
	} else {
		folder, err := s.GetFolderByPath(ctx, userID, folderPath)
		if err != nil {
			return File{}, err
		}
		folderID = folder.ID
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE user_id = ? AND IFNULL(folder_id,'') = IFNULL(?,'') AND name = ? AND is_trashed = 0`,
		userID, folderID, name)
	f, err := scanFile(row)
	if err != nil {
		return File{}, mapSQLErr(err, "file not found at path: "+path)
	}
	return f, nil
}

func (s *SQLiteStore) RenameFile(ctx context.Context, id, newName string) (File, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET name = ?, updated_at = ? WHERE id = ? AND is_trashed = 0`,
		newName, now.Unix(), id)
	if err != nil {
		return File{}, mapSQLErr(err, "")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return File{}, storageerr.New(storageerr.NotFound, "file not found: "+id)
	}
	return s.GetFile(ctx, id)
}

func (s *SQLiteStore) MoveFile(ctx context.Context, id string, newFolderID *string) (File, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET folder_id = ?, updated_at = ? WHERE id = ? AND is_trashed = 0`,
		newFolderID, now.Unix(), id)
	if err != nil {
		return File{}, mapSQLErr(err, "")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return File{}, storageerr.New(storageerr.NotFound, "file not found: "+id)
	}
	return s.GetFile(ctx, id)
}

func (s *SQLiteStore) ListFiles(ctx context.Context, folderID *string, limit, offset int) (Page[File], error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + fileColumns + ` FROM files WHERE is_trashed = 0 AND IFNULL(folder_id, '') = IFNULL(?, '')`
	args := []interface{}{folderID}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page[File]{}, mapSQLErr(err, "")
	}
	defer rows.Close()

	var result []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return Page[File]{}, mapSQLErr(err, "")
		}
		result = append(result, f)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE is_trashed = 0 AND IFNULL(folder_id, '') = IFNULL(?, '')`,
		folderID).Scan(&total); err != nil {
		return Page[File]{}, mapSQLErr(err, "")
	}

	return Page[File]{Rows: result, Total: &total}, nil
}

func (s *SQLiteStore) CountFiles(ctx context.Context, folderID *string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE is_trashed = 0 AND IFNULL(folder_id, '') = IFNULL(?, '')`,
		folderID).Scan(&count)
	if err != nil {
		return 0, mapSQLErr(err, "")
	}
	return count, nil
}

func (s *SQLiteStore) SearchFilesPaginated(ctx context.Context, criteria SearchCriteria) (Page[File], error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + fileColumns + ` FROM files WHERE is_trashed = 0 AND user_id = ?`
	args := []interface{}{criteria.UserID}

	if criteria.Query != "" {
		query += ` AND name LIKE ?`
		args = append(args, "%"+criteria.Query+"%")
	}
	if criteria.MimeType != "" {
		query += ` AND mime_type = ?`
		args = append(args, criteria.MimeType)
	}

	limit := criteria.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` LIMIT %d OFFSET %d`, limit, criteria.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page[File]{}, mapSQLErr(err, "")
	}
	defer rows.Close()

	var result []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return Page[File]{}, mapSQLErr(err, "")
		}
		result = append(result, f)
	}

	return Page[File]{Rows: result}, nil
}

// --- Trash ---
//
// Move-to-trash and restore are single-transaction cascades over the
// folder subtree (identified via the lpath prefix), and bulk expiry is a
// two-statement sweep: files first, then folders, relying on FK CASCADE
// for any folder whose parent expires in the same pass.

func (s *SQLiteStore) MoveFileToTrash(ctx context.Context, fileID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLErr(err, "")
	}
	defer tx.Rollback()

	var folderID sql.NullString
	var isTrashed int
	if err := tx.QueryRowContext(ctx, `SELECT folder_id, is_trashed FROM files WHERE id = ?`, fileID).
		Scan(&folderID, &isTrashed); err != nil {
		return mapSQLErr(err, "file not found: "+fileID)
	}
	if isTrashed != 0 {
		return storageerr.New(storageerr.Conflict, "file already in trash: "+fileID)
	}

	now := time.Now().UTC().Unix()
	_, err = tx.ExecContext(ctx,
		`UPDATE files SET is_trashed = 1, trashed_at = ?, original_folder_id = folder_id, folder_id = NULL, updated_at = ?
		 WHERE id = ?`,
		now, now, fileID)
	if err != nil {
		return mapSQLErr(err, "")
	}

	if err := tx.Commit(); err != nil {
		return mapSQLErr(err, "")
	}
	return nil
}

func (s *SQLiteStore) MoveFolderToTrash(ctx context.Context, folderID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLErr(err, "")
	}
	defer tx.Rollback()

	var lpath string
	var parentID sql.NullString
	var isTrashed int
	if err := tx.QueryRowContext(ctx, `SELECT lpath, parent_id, is_trashed FROM folders WHERE id = ?`, folderID).
		Scan(&lpath, &parentID, &isTrashed); err != nil {
		return mapSQLErr(err, "folder not found: "+folderID)
	}
	if isTrashed != 0 {
		return storageerr.New(storageerr.Conflict, "folder already in trash: "+folderID)
	}

	now := time.Now().UTC().Unix()

	// Trash the folder itself, recording where it was so restore can put it back.
	if _, err := tx.ExecContext(ctx,
		`UPDATE folders SET is_trashed = 1, trashed_at = ?, original_parent_id = parent_id, parent_id = NULL, updated_at = ?
		 WHERE id = ?`,
		now, now, folderID); err != nil {
		return mapSQLErr(err, "")
	}

	// Detaching the folder rewrote its lpath (and its descendants') through
	// the path triggers, so the subtree prefix is read again.
	if err := tx.QueryRowContext(ctx, `SELECT lpath FROM folders WHERE id = ?`, folderID).Scan(&lpath); err != nil {
		return mapSQLErr(err, "")
	}

	// Cascade to every descendant folder (lpath prefix match), without
	// touching their parent_id so the subtree shape survives intact.
	if _, err := tx.ExecContext(ctx,
		`UPDATE folders SET is_trashed = 1, trashed_at = ?, updated_at = ?
		 WHERE lpath LIKE ? || '%' AND lpath != ? AND is_trashed = 0`,
		now, now, lpath, lpath); err != nil {
		return mapSQLErr(err, "")
	}

	// Trash every file owned by the folder or any of its descendants.
	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET is_trashed = 1, trashed_at = ?, updated_at = ?
		 WHERE is_trashed = 0 AND folder_id IN (
			SELECT id FROM folders WHERE lpath LIKE ? || '%'
		 )`,
		now, now, lpath); err != nil {
		return mapSQLErr(err, "")
	}

	if err := tx.Commit(); err != nil {
		return mapSQLErr(err, "")
	}
	return nil
}

func (s *SQLiteStore) RestoreFile(ctx context.Context, fileID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLErr(err, "")
	}
	defer tx.Rollback()

	var originalFolderID sql.NullString
	var isTrashed int
	if err := tx.QueryRowContext(ctx, `SELECT original_folder_id, is_trashed FROM files WHERE id = ?`, fileID).
		Scan(&originalFolderID, &isTrashed); err != nil {
		return mapSQLErr(err, "file not found: "+fileID)
	}
	if isTrashed == 0 {
		return storageerr.New(storageerr.Conflict, "file is not in trash: "+fileID)
	}

	// A missing original folder (permanently deleted since) demotes the
	// restore target to the root rather than failing.
	restoreToRoot := false
	if originalFolderID.Valid {
		var parentTrashed int
		err := tx.QueryRowContext(ctx, `SELECT is_trashed FROM folders WHERE id = ?`, originalFolderID.String).
			Scan(&parentTrashed)
		switch {
		case err == sql.ErrNoRows:
			restoreToRoot = true
		case err != nil:
			return mapSQLErr(err, "")
		case parentTrashed != 0:
			return storageerr.New(storageerr.Conflict, "original folder is still in trash: "+originalFolderID.String)
		}
	}

	now := time.Now().UTC().Unix()
	target := `original_folder_id`
	if restoreToRoot {
		target = `NULL`
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET is_trashed = 0, trashed_at = NULL, folder_id = `+target+`, original_folder_id = NULL, updated_at = ?
		 WHERE id = ?`,
		now, fileID); err != nil {
		return mapSQLErr(err, "")
	}

	if err := tx.Commit(); err != nil {
		return mapSQLErr(err, "")
	}
	return nil
}

func (s *SQLiteStore) RestoreFolder(ctx context.Context, folderID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLErr(err, "")
	}
	defer tx.Rollback()

	var lpath string
	var originalParentID sql.NullString
	var isTrashed int
	if err := tx.QueryRowContext(ctx, `SELECT lpath, original_parent_id, is_trashed FROM folders WHERE id = ?`, folderID).
		Scan(&lpath, &originalParentID, &isTrashed); err != nil {
		return mapSQLErr(err, "folder not found: "+folderID)
	}
	if isTrashed == 0 {
		return storageerr.New(storageerr.Conflict, "folder is not in trash: "+folderID)
	}

	restoreToRoot := false
	if originalParentID.Valid {
		var parentTrashed int
		err := tx.QueryRowContext(ctx, `SELECT is_trashed FROM folders WHERE id = ?`, originalParentID.String).
			Scan(&parentTrashed)
		switch {
		case err == sql.ErrNoRows:
			restoreToRoot = true
		case err != nil:
			return mapSQLErr(err, "")
		case parentTrashed != 0:
			return storageerr.New(storageerr.Conflict, "original parent folder is still in trash: "+originalParentID.String)
		}
	}

	now := time.Now().UTC().Unix()

	target := `original_parent_id`
	if restoreToRoot {
		target = `NULL`
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE folders SET is_trashed = 0, trashed_at = NULL, parent_id = `+target+`, original_parent_id = NULL, updated_at = ?
		 WHERE id = ?`,
		now, folderID); err != nil {
		return mapSQLErr(err, "")
	}

	// Reattaching the folder rewrote its lpath (and its descendants') through
	// the path triggers, so the subtree prefix is read again.
	if err := tx.QueryRowContext(ctx, `SELECT lpath FROM folders WHERE id = ?`, folderID).Scan(&lpath); err != nil {
		return mapSQLErr(err, "")
	}

	// Descendants were trashed without their parent_id changing, so they
	// restore unconditionally alongside the subtree root.
	if _, err := tx.ExecContext(ctx,
		`UPDATE folders SET is_trashed = 0, trashed_at = NULL, updated_at = ?
		 WHERE lpath LIKE ? || '%' AND lpath != ? AND is_trashed = 1`,
		now, lpath, lpath); err != nil {
		return mapSQLErr(err, "")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET is_trashed = 0, trashed_at = NULL, updated_at = ?
		 WHERE is_trashed = 1 AND folder_id IN (
			SELECT id FROM folders WHERE lpath LIKE ? || '%'
		 )`,
		now, lpath); err != nil {
		return mapSQLErr(err, "")
	}

	if err := tx.Commit(); err != nil {
		return mapSQLErr(err, "")
	}
	return nil
}

func (s *SQLiteStore) DeleteFilePermanently(ctx context.Context, fileID string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", mapSQLErr(err, "")
	}
	defer tx.Rollback()

	var blobHash string
	if err := tx.QueryRowContext(ctx, `SELECT blob_hash FROM files WHERE id = ?`, fileID).Scan(&blobHash); err != nil {
		return "", mapSQLErr(err, "file not found: "+fileID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return "", mapSQLErr(err, "")
	}

	if err := tx.Commit(); err != nil {
		return "", mapSQLErr(err, "")
	}
	if blobHash == SentinelHash {
		return "", nil
	}
	return blobHash, nil
}

// DeleteFolderPermanently relies on the folders table's own ON DELETE
// CASCADE for descendant folders, and on files.folder_id's ON DELETE
// CASCADE for files inside the subtree. The subtree's blob hashes are
// collected first, inside the same transaction, so the caller can release
// the corresponding BlobStore references.
func (s *SQLiteStore) DeleteFolderPermanently(ctx context.Context, folderID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapSQLErr(err, "")
	}
	defer tx.Rollback()

	var lpath string
	if err := tx.QueryRowContext(ctx, `SELECT lpath FROM folders WHERE id = ?`, folderID).Scan(&lpath); err != nil {
		return nil, mapSQLErr(err, "folder not found: "+folderID)
	}

	hashes, err := subtreeBlobHashes(ctx, tx, lpath)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, folderID); err != nil {
		return nil, mapSQLErr(err, "")
	}

	if err := tx.Commit(); err != nil {
		return nil, mapSQLErr(err, "")
	}
	return hashes, nil
}

func subtreeBlobHashes(ctx context.Context, tx *sql.Tx, lpath string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT blob_hash FROM files
		WHERE blob_hash NOT IN ('', ?) AND folder_id IN (
			SELECT id FROM folders WHERE lpath LIKE ? || '%'
		)`,
		SentinelHash, lpath)
	if err != nil {
		return nil, mapSQLErr(err, "")
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, mapSQLErr(err, "")
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// ListTrash returns only directly-trashed items. Trashing detaches the
// explicit root (its parent_id/folder_id is nulled) while cascaded
// descendants keep theirs, so top-level rows are exactly the ones whose
// parent pointer is NULL; descendants are displayed as part of their root.
func (s *SQLiteStore) ListTrash(ctx context.Context, userID string) ([]TrashedItem, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, trashed_at, 'file' FROM files WHERE user_id = ? AND is_trashed = 1 AND folder_id IS NULL
		UNION ALL
		SELECT id, name, trashed_at, 'folder' FROM folders WHERE user_id = ? AND is_trashed = 1 AND parent_id IS NULL
		ORDER BY trashed_at DESC`,
		userID, userID)
	if err != nil {
		return nil, mapSQLErr(err, "")
	}
	defer rows.Close()

	var items []TrashedItem
	for rows.Next() {
		var it TrashedItem
		var trashedAt int64
		if err := rows.Scan(&it.ItemID, &it.Name, &trashedAt, &it.ItemType); err != nil {
			return nil, mapSQLErr(err, "")
		}
		it.UserID = userID
		it.TrashedAt = time.Unix(trashedAt, 0).UTC()
		it.DeletionDate = it.TrashedAt.Add(trashRetention)
		items = append(items, it)
	}
	return items, nil
}

// trashRetention mirrors the default retention window trash.Manager enforces;
// kept here too so ListTrash can project a deletion_date without a second
// round trip through the trash package.
const trashRetention = 30 * 24 * time.Hour

// DeleteExpiredBulk permanently removes every trashed file and folder whose
// trashed_at predates olderThan, files first then folders, both within one
// transaction. Files trashed by a folder cascade share the folder's
// trashed_at, so the files statement covers every row the folder statement's
// FK CASCADE would otherwise remove unseen.
func (s *SQLiteStore) DeleteExpiredBulk(ctx context.Context, olderThan time.Time) (int64, int64, []string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, nil, mapSQLErr(err, "")
	}
	defer tx.Rollback()

	cutoff := olderThan.UTC().Unix()

	rows, err := tx.QueryContext(ctx,
		`SELECT blob_hash FROM files WHERE is_trashed = 1 AND trashed_at <= ? AND blob_hash NOT IN ('', ?)`,
		cutoff, SentinelHash)
	if err != nil {
		return 0, 0, nil, mapSQLErr(err, "")
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return 0, 0, nil, mapSQLErr(err, "")
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, nil, mapSQLErr(err, "")
	}
	rows.Close()

	filesRes, err := tx.ExecContext(ctx,
		`DELETE FROM files WHERE is_trashed = 1 AND trashed_at <= ?`, cutoff)
	if err != nil {
		return 0, 0, nil, mapSQLErr(err, "")
	}
	filesDeleted, _ := filesRes.RowsAffected()

	foldersRes, err := tx.ExecContext(ctx,
		`DELETE FROM folders WHERE is_trashed = 1 AND trashed_at <= ?`, cutoff)
	if err != nil {
		return 0, 0, nil, mapSQLErr(err, "")
	}
	foldersDeleted, _ := foldersRes.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, nil, mapSQLErr(err, "")
	}
	return filesDeleted, foldersDeleted, hashes, nil
}

// ListSentinelFiles returns the ids of File rows still carrying the sentinel
// blob hash, used by the startup crash-recovery scan: those uploads were
// never durably acknowledged and their rows must not survive a restart.
func (s *SQLiteStore) ListSentinelFiles(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM files WHERE blob_hash = ?`, SentinelHash)
	if err != nil {
		return nil, mapSQLErr(err, "")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapSQLErr(err, "")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return nil
}
