package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oxicloud/storage-core/storageerr"
	"github.com/oxicloud/storage-core/utils/tempfile"
)

// DiskStore is a filesystem-based content-addressed blob store. On-disk
// files live under dir in a two-level hex fan-out (blobs/<aa>/<bb>/<hash>);
// an accompanying sqlite index tracks size, ref_count and content_type.
// It is safe for concurrent use.
type DiskStore struct {
	dir          string
	db           *sql.DB
	maxBlobSize  int64
	accessLogger *log.Logger

	tfc *tempfile.Creator
}

// Option configures a DiskStore at construction time.
type Option func(*DiskStore) error

// WithMaxBlobSize rejects writes larger than size bytes.
func WithMaxBlobSize(size int64) Option {
	return func(s *DiskStore) error {
		if size <= 0 {
			return fmt.Errorf("invalid max blob size: %d", size)
		}
		s.maxBlobSize = size
		return nil
	}
}

// WithAccessLogger records a line for every store/read/remove.
func WithAccessLogger(logger *log.Logger) Option {
	return func(s *DiskStore) error {
		s.accessLogger = logger
		return nil
	}
}

const schema = `CREATE TABLE IF NOT EXISTS blobs (
	hash TEXT PRIMARY KEY,
	size INTEGER NOT NULL,
	ref_count INTEGER NOT NULL DEFAULT 0,
	content_type TEXT
);`

// Open returns a DiskStore rooted at dir, backed by the sqlite index at
// indexDB (a shared *sql.DB, typically the same connection metadata.Store
// uses, so blob ref-count bookkeeping and file-row bookkeeping live in the
// same database file).
func Open(dir string, indexDB *sql.DB, opts ...Option) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storageerr.Wrap(storageerr.InternalError, "create blob root", err)
	}

	dir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, storageerr.Wrap(storageerr.InternalError, "resolve blob root", err)
	}

	s := &DiskStore{
		dir:         dir,
		db:          indexDB,
		maxBlobSize: math.MaxInt64,
		tfc:         tempfile.NewCreator(),
	}

	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if _, err := s.db.Exec(schema); err != nil {
		return nil, storageerr.Wrap(storageerr.InternalError, "create blob index schema", err)
	}

	for a := 0; a < 256; a++ {
		sub := filepath.Join(dir, fmt.Sprintf("%02x", a))
		if err := os.MkdirAll(sub, 0755); err != nil {
			return nil, storageerr.Wrap(storageerr.InternalError, "create fan-out dir", err)
		}
	}

	if err := s.sweepIncomplete(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *DiskStore) blobPath(hash string) string {
	return filepath.Join(s.dir, hash[:2], hash[2:4], hash)
}

func (s *DiskStore) log(format string, v ...interface{}) {
	if s.accessLogger != nil {
		s.accessLogger.Printf(format, v...)
	}
}

// StoreBytes computes the SHA-256 of data, writes it to the fan-out
// directory if not already present, and transactionally increments
// ref_count.
func (s *DiskStore) StoreBytes(ctx context.Context, data []byte, contentType string) (StoreResult, error) {
	if int64(len(data)) > s.maxBlobSize {
		return StoreResult{}, storageerr.New(storageerr.InvalidInput,
			fmt.Sprintf("blob size %d exceeds max blob size %d", len(data), s.maxBlobSize))
	}

	hash := HashBytes(data)
	path := s.blobPath(hash)

	if hash == EmptyHash {
		return s.commitRef(ctx, hash, 0, contentType, path, true)
	}

	if _, err := os.Stat(path); err == nil {
		return s.commitRef(ctx, hash, int64(len(data)), contentType, path, false)
	} else if !os.IsNotExist(err) {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "stat blob", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "create fan-out dir", err)
	}

	tf, _, err := s.tfc.Create(path)
	if err != nil {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "create blob temp file", err)
	}
	tmpName := tf.Name()
	removeTemp := true
	defer func() {
		if removeTemp {
			os.Remove(tmpName)
		}
	}()

	if _, err := tf.Write(data); err != nil {
		tf.Close()
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "write blob", err)
	}
	if err := tf.Sync(); err != nil {
		tf.Close()
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "sync blob", err)
	}
	if err := tf.Close(); err != nil {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "close blob", err)
	}

	if err := os.Chmod(tmpName, tempfile.FinalMode); err != nil {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "finalize blob mode", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "commit blob", err)
	}
	removeTemp = false

	return s.commitRef(ctx, hash, int64(len(data)), contentType, path, false)
}

// StoreFromStream spools src to a temp file, hashing as it goes unless
// precomputedHash is supplied (trusted caller), then atomically renames it
// into the blob directory.
func (s *DiskStore) StoreFromStream(ctx context.Context, src io.Reader, precomputedHash string, contentType string) (StoreResult, error) {
	tmpBase := filepath.Join(s.dir, "spool")
	tf, _, err := s.tfc.Create(tmpBase)
	if err != nil {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "create spool file", err)
	}
	tmpName := tf.Name()
	removeTemp := true
	defer func() {
		if removeTemp {
			os.Remove(tmpName)
		}
	}()

	var hash string
	var size int64

	if precomputedHash != "" {
		if err := ValidateHash(precomputedHash); err != nil {
			tf.Close()
			return StoreResult{}, err
		}
		n, err := io.Copy(tf, src)
		if err != nil {
			tf.Close()
			return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "spool blob", err)
		}
		size = n
		hash = precomputedHash
	} else {
		h := sha256.New()
		n, err := io.Copy(tf, io.TeeReader(src, h))
		if err != nil {
			tf.Close()
			return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "spool blob", err)
		}
		size = n
		hash = hex.EncodeToString(h.Sum(nil))
	}

	if size > s.maxBlobSize {
		tf.Close()
		return StoreResult{}, storageerr.New(storageerr.InvalidInput,
			fmt.Sprintf("blob size %d exceeds max blob size %d", size, s.maxBlobSize))
	}

	if err := tf.Sync(); err != nil {
		tf.Close()
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "sync blob", err)
	}
	if err := tf.Close(); err != nil {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "close blob", err)
	}

	finalPath := s.blobPath(hash)

	if _, err := os.Stat(finalPath); err == nil {
		// Already stored under this hash; discard the spool.
		return s.commitRef(ctx, hash, size, contentType, finalPath, false)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "create fan-out dir", err)
	}
	if err := os.Chmod(tmpName, tempfile.FinalMode); err != nil {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "finalize blob mode", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "commit blob", err)
	}
	removeTemp = false

	return s.commitRef(ctx, hash, size, contentType, finalPath, false)
}

// commitRef transactionally upserts the index row and increments ref_count,
// reporting whether the blob already existed (deduplicated).
func (s *DiskStore) commitRef(ctx context.Context, hash string, size int64, contentType, path string, forceDedup bool) (StoreResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "begin blob tx", err)
	}
	defer tx.Rollback()

	var existingRef int64
	err = tx.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE hash = ?`, hash).Scan(&existingRef)
	deduplicated := forceDedup
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blobs (hash, size, ref_count, content_type) VALUES (?, ?, 1, ?)`,
			hash, size, contentType); err != nil {
			return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "insert blob row", err)
		}
	case err != nil:
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "read blob row", err)
	default:
		deduplicated = true
		if _, err := tx.ExecContext(ctx,
			`UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?`, hash); err != nil {
			return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "increment blob ref_count", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return StoreResult{}, storageerr.Wrap(storageerr.InternalError, "commit blob tx", err)
	}

	s.log("STORE %s size=%d dedup=%v", hash, size, deduplicated)

	return StoreResult{Hash: hash, Size: size, Path: path, Deduplicated: deduplicated}, nil
}

// ReadBytes returns the full contents of the blob stored under hash.
func (s *DiskStore) ReadBytes(ctx context.Context, hash string) ([]byte, error) {
	rc, err := s.ReadStream(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, storageerr.Wrap(storageerr.InternalError, "read blob bytes", err)
	}
	return data, nil
}

// ReadStream opens the blob stored under hash for sequential reading. The
// empty blob is virtual: it is never materialized on disk, so reads of it
// never touch the filesystem.
func (s *DiskStore) ReadStream(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}

	if hash == EmptyHash {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storageerr.New(storageerr.NotFound, "blob not found: "+hash)
		}
		return nil, storageerr.Wrap(storageerr.InternalError, "open blob", err)
	}
	return f, nil
}

// ReadRangeStream returns a reader over [start, end] (end inclusive, -1
// meaning "to EOF") of the blob, seeking directly so only the requested
// bytes are touched on disk.
func (s *DiskStore) ReadRangeStream(ctx context.Context, hash string, start, end int64) (io.ReadCloser, error) {
	f, err := s.ReadStream(ctx, hash)
	if err != nil {
		return nil, err
	}
	osFile, ok := f.(*os.File)
	if !ok {
		return f, nil
	}

	if start > 0 {
		if _, err := osFile.Seek(start, io.SeekStart); err != nil {
			osFile.Close()
			return nil, storageerr.Wrap(storageerr.InternalError, "seek blob range", err)
		}
	}

	if end < 0 {
		return osFile, nil
	}

	limit := end - start + 1
	if limit < 0 {
		limit = 0
	}
	return &limitedReadCloser{r: io.LimitReader(osFile, limit), c: osFile}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }

// BlobSize returns the logical size of the blob stored under hash.
func (s *DiskStore) BlobSize(ctx context.Context, hash string) (int64, error) {
	info, err := s.Metadata(ctx, hash)
	if err != nil {
		return -1, err
	}
	return info.Size, nil
}

// Exists reports whether hash is currently stored.
func (s *DiskStore) Exists(ctx context.Context, hash string) (bool, error) {
	if hash == EmptyHash {
		return true, nil
	}
	var refCount int64
	err := s.db.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE hash = ?`, hash).Scan(&refCount)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storageerr.Wrap(storageerr.InternalError, "check blob existence", err)
	}
	return refCount > 0, nil
}

// Metadata returns the index row for hash.
func (s *DiskStore) Metadata(ctx context.Context, hash string) (Info, error) {
	if hash == EmptyHash {
		return Info{Hash: EmptyHash, Size: 0, RefCount: 1}, nil
	}

	var info Info
	var contentType sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, size, ref_count, content_type FROM blobs WHERE hash = ?`, hash).
		Scan(&info.Hash, &info.Size, &info.RefCount, &contentType)
	if err == sql.ErrNoRows {
		return Info{}, storageerr.New(storageerr.NotFound, "blob not found: "+hash)
	}
	if err != nil {
		return Info{}, storageerr.Wrap(storageerr.InternalError, "read blob metadata", err)
	}
	info.ContentType = contentType.String
	return info, nil
}

// AddReference increments ref_count for an already-stored blob; used when
// a new File row references content that another StoreBytes/StoreFromStream
// call already wrote.
func (s *DiskStore) AddReference(ctx context.Context, hash string) error {
	if hash == EmptyHash {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?`, hash)
	if err != nil {
		return storageerr.Wrap(storageerr.InternalError, "add blob reference", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storageerr.New(storageerr.NotFound, "blob not found: "+hash)
	}
	return nil
}

// RemoveReference decrements ref_count; when it reaches zero the on-disk
// file is deleted and true is returned.
func (s *DiskStore) RemoveReference(ctx context.Context, hash string) (bool, error) {
	if hash == EmptyHash {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageerr.Wrap(storageerr.InternalError, "begin remove-ref tx", err)
	}
	defer tx.Rollback()

	var refCount int64
	err = tx.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE hash = ?`, hash).Scan(&refCount)
	if err == sql.ErrNoRows {
		return false, storageerr.New(storageerr.NotFound, "blob not found: "+hash)
	}
	if err != nil {
		return false, storageerr.Wrap(storageerr.InternalError, "read blob ref_count", err)
	}

	refCount--
	deleted := false

	if refCount <= 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ?`, hash); err != nil {
			return false, storageerr.Wrap(storageerr.InternalError, "delete blob row", err)
		}
		deleted = true
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ? WHERE hash = ?`, refCount, hash); err != nil {
			return false, storageerr.Wrap(storageerr.InternalError, "decrement blob ref_count", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, storageerr.Wrap(storageerr.InternalError, "commit remove-ref tx", err)
	}

	if deleted {
		if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
			log.Printf("WARNING: ref_count reached 0 for %s but failed to remove file: %v", hash, err)
		}
	}

	s.log("REMOVE-REF %s deleted=%v", hash, deleted)

	return deleted, nil
}

// Close releases resources held by the store. The underlying *sql.DB is
// owned by whoever passed it to Open and is not closed here.
func (s *DiskStore) Close() error {
	return nil
}
