// Package wopilock implements exclusive, client-opaque edit locks with
// lazy expiry, for WOPI-style single-writer editing sessions.
package wopilock

import (
	"context"
	"database/sql"
	"time"

	"github.com/oxicloud/storage-core/storageerr"
)

// DefaultExpiry is how long a lock lives past its last acquire or refresh.
const DefaultExpiry = 30 * time.Minute

const schema = `
CREATE TABLE IF NOT EXISTS wopi_locks (
	file_id TEXT PRIMARY KEY,
	lock_id TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// Table is the WopiLockTable component, persisted in the same sqlite
// connection as MetadataStore since it's a single small table with no
// schema of its own worth a separate database.
type Table struct {
	db     *sql.DB
	expiry time.Duration
}

// Open creates the lock table if needed and returns a Table bound to db.
func Open(db *sql.DB, expiry time.Duration) (*Table, error) {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, storageerr.Wrap(storageerr.InternalError, "create wopi_locks schema", err)
	}
	return &Table{db: db, expiry: expiry}, nil
}

// Conflict carries the current holder's lock_id when an operation is
// refused because someone else holds the lock.
type Conflict struct {
	ExistingLockID string
}

func (c *Conflict) Error() string {
	return "wopilock: conflict, held by " + c.ExistingLockID
}

// currentHolder returns the live lock_id for fileID, or "" if no
// unexpired lock exists. Expiry is evaluated lazily against now rather
// than swept eagerly.
func currentHolder(ctx context.Context, tx *sql.Tx, fileID string, now time.Time) (string, error) {
	var lockID string
	var expiresAt int64
	err := tx.QueryRowContext(ctx, `SELECT lock_id, expires_at FROM wopi_locks WHERE file_id = ?`, fileID).
		Scan(&lockID, &expiresAt)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storageerr.Wrap(storageerr.InternalError, "read wopi lock", err)
	}
	if now.UnixNano() >= expiresAt {
		return "", nil
	}
	return lockID, nil
}

// Lock succeeds when no lock exists or the existing one has expired,
// refreshing expiry either way.
func (t *Table) Lock(ctx context.Context, fileID, lockID string) error {
	now := time.Now().UTC()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return storageerr.Wrap(storageerr.InternalError, "begin lock tx", err)
	}
	defer tx.Rollback()

	holder, err := currentHolder(ctx, tx, fileID, now)
	if err != nil {
		return err
	}
	if holder != "" && holder != lockID {
		return &Conflict{ExistingLockID: holder}
	}

	expiresAt := now.Add(t.expiry).UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wopi_locks (file_id, lock_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET lock_id = excluded.lock_id, expires_at = excluded.expires_at`,
		fileID, lockID, expiresAt); err != nil {
		return storageerr.Wrap(storageerr.InternalError, "write wopi lock", err)
	}

	return tx.Commit()
}

// Unlock succeeds only on an exact lock_id match.
func (t *Table) Unlock(ctx context.Context, fileID, lockID string) error {
	now := time.Now().UTC()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return storageerr.Wrap(storageerr.InternalError, "begin unlock tx", err)
	}
	defer tx.Rollback()

	holder, err := currentHolder(ctx, tx, fileID, now)
	if err != nil {
		return err
	}
	if holder == "" {
		return &Conflict{ExistingLockID: ""}
	}
	if holder != lockID {
		return &Conflict{ExistingLockID: holder}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM wopi_locks WHERE file_id = ?`, fileID); err != nil {
		return storageerr.Wrap(storageerr.InternalError, "delete wopi lock", err)
	}

	return tx.Commit()
}

// Refresh succeeds only on an exact lock_id match, resetting expires_at to
// now + the configured expiry.
func (t *Table) Refresh(ctx context.Context, fileID, lockID string) error {
	now := time.Now().UTC()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return storageerr.Wrap(storageerr.InternalError, "begin refresh tx", err)
	}
	defer tx.Rollback()

	holder, err := currentHolder(ctx, tx, fileID, now)
	if err != nil {
		return err
	}
	if holder == "" {
		return &Conflict{ExistingLockID: ""}
	}
	if holder != lockID {
		return &Conflict{ExistingLockID: holder}
	}

	expiresAt := now.Add(t.expiry).UnixNano()
	if _, err := tx.ExecContext(ctx,
		`UPDATE wopi_locks SET expires_at = ? WHERE file_id = ?`, expiresAt, fileID); err != nil {
		return storageerr.Wrap(storageerr.InternalError, "refresh wopi lock", err)
	}

	return tx.Commit()
}

// Get returns the current lock_id for fileID, or "" if unlocked (including
// when the only row present has lazily expired).
func (t *Table) Get(ctx context.Context, fileID string) (string, error) {
	now := time.Now().UTC()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storageerr.Wrap(storageerr.InternalError, "begin get tx", err)
	}
	defer tx.Rollback()

	return currentHolder(ctx, tx, fileID, now)
}
