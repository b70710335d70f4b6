package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/djherbis/atime"

	"github.com/oxicloud/storage-core/storageerr"
)

// sweepIncomplete removes temp files left behind by a crash mid-write: any
// file still bearing the setgid "work in progress" bit never finished
// being spooled, so nothing references it yet.
func (s *DiskStore) sweepIncomplete() error {
	return filepath.Walk(s.dir, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSetgid == os.ModeSetgid {
			log.Println("blob: removing incomplete file:", name)
			if rmErr := os.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Printf("blob: failed to remove incomplete file %s: %v", name, rmErr)
			}
		}
		return nil
	})
}

// GCCandidates lists blob hashes whose index row has ref_count <= 0,
// oldest-accessed first. A zero ref_count should never outlive a single
// transaction in normal operation (RemoveReference deletes eagerly), so a
// non-empty result here indicates a row that escaped cleanup, e.g. a crash
// between the DELETE and the file removal.
func (s *DiskStore) GCCandidates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM blobs WHERE ref_count <= 0`)
	if err != nil {
		return nil, storageerr.Wrap(storageerr.InternalError, "query gc candidates", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, storageerr.Wrap(storageerr.InternalError, "scan gc candidate", err)
		}
		hashes = append(hashes, h)
	}

	type hashAtime struct {
		hash string
		at   int64
	}
	withAtime := make([]hashAtime, 0, len(hashes))
	for _, h := range hashes {
		fi, err := os.Stat(s.blobPath(h))
		if err != nil {
			withAtime = append(withAtime, hashAtime{hash: h, at: 0})
			continue
		}
		withAtime = append(withAtime, hashAtime{hash: h, at: atime.Get(fi).Unix()})
	}

	for i := 1; i < len(withAtime); i++ {
		for j := i; j > 0 && withAtime[j-1].at > withAtime[j].at; j-- {
			withAtime[j-1], withAtime[j] = withAtime[j], withAtime[j-1]
		}
	}

	ordered := make([]string, len(withAtime))
	for i, ha := range withAtime {
		ordered[i] = ha.hash
	}
	return ordered, nil
}

// CollectGarbage removes the on-disk file and index row for every
// zero-ref_count blob found by GCCandidates.
func (s *DiskStore) CollectGarbage(ctx context.Context) (int, error) {
	candidates, err := s.GCCandidates(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, hash := range candidates {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return removed, storageerr.Wrap(storageerr.InternalError, "begin gc tx", err)
		}

		var refCount int64
		err = tx.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE hash = ?`, hash).Scan(&refCount)
		if err != nil {
			tx.Rollback()
			continue
		}
		if refCount > 0 {
			// Someone re-referenced it since GCCandidates ran.
			tx.Rollback()
			continue
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ?`, hash); err != nil {
			tx.Rollback()
			return removed, storageerr.Wrap(storageerr.InternalError, "delete gc row", err)
		}
		if err := tx.Commit(); err != nil {
			return removed, storageerr.Wrap(storageerr.InternalError, "commit gc tx", err)
		}

		if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
			log.Printf("blob: gc failed to remove file for %s: %v", hash, err)
			continue
		}
		removed++
	}

	return removed, nil
}

// VerifyIntegrity walks the blob directory, rehashing every file and
// comparing it against the index: a file whose name doesn't match its
// content's hash, or that has no corresponding index row, is reported as
// an Issue rather than silently repaired.
func (s *DiskStore) VerifyIntegrity(ctx context.Context) ([]Issue, error) {
	var issues []Issue

	err := filepath.Walk(s.dir, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		hash := filepath.Base(name)
		if err := ValidateHash(hash); err != nil {
			issues = append(issues, Issue{Path: name, Message: "unexpected file name, not a hash"})
			return nil
		}

		actual, err := hashFileAt(name)
		if err != nil {
			issues = append(issues, Issue{Hash: hash, Path: name, Message: "failed to rehash: " + err.Error()})
			return nil
		}
		if actual != hash {
			issues = append(issues, Issue{Hash: hash, Path: name, Message: "content hash mismatch: file hashes to " + actual})
			return nil
		}

		if _, err := s.Metadata(ctx, hash); err != nil {
			if storageerr.Is(err, storageerr.NotFound) {
				issues = append(issues, Issue{Hash: hash, Path: name, Message: "on-disk blob has no index row"})
			}
		}

		return nil
	})
	if err != nil {
		return nil, storageerr.Wrap(storageerr.InternalError, "walk blob directory", err)
	}

	parity, err := s.refCountParityIssues(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, parity...)

	return issues, nil
}

// refCountParityIssues compares this store's ref counts against the
// trigger-maintained blob_refs table the metadata schema keeps in the same
// database. A mismatch is reported, never repaired: the blob is left in
// place and the discrepancy logged for an operator to resolve.
func (s *DiskStore) refCountParityIssues(ctx context.Context) ([]Issue, error) {
	var haveMirror int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'blob_refs'`).Scan(&haveMirror)
	if err != nil {
		return nil, storageerr.Wrap(storageerr.InternalError, "probe blob_refs table", err)
	}
	if haveMirror == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT b.hash, b.ref_count, IFNULL(r.ref_count, 0)
		FROM blobs b LEFT JOIN blob_refs r ON r.hash = b.hash
		WHERE b.ref_count != IFNULL(r.ref_count, 0)`)
	if err != nil {
		return nil, storageerr.Wrap(storageerr.InternalError, "compare ref counts", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var hash string
		var mine, mirror int64
		if err := rows.Scan(&hash, &mine, &mirror); err != nil {
			return nil, storageerr.Wrap(storageerr.InternalError, "scan ref count mismatch", err)
		}
		log.Printf("blob: ref_count mismatch for %s: index says %d, file rows say %d", hash, mine, mirror)
		issues = append(issues, Issue{
			Hash:    hash,
			Message: fmt.Sprintf("ref_count mismatch: index %d, file rows %d", mine, mirror),
		})
	}
	return issues, rows.Err()
}

func hashFileAt(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
