package blob

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oxicloud/storage-core/storageerr"
)

// existsManyBatchSize moderates how many placeholders go into a single SQL
// IN clause so a long hash list doesn't build one enormous query.
const existsManyBatchSize = 200

// ExistsMany checks many hashes concurrently, batching them into IN-clause
// queries run over an errgroup worker pool.
func (s *DiskStore) ExistsMany(ctx context.Context, hashes []string) (map[string]bool, error) {
	result := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		result[h] = false
	}

	var batches [][]string
	for i := 0; i < len(hashes); i += existsManyBatchSize {
		end := i + existsManyBatchSize
		if end > len(hashes) {
			end = len(hashes)
		}
		batches = append(batches, hashes[i:end])
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			found, err := s.existingInBatch(gctx, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, h := range found {
				result[h] = true
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *DiskStore) existingInBatch(ctx context.Context, batch []string) ([]string, error) {
	placeholders := make([]string, len(batch))
	args := make([]interface{}, len(batch))
	for i, h := range batch {
		placeholders[i] = "?"
		args[i] = h
	}

	query := `SELECT hash FROM blobs WHERE ref_count > 0 AND hash IN (` +
		strings.Join(placeholders, ",") + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageerr.Wrap(storageerr.InternalError, "query blob batch", err)
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, storageerr.Wrap(storageerr.InternalError, "scan blob batch row", err)
		}
		found = append(found, h)
	}
	if err := rows.Err(); err != nil {
		return nil, storageerr.Wrap(storageerr.InternalError, "iterate blob batch rows", err)
	}

	return found, nil
}
