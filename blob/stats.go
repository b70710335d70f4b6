package blob

import (
	"context"
	"database/sql"

	"github.com/oxicloud/storage-core/storageerr"
)

// DedupStats summarizes the store-wide effect of content-addressed
// deduplication.
type DedupStats struct {
	TotalBlobs int64
	TotalBytes int64
	BytesSaved int64
	DedupRatio float64
}

// Stats aggregates ref_count bookkeeping into dedup-effectiveness figures.
func (s *DiskStore) Stats(ctx context.Context) (DedupStats, error) {
	var stats DedupStats
	var totalReferences sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(size), 0),
			COALESCE(SUM(size * ref_count), 0)
		FROM blobs
	`).Scan(&stats.TotalBlobs, &stats.TotalBytes, &totalReferences)
	if err != nil {
		return DedupStats{}, storageerr.Wrap(storageerr.InternalError, "query blob stats", err)
	}

	referencedBytes := totalReferences.Int64
	stats.BytesSaved = referencedBytes - stats.TotalBytes
	if referencedBytes > 0 {
		stats.DedupRatio = float64(stats.BytesSaved) / float64(referencedBytes)
	}

	return stats, nil
}
