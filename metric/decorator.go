package metric

import (
	"context"
	"io"
	"time"

	"github.com/oxicloud/storage-core/blob"
)

// BlobStoreDecorator wraps a blob.Store, recording a latency/status counter
// per operation without the wrapped store knowing metrics exist.
type BlobStoreDecorator struct {
	parent  blob.Store
	counter CounterVec
}

// CounterVec is the narrow capability a decorator needs to increment a
// labeled counter; metric/prometheus.NewCounterVec implements it.
type CounterVec interface {
	WithLabels(method, status string) Counter
}

// NewBlobStoreDecorator wraps parent, adding each call's elapsed seconds to
// counter.
func NewBlobStoreDecorator(parent blob.Store, counter CounterVec) *BlobStoreDecorator {
	return &BlobStoreDecorator{parent: parent, counter: counter}
}

func (d *BlobStoreDecorator) record(method string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	d.counter.WithLabels(method, status).Add(time.Since(start).Seconds())
}

func (d *BlobStoreDecorator) StoreBytes(ctx context.Context, data []byte, contentType string) (blob.StoreResult, error) {
	start := time.Now()
	res, err := d.parent.StoreBytes(ctx, data, contentType)
	d.record("store_bytes", start, err)
	return res, err
}

func (d *BlobStoreDecorator) StoreFromStream(ctx context.Context, src io.Reader, precomputedHash, contentType string) (blob.StoreResult, error) {
	start := time.Now()
	res, err := d.parent.StoreFromStream(ctx, src, precomputedHash, contentType)
	d.record("store_from_stream", start, err)
	return res, err
}

func (d *BlobStoreDecorator) ReadBytes(ctx context.Context, hash string) ([]byte, error) {
	start := time.Now()
	data, err := d.parent.ReadBytes(ctx, hash)
	d.record("read_bytes", start, err)
	return data, err
}

func (d *BlobStoreDecorator) ReadStream(ctx context.Context, hash string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := d.parent.ReadStream(ctx, hash)
	d.record("read_stream", start, err)
	return rc, err
}

func (d *BlobStoreDecorator) ReadRangeStream(ctx context.Context, hash string, startOff, end int64) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := d.parent.ReadRangeStream(ctx, hash, startOff, end)
	d.record("read_range_stream", start, err)
	return rc, err
}

func (d *BlobStoreDecorator) BlobSize(ctx context.Context, hash string) (int64, error) {
	return d.parent.BlobSize(ctx, hash)
}

func (d *BlobStoreDecorator) Exists(ctx context.Context, hash string) (bool, error) {
	return d.parent.Exists(ctx, hash)
}

func (d *BlobStoreDecorator) ExistsMany(ctx context.Context, hashes []string) (map[string]bool, error) {
	return d.parent.ExistsMany(ctx, hashes)
}

func (d *BlobStoreDecorator) Metadata(ctx context.Context, hash string) (blob.Info, error) {
	return d.parent.Metadata(ctx, hash)
}

func (d *BlobStoreDecorator) AddReference(ctx context.Context, hash string) error {
	start := time.Now()
	err := d.parent.AddReference(ctx, hash)
	d.record("add_reference", start, err)
	return err
}

func (d *BlobStoreDecorator) RemoveReference(ctx context.Context, hash string) (bool, error) {
	start := time.Now()
	removed, err := d.parent.RemoveReference(ctx, hash)
	d.record("remove_reference", start, err)
	return removed, err
}

func (d *BlobStoreDecorator) VerifyIntegrity(ctx context.Context) ([]blob.Issue, error) {
	return d.parent.VerifyIntegrity(ctx)
}

func (d *BlobStoreDecorator) Stats(ctx context.Context) (blob.DedupStats, error) {
	return d.parent.Stats(ctx)
}

func (d *BlobStoreDecorator) Close() error {
	return d.parent.Close()
}

var _ blob.Store = (*BlobStoreDecorator)(nil)
