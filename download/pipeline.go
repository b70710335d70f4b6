// Package download resolves a file_id to a content variant, preferring the
// cheapest available source.
package download

import (
	"bufio"
	"context"
	"io"

	"github.com/oxicloud/storage-core/blob"
	"github.com/oxicloud/storage-core/contentcache"
	"github.com/oxicloud/storage-core/metadata"
	"github.com/oxicloud/storage-core/transcode"
	"github.com/oxicloud/storage-core/writebehind"
)

const streamChunkSize = 64 * 1024
const largeFileThreshold = 10 * 1024 * 1024

// Request carries the caller's preferences for a single download.
type Request struct {
	AcceptWebP     bool
	PreferOriginal bool
}

// Result carries either in-memory bytes or a stream; exactly one is set.
type Result struct {
	Bytes         []byte
	Stream        io.ReadCloser
	ContentType   string
	WasTranscoded bool
}

// Pipeline is the DownloadPipeline component.
type Pipeline struct {
	blobs       blob.Store
	metadata    metadata.Store
	writeBehind *writebehind.Cache
	content     *contentcache.Cache
	transcodes  *transcode.Cache
}

// New constructs a Pipeline.
func New(blobs blob.Store, metadataStore metadata.Store, wb *writebehind.Cache, content *contentcache.Cache, transcodes *transcode.Cache) *Pipeline {
	return &Pipeline{blobs: blobs, metadata: metadataStore, writeBehind: wb, content: content, transcodes: transcodes}
}

// Download resolves fileID to its cheapest-available content variant.
func (p *Pipeline) Download(ctx context.Context, fileID string, req Request) (Result, error) {
	if p.writeBehind != nil {
		if data, contentType, ok := p.writeBehind.GetPending(fileID); ok {
			return p.maybeTranscode(fileID, data, contentType, req)
		}
	}

	f, err := p.metadata.GetFile(ctx, fileID)
	if err != nil {
		return Result{}, err
	}

	if p.content != nil {
		if data, _, ct, ok := p.content.Get(fileID); ok {
			return p.maybeTranscode(fileID, data, ct, req)
		}
	}

	if f.Size >= largeFileThreshold {
		stream, err := p.blobs.ReadStream(ctx, f.BlobHash)
		if err != nil {
			return Result{}, err
		}
		return Result{Stream: stream, ContentType: f.MimeType}, nil
	}

	stream, err := p.blobs.ReadStream(ctx, f.BlobHash)
	if err != nil {
		return Result{}, err
	}
	defer stream.Close()

	buf := make([]byte, 0, f.Size)
	reader := bufio.NewReaderSize(stream, streamChunkSize)
	chunk := make([]byte, streamChunkSize)
	for {
		n, rerr := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Result{}, rerr
		}
	}

	if p.content != nil && p.content.ShouldCache(int64(len(buf))) {
		p.content.Put(fileID, buf, f.UpdatedAt.Unix(), f.MimeType)
	}

	return p.maybeTranscode(fileID, buf, f.MimeType, req)
}

func (p *Pipeline) maybeTranscode(fileID string, data []byte, contentType string, req Request) (Result, error) {
	if !req.AcceptWebP || req.PreferOriginal || p.transcodes == nil || contentType == "" {
		return Result{Bytes: data, ContentType: contentType}, nil
	}
	if !p.transcodes.ShouldTranscode(contentType, int64(len(data))) {
		return Result{Bytes: data, ContentType: contentType}, nil
	}

	out, mime, was, err := p.transcodes.GetTranscoded(fileID, data, contentType, transcode.WebP)
	if err != nil {
		return Result{Bytes: data, ContentType: contentType}, nil
	}
	return Result{Bytes: out, ContentType: mime, WasTranscoded: was}, nil
}

// RangeStream delegates to BlobStore's range stream. end is inclusive;
// out-of-range requests return an empty stream and let the caller decide
// whether to signal 416.
func (p *Pipeline) RangeStream(ctx context.Context, fileID string, start, end int64) (io.ReadCloser, error) {
	f, err := p.metadata.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return p.blobs.ReadRangeStream(ctx, f.BlobHash, start, end)
}
