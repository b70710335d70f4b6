// Package transcode provides on-demand image format conversion with
// caching, so repeat requests for the same (file, target format) pair never
// re-encode.
package transcode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sync"

	"github.com/chai2010/webp"
)

// TargetFormat names an output encoding. WebP is the only supported target.
type TargetFormat string

// WebP is the only transcode target currently supported.
const WebP TargetFormat = "webp"

const defaultSourceSizeCap = 20 * 1024 * 1024

var supportedSourceMimes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

type cacheKey struct {
	fileID string
	target TargetFormat
}

type cacheEntry struct {
	bytes       []byte
	contentType string
}

// Config bounds which source files are considered for transcoding.
type Config struct {
	SourceSizeCap int64
}

// Cache is the TranscodeCache component.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	if cfg.SourceSizeCap <= 0 {
		cfg.SourceSizeCap = defaultSourceSizeCap
	}
	return &Cache{cfg: cfg, entries: make(map[cacheKey]cacheEntry)}
}

// CanTranscode reports whether mime is a supported source format.
func (c *Cache) CanTranscode(mime string) bool {
	return supportedSourceMimes[mime]
}

// ShouldTranscode declines when the source exceeds the size cap; a
// prediction of "result not smaller" is only known after encoding, so the
// size gate is the only a-priori check.
func (c *Cache) ShouldTranscode(mime string, size int64) bool {
	return c.CanTranscode(mime) && size <= c.cfg.SourceSizeCap
}

// GetTranscoded returns WebP bytes for (fileID, target), encoding and
// caching on first request. If the transcoded output is not smaller than
// the source, the source is returned unchanged with wasTranscoded = false.
func (c *Cache) GetTranscoded(fileID string, data []byte, sourceMime string, target TargetFormat) (out []byte, mime string, wasTranscoded bool, err error) {
	key := cacheKey{fileID: fileID, target: target}

	c.mu.Lock()
	if cached, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return cached.bytes, cached.contentType, cached.contentType != sourceMime, nil
	}
	c.mu.Unlock()

	if target != WebP {
		return nil, "", false, fmt.Errorf("transcode: unsupported target format %q", target)
	}
	if !c.CanTranscode(sourceMime) {
		return nil, "", false, fmt.Errorf("transcode: unsupported source format %q", sourceMime)
	}

	img, err := decode(data, sourceMime)
	if err != nil {
		return nil, "", false, err
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: 80}); err != nil {
		return nil, "", false, fmt.Errorf("transcode: webp encode: %w", err)
	}
	encoded := buf.Bytes()

	result := cacheEntry{bytes: data, contentType: sourceMime}
	transcoded := false
	if len(encoded) < len(data) {
		result = cacheEntry{bytes: encoded, contentType: "image/webp"}
		transcoded = true
	}

	c.mu.Lock()
	c.entries[key] = result
	c.mu.Unlock()

	return result.bytes, result.contentType, transcoded, nil
}

func decode(data []byte, mime string) (image.Image, error) {
	switch mime {
	case "image/jpeg":
		return jpeg.Decode(bytes.NewReader(data))
	case "image/png":
		return png.Decode(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("transcode: unsupported source format %q", mime)
	}
}

// Invalidate removes every cached target for fileID.
func (c *Cache) Invalidate(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.fileID == fileID {
			delete(c.entries, key)
		}
	}
}
