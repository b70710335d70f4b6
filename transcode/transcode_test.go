package transcode_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/oxicloud/storage-core/transcode"
)

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 255), G: uint8(y % 255), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func encodeTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestCanTranscodeSupportedMimes(t *testing.T) {
	c := transcode.New(transcode.Config{})
	if !c.CanTranscode("image/jpeg") {
		t.Fatal("expected image/jpeg to be supported")
	}
	if !c.CanTranscode("image/png") {
		t.Fatal("expected image/png to be supported")
	}
	if c.CanTranscode("application/pdf") {
		t.Fatal("expected application/pdf to be unsupported")
	}
}

func TestShouldTranscodeRejectsOversizedSource(t *testing.T) {
	c := transcode.New(transcode.Config{SourceSizeCap: 100})
	if !c.ShouldTranscode("image/jpeg", 100) {
		t.Fatal("expected size at the cap to qualify")
	}
	if c.ShouldTranscode("image/jpeg", 101) {
		t.Fatal("expected size over the cap to be rejected")
	}
}

func TestGetTranscodedEncodesToWebP(t *testing.T) {
	c := transcode.New(transcode.Config{})
	data := encodeTestJPEG(t, 64, 64)

	out, mime, transcoded, err := c.GetTranscoded("file-1", data, "image/jpeg", transcode.WebP)
	if err != nil {
		t.Fatal(err)
	}
	if transcoded {
		if mime != "image/webp" {
			t.Fatalf("expected image/webp mime on a successful transcode, got %s", mime)
		}
		if len(out) == 0 {
			t.Fatal("expected non-empty transcoded output")
		}
	} else {
		if mime != "image/jpeg" {
			t.Fatalf("expected source mime preserved when not smaller, got %s", mime)
		}
	}
}

func TestGetTranscodedCachesSecondCall(t *testing.T) {
	c := transcode.New(transcode.Config{})
	data := encodeTestPNG(t, 32, 32)

	out1, mime1, _, err := c.GetTranscoded("file-2", data, "image/png", transcode.WebP)
	if err != nil {
		t.Fatal(err)
	}

	out2, mime2, _, err := c.GetTranscoded("file-2", nil, "image/png", transcode.WebP)
	if err != nil {
		t.Fatal(err)
	}
	if mime1 != mime2 || string(out1) != string(out2) {
		t.Fatal("expected second call to return the cached entry without needing source bytes")
	}
}

func TestGetTranscodedRejectsUnsupportedSource(t *testing.T) {
	c := transcode.New(transcode.Config{})
	if _, _, _, err := c.GetTranscoded("file-3", []byte("not an image"), "application/pdf", transcode.WebP); err == nil {
		t.Fatal("expected an error for an unsupported source mime")
	}
}

func TestInvalidateRemovesAllTargetsForFile(t *testing.T) {
	c := transcode.New(transcode.Config{})
	data := encodeTestJPEG(t, 16, 16)

	if _, _, _, err := c.GetTranscoded("file-4", data, "image/jpeg", transcode.WebP); err != nil {
		t.Fatal(err)
	}

	c.Invalidate("file-4")

	// Re-requesting after invalidation must re-encode rather than reuse a
	// stale cache entry; a nil data argument would fail that, proving the
	// cache was actually cleared.
	if _, _, _, err := c.GetTranscoded("file-4", nil, "image/jpeg", transcode.WebP); err == nil {
		t.Fatal("expected re-encoding to be attempted (and fail on nil data) after invalidation")
	}
}
