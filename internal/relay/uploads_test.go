package relay

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lectern/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		img.Set(x, x%h, color.RGBA{R: 200, G: 40, B: 90, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploads_Save(t *testing.T) {
	dir := t.TempDir()
	u := NewUploads(dir, "http://relay.test/", 1, nil)

	t.Run("image gets a thumbnail", func(t *testing.T) {
		res, err := u.Save("map.png", testPNG(t, 640, 480))
		require.NoError(t, err)
		assert.Equal(t, models.KindImage, res.Kind)
		assert.True(t, strings.HasPrefix(res.URL, "http://relay.test/uploads/"))
		assert.True(t, strings.HasSuffix(res.URL, ".png"))
		require.NotEmpty(t, res.ThumbnailURL)
		assert.True(t, strings.HasSuffix(res.ThumbnailURL, ".thumb.webp"))

		_, err = os.Stat(filepath.Join(dir, filepath.Base(res.URL)))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(dir, filepath.Base(res.ThumbnailURL)))
		assert.NoError(t, err)
	})

	t.Run("other content is stored as a file", func(t *testing.T) {
		res, err := u.Save("Reading List.TXT", []byte("chapter one\nchapter two\n"))
		require.NoError(t, err)
		assert.Equal(t, models.KindFile, res.Kind)
		assert.Empty(t, res.ThumbnailURL)
		assert.True(t, strings.HasSuffix(res.URL, ".txt"))
	})

	rejected := []struct {
		name    string
		content []byte
	}{
		{"empty", nil},
		{"too large", bytes.Repeat([]byte("a"), 1024*1024+1)},
		{"corrupt image", append([]byte("\x89PNG\r\n\x1a\n"), []byte("definitely not an image")...)},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			_, err := u.Save("x.png", tt.content)
			assert.True(t, models.IsCode(err, models.CodeValidation), "got %v", err)
		})
	}
}

func TestResizeToFit(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"landscape", 640, 480, 320, 240},
		{"portrait", 300, 900, 106, 320},
		{"already small", 100, 50, 100, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := resizeToFit(image.NewRGBA(image.Rect(0, 0, tt.w, tt.h)), 320, 320)
			assert.Equal(t, tt.wantW, out.Bounds().Dx())
			assert.Equal(t, tt.wantH, out.Bounds().Dy())
		})
	}
}

func TestSafeExtension(t *testing.T) {
	tests := map[string]string{
		"notes.txt":        ".txt",
		"SCAN.PDF":         ".pdf",
		"archive.tar.gz":   ".gz",
		"noext":            "",
		"evil.ph p":        "",
		"weird.extension1": "",
		"dots.":            "",
	}
	for in, want := range tests {
		assert.Equal(t, want, safeExtension(in), in)
	}
}
