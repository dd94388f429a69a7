package relay

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"lectern/internal/models"

	"github.com/chai2010/webp"
	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

const (
	thumbnailMaxSize = 320
	thumbnailQuality = 70
	maxImagePixels   = 40_000_000
)

var imageExtensions = map[string]string{
	"jpeg": ".jpg",
	"png":  ".png",
	"gif":  ".gif",
	"webp": ".webp",
}

// UploadResult describes a stored attachment.
type UploadResult struct {
	URL          string             `json:"url"`
	ThumbnailURL string             `json:"thumbnail_url,omitempty"`
	Kind         models.ContentKind `json:"content_kind"`
	Size         int64              `json:"size"`
}

// Uploads stores attachments on disk under dir and serves them below
// publicBase + "/uploads/".
type Uploads struct {
	dir        string
	publicBase string
	maxBytes   int64
	log        *slog.Logger
}

// NewUploads creates the attachment store.
func NewUploads(dir, publicBase string, maxUploadSizeMB int, log *slog.Logger) *Uploads {
	if log == nil {
		log = slog.Default()
	}
	return &Uploads{
		dir:        dir,
		publicBase: strings.TrimRight(publicBase, "/"),
		maxBytes:   int64(maxUploadSizeMB) * 1024 * 1024,
		log:        log,
	}
}

// Save validates and stores one attachment. Images are checked by decoding
// their header and get a WebP thumbnail; anything else is stored as a file.
func (u *Uploads) Save(filename string, content []byte) (*UploadResult, error) {
	if len(content) == 0 {
		return nil, models.NewValidationError("no file uploaded")
	}
	if int64(len(content)) > u.maxBytes {
		return nil, models.NewValidationError(fmt.Sprintf("file too large (max %dMB)", u.maxBytes/(1024*1024)))
	}
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	id := uuid.NewString()
	detected := http.DetectContentType(content)
	if strings.HasPrefix(detected, "image/") {
		return u.saveImage(id, content)
	}

	name := id + safeExtension(filename)
	if err := os.WriteFile(filepath.Join(u.dir, name), content, 0o644); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}
	return &UploadResult{URL: u.url(name), Kind: models.KindFile, Size: int64(len(content))}, nil
}

func (u *Uploads) saveImage(id string, content []byte) (*UploadResult, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return nil, models.NewValidationError("invalid image file")
	}
	ext, ok := imageExtensions[format]
	if !ok {
		return nil, models.NewValidationError("unsupported image format")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxImagePixels {
		return nil, models.NewValidationError("image dimensions out of range")
	}

	name := id + ext
	if err := os.WriteFile(filepath.Join(u.dir, name), content, 0o644); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}
	res := &UploadResult{URL: u.url(name), Kind: models.KindImage, Size: int64(len(content))}

	thumb, err := thumbnail(content)
	if err != nil {
		u.log.Warn("thumbnail failed", slog.String("upload", name), slog.String("error", err.Error()))
		return res, nil
	}
	thumbName := id + ".thumb.webp"
	if err := os.WriteFile(filepath.Join(u.dir, thumbName), thumb, 0o644); err != nil {
		u.log.Warn("write thumbnail", slog.String("upload", name), slog.String("error", err.Error()))
		return res, nil
	}
	res.ThumbnailURL = u.url(thumbName)
	return res, nil
}

func (u *Uploads) url(name string) string {
	return u.publicBase + "/uploads/" + name
}

func thumbnail(content []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(nil)
	if err := webp.Encode(buf, resizeToFit(src, thumbnailMaxSize, thumbnailMaxSize), &webp.Options{Quality: thumbnailQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func resizeToFit(src image.Image, maxWidth, maxHeight int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxWidth && h <= maxHeight {
		return src
	}
	scale := min(float64(maxWidth)/float64(w), float64(maxHeight)/float64(h))
	newW := max(int(float64(w)*scale), 1)
	newH := max(int(float64(h)*scale), 1)

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
	return dst
}

// safeExtension keeps a short alphanumeric extension of the client's file name.
func safeExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
