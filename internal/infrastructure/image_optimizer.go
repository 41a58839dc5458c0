package infrastructure

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/evanoberholster/imagemeta"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// ImageOptimizer re-encodes photos as JPEG, downscaling them to a maximum
// dimension. Calls share no state.
type ImageOptimizer struct {
	logger *zap.Logger
}

// NewImageOptimizer creates an image optimizer
func NewImageOptimizer(logger *zap.Logger) *ImageOptimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageOptimizer{logger: logger}
}

// Optimize decodes src and writes the JPEG result to dst. The capture time
// found in the source EXIF becomes the modification time of dst.
func (o *ImageOptimizer) Optimize(ctx context.Context, src, dst string, profile domain.OptimizeProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := scaledDimensions(bounds.Dx(), bounds.Dy(), profile.MaxDimension)

	// JPEG has no alpha, so transparent pixels are laid on white
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	if width == bounds.Dx() && height == bounds.Dy() {
		draw.Draw(canvas, canvas.Bounds(), img, bounds.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(canvas, canvas.Bounds(), img, bounds, draw.Over, nil)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: jpegQuality(profile.Quality)}); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	if err := writeFileAtomic(dst, buf.Bytes(), 0644); err != nil {
		return err
	}

	if taken, ok := captureTime(data); ok {
		if err := os.Chtimes(dst, taken, taken); err != nil {
			o.logger.Debug("Failed to set capture time", zap.String("path", dst), zap.Error(err))
		}
	}

	o.logger.Debug("Image optimized",
		zap.String("format", format),
		zap.Int("orig_width", bounds.Dx()),
		zap.Int("orig_height", bounds.Dy()),
		zap.Int("new_width", width),
		zap.Int("new_height", height),
		zap.Int("input_size", len(data)),
		zap.Int("output_size", buf.Len()))
	return nil
}

// scaledDimensions fits width x height into a maxDim box keeping the aspect
// ratio. A maxDim of zero or less keeps the size.
func scaledDimensions(width, height, maxDim int) (int, int) {
	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return width, height
	}
	if width >= height {
		h := height * maxDim / width
		if h < 1 {
			h = 1
		}
		return maxDim, h
	}
	w := width * maxDim / height
	if w < 1 {
		w = 1
	}
	return w, maxDim
}

// captureTime reads DateTimeOriginal from EXIF, falling back to CreateDate
func captureTime(data []byte) (time.Time, bool) {
	exif, err := imagemeta.Decode(bytes.NewReader(data))
	if err != nil {
		return time.Time{}, false
	}
	if t := exif.DateTimeOriginal(); !t.IsZero() {
		return t, true
	}
	if t := exif.CreateDate(); !t.IsZero() {
		return t, true
	}
	return time.Time{}, false
}

// jpegQuality maps the configured 0-100 quality onto the encoder's 1-100 scale
func jpegQuality(q int) int {
	return min(max(q, 1), 100)
}
