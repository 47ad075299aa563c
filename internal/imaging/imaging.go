// Package imaging prepares uploaded pictures for the translation provider:
// format validation, EXIF orientation fixes, and downscaling to the
// provider's size limits.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/nfnt/resize"
	"github.com/rwcarlsen/goexif/exif"
)

// Provider ingress limits. Uploads are reduced below these before any OCR
// call; the provider itself rejects 4 MB / 4096 px.
const (
	MaxDimension = 2800
	MaxBytes     = 2 * 1024 * 1024

	jpegQualityMax = 85
	jpegQualityMin = 10
)

// Info describes a validated image.
type Info struct {
	Format string // "jpeg" or "png"
	Width  int
	Height int
}

// Validate checks that data is a decodable JPEG or PNG and returns its
// dimensions.
func Validate(data []byte) (*Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unreadable image: %w", err)
	}
	if format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("unsupported image format %q", format)
	}
	return &Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// AutoOrient applies the EXIF orientation tag so pixels match the intended
// viewing rotation, re-encoding as JPEG. Images without usable EXIF pass
// through untouched.
func AutoOrient(data []byte) ([]byte, error) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return data, nil
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return data, nil
	}
	orientation, err := tag.Int(0)
	if err != nil || orientation == 1 {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode for orientation fix: %w", err)
	}

	switch orientation {
	case 3:
		img = rotate180(img)
	case 6:
		img = rotate90(img)
	case 8:
		img = rotate270(img)
	default:
		// Mirrored orientations are rare from phone cameras; leave them.
		return data, nil
	}
	return encodeJPEG(img, jpegQualityMax)
}

// Downscale reduces the image below the provider limits: longest side at
// most MaxDimension, encoded size at most MaxBytes. Images already within
// limits pass through unchanged.
func Downscale(data []byte) ([]byte, error) {
	return downscale(data, MaxDimension, MaxBytes)
}

func downscale(data []byte, maxDim, maxBytes int) ([]byte, error) {
	info, err := Validate(data)
	if err != nil {
		return nil, err
	}
	if info.Width <= maxDim && info.Height <= maxDim && len(data) <= maxBytes {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode for downscale: %w", err)
	}

	if info.Width > maxDim || info.Height > maxDim {
		if info.Width >= info.Height {
			img = resize.Resize(uint(maxDim), 0, img, resize.Lanczos3)
		} else {
			img = resize.Resize(0, uint(maxDim), img, resize.Lanczos3)
		}
	}

	// Binary search the JPEG quality that fits the byte budget.
	lo, hi := jpegQualityMin, jpegQualityMax
	var best []byte
	for lo <= hi {
		q := (lo + hi) / 2
		encoded, err := encodeJPEG(img, q)
		if err != nil {
			return nil, err
		}
		if len(encoded) <= maxBytes {
			best = encoded
			lo = q + 1
		} else {
			hi = q - 1
		}
	}
	if best == nil {
		// Even the lowest quality overflows; return it and let the
		// provider's own limit decide.
		return encodeJPEG(img, jpegQualityMin)
	}
	return best, nil
}

// Rotate90 turns the image 90 degrees clockwise, preserving the source
// format.
func Rotate90(data []byte) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode for rotate: %w", err)
	}
	rotated := rotate90(img)
	if format == "png" {
		var buf bytes.Buffer
		if err := png.Encode(&buf, rotated); err != nil {
			return nil, fmt.Errorf("encode rotated png: %w", err)
		}
		return buf.Bytes(), nil
	}
	return encodeJPEG(rotated, jpegQualityMax)
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func rotate90(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Max.Y-1-y, x-b.Min.X, src.At(x, y))
		}
	}
	return dst
}

func rotate180(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Max.X-1-x, b.Max.Y-1-y, src.At(x, y))
		}
	}
	return dst
}

func rotate270(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(y-b.Min.Y, b.Max.X-1-x, src.At(x, y))
		}
	}
	return dst
}
