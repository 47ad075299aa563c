package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEGTest(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// noisyImage defeats JPEG compression so size-based paths actually trigger.
func noisyImage(w, h int) *image.NRGBA {
	rng := rand.New(rand.NewSource(1))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	return img
}

func TestValidate(t *testing.T) {
	t.Run("accepts jpeg", func(t *testing.T) {
		data := encodeJPEGTest(t, image.NewNRGBA(image.Rect(0, 0, 10, 20)), 80)
		info, err := Validate(data)
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if info.Format != "jpeg" || info.Width != 10 || info.Height != 20 {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("accepts png", func(t *testing.T) {
		data := encodePNG(t, image.NewNRGBA(image.Rect(0, 0, 5, 5)))
		info, err := Validate(data)
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if info.Format != "png" {
			t.Errorf("format = %q", info.Format)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		if _, err := Validate([]byte("not an image")); err == nil {
			t.Error("expected error for garbage input")
		}
	})
}

func TestDownscale(t *testing.T) {
	t.Run("small images pass through unchanged", func(t *testing.T) {
		data := encodeJPEGTest(t, noisyImage(100, 80), 80)
		out, err := Downscale(data)
		if err != nil {
			t.Fatalf("downscale: %v", err)
		}
		if !bytes.Equal(out, data) {
			t.Error("in-limit image should not be re-encoded")
		}
	})

	t.Run("oversize dimension is reduced", func(t *testing.T) {
		data := encodeJPEGTest(t, noisyImage(600, 100), 80)
		out, err := downscale(data, 300, MaxBytes)
		if err != nil {
			t.Fatalf("downscale: %v", err)
		}
		info, err := Validate(out)
		if err != nil {
			t.Fatalf("validate output: %v", err)
		}
		if info.Width != 300 {
			t.Errorf("width = %d, want 300", info.Width)
		}
		if info.Height != 50 {
			t.Errorf("height = %d, want 50 (aspect preserved)", info.Height)
		}
	})

	t.Run("oversize bytes are compressed under budget", func(t *testing.T) {
		data := encodeJPEGTest(t, noisyImage(400, 400), 95)
		budget := len(data) / 2
		out, err := downscale(data, MaxDimension, budget)
		if err != nil {
			t.Fatalf("downscale: %v", err)
		}
		if len(out) > budget {
			t.Errorf("output %d bytes exceeds budget %d", len(out), budget)
		}
		if _, err := Validate(out); err != nil {
			t.Errorf("output not a valid image: %v", err)
		}
	})
}

func TestRotate90(t *testing.T) {
	// 2x1: red then green left-to-right. After clockwise rotation the
	// column reads red at the top.
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.Set(0, 0, color.NRGBA{R: 255, A: 255})
	src.Set(1, 0, color.NRGBA{G: 255, A: 255})

	out, err := Rotate90(encodePNG(t, src))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	img, format, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode rotated: %v", err)
	}
	if format != "png" {
		t.Errorf("format = %q, png should be preserved", format)
	}
	b := img.Bounds()
	if b.Dx() != 1 || b.Dy() != 2 {
		t.Fatalf("bounds = %v, want 1x2", b)
	}
	r, _, _, _ := img.At(0, 0).RGBA()
	if r>>8 != 255 {
		t.Errorf("top pixel should be red, got %v", img.At(0, 0))
	}
	_, g, _, _ := img.At(0, 1).RGBA()
	if g>>8 != 255 {
		t.Errorf("bottom pixel should be green, got %v", img.At(0, 1))
	}
}

func TestAutoOrientWithoutEXIF(t *testing.T) {
	data := encodeJPEGTest(t, noisyImage(10, 10), 80)
	out, err := AutoOrient(data)
	if err != nil {
		t.Fatalf("auto orient: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("image without EXIF should pass through untouched")
	}
}
