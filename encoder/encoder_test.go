package encoder

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/ra1nb0w/camstream/quality"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	seed := uint32(7)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			seed = seed*1664525 + 1013904223
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(seed >> 24), A: 255})
		}
	}
	return img
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a jpeg: %v", err)
	}
	return img
}

func TestEncodeDownscalesToPreset(t *testing.T) {
	data, err := NewJPEG().Encode(testImage(1920, 1080), quality.Low)
	if err != nil {
		t.Fatal(err)
	}
	b := decode(t, data).Bounds()
	if b.Dx() != 640 || b.Dy() != 360 {
		t.Errorf("expected 640x360, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestEncodeKeepsSmallImages(t *testing.T) {
	data, err := NewJPEG().Encode(testImage(100, 50), quality.Medium)
	if err != nil {
		t.Fatal(err)
	}
	b := decode(t, data).Bounds()
	if b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("expected 100x50, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestEncodeQualityAffectsSize(t *testing.T) {
	img := testImage(320, 240)
	enc := NewJPEG()

	low, err := enc.Encode(img, quality.Low)
	if err != nil {
		t.Fatal(err)
	}
	high, err := enc.Encode(img, quality.High)
	if err != nil {
		t.Fatal(err)
	}
	if len(high) <= len(low) {
		t.Errorf("expected HIGH (%d bytes) to be larger than LOW (%d bytes)", len(high), len(low))
	}
}

func TestEncodeEmptyFrame(t *testing.T) {
	enc := NewJPEG()
	if _, err := enc.Encode(nil, quality.Low); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("expected ErrEmptyFrame for nil image, got %v", err)
	}
	empty := image.NewRGBA(image.Rect(0, 0, 0, 0))
	if _, err := enc.Encode(empty, quality.Low); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("expected ErrEmptyFrame for empty image, got %v", err)
	}
}
