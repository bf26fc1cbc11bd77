// Package encoder turns raw camera images into JPEG frames.
package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/nfnt/resize"

	"github.com/ra1nb0w/camstream/quality"
)

// ErrEmptyFrame is returned for nil or zero-sized images.
var ErrEmptyFrame = errors.New("empty frame")

// Encoder compresses one raw frame with the given preset.
type Encoder interface {
	Encode(img image.Image, p quality.Preset) ([]byte, error)
}

// JPEG downscales to fit the preset resolution and encodes with the preset
// quality. Images already smaller than the preset are not enlarged.
type JPEG struct {
	Interpolation resize.InterpolationFunction
}

func NewJPEG() *JPEG {
	return &JPEG{Interpolation: resize.Bilinear}
}

func (e *JPEG) Encode(img image.Image, p quality.Preset) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyFrame
	}

	scaled := img
	if p.Width > 0 && p.Height > 0 {
		// returns img untouched when it already fits
		scaled = resize.Thumbnail(uint(p.Width), uint(p.Height), img, e.Interpolation)
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, scaled, &jpeg.Options{Quality: p.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
