package source

import (
	"context"
	"image"
	"image/color"
	"time"
)

var bars = []color.RGBA{
	{255, 255, 255, 255},
	{255, 255, 0, 255},
	{0, 255, 255, 255},
	{0, 255, 0, 255},
	{255, 0, 255, 255},
	{255, 0, 0, 255},
	{0, 0, 255, 255},
}

// Pattern generates moving colour bars at a fixed rate. It stands in for a
// camera when none is attached.
type Pattern struct {
	Width  int
	Height int
	FPS    int
}

func (p *Pattern) Run(ctx context.Context, h Handler) error {
	fps := p.FPS
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h(p.frame(n))
		}
	}
}

func (p *Pattern) frame(n int) image.Image {
	w, h := p.Width, p.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	barWidth := w/len(bars) + 1
	shift := (n * 4) % w

	for x := 0; x < w; x++ {
		c := bars[((x+shift)%w)/barWidth]
		for y := 0; y < h; y++ {
			img.SetRGBA(x, y, c)
		}
	}

	// a frame counter strip so consecutive frames always differ
	for x := 0; x < w && x < n%w; x++ {
		for y := h - 8; y < h; y++ {
			img.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
		}
	}
	return img
}
