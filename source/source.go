// Package source contains camera pipelines that deliver raw frames to a
// callback.
//
// A Source calls its Handler synchronously for every frame, so the handler
// must return quickly. Run blocks until ctx is cancelled or the source fails.
package source

import (
	"context"
	"image"
)

// Handler receives one raw frame.
type Handler func(img image.Image)

type Source interface {
	Run(ctx context.Context, h Handler) error
}
