package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"os/exec"
	"strconv"
	"time"
)

// snapshot returns an image by grabbing a single frame of the video device.
func snapshot(ctx context.Context, cfg Config, width uint) (image.Image, error) {
	// kill the process if it does not complete in time
	ctx, cancel := context.WithTimeout(ctx, 3000*time.Millisecond)
	defer cancel()

	jg, err := exec.CommandContext(ctx, cfg.binary(), snapshotArgs(cfg, width)...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg snapshot: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(jg))
	if err != nil {
		return nil, err
	}
	return img, nil
}

func snapshotArgs(cfg Config, width uint) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", cfg.VideoDevice,
		"-framerate", strconv.Itoa(cfg.framerate()),
		"-i", cfg.VideoFilename,
	}
	if width > 0 {
		// height "-2" keeps the aspect ratio
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", width))
	}
	return append(args, "-frames:v", "1", "-f", "mjpeg", "pipe:1")
}
