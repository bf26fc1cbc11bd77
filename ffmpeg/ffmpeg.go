package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/brutella/hc/log"
	"github.com/patrickmn/go-cache"

	"github.com/ra1nb0w/camstream/source"
)

var Stderr io.Writer = io.Discard

// EnableVerboseLogging forwards the ffmpeg log to stderr.
func EnableVerboseLogging() {
	Stderr = os.Stderr
}

const maxFrameSize = 16 << 20

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// Capture runs ffmpeg against the configured device and delivers every
// frame it produces.
type Capture struct {
	cfg       Config
	mutex     sync.Mutex
	snapCache *cache.Cache
}

// New returns a capture for cfg. ffmpeg is not started until Run.
func New(cfg Config) *Capture {
	return &Capture{
		cfg: cfg,
		// how long a snapshot is reused
		snapCache: cache.New(10*time.Second, 10*time.Second),
	}
}

// Run starts ffmpeg and blocks until ctx is cancelled or ffmpeg exits.
func (c *Capture) Run(ctx context.Context, h source.Handler) error {
	args := captureArgs(c.cfg)
	log.Debug.Println(c.cfg.binary(), args)

	cmd := exec.CommandContext(ctx, c.cfg.binary(), args...)
	// let ffmpeg release the device cleanly
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = 3 * time.Second
	cmd.Stderr = Stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	log.Info.Printf("ffmpeg capturing %s (pid %d)", c.cfg.VideoFilename, cmd.Process.Pid)

	frames := 0
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 1<<20), maxFrameSize)
	scanner.Split(splitJPEG)
	for scanner.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			log.Debug.Println("skip malformed frame:", err)
			continue
		}
		frames++
		h(img)
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// ffmpeg is still writing and nobody reads the pipe anymore
		cmd.Process.Kill()
	}

	// avoid zombie (SIGCHLD)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if scanErr != nil {
		return fmt.Errorf("read ffmpeg output: %w", scanErr)
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpeg exited after %d frames: %w", frames, waitErr)
	}
	return fmt.Errorf("ffmpeg exited after %d frames", frames)
}

// Snapshot grabs a single frame scaled to width. Results are cached briefly
// so repeated requests do not reopen the device.
func (c *Capture) Snapshot(ctx context.Context, width uint) (image.Image, error) {
	key := strconv.FormatUint(uint64(width), 10)
	if img, found := c.snapCache.Get(key); found {
		log.Debug.Println("Return a cached snapshot")
		return img.(image.Image), nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	shot, err := snapshot(ctx, c.cfg, width)
	if err != nil {
		return nil, err
	}
	c.snapCache.Set(key, shot, cache.DefaultExpiration)
	return shot, nil
}

func captureArgs(cfg Config) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", cfg.VideoDevice,
		"-framerate", strconv.Itoa(cfg.framerate()),
		"-i", cfg.VideoFilename,
		"-an",
		"-f", "mjpeg",
		"-q:v", "2",
		"pipe:1",
	}
}

// splitJPEG is a bufio.SplitFunc returning one complete JPEG image, from the
// start of image marker through the end of image marker. Bytes between
// images are discarded.
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, soi)
	if start < 0 {
		if atEOF || len(data) == 0 {
			return len(data), nil, nil
		}
		// the last byte may be the first half of a marker
		return len(data) - 1, nil, nil
	}

	end := bytes.Index(data[start+len(soi):], eoi)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start + len(soi) + len(eoi)
	return end, data[start:end], nil
}
