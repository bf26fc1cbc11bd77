package source

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/brutella/hc/log"
	"github.com/radovskyb/watcher"
)

var imageFile = regexp.MustCompile(`(?i)\.(jpe?g|png)$`)

// Dir delivers every JPEG or PNG image written or renamed into a directory.
// It suits cameras that drop stills onto disk, e.g. motion or an FTP upload
// target, including writers that stage a file and rename it into place.
type Dir struct {
	Path string
	// Poll is the scan interval, 100ms if zero.
	Poll time.Duration
}

func (d *Dir) Run(ctx context.Context, h Handler) error {
	poll := d.Poll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	w := watcher.New()
	w.SetMaxEvents(1)
	w.FilterOps(watcher.Create, watcher.Write, watcher.Rename, watcher.Move)
	w.AddFilterHook(watcher.RegexFilterHook(imageFile, false))

	if err := w.Add(d.Path); err != nil {
		return fmt.Errorf("watch %s: %w", d.Path, err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- w.Start(poll)
	}()
	w.Wait()

	for {
		select {
		case <-ctx.Done():
			stop(w)
			return nil
		case ev := <-w.Event:
			if ev.IsDir() {
				continue
			}
			path := eventPath(ev)
			img, err := decodeFile(path)
			if err != nil {
				// partially written or not an image at all
				log.Debug.Println("skip", path, err)
				continue
			}
			h(img)
		case err := <-w.Error:
			log.Info.Println("dir source:", err)
		case <-w.Closed:
			return nil
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("watch %s: %w", d.Path, err)
			}
			return nil
		}
	}
}

// stop closes w. The watcher blocks on unread channels, so they are drained
// until it acknowledges.
func stop(w *watcher.Watcher) {
	go w.Close()
	for {
		select {
		case <-w.Event:
		case <-w.Error:
		case <-w.Closed:
			return
		}
	}
}

// eventPath returns the file an event refers to now. Rename and move events
// report "old -> new" as their path.
func eventPath(ev watcher.Event) string {
	if ev.Op == watcher.Rename || ev.Op == watcher.Move {
		if i := strings.LastIndex(ev.Path, renameSep); i >= 0 {
			return ev.Path[i+len(renameSep):]
		}
	}
	return ev.Path
}

const renameSep = " -> "

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}
