package camstream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/brutella/hc/log"
	"github.com/fsnotify/fsnotify"

	"github.com/ra1nb0w/camstream/quality"
)

// WatchQualityFile applies the preset named in path and every later edit of
// the file until ctx is cancelled. Unreadable or unknown contents are logged
// and leave the preset unchanged.
func WatchQualityFile(ctx context.Context, path string, set func(quality.Preset)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// editors replace the file, so watch its directory
	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	if _, err := os.Stat(path); err == nil {
		applyQualityFile(path, set)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				applyQualityFile(path, set)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Info.Println("quality file:", err)
		}
	}
}

func applyQualityFile(path string, set func(quality.Preset)) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Info.Println("quality file:", err)
		return
	}
	p, err := quality.Parse(string(data))
	if err != nil {
		// also seen while the file is being rewritten
		log.Debug.Println("quality file:", err)
		return
	}
	set(p)
}
