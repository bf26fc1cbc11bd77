package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brutella/hc/log"
	"github.com/radovskyb/watcher"

	"github.com/ra1nb0w/camstream/framestore"
	"github.com/ra1nb0w/camstream/mjpeg"
)

func init() {
	log.Info.SetOutput(io.Discard)
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.White)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func collect(n int) (Handler, <-chan image.Image) {
	ch := make(chan image.Image, n)
	return func(img image.Image) {
		select {
		case ch <- img:
		default:
		}
	}, ch
}

func waitImage(t *testing.T, ch <-chan image.Image) image.Image {
	t.Helper()
	select {
	case img := <-ch:
		return img
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return nil
}

func run(t *testing.T, src Source, h Handler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- src.Run(ctx, h)
	}()
	return cancel, errc
}

func waitReturn(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("source did not stop")
	}
}

func TestPattern(t *testing.T) {
	h, frames := collect(10)
	cancel, errc := run(t, &Pattern{Width: 64, Height: 48, FPS: 100}, h)

	first := waitImage(t, frames)
	second := waitImage(t, frames)
	if b := first.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("unexpected bounds %v", b)
	}
	if bytes.Equal(first.(*image.RGBA).Pix, second.(*image.RGBA).Pix) {
		t.Error("consecutive frames are identical")
	}

	cancel()
	waitReturn(t, errc)
}

func TestDir(t *testing.T) {
	dir := t.TempDir()
	h, frames := collect(10)
	cancel, errc := run(t, &Dir{Path: dir, Poll: 20 * time.Millisecond}, h)

	if err := os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("not a jpeg"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	data := testJPEG(t, 32, 24)
	deadline := time.Now().Add(3 * time.Second)
	var got image.Image
	for i := 0; got == nil; i++ {
		if time.Now().After(deadline) {
			t.Fatal("no frame delivered")
		}
		// files present before the watcher scanned the dir are not events
		name := filepath.Join(dir, fmt.Sprintf("frame-%d.jpg", i))
		if err := os.WriteFile(name, data, 0644); err != nil {
			t.Fatal(err)
		}
		select {
		case got = <-frames:
		case <-time.After(200 * time.Millisecond):
		}
	}
	if b := got.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Errorf("unexpected bounds %v", b)
	}

	cancel()
	waitReturn(t, errc)
}

func TestDirRename(t *testing.T) {
	dir := t.TempDir()
	data := testJPEG(t, 16, 8)

	// staged before the first scan, so only the renames are events
	const staged = 20
	for i := 0; i < staged; i++ {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("staged-%d.jpg", i)), data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	h, frames := collect(10)
	cancel, errc := run(t, &Dir{Path: dir, Poll: 20 * time.Millisecond}, h)

	var got image.Image
	for i := 0; got == nil; i++ {
		if i == staged {
			t.Fatal("no frame delivered for a renamed file")
		}
		from := filepath.Join(dir, fmt.Sprintf("staged-%d.jpg", i))
		if err := os.Rename(from, filepath.Join(dir, fmt.Sprintf("frame-%d.jpg", i))); err != nil {
			t.Fatal(err)
		}
		select {
		case got = <-frames:
		case <-time.After(200 * time.Millisecond):
		}
	}
	if b := got.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Errorf("unexpected bounds %v", b)
	}

	cancel()
	waitReturn(t, errc)
}

func TestEventPath(t *testing.T) {
	for _, tt := range []struct {
		ev   watcher.Event
		want string
	}{
		{watcher.Event{Op: watcher.Create, Path: "/in/a.jpg"}, "/in/a.jpg"},
		{watcher.Event{Op: watcher.Rename, Path: "/in/a.jpg -> /in/b.jpg"}, "/in/b.jpg"},
		{watcher.Event{Op: watcher.Move, Path: "/tmp/a.jpg -> /in/a.jpg"}, "/in/a.jpg"},
	} {
		if got := eventPath(tt.ev); got != tt.want {
			t.Errorf("%v: got %q, want %q", tt.ev.Op, got, tt.want)
		}
	}
}

func TestDirMissing(t *testing.T) {
	d := &Dir{Path: filepath.Join(t.TempDir(), "missing")}
	if err := d.Run(context.Background(), func(image.Image) {}); err == nil {
		t.Error("expected an error for a missing directory")
	}
}

func TestURL(t *testing.T) {
	data := testJPEG(t, 40, 30)
	connections := make(chan struct{}, 10)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connections <- struct{}{}
		w.Header().Set("Content-Type", mjpeg.ContentType)
		for i := 0; i < 2; i++ {
			f := framestore.NewFrame(data, uint64(i+1))
			if err := mjpeg.WritePart(w, f); err != nil {
				return
			}
		}
		// dropping the connection makes the source reconnect
	}))
	defer ts.Close()

	h, frames := collect(10)
	cancel, errc := run(t, &URL{URL: ts.URL}, h)

	for i := 0; i < 3; i++ {
		img := waitImage(t, frames)
		if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 30 {
			t.Fatalf("unexpected bounds %v", b)
		}
	}
	if len(connections) < 2 {
		t.Errorf("expected a reconnect, saw %d connections", len(connections))
	}

	cancel()
	waitReturn(t, errc)
}

func TestURLBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	u := &URL{URL: ts.URL}
	n, err := u.pull(context.Background(), func(image.Image) {})
	if err == nil || n != 0 {
		t.Errorf("expected a status error, got %d %v", n, err)
	}
}
