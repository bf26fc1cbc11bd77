package mjpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ra1nb0w/camstream/framestore"
)

func TestWritePartFraming(t *testing.T) {
	data := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}
	var buf bytes.Buffer
	if err := WritePart(&buf, framestore.NewFrame(data, 1)); err != nil {
		t.Fatal(err)
	}

	want := "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 7\r\n\r\n" + string(data) + "\r\n"
	if buf.String() != want {
		t.Errorf("unexpected part:\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestPartSinkHeaderReuse(t *testing.T) {
	var buf bytes.Buffer
	sink := &partSink{w: &buf}

	sizes := []int{1234, 1234, 99, 1234}
	var want bytes.Buffer
	for i, n := range sizes {
		data := bytes.Repeat([]byte{byte(i)}, n)
		if err := sink.WriteFrame(framestore.NewFrame(data, uint64(i+1))); err != nil {
			t.Fatal(err)
		}
		want.Write(PartHeader(n))
		want.Write(data)
		want.WriteString("\r\n")
	}
	if !bytes.Equal(buf.Bytes(), want.Bytes()) {
		t.Error("reused header does not match the frame length")
	}
}

func TestPartSinkContentLengthFollowsFrameSize(t *testing.T) {
	store := framestore.New()
	m := NewMultiplexer(store, Options{})

	var buf bytes.Buffer
	flushes := 0
	sink := m.PartSink(&buf, func() error { flushes++; return nil })

	frames := [][]byte{
		bytes.Repeat([]byte("a"), 10),
		bytes.Repeat([]byte("b"), 5000),
		bytes.Repeat([]byte("c"), 10),
	}
	for i, data := range frames {
		if err := sink.WriteFrame(framestore.NewFrame(data, uint64(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	if flushes != len(frames) {
		t.Errorf("expected %d flushes, got %d", len(frames), flushes)
	}

	// a live stream has no closing boundary after the newest part
	r := NewReader(&buf)
	for i, data := range frames {
		body, err := r.Next()
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		if !bytes.Equal(body, data) {
			t.Errorf("part %d: got %d bytes, want %d", i, len(body), len(data))
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after the last part, got %v", err)
	}
}

func TestReaderDoesNotWaitForNextBoundary(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	go WritePart(pw, framestore.NewFrame([]byte("only"), 1))

	got := make(chan []byte, 1)
	go func() {
		body, _ := NewReader(pr).Next()
		got <- body
	}()

	select {
	case body := <-got:
		if string(body) != "only" {
			t.Errorf("unexpected body %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader blocked on the newest part")
	}
}

func TestReaderErrors(t *testing.T) {
	for _, tt := range []struct {
		name  string
		input string
		want  error
	}{
		{"closing boundary", "--frame--\r\n", io.EOF},
		{"wrong boundary", "--other\r\nContent-Length: 1\r\n\r\nx\r\n", ErrMalformedPart},
		{"missing length", "--frame\r\nContent-Type: image/jpeg\r\n\r\nx\r\n", ErrMalformedPart},
		{"short body", "--frame\r\nContent-Length: 10\r\n\r\nabc", io.ErrUnexpectedEOF},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tt.input)).Next()
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint64
	fail error
}

func (r *recorder) WriteFrame(f *framestore.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.seqs = append(r.seqs, f.Seq())
	return nil
}

func (r *recorder) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func runStream(m *Multiplexer, ctx context.Context, sink Sink) <-chan error {
	done := make(chan error, 1)
	go func() { done <- m.Stream(ctx, sink) }()
	return done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamWaitsForFirstFrame(t *testing.T) {
	store := framestore.New()
	m := NewMultiplexer(store, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	done := runStream(m, ctx, rec)

	time.Sleep(50 * time.Millisecond)
	if len(rec.snapshot()) != 0 {
		t.Fatal("nothing should be sent before the first publish")
	}

	store.Publish([]byte("first"))
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStreamNeverRepeatsOrReorders(t *testing.T) {
	store := framestore.New()
	m := NewMultiplexer(store, Options{MaxFPS: 1000})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	done := runStream(m, ctx, rec)

	for i := 0; i < 200; i++ {
		store.Publish([]byte(fmt.Sprintf("frame-%d", i)))
		if i%20 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	waitFor(t, func() bool {
		seqs := rec.snapshot()
		return len(seqs) > 0 && seqs[len(seqs)-1] == 200
	})
	cancel()
	<-done

	seqs := rec.snapshot()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not strictly increasing: %v", seqs)
		}
	}
}

func TestStreamPacingIsPerClient(t *testing.T) {
	store := framestore.New()
	m := NewMultiplexer(store, Options{MaxFPS: 30})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fast := &recorder{}
	slow := SinkFunc(func(f *framestore.Frame) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	runStream(m, ctx, fast)
	runStream(m, ctx, slow)

	// producer at ~60 fps for one second
	ticker := time.NewTicker(time.Second / 60)
	deadline := time.After(time.Second)
loop:
	for {
		select {
		case <-ticker.C:
			store.Publish([]byte("x"))
		case <-deadline:
			break loop
		}
	}
	ticker.Stop()

	n := len(fast.snapshot())
	if n > 33 {
		t.Errorf("client exceeded the 30 fps cap: %d frames in 1s", n)
	}
	if n < 15 {
		t.Errorf("client was held back by the slow client: %d frames in 1s", n)
	}
	if m.Active() != 2 {
		t.Errorf("expected 2 active loops, got %d", m.Active())
	}
}

func TestStreamStopsOnSinkError(t *testing.T) {
	store := framestore.New()
	store.Publish([]byte("x"))
	m := NewMultiplexer(store, Options{})

	gone := errors.New("broken pipe")
	err := m.Stream(context.Background(), &recorder{fail: gone})
	if !errors.Is(err, gone) {
		t.Errorf("expected sink error, got %v", err)
	}
	if m.Active() != 0 {
		t.Errorf("expected no active loops, got %d", m.Active())
	}
	if _, ok := store.Latest(); !ok {
		t.Error("sink failure must not touch the store")
	}
}

func TestStreamStopsOnStoreClose(t *testing.T) {
	store := framestore.New()
	m := NewMultiplexer(store, Options{MaxWait: 10 * time.Millisecond})
	done := runStream(m, context.Background(), &recorder{})

	time.Sleep(30 * time.Millisecond)
	store.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not stop after close")
	}
}
