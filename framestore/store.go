// Package framestore holds the most recently encoded camera frame.
//
// A Store is a single slot: every Publish replaces the previous frame, whether
// or not anybody read it. Readers never block the writer and the writer never
// waits for readers.
package framestore

import (
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one encoded image. Its fields are only reachable through
// accessors so a published frame cannot be swapped or resized.
type Frame struct {
	data      []byte
	seq       uint64
	published time.Time
}

// NewFrame wraps data as a frame with sequence number seq. data must not be
// written to afterwards.
func NewFrame(data []byte, seq uint64) *Frame {
	return &Frame{data: data, seq: seq, published: time.Now()}
}

// Data returns the encoded bytes. They are shared by every reader and must
// be treated as read-only.
func (f *Frame) Data() []byte { return f.data }

// Seq is the publish order, starting at 1.
func (f *Frame) Seq() uint64 { return f.seq }

// Len is the byte length of Data.
func (f *Frame) Len() int { return len(f.data) }

func (f *Frame) Published() time.Time { return f.published }

// Store is safe for one writer and any number of readers.
type Store struct {
	current atomic.Pointer[Frame]
	seq     atomic.Uint64

	mu      sync.Mutex
	changed chan struct{}
	done    chan struct{}
	closed  bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Publish installs data as the latest frame. data is owned by the store from
// now on and the caller must not write to it again. Publishing to a closed
// store drops the frame.
func (s *Store) Publish(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.current.Store(NewFrame(data, s.seq.Add(1)))

	close(s.changed)
	s.changed = make(chan struct{})
}

// Latest returns the current frame, or false if nothing was published yet.
func (s *Store) Latest() (*Frame, bool) {
	f := s.current.Load()
	return f, f != nil
}

// Changed returns a channel that is closed by the next Publish or by Close.
// Take the channel before calling Latest so that a publish in between is not
// missed.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Done is closed once the store is closed.
func (s *Store) Done() <-chan struct{} {
	return s.done
}

// Close releases the last frame and wakes every waiting reader.
// It is safe to call more than once.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.current.Store(nil)
	close(s.changed)
	close(s.done)
}
