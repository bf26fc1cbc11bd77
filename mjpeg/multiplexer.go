package mjpeg

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/ra1nb0w/camstream/framestore"
)

// ErrClosed is returned by Stream when the frame store is closed.
var ErrClosed = errors.New("frame store closed")

const (
	DefaultMaxFPS  = 30
	DefaultMaxWait = time.Second
)

// Options tune the per client loop. Zero values mean the defaults.
type Options struct {
	// MaxFPS caps how many frames per second a single client receives.
	MaxFPS int
	// MaxWait bounds a single wait for a new frame.
	MaxWait time.Duration
}

// Multiplexer runs independent stream loops over a shared frame store.
type Multiplexer struct {
	store    *framestore.Store
	interval time.Duration
	maxWait  time.Duration
	active   atomic.Int64
}

func NewMultiplexer(store *framestore.Store, opts Options) *Multiplexer {
	if opts.MaxFPS <= 0 {
		opts.MaxFPS = DefaultMaxFPS
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	return &Multiplexer{
		store:    store,
		interval: time.Second / time.Duration(opts.MaxFPS),
		maxWait:  opts.MaxWait,
	}
}

// Active returns the number of running stream loops.
func (m *Multiplexer) Active() int {
	return int(m.active.Load())
}

// PartSink returns a Sink writing multipart parts to w. flush, if not nil, is
// called after every part.
func (m *Multiplexer) PartSink(w io.Writer, flush func() error) Sink {
	return &partSink{w: w, flush: flush}
}

// Stream sends the newest frame to sink whenever the sequence number moves,
// at most MaxFPS times per second. Frames published in between are skipped.
// It returns when ctx is done, the store is closed or the sink fails.
func (m *Multiplexer) Stream(ctx context.Context, sink Sink) error {
	m.active.Add(1)
	defer m.active.Add(-1)

	var (
		lastSeq  uint64
		lastSent time.Time
	)

	for {
		select {
		case <-m.store.Done():
			return ErrClosed
		default:
		}

		changed := m.store.Changed()
		f, ok := m.store.Latest()

		if ok && f.Seq() > lastSeq {
			if !lastSent.IsZero() {
				if wait := m.interval - time.Since(lastSent); wait > 0 {
					if err := m.sleep(ctx, wait); err != nil {
						return err
					}
					// a newer frame may have arrived meanwhile
					continue
				}
			}

			if err := sink.WriteFrame(f); err != nil {
				return err
			}
			lastSeq = f.Seq()
			lastSent = time.Now()
			continue
		}

		timer := time.NewTimer(m.maxWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.store.Done():
			timer.Stop()
			return ErrClosed
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Multiplexer) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.store.Done():
		return ErrClosed
	case <-timer.C:
		return nil
	}
}
