// Package camstream serves a live camera as MJPEG over HTTP.
//
// A Service owns the frame store, the HTTP listener and the camera source.
// Frames delivered by the source are encoded with the current quality preset
// and published to every connected client.
package camstream

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brutella/hc/log"

	"github.com/ra1nb0w/camstream/encoder"
	"github.com/ra1nb0w/camstream/framestore"
	"github.com/ra1nb0w/camstream/quality"
	"github.com/ra1nb0w/camstream/server"
	"github.com/ra1nb0w/camstream/source"
)

const (
	sourceRetry       = 2 * time.Second
	sourceStopTimeout = 5 * time.Second
)

type Service struct {
	addr    string
	src     source.Source
	enc     encoder.Encoder
	quality *quality.Controller
	opts    server.Options

	store atomic.Pointer[framestore.Store]

	mu      sync.Mutex
	server  *server.Server
	cancel  context.CancelFunc
	srcDone chan struct{}
}

// NewService returns a stopped service. src may be nil, in which case frames
// are only published through HandleFrame.
func NewService(addr string, src source.Source, enc encoder.Encoder, qc *quality.Controller, opts server.Options) *Service {
	return &Service{
		addr:    addr,
		src:     src,
		enc:     enc,
		quality: qc,
		opts:    opts,
	}
}

// Start binds the listener and starts the source. A running service is
// stopped first so the port is free again.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		log.Info.Println("restarting service")
		s.stop()
	}

	store := framestore.New()
	srv := server.New(s.addr, store, s.quality, s.opts)
	if err := srv.Start(); err != nil {
		store.Close()
		return fmt.Errorf("start service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.store.Store(store)
	s.server = srv
	s.cancel = cancel
	s.srcDone = done

	if s.src == nil {
		close(done)
		return nil
	}
	go func() {
		defer close(done)
		s.runSource(ctx, store)
	}()
	return nil
}

// Stop ends every stream, releases the port and the last frame, and stops
// the source.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return server.ErrNotRunning
	}
	return s.stop()
}

func (s *Service) stop() error {
	err := s.server.Stop()
	s.store.Load().Close()
	s.cancel()

	select {
	case <-s.srcDone:
	case <-time.After(sourceStopTimeout):
		log.Info.Println("camera source did not stop in time")
	}

	s.server = nil
	return err
}

func (s *Service) runSource(ctx context.Context, store *framestore.Store) {
	handle := func(img image.Image) {
		s.publish(store, img)
	}

	for {
		err := s.src.Run(ctx, handle)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Info.Println("camera source:", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sourceRetry):
		}
		log.Debug.Println("restarting camera source")
	}
}

// HandleFrame encodes a raw frame with the current preset and publishes it.
// A frame that fails to encode is dropped and the previous one stays.
func (s *Service) HandleFrame(img image.Image) {
	if store := s.store.Load(); store != nil {
		s.publish(store, img)
	}
}

func (s *Service) publish(store *framestore.Store, img image.Image) {
	data, err := s.enc.Encode(img, s.quality.Current())
	if err != nil {
		log.Debug.Println("skip frame:", err)
		return
	}
	store.Publish(data)
}

// SetQuality changes the preset used for the next frame.
func (s *Service) SetQuality(p quality.Preset) {
	log.Info.Println("quality set to", p)
	s.quality.Set(p)
}

func (s *Service) Quality() quality.Preset {
	return s.quality.Current()
}

// Store returns the frame store of the current run, nil before the first
// Start.
func (s *Service) Store() *framestore.Store {
	return s.store.Load()
}

// Latest returns the encoded bytes of the newest frame.
func (s *Service) Latest() ([]byte, bool) {
	store := s.store.Load()
	if store == nil {
		return nil, false
	}
	f, ok := store.Latest()
	if !ok {
		return nil, false
	}
	return f.Data(), true
}

// Addr returns the address the listener is bound to.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return s.server.Addr()
	}
	return s.addr
}

func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

// Clients returns the number of open stream connections.
func (s *Service) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return 0
	}
	return s.server.Clients()
}
