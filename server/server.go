// Package server exposes the frame store over HTTP: the viewer page, the
// MJPEG stream, single snapshots and the status document.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/brutella/hc/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ra1nb0w/camstream/framestore"
	"github.com/ra1nb0w/camstream/mjpeg"
	"github.com/ra1nb0w/camstream/quality"
)

var (
	ErrAlreadyRunning = errors.New("server is already running")
	ErrNotRunning     = errors.New("server is not running")
)

const (
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Options configure a Server. Zero values mean the defaults.
type Options struct {
	Stream mjpeg.Options
	// WriteTimeout bounds each frame write to a streaming client.
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	addr     string
	store    *framestore.Store
	quality  *quality.Controller
	streams  *mjpeg.Multiplexer
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	running  bool
}

// New returns a server for addr. Nothing listens until Start is called.
func New(addr string, store *framestore.Store, qc *quality.Controller, opts Options) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		addr:    addr,
		store:   store,
		quality: qc,
		streams: mjpeg.NewMultiplexer(store, opts.Stream),
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream.mjpeg", s.serveStream)
	mux.HandleFunc("/stream.ws", s.serveWebSocket)
	mux.HandleFunc("/snapshot.jpg", s.serveSnapshot)
	mux.HandleFunc("/status", s.serveStatus)
	mux.HandleFunc("/", s.serveIndex)
	return recoverer(mux)
}

// Start binds the listener and serves in the background. Bind failures are
// returned to the caller.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.server = srv
	s.listener = ln
	s.cancel = cancel
	s.running = true

	go func() {
		log.Info.Println("http server listening at", ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Info.Println("http server error:", err)
		}
	}()

	return nil
}

// Stop ends every client stream, then shuts the listener down and releases
// the port.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}

	log.Info.Println("stopping http server")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if err != nil {
		s.server.Close()
	}
	// Serve may not have taken ownership of the listener yet
	if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		log.Debug.Println("close listener:", cerr)
	}

	s.running = false
	s.server = nil
	s.listener = nil

	if err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// IsRunning reports whether the listener is up.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound address while running, the configured one otherwise.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Clients returns the number of open stream connections.
func (s *Server) Clients() int {
	return s.streams.Active()
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		plainText(w, http.StatusNotFound, "Not Found")
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, indexPage)
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	f, ok := s.store.Latest()
	if !ok {
		plainText(w, http.StatusServiceUnavailable, "No frame available")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(f.Data())))
	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(f.Data()); err != nil {
		log.Debug.Println("snapshot write:", err)
	}
}

type status struct {
	Streaming  bool   `json:"streaming"`
	Quality    string `json:"quality"`
	Resolution string `json:"resolution"`
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	f, ok := s.store.Latest()
	p := s.quality.Current()

	// the preset is a bounding box; report what was actually encoded
	resolution := p.Label()
	if ok {
		if cfg, err := jpeg.DecodeConfig(bytes.NewReader(f.Data())); err == nil {
			resolution = fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
		}
	}

	body, err := json.Marshal(status{
		Streaming:  ok,
		Quality:    p.Name,
		Resolution: resolution,
	})
	if err != nil {
		panic(err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	log.Debug.Printf("stream %s: %s connected", id, r.RemoteAddr)

	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", mjpeg.ContentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	flush(rc)

	parts := s.streams.PartSink(w, func() error { return flush(rc) })
	sink := mjpeg.SinkFunc(func(f *framestore.Frame) error {
		rc.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		return parts.WriteFrame(f)
	})

	err := s.streams.Stream(r.Context(), sink)
	logStreamEnd(id, err)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug.Printf("stream %s: websocket upgrade: %v", id, err)
		return
	}
	defer conn.Close()
	log.Debug.Printf("stream %s: %s connected over websocket", id, r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the peer sends nothing; reading only detects the close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.streams.Stream(ctx, mjpeg.SinkFunc(func(f *framestore.Frame) error {
		conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		return conn.WriteMessage(websocket.BinaryMessage, f.Data())
	}))
	logStreamEnd(id, err)
}

func logStreamEnd(id string, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, mjpeg.ErrClosed):
		log.Debug.Printf("stream %s: closed", id)
	default:
		log.Debug.Printf("stream %s: client gone: %v", id, err)
	}
}

func flush(rc *http.ResponseController) error {
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func plainText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", strconv.Itoa(len(msg)))
	w.WriteHeader(code)
	io.WriteString(w, msg)
}

// recoverer turns a panicking handler into a 500 for that request only. Once
// the handler has started its response the status can no longer change, so
// the connection is dropped instead of appending an error to the body.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.Info.Printf("panic serving %s: %v\n%s", r.URL.Path, rec, debug.Stack())
			if tw.started {
				panic(http.ErrAbortHandler)
			}
			plainText(w, http.StatusInternalServerError, "Internal Server Error")
		}()
		next.ServeHTTP(tw, r)
	})
}

// trackingWriter records whether a response has been started.
type trackingWriter struct {
	http.ResponseWriter
	started bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.started = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(p)
}

func (w *trackingWriter) Flush() {
	w.FlushError()
}

// FlushError is preferred by http.ResponseController over Flush.
func (w *trackingWriter) FlushError() error {
	w.started = true
	return http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	w.started = true
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the connection deadlines.
func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
