// Package mjpeg serializes frames from a framestore into a
// multipart/x-mixed-replace stream, one paced loop per client.
package mjpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"

	"github.com/ra1nb0w/camstream/framestore"
)

// Boundary separates parts in the stream.
const Boundary = "frame"

// ContentType is the response content type of an MJPEG stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// ErrMalformedPart is returned by Reader when a part does not follow the
// framing written by WritePart.
var ErrMalformedPart = errors.New("malformed mjpeg part")

var crlf = []byte("\r\n")

// PartHeader returns the boundary line and part headers for a JPEG of n bytes,
// including the blank line that precedes the body.
func PartHeader(n int) []byte {
	return []byte(fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, n))
}

// WritePart writes one complete part: header, frame bytes and trailing CRLF.
func WritePart(w io.Writer, f *framestore.Frame) error {
	return writePart(w, PartHeader(f.Len()), f.Data())
}

func writePart(w io.Writer, header, data []byte) error {
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write(crlf)
	return err
}

// Sink receives the frames selected by a stream loop.
type Sink interface {
	WriteFrame(f *framestore.Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f *framestore.Frame) error

func (fn SinkFunc) WriteFrame(f *framestore.Frame) error {
	return fn(f)
}

// partSink reuses the previous header while consecutive frames have the same
// length, which is common for a static scene.
type partSink struct {
	w     io.Writer
	flush func() error

	lastLen    int
	lastHeader []byte
}

func (s *partSink) header(n int) []byte {
	if s.lastHeader == nil || s.lastLen != n {
		s.lastLen = n
		s.lastHeader = PartHeader(n)
	}
	return s.lastHeader
}

func (s *partSink) WriteFrame(f *framestore.Frame) error {
	if err := writePart(s.w, s.header(f.Len()), f.Data()); err != nil {
		return err
	}
	if s.flush != nil {
		return s.flush()
	}
	return nil
}

// Reader reads the parts of a stream written by WritePart. The body length
// comes from Content-Length, so a part is returned as soon as its bytes have
// arrived without waiting for the next boundary.
type Reader struct {
	r  *bufio.Reader
	tp *textproto.Reader
}

func NewReader(r io.Reader) *Reader {
	br := bufio.NewReader(r)
	return &Reader{r: br, tp: textproto.NewReader(br)}
}

// Next returns the body of the next part. It returns io.EOF at the closing
// boundary or when the stream ends between parts.
func (r *Reader) Next() ([]byte, error) {
	// the CRLF after the previous body shows up as an empty line
	line, err := r.tp.ReadLine()
	for err == nil && line == "" {
		line, err = r.tp.ReadLine()
	}
	if err != nil {
		return nil, err
	}
	switch line {
	case "--" + Boundary:
	case "--" + Boundary + "--":
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("%w: unexpected line %q", ErrMalformedPart, line)
	}

	h, err := r.tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPart, err)
	}
	n, err := strconv.Atoi(h.Get("Content-Length"))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad Content-Length %q", ErrMalformedPart, h.Get("Content-Length"))
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r.r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}
