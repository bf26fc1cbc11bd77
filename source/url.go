package source

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/brutella/hc/log"
	"github.com/mattn/go-mjpeg"
)

const maxBackoff = 30 * time.Second

// URL pulls frames from an upstream MJPEG stream, typically an IP camera.
// Lost connections are retried with exponential backoff.
type URL struct {
	URL    string
	Client *http.Client
}

func (u *URL) Run(ctx context.Context, h Handler) error {
	backoff := 500 * time.Millisecond
	for {
		n, err := u.pull(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if n > 0 {
			backoff = 500 * time.Millisecond
		}
		log.Info.Printf("upstream %s: %v, retrying in %v", u.URL, err, backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pull reads one connection until it fails and returns the frame count.
func (u *URL) pull(ctx context.Context, h Handler) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
	if err != nil {
		return 0, err
	}
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	dec, err := mjpeg.NewDecoderFromResponse(resp)
	if err != nil {
		return 0, err
	}

	n := 0
	for {
		img, err := dec.Decode()
		if err != nil {
			return n, err
		}
		n++
		h(img)
	}
}
