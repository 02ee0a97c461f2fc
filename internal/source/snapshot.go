package source

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"
)

// IsImageEndpoint reports whether an HTTP URL serves single still images
// rather than a continuous stream
func IsImageEndpoint(url string) bool {
	return (strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")) &&
		(strings.Contains(url, ".jpg") || strings.Contains(url, ".jpeg") || strings.Contains(url, "image"))
}

// Snapshot polls an HTTP still-image endpoint, one request per frame
type Snapshot struct {
	client   *http.Client
	interval time.Duration
}

// NewSnapshot creates the polling strategy
func NewSnapshot(timeout time.Duration, fps int) *Snapshot {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	interval := 100 * time.Millisecond
	if fps > 0 && time.Second/time.Duration(fps) > interval {
		interval = time.Second / time.Duration(fps)
	}
	return &Snapshot{
		client:   &http.Client{Timeout: timeout},
		interval: interval,
	}
}

func (s *Snapshot) Name() string {
	return "http-snapshot"
}

func (s *Snapshot) Attempt(ctx context.Context, desc Descriptor) (FrameSource, error) {
	src := &snapshotSource{url: desc.URL, client: s.client, interval: s.interval}

	frame, err := src.Next(ctx)
	if err != nil {
		return nil, &ConnectError{Strategy: s.Name(), URL: desc.URL, Err: fmt.Errorf("%w: %w", ErrUnreadable, err)}
	}
	src.pending = frame
	return src, nil
}

type snapshotSource struct {
	url      string
	client   *http.Client
	interval time.Duration
	seq      uint64
	pending  *Frame
}

func (s *snapshotSource) Next(ctx context.Context) (*Frame, error) {
	if frame := s.pending; frame != nil {
		s.pending = nil
		return frame, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, &ReadError{Source: "http-snapshot", Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ReadError{Source: "http-snapshot", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &ReadError{Source: "http-snapshot", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, &ReadError{Source: "http-snapshot", Err: fmt.Errorf("decoding image: %w", err)}
	}

	s.seq++
	return &Frame{Image: img, Seq: s.seq, CapturedAt: time.Now()}, nil
}

func (s *snapshotSource) Interval() time.Duration {
	return s.interval
}

func (s *snapshotSource) Name() string {
	return "http-snapshot"
}

func (s *snapshotSource) Synthetic() bool {
	return false
}

func (s *snapshotSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
