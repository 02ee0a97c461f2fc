package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"
)

var (
	// ErrNoSource is returned when every strategy of the ladder failed
	ErrNoSource = errors.New("no usable source")
	// ErrReadTimeout is returned when no frame arrived within the read timeout
	ErrReadTimeout = errors.New("frame read timed out")
	// ErrUnreadable is returned when a session opened but never produced a frame
	ErrUnreadable = errors.New("source opened but no frame could be read")
)

// Descriptor identifies a logical stream and where its video comes from
type Descriptor struct {
	ID    string
	URL   string
	Audio bool
}

// Scheme returns the lower-cased URL scheme, or "" for plain paths
func (d Descriptor) Scheme() string {
	i := strings.Index(d.URL, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(d.URL[:i])
}

// IsRTSP reports whether the source uses the RTSP protocol
func (d Descriptor) IsRTSP() bool {
	s := d.Scheme()
	return s == "rtsp" || s == "rtsps"
}

// IsHTTP reports whether the source is served over HTTP(S)
func (d Descriptor) IsHTTP() bool {
	s := d.Scheme()
	return s == "http" || s == "https"
}

// Frame is one decoded picture. It lives for a single loop iteration.
type Frame struct {
	Image      image.Image
	Seq        uint64
	CapturedAt time.Time
}

// FrameSource yields decoded frames from one active capture session
type FrameSource interface {
	// Next blocks until a frame is available, the read fails, or ctx is done.
	// It returns io.EOF when the source ended normally.
	Next(ctx context.Context) (*Frame, error)
	// Interval is the nominal time between frames at 1x speed
	Interval() time.Duration
	// Name identifies the strategy that produced the session
	Name() string
	// Synthetic reports whether frames are generated rather than captured
	Synthetic() bool
	Close() error
}

// Strategy is one rung of the connection ladder
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, desc Descriptor) (FrameSource, error)
}

// ConnectError reports a strategy that could not open a usable session
type ConnectError struct {
	Strategy string
	URL      string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s via %s: %v", e.URL, e.Strategy, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ReadError reports a failed frame read on an open session
type ReadError struct {
	Source string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read from %s: %v", e.Source, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}
