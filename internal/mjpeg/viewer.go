package mjpeg

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"rtspview/internal/stream"
)

// Boundary separates the JPEG parts of the multipart response
const Boundary = "frame"

var errViewerClosed = errors.New("mjpeg viewer closed")

// Viewer is a stream subscriber that writes frames to one HTTP response
// as multipart/x-mixed-replace parts
type Viewer struct {
	id           string
	streamID     string
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
	frames uint64

	done     chan struct{}
	doneOnce sync.Once
	reason   string
}

func newViewer(streamID string, w http.ResponseWriter, writeTimeout time.Duration) *Viewer {
	return &Viewer{
		id:           "mjpeg-" + uuid.NewString(),
		streamID:     streamID,
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// ID returns the subscriber identifier
func (v *Viewer) ID() string {
	return v.id
}

// Deliver writes frames to the response. Control messages are not part of
// the MJPEG wire format; stream_stopped ends the response.
func (v *Viewer) Deliver(msg stream.Message) error {
	switch msg.Type {
	case stream.TypeFrame:
		return v.writeFrame(msg.JPEG)
	case stream.TypeStreamStopped:
		v.end(msg.Message)
	case stream.TypeError:
		log.Printf("[MJPEGStream] Stream %s: %s", v.streamID, msg.Message)
	}
	return nil
}

// Done is closed when the stream stopped sending to this viewer
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

// Frames returns how many parts were written
func (v *Viewer) Frames() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frames
}

func (v *Viewer) writeFrame(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errViewerClosed
	}

	if v.writeTimeout > 0 {
		if err := v.rc.SetWriteDeadline(time.Now().Add(v.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}

	if _, err := fmt.Fprintf(v.w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(frame)); err != nil {
		return err
	}
	if _, err := v.w.Write(frame); err != nil {
		return err
	}
	if _, err := fmt.Fprint(v.w, "\r\n"); err != nil {
		return err
	}
	if err := v.rc.Flush(); err != nil {
		return err
	}
	v.frames++
	return nil
}

func (v *Viewer) end(reason string) {
	v.doneOnce.Do(func() {
		v.reason = reason
		close(v.done)
	})
}

// close stops all further writes. The response writer must not be touched
// after the handler returns.
func (v *Viewer) close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
}
