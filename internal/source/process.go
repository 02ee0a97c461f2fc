package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// framer reads one decoded frame from a decoder's standard output
type framer interface {
	ReadFrame() (image.Image, error)
}

// rawFramer reads fixed-size rgb24 frames
type rawFramer struct {
	r      io.Reader
	width  int
	height int
	buf    []byte
}

func newRawFramer(r io.Reader, width, height int) *rawFramer {
	return &rawFramer{
		r:      r,
		width:  width,
		height: height,
		buf:    make([]byte, width*height*3),
	}
}

func (f *rawFramer) ReadFrame() (image.Image, error) {
	if _, err := io.ReadFull(f.r, f.buf); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, f.width, f.height))
	for i, j := 0, 0; i < len(f.buf); i, j = i+3, j+4 {
		img.Pix[j] = f.buf[i]
		img.Pix[j+1] = f.buf[i+1]
		img.Pix[j+2] = f.buf[i+2]
		img.Pix[j+3] = 0xFF
	}
	return img, nil
}

// mjpegFramer splits an image2pipe MJPEG stream on JPEG markers
type mjpegFramer struct {
	r       io.Reader
	scanner *jpegScanner
	chunk   []byte
	err     error
}

func newMJPEGFramer(r io.Reader) *mjpegFramer {
	return &mjpegFramer{
		r:       r,
		scanner: newJPEGScanner(),
		chunk:   make([]byte, 8192),
	}
}

func (f *mjpegFramer) ReadFrame() (image.Image, error) {
	for {
		if data := f.scanner.Next(); data != nil {
			img, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				log.Printf("[SourceConnector] Skipping corrupt JPEG frame (%d bytes): %v", len(data), err)
				continue
			}
			return img, nil
		}
		if f.err != nil {
			return nil, f.err
		}

		n, err := f.r.Read(f.chunk)
		if n > 0 {
			f.scanner.Write(f.chunk[:n])
		}
		if err != nil {
			f.err = err
		}
	}
}

// tailWriter keeps the last bytes written to it, used for decoder stderr
type tailWriter struct {
	mu  sync.Mutex
	buf []byte
}

const tailSize = 512

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > tailSize {
		w.buf = append(w.buf[:0], w.buf[len(w.buf)-tailSize:]...)
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}

// processConfig describes a decoder subprocess
type processConfig struct {
	name        string
	binary      string
	args        []string
	bufferSize  int
	interval    time.Duration
	readTimeout time.Duration
}

// processSource is a FrameSource backed by an external decoder process.
// A pump goroutine reads stdout so Next never blocks longer than the read timeout.
type processSource struct {
	name        string
	interval    time.Duration
	readTimeout time.Duration

	cancel context.CancelFunc
	frames chan *Frame
	done   chan struct{}
	stderr *tailWriter

	// err is written by the pump before frames is closed
	err error

	pending   *Frame
	closeOnce sync.Once
}

func startProcess(ctx context.Context, cfg processConfig, newFramer func(io.Reader) framer) (*processSource, error) {
	pctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(pctx, cfg.binary, cfg.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	tail := &tailWriter{}
	cmd.Stderr = tail
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", cfg.binary, err)
	}

	bufferSize := cfg.bufferSize
	if bufferSize <= 0 {
		bufferSize = 64 * 1024
	}

	s := &processSource{
		name:        cfg.name,
		interval:    cfg.interval,
		readTimeout: cfg.readTimeout,
		cancel:      cancel,
		frames:      make(chan *Frame, 2),
		done:        make(chan struct{}),
		stderr:      tail,
	}

	go s.pump(cmd, newFramer(bufio.NewReaderSize(stdout, bufferSize)))
	return s, nil
}

func (s *processSource) pump(cmd *exec.Cmd, fr framer) {
	defer close(s.done)

	var seq uint64
	var readErr error
	for {
		img, err := fr.ReadFrame()
		if err != nil {
			readErr = err
			break
		}
		seq++
		frame := &Frame{Image: img, Seq: seq, CapturedAt: time.Now()}

		// Latest frame wins when the consumer falls behind
		select {
		case s.frames <- frame:
		default:
			select {
			case <-s.frames:
			default:
			}
			select {
			case s.frames <- frame:
			default:
			}
		}
	}

	waitErr := cmd.Wait()
	s.err = s.exitError(readErr, waitErr)
	close(s.frames)
}

func (s *processSource) exitError(readErr, waitErr error) error {
	if waitErr == nil && (errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF)) {
		return io.EOF
	}

	cause := readErr
	if waitErr != nil {
		cause = waitErr
	}
	if tail := s.stderr.String(); tail != "" {
		cause = fmt.Errorf("%w (stderr: %s)", cause, tail)
	}
	return &ReadError{Source: s.name, Err: cause}
}

// confirm reads the first frame to prove the session is alive. The frame is
// kept and returned by the next call to Next.
func (s *processSource) confirm(ctx context.Context) error {
	frame, err := s.Next(ctx)
	if err != nil {
		s.Close()
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	s.pending = frame
	return nil
}

func (s *processSource) Next(ctx context.Context) (*Frame, error) {
	if frame := s.pending; frame != nil {
		s.pending = nil
		return frame, nil
	}

	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case frame, ok := <-s.frames:
		if !ok {
			return nil, s.err
		}
		return frame, nil
	case <-timer.C:
		return nil, &ReadError{Source: s.name, Err: ErrReadTimeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *processSource) Interval() time.Duration {
	return s.interval
}

func (s *processSource) Name() string {
	return s.name
}

func (s *processSource) Synthetic() bool {
	return false
}

// Close kills the decoder and waits for the pump to exit
func (s *processSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			log.Printf("[SourceConnector] Decoder %s did not exit after kill", s.name)
		}
	})
	return nil
}

func micros(d time.Duration) string {
	return fmt.Sprintf("%d", d.Microseconds())
}
