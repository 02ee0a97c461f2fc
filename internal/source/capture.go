package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// CaptureConfig is one ffmpeg backend/transport configuration of the ladder
type CaptureConfig struct {
	Name        string
	Transport   string // forced RTSP transport, empty lets ffmpeg choose
	LowLatency  bool
	OpenTimeout time.Duration
	ReadTimeout time.Duration
	BufferSize  int
	FPS         int
	MaxWidth    int // frames wider than this are scaled down by the decoder
}

// Capture opens a source with ffprobe, then streams raw rgb24 frames from ffmpeg
type Capture struct {
	cfg     CaptureConfig
	ffmpeg  string
	ffprobe string
}

// NewCapture creates a capture strategy for the given configuration
func NewCapture(cfg CaptureConfig, ffmpeg, ffprobe string) *Capture {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &Capture{cfg: cfg, ffmpeg: ffmpeg, ffprobe: ffprobe}
}

func (c *Capture) Name() string {
	return c.cfg.Name
}

func (c *Capture) Attempt(ctx context.Context, desc Descriptor) (FrameSource, error) {
	width, height, err := c.streamInfo(ctx, desc)
	if err != nil {
		return nil, &ConnectError{Strategy: c.cfg.Name, URL: desc.URL, Err: err}
	}

	outW, outH := fitWidth(width, height, c.cfg.MaxWidth)

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, c.inputArgs(desc)...)
	args = append(args, "-an")
	if outW != width || outH != height {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", outW, outH))
	}
	args = append(args,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-r", fmt.Sprintf("%d", c.cfg.FPS),
		"-",
	)

	src, err := startProcess(ctx, processConfig{
		name:        c.cfg.Name,
		binary:      c.ffmpeg,
		args:        args,
		bufferSize:  c.cfg.BufferSize,
		interval:    time.Second / time.Duration(c.cfg.FPS),
		readTimeout: c.cfg.ReadTimeout,
	}, func(r io.Reader) framer {
		return newRawFramer(r, outW, outH)
	})
	if err != nil {
		return nil, &ConnectError{Strategy: c.cfg.Name, URL: desc.URL, Err: err}
	}

	if err := src.confirm(ctx); err != nil {
		return nil, &ConnectError{Strategy: c.cfg.Name, URL: desc.URL, Err: err}
	}
	return src, nil
}

// inputArgs returns the protocol options and input flag shared by ffprobe and ffmpeg
func (c *Capture) inputArgs(desc Descriptor) []string {
	var args []string

	switch {
	case desc.IsRTSP():
		if c.cfg.Transport != "" {
			args = append(args, "-rtsp_transport", c.cfg.Transport)
		}
		args = append(args, "-timeout", micros(c.cfg.ReadTimeout))
	case desc.IsHTTP():
		args = append(args, "-rw_timeout", micros(c.cfg.ReadTimeout))
	}

	if c.cfg.LowLatency {
		args = append(args, "-fflags", "nobuffer", "-flags", "low_delay")
	}

	return append(args, "-i", desc.URL)
}

type streamInfoResult struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
}

// streamInfo opens the source under the open timeout and reports the video dimensions
func (c *Capture) streamInfo(ctx context.Context, desc Descriptor) (int, int, error) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	args := []string{"-v", "error"}
	args = append(args, c.inputArgs(desc)...)
	args = append(args,
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
	)

	out, err := exec.CommandContext(pctx, c.ffprobe, args...).Output()
	if err != nil {
		if pctx.Err() == context.DeadlineExceeded {
			return 0, 0, fmt.Errorf("open timed out after %s", c.cfg.OpenTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return 0, 0, fmt.Errorf("ffprobe failed: %w (stderr: %s)", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return 0, 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	return parseStreamInfo(out)
}

func parseStreamInfo(out []byte) (int, int, error) {
	var res streamInfoResult
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, 0, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	if len(res.Streams) == 0 {
		return 0, 0, fmt.Errorf("no video stream found")
	}
	w, h := res.Streams[0].Width, res.Streams[0].Height
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid video dimensions %dx%d", w, h)
	}
	return w, h, nil
}

// fitWidth scales (w, h) down to maxWidth keeping the aspect ratio.
// Output dimensions are even, as most pixel formats require.
func fitWidth(w, h, maxWidth int) (int, int) {
	if maxWidth <= 0 || w <= maxWidth {
		return w, h
	}
	outH := h * maxWidth / w
	if outH%2 == 1 {
		outH--
	}
	if outH < 2 {
		outH = 2
	}
	return maxWidth &^ 1, outH
}
