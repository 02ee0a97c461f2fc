package source

import (
	"context"
	"fmt"
	"io"
	"time"
)

// SubprocessDecoder runs ffmpeg as an MJPEG image-sequence producer and splits
// its stdout on JPEG markers. It is the last real-source rung of the RTSP ladder.
type SubprocessDecoder struct {
	ffmpeg      string
	width       int
	fps         int
	readTimeout time.Duration
}

// NewSubprocessDecoder creates the subprocess strategy
func NewSubprocessDecoder(ffmpeg string, width, fps int, readTimeout time.Duration) *SubprocessDecoder {
	if width <= 0 {
		width = 640
	}
	if fps <= 0 {
		fps = 15
	}
	if readTimeout <= 0 {
		readTimeout = 20 * time.Second
	}
	return &SubprocessDecoder{
		ffmpeg:      ffmpeg,
		width:       width,
		fps:         fps,
		readTimeout: readTimeout,
	}
}

func (d *SubprocessDecoder) Name() string {
	return "subprocess"
}

func (d *SubprocessDecoder) Attempt(ctx context.Context, desc Descriptor) (FrameSource, error) {
	src, err := startProcess(ctx, processConfig{
		name:        d.Name(),
		binary:      d.ffmpeg,
		args:        d.args(desc),
		interval:    time.Second / time.Duration(d.fps),
		readTimeout: d.readTimeout,
	}, func(r io.Reader) framer {
		return newMJPEGFramer(r)
	})
	if err != nil {
		return nil, &ConnectError{Strategy: d.Name(), URL: desc.URL, Err: err}
	}

	if err := src.confirm(ctx); err != nil {
		return nil, &ConnectError{Strategy: d.Name(), URL: desc.URL, Err: err}
	}
	return src, nil
}

func (d *SubprocessDecoder) args(desc Descriptor) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if desc.IsRTSP() {
		args = append(args, "-rtsp_transport", "tcp", "-timeout", micros(d.readTimeout))
	}
	return append(args,
		"-i", desc.URL,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:-2", d.width),
		"-r", fmt.Sprintf("%d", d.fps),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
}
