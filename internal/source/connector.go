package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Options configures the connection ladder
type Options struct {
	FFmpegPath  string
	FFprobePath string

	// RTSP holds the capture configurations tried in order for rtsp:// sources
	RTSP []CaptureConfig
	// HTTP is the single capture configuration for http(s):// streams
	HTTP CaptureConfig
	// Generic is used for any other scheme or plain paths
	Generic CaptureConfig

	SnapshotTimeout time.Duration
	SnapshotFPS     int

	Subprocess            bool
	SubprocessWidth       int
	SubprocessFPS         int
	SubprocessReadTimeout time.Duration

	Synthetic    bool
	SyntheticFPS int
}

// DefaultOptions returns the ladder used when no configuration is provided
func DefaultOptions() Options {
	return Options{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		RTSP: []CaptureConfig{
			{Name: "tcp-low-latency", Transport: "tcp", LowLatency: true, OpenTimeout: 10 * time.Second, ReadTimeout: 10 * time.Second, FPS: 30, MaxWidth: 1280},
			{Name: "tcp-extended", Transport: "tcp", OpenTimeout: 20 * time.Second, ReadTimeout: 20 * time.Second, FPS: 30, MaxWidth: 1280},
			{Name: "auto", OpenTimeout: 15 * time.Second, ReadTimeout: 15 * time.Second, FPS: 30, MaxWidth: 1280},
		},
		HTTP:                  CaptureConfig{Name: "http", OpenTimeout: 15 * time.Second, ReadTimeout: 15 * time.Second, BufferSize: 4 * 1024 * 1024, FPS: 30, MaxWidth: 1280},
		Generic:               CaptureConfig{Name: "auto", OpenTimeout: 15 * time.Second, ReadTimeout: 15 * time.Second, FPS: 30, MaxWidth: 1280},
		SnapshotTimeout:       10 * time.Second,
		SnapshotFPS:           10,
		Subprocess:            true,
		SubprocessWidth:       640,
		SubprocessFPS:         15,
		SubprocessReadTimeout: 20 * time.Second,
		Synthetic:             true,
		SyntheticFPS:          5,
	}
}

// LadderFunc builds the ordered list of strategies for a source
type LadderFunc func(desc Descriptor) []Strategy

// Connector opens a FrameSource by walking an ordered ladder of strategies
// until one of them succeeds
type Connector struct {
	ladder LadderFunc
}

// NewConnector creates a connector with the standard ffmpeg based ladder
func NewConnector(opts Options) *Connector {
	return &Connector{ladder: StandardLadder(opts)}
}

// NewConnectorWithLadder creates a connector with a custom ladder
func NewConnectorWithLadder(ladder LadderFunc) *Connector {
	return &Connector{ladder: ladder}
}

// StandardLadder returns the scheme-dependent ladder:
// rtsp: capture configs, subprocess decoder, synthetic
// http: snapshot poller or http capture, synthetic
// other: generic capture, synthetic
func StandardLadder(opts Options) LadderFunc {
	return func(desc Descriptor) []Strategy {
		var ladder []Strategy

		switch {
		case desc.IsRTSP():
			for _, cfg := range opts.RTSP {
				ladder = append(ladder, NewCapture(cfg, opts.FFmpegPath, opts.FFprobePath))
			}
			if opts.Subprocess {
				ladder = append(ladder, NewSubprocessDecoder(opts.FFmpegPath, opts.SubprocessWidth, opts.SubprocessFPS, opts.SubprocessReadTimeout))
			}
		case desc.IsHTTP():
			if IsImageEndpoint(desc.URL) {
				ladder = append(ladder, NewSnapshot(opts.SnapshotTimeout, opts.SnapshotFPS))
			} else {
				ladder = append(ladder, NewCapture(opts.HTTP, opts.FFmpegPath, opts.FFprobePath))
			}
		default:
			ladder = append(ladder, NewCapture(opts.Generic, opts.FFmpegPath, opts.FFprobePath))
		}

		if opts.Synthetic {
			ladder = append(ladder, NewSynthetic(opts.SyntheticFPS))
		}
		return ladder
	}
}

// Ladder returns the strategies that Connect would try for desc
func (c *Connector) Ladder(desc Descriptor) []Strategy {
	return c.ladder(desc)
}

// Connect tries each strategy in order and returns the first live session.
// A failing strategy only advances the ladder.
func (c *Connector) Connect(ctx context.Context, desc Descriptor) (FrameSource, error) {
	var errs []error

	for _, strategy := range c.ladder(desc) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		log.Printf("[SourceConnector] Stream %s: trying %s", desc.ID, strategy.Name())
		src, err := strategy.Attempt(ctx, desc)
		if err == nil {
			log.Printf("[SourceConnector] Stream %s: connected via %s", desc.ID, strategy.Name())
			return src, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log.Printf("[SourceConnector] Stream %s: %s failed: %v", desc.ID, strategy.Name(), err)
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("%w for %s: empty ladder", ErrNoSource, desc.URL)
	}
	return nil, fmt.Errorf("%w for %s: %w", ErrNoSource, desc.URL, errors.Join(errs...))
}
