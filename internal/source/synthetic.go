package source

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	syntheticWidth  = 320
	syntheticHeight = 240
)

var (
	labelColor   = color.RGBA{255, 255, 255, 255}
	warningColor = color.RGBA{255, 255, 0, 255}
)

// Synthetic is the terminal rung of the ladder: it never fails and produces a
// labelled test pattern so subscribers always see something
type Synthetic struct {
	fps int
}

// NewSynthetic creates the test-pattern strategy
func NewSynthetic(fps int) *Synthetic {
	if fps <= 0 {
		fps = 5
	}
	return &Synthetic{fps: fps}
}

func (s *Synthetic) Name() string {
	return "synthetic"
}

func (s *Synthetic) Attempt(ctx context.Context, desc Descriptor) (FrameSource, error) {
	return NewSyntheticSource(desc.ID, s.fps), nil
}

// SyntheticSource renders the gradient test pattern with a frame counter
type SyntheticSource struct {
	streamID   string
	interval   time.Duration
	background *image.RGBA
	count      uint64
}

// NewSyntheticSource creates a generator for the given stream
func NewSyntheticSource(streamID string, fps int) *SyntheticSource {
	if fps <= 0 {
		fps = 5
	}
	return &SyntheticSource{
		streamID:   streamID,
		interval:   time.Second / time.Duration(fps),
		background: gradient(syntheticWidth, syntheticHeight),
	}
}

// gradient builds the deterministic background: blue follows rows, green
// follows columns, red follows the diagonal
func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x + y) * 255 / (w + h)),
				G: uint8(x * 255 / w),
				B: uint8(y * 255 / h),
				A: 255,
			})
		}
	}
	return img
}

func (s *SyntheticSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img := image.NewRGBA(s.background.Bounds())
	draw.Draw(img, img.Bounds(), s.background, image.Point{}, draw.Src)

	drawText(img, 10, 30, fmt.Sprintf("Demo Frame %d", s.count), labelColor)
	drawText(img, 10, 60, fmt.Sprintf("Stream: %s", shortID(s.streamID)), labelColor)
	drawText(img, 10, 90, "RTSP Stream Unavailable", warningColor)

	frame := &Frame{Image: img, Seq: s.count, CapturedAt: time.Now()}
	s.count++
	return frame, nil
}

// Count returns how many frames have been generated
func (s *SyntheticSource) Count() uint64 {
	return s.count
}

func (s *SyntheticSource) Interval() time.Duration {
	return s.interval
}

func (s *SyntheticSource) Name() string {
	return "synthetic"
}

func (s *SyntheticSource) Synthetic() bool {
	return true
}

func (s *SyntheticSource) Close() error {
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// drawText writes a label with basicfont; y is the text baseline
func drawText(img *image.RGBA, x, y int, label string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(label)
}
