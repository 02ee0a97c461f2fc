package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
)

const (
	// DefaultMaxWidth is the widest frame sent to subscribers
	DefaultMaxWidth = 640
	// DefaultQuality is the JPEG quality used for wire frames
	DefaultQuality = 80
)

// EncodedFrame is a compressed frame ready to be sent to subscribers
type EncodedFrame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// Codec downscales and compresses decoded frames.
// It holds no state beyond its settings and is safe for concurrent use.
type Codec struct {
	maxWidth int
	quality  int
	now      func() time.Time
}

// New creates a codec. Zero values select the defaults.
func New(maxWidth, quality int) *Codec {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Codec{
		maxWidth: maxWidth,
		quality:  quality,
		now:      time.Now,
	}
}

// Encode resizes img when it is wider than the maximum width and compresses it to JPEG
func (c *Codec) Encode(img image.Image) (*EncodedFrame, error) {
	if img == nil {
		return nil, fmt.Errorf("codec: nil frame")
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("codec: empty frame %dx%d", bounds.Dx(), bounds.Dy())
	}

	out := img
	if bounds.Dx() > c.maxWidth {
		out = Downscale(img, c.maxWidth)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("codec: jpeg encode: %w", err)
	}

	ob := out.Bounds()
	return &EncodedFrame{
		Data:      buf.Bytes(),
		Width:     ob.Dx(),
		Height:    ob.Dy(),
		Timestamp: c.now(),
	}, nil
}

// Downscale resizes img to the given width preserving the aspect ratio
// using bilinear interpolation
func Downscale(img image.Image, width int) image.Image {
	bounds := img.Bounds()
	height := bounds.Dy() * width / bounds.Dx()
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}
