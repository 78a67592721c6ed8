package capture

import (
	"context"
	"io"

	"github.com/nvr-ai/go-classify/images"
)

// PatternFunc returns the pixel at (x, y) of frame n.
type PatternFunc func(n, x, y int) images.Pixel

// Gradient is the default pattern: red follows x, green follows y and blue
// follows the frame number.
func Gradient(n, x, y int) images.Pixel {
	return images.Pixel{A: 0xff, R: uint8(x % 256), G: uint8(y % 256), B: uint8(n % 256)}
}

// PatternSource generates deterministic synthetic frames.
type PatternSource struct {
	Width  int
	Height int
	// Count limits the number of frames; 0 is unlimited.
	Count   int
	Pattern PatternFunc

	n int
}

// NewPatternSource creates a pattern source using Gradient.
func NewPatternSource(width, height, count int) *PatternSource {
	return &PatternSource{Width: width, Height: height, Count: count, Pattern: Gradient}
}

// Name implements Source.
func (p *PatternSource) Name() string {
	return "pattern"
}

// Open resets the frame counter.
func (p *PatternSource) Open(_ context.Context) error {
	p.n = 0
	if p.Pattern == nil {
		p.Pattern = Gradient
	}
	return nil
}

// Read renders the next frame.
func (p *PatternSource) Read(ctx context.Context) (*images.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Count > 0 && p.n >= p.Count {
		return nil, io.EOF
	}
	f := images.NewBlankFrame(p.Width, p.Height)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			px := p.Pattern(p.n, x, y)
			off := y*f.Stride + x*images.BytesPerPixel
			f.Pix[off] = px.A
			f.Pix[off+1] = px.R
			f.Pix[off+2] = px.G
			f.Pix[off+3] = px.B
		}
	}
	p.n++
	return f, nil
}

// Close implements Source.
func (p *PatternSource) Close() error {
	return nil
}
