// Package images - Frame view over raw captured pixels.
package images

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// BytesPerPixel is the size of one frame pixel: alpha (unused), red, green, blue.
const BytesPerPixel = 4

var (
	// ErrFrameBounds is returned when a pixel outside the frame is requested.
	ErrFrameBounds = errors.New("pixel out of frame bounds")
	// ErrFrameTooSmall is returned when a frame cannot cover a sampling window.
	ErrFrameTooSmall = errors.New("frame smaller than sampling window")
	// ErrFrameData is returned when the pixel buffer does not match the dimensions.
	ErrFrameData = errors.New("frame data does not match dimensions")
)

// Pixel is a single frame pixel in alpha-skip-first order.
type Pixel struct {
	A uint8
	R uint8
	G uint8
	B uint8
}

// Frame is one captured camera image in raw pixel form.
//
// Pixels are stored row by row, 4 bytes each, in alpha-skip-first order:
// byte 0 is the (ignored) alpha channel followed by red, green and blue.
// A Frame is treated as immutable once handed to the pipeline.
type Frame struct {
	// Width is the frame width in pixels.
	Width int `json:"width" yaml:"width"`
	// Height is the frame height in pixels.
	Height int `json:"height" yaml:"height"`
	// Stride is the number of bytes between the starts of two rows.
	Stride int `json:"stride" yaml:"stride"`
	// Pix holds the raw pixel bytes.
	Pix []byte `json:"-" yaml:"-"`
}

// NewFrame creates a tightly packed frame over pix.
//
// Arguments:
//   - width: The frame width in pixels.
//   - height: The frame height in pixels.
//   - pix: The raw pixel bytes, at least width*height*4 long.
//
// Returns:
//   - *Frame: The frame view.
//   - error: ErrFrameData if the buffer is too short or the dimensions are invalid.
func NewFrame(width, height int, pix []byte) (*Frame, error) {
	return NewFrameWithStride(width, height, width*BytesPerPixel, pix)
}

// NewFrameWithStride creates a frame whose rows may be padded.
//
// Arguments:
//   - width: The frame width in pixels.
//   - height: The frame height in pixels.
//   - stride: The number of bytes per row, at least width*4.
//   - pix: The raw pixel bytes, at least stride*height long.
//
// Returns:
//   - *Frame: The frame view.
//   - error: ErrFrameData if the layout is inconsistent.
func NewFrameWithStride(width, height, stride int, pix []byte) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrFrameData, "invalid dimensions %dx%d", width, height)
	}
	if stride < width*BytesPerPixel {
		return nil, errors.Wrapf(ErrFrameData, "stride %d shorter than row of %d pixels", stride, width)
	}
	if len(pix) < stride*(height-1)+width*BytesPerPixel {
		return nil, errors.Wrapf(ErrFrameData, "have %d bytes for %dx%d frame with stride %d",
			len(pix), width, height, stride)
	}
	return &Frame{Width: width, Height: height, Stride: stride, Pix: pix}, nil
}

// NewBlankFrame allocates a zeroed, tightly packed frame.
func NewBlankFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Stride: width * BytesPerPixel,
		Pix:    make([]byte, width*height*BytesPerPixel),
	}
}

// Offset returns the byte offset of pixel (x, y).
//
// Arguments:
//   - x: The column of the pixel.
//   - y: The row of the pixel.
//
// Returns:
//   - int: The offset of the alpha byte of the pixel in Pix.
//   - error: ErrFrameBounds if (x, y) lies outside the frame.
func (f *Frame) Offset(x, y int) (int, error) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0, errors.Wrapf(ErrFrameBounds, "(%d,%d) outside %dx%d", x, y, f.Width, f.Height)
	}
	return y*f.Stride + x*BytesPerPixel, nil
}

// At returns the pixel at (x, y).
func (f *Frame) At(x, y int) (Pixel, error) {
	off, err := f.Offset(x, y)
	if err != nil {
		return Pixel{}, err
	}
	p := f.Pix[off : off+BytesPerPixel : off+BytesPerPixel]
	return Pixel{A: p[0], R: p[1], G: p[2], B: p[3]}, nil
}

// Set writes the pixel at (x, y).
func (f *Frame) Set(x, y int, px Pixel) error {
	off, err := f.Offset(x, y)
	if err != nil {
		return err
	}
	f.Pix[off] = px.A
	f.Pix[off+1] = px.R
	f.Pix[off+2] = px.G
	f.Pix[off+3] = px.B
	return nil
}

// Covers reports whether the frame spans at least a width x height window
// anchored at the top-left corner.
func (f *Frame) Covers(width, height int) error {
	if f == nil {
		return errors.Wrap(ErrFrameData, "frame is nil")
	}
	if f.Width < width || f.Height < height {
		return errors.Wrapf(ErrFrameTooSmall, "frame %dx%d, window %dx%d", f.Width, f.Height, width, height)
	}
	return nil
}

// Bounds returns the frame rectangle.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// ToImage copies the frame into an opaque RGBA image.
func (f *Frame) ToImage() *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride:]
		for x := 0; x < f.Width; x++ {
			off := x * BytesPerPixel
			i := img.PixOffset(x, y)
			img.Pix[i] = row[off+1]
			img.Pix[i+1] = row[off+2]
			img.Pix[i+2] = row[off+3]
			img.Pix[i+3] = 0xff
		}
	}
	return img
}

// FrameFromImage converts any image into an alpha-skip-first frame.
//
// Arguments:
//   - img: The source image. Its bounds origin is moved to (0, 0).
//
// Returns:
//   - *Frame: A tightly packed frame with alpha bytes set to 0xff.
func FrameFromImage(img image.Image) *Frame {
	b := img.Bounds()
	f := NewBlankFrame(b.Dx(), b.Dy())
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			off := y*f.Stride + x*BytesPerPixel
			f.Pix[off] = 0xff
			f.Pix[off+1] = c.R
			f.Pix[off+2] = c.G
			f.Pix[off+3] = c.B
		}
	}
	return f
}
