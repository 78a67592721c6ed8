package images

import (
	"image"
	"image/draw"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Interpolation selects the resampling filter used when resizing frames.
type Interpolation string

const (
	// InterpolationNearest is nearest-neighbor resampling.
	InterpolationNearest Interpolation = "nearest"
	// InterpolationBilinear is bilinear resampling.
	InterpolationBilinear Interpolation = "bilinear"
	// InterpolationLanczos is Lanczos-3 resampling.
	InterpolationLanczos Interpolation = "lanczos"
)

func (i Interpolation) function() resize.InterpolationFunction {
	switch i {
	case InterpolationNearest:
		return resize.NearestNeighbor
	case InterpolationLanczos:
		return resize.Lanczos3
	default:
		return resize.Bilinear
	}
}

// ResizeImage resizes an image to exactly width x height.
//
// Arguments:
//   - src: The image to resize.
//   - width: The target width.
//   - height: The target height.
//   - interp: The resampling filter.
//
// Returns:
//   - image.Image: The resized image.
//   - error: An error if the target dimensions are not positive.
func ResizeImage(src image.Image, width, height int, interp Interpolation) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid target dimensions %dx%d", width, height)
	}
	return resize.Resize(uint(width), uint(height), src, interp.function()), nil
}

// FitWindow scales a frame so that it covers a width x height window and
// center-crops the overflow.
//
// Frames that already cover the window are returned unchanged, which keeps
// the top-left sampling window of the preprocessor intact.
//
// Arguments:
//   - f: The source frame.
//   - width: The window width.
//   - height: The window height.
//   - interp: The resampling filter.
//
// Returns:
//   - *Frame: A frame with Width >= width and Height >= height.
//   - error: An error if the frame is nil or the window is invalid.
func FitWindow(f *Frame, width, height int, interp Interpolation) (*Frame, error) {
	if f == nil {
		return nil, errors.Wrap(ErrFrameData, "frame is nil")
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid window %dx%d", width, height)
	}
	if f.Covers(width, height) == nil {
		return f, nil
	}

	// Scale by the larger ratio so both sides reach the window.
	sx := float64(width) / float64(f.Width)
	sy := float64(height) / float64(f.Height)
	scale := sx
	if sy > scale {
		scale = sy
	}
	sw := ceilInt(float64(f.Width) * scale)
	sh := ceilInt(float64(f.Height) * scale)
	if sw < width {
		sw = width
	}
	if sh < height {
		sh = height
	}

	scaled, err := ResizeImage(f.ToImage(), sw, sh, interp)
	if err != nil {
		return nil, err
	}

	x0 := (sw - width) / 2
	y0 := (sh - height) / 2
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	sb := scaled.Bounds()
	draw.Draw(dst, dst.Bounds(), scaled, image.Pt(sb.Min.X+x0, sb.Min.Y+y0), draw.Src)

	return FrameFromImage(dst), nil
}

func ceilInt(v float64) int {
	i := int(v)
	if float64(i) < v {
		i++
	}
	return i
}
