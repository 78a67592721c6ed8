package images

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ErrUnsupportedMat is returned for mats that are not 8-bit gray, BGR or BGRA.
var ErrUnsupportedMat = errors.New("unsupported mat type")

// FrameFromMat converts an OpenCV mat into an alpha-skip-first frame.
//
// Capture devices deliver BGR (or BGRA) mats; the channel order is swapped
// into R, G, B and the alpha byte is filled with 0xff.
//
// Arguments:
//   - mat: The captured mat (CV_8UC1, CV_8UC3 or CV_8UC4).
//
// Returns:
//   - *Frame: A tightly packed frame owning its own copy of the pixels.
//   - error: An error if the mat is empty or of an unsupported type.
func FrameFromMat(mat gocv.Mat) (*Frame, error) {
	if mat.Empty() {
		return nil, errors.New("mat is empty")
	}

	var channels int
	switch mat.Type() {
	case gocv.MatTypeCV8UC1:
		channels = 1
	case gocv.MatTypeCV8UC3:
		channels = 3
	case gocv.MatTypeCV8UC4:
		channels = 4
	default:
		return nil, errors.Wrapf(ErrUnsupportedMat, "type %v", mat.Type())
	}

	width, height := mat.Cols(), mat.Rows()
	data := mat.ToBytes()
	if len(data) < width*height*channels {
		return nil, errors.Wrapf(ErrFrameData, "mat holds %d bytes, need %d", len(data), width*height*channels)
	}

	f := NewBlankFrame(width, height)
	for i := 0; i < width*height; i++ {
		src := data[i*channels:]
		dst := f.Pix[i*BytesPerPixel:]
		dst[0] = 0xff
		if channels == 1 {
			dst[1], dst[2], dst[3] = src[0], src[0], src[0]
			continue
		}
		// OpenCV stores blue first.
		dst[1], dst[2], dst[3] = src[2], src[1], src[0]
	}
	return f, nil
}
