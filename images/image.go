// Package images - Image definition for processing utilities.
package images

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"strings"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedFormat is returned for image formats the decoder does not handle.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrImageTooLarge is returned when an image header declares more pixels
	// than the caller allows.
	ErrImageTooLarge = errors.New("image too large")
)

// Image represents an encoded image with a format, data, width, and height.
type Image struct {
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The data of the image.
	Data []byte `json:"data" yaml:"data"`
	// The width of the image, zero until decoded.
	Width int `json:"width" yaml:"width"`
	// The height of the image, zero until decoded.
	Height int `json:"height" yaml:"height"`
}

// ImageFormat represents supported image formats
type ImageFormat string

// ImageFormat constants
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
)

// DetectFormat sniffs the format of encoded image bytes.
//
// Arguments:
//   - data: The encoded image.
//
// Returns:
//   - ImageFormat: The detected format.
//   - error: ErrUnsupportedFormat if the content type is not jpeg, png or webp.
func DetectFormat(data []byte) (ImageFormat, error) {
	ct := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(ct, "image/jpeg"):
		return FormatJPEG, nil
	case strings.HasPrefix(ct, "image/png"):
		return FormatPNG, nil
	case strings.HasPrefix(ct, "image/webp"):
		return FormatWebP, nil
	}
	return "", errors.Wrapf(ErrUnsupportedFormat, "content type %q", ct)
}

// Decode decodes an encoded image into a Go image.
//
// When img.Format is empty the format is detected from the data. Width and
// Height are filled in on success.
//
// Arguments:
//   - img: The encoded image.
//
// Returns:
//   - image.Image: The decoded image.
//   - error: An error if the format is unsupported or the data is corrupt.
func Decode(img *Image) (image.Image, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, errors.New("no image data")
	}
	if img.Format == "" {
		format, err := DetectFormat(img.Data)
		if err != nil {
			return nil, err
		}
		img.Format = format
	}

	var (
		out image.Image
		err error
	)
	r := bytes.NewReader(img.Data)
	switch img.Format {
	case FormatJPEG:
		out, err = jpeg.Decode(r)
	case FormatPNG:
		out, err = png.Decode(r)
	case FormatWebP:
		out, err = webp.Decode(r)
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "format %q", img.Format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", img.Format)
	}

	img.Width = out.Bounds().Dx()
	img.Height = out.Bounds().Dy()
	return out, nil
}

// DecodeConfig reads the format and dimensions from the image header without
// decoding the pixels.
func DecodeConfig(data []byte) (ImageFormat, image.Config, error) {
	format, err := DetectFormat(data)
	if err != nil {
		return "", image.Config{}, err
	}

	var cfg image.Config
	r := bytes.NewReader(data)
	switch format {
	case FormatJPEG:
		cfg, err = jpeg.DecodeConfig(r)
	case FormatPNG:
		cfg, err = png.DecodeConfig(r)
	case FormatWebP:
		cfg, err = webp.DecodeConfig(r)
	}
	if err != nil {
		return "", image.Config{}, errors.Wrapf(err, "decode %s header", format)
	}
	return format, cfg, nil
}

// DecodeFrame decodes encoded image bytes straight into a Frame.
func DecodeFrame(data []byte) (*Frame, error) {
	return DecodeFrameLimit(data, 0)
}

// DecodeFrameLimit decodes encoded image bytes into a Frame, rejecting images
// whose header declares more than maxPixels pixels before any pixel memory
// is allocated.
//
// Arguments:
//   - data: The encoded image.
//   - maxPixels: The largest accepted width*height, 0 for no limit.
//
// Returns:
//   - *Frame: The decoded frame.
//   - error: ErrImageTooLarge, ErrUnsupportedFormat or a decode error.
func DecodeFrameLimit(data []byte, maxPixels int) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.New("no image data")
	}
	format, cfg, err := DecodeConfig(data)
	if err != nil {
		return nil, err
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, errors.Wrapf(ErrImageTooLarge, "%dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)
	}

	src, err := Decode(&Image{Format: format, Data: data})
	if err != nil {
		return nil, err
	}
	return FrameFromImage(src), nil
}

// Encode encodes a Go image in the given format.
//
// Arguments:
//   - src: The image to encode.
//   - format: The target format.
//   - quality: The lossy quality for jpeg and webp, 1 to 100.
//
// Returns:
//   - *Image: The encoded image.
//   - error: An error if encoding fails.
func Encode(src image.Image, format ImageFormat, quality int) (*Image, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatJPEG:
		err = jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality})
	case FormatPNG:
		err = png.Encode(&buf, src)
	case FormatWebP:
		err = webp.Encode(&buf, src, &webp.Options{Quality: float32(quality)})
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "format %q", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", format)
	}
	return &Image{
		Format: format,
		Data:   buf.Bytes(),
		Width:  src.Bounds().Dx(),
		Height: src.Bounds().Dy(),
	}, nil
}
