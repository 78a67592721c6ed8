package preprocess

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-classify/images"
	"github.com/nvr-ai/go-classify/logging"
)

// ModelConfig defines preprocessing configuration for a specific model.
type ModelConfig struct {
	// Name of the model for debugging purposes.
	Name string `json:"name" yaml:"name"`
	// InputWidth is the expected width of the model input.
	InputWidth int `json:"input_width" yaml:"input_width"`
	// InputHeight is the expected height of the model input.
	InputHeight int `json:"input_height" yaml:"input_height"`
	// InputChannels is the number of channels (1 for grayscale, 3 for RGB).
	InputChannels int `json:"input_channels" yaml:"input_channels"`
	// NormalizationType defines how to normalize pixel values.
	NormalizationType NormalizationType `json:"normalization" yaml:"normalization"`
	// MeanValues for standardization (if NormalizationType is Standardize).
	MeanValues []float32 `json:"mean_values,omitempty" yaml:"mean_values,omitempty"`
	// StdValues for standardization (if NormalizationType is Standardize).
	StdValues []float32 `json:"std_values,omitempty" yaml:"std_values,omitempty"`
	// ChannelOrder defines the channel ordering (CHW or HWC).
	ChannelOrder ChannelOrder `json:"channel_order" yaml:"channel_order"`
	// ColorMode defines the color space (RGB, BGR, Grayscale).
	ColorMode ColorMode `json:"color_mode" yaml:"color_mode"`
	// Sampling defines how the input window is walked over the frame.
	Sampling SamplingOrder `json:"sampling" yaml:"sampling"`
}

// NormalizationType defines how pixel values are normalized.
type NormalizationType int

const (
	// NormalizeNone keeps pixel values as 0-255.
	NormalizeNone NormalizationType = iota
	// NormalizeZeroToOne scales pixel values to [0, 1].
	NormalizeZeroToOne
	// NormalizeMinusOneToOne scales pixel values to [-1, 1].
	NormalizeMinusOneToOne
	// NormalizeStandardize applies mean and std normalization.
	NormalizeStandardize
)

// ChannelOrder defines the ordering of image channels.
type ChannelOrder int

const (
	// ChannelOrderHWC is Height-Width-Channel ordering (TFLite, interleaved).
	ChannelOrderHWC ChannelOrder = iota
	// ChannelOrderCHW is Channel-Height-Width ordering (common for ONNX).
	ChannelOrderCHW
)

// ColorMode defines the color space of the image.
type ColorMode int

const (
	// ColorModeRGB is standard RGB color mode.
	ColorModeRGB ColorMode = iota
	// ColorModeBGR is BGR color mode (common for OpenCV models).
	ColorModeBGR
	// ColorModeGrayscale is single channel grayscale.
	ColorModeGrayscale
)

// SamplingOrder selects how output rows and columns map onto frame pixels.
type SamplingOrder string

const (
	// SamplingTransposed reads output (row, col) from frame pixel x=row, y=col.
	// This is the order the classifier was trained against.
	SamplingTransposed SamplingOrder = "transposed"
	// SamplingRowMajor reads output (row, col) from frame pixel x=col, y=row.
	SamplingRowMajor SamplingOrder = "row-major"
)

// ParseSamplingOrder parses a sampling order name.
func ParseSamplingOrder(s string) (SamplingOrder, error) {
	switch SamplingOrder(s) {
	case SamplingTransposed, "":
		return SamplingTransposed, nil
	case SamplingRowMajor:
		return SamplingRowMajor, nil
	}
	return "", errors.Errorf("unknown sampling order %q", s)
}

// Window returns the frame width and height needed to cover the input window
// under the configured sampling order.
func (c *ModelConfig) Window() (width, height int) {
	if c.Sampling == SamplingRowMajor {
		return c.InputWidth, c.InputHeight
	}
	return c.InputHeight, c.InputWidth
}

// Validate checks that the configuration is usable.
func (c *ModelConfig) Validate() error {
	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		return errors.Errorf("invalid input dimensions %dx%d", c.InputWidth, c.InputHeight)
	}
	if c.InputChannels != 1 && c.InputChannels != 3 {
		return errors.Errorf("unsupported channel count %d", c.InputChannels)
	}
	if (c.ColorMode == ColorModeGrayscale) != (c.InputChannels == 1) {
		return errors.Errorf("color mode %d does not match %d channels", c.ColorMode, c.InputChannels)
	}
	if _, err := ParseSamplingOrder(string(c.Sampling)); err != nil {
		return err
	}
	if c.NormalizationType == NormalizeStandardize {
		if len(c.MeanValues) != c.InputChannels || len(c.StdValues) != c.InputChannels {
			return errors.Errorf("standardize needs %d mean and std values", c.InputChannels)
		}
		for _, std := range c.StdValues {
			if math32.Abs(std) < 1e-6 {
				return errors.New("standard deviation must not be zero")
			}
		}
	}
	return nil
}

// Preprocessor converts frames into model input tensors.
type Preprocessor struct {
	config *ModelConfig
}

// NewPreprocessor creates a new preprocessor with the given configuration.
//
// Arguments:
// - config: The model-specific preprocessing configuration.
//
// Returns:
// - A configured Preprocessor instance.
// - error if the configuration is invalid.
//
// @example
//
//	preprocessor, err := NewPreprocessor(ClassifierConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewPreprocessor(config *ModelConfig) (*Preprocessor, error) {
	if config == nil {
		return nil, errors.New("config is nil")
	}
	if config.Sampling == "" {
		config.Sampling = SamplingTransposed
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid preprocessing config")
	}
	return &Preprocessor{config: config}, nil
}

// Config returns the preprocessing configuration.
func (p *Preprocessor) Config() *ModelConfig {
	return p.config
}

// Preprocess converts a frame into a normalized tensor.
//
// The fixed InputHeight x InputWidth window is sampled from the top-left of
// the frame; the frame size never changes the output length. Byte 0 of each
// pixel (alpha) is never read.
//
// Arguments:
// - frame: The captured frame in alpha-skip-first layout.
//
// Returns:
// - The tensor of InputHeight*InputWidth*InputChannels values.
// - error wrapping images.ErrFrameTooSmall if the frame does not cover the window.
//
// @example
//
//	tensor, err := preprocessor.Preprocess(frame)
//	if errors.Is(err, images.ErrFrameTooSmall) {
//	    // drop the frame
//	}
func (p *Preprocessor) Preprocess(frame *images.Frame) (*Tensor, error) {
	if frame == nil {
		return nil, errors.New("frame is nil")
	}
	w, h := p.config.Window()
	if err := frame.Covers(w, h); err != nil {
		return nil, errors.Wrapf(err, "preprocess %s", p.config.Name)
	}

	data := p.sample(frame)
	p.normalize(data)

	logging.Debug("preprocessed frame",
		"model", p.config.Name,
		"frame_width", frame.Width,
		"frame_height", frame.Height,
		"sampling", p.config.Sampling,
	)

	return &Tensor{Data: data, Shape: p.shape()}, nil
}

func (p *Preprocessor) shape() []int {
	c := p.config
	if c.ChannelOrder == ChannelOrderCHW {
		return []int{c.InputChannels, c.InputHeight, c.InputWidth}
	}
	return []int{c.InputHeight, c.InputWidth, c.InputChannels}
}

// sample copies the raw channel values of the input window into a new
// float32 slice, without normalization.
func (p *Preprocessor) sample(frame *images.Frame) []float32 {
	c := p.config
	height, width, channels := c.InputHeight, c.InputWidth, c.InputChannels
	plane := height * width
	out := make([]float32, plane*channels)

	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			x, y := row, col
			if c.Sampling == SamplingRowMajor {
				x, y = col, row
			}
			off := y*frame.Stride + x*images.BytesPerPixel
			r := float32(frame.Pix[off+1])
			g := float32(frame.Pix[off+2])
			b := float32(frame.Pix[off+3])

			pos := row*width + col
			if channels == 1 {
				out[pos] = 0.299*r + 0.587*g + 0.114*b
				continue
			}

			ch0, ch1, ch2 := r, g, b
			if c.ColorMode == ColorModeBGR {
				ch0, ch2 = b, r
			}
			if c.ChannelOrder == ChannelOrderCHW {
				out[pos] = ch0
				out[plane+pos] = ch1
				out[2*plane+pos] = ch2
			} else {
				out[3*pos] = ch0
				out[3*pos+1] = ch1
				out[3*pos+2] = ch2
			}
		}
	}
	return out
}

// normalize applies normalization to the tensor in place.
func (p *Preprocessor) normalize(data []float32) {
	switch p.config.NormalizationType {
	case NormalizeZeroToOne:
		for i := range data {
			data[i] /= 255.0
		}
	case NormalizeMinusOneToOne:
		for i := range data {
			data[i] = data[i]/127.5 - 1.0
		}
	case NormalizeStandardize:
		channels := p.config.InputChannels
		plane := len(data) / channels
		for c := 0; c < channels; c++ {
			mean := p.config.MeanValues[c]
			std := p.config.StdValues[c]
			if p.config.ChannelOrder == ChannelOrderCHW {
				for i := c * plane; i < (c+1)*plane; i++ {
					data[i] = (data[i] - mean) / std
				}
			} else {
				for i := c; i < len(data); i += channels {
					data[i] = (data[i] - mean) / std
				}
			}
		}
	}
}

// ClassifierConfig returns the configuration of the flower classifier:
// 224x224 RGB, interleaved, scaled to [0, 1], transposed sampling.
//
// @example
// preprocessor, _ := NewPreprocessor(ClassifierConfig())
func ClassifierConfig() *ModelConfig {
	return &ModelConfig{
		Name:              "optimized_graph",
		InputWidth:        224,
		InputHeight:       224,
		InputChannels:     3,
		NormalizationType: NormalizeZeroToOne,
		ChannelOrder:      ChannelOrderHWC,
		ColorMode:         ColorModeRGB,
		Sampling:          SamplingTransposed,
	}
}

// MobileNetV2Config returns a configuration for ImageNet MobileNetV2 exports,
// which expect CHW input standardized with the ImageNet statistics.
func MobileNetV2Config() *ModelConfig {
	return &ModelConfig{
		Name:              "mobilenetv2",
		InputWidth:        224,
		InputHeight:       224,
		InputChannels:     3,
		NormalizationType: NormalizeStandardize,
		MeanValues:        []float32{123.675, 116.28, 103.53},
		StdValues:         []float32{58.395, 57.12, 57.375},
		ChannelOrder:      ChannelOrderCHW,
		ColorMode:         ColorModeRGB,
		Sampling:          SamplingRowMajor,
	}
}

// BatchPreprocess converts several frames with at most maxConcurrency
// conversions running at once. Tensors keep the order of frames. The first
// failing frame aborts the batch.
func (p *Preprocessor) BatchPreprocess(frames []*images.Frame, maxConcurrency int) ([]*Tensor, error) {
	out := make([]*Tensor, len(frames))

	var g errgroup.Group
	g.SetLimit(max(maxConcurrency, 1))
	for i, f := range frames {
		g.Go(func() error {
			t, err := p.Preprocess(f)
			if err != nil {
				return errors.Wrapf(err, "frame %d", i)
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
