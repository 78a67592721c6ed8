package preprocess

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-classify/images"
)

// uniformFrame builds a frame where every colour byte is value and every
// alpha byte is alpha.
func uniformFrame(width, height int, value, alpha byte) *images.Frame {
	f := images.NewBlankFrame(width, height)
	for i := 0; i < len(f.Pix); i += images.BytesPerPixel {
		f.Pix[i] = alpha
		f.Pix[i+1] = value
		f.Pix[i+2] = value
		f.Pix[i+3] = value
	}
	return f
}

// gradientFrame builds a frame whose pixel at (x, y) is
// (x mod 256, y mod 256, 128).
func gradientFrame(width, height int) *images.Frame {
	f := images.NewBlankFrame(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			off := y*f.Stride + x*images.BytesPerPixel
			f.Pix[off] = 0xff
			f.Pix[off+1] = byte(x % 256)
			f.Pix[off+2] = byte(y % 256)
			f.Pix[off+3] = 128
		}
	}
	return f
}

func newClassifierPreprocessor(t *testing.T) *Preprocessor {
	t.Helper()
	p, err := NewPreprocessor(ClassifierConfig())
	require.NoError(t, err, "classifier config should be valid")
	return p
}

// TestPreprocessOutputLength validates that the output length never depends on
// the frame size.
//
// Arguments:
//   - t: Testing context for assertions and error reporting.
func TestPreprocessOutputLength(t *testing.T) {
	p := newClassifierPreprocessor(t)

	for _, size := range [][2]int{{224, 224}, {640, 480}, {1920, 1080}, {224, 1000}} {
		tensor, err := p.Preprocess(uniformFrame(size[0], size[1], 10, 0))
		require.NoError(t, err, "frame %dx%d should be accepted", size[0], size[1])
		assert.Equal(t, 224*224*3, tensor.Len(), "output length for %dx%d", size[0], size[1])
		assert.Equal(t, []int{224, 224, 3}, tensor.Shape)
	}
}

func TestPreprocessExtremes(t *testing.T) {
	p := newClassifierPreprocessor(t)

	zeros, err := p.Preprocess(uniformFrame(224, 224, 0, 0))
	require.NoError(t, err)
	for i, v := range zeros.Data {
		if v != 0 {
			t.Fatalf("all-zero frame produced %f at %d", v, i)
		}
	}

	ones, err := p.Preprocess(uniformFrame(224, 224, 255, 255))
	require.NoError(t, err)
	for i, v := range ones.Data {
		if v != 1 {
			t.Fatalf("all-255 frame produced %f at %d", v, i)
		}
	}
}

func TestPreprocessIgnoresAlpha(t *testing.T) {
	p := newClassifierPreprocessor(t)

	a, err := p.Preprocess(uniformFrame(300, 300, 77, 0))
	require.NoError(t, err)
	b, err := p.Preprocess(uniformFrame(300, 300, 77, 255))
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data, "alpha must not influence the output")
}

func TestPreprocessValueRange(t *testing.T) {
	p := newClassifierPreprocessor(t)

	tensor, err := p.Preprocess(gradientFrame(320, 240))
	require.NoError(t, err)

	lo, hi := tensor.Range()
	assert.GreaterOrEqual(t, lo, float32(0))
	assert.LessOrEqual(t, hi, float32(1))
}

// TestPreprocessTransposedSampling checks the known-answer property of the
// classifier layout: entry 3*(c*224+r) holds (c mod 256)/255 for a frame
// whose pixel at row r, column c is (c mod 256, r mod 256, 128).
func TestPreprocessTransposedSampling(t *testing.T) {
	p := newClassifierPreprocessor(t)

	tensor, err := p.Preprocess(gradientFrame(224, 224))
	require.NoError(t, err)

	for _, rc := range [][2]int{{0, 0}, {0, 223}, {17, 5}, {100, 200}, {223, 223}} {
		r, c := rc[0], rc[1]
		base := 3 * (c*224 + r)
		assert.InDelta(t, float64(c%256)/255, tensor.Data[base], 1e-6, "red at r=%d c=%d", r, c)
		assert.InDelta(t, float64(r%256)/255, tensor.Data[base+1], 1e-6, "green at r=%d c=%d", r, c)
		assert.InDelta(t, 128.0/255, tensor.Data[base+2], 1e-6, "blue at r=%d c=%d", r, c)
	}
}

func TestPreprocessRowMajorSampling(t *testing.T) {
	cfg := ClassifierConfig()
	cfg.Sampling = SamplingRowMajor
	p, err := NewPreprocessor(cfg)
	require.NoError(t, err)

	tensor, err := p.Preprocess(gradientFrame(224, 224))
	require.NoError(t, err)

	// Output (row, col) maps to frame x=col, y=row.
	base := 3 * (10*224 + 30)
	assert.InDelta(t, 30.0/255, tensor.Data[base], 1e-6)
	assert.InDelta(t, 10.0/255, tensor.Data[base+1], 1e-6)
}

func TestPreprocessRejectsSmallFrames(t *testing.T) {
	p := newClassifierPreprocessor(t)

	for _, size := range [][2]int{{223, 224}, {224, 223}, {10, 10}} {
		_, err := p.Preprocess(uniformFrame(size[0], size[1], 1, 1))
		assert.ErrorIs(t, err, images.ErrFrameTooSmall, "frame %dx%d", size[0], size[1])
	}

	_, err := p.Preprocess(nil)
	assert.Error(t, err)
}

func TestPreprocessWindowFollowsSampling(t *testing.T) {
	cfg := ClassifierConfig()
	cfg.InputWidth, cfg.InputHeight = 8, 4
	p, err := NewPreprocessor(cfg)
	require.NoError(t, err)

	// Transposed sampling reads x < InputHeight and y < InputWidth.
	_, err = p.Preprocess(gradientFrame(4, 8))
	assert.NoError(t, err)
	_, err = p.Preprocess(gradientFrame(8, 4))
	assert.ErrorIs(t, err, images.ErrFrameTooSmall)

	cfg = ClassifierConfig()
	cfg.InputWidth, cfg.InputHeight = 8, 4
	cfg.Sampling = SamplingRowMajor
	p, err = NewPreprocessor(cfg)
	require.NoError(t, err)
	_, err = p.Preprocess(gradientFrame(8, 4))
	assert.NoError(t, err)
}

func TestPreprocessPaddedStride(t *testing.T) {
	packed := gradientFrame(224, 224)
	padded, err := images.NewFrameWithStride(224, 224, packed.Stride+64, make([]byte, (packed.Stride+64)*224))
	require.NoError(t, err)
	for y := 0; y < 224; y++ {
		copy(padded.Pix[y*padded.Stride:], packed.Pix[y*packed.Stride:(y+1)*packed.Stride])
	}

	p := newClassifierPreprocessor(t)
	a, err := p.Preprocess(packed)
	require.NoError(t, err)
	b, err := p.Preprocess(padded)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data, "row padding must not change the output")
}

func TestMobileNetV2Standardizes(t *testing.T) {
	cfg := MobileNetV2Config()
	assert.Equal(t, NormalizeStandardize, cfg.NormalizationType)
	assert.Equal(t, ChannelOrderCHW, cfg.ChannelOrder)
	assert.Equal(t, SamplingRowMajor, cfg.Sampling)

	p, err := NewPreprocessor(cfg)
	require.NoError(t, err)
	tensor, err := p.Preprocess(uniformFrame(224, 224, 255, 0))
	require.NoError(t, err)

	plane := 224 * 224
	assert.InDelta(t, 2.2489, tensor.Data[0], 1e-4, "red uses the ImageNet red mean and std")
	assert.InDelta(t, 2.4286, tensor.Data[plane], 1e-4, "green plane")
	assert.InDelta(t, 2.64, tensor.Data[2*plane], 1e-4, "blue plane")
}

func TestNormalization(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ModelConfig)
		want   float32
	}{
		{name: "none", mutate: func(c *ModelConfig) { c.NormalizationType = NormalizeNone }, want: 51},
		{name: "zero to one", mutate: func(c *ModelConfig) {}, want: 0.2},
		{name: "minus one to one", mutate: func(c *ModelConfig) { c.NormalizationType = NormalizeMinusOneToOne }, want: 51/127.5 - 1},
		{name: "standardize", mutate: func(c *ModelConfig) {
			c.NormalizationType = NormalizeStandardize
			c.MeanValues = []float32{1, 1, 1}
			c.StdValues = []float32{50, 50, 50}
		}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ClassifierConfig()
			cfg.InputWidth, cfg.InputHeight = 4, 4
			tt.mutate(cfg)
			p, err := NewPreprocessor(cfg)
			require.NoError(t, err)

			tensor, err := p.Preprocess(uniformFrame(4, 4, 51, 0))
			require.NoError(t, err)
			for _, v := range tensor.Data {
				assert.InDelta(t, tt.want, v, 1e-5)
			}
		})
	}
}

func TestChannelLayouts(t *testing.T) {
	f := images.NewBlankFrame(2, 2)
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			require.NoError(t, f.Set(x, y, images.Pixel{R: 10, G: 20, B: 30}))
		}
	}

	t.Run("bgr", func(t *testing.T) {
		cfg := ClassifierConfig()
		cfg.InputWidth, cfg.InputHeight = 2, 2
		cfg.NormalizationType = NormalizeNone
		cfg.ColorMode = ColorModeBGR
		p, err := NewPreprocessor(cfg)
		require.NoError(t, err)
		tensor, err := p.Preprocess(f)
		require.NoError(t, err)
		assert.Equal(t, []float32{30, 20, 10}, tensor.Data[:3])
	})

	t.Run("chw", func(t *testing.T) {
		cfg := ClassifierConfig()
		cfg.InputWidth, cfg.InputHeight = 2, 2
		cfg.NormalizationType = NormalizeNone
		cfg.ChannelOrder = ChannelOrderCHW
		p, err := NewPreprocessor(cfg)
		require.NoError(t, err)
		tensor, err := p.Preprocess(f)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 2, 2}, tensor.Shape)
		assert.Equal(t, []float32{10, 10, 10, 10, 20, 20, 20, 20, 30, 30, 30, 30}, tensor.Data)
	})

	t.Run("grayscale", func(t *testing.T) {
		cfg := ClassifierConfig()
		cfg.InputWidth, cfg.InputHeight = 2, 2
		cfg.InputChannels = 1
		cfg.ColorMode = ColorModeGrayscale
		cfg.NormalizationType = NormalizeNone
		p, err := NewPreprocessor(cfg)
		require.NoError(t, err)
		tensor, err := p.Preprocess(f)
		require.NoError(t, err)
		require.Len(t, tensor.Data, 4)
		assert.InDelta(t, 0.299*10+0.587*20+0.114*30, tensor.Data[0], 1e-4)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ModelConfig)
	}{
		{name: "zero width", mutate: func(c *ModelConfig) { c.InputWidth = 0 }},
		{name: "bad channels", mutate: func(c *ModelConfig) { c.InputChannels = 4 }},
		{name: "gray with rgb channels", mutate: func(c *ModelConfig) { c.ColorMode = ColorModeGrayscale }},
		{name: "bad sampling", mutate: func(c *ModelConfig) { c.Sampling = "diagonal" }},
		{name: "missing std", mutate: func(c *ModelConfig) { c.NormalizationType = NormalizeStandardize }},
		{name: "zero std", mutate: func(c *ModelConfig) {
			c.NormalizationType = NormalizeStandardize
			c.MeanValues = []float32{0, 0, 0}
			c.StdValues = []float32{1, 0, 1}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ClassifierConfig()
			tt.mutate(cfg)
			_, err := NewPreprocessor(cfg)
			assert.Error(t, err)
		})
	}

	assert.NoError(t, MobileNetV2Config().Validate())
	_, err := NewPreprocessor(nil)
	assert.Error(t, err)
}

func TestParseSamplingOrder(t *testing.T) {
	order, err := ParseSamplingOrder("")
	require.NoError(t, err)
	assert.Equal(t, SamplingTransposed, order, "empty selects the default")

	order, err = ParseSamplingOrder("row-major")
	require.NoError(t, err)
	assert.Equal(t, SamplingRowMajor, order)

	_, err = ParseSamplingOrder("column")
	assert.Error(t, err)
}

func TestTensorBytes(t *testing.T) {
	tensor := &Tensor{Data: []float32{0, 0.5, 1}, Shape: []int{1, 1, 3}}
	buf := tensor.Bytes()
	require.Len(t, buf, 12)
	assert.Equal(t, float32(0.5), math.Float32frombits(binary.NativeEndian.Uint32(buf[4:8])))
	assert.Equal(t, []int64{1, 1, 1, 3}, tensor.BatchShape())
}

func TestTensorDense(t *testing.T) {
	p := newClassifierPreprocessor(t)
	tensor, err := p.Preprocess(gradientFrame(224, 224))
	require.NoError(t, err)

	dense := tensor.Dense()
	assert.Equal(t, []int{1, 224, 224, 3}, []int(dense.Shape()))

	v, err := dense.At(0, 5, 17, 0)
	require.NoError(t, err)
	assert.Equal(t, tensor.Data[3*(5*224+17)], v)
}

func TestBatchPreprocess(t *testing.T) {
	p := newClassifierPreprocessor(t)

	frames := []*images.Frame{
		uniformFrame(224, 224, 0, 0),
		uniformFrame(300, 300, 255, 0),
		gradientFrame(256, 256),
	}
	tensors, err := p.BatchPreprocess(frames, 2)
	require.NoError(t, err)
	require.Len(t, tensors, 3)
	assert.Equal(t, float32(0), tensors[0].Data[0])
	assert.Equal(t, float32(1), tensors[1].Data[0])

	frames = append(frames, uniformFrame(10, 10, 0, 0))
	_, err = p.BatchPreprocess(frames, 0)
	assert.ErrorIs(t, err, images.ErrFrameTooSmall)
	assert.Contains(t, err.Error(), "frame 3")
}
