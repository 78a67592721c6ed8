package preprocess

import (
	"fmt"
	"testing"

	"github.com/nvr-ai/go-classify/images"
)

// benchmarkFrame returns a camera-sized frame filled with a gradient.
func benchmarkFrame(w, h int) *images.Frame {
	f := images.NewBlankFrame(w, h)
	for i := 0; i < len(f.Pix); i += images.BytesPerPixel {
		f.Pix[i] = 0xff
		f.Pix[i+1] = byte(i)
		f.Pix[i+2] = byte(i >> 8)
		f.Pix[i+3] = byte(i >> 16)
	}
	return f
}

// BenchmarkPreprocess measures a single 224x224x3 conversion for common
// camera resolutions. The output size is fixed, so cost should not grow
// with the frame.
func BenchmarkPreprocess(b *testing.B) {
	for _, size := range [][2]int{{224, 224}, {640, 480}, {1280, 720}, {1920, 1080}} {
		b.Run(fmt.Sprintf("%dx%d", size[0], size[1]), func(b *testing.B) {
			p, err := NewPreprocessor(ClassifierConfig())
			if err != nil {
				b.Fatal(err)
			}
			f := benchmarkFrame(size[0], size[1])

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if _, err := p.Preprocess(f); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkPreprocess_Orders compares transposed and row-major sampling.
// Transposed sampling walks the frame column-wise and is less cache friendly.
func BenchmarkPreprocess_Orders(b *testing.B) {
	for _, order := range []SamplingOrder{SamplingTransposed, SamplingRowMajor} {
		b.Run(string(order), func(b *testing.B) {
			cfg := ClassifierConfig()
			cfg.Sampling = order
			p, err := NewPreprocessor(cfg)
			if err != nil {
				b.Fatal(err)
			}
			f := benchmarkFrame(640, 480)

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if _, err := p.Preprocess(f); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkBatchPreprocess measures the concurrent batch path.
func BenchmarkBatchPreprocess(b *testing.B) {
	p, err := NewPreprocessor(ClassifierConfig())
	if err != nil {
		b.Fatal(err)
	}
	frames := make([]*images.Frame, 8)
	for i := range frames {
		frames[i] = benchmarkFrame(640, 480)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := p.BatchPreprocess(frames, 4); err != nil {
			b.Fatal(err)
		}
	}
}
