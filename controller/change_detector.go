package controller

import (
	"sync"

	"github.com/nvr-ai/go-classify/images"
)

// changeGrid is the number of sample points per axis.
const changeGrid = 32

// ChangeDetector skips inference on frames that barely differ from the
// last frame it let through, using frame differencing on a coarse grid.
type ChangeDetector struct {
	mu        sync.Mutex
	threshold float64
	previous  []byte
	width     int
	height    int
	lastScore float64
}

// NewChangeDetector creates a detector.
//
// Arguments:
//   - threshold: The minimum mean colour difference in [0,1] that counts
//     as a change.
//
// Returns:
//   - *ChangeDetector: The detector.
//
// @example
// detector := NewChangeDetector(0.02)
//
//	if detector.Changed(frame) {
//		// classify
//	}
func NewChangeDetector(threshold float64) *ChangeDetector {
	return &ChangeDetector{threshold: threshold}
}

// Changed reports whether f differs enough from the last accepted frame.
// The first frame, and any frame with a different size, is a change.
func (d *ChangeDetector) Changed(f *images.Frame) bool {
	if f == nil {
		return false
	}
	sample := gridSample(f)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.previous == nil || f.Width != d.width || f.Height != d.height {
		d.previous, d.width, d.height = sample, f.Width, f.Height
		d.lastScore = 1
		return true
	}

	d.lastScore = difference(d.previous, sample)
	if d.lastScore < d.threshold {
		return false
	}
	d.previous = sample
	return true
}

// Score returns the difference computed for the latest frame.
func (d *ChangeDetector) Score() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastScore
}

// Reset forgets the last accepted frame.
func (d *ChangeDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.previous = nil
	d.lastScore = 0
}

// gridSample reads the R, G and B bytes of up to changeGrid x changeGrid
// evenly spaced pixels.
func gridSample(f *images.Frame) []byte {
	nx, ny := min(changeGrid, f.Width), min(changeGrid, f.Height)
	out := make([]byte, 0, nx*ny*3)
	for j := 0; j < ny; j++ {
		y := j * f.Height / ny
		for i := 0; i < nx; i++ {
			x := i * f.Width / nx
			off := y*f.Stride + x*images.BytesPerPixel
			out = append(out, f.Pix[off+1], f.Pix[off+2], f.Pix[off+3])
		}
	}
	return out
}

func difference(a, b []byte) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var sum int
	for i := range a {
		d := int(a[i]) - int(b[i])
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return float64(sum) / float64(len(a)*255)
}
