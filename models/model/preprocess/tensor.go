package preprocess

import (
	"encoding/binary"
	"math"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// Tensor is a normalized model input.
type Tensor struct {
	// Data holds the values in the order given by Shape.
	Data []float32
	// Shape is [H, W, C] or [C, H, W], without the batch dimension.
	Shape []int
}

// Len returns the number of values in the tensor.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// BatchShape returns Shape with a leading batch dimension of 1.
func (t *Tensor) BatchShape() []int64 {
	out := make([]int64, 0, len(t.Shape)+1)
	out = append(out, 1)
	for _, d := range t.Shape {
		out = append(out, int64(d))
	}
	return out
}

// Bytes renders the values as raw float32 bytes in the host byte order,
// the layout inference runtimes copy into their input buffers.
func (t *Tensor) Bytes() []byte {
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.NativeEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// Dense wraps the values in a gorgonia tensor of shape [1, Shape...].
// The backing slice is shared.
func (t *Tensor) Dense() *tensor.Dense {
	shape := make([]int, 0, len(t.Shape)+1)
	shape = append(shape, 1)
	shape = append(shape, t.Shape...)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(t.Data))
}

// Range returns the smallest and largest value.
func (t *Tensor) Range() (lo, hi float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	lo, hi = math32.Inf(1), math32.Inf(-1)
	for _, v := range t.Data {
		lo = math32.Min(lo, v)
		hi = math32.Max(hi, v)
	}
	return lo, hi
}
