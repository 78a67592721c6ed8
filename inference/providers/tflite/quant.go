package tflite

import "github.com/chewxy/math32"

// Quantize converts normalized float inputs into uint8 using
// q = round(v/scale) + zeroPoint. Inputs of a model without quantization
// parameters (scale 0) are taken to be in [0, 1] and scaled to [0, 255].
func Quantize(dst []uint8, src []float32, scale float64, zeroPoint int) {
	s := float32(scale)
	for i, v := range src {
		var q float32
		if s == 0 {
			q = math32.Floor(v*255 + 0.5)
		} else {
			q = math32.Floor(v/s+0.5) + float32(zeroPoint)
		}
		dst[i] = uint8(math32.Max(0, math32.Min(255, q)))
	}
}

// Dequantize converts uint8 outputs into floats using
// v = (q - zeroPoint) * scale. A zero scale maps [0, 255] onto [0, 1].
func Dequantize(src []uint8, scale float64, zeroPoint int) []float32 {
	out := make([]float32, len(src))
	s := float32(scale)
	for i, q := range src {
		if s == 0 {
			out[i] = float32(q) / 255
			continue
		}
		out[i] = float32(int(q)-zeroPoint) * s
	}
	return out
}
