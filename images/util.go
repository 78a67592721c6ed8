package images

import (
	"crypto/md5"
	"fmt"
)

// Checksum returns a hex MD5 of the colour bytes of the frame.
//
// Alpha bytes and row padding are excluded, so two frames that preprocess
// to the same tensor share a checksum.
//
// Example:
//
// ```go
//
//	if images.Checksum(prev) == images.Checksum(next) {
//		// identical frame, skip inference
//	}
//
// ```
func Checksum(f *Frame) string {
	if f == nil || len(f.Pix) == 0 {
		return "empty"
	}
	hash := md5.New()
	rgb := make([]byte, 0, f.Width*3)
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride:]
		rgb = rgb[:0]
		for x := 0; x < f.Width; x++ {
			off := x * BytesPerPixel
			rgb = append(rgb, row[off+1], row[off+2], row[off+3])
		}
		hash.Write(rgb)
	}
	return fmt.Sprintf("%x", hash.Sum(nil))
}
