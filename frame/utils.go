package frame

import "image"

// cloneYCbCr copies the planes of img so the result outlives the decoder
// buffers it was read from.
func cloneYCbCr(img *image.YCbCr) *image.YCbCr {
	clone := *img
	clone.Y = append([]byte(nil), img.Y...)
	clone.Cb = append([]byte(nil), img.Cb...)
	clone.Cr = append([]byte(nil), img.Cr...)
	return &clone
}
