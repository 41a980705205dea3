package frame

import (
	"image"
	"time"
)

// Frame is one decoded picture taken from a connection's inbound video
// track. Seq increases strictly per connection.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
}

func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}
