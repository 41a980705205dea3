package buffer

import (
	"image"

	"strzcam.com/livesign/frame"
)

// Batch is an immutable, oldest-first run of consecutive frames.
type Batch struct {
	frames []frame.Frame
}

// NewBatch wraps frames, which must already be oldest first.
func NewBatch(frames []frame.Frame) Batch {
	return Batch{frames: append([]frame.Frame(nil), frames...)}
}

func (b Batch) Len() int {
	return len(b.frames)
}

func (b Batch) Frames() []frame.Frame {
	return append([]frame.Frame(nil), b.frames...)
}

// Latest returns the newest frame of the batch.
func (b Batch) Latest() frame.Frame {
	if len(b.frames) == 0 {
		return frame.Frame{}
	}
	return b.frames[len(b.frames)-1]
}

func (b Batch) Images() []image.Image {
	images := make([]image.Image, len(b.frames))
	for i, f := range b.frames {
		images[i] = f.Image
	}
	return images
}
