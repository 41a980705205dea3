package frame

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"golang.org/x/image/vp8"
)

var (
	ErrUndecodable = errors.New("frame: undecodable payload")
	// ErrNotKeyFrame is returned for VP8 interframes. Only keyframes are
	// decoded, so the media peer requests them periodically.
	ErrNotKeyFrame = errors.New("frame: not a key frame")
)

// Decoder turns reassembled VP8 samples into frames and assigns their
// sequence numbers. It is not safe for concurrent use.
type Decoder struct {
	vp8 *vp8.Decoder
	seq uint64
	now func() time.Time
}

func NewDecoder() *Decoder {
	return &Decoder{vp8: vp8.NewDecoder(), now: time.Now}
}

func (d *Decoder) Decode(payload []byte) (Frame, error) {
	if len(payload) == 0 {
		return Frame{}, fmt.Errorf("%w: empty sample", ErrUndecodable)
	}
	d.vp8.Init(bytes.NewReader(payload), len(payload))
	header, err := d.vp8.DecodeFrameHeader()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if !header.KeyFrame {
		return Frame{}, ErrNotKeyFrame
	}
	img, err := d.vp8.DecodeFrame()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	d.seq++
	return Frame{
		Seq:       d.seq,
		Timestamp: d.now(),
		Image:     cloneYCbCr(img),
	}, nil
}

// Decoded reports how many frames this decoder produced so far.
func (d *Decoder) Decoded() uint64 {
	return d.seq
}
