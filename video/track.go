package video

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

var log = logging.Logger("video")

const (
	DefaultFrameRate = 30
	defaultBitRate   = 2_000_000
	// keyframes often enough that the server decodes a steady stream
	defaultKeyFrameInterval = 5
)

type frameReader struct {
	frames chan image.Image
}

func newFrameReader() *frameReader {
	return &frameReader{frames: make(chan image.Image, 1)}
}

func (r *frameReader) Read() (image.Image, func(), error) {
	img, ok := <-r.frames
	if !ok {
		return nil, func() {}, fmt.Errorf("frame channel closed")
	}
	return img, func() {}, nil
}

// EncodedTrack is a local VP8 track fed with still images.
type EncodedTrack struct {
	track     *webrtc.TrackLocalStaticSample
	frameRate int

	mu      sync.Mutex
	reader  *frameReader
	encoder codec.ReadCloser
	width   int
	height  int
	sent    uint64
}

func NewEncodedTrack(id string, frameRate int) (*EncodedTrack, error) {
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	return &EncodedTrack{track: track, frameRate: frameRate}, nil
}

func (t *EncodedTrack) Track() *webrtc.TrackLocalStaticSample {
	return t.track
}

// SendFrame encodes img and writes it as one sample. The encoder is
// created on the first frame and all later frames must keep its size.
func (t *EncodedTrack) SendFrame(img image.Image) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bounds := img.Bounds()
	if t.encoder == nil {
		if err := t.initEncoder(bounds.Dx(), bounds.Dy()); err != nil {
			return err
		}
	} else if bounds.Dx() != t.width || bounds.Dy() != t.height {
		return fmt.Errorf("frame size %dx%d differs from encoder size %dx%d", bounds.Dx(), bounds.Dy(), t.width, t.height)
	}

	t.reader.frames <- img
	encoded, release, err := t.encoder.Read()
	if err != nil {
		return fmt.Errorf("error reading from encoder: %w", err)
	}
	defer release()

	if err := t.track.WriteSample(media.Sample{
		Data:     encoded,
		Duration: time.Second / time.Duration(t.frameRate),
	}); err != nil {
		return fmt.Errorf("error writing sample: %w", err)
	}
	t.sent++
	return nil
}

func (t *EncodedTrack) initEncoder(width, height int) error {
	params, err := vpx.NewVP8Params()
	if err != nil {
		return err
	}
	params.BitRate = defaultBitRate
	params.KeyFrameInterval = defaultKeyFrameInterval

	reader := newFrameReader()
	encoder, err := params.BuildVideoEncoder(reader, prop.Media{
		Video: prop.Video{
			Width:     width,
			Height:    height,
			FrameRate: float32(t.frameRate),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build VP8 encoder: %w", err)
	}
	t.reader = reader
	t.encoder = encoder
	t.width, t.height = width, height
	log.Infow("VP8 encoder ready", "width", width, "height", height, "fps", t.frameRate)
	return nil
}

// Stream sends frames from source at the track's frame rate until ctx is
// done or the source is exhausted.
func (t *EncodedTrack) Stream(ctx context.Context, source Source) error {
	ticker := time.NewTicker(time.Second / time.Duration(t.frameRate))
	defer ticker.Stop()
	for {
		img, ok := source.Next()
		if !ok {
			return nil
		}
		if err := t.SendFrame(img); err != nil {
			log.Warnw("dropping frame", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *EncodedTrack) Sent() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

func (t *EncodedTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.encoder == nil {
		return nil
	}
	err := t.encoder.Close()
	t.encoder = nil
	return err
}
