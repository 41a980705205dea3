// Package onnx runs the action recognizer with onnxruntime.
package onnx

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"time"

	logging "github.com/ipfs/go-log/v2"
	ort "github.com/yalue/onnxruntime_go"
	"strzcam.com/livesign/cascade"
)

var log = logging.Logger("cascade/onnx")

type Config struct {
	Model          string
	Library        string
	Input          string
	Output         string
	Frames         int
	Size           int
	Classes        int
	PoolSize       int
	AcquireTimeout time.Duration
	// Softmax is set when the model emits raw scores instead of
	// probabilities.
	Softmax bool
}

type session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// Recognizer scores a region over a batch of frames. The model input is
// laid out as [1, 3, frames, size, size].
type Recognizer struct {
	cfg  Config
	pool *SessionPool
}

// Initialize loads the onnxruntime shared library. It must be called once
// before NewRecognizer; Shutdown undoes it.
func Initialize(library string) error {
	if library != "" {
		ort.SetSharedLibraryPath(library)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("error initializing onnxruntime: %w", err)
	}
	return nil
}

func Shutdown() error {
	return ort.DestroyEnvironment()
}

func NewRecognizer(cfg Config) (*Recognizer, error) {
	pool, err := newSessionPool(cfg.PoolSize, cfg.AcquireTimeout, func() (*session, error) {
		return newSession(cfg)
	})
	if err != nil {
		return nil, err
	}
	log.Infow("recognition sessions ready", "model", cfg.Model, "pool", cfg.PoolSize)
	return &Recognizer{cfg: cfg, pool: pool}, nil
}

func newSession(cfg Config) (*session, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()
	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(1)

	inputShape := ort.NewShape(1, 3, int64(cfg.Frames), int64(cfg.Size), int64(cfg.Size))
	outputShape := ort.NewShape(1, int64(cfg.Classes))

	input, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}
	s, err := ort.NewAdvancedSession(
		cfg.Model,
		[]string{cfg.Input},
		[]string{cfg.Output},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	return &session{session: s, input: input, output: output}, nil
}

func (r *Recognizer) Recognize(ctx context.Context, images []image.Image, box image.Rectangle) ([]float64, error) {
	if len(images) != r.cfg.Frames {
		return nil, fmt.Errorf("recognizer expects %d frames, got %d", r.cfg.Frames, len(images))
	}
	s, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(s)

	r.fill(s.input.GetData(), images, box)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("error running recognition: %w", err)
	}

	scores := s.output.GetData()
	if r.cfg.Softmax {
		return cascade.Softmax(scores), nil
	}
	probabilities := make([]float64, len(scores))
	for i, v := range scores {
		probabilities[i] = float64(v)
	}
	return probabilities, nil
}

// fill writes the frames into dst channel-major, BGR and unnormalized.
func (r *Recognizer) fill(dst []float32, images []image.Image, box image.Rectangle) {
	size := r.cfg.Size
	plane := size * size
	clip := plane * len(images)
	for t, img := range images {
		if img == nil {
			continue
		}
		crop := cascade.CropResize(img, box, size)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				offset := crop.PixOffset(x, y)
				i := t*plane + y*size + x
				dst[i] = float32(crop.Pix[offset+2])
				dst[clip+i] = float32(crop.Pix[offset+1])
				dst[2*clip+i] = float32(crop.Pix[offset])
			}
		}
	}
}

func (r *Recognizer) Metrics() PoolMetrics {
	return r.pool.Metrics()
}

func (r *Recognizer) Close() {
	r.pool.Destroy()
}
