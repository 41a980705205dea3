// Package opencv runs the person detector through the OpenCV DNN module.
package opencv

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"gocv.io/x/gocv"
	"strzcam.com/livesign/cascade"
)

var log = logging.Logger("cascade/opencv")

// rowSize is the width of one detector output row:
// x_min, y_min, x_max, y_max, confidence in input pixels.
const rowSize = 5

type Config struct {
	Model       string
	Config      string
	InputWidth  int
	InputHeight int
	Confidence  float64
}

// Detector wraps a gocv network. The network is not safe for concurrent
// use, so calls are serialized.
type Detector struct {
	mu  sync.Mutex
	net gocv.Net
	cfg Config
}

func NewDetector(cfg Config) (*Detector, error) {
	if _, err := os.Stat(cfg.Model); err != nil {
		return nil, fmt.Errorf("model file not found: %s", cfg.Model)
	}
	if cfg.Config != "" {
		if _, err := os.Stat(cfg.Config); err != nil {
			return nil, fmt.Errorf("config file not found: %s", cfg.Config)
		}
	}

	net := gocv.ReadNet(cfg.Model, cfg.Config)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network %s", cfg.Model)
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable backend or target")
	}
	log.Infow("detection network initialized", "model", cfg.Model)
	return &Detector{net: net, cfg: cfg}, nil
}

func (d *Detector) Detect(ctx context.Context, img image.Image) ([]cascade.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("no image to detect on")
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("converted image is empty")
	}

	blob := gocv.BlobFromImage(mat, 1.0, image.Pt(d.cfg.InputWidth, d.cfg.InputHeight), gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	d.mu.Unlock()
	defer output.Close()

	if output.Total()%rowSize != 0 {
		return nil, fmt.Errorf("unexpected detector output size %d", output.Total())
	}
	rows := output.Reshape(1, output.Total()/rowSize)
	defer rows.Close()

	scaleX := float32(mat.Cols()) / float32(d.cfg.InputWidth)
	scaleY := float32(mat.Rows()) / float32(d.cfg.InputHeight)
	bounds := img.Bounds()

	var detections []cascade.Detection
	for i := 0; i < rows.Rows(); i++ {
		confidence := float64(rows.GetFloatAt(i, 4))
		if confidence < d.cfg.Confidence {
			continue
		}
		box := image.Rect(
			int(rows.GetFloatAt(i, 0)*scaleX),
			int(rows.GetFloatAt(i, 1)*scaleY),
			int(rows.GetFloatAt(i, 2)*scaleX),
			int(rows.GetFloatAt(i, 3)*scaleY),
		).Add(bounds.Min).Intersect(bounds)
		if box.Empty() {
			continue
		}
		detections = append(detections, cascade.Detection{Box: box, Confidence: confidence})
	}
	return detections, nil
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
