package cascade

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"

	logging "github.com/ipfs/go-log/v2"
	"strzcam.com/livesign/buffer"
	"strzcam.com/livesign/frame"
)

var log = logging.Logger("cascade")

const (
	StageDetect    = "detect"
	StageTrack     = "track"
	StageRecognize = "recognize"
	StageDispatch  = "dispatch"
)

var ErrVocabularyMismatch = errors.New("cascade: probabilities do not match vocabulary")

// Error reports a failure of one cascade stage. TrackID is -1 when the
// failure is not tied to a tracked object.
type Error struct {
	Stage   string
	TrackID int
	Err     error
}

func (e *Error) Error() string {
	if e.TrackID >= 0 {
		return fmt.Sprintf("cascade %s (track %d): %v", e.Stage, e.TrackID, e.Err)
	}
	return fmt.Sprintf("cascade %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Detection struct {
	Box        image.Rectangle
	Confidence float64
}

type TrackedObject struct {
	ID         int
	Box        image.Rectangle
	Confidence float64
	LastSeen   uint64
	Misses     int
}

type Result struct {
	Label      string
	Index      int
	Confidence float64
	TrackID    int
	Box        image.Rectangle
	Seq        uint64
}

type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// Tracker keeps object identities across frames of one connection. Ids are
// drawn from [0, maxTracks).
type Tracker interface {
	Update(f frame.Frame, detections []Detection, maxTracks int) []TrackedObject
}

// Recognizer scores the region box over a batch of images and returns one
// probability per vocabulary entry.
type Recognizer interface {
	Recognize(ctx context.Context, images []image.Image, box image.Rectangle) ([]float64, error)
}

type Vocabulary interface {
	Labels() []string
}

type Config struct {
	Threshold float64
	MaxTracks int
}

// Cascade runs detection on the newest frame of a batch, tracks the
// detections and recognizes an action for every live track. A Cascade
// holds per-connection tracker state and must not be shared.
type Cascade struct {
	cfg        Config
	detector   Detector
	tracker    Tracker
	recognizer Recognizer
	vocabulary Vocabulary
}

func New(cfg Config, detector Detector, tracker Tracker, recognizer Recognizer, vocabulary Vocabulary) *Cascade {
	return &Cascade{
		cfg:        cfg,
		detector:   detector,
		tracker:    tracker,
		recognizer: recognizer,
		vocabulary: vocabulary,
	}
}

// Run returns the accepted recognitions for batch. A stage without output
// ends the run early with no results and no error. Recognition errors of
// single tracks are joined while the remaining tracks are still processed.
func (c *Cascade) Run(ctx context.Context, batch buffer.Batch) ([]Result, error) {
	if batch.Len() == 0 {
		return nil, nil
	}
	latest := batch.Latest()
	detections, err := c.detector.Detect(ctx, latest.Image)
	if err != nil {
		return nil, &Error{Stage: StageDetect, TrackID: -1, Err: err}
	}
	if len(detections) == 0 {
		log.Debugw("no detections", "seq", latest.Seq)
		return nil, nil
	}

	tracks := c.tracker.Update(latest, detections, c.cfg.MaxTracks)
	if len(tracks) == 0 {
		log.Debugw("no tracks", "seq", latest.Seq, "detections", len(detections))
		return nil, nil
	}

	var labels []string
	if c.vocabulary != nil {
		labels = c.vocabulary.Labels()
	}
	images := batch.Images()

	var results []Result
	var errs []error
	for _, track := range tracks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, &Error{Stage: StageRecognize, TrackID: track.ID, Err: err})
			break
		}
		probabilities, err := c.recognizer.Recognize(ctx, images, track.Box)
		if err != nil {
			errs = append(errs, &Error{Stage: StageRecognize, TrackID: track.ID, Err: err})
			continue
		}
		if len(labels) > 0 && len(probabilities) != len(labels) {
			errs = append(errs, &Error{
				Stage:   StageRecognize,
				TrackID: track.ID,
				Err:     fmt.Errorf("%w: %d scores for %d labels", ErrVocabularyMismatch, len(probabilities), len(labels)),
			})
			continue
		}
		index, confidence, ok := Accept(probabilities, c.cfg.Threshold)
		if !ok {
			continue
		}
		results = append(results, Result{
			Label:      labelFor(labels, index),
			Index:      index,
			Confidence: confidence,
			TrackID:    track.ID,
			Box:        track.Box,
			Seq:        latest.Seq,
		})
	}
	return results, errors.Join(errs...)
}

// Accept picks the most probable class, preferring the lowest index on
// ties, and accepts it only when its probability is strictly above
// threshold.
func Accept(probabilities []float64, threshold float64) (int, float64, bool) {
	if len(probabilities) == 0 {
		return -1, 0, false
	}
	best := 0
	for i, p := range probabilities[1:] {
		if p > probabilities[best] {
			best = i + 1
		}
	}
	return best, probabilities[best], probabilities[best] > threshold
}

func labelFor(labels []string, index int) string {
	if index >= 0 && index < len(labels) {
		return labels[index]
	}
	return strconv.Itoa(index)
}
