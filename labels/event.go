package labels

import (
	"context"
	"errors"
	"time"
)

// Event is one accepted recognition handed to recorders.
type Event struct {
	ConnectionID string    `json:"connection_id"`
	SessionID    string    `json:"session_id"`
	Label        string    `json:"label"`
	ClassIndex   int       `json:"class_index"`
	Confidence   float64   `json:"confidence"`
	TrackID      int       `json:"track_id"`
	FrameSeq     uint64    `json:"frame_seq"`
	New          bool      `json:"new"`
	At           time.Time `json:"at"`
}

// Recorder persists or forwards accepted recognitions.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Recorders fans an event out to every recorder.
type Recorders []Recorder

func (r Recorders) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, recorder := range r {
		if err := recorder.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
