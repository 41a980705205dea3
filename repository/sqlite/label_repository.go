package sqlite

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"strzcam.com/livesign/labels"
)

var log = logging.Logger("sqlite")

// LabelRepository stores accepted recognitions. It implements
// labels.Recorder.
type LabelRepository struct {
	db *DB
}

func NewLabelRepository(db *DB) *LabelRepository {
	return &LabelRepository{db: db}
}

// LabelEvent is a stored recognition.
type LabelEvent struct {
	ID int64
	labels.Event
}

// LabelCount is how often one label was recognized.
type LabelCount struct {
	Label string
	Count int
}

func (r *LabelRepository) Record(ctx context.Context, event labels.Event) error {
	_, err := r.Insert(ctx, event)
	return err
}

func (r *LabelRepository) Insert(ctx context.Context, event labels.Event) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if event.At.IsZero() {
		event.At = time.Now()
	}
	result, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO label_events (connection_id, session_id, label, class_index, confidence, track_id, frame_seq, first_seen, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ConnectionID, event.SessionID, event.Label, event.ClassIndex, event.Confidence,
		event.TrackID, int64(event.FrameSeq), event.New, event.At.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert label event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	log.Debugw("label event stored", "id", id, "connection", event.ConnectionID, "label", event.Label)
	return id, nil
}

// GetByConnection returns the events of one connection id, oldest first.
func (r *LabelRepository) GetByConnection(ctx context.Context, connectionID string) ([]LabelEvent, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, connection_id, session_id, label, class_index, confidence, track_id, frame_seq, first_seen, recorded_at
		FROM label_events WHERE connection_id = ? ORDER BY id
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query label events: %w", err)
	}
	defer rows.Close()

	var events []LabelEvent
	for rows.Next() {
		var (
			event    LabelEvent
			frameSeq int64
		)
		if err := rows.Scan(&event.ID, &event.ConnectionID, &event.SessionID, &event.Label, &event.ClassIndex,
			&event.Confidence, &event.TrackID, &frameSeq, &event.New, &event.At); err != nil {
			return nil, fmt.Errorf("failed to scan label event: %w", err)
		}
		event.FrameSeq = uint64(frameSeq)
		events = append(events, event)
	}
	return events, rows.Err()
}

// CountByLabel returns how often each label was recognized, most frequent
// first.
func (r *LabelRepository) CountByLabel(ctx context.Context) ([]LabelCount, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT label, COUNT(*) FROM label_events GROUP BY label ORDER BY COUNT(*) DESC, label
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count labels: %w", err)
	}
	defer rows.Close()

	var counts []LabelCount
	for rows.Next() {
		var count LabelCount
		if err := rows.Scan(&count.Label, &count.Count); err != nil {
			return nil, fmt.Errorf("failed to scan label count: %w", err)
		}
		counts = append(counts, count)
	}
	return counts, rows.Err()
}

// DeleteBefore removes events recorded before t and reports how many were
// removed.
func (r *LabelRepository) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	result, err := r.db.conn.ExecContext(ctx, `DELETE FROM label_events WHERE recorded_at < ?`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete label events: %w", err)
	}
	return result.RowsAffected()
}
