package cascade

import (
	"image"
	"sort"

	"strzcam.com/livesign/frame"
)

type TrackerConfig struct {
	ScoreThreshold float64
	IOUThreshold   float64
	// MaxMisses is how many consecutive updates a track may go unmatched
	// before it is dropped.
	MaxMisses int
}

// IOUTracker matches detections to existing tracks by box overlap.
type IOUTracker struct {
	cfg    TrackerConfig
	tracks map[int]*TrackedObject
}

func NewIOUTracker(cfg TrackerConfig) *IOUTracker {
	return &IOUTracker{cfg: cfg, tracks: make(map[int]*TrackedObject)}
}

type candidate struct {
	trackID   int
	detection int
	iou       float64
}

// Update matches detections against live tracks and returns the tracks
// matched or created by this update, ordered by id.
func (t *IOUTracker) Update(f frame.Frame, detections []Detection, maxTracks int) []TrackedObject {
	var kept []int
	for i, d := range detections {
		if d.Confidence >= t.cfg.ScoreThreshold {
			kept = append(kept, i)
		}
	}

	var candidates []candidate
	for id, track := range t.tracks {
		for _, i := range kept {
			if overlap := IoU(track.Box, detections[i].Box); overlap >= t.cfg.IOUThreshold && overlap > 0 {
				candidates = append(candidates, candidate{trackID: id, detection: i, iou: overlap})
			}
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].iou != candidates[b].iou {
			return candidates[a].iou > candidates[b].iou
		}
		if candidates[a].trackID != candidates[b].trackID {
			return candidates[a].trackID < candidates[b].trackID
		}
		return candidates[a].detection < candidates[b].detection
	})

	updated := make(map[int]bool)
	used := make(map[int]bool)
	for _, c := range candidates {
		if updated[c.trackID] || used[c.detection] {
			continue
		}
		track := t.tracks[c.trackID]
		track.Box = detections[c.detection].Box
		track.Confidence = detections[c.detection].Confidence
		track.LastSeen = f.Seq
		track.Misses = 0
		updated[c.trackID] = true
		used[c.detection] = true
	}

	for id, track := range t.tracks {
		if updated[id] {
			continue
		}
		track.Misses++
		if track.Misses > t.cfg.MaxMisses {
			delete(t.tracks, id)
		}
	}

	var fresh []int
	for _, i := range kept {
		if !used[i] {
			fresh = append(fresh, i)
		}
	}
	sort.SliceStable(fresh, func(a, b int) bool {
		return detections[fresh[a]].Confidence > detections[fresh[b]].Confidence
	})
	for _, i := range fresh {
		id, ok := t.allocate(maxTracks, updated)
		if !ok {
			log.Debugw("track ids exhausted, detection dropped", "seq", f.Seq, "max_tracks", maxTracks)
			continue
		}
		t.tracks[id] = &TrackedObject{
			ID:         id,
			Box:        detections[i].Box,
			Confidence: detections[i].Confidence,
			LastSeen:   f.Seq,
		}
		updated[id] = true
	}

	result := make([]TrackedObject, 0, len(updated))
	for id := range updated {
		result = append(result, *t.tracks[id])
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })
	return result
}

// allocate returns the lowest free id below maxTracks. With no free id it
// evicts the stalest track not touched by the current update: oldest
// LastSeen first, then most misses, then lowest confidence, then lowest id.
func (t *IOUTracker) allocate(maxTracks int, updated map[int]bool) (int, bool) {
	for id := 0; id < maxTracks; id++ {
		if _, taken := t.tracks[id]; !taken {
			return id, true
		}
	}
	victim := -1
	for id, track := range t.tracks {
		if updated[id] || id >= maxTracks {
			continue
		}
		if victim < 0 || staler(track, t.tracks[victim]) {
			victim = id
		}
	}
	if victim < 0 {
		return 0, false
	}
	log.Debugw("evicting track", "id", victim, "last_seen", t.tracks[victim].LastSeen)
	delete(t.tracks, victim)
	return victim, true
}

func staler(a, b *TrackedObject) bool {
	if a.LastSeen != b.LastSeen {
		return a.LastSeen < b.LastSeen
	}
	if a.Misses != b.Misses {
		return a.Misses > b.Misses
	}
	if a.Confidence != b.Confidence {
		return a.Confidence < b.Confidence
	}
	return a.ID < b.ID
}

// Len reports the number of live tracks.
func (t *IOUTracker) Len() int {
	return len(t.tracks)
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}
