package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("watcher")

// Vocabulary maps recognizer class indices to labels. It is loaded from a
// JSON array of strings and can follow changes to that file.
type Vocabulary struct {
	path   string
	labels atomic.Pointer[[]string]
}

func LoadVocabulary(path string) (*Vocabulary, error) {
	v := &Vocabulary{path: path}
	if err := v.Reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// NewStaticVocabulary returns a vocabulary that is never reloaded.
func NewStaticVocabulary(labels []string) *Vocabulary {
	v := &Vocabulary{}
	copied := append([]string(nil), labels...)
	v.labels.Store(&copied)
	return v
}

// Labels returns the current labels. The slice must not be modified.
func (v *Vocabulary) Labels() []string {
	labels := v.labels.Load()
	if labels == nil {
		return nil
	}
	return *labels
}

func (v *Vocabulary) Len() int {
	return len(v.Labels())
}

// Reload reads the file again. On error the previous labels stay active.
func (v *Vocabulary) Reload() error {
	if v.path == "" {
		return fmt.Errorf("vocabulary has no file to reload")
	}
	data, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("failed to read vocabulary: %w", err)
	}
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return fmt.Errorf("failed to parse vocabulary %s: %w", v.path, err)
	}
	if len(labels) == 0 {
		return fmt.Errorf("vocabulary %s is empty", v.path)
	}
	v.labels.Store(&labels)
	log.Infow("vocabulary loaded", "path", v.path, "labels", len(labels))
	return nil
}

// Watch reloads the vocabulary whenever its file is written or replaced,
// until ctx is done. The directory is watched so editors that rename over
// the file are followed.
func (v *Vocabulary) Watch(ctx context.Context) error {
	if v.path == "" {
		return fmt.Errorf("vocabulary has no file to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	target := filepath.Clean(v.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}
	log.Infof("Watching vocabulary %s", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := v.Reload(); err != nil {
					log.Warnw("vocabulary reload failed", "error", err)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Errorf("Watcher error: %v", err)
		}
	}
}
