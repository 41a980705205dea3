package labels

import (
	"sort"
	"sync"
)

// Aggregator is the set of distinct labels accepted so far. It is safe for
// concurrent use by any number of connections.
type Aggregator struct {
	mu     sync.RWMutex
	labels map[string]struct{}
}

func NewAggregator() *Aggregator {
	return &Aggregator{labels: make(map[string]struct{})}
}

// Accept adds label and reports whether it was new.
func (a *Aggregator) Accept(label string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.labels[label]; ok {
		return false
	}
	a.labels[label] = struct{}{}
	return true
}

// Snapshot returns the labels in lexical order.
func (a *Aggregator) Snapshot() []string {
	a.mu.RLock()
	result := make([]string, 0, len(a.labels))
	for label := range a.labels {
		result = append(result, label)
	}
	a.mu.RUnlock()
	sort.Strings(result)
	return result
}

func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.labels)
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.labels = make(map[string]struct{})
}
