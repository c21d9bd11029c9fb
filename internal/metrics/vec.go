package metrics

import (
	"sort"
	"strings"
	"sync"
)

// counterVec is a labeled counter family. Label values are joined into a
// map key; cardinality is expected to stay small (providers x statuses).
type counterVec struct {
	mu     sync.Mutex
	labels []string
	counts map[string]int64
}

type vecEntry struct {
	labels map[string]string
	value  int64
}

func newCounterVec(labels ...string) *counterVec {
	return &counterVec{
		labels: labels,
		counts: make(map[string]int64),
	}
}

func (cv *counterVec) inc(values ...string) {
	if len(values) != len(cv.labels) {
		return
	}
	key := strings.Join(values, "\x00")
	cv.mu.Lock()
	cv.counts[key]++
	cv.mu.Unlock()
}

// snapshot returns the current entries sorted by key for stable output.
func (cv *counterVec) snapshot() []vecEntry {
	cv.mu.Lock()
	defer cv.mu.Unlock()

	keys := make([]string, 0, len(cv.counts))
	for k := range cv.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]vecEntry, 0, len(keys))
	for _, key := range keys {
		values := strings.Split(key, "\x00")
		labels := make(map[string]string, len(cv.labels))
		for i, name := range cv.labels {
			if i < len(values) {
				labels[name] = values[i]
			}
		}
		entries = append(entries, vecEntry{labels: labels, value: cv.counts[key]})
	}
	return entries
}
