// Package progress tracks per-path streaming state during a generation
// turn so a file view can render partial content live.
package progress

import (
	"sort"
	"sync"
	"time"
)

// StreamingFile is the latest known content of a path being generated.
type StreamingFile struct {
	Path       string    `json:"path"`
	Content    string    `json:"content"`
	IsComplete bool      `json:"isComplete"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Tracker holds StreamingFiles by path. Entries are marked complete at the
// end of a turn rather than removed, so the last rendered state persists
// until the path is written again.
type Tracker struct {
	mu          sync.RWMutex
	files       map[string]StreamingFile
	subscribers map[chan StreamingFile]struct{}
	now         func() time.Time
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		files:       make(map[string]StreamingFile),
		subscribers: make(map[chan StreamingFile]struct{}),
		now:         time.Now,
	}
}

// Update records partial content for path and marks it in progress.
func (t *Tracker) Update(path, content string) {
	t.set(StreamingFile{Path: path, Content: content})
}

// Complete marks path complete, optionally with final content. It creates
// the entry when the path was never streamed.
func (t *Tracker) Complete(path string, content *string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[path]
	if !ok {
		f = StreamingFile{Path: path}
	}
	if content != nil {
		f.Content = *content
	}
	f.IsComplete = true
	f.LastUpdate = t.now()
	t.files[path] = f
	t.broadcastLocked(f)
}

// CompleteAll marks every outstanding entry complete and returns how many
// were still in progress.
func (t *Tracker) CompleteAll() int {
	t.mu.Lock()
	var changed []StreamingFile
	for p, f := range t.files {
		if f.IsComplete {
			continue
		}
		f.IsComplete = true
		f.LastUpdate = t.now()
		t.files[p] = f
		changed = append(changed, f)
	}
	for _, f := range changed {
		t.broadcastLocked(f)
	}
	t.mu.Unlock()
	return len(changed)
}

func (t *Tracker) set(f StreamingFile) {
	t.mu.Lock()
	f.LastUpdate = t.now()
	t.files[f.Path] = f
	t.broadcastLocked(f)
	t.mu.Unlock()
}

// Get returns the entry for path.
func (t *Tracker) Get(path string) (StreamingFile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.files[path]
	return f, ok
}

// Snapshot returns every entry ordered by path.
func (t *Tracker) Snapshot() []StreamingFile {
	t.mu.RLock()
	out := make([]StreamingFile, 0, len(t.files))
	for _, f := range t.files {
		out = append(out, f)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// InProgress returns the paths not yet complete, in order.
func (t *Tracker) InProgress() []string {
	var paths []string
	for _, f := range t.Snapshot() {
		if !f.IsComplete {
			paths = append(paths, f.Path)
		}
	}
	return paths
}

// Reset forgets every entry. Used when switching projects.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.files = make(map[string]StreamingFile)
	t.mu.Unlock()
}

// Subscribe returns a channel receiving every entry change.
func (t *Tracker) Subscribe() chan StreamingFile {
	ch := make(chan StreamingFile, 64)
	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (t *Tracker) Unsubscribe(ch chan StreamingFile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subscribers[ch]; ok {
		delete(t.subscribers, ch)
		close(ch)
	}
}

func (t *Tracker) broadcastLocked(f StreamingFile) {
	for ch := range t.subscribers {
		select {
		case ch <- f:
		default:
			// Subscriber is slow, skip
		}
	}
}
