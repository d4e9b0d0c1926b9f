package fsstore

import (
	"sync"

	"github.com/grovetools/preview/pkg/filetree"
)

// Store holds the project file tree. Every mutation swaps in a new tree
// built by the copy-on-write helpers in filetree, so a tree returned by
// Tree is a stable snapshot that later writes never touch.
type Store struct {
	mu          sync.RWMutex
	tree        filetree.Tree
	kitID       string
	base        filetree.Tree
	version     uint64
	subscribers map[chan Update]struct{}
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		tree:        filetree.Tree{},
		base:        filetree.Tree{},
		subscribers: make(map[chan Update]struct{}),
	}
}

// Tree returns the current snapshot. Callers must treat it as read-only.
func (s *Store) Tree() filetree.Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree
}

// Version returns a counter bumped on every committed change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ReadFile returns the file at path.
func (s *Store) ReadFile(path string) (*filetree.File, bool) {
	return filetree.ReadFile(s.Tree(), path)
}

// Manifest returns the raw dependency manifest contents, if present.
func (s *Store) Manifest() (string, bool) {
	f, ok := s.ReadFile(ManifestPath)
	if !ok {
		return "", false
	}
	return f.Contents, true
}

// Replace installs tree as the new project tree. The tree is deep-copied so
// the caller may keep using its own value.
func (s *Store) Replace(tree filetree.Tree, source string) {
	cp := tree.Clone()
	s.commit(Update{Type: UpdateReplaced, Source: source}, func(filetree.Tree) filetree.Tree {
		return cp
	})
}

// WriteFile sets a single text file.
func (s *Store) WriteFile(path, contents, source string) {
	s.commit(Update{Type: UpdateFileWritten, Source: source, Path: path}, func(t filetree.Tree) filetree.Tree {
		return filetree.Set(t, path, contents)
	})
}

// DeleteFile removes a single path.
func (s *Store) DeleteFile(path, source string) {
	s.commit(Update{Type: UpdateFileDeleted, Source: source, Path: path}, func(t filetree.Tree) filetree.Tree {
		return filetree.Delete(t, path)
	})
}

// Update applies fn to the current tree under the write lock. fn must build
// its result with the filetree helpers rather than editing the argument.
func (s *Store) Update(source string, fn func(filetree.Tree) filetree.Tree) {
	s.commit(Update{Type: UpdateReplaced, Source: source}, fn)
}

// SetBaseTemplate records the template the working tree is overlaid onto.
func (s *Store) SetBaseTemplate(kitID string, base filetree.Tree) {
	cp := base.Clone()
	s.mu.Lock()
	s.kitID = kitID
	s.base = cp
	s.version++
	u := Update{Type: UpdateBaseTemplate, Source: "kit", Version: s.version}
	s.broadcastLocked(u)
	s.mu.Unlock()
}

// BaseTemplate returns the stored kit id and template tree.
func (s *Store) BaseTemplate() (string, filetree.Tree) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kitID, s.base
}

func (s *Store) commit(u Update, fn func(filetree.Tree) filetree.Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fn(s.tree)
	if next == nil {
		next = filetree.Tree{}
	}
	s.tree = next
	s.version++
	u.Version = s.version
	s.broadcastLocked(u)
}

func (s *Store) broadcastLocked(u Update) {
	for ch := range s.subscribers {
		select {
		case ch <- u:
		default:
			// Non-blocking send so a slow reader cannot stall writers
		}
	}
}

// Subscribe creates a new subscription channel for store updates.
func (s *Store) Subscribe() chan Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Update, 100)
	s.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Store) Unsubscribe(ch chan Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[ch]; !ok {
		return
	}
	delete(s.subscribers, ch)
	close(ch)
}
