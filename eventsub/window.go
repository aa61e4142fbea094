package eventsub

import "sync"

// DefaultWindowSize is the number of message ids remembered for de-duplication.
const DefaultWindowSize = 1000

// Window is a bounded set of recently seen message ids. When full, the oldest
// id is evicted first.
type Window struct {
	mu    sync.Mutex
	size  int
	ring  []string
	next  int
	count int
	seen  map[string]struct{}
}

// NewWindow creates a window holding up to size ids (DefaultWindowSize if size <= 0).
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{
		size: size,
		ring: make([]string, size),
		seen: make(map[string]struct{}, size),
	}
}

// Seen reports whether id was already recorded. An unseen id is recorded in
// the same critical section so two concurrent deliveries cannot both pass.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return true
	}
	if w.count == w.size {
		delete(w.seen, w.ring[w.next])
	} else {
		w.count++
	}
	w.ring[w.next] = id
	w.next = (w.next + 1) % w.size
	w.seen[id] = struct{}{}
	return false
}

// Len returns the number of ids currently remembered.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
