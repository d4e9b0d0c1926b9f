package backend

import (
	"sync"
)

// State is the lifecycle position of a backend.
type State string

const (
	StateIdle       State = "idle"
	StateBooting    State = "booting"
	StateReady      State = "ready"
	StateInstalling State = "installing"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateError      State = "error"
)

// Status is the observable backend state.
type Status struct {
	Kind       string `json:"kind"`
	State      State  `json:"state"`
	ProjectID  string `json:"projectId,omitempty"`
	URL        string `json:"url,omitempty"`
	BuildError string `json:"buildError,omitempty"`
}

// Running reports whether a dev server URL is live.
func (s Status) Running() bool {
	return s.State == StateRunning && s.URL != ""
}

// Hub holds a backend's Status and fans changes out to subscribers.
// Implementations embed it.
type Hub struct {
	mu          sync.RWMutex
	status      Status
	subscribers map[chan Status]struct{}
	readyFns    []func(string)
	readyFired  bool
}

// NewHub returns a hub in the idle state.
func NewHub(kind string) *Hub {
	return &Hub{
		status:      Status{Kind: kind, State: StateIdle},
		subscribers: make(map[chan Status]struct{}),
	}
}

// Status returns a copy of the current status.
func (h *Hub) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Update applies fn to the status and broadcasts the result.
func (h *Hub) Update(fn func(*Status)) {
	h.mu.Lock()
	fn(&h.status)
	st := h.status
	h.broadcastLocked(st)
	h.mu.Unlock()
}

// SetState moves to state, keeping every other field.
func (h *Hub) SetState(state State) {
	h.Update(func(s *Status) { s.State = state })
}

func (h *Hub) broadcastLocked(st Status) {
	for ch := range h.subscribers {
		select {
		case ch <- st:
		default:
			// Subscriber is slow, skip
		}
	}
}

// Subscribe returns a channel receiving status changes.
func (h *Hub) Subscribe() chan Status {
	ch := make(chan Status, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (h *Hub) Unsubscribe(ch chan Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// OnServerReady registers a ready callback.
func (h *Hub) OnServerReady(fn func(url string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readyFns = append(h.readyFns, fn)
}

// ArmReady re-enables the ready callbacks for the next dev server start.
func (h *Hub) ArmReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readyFired = false
}

// ServerReady records url as running and fires the ready callbacks once
// per ArmReady. It reports whether this call fired them.
func (h *Hub) ServerReady(url string) bool {
	h.mu.Lock()
	if h.readyFired {
		h.mu.Unlock()
		return false
	}
	h.readyFired = true
	h.status.State = StateRunning
	h.status.URL = url
	h.status.BuildError = ""
	st := h.status
	h.broadcastLocked(st)
	fns := append([]func(string){}, h.readyFns...)
	h.mu.Unlock()

	for _, fn := range fns {
		fn(url)
	}
	return true
}

// CloseSubscribers closes every subscriber channel.
func (h *Hub) CloseSubscribers() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}
