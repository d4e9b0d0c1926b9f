// Package batcher coalesces streamed file writes into sparse mounts.
//
// Writes arriving within one window are deduplicated by path (last write
// wins) and delivered as a single Mount of a tree holding only the changed
// paths. Pause gates delivery so a project switch can hold back, and then
// Discard, writes that belong to the outgoing project.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/grovetools/preview/pkg/filetree"
	"github.com/grovetools/preview/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// DefaultWindow is the coalescing window.
const DefaultWindow = 200 * time.Millisecond

// MountFunc delivers one sparse tree.
type MountFunc func(ctx context.Context, tree filetree.Tree) error

// Batcher buffers writes and flushes them from a worker goroutine.
type Batcher struct {
	mount  MountFunc
	logger *logrus.Entry

	mu      sync.Mutex
	pending map[string]string
	order   []string
	paused  bool
	window  time.Duration
	onError func(error)

	// inflight is held for the whole of a flush so Pause can wait out a
	// delivery that already passed the gate.
	inflight sync.Mutex

	notify   chan struct{}
	flushReq chan chan error
	stop     context.CancelFunc
	done     chan struct{}
}

// New returns a batcher delivering through mount. A window of zero means
// DefaultWindow. Call Run to start delivery.
func New(mount MountFunc, window time.Duration, logger *logrus.Entry) *Batcher {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Batcher{
		mount:    mount,
		logger:   logger,
		pending:  make(map[string]string),
		window:   window,
		notify:   make(chan struct{}, 1),
		flushReq: make(chan chan error),
	}
}

// OnError registers a callback for failed deliveries. Failures are always logged.
func (b *Batcher) OnError(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Start runs the worker in the background until Close.
func (b *Batcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.stop = cancel
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		b.Run(ctx)
	}()
}

// Close stops a worker started with Start. Buffered writes are dropped.
func (b *Batcher) Close() {
	if b.stop == nil {
		return
	}
	b.stop()
	<-b.done
}

// Run delivers batches until ctx is done.
func (b *Batcher) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	armed := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-b.notify:
			if !armed {
				timer.Reset(b.Window())
				armed = true
			}
		case <-timer.C:
			armed = false
			b.flush(ctx)
		case reply := <-b.flushReq:
			if armed {
				timer.Stop()
				armed = false
			}
			reply <- b.flush(ctx)
		}
	}
}

// TriggerUpdate records a write of contents to path. It never blocks.
func (b *Batcher) TriggerUpdate(path, contents string) {
	b.mu.Lock()
	if _, ok := b.pending[path]; !ok {
		b.order = append(b.order, path)
	}
	b.pending[path] = contents
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Pause holds back delivery. When Pause returns no delivery is in progress.
func (b *Batcher) Pause() {
	b.inflight.Lock()
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
	b.inflight.Unlock()
}

// Resume re-enables delivery and schedules anything still buffered.
func (b *Batcher) Resume() {
	b.mu.Lock()
	b.paused = false
	n := len(b.pending)
	b.mu.Unlock()
	if n > 0 {
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}
}

// Paused reports whether delivery is held back.
func (b *Batcher) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Discard drops every buffered write and returns how many paths were dropped.
func (b *Batcher) Discard() int {
	b.mu.Lock()
	n := len(b.pending)
	b.pending = make(map[string]string)
	b.order = nil
	b.mu.Unlock()
	if n > 0 {
		metrics.RecordBatchDiscard(n)
		b.logger.WithField("paths", n).Debug("Discarded buffered writes")
	}
	return n
}

// Pending returns the number of buffered paths.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// SetWindow changes the coalescing window for the next batch.
func (b *Batcher) SetWindow(d time.Duration) {
	if d <= 0 {
		d = DefaultWindow
	}
	b.mu.Lock()
	b.window = d
	b.mu.Unlock()
}

// Window returns the coalescing window.
func (b *Batcher) Window() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window
}

// Flush delivers buffered writes now, through the worker, and returns the
// delivery error. It is a no-op while paused.
func (b *Batcher) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case b.flushReq <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) flush(ctx context.Context) error {
	b.inflight.Lock()
	defer b.inflight.Unlock()

	b.mu.Lock()
	if b.paused || len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	tree := filetree.Tree{}
	for _, p := range b.order {
		tree = filetree.Set(tree, p, b.pending[p])
	}
	n := len(b.pending)
	b.pending = make(map[string]string)
	b.order = nil
	onError := b.onError
	b.mu.Unlock()

	if err := b.mount(ctx, tree); err != nil {
		b.logger.WithError(err).WithField("paths", n).Warn("Failed to deliver batched writes")
		if onError != nil {
			onError(err)
		}
		return err
	}
	metrics.RecordBatchFlush(n)
	b.logger.WithField("paths", n).Debug("Delivered batched writes")
	return nil
}
