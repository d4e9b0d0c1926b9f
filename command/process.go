package command

import (
	"context"
	"strings"
	"sync"
)

// Process is a running command. Output carries merged stdout and stderr
// lines and is closed when output ends; the exit status resolves on its own
// through Wait, so a caller that never reads Output still sees the exit.
type Process struct {
	Output <-chan string

	out    chan string
	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  []string
	closed bool

	code       int
	err        error
	resolveOne sync.Once
	quitOne    sync.Once
	cancel     context.CancelFunc
}

// NewProcess returns a process handle fed through Emit, CloseOutput and
// Resolve. cancel, when set, is invoked by Kill.
func NewProcess(cancel context.CancelFunc) *Process {
	out := make(chan string)
	p := &Process{
		Output: out,
		out:    out,
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go p.pump()
	return p
}

// pump forwards queued lines to Output without ever blocking Emit.
func (p *Process) pump() {
	defer close(p.out)
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			line := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			select {
			case p.out <- line:
			case <-p.quit:
				return
			}
			continue
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		select {
		case <-p.notify:
		case <-p.quit:
			return
		}
	}
}

func (p *Process) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Emit queues one output line. Lines emitted after CloseOutput are dropped.
func (p *Process) Emit(line string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, line)
	p.mu.Unlock()
	p.signal()
}

// CloseOutput marks the end of output. Output closes after queued lines drain.
func (p *Process) CloseOutput() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
}

// Resolve records the exit status. Only the first call has effect.
func (p *Process) Resolve(code int, err error) {
	p.resolveOne.Do(func() {
		p.code = code
		p.err = err
		close(p.done)
	})
}

// Done is closed once the exit status is known.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, p.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill terminates the underlying command, if any.
func (p *Process) Kill() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Detach stops delivery on Output and closes it. Queued lines are dropped.
func (p *Process) Detach() {
	p.quitOne.Do(func() { close(p.quit) })
}

// Collect reads Output to the end and waits for the exit status.
func (p *Process) Collect(ctx context.Context) (string, int, error) {
	var lines []string
	for {
		select {
		case line, ok := <-p.Output:
			if !ok {
				code, err := p.Wait(ctx)
				return strings.Join(lines, "\n"), code, err
			}
			lines = append(lines, line)
		case <-ctx.Done():
			p.Detach()
			return strings.Join(lines, "\n"), -1, ctx.Err()
		}
	}
}
