// Package desktop is the execution backend for the desktop shell: a
// companion process reached over a unix socket, spawned on first boot when
// nothing is listening yet.
package desktop

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/grovetools/preview/config"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/logging"
	"github.com/grovetools/preview/pkg/backend"
	"github.com/grovetools/preview/pkg/backend/companion"
	"github.com/grovetools/preview/pkg/paths"
	"github.com/sirupsen/logrus"
)

// baseURL is the dummy host used for Unix socket HTTP requests.
// The actual connection goes through the Unix socket, not this URL.
const baseURL = "http://unix"

// DefaultBootTimeout bounds waiting for a spawned companion to listen.
const DefaultBootTimeout = 15 * time.Second

// Backend is a companion client over a unix socket that owns the
// companion process when it had to start one.
type Backend struct {
	*companion.Backend

	opts        config.DesktopOptions
	socket      string
	bootTimeout time.Duration
	logger      *logrus.Entry

	mu     sync.Mutex
	child  *exec.Cmd
	exited chan struct{}
}

// New returns a desktop backend. bootTimeout bounds spawning the companion;
// zero means DefaultBootTimeout.
func New(opts config.DesktopOptions, bootTimeout time.Duration) *Backend {
	socket := opts.Socket
	if socket == "" {
		socket = paths.SocketPath()
	}
	if bootTimeout <= 0 {
		bootTimeout = DefaultBootTimeout
	}

	// Create HTTP client that dials Unix socket
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}

	return &Backend{
		Backend: companion.NewWithTransport(backend.KindDesktop, baseURL, transport, companion.Options{
			PackageManager: opts.PackageManager,
			DevScript:      opts.DevScript,
		}),
		opts:        opts,
		socket:      socket,
		bootTimeout: bootTimeout,
		logger:      logging.NewLogger("backend-desktop"),
	}
}

// Socket returns the companion socket path.
func (b *Backend) Socket() string { return b.socket }

// Boot makes sure a companion is listening, then starts projectID on it.
func (b *Backend) Boot(ctx context.Context, projectID string) error {
	if err := b.ensureCompanion(ctx); err != nil {
		b.SetState(backend.StateError)
		return err
	}
	return b.Backend.Boot(ctx, projectID)
}

func (b *Backend) ensureCompanion(ctx context.Context) error {
	if backend.SocketAlive(b.socket) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.child == nil {
		if err := b.spawnLocked(); err != nil {
			return err
		}
	}
	exited := b.exited

	ctx, cancel := context.WithTimeout(ctx, b.bootTimeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if backend.SocketAlive(b.socket) {
			return nil
		}
		select {
		case <-exited:
			b.child = nil
			return errors.New(errors.ErrCodeBackendNotReady, "companion exited during startup").
				WithDetail("socket", b.socket)
		case <-ctx.Done():
			return errors.Timeout("companion startup", b.bootTimeout)
		case <-ticker.C:
		}
	}
}

func (b *Backend) spawnLocked() error {
	bin := b.opts.Binary
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeCommandNotFound, "cannot locate companion binary")
		}
		bin = self
	}
	args := b.opts.Args
	if len(args) == 0 {
		args = []string{"companion", "start", "--socket", b.socket}
	}

	logPath := paths.LogFilePath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open companion log: %w", err)
	}

	cmd := exec.Command(bin, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return errors.CommandFailed(bin, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		logFile.Close()
		b.logger.WithError(err).WithField("pid", cmd.Process.Pid).Info("Companion process exited")
		close(exited)
	}()

	b.child = cmd
	b.exited = exited
	b.logger.WithFields(logrus.Fields{"pid": cmd.Process.Pid, "socket": b.socket, "log": logPath}).Info("Spawned companion")
	return nil
}

// Owned reports whether this backend spawned the running companion.
func (b *Backend) Owned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.child != nil
}

// Close tears down the client and terminates a companion this backend
// spawned. A companion started by someone else is left running.
func (b *Backend) Close(ctx context.Context) error {
	err := b.Backend.Close(ctx)

	b.mu.Lock()
	child, exited := b.child, b.exited
	b.child = nil
	b.mu.Unlock()
	if child == nil {
		return err
	}

	_ = child.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-ctx.Done():
		_ = child.Process.Kill()
		<-exited
	}
	return err
}

// Ensure Backend implements backend.Backend.
var _ backend.Backend = (*Backend)(nil)
