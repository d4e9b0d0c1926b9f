// Package companion is the execution backend that drives a companion
// process over HTTP: files are mounted with POST /mount and commands run
// through /exec and the /exec-stream server-sent-event stream.
package companion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/grovetools/preview/command"
	"github.com/grovetools/preview/config"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/logging"
	"github.com/grovetools/preview/pkg/backend"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/grovetools/preview/pkg/metrics"
	"github.com/grovetools/preview/pkg/workdir"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultURL is used when neither options nor the environment name a companion.
const DefaultURL = "http://127.0.0.1:4388"

const tailLines = 40

// Options tune the HTTP client backend.
type Options struct {
	PackageManager string
	DevScript      string
	// Timeout bounds buffered requests. Streams are unbounded.
	Timeout time.Duration
}

// Backend is a companion client. The companion owns the files, so reads
// are served from a mirror of everything mounted through this client.
type Backend struct {
	*backend.Hub

	kind    string
	baseURL string
	client  *http.Client
	stream  *http.Client
	opts    Options
	logger  *logrus.Entry
	boot    singleflight.Group

	mu     sync.Mutex
	mirror filetree.Tree
	dev    *command.Process
}

// New returns a companion backend over TCP. The URL comes from
// GROVE_PREVIEW_COMPANION_URL, then opts.URL, then DefaultURL.
func New(opts config.CompanionOptions) *Backend {
	baseURL := os.Getenv(backend.EnvCompanionURL)
	if baseURL == "" {
		baseURL = opts.URL
	}
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return NewWithTransport(backend.KindCompanion, baseURL, http.DefaultTransport, Options{
		PackageManager: opts.PackageManager,
		DevScript:      opts.DevScript,
	})
}

// NewWithTransport returns a client of kind talking to baseURL through
// transport. The desktop backend uses it with a unix socket transport.
func NewWithTransport(kind, baseURL string, transport http.RoundTripper, opts Options) *Backend {
	if opts.PackageManager == "" {
		opts.PackageManager = "npm"
	}
	if opts.DevScript == "" {
		opts.DevScript = "dev"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Minute
	}
	return &Backend{
		Hub:     backend.NewHub(kind),
		kind:    kind,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: transport, Timeout: opts.Timeout},
		// Use a separate client with no timeout for streaming
		stream: &http.Client{Transport: transport},
		opts:   opts,
		logger: logging.NewLogger("backend-" + kind),
		mirror: filetree.Tree{},
	}
}

// Kind returns the backend kind.
func (b *Backend) Kind() string { return b.kind }

// BaseURL returns the companion URL.
func (b *Backend) BaseURL() string { return b.baseURL }

// Ping reports whether the companion answers /health.
func (b *Backend) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.do(ctx, http.MethodGet, PathHealth, nil, nil) == nil
}

// Boot starts projectID on the companion. Concurrent boots for the same
// project share one request.
func (b *Backend) Boot(ctx context.Context, projectID string) error {
	_, err, _ := b.boot.Do(projectID, func() (interface{}, error) {
		b.SetState(backend.StateBooting)
		var resp StartResponse
		if err := b.do(ctx, http.MethodPost, PathStart, StartRequest{ProjectID: projectID}, &resp); err != nil {
			b.SetState(backend.StateError)
			return nil, err
		}

		b.mu.Lock()
		if b.Status().ProjectID != resp.ProjectID {
			b.mirror = filetree.Tree{}
		}
		b.mu.Unlock()

		b.Update(func(s *backend.Status) {
			s.State = backend.StateReady
			s.ProjectID = resp.ProjectID
			s.URL = ""
			s.BuildError = ""
		})
		b.logger.WithFields(logrus.Fields{"project": resp.ProjectID, "root": resp.Root}).Info("Companion booted")
		return nil, nil
	})
	return err
}

// Mount uploads tree and merges it into the mirror.
func (b *Backend) Mount(ctx context.Context, tree filetree.Tree) error {
	var resp MountResponse
	if err := b.do(ctx, http.MethodPost, PathMount, MountRequest{Files: tree}, &resp); err != nil {
		return err
	}
	b.mu.Lock()
	b.mirror = filetree.Merge(b.mirror, tree)
	b.mu.Unlock()
	b.logger.WithFields(logrus.Fields{"files": resp.Count, "hash": shortHash(resp.Hash)}).Debug("Mounted tree")
	return nil
}

// MountProject asks the companion to load the persisted project itself.
func (b *Backend) MountProject(ctx context.Context, projectID string) error {
	var resp MountResponse
	if err := b.do(ctx, http.MethodPost, PathMount, MountRequest{ProjectID: projectID}, &resp); err != nil {
		return err
	}
	b.mu.Lock()
	b.mirror = filetree.Merge(b.mirror, resp.Files)
	b.mu.Unlock()
	b.logger.WithFields(logrus.Fields{"project": projectID, "files": resp.Count}).Debug("Mounted project by id")
	return nil
}

// WriteFile mounts a one-file tree.
func (b *Backend) WriteFile(ctx context.Context, path string, data []byte) error {
	return b.Mount(ctx, filetree.SetNode(filetree.Tree{}, path, filetree.FromBytes(data)))
}

// ReadFile reads from the mirror.
func (b *Backend) ReadFile(ctx context.Context, path string) (string, error) {
	data, err := b.ReadBinaryFile(ctx, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadBinaryFile reads from the mirror.
func (b *Backend) ReadBinaryFile(ctx context.Context, path string) ([]byte, error) {
	b.mu.Lock()
	f, ok := filetree.ReadFile(b.mirror, path)
	b.mu.Unlock()
	if !ok {
		return nil, errors.NotFound(path)
	}
	return f.Bytes()
}

// DeleteFile removes path on the companion.
func (b *Backend) DeleteFile(ctx context.Context, path string) error {
	if err := b.runPathCommand(ctx, "rm", "-rf", path); err != nil {
		return err
	}
	b.mu.Lock()
	b.mirror = filetree.Delete(b.mirror, path)
	b.mu.Unlock()
	return nil
}

// Mkdir creates path on the companion.
func (b *Backend) Mkdir(ctx context.Context, path string) error {
	if err := b.runPathCommand(ctx, "mkdir", "-p", path); err != nil {
		return err
	}
	b.mu.Lock()
	if _, ok := filetree.Get(b.mirror, path); !ok {
		b.mirror = filetree.SetNode(b.mirror, path, filetree.NewDir(nil))
	}
	b.mu.Unlock()
	return nil
}

func (b *Backend) runPathCommand(ctx context.Context, name, flag, path string) error {
	if err := command.NewSafeBuilder().Validate("fileName", path); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid path")
	}
	var resp ExecResponse
	req := ExecRequest{Cmd: name, Args: []string{flag, "--", path}}
	if err := b.do(ctx, http.MethodPost, PathExec, req, &resp); err != nil {
		return err
	}
	if resp.ExitCode != 0 {
		return errors.CommandFailed(name, fmt.Errorf("exit code %d: %s", resp.ExitCode, resp.Output))
	}
	return nil
}

// Readdir lists the mirror.
func (b *Backend) Readdir(ctx context.Context, path string) ([]backend.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	children := b.mirror
	if path != "" && path != "." && path != "/" {
		n, ok := filetree.Get(b.mirror, path)
		if !ok || !n.IsDir() {
			return nil, errors.NotFound(path)
		}
		children = n.Directory
	}
	entries := make([]backend.Entry, 0, len(children))
	for name, n := range children {
		entries = append(entries, backend.Entry{Name: name, IsDir: n.IsDir()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Clean removes generated source on the companion and resets the mirror.
func (b *Backend) Clean(ctx context.Context, full bool) error {
	if err := b.do(ctx, http.MethodPost, PathClean, CleanRequest{Full: full}, nil); err != nil {
		return err
	}
	b.mu.Lock()
	b.mirror = filetree.Tree{}
	b.mu.Unlock()
	return nil
}

// RunInstall installs dependencies and returns the exit code.
func (b *Backend) RunInstall(ctx context.Context) (int, error) {
	return b.runToCompletion(ctx, backend.StateInstalling, b.opts.PackageManager, workdir.InstallArgs(b.opts.PackageManager))
}

// RunBuild runs the build script and returns the exit code.
func (b *Backend) RunBuild(ctx context.Context, args []string) (int, error) {
	return b.runToCompletion(ctx, "", b.opts.PackageManager, workdir.RunArgs(b.opts.PackageManager, "build", args))
}

func (b *Backend) runToCompletion(ctx context.Context, state backend.State, name string, args []string) (int, error) {
	prev := b.Status().State
	if state != "" {
		b.SetState(state)
	}
	proc, err := b.Exec(ctx, name, args, backend.ExecOptions{Stream: true})
	if err != nil {
		if state != "" {
			b.SetState(prev)
		}
		return -1, err
	}

	var recent []string
	for line := range proc.Output {
		recent = append(recent, line)
		if len(recent) > tailLines {
			recent = recent[1:]
		}
	}
	code, err := proc.Wait(ctx)
	if err != nil {
		proc.Kill()
		return -1, err
	}

	b.Update(func(s *backend.Status) {
		if code != 0 {
			s.State = backend.StateError
			s.BuildError = strings.Join(recent, "\n")
			return
		}
		if state != "" {
			s.State = prev
		}
	})
	return code, nil
}

// StartDevServer runs the dev script over an exec stream that lives until
// StopDevServer. Readiness comes from a ready frame or the printed URL.
func (b *Backend) StartDevServer(ctx context.Context) error {
	if err := b.StopDevServer(ctx); err != nil {
		return err
	}

	b.ArmReady()
	b.Update(func(s *backend.Status) {
		s.State = backend.StateStarting
		s.URL = ""
		s.BuildError = ""
	})

	// The server outlives the request that started it.
	args := workdir.RunArgs(b.opts.PackageManager, b.opts.DevScript, nil)
	proc, err := b.openStream(context.Background(), ExecRequest{Cmd: b.opts.PackageManager, Args: args}, b.Hub)
	if err != nil {
		b.SetState(backend.StateError)
		return err
	}

	b.mu.Lock()
	b.dev = proc
	b.mu.Unlock()

	go func() {
		var recent []string
		backend.WatchReady(proc, b.Hub, func(line string) {
			b.logger.WithField("stream", "dev").Debug(line)
			recent = append(recent, line)
			if len(recent) > tailLines {
				recent = recent[1:]
			}
		})
		code, _ := proc.Wait(context.Background())

		b.mu.Lock()
		current := b.dev == proc
		if current {
			b.dev = nil
		}
		b.mu.Unlock()
		if !current {
			return
		}
		b.Update(func(s *backend.Status) {
			s.State = backend.StateError
			s.URL = ""
			s.BuildError = strings.Join(recent, "\n")
		})
		b.logger.WithField("exitCode", code).Warn("Dev server exited")
	}()
	return nil
}

// StopDevServer closes the dev stream and asks the companion to stop its
// processes.
func (b *Backend) StopDevServer(ctx context.Context) error {
	b.mu.Lock()
	proc := b.dev
	b.dev = nil
	b.mu.Unlock()
	if proc == nil {
		return nil
	}

	proc.Kill()
	var resp StopResponse
	err := b.do(ctx, http.MethodPost, PathStop, nil, &resp)
	b.Update(func(s *backend.Status) {
		s.State = backend.StateStopped
		s.URL = ""
	})
	if err != nil && !backend.IsNotReady(err) {
		return err
	}
	b.logger.WithField("stopped", resp.Stopped).Debug("Dev server stopped")
	return nil
}

// Exec runs cmd on the companion. With opts.Stream the output arrives over
// /exec-stream as it is produced; otherwise it is delivered after exit.
func (b *Backend) Exec(ctx context.Context, cmd string, args []string, opts backend.ExecOptions) (*backend.Process, error) {
	req := ExecRequest{Cmd: cmd, Args: args, Env: opts.Env}
	if opts.Stream {
		return b.openStream(ctx, req, nil)
	}

	var resp ExecResponse
	if err := b.do(ctx, http.MethodPost, PathExec, req, &resp); err != nil {
		return nil, err
	}
	metrics.RecordExec(b.kind, resp.ExitCode)
	proc := command.NewProcess(nil)
	if resp.Output != "" {
		for _, line := range strings.Split(strings.TrimRight(resp.Output, "\n"), "\n") {
			proc.Emit(line)
		}
	}
	proc.CloseOutput()
	proc.Resolve(resp.ExitCode, nil)
	return proc, nil
}

// openStream starts an exec stream. Ready frames are reported to hub when
// it is non-nil.
func (b *Backend) openStream(ctx context.Context, req ExecRequest, hub *backend.Hub) (*command.Process, error) {
	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+PathExecStream+"?"+req.Query().Encode(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.stream.Do(httpReq)
	if err != nil {
		cancel()
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, decodeError(resp)
	}

	proc := command.NewProcess(cancel)
	go func() {
		defer resp.Body.Close()
		defer cancel()

		code, streamErr := -1, error(nil)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()

			// Skip comments and empty lines
			if strings.HasPrefix(line, ":") || line == "" {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var frame Frame
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
				continue // Skip malformed data
			}
			switch {
			case frame.Output != nil:
				proc.Emit(*frame.Output)
			case frame.Ready != "":
				if hub != nil {
					hub.ServerReady(frame.Ready)
				}
			case frame.Done != nil:
				code = *frame.Done
			case frame.Error != "":
				streamErr = errors.New(errors.ErrCodeCommandFailed, frame.Error).WithDetail("cmd", req.Cmd)
			}
		}
		if code < 0 && streamErr == nil {
			if err := scanner.Err(); err != nil && ctx.Err() == nil {
				streamErr = errors.Wrap(err, errors.ErrCodeStreamError, "exec stream broken")
			} else if ctx.Err() != nil {
				streamErr = ctx.Err()
			} else {
				streamErr = errors.New(errors.ErrCodeStreamError, "exec stream ended without exit code")
			}
		}
		proc.CloseOutput()
		if streamErr == nil {
			metrics.RecordExec(b.kind, code)
		}
		proc.Resolve(code, streamErr)
	}()
	return proc, nil
}

// Close stops the dev server and releases subscribers. The companion keeps
// running; its lifetime is not ours.
func (b *Backend) Close(ctx context.Context) error {
	err := b.StopDevServer(ctx)
	b.mu.Lock()
	b.mirror = filetree.Tree{}
	b.mu.Unlock()
	b.SetState(backend.StateIdle)
	b.CloseSubscribers()
	b.client.CloseIdleConnections()
	return err
}

// do sends a JSON request and decodes a JSON response into out.
func (b *Backend) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to decode companion response").
			WithDetail("path", path)
	}
	return nil
}

// transportError maps an unreachable companion to the not-initialized
// condition so callers boot and retry.
func transportError(err error) error {
	var opErr *net.OpError
	if stderrors.As(err, &opErr) && opErr.Op == "dial" || stderrors.Is(err, syscall.ECONNREFUSED) {
		return errors.Wrap(err, errors.ErrCodeBackendNotReady, "companion is not reachable")
	}
	return errors.Wrap(err, errors.ErrCodeInternal, "companion request failed")
}

// decodeError turns an error response into a GroveError, keeping the
// server's code when it sent one.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var ge errors.GroveError
	if err := json.Unmarshal(data, &ge); err == nil && ge.Code != "" {
		return &ge
	}
	if resp.StatusCode == http.StatusConflict {
		return errors.New(errors.ErrCodeBackendNotReady, strings.TrimSpace(string(data)))
	}
	return errors.New(errors.ErrCodeInternal, fmt.Sprintf("companion returned status %d", resp.StatusCode)).
		WithDetail("body", strings.TrimSpace(string(data)))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Ensure Backend implements backend.Backend.
var _ backend.Backend = (*Backend)(nil)
