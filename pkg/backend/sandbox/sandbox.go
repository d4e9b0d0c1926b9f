// Package sandbox is the in-process execution backend: each project is
// materialised in its own workspace directory and commands run as child
// processes of the orchestrator.
package sandbox

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grovetools/preview/command"
	"github.com/grovetools/preview/config"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/logging"
	"github.com/grovetools/preview/pkg/backend"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/grovetools/preview/pkg/metrics"
	"github.com/grovetools/preview/pkg/paths"
	"github.com/grovetools/preview/pkg/workdir"
	"github.com/sirupsen/logrus"
)

// tailLines is how much command output is kept as the build error.
const tailLines = 40

// Backend runs projects in local workspace directories.
type Backend struct {
	*backend.Hub

	opts   config.SandboxOptions
	root   string
	logger *logrus.Entry

	mu  sync.Mutex
	dir *workdir.Dir
	dev *command.Process
}

// New creates a sandbox backend from decoded options.
func New(opts config.SandboxOptions) *Backend {
	root := opts.Root
	if root == "" {
		root = filepath.Join(paths.WorkspacesDir(), "sandbox")
	}
	if opts.DevScript == "" {
		opts.DevScript = "dev"
	}
	return &Backend{
		Hub:    backend.NewHub(backend.KindSandbox),
		opts:   opts,
		root:   root,
		logger: logging.NewLogger("backend-sandbox"),
	}
}

// Kind returns "sandbox".
func (b *Backend) Kind() string { return backend.KindSandbox }

// Boot opens the workspace for projectID.
func (b *Backend) Boot(ctx context.Context, projectID string) error {
	if projectID == "" {
		projectID = "scratch"
	}

	b.mu.Lock()
	if b.dir != nil && b.Status().ProjectID == projectID {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := command.NewSafeBuilder().Validate("projectID", projectID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid project id")
	}

	b.SetState(backend.StateBooting)
	dir, err := workdir.New(filepath.Join(b.root, projectID), b.opts.Keep, b.logger)
	if err != nil {
		b.SetState(backend.StateError)
		return err
	}

	b.mu.Lock()
	old := b.dev
	b.dev = nil
	b.dir = dir
	b.mu.Unlock()
	if old != nil {
		old.Kill()
	}

	b.Update(func(s *backend.Status) {
		s.State = backend.StateReady
		s.ProjectID = projectID
		s.URL = ""
		s.BuildError = ""
	})
	b.logger.WithField("project", projectID).Info("Sandbox booted")
	return nil
}

func (b *Backend) workspace() (*workdir.Dir, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dir == nil {
		return nil, errors.NotInitialized(backend.KindSandbox)
	}
	return b.dir, nil
}

// Mount writes tree into the workspace.
func (b *Backend) Mount(ctx context.Context, tree filetree.Tree) error {
	dir, err := b.workspace()
	if err != nil {
		return err
	}
	return dir.Mount(tree)
}

// MountProject is unsupported: the sandbox keeps no persisted projects.
func (b *Backend) MountProject(ctx context.Context, projectID string) error {
	return errors.New(errors.ErrCodeNotFound, "sandbox cannot mount by project id").
		WithDetail("projectId", projectID)
}

// WriteFile writes raw bytes.
func (b *Backend) WriteFile(ctx context.Context, path string, data []byte) error {
	dir, err := b.workspace()
	if err != nil {
		return err
	}
	return dir.WriteFile(path, data)
}

// ReadFile returns the file as text.
func (b *Backend) ReadFile(ctx context.Context, path string) (string, error) {
	data, err := b.ReadBinaryFile(ctx, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadBinaryFile returns the file bytes.
func (b *Backend) ReadBinaryFile(ctx context.Context, path string) ([]byte, error) {
	dir, err := b.workspace()
	if err != nil {
		return nil, err
	}
	return dir.ReadFile(path)
}

// DeleteFile removes path.
func (b *Backend) DeleteFile(ctx context.Context, path string) error {
	dir, err := b.workspace()
	if err != nil {
		return err
	}
	return dir.DeleteFile(path)
}

// Mkdir creates path.
func (b *Backend) Mkdir(ctx context.Context, path string) error {
	dir, err := b.workspace()
	if err != nil {
		return err
	}
	return dir.Mkdir(path)
}

// Readdir lists path.
func (b *Backend) Readdir(ctx context.Context, path string) ([]backend.Entry, error) {
	dir, err := b.workspace()
	if err != nil {
		return nil, err
	}
	return dir.Readdir(path)
}

// Clean removes generated source, and dependencies when full.
func (b *Backend) Clean(ctx context.Context, full bool) error {
	dir, err := b.workspace()
	if err != nil {
		return err
	}
	return dir.Clean(full)
}

// RunInstall installs dependencies and returns the exit code.
func (b *Backend) RunInstall(ctx context.Context) (int, error) {
	dir, err := b.workspace()
	if err != nil {
		return -1, err
	}
	pm := dir.PackageManager(b.opts.PackageManager)
	return b.runToCompletion(ctx, dir, backend.StateInstalling, pm, workdir.InstallArgs(pm))
}

// RunBuild runs the build script with args and returns the exit code.
func (b *Backend) RunBuild(ctx context.Context, args []string) (int, error) {
	dir, err := b.workspace()
	if err != nil {
		return -1, err
	}
	pm := dir.PackageManager(b.opts.PackageManager)
	return b.runToCompletion(ctx, dir, "", pm, workdir.RunArgs(pm, "build", args))
}

func (b *Backend) runToCompletion(ctx context.Context, dir *workdir.Dir, state backend.State, name string, args []string) (int, error) {
	prev := b.Status().State
	if state != "" {
		b.SetState(state)
	}
	proc, err := dir.Start(ctx, name, args, nil)
	if err != nil {
		b.SetState(backend.StateError)
		return -1, err
	}

	out, code, err := proc.Collect(ctx)
	metrics.RecordExec(backend.KindSandbox, code)
	if err != nil {
		proc.Kill()
		return -1, err
	}

	b.Update(func(s *backend.Status) {
		if code != 0 {
			s.State = backend.StateError
			s.BuildError = tail(out, tailLines)
			return
		}
		if state != "" {
			s.State = prev
		}
	})
	b.logger.WithFields(logrus.Fields{"cmd": name + " " + strings.Join(args, " "), "exitCode": code}).Debug("Command finished")
	return code, nil
}

// StartDevServer launches the dev script. Readiness is reported through
// OnServerReady once the server prints its URL.
func (b *Backend) StartDevServer(ctx context.Context) error {
	dir, err := b.workspace()
	if err != nil {
		return err
	}
	if err := b.StopDevServer(ctx); err != nil {
		return err
	}

	pm := dir.PackageManager(b.opts.PackageManager)
	b.ArmReady()
	b.Update(func(s *backend.Status) {
		s.State = backend.StateStarting
		s.URL = ""
		s.BuildError = ""
	})

	// The server outlives the request that started it.
	proc, err := dir.StartService(context.Background(), pm, workdir.RunArgs(pm, b.opts.DevScript, nil), nil)
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
		b.devExited(proc, recent)
	}()
	return nil
}

// devExited records a dev server that died on its own as a build error.
func (b *Backend) devExited(proc *command.Process, recent []string) {
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
}

// StopDevServer kills the dev server if one is running.
func (b *Backend) StopDevServer(ctx context.Context) error {
	b.mu.Lock()
	proc := b.dev
	b.dev = nil
	b.mu.Unlock()
	if proc == nil {
		return nil
	}

	proc.Kill()
	_, err := proc.Wait(ctx)
	b.Update(func(s *backend.Status) {
		s.State = backend.StateStopped
		s.URL = ""
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTimeout, "dev server did not exit")
	}
	return nil
}

// Exec runs cmd in the workspace.
func (b *Backend) Exec(ctx context.Context, cmd string, args []string, opts backend.ExecOptions) (*backend.Process, error) {
	dir, err := b.workspace()
	if err != nil {
		return nil, err
	}
	proc, err := dir.Start(ctx, cmd, args, opts.Env)
	if err != nil {
		return nil, err
	}
	go func() {
		code, _ := proc.Wait(context.Background())
		metrics.RecordExec(backend.KindSandbox, code)
	}()
	return proc, nil
}

// Close stops the dev server and releases subscribers.
func (b *Backend) Close(ctx context.Context) error {
	err := b.StopDevServer(ctx)
	b.mu.Lock()
	b.dir = nil
	b.mu.Unlock()
	b.SetState(backend.StateIdle)
	b.CloseSubscribers()
	return err
}

func tail(out string, n int) string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Ensure Backend implements backend.Backend.
var _ backend.Backend = (*Backend)(nil)
