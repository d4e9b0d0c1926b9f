package mocks

import (
	"context"
	"sync"

	"github.com/grovetools/preview/command"
	"github.com/grovetools/preview/pkg/backend"
	"github.com/grovetools/preview/pkg/filetree"
)

// MockBackend is a mock implementation of backend.Backend for testing.
// Unset funcs succeed; every call is recorded by name.
type MockBackend struct {
	*backend.Hub

	BootFunc           func(ctx context.Context, projectID string) error
	MountFunc          func(ctx context.Context, tree filetree.Tree) error
	MountProjectFunc   func(ctx context.Context, projectID string) error
	WriteFileFunc      func(ctx context.Context, path string, data []byte) error
	ReadFileFunc       func(ctx context.Context, path string) (string, error)
	ReadBinaryFileFunc func(ctx context.Context, path string) ([]byte, error)
	DeleteFileFunc     func(ctx context.Context, path string) error
	MkdirFunc          func(ctx context.Context, path string) error
	ReaddirFunc        func(ctx context.Context, path string) ([]backend.Entry, error)
	CleanFunc          func(ctx context.Context, full bool) error

	// Lifecycle
	RunInstallFunc     func(ctx context.Context) (int, error)
	RunBuildFunc       func(ctx context.Context, args []string) (int, error)
	StartDevServerFunc func(ctx context.Context) error
	StopDevServerFunc  func(ctx context.Context) error
	ExecFunc           func(ctx context.Context, cmd string, args []string, opts backend.ExecOptions) (*backend.Process, error)
	CloseFunc          func(ctx context.Context) error

	mu      sync.Mutex
	calls   []string
	mounted []filetree.Tree
}

// New returns a mock in the idle state.
func New() *MockBackend {
	return &MockBackend{Hub: backend.NewHub("mock")}
}

func (m *MockBackend) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

// Calls returns the recorded call names in order.
func (m *MockBackend) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.calls...)
}

// Count returns how often name was called.
func (m *MockBackend) Count(name string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

// Mounted returns every tree passed to Mount.
func (m *MockBackend) Mounted() []filetree.Tree {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]filetree.Tree{}, m.mounted...)
}

// Reset clears the recorded calls and mounts.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.mounted = nil
}

// Kind returns "mock".
func (m *MockBackend) Kind() string { return "mock" }

// Boot calls the mock function and moves to ready on success.
func (m *MockBackend) Boot(ctx context.Context, projectID string) error {
	m.record("Boot")
	if m.BootFunc != nil {
		if err := m.BootFunc(ctx, projectID); err != nil {
			return err
		}
	}
	m.Update(func(s *backend.Status) {
		s.State = backend.StateReady
		s.ProjectID = projectID
	})
	return nil
}

// Mount calls the mock function
func (m *MockBackend) Mount(ctx context.Context, tree filetree.Tree) error {
	m.record("Mount")
	if m.MountFunc != nil {
		if err := m.MountFunc(ctx, tree); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.mounted = append(m.mounted, tree)
	m.mu.Unlock()
	return nil
}

// MountProject calls the mock function
func (m *MockBackend) MountProject(ctx context.Context, projectID string) error {
	m.record("MountProject")
	if m.MountProjectFunc != nil {
		return m.MountProjectFunc(ctx, projectID)
	}
	return nil
}

// WriteFile calls the mock function
func (m *MockBackend) WriteFile(ctx context.Context, path string, data []byte) error {
	m.record("WriteFile")
	if m.WriteFileFunc != nil {
		return m.WriteFileFunc(ctx, path, data)
	}
	return nil
}

// ReadFile calls the mock function
func (m *MockBackend) ReadFile(ctx context.Context, path string) (string, error) {
	m.record("ReadFile")
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(ctx, path)
	}
	return "", nil
}

// ReadBinaryFile calls the mock function
func (m *MockBackend) ReadBinaryFile(ctx context.Context, path string) ([]byte, error) {
	m.record("ReadBinaryFile")
	if m.ReadBinaryFileFunc != nil {
		return m.ReadBinaryFileFunc(ctx, path)
	}
	return nil, nil
}

// DeleteFile calls the mock function
func (m *MockBackend) DeleteFile(ctx context.Context, path string) error {
	m.record("DeleteFile")
	if m.DeleteFileFunc != nil {
		return m.DeleteFileFunc(ctx, path)
	}
	return nil
}

// Mkdir calls the mock function
func (m *MockBackend) Mkdir(ctx context.Context, path string) error {
	m.record("Mkdir")
	if m.MkdirFunc != nil {
		return m.MkdirFunc(ctx, path)
	}
	return nil
}

// Readdir calls the mock function
func (m *MockBackend) Readdir(ctx context.Context, path string) ([]backend.Entry, error) {
	m.record("Readdir")
	if m.ReaddirFunc != nil {
		return m.ReaddirFunc(ctx, path)
	}
	return nil, nil
}

// Clean calls the mock function
func (m *MockBackend) Clean(ctx context.Context, full bool) error {
	if full {
		m.record("CleanFull")
	} else {
		m.record("Clean")
	}
	if m.CleanFunc != nil {
		return m.CleanFunc(ctx, full)
	}
	return nil
}

// RunInstall calls the mock function
func (m *MockBackend) RunInstall(ctx context.Context) (int, error) {
	m.record("RunInstall")
	if m.RunInstallFunc != nil {
		return m.RunInstallFunc(ctx)
	}
	return 0, nil
}

// RunBuild calls the mock function
func (m *MockBackend) RunBuild(ctx context.Context, args []string) (int, error) {
	m.record("RunBuild")
	if m.RunBuildFunc != nil {
		return m.RunBuildFunc(ctx, args)
	}
	return 0, nil
}

// StartDevServer calls the mock function. Without one it reports a local
// URL through the ready callbacks.
func (m *MockBackend) StartDevServer(ctx context.Context) error {
	m.record("StartDevServer")
	m.ArmReady()
	if m.StartDevServerFunc != nil {
		return m.StartDevServerFunc(ctx)
	}
	m.ServerReady("http://localhost:5173")
	return nil
}

// StopDevServer calls the mock function
func (m *MockBackend) StopDevServer(ctx context.Context) error {
	m.record("StopDevServer")
	if m.StopDevServerFunc != nil {
		if err := m.StopDevServerFunc(ctx); err != nil {
			return err
		}
	}
	m.Update(func(s *backend.Status) {
		s.State = backend.StateStopped
		s.URL = ""
	})
	return nil
}

// Exec calls the mock function. Without one it returns a process that
// exits 0 with no output.
func (m *MockBackend) Exec(ctx context.Context, cmd string, args []string, opts backend.ExecOptions) (*backend.Process, error) {
	m.record("Exec")
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, cmd, args, opts)
	}
	proc := command.NewProcess(nil)
	proc.CloseOutput()
	proc.Resolve(0, nil)
	return proc, nil
}

// Close calls the mock function
func (m *MockBackend) Close(ctx context.Context) error {
	m.record("Close")
	if m.CloseFunc != nil {
		return m.CloseFunc(ctx)
	}
	return nil
}

// Ensure MockBackend implements backend.Backend.
var _ backend.Backend = (*MockBackend)(nil)
