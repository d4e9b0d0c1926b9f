// Package backend defines the execution backend contract shared by the
// sandbox, companion and desktop implementations, plus the retry, stop and
// detection helpers every caller uses.
package backend

import (
	"context"

	"github.com/grovetools/preview/command"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/grovetools/preview/pkg/workdir"
)

// Backend kinds.
const (
	KindSandbox   = "sandbox"
	KindCompanion = "companion"
	KindDesktop   = "desktop"
)

// Process is a running command: streamed output plus an exit status that
// resolves independently of the stream.
type Process = command.Process

// Entry is one readdir result.
type Entry = workdir.Entry

// ExecOptions tunes Exec.
type ExecOptions struct {
	Env map[string]string
	// Stream requests incremental output. Without it an implementation may
	// buffer the whole output and deliver it once the command exits.
	Stream bool
}

// Backend owns a process environment for one project: it mounts files,
// installs dependencies, runs and stops a dev server and executes commands.
//
// Mount, Exec and the lifecycle calls fail with an error carrying
// errors.ErrCodeBackendNotReady until Boot succeeds; see WithBootRetry.
type Backend interface {
	// Kind names the implementation.
	Kind() string

	// Boot provisions the backend for projectID. Booting an already booted
	// backend for the same project is cheap.
	Boot(ctx context.Context, projectID string) error

	// Mount writes a full or sparse tree into the backend filesystem.
	Mount(ctx context.Context, tree filetree.Tree) error

	// MountProject asks the backend to load a persisted project by id
	// instead of receiving its files. Backends without persisted storage
	// return an error and callers fall back to Mount.
	MountProject(ctx context.Context, projectID string) error

	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) (string, error)
	ReadBinaryFile(ctx context.Context, path string) ([]byte, error)
	DeleteFile(ctx context.Context, path string) error
	Mkdir(ctx context.Context, path string) error
	Readdir(ctx context.Context, path string) ([]Entry, error)

	// Clean removes generated source; full also removes dependencies and lockfiles.
	Clean(ctx context.Context, full bool) error

	RunInstall(ctx context.Context) (int, error)
	RunBuild(ctx context.Context, args []string) (int, error)
	StartDevServer(ctx context.Context) error
	StopDevServer(ctx context.Context) error

	Exec(ctx context.Context, cmd string, args []string, opts ExecOptions) (*Process, error)

	// Status returns the current observable state.
	Status() Status
	// Subscribe returns a channel receiving every status change.
	Subscribe() chan Status
	Unsubscribe(ch chan Status)
	// OnServerReady registers fn to run once each time the dev server
	// reports its URL.
	OnServerReady(fn func(url string))

	Close(ctx context.Context) error
}
