// Package workdir materialises a project tree on disk and runs commands in it.
// It backs the sandbox backend and the companion server.
package workdir

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/grovetools/preview/command"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/moby/patternmatcher"
	"github.com/sirupsen/logrus"
)

// DependencyPatterns survive a non-full clean: installed packages and lockfiles.
var DependencyPatterns = []string{
	"node_modules",
	".npm",
	".pnpm-store",
	"package-lock.json",
	"pnpm-lock.yaml",
	"yarn.lock",
	"bun.lockb",
}

// Entry is one readdir result.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

// Dir is an on-disk project workspace.
type Dir struct {
	root    string
	keep    []string
	builder *command.SafeBuilder
	logger  *logrus.Entry
	mu      sync.Mutex
}

// New creates the workspace root if needed. keep lists patterns that
// survive every clean, full or not.
func New(root string, keep []string, logger *logrus.Entry) (*Dir, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create workspace").
			WithDetail("root", root)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dir{
		root:    root,
		keep:    keep,
		builder: command.NewSafeBuilder(),
		logger:  logger.WithField("workspace", root),
	}, nil
}

// Root returns the absolute workspace directory.
func (d *Dir) Root() string {
	return d.root
}

// Builder exposes the command builder so callers can restrict programs.
func (d *Dir) Builder() *command.SafeBuilder {
	return d.builder
}

// resolve maps a slash separated project path into the workspace.
func (d *Dir) resolve(p string) (string, error) {
	clean := filetree.Join(filetree.Split(p)...)
	if clean == "" {
		return d.root, nil
	}
	if err := d.builder.Validate("fileName", clean); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid path").WithDetail("path", p)
	}
	return filepath.Join(d.root, filepath.FromSlash(clean)), nil
}

// Mount writes every file of tree, creating directories as needed.
// Binary payloads are decoded before writing.
func (d *Dir) Mount(tree filetree.Tree) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var count int
	var firstErr error
	filetree.Walk(tree, func(p string, f *filetree.File) {
		if firstErr != nil {
			return
		}
		data, err := f.Bytes()
		if err != nil {
			firstErr = errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to decode file").WithDetail("path", p)
			return
		}
		if err := d.writeLocked(p, data); err != nil {
			firstErr = err
			return
		}
		count++
	})
	d.logger.WithField("files", count).Debug("Mounted tree")
	return firstErr
}

// WriteFile writes raw bytes at path.
func (d *Dir) WriteFile(p string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(p, data)
}

func (d *Dir) writeLocked(p string, data []byte) error {
	full, err := d.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create directory").WithDetail("path", p)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write file").WithDetail("path", p)
	}
	return nil
}

// ReadFile returns the bytes at path.
func (d *Dir) ReadFile(p string) ([]byte, error) {
	full, err := d.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(p)
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read file").WithDetail("path", p)
	}
	return data, nil
}

// DeleteFile removes path. A missing path is not an error.
func (d *Dir) DeleteFile(p string) error {
	full, err := d.resolve(p)
	if err != nil {
		return err
	}
	if full == d.root {
		return errors.New(errors.ErrCodeInvalidInput, "refusing to delete workspace root")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.RemoveAll(full); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete").WithDetail("path", p)
	}
	return nil
}

// Mkdir creates path and any parents.
func (d *Dir) Mkdir(p string) error {
	full, err := d.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0755); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create directory").WithDetail("path", p)
	}
	return nil
}

// Readdir lists path sorted by name.
func (d *Dir) Readdir(p string) ([]Entry, error) {
	full, err := d.resolve(p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(p)
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read directory").WithDetail("path", p)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

// Clean removes generated source. Dependencies and lockfiles survive unless
// full is set; the workspace keep patterns always survive.
func (d *Dir) Clean(full bool) error {
	patterns := append([]string{}, d.keep...)
	if !full {
		patterns = append(patterns, DependencyPatterns...)
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid keep pattern")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var dirs []string
	var removed int
	err = filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == d.root {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		keep, err := pm.MatchesOrParentMatches(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if keep {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		removed++
		return os.Remove(path)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clean workspace")
	}

	// Deepest first; directories still holding kept entries stay.
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, dir := range dirs {
		os.Remove(dir)
	}

	d.logger.WithFields(logrus.Fields{"full": full, "removed": removed}).Debug("Cleaned workspace")
	return nil
}

// Command prepares name in the workspace with env added to the inherited environment.
func (d *Dir) Command(ctx context.Context, name string, args []string, env map[string]string) (*command.Command, error) {
	cmd, err := d.builder.Build(ctx, name, args...)
	if err != nil {
		return nil, errors.CommandFailed(name, err)
	}
	return cmd.WithDir(d.root).WithEnv(env), nil
}

// Start runs name in the workspace and streams its output. The command is
// bounded by the builder's default timeout.
func (d *Dir) Start(ctx context.Context, name string, args []string, env map[string]string) (*command.Process, error) {
	cmd, err := d.Command(ctx, name, args, env)
	if err != nil {
		return nil, err
	}
	return d.start(cmd)
}

// StartService is Start without a deadline, for dev servers that run
// until stopped.
func (d *Dir) StartService(ctx context.Context, name string, args []string, env map[string]string) (*command.Process, error) {
	cmd, err := d.Command(ctx, name, args, env)
	if err != nil {
		return nil, err
	}
	return d.start(cmd.WithTimeout(ctx, 0))
}

func (d *Dir) start(cmd *command.Command) (*command.Process, error) {
	name := cmd.String()
	d.logger.WithField("cmd", name).Debug("Starting command")
	proc, err := cmd.Start()
	if err != nil {
		return nil, errors.CommandFailed(name, err)
	}
	return proc, nil
}

// Snapshot reads the workspace back into a tree, skipping ignore patterns.
func (d *Dir) Snapshot(ignore []string) (filetree.Tree, error) {
	pm, err := patternmatcher.New(ignore)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid ignore pattern")
	}

	tree := filetree.Tree{}
	err = filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || path == d.root {
			return err
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		skip, err := pm.MatchesOrParentMatches(rel)
		if err != nil {
			return err
		}
		if skip {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tree = filetree.SetNode(tree, rel, filetree.FromBytes(data))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to snapshot workspace")
	}
	return tree, nil
}
