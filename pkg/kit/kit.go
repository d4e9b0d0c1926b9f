// Package kit loads base templates. A kit is a directory holding a
// kit.jsonc manifest and a template/ tree that generated files are
// overlaid onto.
package kit

import (
	"embed"
	"encoding/json"
	"io/fs"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/tidwall/jsonc"
)

// DefaultID is the id of the built-in kit.
const DefaultID = "default"

const (
	manifestName = "kit.jsonc"
	templateDir  = "template"
)

//go:embed all:builtin
var builtinFS embed.FS

// Manifest is the kit.jsonc document.
type Manifest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Kit is an immutable base template.
type Kit struct {
	ID       string
	Manifest Manifest
	Files    filetree.Tree
	// Hash fingerprints Files.
	Hash string
}

// Registry holds the known kits by id.
type Registry struct {
	mu        sync.RWMutex
	kits      map[string]*Kit
	defaultID string
}

// NewRegistry returns a registry holding the built-in kits. defaultID names
// the kit Default returns; empty means DefaultID.
func NewRegistry(defaultID string) (*Registry, error) {
	if defaultID == "" {
		defaultID = DefaultID
	}
	r := &Registry{kits: make(map[string]*Kit), defaultID: defaultID}
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		return nil, err
	}
	if err := r.load(sub); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadDir adds every kit found under dir, replacing built-ins with the same
// id. A missing dir is not an error.
func (r *Registry) LoadDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return r.load(os.DirFS(dir))
}

func (r *Registry) load(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to list kits")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		k, err := Load(fsys, e.Name())
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.kits[k.ID] = k
		r.mu.Unlock()
	}
	return nil
}

// Load reads the kit named id from fsys.
func Load(fsys fs.FS, id string) (*Kit, error) {
	k := &Kit{ID: id, Manifest: Manifest{Name: id}}

	raw, err := fs.ReadFile(fsys, path.Join(id, manifestName))
	switch {
	case err == nil:
		if err := json.Unmarshal(jsonc.ToJSON(raw), &k.Manifest); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid kit manifest").
				WithDetail("kit", id)
		}
	case !os.IsNotExist(err):
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read kit manifest")
	}

	root := path.Join(id, templateDir)
	files := filetree.Tree{}
	if _, err := fs.Stat(fsys, root); os.IsNotExist(err) {
		k.Files = files
		k.Hash = filetree.Hash(files)
		return k, nil
	}
	err = fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		rel := p[len(root)+1:]
		files = filetree.SetNode(files, rel, filetree.FromBytes(data))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read kit template").
			WithDetail("kit", id)
	}

	k.Files = files
	k.Hash = filetree.Hash(files)
	return k, nil
}

// Get returns the kit for id; an empty id means the default kit.
func (r *Registry) Get(id string) (*Kit, error) {
	if id == "" {
		return r.Default()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kits[id]
	if !ok {
		return nil, errors.KitNotFound(id)
	}
	return k, nil
}

// Default returns the configured default kit, falling back to the
// built-in one when the configured id is unknown.
func (r *Registry) Default() (*Kit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.kits[r.defaultID]; ok {
		return k, nil
	}
	if k, ok := r.kits[DefaultID]; ok {
		return k, nil
	}
	return nil, errors.KitNotFound(r.defaultID)
}

// IDs lists the known kit ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.kits))
	for id := range r.kits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
