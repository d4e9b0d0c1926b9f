// Package fsstore provides the canonical in-memory project tree.
package fsstore

// UpdateType defines what kind of change was applied.
type UpdateType string

const (
	UpdateReplaced     UpdateType = "replaced"
	UpdateFileWritten  UpdateType = "file_written"
	UpdateFileDeleted  UpdateType = "file_deleted"
	UpdateBaseTemplate UpdateType = "base_template"
)

// Update describes a committed change to the store.
type Update struct {
	Type    UpdateType
	Source  string // Which component made the change (e.g., "reload", "generation", "editor")
	Path    string // Set for single-file updates
	Version uint64
}

// ManifestPath is the dependency manifest compared by the reload fast path.
const ManifestPath = "package.json"
