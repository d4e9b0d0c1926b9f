// Package filetree implements the project file tree: a nested map of names to
// file or directory nodes, the overlay merge used to combine a base template
// with generated files, and path-addressed CRUD.
//
// Trees are values. Every function in this package returns a new tree and
// leaves its inputs untouched; unchanged subtrees are shared between the input
// and the result, so callers must not mutate nodes they did not create.
package filetree

import (
	"encoding/json"
	"fmt"
)

// EncodingBase64 marks file contents that are base64 encoded bytes.
const EncodingBase64 = "base64"

// Tree is the set of children of a directory, keyed by name.
// A project tree is the root directory's Tree.
type Tree map[string]*Node

// File is a leaf with textual contents. Binary payloads are carried as
// base64 (Encoding == "base64") or as data: URIs.
type File struct {
	Contents string `json:"contents"`
	Encoding string `json:"encoding,omitempty"`
}

// Node is exactly one of a file or a directory. A node with a nil File is a
// directory; its Directory map may be nil when empty.
type Node struct {
	File      *File
	Directory Tree
}

// NewFile returns a text file node.
func NewFile(contents string) *Node {
	return &Node{File: &File{Contents: contents}}
}

// NewDir returns a directory node holding children.
func NewDir(children Tree) *Node {
	if children == nil {
		children = Tree{}
	}
	return &Node{Directory: children}
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool {
	return n != nil && n.File == nil
}

// IsFile reports whether the node is a file.
func (n *Node) IsFile() bool {
	return n != nil && n.File != nil
}

type fileWire struct {
	File *File `json:"file"`
}

type dirWire struct {
	Directory Tree `json:"directory"`
}

// MarshalJSON encodes the node as {"file":{...}} or {"directory":{...}}.
func (n *Node) MarshalJSON() ([]byte, error) {
	if n.File != nil {
		return json.Marshal(fileWire{File: n.File})
	}
	dir := n.Directory
	if dir == nil {
		dir = Tree{}
	}
	return json.Marshal(dirWire{Directory: dir})
}

// UnmarshalJSON decodes the wire encoding, rejecting nodes that are both or neither.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		File      *File            `json:"file"`
		Directory *json.RawMessage `json:"directory"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.File != nil && raw.Directory != nil:
		return fmt.Errorf("node has both file and directory")
	case raw.File != nil:
		n.File = raw.File
		n.Directory = nil
	case raw.Directory != nil:
		var children Tree
		if err := json.Unmarshal(*raw.Directory, &children); err != nil {
			return err
		}
		if children == nil {
			children = Tree{}
		}
		n.File = nil
		n.Directory = children
	default:
		return fmt.Errorf("node has neither file nor directory")
	}
	return nil
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	if n.File != nil {
		f := *n.File
		return &Node{File: &f}
	}
	return &Node{Directory: n.Directory.Clone()}
}

// Clone returns a deep copy of the tree.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for name, child := range t {
		out[name] = child.Clone()
	}
	return out
}
