package filetree

import (
	"sort"
	"strings"
)

// Split breaks a slash separated path into segments, dropping empty and "."
// segments so "/src//app.ts" and "src/app.ts" address the same node.
func Split(path string) []string {
	raw := strings.Split(path, "/")
	segs := raw[:0]
	for _, s := range raw {
		if s == "" || s == "." {
			continue
		}
		segs = append(segs, s)
	}
	return segs
}

// Join is the inverse of Split.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}

// Get returns the node at path. The boolean is false on a miss, including
// when an intermediate segment is a file.
func Get(t Tree, path string) (*Node, bool) {
	segs := Split(path)
	if len(segs) == 0 {
		return NewDir(t), true
	}
	cur := t
	for i, seg := range segs {
		n, ok := cur[seg]
		if !ok || n == nil {
			return nil, false
		}
		if i == len(segs)-1 {
			return n, true
		}
		if !n.IsDir() {
			return nil, false
		}
		cur = n.Directory
	}
	return nil, false
}

// ReadFile returns the file at path, or false when path is missing or a directory.
func ReadFile(t Tree, path string) (*File, bool) {
	n, ok := Get(t, path)
	if !ok || !n.IsFile() {
		return nil, false
	}
	return n.File, true
}

// Set writes a text file at path, creating intermediate directories.
func Set(t Tree, path, contents string) Tree {
	return SetNode(t, path, NewFile(contents))
}

// SetNode places node at path, creating intermediate directories. A file
// sitting where a directory is needed is replaced by a directory. Only the
// directories along path are copied.
func SetNode(t Tree, path string, node *Node) Tree {
	segs := Split(path)
	if len(segs) == 0 {
		if node.IsDir() {
			return node.Directory
		}
		return t
	}
	return setAt(t, segs, node)
}

func setAt(t Tree, segs []string, node *Node) Tree {
	out := make(Tree, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	name := segs[0]
	if len(segs) == 1 {
		out[name] = node
		return out
	}
	var children Tree
	if cur, ok := t[name]; ok && cur.IsDir() {
		children = cur.Directory
	}
	out[name] = &Node{Directory: setAt(children, segs[1:], node)}
	return out
}

// Delete removes the node at path. Deleting a missing path returns a tree
// equal to t. Parent directories left empty are kept.
func Delete(t Tree, path string) Tree {
	segs := Split(path)
	if len(segs) == 0 {
		return Tree{}
	}
	if _, ok := Get(t, path); !ok {
		return t
	}
	return deleteAt(t, segs)
}

func deleteAt(t Tree, segs []string) Tree {
	out := make(Tree, len(t))
	for k, v := range t {
		out[k] = v
	}
	name := segs[0]
	if len(segs) == 1 {
		delete(out, name)
		return out
	}
	cur := t[name]
	out[name] = &Node{Directory: deleteAt(cur.Directory, segs[1:])}
	return out
}

// Walk visits every file in lexical path order.
func Walk(t Tree, fn func(path string, f *File)) {
	flat := Flatten(t)
	for _, p := range SortedPaths(flat) {
		fn(p, flat[p])
	}
}

// Flatten returns every file keyed by its full path.
func Flatten(t Tree) map[string]*File {
	out := make(map[string]*File)
	flattenInto(t, "", out)
	return out
}

func flattenInto(t Tree, prefix string, out map[string]*File) {
	for name, n := range t {
		if n == nil {
			continue
		}
		p := name
		if prefix != "" {
			p = prefix + "/" + name
		}
		if n.IsFile() {
			out[p] = n.File
			continue
		}
		flattenInto(n.Directory, p, out)
	}
}

// FromFlat builds a tree from path to contents pairs.
func FromFlat(files map[string]string) Tree {
	t := Tree{}
	for _, p := range sortedKeys(files) {
		t = Set(t, p, files[p])
	}
	return t
}

// Sparse returns a tree holding only the listed files from t. Missing
// paths and directories are skipped.
func Sparse(t Tree, paths []string) Tree {
	out := Tree{}
	for _, p := range paths {
		if f, ok := ReadFile(t, p); ok {
			out = SetNode(out, p, &Node{File: f})
		}
	}
	return out
}

// SortedPaths returns the keys of a flattened tree in lexical order.
func SortedPaths(flat map[string]*File) []string {
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
