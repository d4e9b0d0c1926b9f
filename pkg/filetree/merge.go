package filetree

// Merge overlays overlay onto base. Where both hold a directory under the
// same name the directories are merged recursively; otherwise the overlay
// entry replaces the base entry wholesale. Names only present in base are
// kept. There is no conflict detection.
func Merge(base, overlay Tree) Tree {
	out := make(Tree, len(base)+len(overlay))
	for name, node := range base {
		out[name] = node
	}
	for name, over := range overlay {
		if over == nil {
			continue
		}
		if cur, ok := out[name]; ok && cur.IsDir() && over.IsDir() {
			out[name] = &Node{Directory: Merge(cur.Directory, over.Directory)}
			continue
		}
		out[name] = over
	}
	return out
}

// Diff returns a sparse tree holding every file in next whose contents or
// encoding differ from prev, plus the paths of files present in prev but
// missing from next.
func Diff(prev, next Tree) (changed Tree, removed []string) {
	before := Flatten(prev)
	after := Flatten(next)

	changed = Tree{}
	for path, f := range after {
		if old, ok := before[path]; ok && *old == *f {
			continue
		}
		changed = SetNode(changed, path, &Node{File: f})
	}
	for _, path := range SortedPaths(before) {
		if _, ok := after[path]; !ok {
			removed = append(removed, path)
		}
	}
	return changed, removed
}

// Equal reports whether two trees hold the same paths with the same file
// contents and encodings. Empty directories are significant.
func Equal(a, b Tree) bool {
	if len(a) != len(b) {
		return false
	}
	for name, an := range a {
		bn, ok := b[name]
		if !ok || an.IsDir() != bn.IsDir() {
			return false
		}
		if an.IsDir() {
			if !Equal(an.Directory, bn.Directory) {
				return false
			}
			continue
		}
		if *an.File != *bn.File {
			return false
		}
	}
	return true
}
