package filetree

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash fingerprints the tree's files (paths, encodings and contents) with
// BLAKE3. Empty directories do not contribute.
func Hash(t Tree) string {
	h := blake3.New()
	Walk(t, func(path string, f *File) {
		h.Write([]byte(path))
		h.Write([]byte{0})
		h.Write([]byte(f.Encoding))
		h.Write([]byte{0})
		h.Write([]byte(f.Contents))
		h.Write([]byte{0})
	})
	return hex.EncodeToString(h.Sum(nil))
}
