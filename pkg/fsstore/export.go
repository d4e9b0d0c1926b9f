package fsstore

import (
	"fmt"
	"io"

	"github.com/grovetools/preview/pkg/filetree"
	"github.com/klauspost/compress/zip"
	"github.com/moby/patternmatcher"
)

// DefaultExportIgnore lists paths left out of exports.
var DefaultExportIgnore = []string{"node_modules", ".git", "dist", "*.log"}

// ExportZip writes the current snapshot as a zip archive. Paths matching
// ignore (dockerignore syntax) are skipped.
func (s *Store) ExportZip(w io.Writer, ignore []string) error {
	tree := s.Tree()

	pm, err := patternmatcher.New(ignore)
	if err != nil {
		return fmt.Errorf("invalid ignore patterns: %w", err)
	}

	zw := zip.NewWriter(w)
	var walkErr error
	filetree.Walk(tree, func(path string, f *filetree.File) {
		if walkErr != nil {
			return
		}
		skip, err := pm.MatchesOrParentMatches(path)
		if err != nil {
			walkErr = fmt.Errorf("match %s: %w", path, err)
			return
		}
		if skip {
			return
		}
		data, err := f.Bytes()
		if err != nil {
			walkErr = fmt.Errorf("decode %s: %w", path, err)
			return
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: path, Method: zip.Deflate})
		if err != nil {
			walkErr = fmt.Errorf("create %s: %w", path, err)
			return
		}
		if _, err := fw.Write(data); err != nil {
			walkErr = fmt.Errorf("write %s: %w", path, err)
		}
	})
	if walkErr != nil {
		zw.Close()
		return walkErr
	}
	return zw.Close()
}
