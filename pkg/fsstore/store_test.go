package fsstore

import (
	"bytes"
	"sync"
	"testing"

	"github.com/grovetools/preview/pkg/filetree"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreCopyOnWrite(t *testing.T) {
	st := New()
	st.Replace(filetree.FromFlat(map[string]string{"src/app.ts": "v1"}), "test")

	snapshot := st.Tree()
	st.WriteFile("src/app.ts", "v2", "test")
	st.WriteFile("src/other.ts", "new", "test")

	f, ok := filetree.ReadFile(snapshot, "src/app.ts")
	require.True(t, ok)
	assert.Equal(t, "v1", f.Contents, "earlier snapshot must not observe later writes")

	f, ok = st.ReadFile("src/app.ts")
	require.True(t, ok)
	assert.Equal(t, "v2", f.Contents)
	assert.Equal(t, uint64(3), st.Version())
}

func TestStoreReplaceClonesInput(t *testing.T) {
	st := New()
	tree := filetree.FromFlat(map[string]string{"a.txt": "a"})
	st.Replace(tree, "test")

	tree["a.txt"].File.Contents = "mutated by caller"

	f, _ := st.ReadFile("a.txt")
	assert.Equal(t, "a", f.Contents)
}

func TestStoreSubscribe(t *testing.T) {
	st := New()
	ch := st.Subscribe()

	st.WriteFile("index.html", "<html>", "generation")
	st.DeleteFile("index.html", "editor")

	u := <-ch
	assert.Equal(t, UpdateFileWritten, u.Type)
	assert.Equal(t, "index.html", u.Path)
	assert.Equal(t, "generation", u.Source)

	u = <-ch
	assert.Equal(t, UpdateFileDeleted, u.Type)
	assert.Equal(t, uint64(2), u.Version)

	st.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	st.Unsubscribe(ch)
}

func TestStoreConcurrentReaders(t *testing.T) {
	st := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				st.WriteFile("src/app.ts", "x", "writer")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tree := st.Tree()
				filetree.Walk(tree, func(string, *filetree.File) {})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(800), st.Version())
}

func TestManifestAndBaseTemplate(t *testing.T) {
	st := New()
	_, ok := st.Manifest()
	assert.False(t, ok)

	base := filetree.FromFlat(map[string]string{"package.json": `{"dev":true}`})
	st.SetBaseTemplate("vite-react", base)
	st.Replace(base, "test")

	manifest, ok := st.Manifest()
	require.True(t, ok)
	assert.Equal(t, `{"dev":true}`, manifest)

	kitID, stored := st.BaseTemplate()
	assert.Equal(t, "vite-react", kitID)
	assert.True(t, filetree.Equal(base, stored))
}

func TestExportZip(t *testing.T) {
	st := New()
	tree := filetree.FromFlat(map[string]string{
		"src/app.ts":                 "x",
		"node_modules/react/index.js": "module.exports = {}",
		"debug.log":                  "noise",
	})
	tree = filetree.SetNode(tree, "public/raw.bin", &filetree.Node{File: &filetree.File{Contents: "AAEC", Encoding: filetree.EncodingBase64}})
	st.Replace(tree, "test")

	var buf bytes.Buffer
	require.NoError(t, st.ExportZip(&buf, DefaultExportIgnore))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["src/app.ts"])
	assert.True(t, names["public/raw.bin"])
	assert.False(t, names["node_modules/react/index.js"])
	assert.False(t, names["debug.log"])
}
