package filetree

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseTemplate() Tree {
	return Tree{
		"index.html":   NewFile("<div id=app></div>"),
		"package.json": NewFile(`{"dev":true}`),
		"src": NewDir(Tree{
			"main.ts": NewFile("import './app'"),
		}),
	}
}

func TestMerge(t *testing.T) {
	t.Run("overlay adds files and keeps base-only keys", func(t *testing.T) {
		base := Tree{
			"index.html":   NewFile("<html>"),
			"package.json": NewFile(`{"dev":true}`),
		}
		overlay := Tree{"src": NewDir(Tree{"app.ts": NewFile("x")})}

		merged := Merge(base, overlay)

		flat := Flatten(merged)
		assert.Len(t, flat, 3)
		assert.Equal(t, `{"dev":true}`, flat["package.json"].Contents)
		assert.Equal(t, "x", flat["src/app.ts"].Contents)
	})

	t.Run("directories merge recursively", func(t *testing.T) {
		overlay := Tree{"src": NewDir(Tree{"app.ts": NewFile("x")})}
		merged := Merge(baseTemplate(), overlay)

		_, ok := ReadFile(merged, "src/main.ts")
		assert.True(t, ok, "base file inside merged directory must survive")
		f, ok := ReadFile(merged, "src/app.ts")
		require.True(t, ok)
		assert.Equal(t, "x", f.Contents)
	})

	t.Run("file replaces directory wholesale", func(t *testing.T) {
		overlay := Tree{"src": NewFile("flattened")}
		merged := Merge(baseTemplate(), overlay)

		n, ok := Get(merged, "src")
		require.True(t, ok)
		assert.True(t, n.IsFile())
		_, ok = Get(merged, "src/main.ts")
		assert.False(t, ok)
	})

	t.Run("idempotent when overlay equals base", func(t *testing.T) {
		base := baseTemplate()
		assert.True(t, Equal(base, Merge(base, base)))
	})

	t.Run("merging a merged tree again is stable", func(t *testing.T) {
		base := baseTemplate()
		x := Tree{
			"src":          NewDir(Tree{"app.ts": NewFile("x")}),
			"package.json": NewFile(`{"dev":false}`),
		}
		once := Merge(base, x)
		twice := Merge(base, once)
		assert.True(t, Equal(once, twice))
	})

	t.Run("inputs are not mutated", func(t *testing.T) {
		base := baseTemplate()
		before := base.Clone()
		_ = Merge(base, Tree{"src": NewDir(Tree{"app.ts": NewFile("x")})})
		assert.True(t, Equal(before, base))
	})
}

func TestPathCRUD(t *testing.T) {
	paths := []string{"a.txt", "src/app.ts", "deep/nested/dir/file.css", "/leading/slash.md"}

	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			tree := Set(baseTemplate(), p, "content")
			f, ok := ReadFile(tree, p)
			require.True(t, ok)
			assert.Equal(t, "content", f.Contents)

			removed := Delete(tree, p)
			_, ok = Get(removed, p)
			assert.False(t, ok)
		})
	}

	t.Run("read miss is not an error", func(t *testing.T) {
		_, ok := Get(baseTemplate(), "missing/file.ts")
		assert.False(t, ok)
		_, ok = Get(baseTemplate(), "index.html/child")
		assert.False(t, ok, "a file cannot have children")
	})

	t.Run("set replaces a file standing in for a directory", func(t *testing.T) {
		tree := Set(Tree{"src": NewFile("oops")}, "src/app.ts", "x")
		n, ok := Get(tree, "src")
		require.True(t, ok)
		assert.True(t, n.IsDir())
	})

	t.Run("set copies only the touched path", func(t *testing.T) {
		base := baseTemplate()
		updated := Set(base, "src/main.ts", "changed")

		f, _ := ReadFile(base, "src/main.ts")
		assert.Equal(t, "import './app'", f.Contents)
		assert.Same(t, base["index.html"], updated["index.html"])
	})

	t.Run("delete of missing path leaves tree unchanged", func(t *testing.T) {
		base := baseTemplate()
		assert.True(t, Equal(base, Delete(base, "nope/nothing")))
	})
}

func TestDiff(t *testing.T) {
	prev := baseTemplate()
	next := Set(Delete(prev, "index.html"), "src/main.ts", "changed")
	next = Set(next, "src/new.ts", "new")

	changed, removed := Diff(prev, next)

	assert.Equal(t, []string{"index.html"}, removed)
	want := map[string]string{"src/main.ts": "changed", "src/new.ts": "new"}
	got := make(map[string]string)
	Walk(changed, func(p string, f *File) { got[p] = f.Contents })
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Diff changed mismatch (-want +got):\n%s", diff)
	}
}

func TestWireEncoding(t *testing.T) {
	raw := `{
		"package.json": {"file": {"contents": "{}"}},
		"public": {"directory": {
			"logo.png": {"file": {"contents": "iVBORw0KGgo=", "encoding": "base64"}},
			"empty": {"directory": {}}
		}}
	}`

	var tree Tree
	require.NoError(t, json.Unmarshal([]byte(raw), &tree))

	logo, ok := ReadFile(tree, "public/logo.png")
	require.True(t, ok)
	assert.Equal(t, EncodingBase64, logo.Encoding)

	empty, ok := Get(tree, "public/empty")
	require.True(t, ok)
	assert.True(t, empty.IsDir())

	out, err := json.Marshal(tree)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"empty":{"directory":{}}`)

	var bad Tree
	assert.Error(t, json.Unmarshal([]byte(`{"x": {}}`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`{"x": {"file": {"contents": ""}, "directory": {}}}`), &bad))
}

func TestSplitBinary(t *testing.T) {
	tree := FromFlat(map[string]string{
		"src/app.ts":        "x",
		"public/pixel.gif":  "data:image/gif;base64,R0lGODlhAQABAAAAACw=",
		"public/plain.txt":  "data:,hello%20world",
		"public/broken.png": "data:image/png;base64,%%%",
	})
	tree = SetNode(tree, "public/raw.bin", &Node{File: &File{Contents: "AAEC", Encoding: EncodingBase64}})

	text, binary := SplitBinary(tree)

	assert.Equal(t, []byte("hello world"), binary["public/plain.txt"])
	assert.Equal(t, []byte{0, 1, 2}, binary["public/raw.bin"])
	assert.Contains(t, binary, "public/pixel.gif")

	_, ok := ReadFile(text, "public/pixel.gif")
	assert.False(t, ok, "binary files leave the text tree")
	_, ok = ReadFile(text, "src/app.ts")
	assert.True(t, ok)
	_, ok = ReadFile(text, "public/broken.png")
	assert.True(t, ok, "undecodable payloads stay as text")
}

func TestSparseAndHash(t *testing.T) {
	base := baseTemplate()
	sparse := Sparse(base, []string{"src/main.ts", "missing.ts", "src"})

	flat := Flatten(sparse)
	assert.Len(t, flat, 1)
	assert.Contains(t, flat, "src/main.ts")

	assert.Equal(t, Hash(base), Hash(base.Clone()))
	assert.NotEqual(t, Hash(base), Hash(Set(base, "index.html", "changed")))
}

func TestFromBytes(t *testing.T) {
	text := FromBytes([]byte("hello"))
	assert.Equal(t, "hello", text.File.Contents)
	assert.Empty(t, text.File.Encoding)

	bin := FromBytes([]byte{0xff, 0x00, 0xfe})
	assert.Equal(t, EncodingBase64, bin.File.Encoding)
	data, err := bin.File.Bytes()
	assert.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x00, 0xfe}, data)
}
