package tree

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"keel/internal/canonical"
	"keel/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func info(content string) FileInfo {
	return FileInfo{Hash: fmt.Sprintf("h-%s", content), Size: uint64(len(content))}
}

func p(s string) canonical.Path {
	return canonical.MustParse(s)
}

func mustFromFiles(t *testing.T, files map[string]string) *Tree {
	t.Helper()
	m := make(map[canonical.Path]FileInfo, len(files))
	for path, content := range files {
		m[p(path)] = info(content)
	}
	tr, err := FromFiles(m)
	require.NoError(t, err)
	return tr
}

func TestEmptyTree(t *testing.T) {
	assert.True(t, Empty().IsEmpty())
	assert.Equal(t, 0, Empty().FileCount())
	assert.Len(t, Empty().Hash(), 64)
	assert.Empty(t, Empty().Diff(Empty()))
}

func TestTreeIdentityIgnoresInsertionOrder(t *testing.T) {
	files := []string{"/a.txt", "/dir/b.txt", "/dir/sub/c.txt", "/z", "/dir/a"}

	var hashes []string
	for seed := int64(0); seed < 5; seed++ {
		order := append([]string(nil), files...)
		rand.New(rand.NewSource(seed)).Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})

		current := Empty()
		for _, f := range order {
			var err error
			current, err = Apply(current, []Change{NewAdd(p(f), info(f))})
			require.NoError(t, err)
		}
		hashes = append(hashes, current.Hash())
	}

	for _, h := range hashes[1:] {
		assert.Equal(t, hashes[0], h)
	}
}

func TestHashDependsOnContentAndNames(t *testing.T) {
	a := mustFromFiles(t, map[string]string{"/a": "1"})
	b := mustFromFiles(t, map[string]string{"/a": "2"})
	c := mustFromFiles(t, map[string]string{"/b": "1"})
	d := mustFromFiles(t, map[string]string{"/x/a": "1"})

	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.NotEqual(t, a.Hash(), d.Hash())
	assert.True(t, a.Equal(mustFromFiles(t, map[string]string{"/a": "1"})))
}

func TestFind(t *testing.T) {
	tr := mustFromFiles(t, map[string]string{
		"/a.txt":       "a",
		"/dir/b.txt":   "b",
		"/dir/sub/c.x": "c",
	})

	n, ok := tr.Find(p("/dir/b.txt"))
	require.True(t, ok)
	require.NotNil(t, n.File)
	assert.Equal(t, info("b"), *n.File)

	n, ok = tr.Find(p("/dir/sub"))
	require.True(t, ok)
	assert.True(t, n.IsDir())
	assert.Equal(t, 1, n.Dir.FileCount())

	n, ok = tr.Find(canonical.Root)
	require.True(t, ok)
	assert.Equal(t, tr.Hash(), n.Dir.Hash())

	_, ok = tr.Find(p("/a.txt/nested"))
	assert.False(t, ok)
	_, ok = tr.Find(p("/missing"))
	assert.False(t, ok)

	got, ok := tr.FindFile(p("/dir/sub/c.x"))
	require.True(t, ok)
	assert.Equal(t, info("c"), got)
	_, ok = tr.FindFile(p("/dir"))
	assert.False(t, ok)

	assert.Equal(t, 3, tr.FileCount())
}

func TestWalkOrder(t *testing.T) {
	tr := mustFromFiles(t, map[string]string{
		"/b":     "1",
		"/a-b":   "2",
		"/a/b":   "3",
		"/a/c/d": "4",
	})

	var paths []string
	for _, f := range tr.AllFiles() {
		paths = append(paths, f.Path.String())
	}
	assert.Equal(t, []string{"/a/b", "/a/c/d", "/a-b", "/b"}, paths)
}

func TestDiff(t *testing.T) {
	before := mustFromFiles(t, map[string]string{
		"/keep.txt":        "k",
		"/edit.txt":        "old",
		"/gone.txt":        "g",
		"/shared/same.txt": "s",
		"/dir/x":           "x",
	})
	after := mustFromFiles(t, map[string]string{
		"/keep.txt":        "k",
		"/edit.txt":        "new",
		"/added/new.txt":   "n",
		"/shared/same.txt": "s",
		"/dir":             "now a file",
	})

	changes := before.Diff(after)

	assert.Equal(t, []Change{
		NewAdd(p("/added/new.txt"), info("n")),
		NewAdd(p("/dir"), info("now a file")),
		NewDelete(p("/dir/x"), info("x")),
		NewEdit(p("/edit.txt"), info("old"), info("new")),
		NewDelete(p("/gone.txt"), info("g")),
	}, changes)

	assert.Empty(t, before.Diff(before))
}

func TestApplyRejectsInvalidChangesAtomically(t *testing.T) {
	base := mustFromFiles(t, map[string]string{
		"/a.txt":   "a",
		"/dir/b":   "b",
		"/file.md": "f",
	})

	tests := []struct {
		name    string
		changes []Change
	}{
		{"add existing", []Change{NewAdd(p("/z"), info("z")), NewAdd(p("/a.txt"), info("x"))}},
		{"add over directory", []Change{NewAdd(p("/dir"), info("x"))}},
		{"add below a file", []Change{NewAdd(p("/file.md/x"), info("x"))}},
		{"edit missing", []Change{NewEdit(p("/nope"), info("a"), info("b"))}},
		{"edit wrong old info", []Change{NewEdit(p("/a.txt"), info("zzz"), info("b"))}},
		{"delete missing", []Change{NewDelete(p("/dir/b"), info("b")), NewDelete(p("/nope"), info("x"))}},
		{"delete directory", []Change{NewDelete(p("/dir"), info("b"))}},
		{"duplicate path", []Change{NewDelete(p("/a.txt"), info("a")), NewAdd(p("/a.txt"), info("a2"))}},
		{"noop edit", []Change{NewEdit(p("/a.txt"), info("a"), info("a"))}},
		{"root", []Change{NewAdd(canonical.Root, info("x"))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(base, tt.changes)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidChange), "got %v", err)
			assert.Same(t, base, got)
			assert.Equal(t, 3, base.FileCount())
		})
	}
}

func TestApplyDeletesBeforeAdds(t *testing.T) {
	base := mustFromFiles(t, map[string]string{"/a": "file"})

	// "/a" becomes a directory in a single change set
	got, err := Apply(base, []Change{
		NewAdd(p("/a/b"), info("b")),
		NewDelete(p("/a"), info("file")),
	})
	require.NoError(t, err)

	n, ok := got.Find(p("/a"))
	require.True(t, ok)
	assert.True(t, n.IsDir())
}

func TestApplyPrunesEmptyDirectories(t *testing.T) {
	base := mustFromFiles(t, map[string]string{"/x/y/z": "1", "/keep": "2"})

	got, err := Apply(base, []Change{NewDelete(p("/x/y/z"), info("1"))})
	require.NoError(t, err)

	_, ok := got.Find(p("/x"))
	assert.False(t, ok)
	assert.Equal(t, mustFromFiles(t, map[string]string{"/keep": "2"}).Hash(), got.Hash())
}

func TestDiffApplyRoundTrip(t *testing.T) {
	base := mustFromFiles(t, map[string]string{
		"/a":       "1",
		"/b/c":     "2",
		"/b/d/e":   "3",
		"/f/g/h/i": "4",
	})
	changes := []Change{
		NewAdd(p("/new/file"), info("5")),
		NewEdit(p("/b/c"), info("2"), info("2b")),
		NewDelete(p("/f/g/h/i"), info("4")),
		NewAdd(p("/b/d/f"), info("6")),
	}

	applied, err := Apply(base, changes)
	require.NoError(t, err)

	assert.ElementsMatch(t, Invert(changes), applied.Diff(base))
	assert.ElementsMatch(t, changes, base.Diff(applied))

	back, err := Apply(applied, Invert(changes))
	require.NoError(t, err)
	assert.Equal(t, base.Hash(), back.Hash())
}

func TestDiffApplyRoundTripRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	names := []string{"a", "b", "c", "d"}

	randomFiles := func() map[string]string {
		files := make(map[string]string)
		for i := 0; i < 12; i++ {
			depth := 1 + rng.Intn(3)
			path := ""
			for d := 0; d < depth; d++ {
				path += "/" + names[rng.Intn(len(names))]
			}
			files[path] = fmt.Sprint(rng.Intn(3))
		}
		// drop entries that would make a file a directory of another
		for a := range files {
			for b := range files {
				if a != b && p(a).Contains(p(b)) {
					delete(files, a)
				}
			}
		}
		return files
	}

	for i := 0; i < 50; i++ {
		t1 := mustFromFiles(t, randomFiles())
		t2 := mustFromFiles(t, randomFiles())

		changes := t1.Diff(t2)
		assert.True(t, sort.SliceIsSorted(changes, func(a, b int) bool {
			return changes[a].Path.Less(changes[b].Path)
		}))

		got, err := Apply(t1, changes)
		require.NoError(t, err)
		assert.Equal(t, t2.Hash(), got.Hash())

		back, err := Apply(t2, Invert(changes))
		require.NoError(t, err)
		assert.Equal(t, t1.Hash(), back.Hash())
	}
}

func TestInvert(t *testing.T) {
	add := NewAdd(p("/a"), info("1"))
	edit := NewEdit(p("/b"), info("1"), info("2"))
	del := NewDelete(p("/c"), info("3"))

	assert.Equal(t, NewDelete(p("/a"), info("1")), add.Invert())
	assert.Equal(t, NewEdit(p("/b"), info("2"), info("1")), edit.Invert())
	assert.Equal(t, NewAdd(p("/c"), info("3")), del.Invert())
	assert.Equal(t, edit, edit.Invert().Invert())
}

func TestEncodeDecode(t *testing.T) {
	tr := mustFromFiles(t, map[string]string{
		"/a/x":   "same",
		"/b/x":   "same",
		"/c":     "c",
		"/d/e/f": "f",
	})

	nodes := tr.Encode()
	store := make(map[string]*EncodedNode)
	for i := range nodes {
		store[nodes[i].Hash] = &nodes[i]
	}
	// "/a" and "/b" are identical subtrees and are stored once
	assert.Len(t, nodes, 4)
	assert.Equal(t, tr.Hash(), nodes[len(nodes)-1].Hash)

	decoded, err := Decode(tr.Hash(), func(h string) (*EncodedNode, error) {
		n, ok := store[h]
		if !ok {
			return nil, errors.NotFound("tree %s", h)
		}
		return n, nil
	})
	require.NoError(t, err)
	assert.Equal(t, tr.Hash(), decoded.Hash())
	assert.Equal(t, tr.AllFiles(), decoded.AllFiles())

	_, err = Decode("missing", func(h string) (*EncodedNode, error) {
		return nil, errors.NotFound("tree %s", h)
	})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestJSONRoundTrip(t *testing.T) {
	tr := mustFromFiles(t, map[string]string{"/a/b": "1", "/c": "2"})

	data, err := json.Marshal(tr)
	require.NoError(t, err)

	var decoded Tree
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, tr.Hash(), decoded.Hash())
	assert.Equal(t, 2, decoded.FileCount())

	tampered := []byte(`{"hash":"0000","files":[{"name":"c","info":{"hash":"h","size":1}}]}`)
	assert.Error(t, json.Unmarshal(tampered, &decoded))
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New([]DirEntry{{Name: "a", Tree: Empty()}}, []FileEntry{{Name: "a", Info: info("a")}})
	assert.Error(t, err)

	_, err = New(nil, []FileEntry{{Name: "a/b", Info: info("a")}})
	assert.Error(t, err)
}
