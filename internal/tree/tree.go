// Package tree implements immutable, hash-identified directory trees, their
// diff and the pure application of change sets.
package tree

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"keel/internal/canonical"
	"keel/internal/errors"
)

type DirEntry struct {
	Name string
	Tree *Tree
}

type FileEntry struct {
	Name string   `json:"name"`
	Info FileInfo `json:"info"`
}

// Tree is an immutable directory. Its hash covers the names, file infos and
// child hashes of the whole hierarchy, so equal trees have equal hashes.
type Tree struct {
	dirs  []DirEntry
	files []FileEntry
	hash  string
	count int
}

var empty = build(nil, nil)

// Empty returns the tree with no entries.
func Empty() *Tree {
	return empty
}

// New validates and sorts the entries and returns the resulting tree.
func New(dirs []DirEntry, files []FileEntry) (*Tree, error) {
	ds := append([]DirEntry(nil), dirs...)
	fs := append([]FileEntry(nil), files...)
	sort.Slice(ds, func(i, j int) bool { return ds[i].Name < ds[j].Name })
	sort.Slice(fs, func(i, j int) bool { return fs[i].Name < fs[j].Name })

	seen := make(map[string]struct{}, len(ds)+len(fs))
	for _, d := range ds {
		if err := canonical.ValidateName(d.Name); err != nil {
			return nil, err
		}
		if d.Tree == nil {
			return nil, errors.ValidationError(fmt.Sprintf("directory %q has no tree", d.Name), nil)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, errors.ValidationError(fmt.Sprintf("duplicate entry %q", d.Name), nil)
		}
		seen[d.Name] = struct{}{}
	}
	for _, f := range fs {
		if err := canonical.ValidateName(f.Name); err != nil {
			return nil, err
		}
		if f.Info.Hash == "" {
			return nil, errors.ValidationError(fmt.Sprintf("file %q has no hash", f.Name), nil)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, errors.ValidationError(fmt.Sprintf("duplicate entry %q", f.Name), nil)
		}
		seen[f.Name] = struct{}{}
	}
	return build(ds, fs), nil
}

// build assumes sorted, valid entries.
func build(dirs []DirEntry, files []FileEntry) *Tree {
	t := &Tree{dirs: dirs, files: files, count: len(files)}
	for _, d := range dirs {
		t.count += d.Tree.count
	}
	h := sha256.New()
	t.forEachEntry(func(e entry) {
		writeEntry(h, e)
	})
	t.hash = hex.EncodeToString(h.Sum(nil))
	return t
}

func writeEntry(h hash.Hash, e entry) {
	if e.dir != nil {
		fmt.Fprintf(h, "D%d:%s%s\n", len(e.name), e.name, e.dir.hash)
		return
	}
	fmt.Fprintf(h, "F%d:%s%d:%s%d\n", len(e.name), e.name, len(e.file.Hash), e.file.Hash, e.file.Size)
}

// entry is either a directory or a file of one tree level.
type entry struct {
	name string
	dir  *Tree
	file *FileInfo
}

// forEachEntry visits directories and files merged in name order.
func (t *Tree) forEachEntry(fn func(entry)) {
	i, j := 0, 0
	for i < len(t.dirs) || j < len(t.files) {
		if j >= len(t.files) || (i < len(t.dirs) && t.dirs[i].Name < t.files[j].Name) {
			fn(entry{name: t.dirs[i].Name, dir: t.dirs[i].Tree})
			i++
			continue
		}
		fn(entry{name: t.files[j].Name, file: &t.files[j].Info})
		j++
	}
}

func (t *Tree) entries() []entry {
	out := make([]entry, 0, len(t.dirs)+len(t.files))
	t.forEachEntry(func(e entry) { out = append(out, e) })
	return out
}

func (t *Tree) Hash() string {
	return t.hash
}

// Equal compares trees by hash.
func (t *Tree) Equal(other *Tree) bool {
	return other != nil && t.hash == other.hash
}

// IsEmpty reports whether the tree has no files.
func (t *Tree) IsEmpty() bool {
	return len(t.dirs) == 0 && len(t.files) == 0
}

// FileCount returns the number of files in the whole hierarchy.
func (t *Tree) FileCount() int {
	return t.count
}

func (t *Tree) DirEntries() []DirEntry {
	return append([]DirEntry(nil), t.dirs...)
}

func (t *Tree) FileEntries() []FileEntry {
	return append([]FileEntry(nil), t.files...)
}

func (t *Tree) dir(name string) (int, bool) {
	i := sort.Search(len(t.dirs), func(i int) bool { return t.dirs[i].Name >= name })
	return i, i < len(t.dirs) && t.dirs[i].Name == name
}

func (t *Tree) file(name string) (int, bool) {
	i := sort.Search(len(t.files), func(i int) bool { return t.files[i].Name >= name })
	return i, i < len(t.files) && t.files[i].Name == name
}

// Node is the result of Find: exactly one of Dir and File is set.
type Node struct {
	Path canonical.Path
	Dir  *Tree
	File *FileInfo
}

func (n Node) IsDir() bool {
	return n.Dir != nil
}

// Find walks the hierarchy segment by segment.
func (t *Tree) Find(p canonical.Path) (Node, bool) {
	current := t
	parts := p.Parts()
	for idx, part := range parts {
		last := idx == len(parts)-1
		if last {
			if i, ok := current.file(part); ok {
				info := current.files[i].Info
				return Node{Path: p, File: &info}, true
			}
		}
		i, ok := current.dir(part)
		if !ok {
			return Node{}, false
		}
		current = current.dirs[i].Tree
	}
	return Node{Path: p, Dir: current}, true
}

// FindFile returns the info of the file at p.
func (t *Tree) FindFile(p canonical.Path) (FileInfo, bool) {
	n, ok := t.Find(p)
	if !ok || n.File == nil {
		return FileInfo{}, false
	}
	return *n.File, true
}

// File is a file of the hierarchy with its full path.
type File struct {
	Path canonical.Path
	Info FileInfo
}

// Walk visits every file in canonical path order. Returning an error stops
// the walk.
func (t *Tree) Walk(fn func(p canonical.Path, info FileInfo) error) error {
	return t.walk(canonical.Root, fn)
}

func (t *Tree) walk(prefix canonical.Path, fn func(canonical.Path, FileInfo) error) error {
	var err error
	t.forEachEntry(func(e entry) {
		if err != nil {
			return
		}
		p := childPath(prefix, e.name)
		if e.dir != nil {
			err = e.dir.walk(p, fn)
			return
		}
		err = fn(p, *e.file)
	})
	return err
}

// AllFiles lists every file in canonical path order.
func (t *Tree) AllFiles() []File {
	out := make([]File, 0, t.count)
	_ = t.Walk(func(p canonical.Path, info FileInfo) error {
		out = append(out, File{Path: p, Info: info})
		return nil
	})
	return out
}

// FromFiles builds the tree holding exactly files.
func FromFiles(files map[canonical.Path]FileInfo) (*Tree, error) {
	changes := make([]Change, 0, len(files))
	for p, info := range files {
		changes = append(changes, NewAdd(p, info))
	}
	return Apply(Empty(), changes)
}

func childPath(prefix canonical.Path, name string) canonical.Path {
	if prefix.IsRoot() {
		return canonical.Path(canonical.Separator + name)
	}
	return canonical.Path(string(prefix) + canonical.Separator + name)
}
