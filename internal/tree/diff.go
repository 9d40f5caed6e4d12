package tree

import (
	"keel/internal/canonical"
)

// Diff returns the changes that turn t into other, ordered by canonical
// path. Subtrees with equal hashes are skipped without being visited.
func (t *Tree) Diff(other *Tree) []Change {
	var out []Change
	diffLevel(canonical.Root, t, other, &out)
	return out
}

func diffLevel(prefix canonical.Path, a, b *Tree, out *[]Change) {
	if a.hash == b.hash {
		return
	}
	left, right := a.entries(), b.entries()
	i, j := 0, 0
	for i < len(left) || j < len(right) {
		switch {
		case j >= len(right) || (i < len(left) && left[i].name < right[j].name):
			removeEntry(childPath(prefix, left[i].name), left[i], out)
			i++
		case i >= len(left) || right[j].name < left[i].name:
			addEntry(childPath(prefix, right[j].name), right[j], out)
			j++
		default:
			diffEntry(childPath(prefix, left[i].name), left[i], right[j], out)
			i++
			j++
		}
	}
}

func diffEntry(p canonical.Path, l, r entry, out *[]Change) {
	switch {
	case l.dir != nil && r.dir != nil:
		diffLevel(p, l.dir, r.dir, out)
	case l.file != nil && r.file != nil:
		if *l.file != *r.file {
			*out = append(*out, NewEdit(p, *l.file, *r.file))
		}
	case l.file != nil:
		// file replaced by a directory: "/x" sorts before "/x/..."
		*out = append(*out, NewDelete(p, *l.file))
		addEntry(p, r, out)
	default:
		*out = append(*out, NewAdd(p, *r.file))
		removeEntry(p, l, out)
	}
}

func addEntry(p canonical.Path, e entry, out *[]Change) {
	if e.file != nil {
		*out = append(*out, NewAdd(p, *e.file))
		return
	}
	_ = e.dir.walk(p, func(fp canonical.Path, info FileInfo) error {
		*out = append(*out, NewAdd(fp, info))
		return nil
	})
}

func removeEntry(p canonical.Path, e entry, out *[]Change) {
	if e.file != nil {
		*out = append(*out, NewDelete(p, *e.file))
		return
	}
	_ = e.dir.walk(p, func(fp canonical.Path, info FileInfo) error {
		*out = append(*out, NewDelete(fp, info))
		return nil
	})
}
