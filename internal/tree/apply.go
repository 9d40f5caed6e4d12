package tree

import (
	"sort"

	"keel/internal/canonical"
	"keel/internal/errors"
)

// Apply returns the tree obtained by applying changes to base. Deletions are
// applied first, then additions and edits. Base is never modified: when any
// change does not hold against the tree, Apply returns base together with an
// InvalidChange error naming that change.
func Apply(base *Tree, changes []Change) (*Tree, error) {
	seen := make(map[canonical.Path]struct{}, len(changes))
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return base, err
		}
		if _, dup := seen[c.Path]; dup {
			return base, errors.InvalidChange("%s: more than one change for this path", c)
		}
		seen[c.Path] = struct{}{}
	}

	ordered := append([]Change(nil), changes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := ordered[i].Type == ChangeDelete, ordered[j].Type == ChangeDelete
		if di != dj {
			return di
		}
		return ordered[i].Path.Less(ordered[j].Path)
	})

	current := base
	for _, c := range ordered {
		next, err := applyOne(current, c)
		if err != nil {
			return base, err
		}
		current = next
	}
	return current, nil
}

func applyOne(t *Tree, c Change) (*Tree, error) {
	node, found := t.Find(c.Path)
	switch c.Type {
	case ChangeAdd:
		if found {
			return nil, errors.InvalidChange("%s: path already exists", c)
		}
		if blocked, ok := fileAncestor(t, c.Path); ok {
			return nil, errors.InvalidChange("%s: %s is a file", c, blocked)
		}
		return t.with(c.Path.Parts(), c.NewInfo), nil
	case ChangeEdit, ChangeDelete:
		if !found {
			return nil, errors.InvalidChange("%s: path does not exist", c)
		}
		if node.File == nil {
			return nil, errors.InvalidChange("%s: path is a directory", c)
		}
		if *node.File != *c.OldInfo {
			return nil, errors.InvalidChange("%s: content is %s, expected %s", c, *node.File, *c.OldInfo)
		}
		if c.Type == ChangeDelete {
			return t.with(c.Path.Parts(), nil), nil
		}
		return t.with(c.Path.Parts(), c.NewInfo), nil
	}
	return nil, errors.InvalidChange("unknown change type %q", c.Type)
}

// fileAncestor returns the first proper ancestor of p that is a file.
func fileAncestor(t *Tree, p canonical.Path) (canonical.Path, bool) {
	current := t
	prefix := canonical.Root
	parts := p.Parts()
	for _, part := range parts[:len(parts)-1] {
		prefix = childPath(prefix, part)
		if _, ok := current.file(part); ok {
			return prefix, true
		}
		i, ok := current.dir(part)
		if !ok {
			return "", false
		}
		current = current.dirs[i].Tree
	}
	return "", false
}

// with returns a copy of t where the file at parts is set to info, or removed
// when info is nil. Only the directories along the path are rebuilt and
// directories left empty are pruned.
func (t *Tree) with(parts []string, info *FileInfo) *Tree {
	name := parts[0]
	if len(parts) == 1 {
		files := make([]FileEntry, 0, len(t.files)+1)
		i, exists := t.file(name)
		files = append(files, t.files[:i]...)
		if info != nil {
			files = append(files, FileEntry{Name: name, Info: *info})
		}
		if exists {
			i++
		}
		files = append(files, t.files[i:]...)
		return build(t.dirs, files)
	}

	i, exists := t.dir(name)
	child := Empty()
	if exists {
		child = t.dirs[i].Tree
	}
	child = child.with(parts[1:], info)

	dirs := make([]DirEntry, 0, len(t.dirs)+1)
	dirs = append(dirs, t.dirs[:i]...)
	if !child.IsEmpty() {
		dirs = append(dirs, DirEntry{Name: name, Tree: child})
	}
	if exists {
		i++
	}
	dirs = append(dirs, t.dirs[i:]...)
	return build(dirs, t.files)
}
