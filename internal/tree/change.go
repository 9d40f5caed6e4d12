package tree

import (
	"fmt"
	"sort"

	"keel/internal/canonical"
	"keel/internal/errors"
)

// FileInfo describes the content of a file: its blob identifier and size.
type FileInfo struct {
	Hash string `json:"hash"`
	Size uint64 `json:"size"`
}

func (i FileInfo) String() string {
	return fmt.Sprintf("%s (%d bytes)", shortHash(i.Hash), i.Size)
}

type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeEdit   ChangeType = "edit"
	ChangeDelete ChangeType = "delete"
)

// Change is a single file-level modification. Add carries NewInfo, Delete
// carries OldInfo and Edit carries both.
type Change struct {
	Path    canonical.Path `json:"path"`
	Type    ChangeType     `json:"type"`
	OldInfo *FileInfo      `json:"old_info,omitempty"`
	NewInfo *FileInfo      `json:"new_info,omitempty"`
}

func NewAdd(p canonical.Path, info FileInfo) Change {
	return Change{Path: p, Type: ChangeAdd, NewInfo: &info}
}

func NewEdit(p canonical.Path, oldInfo, newInfo FileInfo) Change {
	return Change{Path: p, Type: ChangeEdit, OldInfo: &oldInfo, NewInfo: &newInfo}
}

func NewDelete(p canonical.Path, oldInfo FileInfo) Change {
	return Change{Path: p, Type: ChangeDelete, OldInfo: &oldInfo}
}

// Invert returns the change that undoes c.
func (c Change) Invert() Change {
	switch c.Type {
	case ChangeAdd:
		return NewDelete(c.Path, *c.NewInfo)
	case ChangeDelete:
		return NewAdd(c.Path, *c.OldInfo)
	default:
		return NewEdit(c.Path, *c.NewInfo, *c.OldInfo)
	}
}

// Validate checks that c is well formed, independently of any tree.
func (c Change) Validate() error {
	if _, err := canonical.Parse(string(c.Path)); err != nil {
		return err
	}
	if c.Path.IsRoot() {
		return errors.InvalidChange("%s: the root is not a file", c)
	}
	switch c.Type {
	case ChangeAdd:
		if c.NewInfo == nil || c.OldInfo != nil {
			return errors.InvalidChange("%s: an add carries only the new info", c)
		}
	case ChangeDelete:
		if c.OldInfo == nil || c.NewInfo != nil {
			return errors.InvalidChange("%s: a delete carries only the old info", c)
		}
	case ChangeEdit:
		if c.OldInfo == nil || c.NewInfo == nil {
			return errors.InvalidChange("%s: an edit carries both infos", c)
		}
		if *c.OldInfo == *c.NewInfo {
			return errors.InvalidChange("%s: the edit does not change the content", c)
		}
	default:
		return errors.InvalidChange("unknown change type %q for %s", c.Type, c.Path)
	}
	for _, info := range []*FileInfo{c.OldInfo, c.NewInfo} {
		if info != nil && info.Hash == "" {
			return errors.InvalidChange("%s: empty content hash", c)
		}
	}
	return nil
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s", c.Type, c.Path)
}

// Invert returns the inverse of every change, in path order.
func Invert(changes []Change) []Change {
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[i] = c.Invert()
	}
	SortChanges(out)
	return out
}

// SortChanges orders changes by canonical path.
func SortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Path.Less(changes[j].Path)
	})
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
