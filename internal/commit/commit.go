// Package commit defines commits and traversal of the commit graph.
package commit

import (
	"fmt"
	"strings"
	"time"

	"keel/internal/errors"
	"keel/internal/tree"

	"github.com/google/uuid"
)

// Commit is an immutable snapshot of a repository. Changes is the diff from
// the first parent's tree to RootHash, kept so history can be read without
// loading both trees.
type Commit struct {
	ID        string        `json:"id"`
	Author    string        `json:"author"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
	Parents   []string      `json:"parents"`
	RootHash  string        `json:"root_hash"`
	Changes   []tree.Change `json:"changes"`
}

func New(author, message string, parents []string, rootHash string, changes []tree.Change) *Commit {
	sorted := append([]tree.Change(nil), changes...)
	tree.SortChanges(sorted)
	if parents == nil {
		parents = []string{}
	}
	return &Commit{
		ID:        uuid.NewString(),
		Author:    author,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Parents:   append([]string(nil), parents...),
		RootHash:  rootHash,
		Changes:   sorted,
	}
}

func (c *Commit) IsRoot() bool {
	return len(c.Parents) == 0
}

func (c *Commit) IsMerge() bool {
	return len(c.Parents) > 1
}

// FirstParent returns the parent the change list is relative to.
func (c *Commit) FirstParent() (string, bool) {
	if len(c.Parents) == 0 {
		return "", false
	}
	return c.Parents[0], true
}

// Summary is the first line of the message.
func (c *Commit) Summary() string {
	line, _, _ := strings.Cut(c.Message, "\n")
	return line
}

func (c *Commit) String() string {
	return fmt.Sprintf("%s %s", ShortID(c.ID), c.Summary())
}

func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Derivable checks that the stored change list is exactly the diff between
// the first parent's tree and the commit's tree.
func Derivable(c *Commit, parentTree, root *tree.Tree) error {
	if root.Hash() != c.RootHash {
		return errors.InvalidChange("commit %s: tree %s does not match root hash %s", ShortID(c.ID), root.Hash(), c.RootHash)
	}
	want := parentTree.Diff(root)
	if len(want) != len(c.Changes) {
		return errors.InvalidChange("commit %s: %d changes recorded, %d derived", ShortID(c.ID), len(c.Changes), len(want))
	}
	for i := range want {
		if !sameChange(want[i], c.Changes[i]) {
			return errors.InvalidChange("commit %s: recorded %s, derived %s", ShortID(c.ID), c.Changes[i], want[i])
		}
	}
	return nil
}

func sameChange(a, b tree.Change) bool {
	if a.Path != b.Path || a.Type != b.Type {
		return false
	}
	return sameInfo(a.OldInfo, b.OldInfo) && sameInfo(a.NewInfo, b.NewInfo)
}

func sameInfo(a, b *tree.FileInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
