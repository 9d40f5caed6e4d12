package workspace

import (
	"context"
	"os"
	"sort"

	"keel/internal/canonical"
	"keel/internal/diff"
	"keel/internal/errors"
	"keel/internal/tree"
)

const diffContext = 3

// Status describes the working copy relative to its synchronized tree.
type Status struct {
	Branch string `json:"branch"`
	Head   string `json:"head"`

	Staged  []LocalChange    `json:"staged,omitempty"`
	Pending []ResolvePending `json:"pending,omitempty"`

	// Modified and Missing are tracked files changed on disk without being
	// staged.
	Modified  []canonical.Path `json:"modified,omitempty"`
	Missing   []canonical.Path `json:"missing,omitempty"`
	Untracked []canonical.Path `json:"untracked,omitempty"`
}

// Clean reports whether there is nothing to commit, resolve or add.
func (s *Status) Clean() bool {
	return len(s.Staged) == 0 && len(s.Pending) == 0 &&
		len(s.Modified) == 0 && len(s.Missing) == 0 && len(s.Untracked) == 0
}

func (w *Workspace) Status(ctx context.Context) (*Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	s := &Status{Branch: snap.state.Branch, Head: snap.state.Head}
	for _, p := range sortedPaths(snap.changes) {
		s.Staged = append(s.Staged, snap.changes[p])
	}
	for _, p := range sortedPaths(snap.resolves) {
		s.Pending = append(s.Pending, snap.resolves[p])
	}

	err = snap.tree.Walk(func(p canonical.Path, info tree.FileInfo) error {
		if _, staged := snap.changes[p]; staged {
			return nil
		}
		disk, err := w.diskInfo(p)
		if err != nil && !errors.Is(err, errors.ErrInvalidPath) {
			return err
		}
		switch {
		case disk == nil:
			s.Missing = append(s.Missing, p)
		case *disk != info:
			s.Modified = append(s.Modified, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = w.walk(canonical.Root, func(p canonical.Path) error {
		if _, staged := snap.changes[p]; staged {
			return nil
		}
		if _, tracked := snap.tree.FindFile(p); !tracked {
			s.Untracked = append(s.Untracked, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(s.Untracked, func(i, j int) bool { return s.Untracked[i].Less(s.Untracked[j]) })
	return s, nil
}

// Diff returns the unified diff of the file at arg against its synchronized
// version. An added file is compared to nothing, a deleted one to nothing
// on disk.
func (w *Workspace) Diff(ctx context.Context, arg string) (string, error) {
	p, err := w.Canonical(arg)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	snap, err := w.snapshot(ctx)
	if err != nil {
		return "", err
	}

	var old []byte
	info, tracked := snap.tree.FindFile(p)
	if tracked {
		if old, err = w.content(ctx, info); err != nil {
			return "", err
		}
	}
	var current []byte
	disk, err := w.diskInfo(p)
	if err != nil {
		return "", err
	}
	if disk != nil {
		if current, err = os.ReadFile(w.abs(p)); err != nil {
			return "", errors.Storage(err, "reading %s", p)
		}
	}
	if !tracked && disk == nil {
		return "", errors.NotFound("%s is neither tracked nor on disk", p)
	}

	return diff.NewEngine(diffContext).Unified("a"+string(p), "b"+string(p), old, current)
}
