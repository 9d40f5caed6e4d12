package workspace

import (
	"context"
	"os"
	"path/filepath"

	"keel/internal/canonical"
	"keel/internal/errors"
	"keel/internal/storage"
	"keel/internal/tree"

	"go.uber.org/zap"
)

// SyncResult summarizes a synchronization.
type SyncResult struct {
	From    string           `json:"from"`
	To      string           `json:"to"`
	Applied []tree.Change    `json:"applied,omitempty"`
	Pending []ResolvePending `json:"pending,omitempty"`
}

// Sync brings the working copy to the head of its branch.
func (w *Workspace) Sync(ctx context.Context) (*SyncResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, err := w.State(ctx)
	if err != nil {
		return nil, err
	}
	b, err := w.remote.ReadBranch(ctx, st.Branch)
	if err != nil {
		return nil, err
	}
	st.LockDomainID = b.LockDomainID
	return w.syncTo(ctx, st, b.Head)
}

// SyncTo brings the working copy to the given commit.
func (w *Workspace) SyncTo(ctx context.Context, commitID string) (*SyncResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, err := w.State(ctx)
	if err != nil {
		return nil, err
	}
	return w.syncTo(ctx, st, commitID)
}

// syncTo applies the difference between the workspace tree and the tree of
// target. Incoming changes to paths without a local change are written to
// disk. The others become pending resolves and the local version stays, as
// do local files standing where the incoming side needs a directory, or the
// reverse.
func (w *Workspace) syncTo(ctx context.Context, st State, target string) (*SyncResult, error) {
	c, err := w.remote.ReadCommit(ctx, target)
	if err != nil {
		return nil, err
	}
	theirs, err := w.remote.ReadTree(ctx, c.RootHash)
	if err != nil {
		return nil, err
	}
	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{From: st.Head, To: c.ID}
	incoming := snap.tree.Diff(theirs)

	var (
		candidates []tree.Change
		protect    []LocalChange
		converged  []canonical.Path
	)
	shielded := make(map[canonical.Path]struct{})
	for _, inc := range incoming {
		local, staged := snap.changes[inc.Path]
		if !staged {
			in, err := w.obstacles(snap, inc.Path)
			if err != nil {
				return nil, err
			}
			if len(in) > 0 {
				for _, o := range in {
					if _, ok := snap.changes[o]; ok {
						continue
					}
					if _, ok := shielded[o]; ok {
						continue
					}
					info, err := w.cache(ctx, o)
					if err != nil {
						return nil, err
					}
					shielded[o] = struct{}{}
					protect = append(protect, LocalChange{Path: o, Type: tree.ChangeAdd, NewInfo: &info})
				}
				r := w.pending(snap, st, c.ID, LocalChange{}, inc)
				r.Blocking = in
				result.Pending = append(result.Pending, r)
				continue
			}
		}

		disk, err := w.diskInfo(inc.Path)
		if err != nil && !errors.Is(err, errors.ErrInvalidPath) {
			return nil, err
		}
		if staged {
			if sameOutcome(local, inc, disk) {
				converged = append(converged, inc.Path)
				candidates = append(candidates, inc)
				continue
			}
			result.Pending = append(result.Pending, w.pending(snap, st, c.ID, local, inc))
			continue
		}

		if sameInfo(disk, inc.OldInfo) || sameInfo(disk, inc.NewInfo) {
			candidates = append(candidates, inc)
			continue
		}
		// modified on disk without being staged: stage it so sync never
		// overwrites it
		local, err = w.protect(ctx, inc, disk)
		if err != nil {
			return nil, err
		}
		protect = append(protect, local)
		result.Pending = append(result.Pending, w.pending(snap, st, c.ID, local, inc))
	}

	for _, inc := range candidates {
		if !blocked(inc.Path, result.Pending) {
			result.Applied = append(result.Applied, inc)
		}
	}
	if err := w.materialize(ctx, result.Applied); err != nil {
		return nil, err
	}

	next, err := tree.Apply(snap.tree, result.Applied)
	if err != nil {
		return nil, errors.Internal(err, "applying incoming changes")
	}

	st.Head = c.ID
	st.TreeHash = next.Hash()
	err = w.store.Update(ctx, func(tx *storage.Txn) error {
		if err := storeTree(tx, next); err != nil {
			return err
		}
		if err := writeState(tx, st); err != nil {
			return err
		}
		for _, p := range converged {
			if err := clearChange(tx, p); err != nil {
				return err
			}
		}
		for _, lc := range protect {
			if err := putChange(tx, lc); err != nil {
				return err
			}
		}
		pending := make(map[canonical.Path]struct{}, len(result.Pending))
		for _, r := range result.Pending {
			pending[r.Path] = struct{}{}
		}
		for p := range snap.resolves {
			if _, ok := pending[p]; !ok {
				// converged, or the incoming side went back to the base
				if err := clearResolve(tx, p); err != nil {
					return err
				}
			}
		}
		for _, r := range result.Pending {
			if err := putResolve(tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.logger.Info("workspace synchronized",
		zap.String("branch", st.Branch),
		zap.String("from", result.From),
		zap.String("to", result.To),
		zap.Int("applied", len(result.Applied)),
		zap.Int("pending", len(result.Pending)))
	return result, nil
}

func (w *Workspace) pending(snap *snapshot, st State, theirs string, local LocalChange, inc tree.Change) ResolvePending {
	r := ResolvePending{
		Path:         inc.Path,
		Base:         inc.OldInfo,
		Local:        local,
		Incoming:     inc,
		BaseCommit:   st.Head,
		TheirsCommit: theirs,
	}
	if prev, ok := snap.resolves[inc.Path]; ok {
		r.BaseCommit = prev.BaseCommit
	}
	return r
}

// protect turns an unstaged modification into a staged change.
func (w *Workspace) protect(ctx context.Context, inc tree.Change, disk *tree.FileInfo) (LocalChange, error) {
	lc := LocalChange{Path: inc.Path, OldInfo: inc.OldInfo}
	switch {
	case disk == nil:
		lc.Type = tree.ChangeDelete
		return lc, nil
	case inc.OldInfo == nil:
		lc.Type = tree.ChangeAdd
	default:
		lc.Type = tree.ChangeEdit
	}
	info, err := w.cache(ctx, inc.Path)
	if err != nil {
		return LocalChange{}, err
	}
	lc.NewInfo = &info
	return lc, nil
}

// materialize downloads every needed blob before touching the working copy,
// then removes and writes files.
func (w *Workspace) materialize(ctx context.Context, changes []tree.Change) error {
	var needed []tree.FileInfo
	for _, c := range changes {
		if c.NewInfo != nil {
			needed = append(needed, *c.NewInfo)
		}
	}
	if err := w.fetch(ctx, needed); err != nil {
		return err
	}
	for _, c := range changes {
		if c.Type == tree.ChangeDelete {
			if err := w.removeFile(c.Path); err != nil {
				return err
			}
		}
	}
	for _, c := range changes {
		if c.NewInfo == nil {
			continue
		}
		if disk, err := w.diskInfo(c.Path); err == nil && sameInfo(disk, c.NewInfo) {
			continue
		}
		if err := w.writeFile(ctx, c.Path, *c.NewInfo); err != nil {
			return err
		}
	}
	return nil
}

// Resolve marks pending paths as merged. The file on disk is taken as the
// local version, rebased onto the incoming change. Where a file and a
// directory clash, the local side wins and the incoming file is staged for
// deletion.
func (w *Workspace) Resolve(ctx context.Context, paths ...string) ([]LocalChange, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var (
		incoming []tree.Change
		rebased  []LocalChange
		dropped  []canonical.Path
	)
	seen := make(map[canonical.Path]struct{})
	for _, arg := range paths {
		p, err := w.Canonical(arg)
		if err != nil {
			return nil, err
		}
		matched := false
		for rp, r := range snap.resolves {
			if !p.Contains(rp) {
				continue
			}
			matched = true
			if _, ok := seen[rp]; ok {
				continue
			}
			seen[rp] = struct{}{}
			incoming = append(incoming, r.Incoming)
			if r.Structural() {
				// the blocking files stay staged and replace the incoming file
				if r.Incoming.NewInfo != nil {
					rebased = append(rebased, LocalChange{Path: rp, Type: tree.ChangeDelete, OldInfo: r.Incoming.NewInfo})
				}
				continue
			}
			if lc, keep := rebase(r.Local, r.Incoming); keep {
				rebased = append(rebased, lc)
			} else {
				dropped = append(dropped, rp)
			}
		}
		if !matched {
			return nil, errors.NotFound("%s has no pending resolve", p)
		}
	}

	next, err := tree.Apply(snap.tree, incoming)
	if err != nil {
		return nil, err
	}
	st := snap.state
	st.TreeHash = next.Hash()
	err = w.store.Update(ctx, func(tx *storage.Txn) error {
		if err := storeTree(tx, next); err != nil {
			return err
		}
		if err := writeState(tx, st); err != nil {
			return err
		}
		for p := range seen {
			if err := clearResolve(tx, p); err != nil {
				return err
			}
		}
		for _, p := range dropped {
			if err := clearChange(tx, p); err != nil {
				return err
			}
		}
		for _, lc := range rebased {
			if err := putChange(tx, lc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info("paths resolved", zap.Int("count", len(seen)))
	return rebased, nil
}

// rebase expresses local relative to the incoming version of its path. It
// reports false when nothing is left to commit.
func rebase(local LocalChange, inc tree.Change) (LocalChange, bool) {
	out := LocalChange{Path: local.Path, NewInfo: local.NewInfo}
	switch {
	case inc.NewInfo == nil && local.Type == tree.ChangeDelete:
		return LocalChange{}, false
	case inc.NewInfo == nil:
		out.Type = tree.ChangeAdd
	case local.Type == tree.ChangeDelete:
		out.Type = tree.ChangeDelete
		out.NewInfo = nil
		out.OldInfo = inc.NewInfo
	default:
		out.Type = tree.ChangeEdit
		out.OldInfo = inc.NewInfo
	}
	return out, true
}

// sameOutcome reports whether a local change already produced the state the
// incoming change leads to.
func sameOutcome(local LocalChange, inc tree.Change, disk *tree.FileInfo) bool {
	if inc.NewInfo == nil {
		return local.Type == tree.ChangeDelete
	}
	return local.Type != tree.ChangeDelete && sameInfo(disk, inc.NewInfo)
}

// blocked reports whether a pending path is an ancestor or descendant of p,
// in which case applying p would clash with the kept local version. The
// paths behind a structural pending are never incoming, so it blocks
// nothing else.
func blocked(p canonical.Path, pending []ResolvePending) bool {
	for _, r := range pending {
		if !r.Structural() && r.Path != p && r.Path.Intersects(p) {
			return true
		}
	}
	return false
}

// obstacles returns the local files that keep an incoming change at p off
// the disk: added or untracked files below p, or an untracked file above it.
// Tracked files are left out since the incoming side changes them too.
func (w *Workspace) obstacles(snap *snapshot, p canonical.Path) ([]canonical.Path, error) {
	found := make(map[canonical.Path]struct{})
	for cp, lc := range snap.changes {
		if lc.Type == tree.ChangeAdd && cp != p && cp.Intersects(p) {
			found[cp] = struct{}{}
		}
	}

	dir := canonical.Root
	parts := p.Parts()
	for _, part := range parts[:len(parts)-1] {
		var err error
		if dir, err = dir.Join(part); err != nil {
			return nil, err
		}
		fi, err := os.Lstat(w.abs(dir))
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, errors.Storage(err, "checking %s", dir)
		}
		if fi.IsDir() {
			continue
		}
		if _, tracked := snap.tree.FindFile(dir); !tracked {
			found[dir] = struct{}{}
		}
		break
	}

	target := w.abs(p)
	if fi, err := os.Lstat(target); err == nil && fi.IsDir() {
		err := filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return errors.Storage(err, "walking %s", path)
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(w.root, path)
			if err != nil {
				return errors.Internal(err, "locating %s", path)
			}
			fp, err := canonical.FromSlash(filepath.ToSlash(rel))
			if err != nil || !d.Type().IsRegular() {
				return errors.InvalidPath("%s is in the way of the incoming %s, move it away and sync again", path, p)
			}
			if _, tracked := snap.tree.FindFile(fp); !tracked {
				found[fp] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return sortedPaths(found), nil
}

func sameInfo(a, b *tree.FileInfo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
