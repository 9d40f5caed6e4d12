package workspace

import (
	"context"
	"os"
	"sort"

	"keel/internal/canonical"
	"keel/internal/errors"
	"keel/internal/storage"
	"keel/internal/tree"

	"go.uber.org/zap"
)

// Add stages untracked files. A directory stages every untracked file below
// it that is not ignored. The contents are cached before anything is staged.
func (w *Workspace) Add(ctx context.Context, paths ...string) ([]LocalChange, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	selected := make(map[canonical.Path]struct{})
	for _, arg := range paths {
		p, err := w.Canonical(arg)
		if err != nil {
			return nil, err
		}
		fi, err := os.Stat(w.abs(p))
		if os.IsNotExist(err) {
			return nil, errors.NotFound("%s does not exist", p)
		}
		if err != nil {
			return nil, errors.Storage(err, "checking %s", p)
		}
		if fi.IsDir() {
			err := w.walk(p, func(fp canonical.Path) error {
				if snap.addable(fp) == nil {
					selected[fp] = struct{}{}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			continue
		}
		if w.ignore.Ignored(p, false) {
			return nil, errors.InvalidPath("%s is ignored", p)
		}
		if err := snap.addable(p); err != nil {
			return nil, err
		}
		selected[p] = struct{}{}
	}

	staged := make([]LocalChange, 0, len(selected))
	for _, p := range sortedPaths(selected) {
		info, err := w.cache(ctx, p)
		if err != nil {
			return nil, err
		}
		staged = append(staged, LocalChange{Path: p, Type: tree.ChangeAdd, NewInfo: &info})
	}
	if err := w.putChanges(ctx, staged); err != nil {
		return nil, err
	}
	w.logger.Info("files added", zap.Int("count", len(staged)))
	return staged, nil
}

func (s *snapshot) addable(p canonical.Path) error {
	if _, ok := s.changes[p]; ok {
		return errors.AlreadyExists("%s is already staged", p)
	}
	if _, ok := s.tree.FindFile(p); ok {
		return errors.AlreadyExists("%s is already tracked, use edit", p)
	}
	return nil
}

// Edit declares the intent to modify tracked files. A lock held by another
// workspace fails the whole call; when the lock domain requires exclusive
// edits every path is locked first.
func (w *Workspace) Edit(ctx context.Context, paths ...string) ([]LocalChange, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	selected := make(map[canonical.Path]tree.FileInfo)
	for _, arg := range paths {
		p, err := w.Canonical(arg)
		if err != nil {
			return nil, err
		}
		files, err := snap.tracked(p)
		if err != nil {
			return nil, err
		}
		for fp, info := range files {
			c, staged := snap.changes[fp]
			if !staged {
				selected[fp] = info
				continue
			}
			if c.Type == tree.ChangeDelete && fp == p {
				return nil, errors.InvalidChange("%s is staged for deletion", fp)
			}
		}
	}

	targets := make([]canonical.Path, 0, len(selected))
	for p := range selected {
		if _, pending := snap.resolves[p]; pending {
			return nil, errors.ResolvePending("%s has a pending resolve", p)
		}
		targets = append(targets, p)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Less(targets[j]) })

	taken, err := w.acquire(ctx, snap.state, targets)
	if err != nil {
		return nil, err
	}

	staged := make([]LocalChange, 0, len(targets))
	for _, p := range targets {
		old := selected[p]
		staged = append(staged, LocalChange{Path: p, Type: tree.ChangeEdit, OldInfo: &old})
	}
	if err := w.putChanges(ctx, staged); err != nil {
		w.releaseAll(ctx, snap.state, taken)
		return nil, err
	}
	w.logger.Info("files opened for edit", zap.Int("count", len(staged)))
	return staged, nil
}

// Delete removes files from the working copy and stages their deletion.
// Locks are checked before any file is touched. Deleting a staged addition
// just drops it.
func (w *Workspace) Delete(ctx context.Context, paths ...string) ([]LocalChange, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	tracked := make(map[canonical.Path]tree.FileInfo)
	added := make(map[canonical.Path]struct{})
	for _, arg := range paths {
		p, err := w.Canonical(arg)
		if err != nil {
			return nil, err
		}
		matched := false
		for cp, c := range snap.changes {
			if c.Type == tree.ChangeAdd && p.Contains(cp) {
				added[cp] = struct{}{}
				matched = true
			}
		}
		files, err := snap.tracked(p)
		if err != nil && !(matched && errors.Is(err, errors.ErrNotFound)) {
			return nil, err
		}
		for fp, info := range files {
			if c, staged := snap.changes[fp]; staged && c.Type == tree.ChangeDelete {
				continue
			}
			tracked[fp] = info
		}
	}

	targets := make([]canonical.Path, 0, len(tracked))
	for p := range tracked {
		if _, pending := snap.resolves[p]; pending {
			return nil, errors.ResolvePending("%s has a pending resolve", p)
		}
		targets = append(targets, p)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Less(targets[j]) })

	taken, err := w.acquire(ctx, snap.state, targets)
	if err != nil {
		return nil, err
	}

	staged := make([]LocalChange, 0, len(targets))
	for _, p := range targets {
		old := tracked[p]
		staged = append(staged, LocalChange{Path: p, Type: tree.ChangeDelete, OldInfo: &old})
	}
	dropped := sortedPaths(added)

	// a file that cannot be removed is unstaged again
	err = w.store.Update(ctx, func(tx *storage.Txn) error {
		for _, p := range dropped {
			if err := clearChange(tx, p); err != nil {
				return err
			}
		}
		for _, c := range staged {
			if err := putChange(tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.releaseAll(ctx, snap.state, taken)
		return nil, err
	}
	for i, c := range staged {
		if err := w.removeFile(c.Path); err != nil {
			w.undoDelete(ctx, snap, staged[i:], dropped, taken)
			return nil, err
		}
	}
	for i, p := range dropped {
		if err := w.removeFile(p); err != nil {
			w.undoDelete(ctx, snap, nil, dropped[i:], taken)
			return nil, err
		}
	}
	w.logger.Info("files deleted", zap.Int("staged", len(staged)), zap.Int("unstaged", len(added)))
	return staged, nil
}

// Revert drops staged changes and restores the tracked content. For a path
// with a pending resolve the incoming version is taken, discarding the local
// files that clashed with it. An unstaged modification of a tracked file is
// reverted too.
func (w *Workspace) Revert(ctx context.Context, paths ...string) ([]canonical.Path, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	changes := make(map[canonical.Path]LocalChange)
	restore := make(map[canonical.Path]tree.FileInfo)
	taken := make(map[canonical.Path]ResolvePending)
	for _, arg := range paths {
		p, err := w.Canonical(arg)
		if err != nil {
			return nil, err
		}
		matched := false
		for cp, c := range snap.changes {
			if p.Contains(cp) {
				changes[cp] = c
				matched = true
			}
		}
		for rp, r := range snap.resolves {
			if p.Contains(rp) {
				taken[rp] = r
				matched = true
			}
		}
		files, err := snap.tracked(p)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		for fp, info := range files {
			if _, staged := snap.changes[fp]; staged {
				continue
			}
			disk, err := w.diskInfo(fp)
			if err != nil {
				return nil, err
			}
			if disk == nil || *disk != info {
				restore[fp] = info
			}
			matched = true
		}
		if !matched {
			return nil, errors.NotFound("%s has no changes", p)
		}
	}

	discard := make(map[canonical.Path]struct{})
	for _, r := range taken {
		for _, o := range r.Blocking {
			if c, ok := snap.changes[o]; ok {
				changes[o] = c
			}
			discard[o] = struct{}{}
		}
	}

	var fetch []tree.FileInfo
	for _, r := range taken {
		if r.Incoming.NewInfo != nil {
			fetch = append(fetch, *r.Incoming.NewInfo)
		}
	}
	for p, c := range changes {
		if _, pending := taken[p]; pending {
			continue
		}
		if _, gone := discard[p]; gone {
			continue
		}
		if c.Type != tree.ChangeAdd {
			restore[p] = *c.OldInfo
		}
	}
	for _, info := range restore {
		fetch = append(fetch, info)
	}
	if err := w.fetch(ctx, fetch); err != nil {
		return nil, err
	}

	current := snap.tree
	var resolved []tree.Change
	for _, p := range sortedPaths(taken) {
		resolved = append(resolved, taken[p].Incoming)
	}
	if len(resolved) > 0 {
		if current, err = tree.Apply(current, resolved); err != nil {
			return nil, errors.Internal(err, "applying incoming changes")
		}
	}

	// removals first so that directories left empty make room for files
	for _, p := range sortedPaths(discard) {
		if err := w.removeFile(p); err != nil {
			return nil, err
		}
	}
	for _, c := range resolved {
		if c.NewInfo == nil {
			if err := w.removeFile(c.Path); err != nil {
				return nil, err
			}
		}
	}
	for _, c := range resolved {
		if c.NewInfo != nil {
			if err := w.writeFile(ctx, c.Path, *c.NewInfo); err != nil {
				return nil, err
			}
		}
	}
	for p, info := range restore {
		if err := w.writeFile(ctx, p, info); err != nil {
			return nil, err
		}
	}

	err = w.store.Update(ctx, func(tx *storage.Txn) error {
		for p := range changes {
			if err := clearChange(tx, p); err != nil {
				return err
			}
			if err := clearResolve(tx, p); err != nil {
				return err
			}
		}
		for p := range taken {
			if err := clearResolve(tx, p); err != nil {
				return err
			}
		}
		if current == snap.tree {
			return nil
		}
		if err := storeTree(tx, current); err != nil {
			return err
		}
		st := snap.state
		st.TreeHash = current.Hash()
		return writeState(tx, st)
	})
	if err != nil {
		return nil, err
	}

	reverted := make(map[canonical.Path]struct{}, len(changes)+len(restore)+len(taken))
	for p, c := range changes {
		reverted[p] = struct{}{}
		if c.Type != tree.ChangeAdd {
			w.release(ctx, snap.state, p)
		}
	}
	for p := range restore {
		reverted[p] = struct{}{}
	}
	for p := range taken {
		reverted[p] = struct{}{}
	}
	w.logger.Info("files reverted", zap.Int("count", len(reverted)), zap.Int("discarded", len(discard)))
	return sortedPaths(reverted), nil
}

// tracked returns the files of the workspace tree at or below p.
func (s *snapshot) tracked(p canonical.Path) (map[canonical.Path]tree.FileInfo, error) {
	node, ok := s.tree.Find(p)
	if !ok {
		return nil, errors.NotFound("%s is not tracked", p)
	}
	out := make(map[canonical.Path]tree.FileInfo)
	if node.File != nil {
		out[p] = *node.File
		return out, nil
	}
	err := node.Dir.Walk(func(fp canonical.Path, info tree.FileInfo) error {
		out[p.Append(fp)] = info
		return nil
	})
	return out, err
}

// acquire fails if another workspace holds a lock on any of paths. When the
// lock domain of the branch requires exclusive edits it then locks every
// path not already held and returns the paths it locked, releasing them if
// one of the locks fails.
func (w *Workspace) acquire(ctx context.Context, st State, paths []canonical.Path) ([]canonical.Path, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	var missing []canonical.Path
	for _, p := range paths {
		l, err := w.remote.ReadLock(ctx, st.Branch, p)
		switch {
		case err == nil && !l.OwnedBy(w.config.ID):
			return nil, errors.LockAlreadyExists(l, "%s is locked by workspace %s", p, l.WorkspaceID)
		case err == nil:
		case errors.Is(err, errors.ErrLockNotFound):
			missing = append(missing, p)
		default:
			return nil, err
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	b, err := w.remote.ReadBranch(ctx, st.Branch)
	if err != nil {
		return nil, err
	}
	if !b.ExclusiveEdits {
		return nil, nil
	}

	var taken []canonical.Path
	for _, p := range missing {
		if _, err := w.remote.Lock(ctx, st.Branch, p, w.config.ID); err != nil {
			w.releaseAll(ctx, st, taken)
			return nil, err
		}
		taken = append(taken, p)
	}
	return taken, nil
}

func (w *Workspace) releaseAll(ctx context.Context, st State, paths []canonical.Path) {
	for _, p := range paths {
		w.release(ctx, st, p)
	}
}

// undoDelete unstages the deletions whose files are still on disk, stages
// again the additions that were not removed, and releases the locks taken
// for the unstaged deletions.
func (w *Workspace) undoDelete(ctx context.Context, snap *snapshot, deletes []LocalChange, adds, taken []canonical.Path) {
	err := w.store.Update(ctx, func(tx *storage.Txn) error {
		for _, c := range deletes {
			if err := clearChange(tx, c.Path); err != nil {
				return err
			}
		}
		for _, p := range adds {
			if err := putChange(tx, snap.changes[p]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.logger.Error("restoring staged changes", zap.Error(err))
	}

	kept := make(map[canonical.Path]struct{}, len(deletes))
	for _, c := range deletes {
		kept[c.Path] = struct{}{}
	}
	for _, p := range taken {
		if _, ok := kept[p]; ok {
			w.release(ctx, snap.state, p)
		}
	}
}

// release drops this workspace's lock on p, if any.
func (w *Workspace) release(ctx context.Context, st State, p canonical.Path) {
	err := w.remote.Unlock(ctx, st.Branch, p, w.config.ID)
	if err != nil && !errors.Is(err, errors.ErrLockNotFound) {
		w.logger.Warn("releasing lock", zap.String("path", string(p)), zap.Error(err))
	}
}

func (w *Workspace) putChanges(ctx context.Context, changes []LocalChange) error {
	if len(changes) == 0 {
		return nil
	}
	return w.store.Update(ctx, func(tx *storage.Txn) error {
		for _, c := range changes {
			if err := putChange(tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func sortedPaths[V any](m map[canonical.Path]V) []canonical.Path {
	out := make([]canonical.Path, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
