package workspace

import (
	"context"

	"keel/internal/canonical"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/storage"
	"keel/internal/tree"

	"go.uber.org/zap"
)

// Commit uploads the staged contents and asks the remote to advance the
// branch from the synchronized head. Edits that left the content unchanged
// are dropped. When the remote rejects the commit, the staged changes are
// kept.
func (w *Workspace) Commit(ctx context.Context, message string) (*commit.Commit, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if n := len(snap.resolves); n > 0 {
		return nil, errors.ResolvePending("%d path(s) have pending resolves", n)
	}
	if len(snap.changes) == 0 {
		return nil, errors.EmptyCommit("nothing staged")
	}

	var (
		changes   []tree.Change
		uploads   []tree.FileInfo
		unchanged []canonical.Path
	)
	for _, p := range sortedPaths(snap.changes) {
		lc := snap.changes[p]
		if lc.Type == tree.ChangeDelete {
			changes = append(changes, tree.NewDelete(p, *lc.OldInfo))
			continue
		}
		disk, err := w.diskInfo(p)
		if err != nil {
			return nil, err
		}
		if disk == nil {
			return nil, errors.InvalidChange("%s no longer exists: revert it or delete it", p)
		}
		info, err := w.cache(ctx, p)
		if err != nil {
			return nil, err
		}
		if lc.Type == tree.ChangeAdd {
			changes = append(changes, tree.NewAdd(p, info))
			uploads = append(uploads, info)
			continue
		}
		if info == *lc.OldInfo {
			unchanged = append(unchanged, p)
			continue
		}
		changes = append(changes, tree.NewEdit(p, *lc.OldInfo, info))
		uploads = append(uploads, info)
	}
	if len(changes) == 0 {
		return nil, errors.EmptyCommit("no staged file changed")
	}

	if err := w.upload(ctx, uploads); err != nil {
		return nil, err
	}

	req := commit.Request{
		Branch:       snap.state.Branch,
		ExpectedHead: snap.state.Head,
		Author:       w.config.Owner,
		Message:      message,
		WorkspaceID:  w.config.ID,
		Changes:      changes,
	}
	created, err := w.remote.Commit(ctx, req)
	if err != nil {
		w.logger.Warn("commit rejected", zap.String("branch", req.Branch), zap.Error(err))
		return nil, err
	}

	next, err := tree.Apply(snap.tree, changes)
	if err != nil || next.Hash() != created.RootHash {
		if next, err = w.remote.ReadTree(ctx, created.RootHash); err != nil {
			return nil, err
		}
	}

	st := snap.state
	st.Head = created.ID
	st.TreeHash = next.Hash()
	err = w.store.Update(ctx, func(tx *storage.Txn) error {
		for p := range snap.changes {
			if err := clearChange(tx, p); err != nil {
				return err
			}
		}
		if err := storeTree(tx, next); err != nil {
			return err
		}
		return writeState(tx, st)
	})
	if err != nil {
		return nil, errors.Persistence(err, "commit %s succeeded but the workspace state could not be saved", created.ID)
	}

	// the remote releases the locks of committed paths only
	for _, p := range unchanged {
		w.release(ctx, st, p)
	}
	w.logger.Info("changes committed",
		zap.String("branch", st.Branch),
		zap.String("commit", created.ID),
		zap.Int("changes", len(changes)))
	return created, nil
}
