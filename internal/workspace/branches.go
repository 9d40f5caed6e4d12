package workspace

import (
	"context"

	"keel/internal/branch"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/storage"

	"go.uber.org/zap"
)

// CreateBranch creates name on the remote from the current branch. The
// workspace stays on its branch.
func (w *Workspace) CreateBranch(ctx context.Context, name string, newLockDomain bool) (*branch.Branch, error) {
	st, err := w.State(ctx)
	if err != nil {
		return nil, err
	}
	return w.remote.InsertBranch(ctx, name, st.Branch, newLockDomain)
}

func (w *Workspace) ListBranches(ctx context.Context) ([]*branch.Branch, error) {
	return w.remote.ListBranches(ctx)
}

// SwitchBranch moves the workspace to name and synchronizes it to the
// branch head. The workspace must have nothing staged or pending.
func (w *Workspace) SwitchBranch(ctx context.Context, name string) (*SyncResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap, err := w.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if len(snap.changes) > 0 || len(snap.resolves) > 0 {
		return nil, errors.ValidationError("commit or revert staged changes before switching branches",
			map[string]int{"staged": len(snap.changes), "pending": len(snap.resolves)})
	}
	b, err := w.remote.ReadBranch(ctx, name)
	if err != nil {
		return nil, err
	}

	st := snap.state
	st.Branch = b.Name
	st.LockDomainID = b.LockDomainID
	err = w.store.Update(ctx, func(tx *storage.Txn) error {
		return writeState(tx, st)
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info("switched branch", zap.String("from", snap.state.Branch), zap.String("to", b.Name))
	return w.syncTo(ctx, st, b.Head)
}

// Lock takes the locks on the given paths in the branch's lock domain.
func (w *Workspace) Lock(ctx context.Context, paths ...string) ([]branch.Lock, error) {
	st, err := w.State(ctx)
	if err != nil {
		return nil, err
	}
	var out []branch.Lock
	for _, arg := range paths {
		p, err := w.Canonical(arg)
		if err != nil {
			return out, err
		}
		l, err := w.remote.Lock(ctx, st.Branch, p, w.config.ID)
		if err != nil {
			return out, err
		}
		out = append(out, *l)
	}
	return out, nil
}

// Unlock releases locks held by this workspace.
func (w *Workspace) Unlock(ctx context.Context, paths ...string) error {
	st, err := w.State(ctx)
	if err != nil {
		return err
	}
	for _, arg := range paths {
		p, err := w.Canonical(arg)
		if err != nil {
			return err
		}
		if err := w.remote.Unlock(ctx, st.Branch, p, w.config.ID); err != nil {
			return err
		}
	}
	return nil
}

// ListLocks returns the locks of the current branch's lock domain.
func (w *Workspace) ListLocks(ctx context.Context) ([]branch.Lock, error) {
	st, err := w.State(ctx)
	if err != nil {
		return nil, err
	}
	return w.remote.ListLocks(ctx, st.Branch)
}

// Log returns the history of the current branch, newest first.
func (w *Workspace) Log(ctx context.Context, depth int) ([]*commit.Commit, error) {
	st, err := w.State(ctx)
	if err != nil {
		return nil, err
	}
	return w.remote.ListCommits(ctx, commit.Query{Branch: st.Branch, Depth: depth})
}
