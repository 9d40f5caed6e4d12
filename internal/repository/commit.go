package repository

import (
	"context"

	"keel/internal/branch"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/index"
	"keel/internal/tree"

	"go.uber.org/zap"
)

// Commit applies req on top of its branch. The head check, the lock
// check, the new tree, the commit and the head move happen in one index
// transaction, so a commit is either fully visible or not at all.
//
// Locks the committing workspace holds on committed paths are released.
func (r *Repository) Commit(ctx context.Context, req commit.Request) (*commit.Commit, error) {
	c, err := r.commit(ctx, req)
	r.metrics.Commit(r.Name(), outcome(err), len(req.Changes))
	if err != nil {
		r.logger.Info("commit rejected",
			zap.String("branch", req.Branch),
			zap.String("expected_head", req.ExpectedHead),
			zap.Error(err))
		return nil, err
	}
	r.logger.Info("commit accepted",
		zap.String("branch", req.Branch),
		zap.String("commit", c.ID),
		zap.Int("changes", len(c.Changes)))
	return c, nil
}

func (r *Repository) commit(ctx context.Context, req commit.Request) (*commit.Commit, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := r.checkBlobs(ctx, req.Changes); err != nil {
		return nil, err
	}

	var created *commit.Commit
	err := r.idx.Update(ctx, func(tx index.Tx) error {
		b, err := tx.ReadBranch(req.Branch)
		if err != nil {
			return err
		}
		if b.Head != req.ExpectedHead {
			return errors.Conflict("branch %s is at %s, not %s", b.Name, commit.ShortID(b.Head), commit.ShortID(req.ExpectedHead))
		}

		parent, err := tx.ReadCommit(b.Head)
		if err != nil {
			return err
		}
		base, err := tx.ReadTree(parent.RootHash)
		if err != nil {
			return err
		}

		held, err := r.checkLocks(tx, b, req)
		if err != nil {
			return err
		}

		next, err := tree.Apply(base, req.Changes)
		if err != nil {
			return err
		}
		if next.Equal(base) {
			return errors.EmptyCommit("changes leave branch %s unchanged", b.Name)
		}
		if err := tx.SaveTree(next); err != nil {
			return err
		}

		c := commit.New(req.Author, req.Message, []string{b.Head}, next.Hash(), base.Diff(next))
		if err := tx.InsertCommit(c); err != nil {
			return err
		}
		ok, err := tx.UpdateBranchHead(b.Name, req.ExpectedHead, c.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Conflict("branch %s moved during the commit", b.Name)
		}

		for _, l := range held {
			if err := tx.DeleteLock(l.LockDomainID, l.Path, req.WorkspaceID); err != nil {
				return err
			}
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// checkLocks fails if another workspace holds a lock on a changed path and
// returns the locks the committing workspace holds on them.
func (r *Repository) checkLocks(tx index.Tx, b *branch.Branch, req commit.Request) ([]branch.Lock, error) {
	var held []branch.Lock
	for _, c := range req.Changes {
		l, err := tx.ReadLock(b.LockDomainID, c.Path)
		if errors.Is(err, errors.ErrLockNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !l.OwnedBy(req.WorkspaceID) {
			return nil, errors.LockAlreadyExists(l, "%s is locked by workspace %s", c.Path, l.WorkspaceID)
		}
		held = append(held, *l)
	}
	return held, nil
}

// checkBlobs makes sure the content of every added or edited file was
// uploaded before the commit references it.
func (r *Repository) checkBlobs(ctx context.Context, changes []tree.Change) error {
	for _, c := range changes {
		if c.NewInfo == nil {
			continue
		}
		ok, err := r.blobs.Exists(ctx, c.NewInfo.Hash)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NotFound("content %s of %s was not uploaded", c.NewInfo.Hash, c.Path)
		}
	}
	return nil
}
