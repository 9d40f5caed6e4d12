// Package repository is the server side of keel: it validates commits
// against branch heads and locks and answers queries about history.
package repository

import (
	"context"

	"keel/internal/branch"
	"keel/internal/canonical"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/index"
	"keel/internal/metrics"
	"keel/internal/safe"
	"keel/internal/tree"

	"go.uber.org/zap"
)

const (
	initialAuthor  = "keel"
	initialMessage = "Initial commit"
)

// Repository combines the index of one repository with the blob store.
type Repository struct {
	idx     index.Index
	blobs   safe.Store
	logger  *zap.Logger
	metrics *metrics.Metrics

	exclusiveEdits bool
}

type Option func(*Repository)

func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// WithExclusiveEdits makes Init create the main lock domain with exclusive
// edits.
func WithExclusiveEdits(on bool) Option {
	return func(r *Repository) { r.exclusiveEdits = on }
}

// New serves an existing repository.
func New(idx index.Index, blobs safe.Store, opts ...Option) *Repository {
	r := &Repository{idx: idx, blobs: blobs, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("repository", idx.Name()))
	return r
}

// Init creates a repository holding an empty root commit on the main
// branch, which gets its own lock domain.
func Init(ctx context.Context, registry index.Registry, blobs safe.Store, name string, opts ...Option) (*Repository, error) {
	idx, err := registry.CreateRepository(ctx, name)
	if err != nil {
		return nil, err
	}
	r := New(idx, blobs, opts...)

	err = idx.Update(ctx, func(tx index.Tx) error {
		root := tree.Empty()
		if err := tx.SaveTree(root); err != nil {
			return err
		}
		c := commit.New(initialAuthor, initialMessage, nil, root.Hash(), nil)
		if err := tx.InsertCommit(c); err != nil {
			return err
		}
		main, err := branch.New(branch.Main, c.ID)
		if err != nil {
			return err
		}
		main.ExclusiveEdits = r.exclusiveEdits
		return tx.InsertBranch(main)
	})
	if err != nil {
		_ = registry.DestroyRepository(ctx, name)
		return nil, errors.Wrap(err, "initializing repository %s", name)
	}
	r.logger.Info("repository initialized", zap.Bool("exclusive_edits", r.exclusiveEdits))
	return r, nil
}

func (r *Repository) Name() string {
	return r.idx.Name()
}

func (r *Repository) Blobs() safe.Store {
	return r.blobs
}

func (r *Repository) ReadBranch(ctx context.Context, name string) (*branch.Branch, error) {
	var b *branch.Branch
	err := r.idx.View(ctx, func(tx index.Tx) error {
		var err error
		b, err = tx.ReadBranch(name)
		return err
	})
	return b, err
}

// InsertBranch creates name at the head of source. The new branch shares
// the source's locks unless newLockDomain is set.
func (r *Repository) InsertBranch(ctx context.Context, name, source string, newLockDomain bool) (*branch.Branch, error) {
	var b *branch.Branch
	err := r.idx.Update(ctx, func(tx index.Tx) error {
		src, err := tx.ReadBranch(source)
		if err != nil {
			return err
		}
		b, err = branch.FromSource(name, src, newLockDomain)
		if err != nil {
			return err
		}
		return tx.InsertBranch(b)
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("branch created",
		zap.String("branch", name), zap.String("source", source), zap.Bool("new_lock_domain", newLockDomain))
	return b, nil
}

func (r *Repository) ListBranches(ctx context.Context) ([]*branch.Branch, error) {
	var out []*branch.Branch
	err := r.idx.View(ctx, func(tx index.Tx) error {
		var err error
		out, err = tx.ListBranches()
		return err
	})
	return out, err
}

func (r *Repository) ReadCommit(ctx context.Context, id string) (*commit.Commit, error) {
	var c *commit.Commit
	err := r.idx.View(ctx, func(tx index.Tx) error {
		var err error
		c, err = tx.ReadCommit(id)
		return err
	})
	return c, err
}

// ListCommits returns the commits named in q, or the history of q.Branch
// (main by default) newest first, limited to q.Depth when positive.
func (r *Repository) ListCommits(ctx context.Context, q commit.Query) ([]*commit.Commit, error) {
	var out []*commit.Commit
	err := r.idx.View(ctx, func(tx index.Tx) error {
		reader := commit.ReaderFunc(func(_ context.Context, id string) (*commit.Commit, error) {
			return tx.ReadCommit(id)
		})
		if len(q.IDs) > 0 {
			out = out[:0]
			for _, id := range q.IDs {
				c, err := reader.ReadCommit(ctx, id)
				if err != nil {
					return err
				}
				out = append(out, c)
			}
			return nil
		}

		name := q.Branch
		if name == "" {
			name = branch.Main
		}
		b, err := tx.ReadBranch(name)
		if err != nil {
			return err
		}
		out, err = commit.History(ctx, reader, []string{b.Head}, q.Depth)
		return err
	})
	return out, err
}

func (r *Repository) ReadTree(ctx context.Context, hash string) (*tree.Tree, error) {
	var t *tree.Tree
	err := r.idx.View(ctx, func(tx index.Tx) error {
		var err error
		t, err = tx.ReadTree(hash)
		return err
	})
	return t, err
}

// Lock takes the lock on p in the lock domain of branchName.
func (r *Repository) Lock(ctx context.Context, branchName string, p canonical.Path, workspaceID string) (*branch.Lock, error) {
	var l branch.Lock
	err := r.idx.Update(ctx, func(tx index.Tx) error {
		b, err := tx.ReadBranch(branchName)
		if err != nil {
			return err
		}
		l = branch.Lock{Path: p, LockDomainID: b.LockDomainID, WorkspaceID: workspaceID, BranchName: branchName}
		return tx.InsertLock(l)
	})
	r.metrics.LockOperation("lock", outcome(err))
	if err != nil {
		return nil, err
	}
	r.logger.Info("path locked",
		zap.String("path", string(p)), zap.String("branch", branchName), zap.String("workspace", workspaceID))
	return &l, nil
}

// Unlock releases the lock workspaceID holds on p.
func (r *Repository) Unlock(ctx context.Context, branchName string, p canonical.Path, workspaceID string) error {
	err := r.idx.Update(ctx, func(tx index.Tx) error {
		b, err := tx.ReadBranch(branchName)
		if err != nil {
			return err
		}
		return tx.DeleteLock(b.LockDomainID, p, workspaceID)
	})
	r.metrics.LockOperation("unlock", outcome(err))
	if err != nil {
		return err
	}
	r.logger.Info("path unlocked",
		zap.String("path", string(p)), zap.String("branch", branchName), zap.String("workspace", workspaceID))
	return nil
}

func (r *Repository) ReadLock(ctx context.Context, branchName string, p canonical.Path) (*branch.Lock, error) {
	var l *branch.Lock
	err := r.idx.View(ctx, func(tx index.Tx) error {
		b, err := tx.ReadBranch(branchName)
		if err != nil {
			return err
		}
		l, err = tx.ReadLock(b.LockDomainID, p)
		return err
	})
	return l, err
}

// ListLocks returns the locks in the domain of branchName, or every lock
// of the repository when branchName is empty.
func (r *Repository) ListLocks(ctx context.Context, branchName string) ([]branch.Lock, error) {
	var out []branch.Lock
	err := r.idx.View(ctx, func(tx index.Tx) error {
		if branchName == "" {
			var err error
			out, err = tx.ListLocks()
			return err
		}
		b, err := tx.ReadBranch(branchName)
		if err != nil {
			return err
		}
		out, err = tx.ListLocks(b.LockDomainID)
		return err
	})
	return out, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, errors.ErrConflict):
		return metrics.OutcomeConflict
	case errors.IsType(err, errors.ErrorTypeInternal),
		errors.IsType(err, errors.ErrorTypeStorage),
		errors.IsType(err, errors.ErrorTypePersistence):
		return metrics.OutcomeError
	}
	return metrics.OutcomeRejected
}
