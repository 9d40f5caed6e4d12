package workspace

import (
	"context"

	"keel/internal/branch"
	"keel/internal/canonical"
	"keel/internal/commit"
	"keel/internal/safe"
	"keel/internal/tree"
)

// Remote is the repository a workspace is attached to. Both
// *repository.Repository and *client.Client implement it.
type Remote interface {
	ReadBranch(ctx context.Context, name string) (*branch.Branch, error)
	InsertBranch(ctx context.Context, name, source string, newLockDomain bool) (*branch.Branch, error)
	ListBranches(ctx context.Context) ([]*branch.Branch, error)

	Commit(ctx context.Context, req commit.Request) (*commit.Commit, error)
	ReadCommit(ctx context.Context, id string) (*commit.Commit, error)
	ListCommits(ctx context.Context, q commit.Query) ([]*commit.Commit, error)
	ReadTree(ctx context.Context, hash string) (*tree.Tree, error)

	Lock(ctx context.Context, branchName string, p canonical.Path, workspaceID string) (*branch.Lock, error)
	Unlock(ctx context.Context, branchName string, p canonical.Path, workspaceID string) error
	ReadLock(ctx context.Context, branchName string, p canonical.Path) (*branch.Lock, error)
	ListLocks(ctx context.Context, branchName string) ([]branch.Lock, error)

	Blobs() safe.Store
}
