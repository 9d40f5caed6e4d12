// Package index defines the transactional metadata store of a repository:
// branches, commits, trees and locks.
package index

import (
	"context"
	"fmt"
	"strings"

	"keel/internal/branch"
	"keel/internal/canonical"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/tree"
)

// Tx is one index transaction. All reads see a single consistent state and
// the writes of an Update are committed together or not at all.
type Tx interface {
	ReadBranch(name string) (*branch.Branch, error)
	// InsertBranch fails with AlreadyExists when the name is taken.
	InsertBranch(b *branch.Branch) error
	// UpdateBranchHead moves the branch to head only if it currently points
	// at expected. A mismatch returns false without an error.
	UpdateBranchHead(name, expected, head string) (bool, error)
	ListBranches() ([]*branch.Branch, error)

	SaveTree(t *tree.Tree) error
	ReadTree(hash string) (*tree.Tree, error)

	InsertCommit(c *commit.Commit) error
	ReadCommit(id string) (*commit.Commit, error)

	// InsertLock fails with LockAlreadyExists carrying the current holder.
	InsertLock(l branch.Lock) error
	ReadLock(domain string, p canonical.Path) (*branch.Lock, error)
	// DeleteLock fails with LockNotFound unless workspaceID holds the lock.
	DeleteLock(domain string, p canonical.Path, workspaceID string) error
	// ListLocks returns the locks of the given domains, or all of them.
	ListLocks(domains ...string) ([]branch.Lock, error)
	CountLocks() (int, error)
}

// Index is the metadata store of one repository.
type Index interface {
	Name() string
	View(ctx context.Context, fn func(Tx) error) error
	// Update runs fn in a read-write transaction. Losing a race with a
	// concurrent transaction is reported as a Conflict error.
	Update(ctx context.Context, fn func(Tx) error) error
}

// Registry creates and opens repository indexes.
type Registry interface {
	CreateRepository(ctx context.Context, name string) (Index, error)
	LoadRepository(ctx context.Context, name string) (Index, error)
	DestroyRepository(ctx context.Context, name string) error
	ListRepositories(ctx context.Context) ([]string, error)
	Close() error
}

// Ensure loads the repository, creating it if needed. The boolean reports
// whether it was created.
func Ensure(ctx context.Context, r Registry, name string) (Index, bool, error) {
	idx, err := r.LoadRepository(ctx, name)
	if err == nil {
		return idx, false, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return nil, false, err
	}
	idx, err = r.CreateRepository(ctx, name)
	if errors.Is(err, errors.ErrAlreadyExists) {
		// created concurrently
		idx, err = r.LoadRepository(ctx, name)
		return idx, false, err
	}
	return idx, err == nil, err
}

// ValidateRepositoryName accepts letters, digits, "-", "_" and "." and
// rejects names made of dots only.
func ValidateRepositoryName(name string) error {
	if name == "" || strings.Trim(name, ".") == "" || len(name) > 128 {
		return errors.ValidationError(fmt.Sprintf("invalid repository name %q", name), nil)
	}
	for _, r := range name {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.'
		if !ok {
			return errors.ValidationError(fmt.Sprintf("invalid character %q in repository name %q", r, name), nil)
		}
	}
	return nil
}
