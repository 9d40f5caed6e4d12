// Package indextest holds the conformance tests every index backend passes.
package indextest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"keel/internal/branch"
	"keel/internal/canonical"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/index"
	"keel/internal/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty registry for one test.
type Factory func(t *testing.T) index.Registry

// RunSuite runs the conformance tests against the registries from newRegistry.
func RunSuite(t *testing.T, newRegistry Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, r index.Registry)
	}{
		{"Registry", testRegistry},
		{"Branches", testBranches},
		{"BranchHeadCAS", testBranchHeadCAS},
		{"ConcurrentHeadUpdates", testConcurrentHeadUpdates},
		{"Trees", testTrees},
		{"Commits", testCommits},
		{"Locks", testLocks},
		{"FailedUpdateWritesNothing", testFailedUpdate},
		{"ReadYourWrites", testReadYourWrites},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry(t)
			t.Cleanup(func() { r.Close() })
			tt.fn(t, r)
		})
	}
}

func create(t *testing.T, r index.Registry, name string) index.Index {
	t.Helper()
	idx, err := r.CreateRepository(context.Background(), name)
	require.NoError(t, err)
	return idx
}

func info(s string) tree.FileInfo {
	return tree.FileInfo{Hash: "h-" + s, Size: uint64(len(s))}
}

func testRegistry(t *testing.T, r index.Registry) {
	ctx := context.Background()

	_, err := r.LoadRepository(ctx, "alpha")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	idx := create(t, r, "alpha")
	assert.Equal(t, "alpha", idx.Name())
	create(t, r, "beta")

	_, err = r.CreateRepository(ctx, "alpha")
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))

	_, err = r.CreateRepository(ctx, "bad/name")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	names, err := r.ListRepositories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)

	require.NoError(t, idx.Update(ctx, func(tx index.Tx) error {
		return tx.InsertBranch(&branch.Branch{Name: "main", Head: "c1", LockDomainID: "d"})
	}))

	require.NoError(t, r.DestroyRepository(ctx, "alpha"))
	assert.True(t, errors.Is(r.DestroyRepository(ctx, "alpha"), errors.ErrNotFound))

	// a recreated repository starts empty
	idx = create(t, r, "alpha")
	err = idx.View(ctx, func(tx index.Tx) error {
		_, err := tx.ReadBranch("main")
		return err
	})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	ensured, created, err := index.Ensure(ctx, r, "gamma")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "gamma", ensured.Name())
	_, created, err = index.Ensure(ctx, r, "gamma")
	require.NoError(t, err)
	assert.False(t, created)
}

func testBranches(t *testing.T, r index.Registry) {
	ctx := context.Background()
	idx := create(t, r, "repo")

	main := &branch.Branch{Name: "main", Head: "c1", LockDomainID: "d1"}
	topic := &branch.Branch{Name: "feature/x", Head: "c1", Parent: "main", LockDomainID: "d1"}
	require.NoError(t, idx.Update(ctx, func(tx index.Tx) error {
		if err := tx.InsertBranch(main); err != nil {
			return err
		}
		return tx.InsertBranch(topic)
	}))

	err := idx.Update(ctx, func(tx index.Tx) error {
		return tx.InsertBranch(&branch.Branch{Name: "main", Head: "other", LockDomainID: "d2"})
	})
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))

	err = idx.Update(ctx, func(tx index.Tx) error {
		return tx.InsertBranch(&branch.Branch{Name: "bad name", Head: "c1"})
	})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	require.NoError(t, idx.View(ctx, func(tx index.Tx) error {
		got, err := tx.ReadBranch("main")
		require.NoError(t, err)
		assert.Equal(t, main, got)

		all, err := tx.ListBranches()
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "feature/x", all[0].Name)
		assert.Equal(t, "main", all[1].Name)

		_, err = tx.ReadBranch("missing")
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		return nil
	}))
}

func testBranchHeadCAS(t *testing.T, r index.Registry) {
	ctx := context.Background()
	idx := create(t, r, "repo")
	require.NoError(t, idx.Update(ctx, func(tx index.Tx) error {
		return tx.InsertBranch(&branch.Branch{Name: "main", Head: "c1", LockDomainID: "d"})
	}))

	var ok bool
	require.NoError(t, idx.Update(ctx, func(tx index.Tx) error {
		var err error
		ok, err = tx.UpdateBranchHead("main", "stale", "c2")
		return err
	}))
	assert.False(t, ok)

	require.NoError(t, idx.Update(ctx, func(tx index.Tx) error {
		var err error
		ok, err = tx.UpdateBranchHead("main", "c1", "c2")
		return err
	}))
	assert.True(t, ok)

	require.NoError(t, idx.View(ctx, func(tx index.Tx) error {
		b, err := tx.ReadBranch("main")
		require.NoError(t, err)
		assert.Equal(t, "c2", b.Head)
		return nil
	}))

	err := idx.Update(ctx, func(tx index.Tx) error {
		_, err := tx.UpdateBranchHead("missing", "c1", "c2")
		return err
	})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

// testConcurrentHeadUpdates races writers that all expect the same head:
// exactly one may win.
func testConcurrentHeadUpdates(t *testing.T, r index.Registry) {
	ctx := context.Background()
	idx := create(t, r, "repo")
	require.NoError(t, idx.Update(ctx, func(tx index.Tx) error {
		return tx.InsertBranch(&branch.Branch{Name: "main", Head: "base", LockDomainID: "d"})
	}))

	const writers = 8
	var wg sync.WaitGroup
	results := make([]bool, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = idx.Update(ctx, func(tx index.Tx) error {
				ok, err := tx.UpdateBranchHead("main", "base", fmt.Sprintf("c%d", i))
				results[i] = ok
				return err
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range results {
		if errs[i] != nil {
			assert.True(t, errors.Is(errs[i], errors.ErrConflict), "got %v", errs[i])
			continue
		}
		if results[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func testTrees(t *testing.T, r index.Registry) {
	ctx := context.Background()
	idx := create(t, r, "repo")

	tr, err := tree.FromFiles(map[canonical.Path]tree.FileInfo{
		"/a/b":   info("1"),
		"/a/c/d": info("2"),
		"/e":     info("3"),
	})
	require.NoError(t, err)

	require.NoError(t, idx.Update(ctx, func(tx index.Tx) error {
		if err := tx.SaveTree(tree.Empty()); err != nil {
			return err
		}
		if err := tx.SaveTree(tr); err != nil {
			return err
		}
		// saving again is a no-op
		return tx.SaveTree(tr)
	}))

	require.NoError(t, idx.View(ctx, func(tx index.Tx) error {
		got, err := tx.ReadTree(tr.Hash())
		require.NoError(t, err)
		assert.Equal(t, tr.Hash(), got.Hash())
		assert.Equal(t, tr.AllFiles(), got.AllFiles())

		empty, err := tx.ReadTree(tree.Empty().Hash())
		require.NoError(t, err)
		assert.True(t, empty.IsEmpty())

		_, err = tx.ReadTree("nope")
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		return nil
	}))
}

func testCommits(t *testing.T, r index.Registry) {
	ctx := context.Background()
	idx := create(t, r, "repo")

	c := commit.New("alice", "first", nil, tree.Empty().Hash(), []tree.Change{
		tree.NewAdd("/a", info("1")),
	})
	require.NoError(t, idx.Update(ctx, func(tx index.Tx) error { return tx.InsertCommit(c) }))

	err := idx.Update(ctx, func(tx index.Tx) error { return tx.InsertCommit(c) })
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))

	require.NoError(t, idx.View(ctx, func(tx index.Tx) error {
		got, err := tx.ReadCommit(c.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		assert.Equal(t, c.Changes, got.Changes)
		assert.True(t, c.Timestamp.Equal(got.Timestamp))

		_, err = tx.ReadCommit("missing")
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		return nil
	}))
}

func testLocks(t *testing.T, r index.Registry) {
	ctx := context.Background()
	idx := create(t, r, "repo")

	mine := branch.Lock{Path: "/assets/hero.psd", LockDomainID: "d1", WorkspaceID: "ws1", BranchName: "main"}
	other := branch.Lock{Path: "/assets/hero.psd", LockDomainID: "d2", WorkspaceID: "ws2", BranchName: "topic"}
	require.NoError(t, idx.Update(ctx, func(tx index.Tx) error {
		if err := tx.InsertLock(mine); err != nil {
			return err
		}
		// same path in another domain is independent
		return tx.InsertLock(other)
	}))

	err := idx.Update(ctx, func(tx index.Tx) error {
		return tx.InsertLock(branch.Lock{Path: mine.Path, LockDomainID: "d1", WorkspaceID: "ws3", BranchName: "main"})
	})
	require.True(t, errors.Is(err, errors.ErrLockAlreadyExists), "got %v", err)
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	holder, ok := e.Details.(*branch.Lock)
	require.True(t, ok)
	assert.Equal(t, "ws1", holder.WorkspaceID)

	require.NoError(t, idx.View(ctx, func(tx index.Tx) error {
		got, err := tx.ReadLock("d1", mine.Path)
		require.NoError(t, err)
		assert.Equal(t, mine, *got)

		locks, err := tx.ListLocks("d1")
		require.NoError(t, err)
		assert.Equal(t, []branch.Lock{mine}, locks)

		all, err := tx.ListLocks()
		require.NoError(t, err)
		assert.Len(t, all, 2)

		n, err := tx.CountLocks()
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = tx.ReadLock("d1", "/elsewhere")
		assert.True(t, errors.Is(err, errors.ErrLockNotFound))
		return nil
	}))

	err = idx.Update(ctx, func(tx index.Tx) error { return tx.DeleteLock("d1", mine.Path, "ws2") })
	assert.True(t, errors.Is(err, errors.ErrLockNotFound))

	require.NoError(t, idx.Update(ctx, func(tx index.Tx) error { return tx.DeleteLock("d1", mine.Path, "ws1") }))

	err = idx.Update(ctx, func(tx index.Tx) error { return tx.DeleteLock("d1", mine.Path, "ws1") })
	assert.True(t, errors.Is(err, errors.ErrLockNotFound))

	require.NoError(t, idx.View(ctx, func(tx index.Tx) error {
		n, err := tx.CountLocks()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}))
}

func testFailedUpdate(t *testing.T, r index.Registry) {
	ctx := context.Background()
	idx := create(t, r, "repo")

	boom := errors.InvalidChange("rejected")
	err := idx.Update(ctx, func(tx index.Tx) error {
		if err := tx.InsertBranch(&branch.Branch{Name: "main", Head: "c1", LockDomainID: "d"}); err != nil {
			return err
		}
		if err := tx.InsertLock(branch.Lock{Path: "/a", LockDomainID: "d", WorkspaceID: "w"}); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, errors.ErrInvalidChange))

	require.NoError(t, idx.View(ctx, func(tx index.Tx) error {
		_, err := tx.ReadBranch("main")
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		n, err := tx.CountLocks()
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}

func testReadYourWrites(t *testing.T, r index.Registry) {
	ctx := context.Background()
	idx := create(t, r, "repo")

	require.NoError(t, idx.Update(ctx, func(tx index.Tx) error {
		require.NoError(t, tx.InsertBranch(&branch.Branch{Name: "main", Head: "c1", LockDomainID: "d"}))
		ok, err := tx.UpdateBranchHead("main", "c1", "c2")
		require.NoError(t, err)
		assert.True(t, ok)

		b, err := tx.ReadBranch("main")
		require.NoError(t, err)
		assert.Equal(t, "c2", b.Head)

		branches, err := tx.ListBranches()
		require.NoError(t, err)
		assert.Len(t, branches, 1)

		require.NoError(t, tx.InsertLock(branch.Lock{Path: "/a", LockDomainID: "d", WorkspaceID: "w"}))
		require.NoError(t, tx.DeleteLock("d", "/a", "w"))
		n, err := tx.CountLocks()
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}
