package repository

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
	"keel/internal/index/badgerindex"
	"keel/internal/index/redisindex"
	"keel/internal/safe"
	"keel/internal/tree"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registries(t *testing.T) map[string]index.Registry {
	t.Helper()
	b, err := badgerindex.Open("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	mini := miniredis.RunT(t)
	r := redisindex.New(redis.NewClient(&redis.Options{Addr: mini.Addr()}), "test", 32, nil)
	t.Cleanup(func() { r.Close() })

	return map[string]index.Registry{"badger": b, "redis": r}
}

// forEachBackend runs fn against a freshly initialized repository on every
// index backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, r *Repository)) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			r, err := Init(context.Background(), reg, safe.NewMemory(), "repo")
			require.NoError(t, err)
			fn(t, r)
		})
	}
}

func upload(t *testing.T, r *Repository, content string) tree.FileInfo {
	t.Helper()
	info, err := safe.Put(context.Background(), r.Blobs(), []byte(content))
	require.NoError(t, err)
	return info
}

func head(t *testing.T, r *Repository, name string) string {
	t.Helper()
	b, err := r.ReadBranch(context.Background(), name)
	require.NoError(t, err)
	return b.Head
}

func request(t *testing.T, r *Repository, ws string, changes ...tree.Change) commit.Request {
	return commit.Request{
		Branch:       branch.Main,
		ExpectedHead: head(t, r, branch.Main),
		Author:       "alice",
		Message:      "change",
		WorkspaceID:  ws,
		Changes:      changes,
	}
}

func TestInit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Repository) {
		ctx := context.Background()

		main, err := r.ReadBranch(ctx, branch.Main)
		require.NoError(t, err)
		assert.NotEmpty(t, main.LockDomainID)

		root, err := r.ReadCommit(ctx, main.Head)
		require.NoError(t, err)
		assert.True(t, root.IsRoot())
		assert.Equal(t, tree.Empty().Hash(), root.RootHash)

		tr, err := r.ReadTree(ctx, root.RootHash)
		require.NoError(t, err)
		assert.True(t, tr.IsEmpty())
	})
}

func TestInitTwiceFails(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := Init(ctx, reg, safe.NewMemory(), "repo")
			require.NoError(t, err)
			_, err = Init(ctx, reg, safe.NewMemory(), "repo")
			assert.True(t, errors.Is(err, errors.ErrAlreadyExists))
		})
	}
}

func TestCommit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Repository) {
		ctx := context.Background()
		before := head(t, r, branch.Main)
		a := upload(t, r, "content of a, long enough to be stored as a real blob in the store")

		c, err := r.Commit(ctx, request(t, r, "ws1", tree.NewAdd("/docs/a.txt", a)))
		require.NoError(t, err)
		assert.Equal(t, []string{before}, c.Parents)
		assert.Equal(t, c.ID, head(t, r, branch.Main))

		tr, err := r.ReadTree(ctx, c.RootHash)
		require.NoError(t, err)
		got, ok := tr.FindFile("/docs/a.txt")
		require.True(t, ok)
		assert.Equal(t, a, got)

		parentTree, err := r.ReadTree(ctx, tree.Empty().Hash())
		require.NoError(t, err)
		assert.NoError(t, commit.Derivable(c, parentTree, tr))

		b := upload(t, r, "v2")
		c2, err := r.Commit(ctx, request(t, r, "ws1", tree.NewEdit("/docs/a.txt", a, b)))
		require.NoError(t, err)
		assert.Equal(t, []tree.Change{tree.NewEdit("/docs/a.txt", a, b)}, c2.Changes)
	})
}

func TestCommitRejections(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Repository) {
		ctx := context.Background()
		a := upload(t, r, "a")
		start := head(t, r, branch.Main)

		stale := request(t, r, "ws1", tree.NewAdd("/a", a))
		stale.ExpectedHead = "not-the-head"
		_, err := r.Commit(ctx, stale)
		assert.True(t, errors.Is(err, errors.ErrConflict), "stale head: %v", err)

		missing := tree.FileInfo{Hash: safe.Identify(make([]byte, 1000)), Size: 1000}
		_, err = r.Commit(ctx, request(t, r, "ws1", tree.NewAdd("/a", missing)))
		assert.True(t, errors.Is(err, errors.ErrNotFound), "missing blob: %v", err)

		_, err = r.Commit(ctx, request(t, r, "ws1", tree.NewEdit("/nope", a, upload(t, r, "b"))))
		assert.True(t, errors.Is(err, errors.ErrInvalidChange), "invalid change: %v", err)

		_, err = r.Commit(ctx, request(t, r, "ws1"))
		assert.True(t, errors.Is(err, errors.ErrEmptyCommit), "empty: %v", err)

		_, err = r.Commit(ctx, commit.Request{Branch: "missing", ExpectedHead: start, Author: "a", Changes: []tree.Change{tree.NewAdd("/a", a)}})
		assert.True(t, errors.Is(err, errors.ErrNotFound), "missing branch: %v", err)

		assert.Equal(t, start, head(t, r, branch.Main))
	})
}

func TestCommitRespectsLocks(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Repository) {
		ctx := context.Background()
		a := upload(t, r, "a")
		_, err := r.Commit(ctx, request(t, r, "ws1", tree.NewAdd("/art.psd", a)))
		require.NoError(t, err)

		_, err = r.Lock(ctx, branch.Main, "/art.psd", "ws2")
		require.NoError(t, err)

		_, err = r.Lock(ctx, branch.Main, "/art.psd", "ws1")
		assert.True(t, errors.Is(err, errors.ErrLockAlreadyExists))

		b := upload(t, r, "b")
		_, err = r.Commit(ctx, request(t, r, "ws1", tree.NewEdit("/art.psd", a, b)))
		require.True(t, errors.Is(err, errors.ErrLockAlreadyExists), "got %v", err)

		_, err = r.Commit(ctx, request(t, r, "ws2", tree.NewEdit("/art.psd", a, b)))
		require.NoError(t, err)

		_, err = r.ReadLock(ctx, branch.Main, "/art.psd")
		assert.True(t, errors.Is(err, errors.ErrLockNotFound), "commit releases the committer's locks")

		locks, err := r.ListLocks(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, locks)
	})
}

func TestUnlock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Repository) {
		ctx := context.Background()
		l, err := r.Lock(ctx, branch.Main, "/x", "ws1")
		require.NoError(t, err)
		assert.Equal(t, branch.Main, l.BranchName)

		err = r.Unlock(ctx, branch.Main, "/x", "ws2")
		assert.True(t, errors.Is(err, errors.ErrLockNotFound))

		require.NoError(t, r.Unlock(ctx, branch.Main, "/x", "ws1"))
		err = r.Unlock(ctx, branch.Main, "/x", "ws1")
		assert.True(t, errors.Is(err, errors.ErrLockNotFound))

		_, err = r.Lock(ctx, branch.Main, "relative", "ws1")
		assert.True(t, errors.Is(err, errors.ErrValidation))
	})
}

func TestConcurrentCommitsOnSameHead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Repository) {
		ctx := context.Background()
		start := head(t, r, branch.Main)

		const writers = 2
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			info := upload(t, r, fmt.Sprintf("writer %d", i))
			req := commit.Request{
				Branch:       branch.Main,
				ExpectedHead: start,
				Author:       fmt.Sprintf("w%d", i),
				Message:      "race",
				WorkspaceID:  fmt.Sprintf("ws%d", i),
				Changes:      []tree.Change{tree.NewAdd(canonical.Path(fmt.Sprintf("/f%d", i)), info)},
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = r.Commit(ctx, req)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.True(t, errors.Is(err, errors.ErrConflict), "got %v", err)
		}
		assert.Equal(t, 1, succeeded)

		history, err := r.ListCommits(ctx, commit.Query{Branch: branch.Main})
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})
}

func TestBranches(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Repository) {
		ctx := context.Background()

		shared, err := r.InsertBranch(ctx, "topic", branch.Main, false)
		require.NoError(t, err)
		isolated, err := r.InsertBranch(ctx, "isolated", branch.Main, true)
		require.NoError(t, err)
		assert.Equal(t, head(t, r, branch.Main), shared.Head)

		_, err = r.InsertBranch(ctx, "topic", branch.Main, false)
		assert.True(t, errors.Is(err, errors.ErrAlreadyExists))
		_, err = r.InsertBranch(ctx, "other", "missing", false)
		assert.True(t, errors.Is(err, errors.ErrNotFound))

		_, err = r.Lock(ctx, branch.Main, "/a", "ws1")
		require.NoError(t, err)

		_, err = r.Lock(ctx, shared.Name, "/a", "ws2")
		assert.True(t, errors.Is(err, errors.ErrLockAlreadyExists), "branches sharing a domain share locks")
		_, err = r.Lock(ctx, isolated.Name, "/a", "ws2")
		assert.NoError(t, err)

		topicLocks, err := r.ListLocks(ctx, shared.Name)
		require.NoError(t, err)
		require.Len(t, topicLocks, 1)
		assert.Equal(t, "ws1", topicLocks[0].WorkspaceID)

		all, err := r.ListBranches(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestListCommits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r *Repository) {
		ctx := context.Background()
		var ids []string
		prev := tree.FileInfo{}
		for i := 0; i < 3; i++ {
			info := upload(t, r, fmt.Sprintf("revision %d", i))
			change := tree.NewAdd("/f", info)
			if i > 0 {
				change = tree.NewEdit("/f", prev, info)
			}
			c, err := r.Commit(ctx, request(t, r, "ws", change))
			require.NoError(t, err)
			ids = append(ids, c.ID)
			prev = info
		}

		all, err := r.ListCommits(ctx, commit.Query{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, ids[2], all[0].ID)
		assert.True(t, all[3].IsRoot())

		limited, err := r.ListCommits(ctx, commit.Query{Branch: branch.Main, Depth: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		byID, err := r.ListCommits(ctx, commit.Query{IDs: []string{ids[0], ids[2]}})
		require.NoError(t, err)
		require.Len(t, byID, 2)
		assert.Equal(t, ids[0], byID[0].ID)

		_, err = r.ListCommits(ctx, commit.Query{IDs: []string{"nope"}})
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	})
}

func TestService(t *testing.T) {
	ctx := context.Background()
	reg, err := badgerindex.Open("", true, nil)
	require.NoError(t, err)
	s := NewService(reg, safe.NewMemory(), nil, nil)
	defer s.Close()

	created, err := s.Create(ctx, "one", false)
	require.NoError(t, err)
	got, err := s.Get(ctx, "one")
	require.NoError(t, err)
	assert.Same(t, created, got)

	_, err = s.Get(ctx, "two")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	exclusive, err := s.Create(ctx, "two", true)
	require.NoError(t, err)
	main, err := exclusive.ReadBranch(ctx, branch.Main)
	require.NoError(t, err)
	assert.True(t, main.ExclusiveEdits)
	topic, err := exclusive.InsertBranch(ctx, "topic", branch.Main, false)
	require.NoError(t, err)
	assert.True(t, topic.ExclusiveEdits)

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, names)

	require.NoError(t, s.Destroy(ctx, "one"))
	_, err = s.Get(ctx, "one")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}
