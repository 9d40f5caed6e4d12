package workspace

import (
	"context"
	"testing"

	"keel/internal/branch"
	"keel/internal/canonical"
	"keel/internal/errors"
	"keel/internal/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncAppliesIncomingChanges(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	seed(t, remote, map[string]string{"a.txt": "a", "b.txt": "b"})
	w1 := newWorkspace(t, remote, Config{Owner: "alice"})
	w2 := newWorkspace(t, remote, Config{Owner: "bob"})

	_, err := w1.Edit(ctx, "a.txt")
	require.NoError(t, err)
	writeFile(t, w1, "a.txt", "a, second version")
	_, err = w1.Delete(ctx, "b.txt")
	require.NoError(t, err)
	writeFile(t, w1, "nested/c.txt", "c")
	_, err = w1.Add(ctx, "nested/c.txt")
	require.NoError(t, err)
	c, err := w1.Commit(ctx, "changes")
	require.NoError(t, err)

	res, err := w2.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.ID, res.To)
	assert.Len(t, res.Applied, 3)
	assert.Empty(t, res.Pending)

	assert.Equal(t, "a, second version", readFile(t, w2, "a.txt"))
	assert.False(t, exists(w2, "b.txt"))
	assert.Equal(t, "c", readFile(t, w2, "nested/c.txt"))

	st, err := w2.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.ID, st.Head)
	assert.Equal(t, c.RootHash, st.TreeHash)

	// nothing left to do
	res, err = w2.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
}

func TestSyncKeepsUnrelatedLocalChanges(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	seed(t, remote, map[string]string{"a.txt": "a", "b.txt": "b"})
	w1 := newWorkspace(t, remote, Config{Owner: "alice"})
	w2 := newWorkspace(t, remote, Config{Owner: "bob"})

	_, err := w1.Edit(ctx, "a.txt")
	require.NoError(t, err)
	writeFile(t, w1, "a.txt", "alice")
	_, err = w1.Commit(ctx, "alice edits a")
	require.NoError(t, err)

	_, err = w2.Edit(ctx, "b.txt")
	require.NoError(t, err)
	writeFile(t, w2, "b.txt", "bob's b")

	_, err = w2.Commit(ctx, "stale")
	require.ErrorIs(t, err, errors.ErrConflict)
	assert.Equal(t, errors.ActionSync, errors.ActionFor(err))

	res, err := w2.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Pending)
	assert.Equal(t, "alice", readFile(t, w2, "a.txt"))
	assert.Equal(t, "bob's b", readFile(t, w2, "b.txt"))

	_, err = w2.Commit(ctx, "after sync")
	require.NoError(t, err)

	content, ok := remoteFile(t, remote, branch.Main, "/b.txt")
	require.True(t, ok)
	assert.Equal(t, "bob's b", content)
	content, _ = remoteFile(t, remote, branch.Main, "/a.txt")
	assert.Equal(t, "alice", content)
}

// Scenario: two workspaces edit the same file; the second commit is
// rejected and the following sync records a pending resolve instead of
// overwriting the local version.
func TestConcurrentEditBecomesPendingResolve(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	seed(t, remote, map[string]string{"a.txt": "base"})
	w1 := newWorkspace(t, remote, Config{Owner: "alice"})
	w2 := newWorkspace(t, remote, Config{Owner: "bob"})

	_, err := w1.Edit(ctx, "a.txt")
	require.NoError(t, err)
	writeFile(t, w1, "a.txt", "v1")
	c1, err := w1.Commit(ctx, "v1")
	require.NoError(t, err)

	_, err = w2.Edit(ctx, "a.txt")
	require.NoError(t, err)
	writeFile(t, w2, "a.txt", "v2")
	_, err = w2.Commit(ctx, "v2")
	require.ErrorIs(t, err, errors.ErrConflict)

	res, err := w2.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, res.Pending, 1)
	pending := res.Pending[0]
	assert.Equal(t, canonical.Path("/a.txt"), pending.Path)
	assert.Equal(t, c1.ID, pending.TheirsCommit)
	assert.Equal(t, tree.ChangeEdit, pending.Incoming.Type)
	assert.Equal(t, "v2", readFile(t, w2, "a.txt"))

	s, err := w2.Status(ctx)
	require.NoError(t, err)
	require.Len(t, s.Pending, 1)

	_, err = w2.Commit(ctx, "still pending")
	require.ErrorIs(t, err, errors.ErrResolvePending)
	assert.Equal(t, errors.ActionResolve, errors.ActionFor(err))

	writeFile(t, w2, "a.txt", "v1 and v2")
	rebased, err := w2.Resolve(ctx, "a.txt")
	require.NoError(t, err)
	require.Len(t, rebased, 1)
	assert.Equal(t, tree.ChangeEdit, rebased[0].Type)
	assert.Equal(t, *pending.Incoming.NewInfo, *rebased[0].OldInfo)

	_, err = w2.Commit(ctx, "merged")
	require.NoError(t, err)
	content, _ := remoteFile(t, remote, branch.Main, "/a.txt")
	assert.Equal(t, "v1 and v2", content)

	_, err = w2.Resolve(ctx, "a.txt")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestSyncProtectsUnstagedModifications(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	seed(t, remote, map[string]string{"a.txt": "base"})
	w1 := newWorkspace(t, remote, Config{Owner: "alice"})
	w2 := newWorkspace(t, remote, Config{Owner: "bob"})

	_, err := w1.Edit(ctx, "a.txt")
	require.NoError(t, err)
	writeFile(t, w1, "a.txt", "from alice")
	_, err = w1.Commit(ctx, "alice")
	require.NoError(t, err)

	// bob changes the file without declaring an edit
	writeFile(t, w2, "a.txt", "bob was here")
	res, err := w2.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, res.Pending, 1)
	assert.Equal(t, tree.ChangeEdit, res.Pending[0].Local.Type)
	assert.Equal(t, "bob was here", readFile(t, w2, "a.txt"))
}

func TestSyncUntrackedFileCollision(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	w1 := newWorkspace(t, remote, Config{Owner: "alice"})
	w2 := newWorkspace(t, remote, Config{Owner: "bob"})

	writeFile(t, w1, "shared.txt", "alice's")
	_, err := w1.Add(ctx, "shared.txt")
	require.NoError(t, err)
	_, err = w1.Commit(ctx, "add shared")
	require.NoError(t, err)

	writeFile(t, w2, "shared.txt", "bob's own")
	res, err := w2.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, res.Pending, 1)
	assert.Equal(t, tree.ChangeAdd, res.Pending[0].Local.Type)
	assert.Nil(t, res.Pending[0].Base)
	assert.Equal(t, "bob's own", readFile(t, w2, "shared.txt"))

	// taking the incoming version through revert
	_, err = w2.Revert(ctx, "shared.txt")
	require.NoError(t, err)
	assert.Equal(t, "alice's", readFile(t, w2, "shared.txt"))
	s, err := w2.Status(ctx)
	require.NoError(t, err)
	assert.True(t, s.Clean())
}

func TestSyncIdenticalChangeConverges(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	seed(t, remote, map[string]string{"a.txt": "base"})
	w1 := newWorkspace(t, remote, Config{Owner: "alice"})
	w2 := newWorkspace(t, remote, Config{Owner: "bob"})

	for _, w := range []*Workspace{w1, w2} {
		_, err := w.Edit(ctx, "a.txt")
		require.NoError(t, err)
		writeFile(t, w, "a.txt", "same fix")
	}
	_, err := w1.Commit(ctx, "fix")
	require.NoError(t, err)

	res, err := w2.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Pending)
	s, err := w2.Status(ctx)
	require.NoError(t, err)
	assert.True(t, s.Clean())
}

func TestResolveIncomingDelete(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	seed(t, remote, map[string]string{"a.txt": "base"})
	w1 := newWorkspace(t, remote, Config{Owner: "alice"})
	w2 := newWorkspace(t, remote, Config{Owner: "bob"})

	_, err := w1.Delete(ctx, "a.txt")
	require.NoError(t, err)
	_, err = w1.Commit(ctx, "remove a")
	require.NoError(t, err)

	_, err = w2.Edit(ctx, "a.txt")
	require.NoError(t, err)
	writeFile(t, w2, "a.txt", "bob keeps it")
	res, err := w2.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, res.Pending, 1)
	assert.Equal(t, tree.ChangeDelete, res.Pending[0].Incoming.Type)

	rebased, err := w2.Resolve(ctx, "a.txt")
	require.NoError(t, err)
	require.Len(t, rebased, 1)
	assert.Equal(t, tree.ChangeAdd, rebased[0].Type)

	_, err = w2.Commit(ctx, "restore a")
	require.NoError(t, err)
	content, ok := remoteFile(t, remote, branch.Main, "/a.txt")
	require.True(t, ok)
	assert.Equal(t, "bob keeps it", content)
}

func TestSyncTo(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	w := newWorkspace(t, remote, Config{})

	writeFile(t, w, "f.txt", "first")
	_, err := w.Add(ctx, "f.txt")
	require.NoError(t, err)
	first, err := w.Commit(ctx, "first")
	require.NoError(t, err)

	_, err = w.Edit(ctx, "f.txt")
	require.NoError(t, err)
	writeFile(t, w, "f.txt", "second!")
	_, err = w.Commit(ctx, "second")
	require.NoError(t, err)

	_, err = w.SyncTo(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", readFile(t, w, "f.txt"))

	_, err = w.SyncTo(ctx, "0000")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = w.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second!", readFile(t, w, "f.txt"))
}

func TestSyncIncomingFileOverLocalDirectory(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	w1 := newWorkspace(t, remote, Config{Owner: "alice"})
	w2 := newWorkspace(t, remote, Config{Owner: "bob"})

	writeFile(t, w2, "a/b.txt", "bob's file")
	_, err := w2.Add(ctx, "a/b.txt")
	require.NoError(t, err)

	writeFile(t, w1, "a", "alice's file")
	_, err = w1.Add(ctx, "a")
	require.NoError(t, err)
	theirs, err := w1.Commit(ctx, "file a")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := w2.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, theirs.ID, res.To)
		assert.Empty(t, res.Applied)
		require.Len(t, res.Pending, 1)
		pending := res.Pending[0]
		assert.Equal(t, canonical.Path("/a"), pending.Path)
		assert.True(t, pending.Structural())
		assert.Equal(t, []canonical.Path{"/a/b.txt"}, pending.Blocking)
		assert.Equal(t, tree.ChangeAdd, pending.Incoming.Type)
		assert.Equal(t, "bob's file", readFile(t, w2, "a/b.txt"))
	}

	_, err = w2.Commit(ctx, "blocked")
	require.ErrorIs(t, err, errors.ErrResolvePending)

	rebased, err := w2.Resolve(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rebased, 1)
	assert.Equal(t, tree.ChangeDelete, rebased[0].Type)
	assert.Equal(t, canonical.Path("/a"), rebased[0].Path)

	_, err = w2.Commit(ctx, "directory wins")
	require.NoError(t, err)
	content, ok := remoteFile(t, remote, branch.Main, "/a/b.txt")
	require.True(t, ok)
	assert.Equal(t, "bob's file", content)
}

func TestSyncIncomingDirectoryOverUntrackedFile(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	w1 := newWorkspace(t, remote, Config{Owner: "alice"})
	w2 := newWorkspace(t, remote, Config{Owner: "bob"})

	writeFile(t, w2, "a", "bob's notes")

	writeFile(t, w1, "a/b", "alice's file")
	_, err := w1.Add(ctx, "a/b")
	require.NoError(t, err)
	_, err = w1.Commit(ctx, "directory a")
	require.NoError(t, err)

	res, err := w2.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, res.Pending, 1)
	assert.Equal(t, canonical.Path("/a/b"), res.Pending[0].Path)
	assert.Equal(t, []canonical.Path{"/a"}, res.Pending[0].Blocking)
	assert.Equal(t, "bob's notes", readFile(t, w2, "a"))

	s, err := w2.Status(ctx)
	require.NoError(t, err)
	require.Len(t, s.Staged, 1)
	assert.Equal(t, tree.ChangeAdd, s.Staged[0].Type)
	assert.Equal(t, canonical.Path("/a"), s.Staged[0].Path)

	// taking the incoming side discards the blocking file
	reverted, err := w2.Revert(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []canonical.Path{"/a", "/a/b"}, reverted)
	assert.Equal(t, "alice's file", readFile(t, w2, "a/b"))

	s, err = w2.Status(ctx)
	require.NoError(t, err)
	assert.True(t, s.Clean())
}

func TestSyncFileReplacedByDirectory(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	seed(t, remote, map[string]string{"a": "a file"})
	w1 := newWorkspace(t, remote, Config{Owner: "alice"})
	w2 := newWorkspace(t, remote, Config{Owner: "bob"})

	_, err := w1.Delete(ctx, "a")
	require.NoError(t, err)
	writeFile(t, w1, "a/x", "now a directory")
	_, err = w1.Add(ctx, "a/x")
	require.NoError(t, err)
	_, err = w1.Commit(ctx, "a becomes a directory")
	require.NoError(t, err)

	res, err := w2.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Pending)
	assert.Len(t, res.Applied, 2)
	assert.Equal(t, "now a directory", readFile(t, w2, "a/x"))
}
