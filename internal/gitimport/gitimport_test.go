package gitimport

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"keel/internal/branch"
	"keel/internal/canonical"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/index/badgerindex"
	"keel/internal/repository"
	"keel/internal/safe"
	"keel/internal/tree"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gitRepo struct {
	t    *testing.T
	dir  string
	repo *git.Repository
}

func newGitRepo(t *testing.T) *gitRepo {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return &gitRepo{t: t, dir: dir, repo: repo}
}

func (g *gitRepo) write(name, content string) {
	g.t.Helper()
	path := filepath.Join(g.dir, filepath.FromSlash(name))
	require.NoError(g.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(g.t, os.WriteFile(path, []byte(content), 0o644))
	wt, err := g.repo.Worktree()
	require.NoError(g.t, err)
	_, err = wt.Add(name)
	require.NoError(g.t, err)
}

func (g *gitRepo) remove(name string) {
	g.t.Helper()
	wt, err := g.repo.Worktree()
	require.NoError(g.t, err)
	_, err = wt.Remove(name)
	require.NoError(g.t, err)
}

func (g *gitRepo) commit(message string) plumbing.Hash {
	g.t.Helper()
	wt, err := g.repo.Worktree()
	require.NoError(g.t, err)
	sig := &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig, AllowEmptyCommits: true})
	require.NoError(g.t, err)
	return hash
}

func newTarget(t *testing.T) *repository.Repository {
	t.Helper()
	reg, err := badgerindex.Open("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	r, err := repository.Init(context.Background(), reg, safe.NewMemory(), "imported")
	require.NoError(t, err)
	return r
}

func headTree(t *testing.T, r *repository.Repository) *tree.Tree {
	t.Helper()
	ctx := context.Background()
	b, err := r.ReadBranch(ctx, branch.Main)
	require.NoError(t, err)
	c, err := r.ReadCommit(ctx, b.Head)
	require.NoError(t, err)
	tr, err := r.ReadTree(ctx, c.RootHash)
	require.NoError(t, err)
	return tr
}

func content(t *testing.T, r *repository.Repository, p string) (string, bool) {
	t.Helper()
	info, ok := headTree(t, r).FindFile(canonical.MustParse(p))
	if !ok {
		return "", false
	}
	data, err := safe.Get(context.Background(), r.Blobs(), info.Hash)
	require.NoError(t, err)
	return string(data), true
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	g := newGitRepo(t)
	g.write("README.md", "hello")
	g.write("src/main.go", "package main")
	first := g.commit("initial import")

	g.write("README.md", "hello again")
	g.remove("src/main.go")
	g.write("docs/guide.md", strings.Repeat("guide ", 40))
	second := g.commit("rework layout")

	empty := g.commit("empty")

	target := newTarget(t)
	res, err := Import(ctx, g.dir, target, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{first.String(), second.String()}, res.Imported)
	assert.Equal(t, []string{empty.String()}, res.Skipped)

	got, ok := content(t, target, "/README.md")
	require.True(t, ok)
	assert.Equal(t, "hello again", got)
	_, ok = content(t, target, "/src/main.go")
	assert.False(t, ok)
	got, ok = content(t, target, "/docs/guide.md")
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("guide ", 40), got)

	head, err := target.ReadCommit(ctx, res.Head)
	require.NoError(t, err)
	assert.Equal(t, "Test <test@example.com>", head.Author)
	assert.Equal(t, "rework layout", head.Summary())
	assert.Contains(t, head.Message, Trailer+second.String())

	history, err := target.ListCommits(ctx, commit.Query{Branch: branch.Main})
	require.NoError(t, err)
	// two imported commits on top of the initial one
	assert.Len(t, history, 3)
}

func TestImportIsIncremental(t *testing.T) {
	ctx := context.Background()
	g := newGitRepo(t)
	g.write("a.txt", "one")
	g.commit("one")

	target := newTarget(t)
	res, err := Import(ctx, g.dir, target, Options{})
	require.NoError(t, err)
	require.Len(t, res.Imported, 1)

	res, err = Import(ctx, g.dir, target, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Imported)
	assert.Empty(t, res.Skipped)

	g.write("a.txt", "two")
	third := g.commit("two")
	res, err = Import(ctx, g.dir, target, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{third.String()}, res.Imported)

	got, _ := content(t, target, "/a.txt")
	assert.Equal(t, "two", got)
}

func TestImportOntoExistingFiles(t *testing.T) {
	ctx := context.Background()
	target := newTarget(t)

	info, err := safe.Put(ctx, target.Blobs(), []byte("keel version"))
	require.NoError(t, err)
	b, err := target.ReadBranch(ctx, branch.Main)
	require.NoError(t, err)
	_, err = target.Commit(ctx, commit.Request{
		Branch:       branch.Main,
		ExpectedHead: b.Head,
		Author:       "alice",
		Message:      "existing",
		WorkspaceID:  "ws",
		Changes:      []tree.Change{tree.NewAdd("/a.txt", info)},
	})
	require.NoError(t, err)

	g := newGitRepo(t)
	g.write("a.txt", "git version")
	g.commit("from git")

	res, err := Import(ctx, g.dir, target, Options{})
	require.NoError(t, err)
	require.Len(t, res.Imported, 1)

	head, err := target.ReadCommit(ctx, res.Head)
	require.NoError(t, err)
	require.Len(t, head.Changes, 1)
	assert.Equal(t, tree.ChangeEdit, head.Changes[0].Type)
}

func TestImportErrors(t *testing.T) {
	ctx := context.Background()
	target := newTarget(t)

	_, err := Import(ctx, t.TempDir(), target, Options{})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	g := newGitRepo(t)
	g.write("a.txt", "x")
	g.commit("x")

	_, err = Import(ctx, g.dir, target, Options{GitBranch: "missing"})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = Import(ctx, g.dir, target, Options{Branch: "nope"})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
