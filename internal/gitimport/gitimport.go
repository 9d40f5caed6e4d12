// Package gitimport replays the history of a git branch into a keel
// repository.
//
// Only the first-parent chain is imported. Each git commit becomes one keel
// commit whose message carries a trailer naming the git commit, so a later
// import continues from the last imported commit instead of starting over.
package gitimport

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"keel/internal/branch"
	"keel/internal/canonical"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/safe"
	"keel/internal/tree"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"go.uber.org/zap"
)

const (
	// Trailer prefixes the line naming the imported git commit.
	Trailer = "Git-Commit: "

	// WorkspaceID is the workspace id imported commits are made under.
	WorkspaceID = "git-import"
)

// Target is the repository commits are replayed into. Both
// *repository.Repository and *client.Client implement it.
type Target interface {
	ReadBranch(ctx context.Context, name string) (*branch.Branch, error)
	ReadCommit(ctx context.Context, id string) (*commit.Commit, error)
	ListCommits(ctx context.Context, q commit.Query) ([]*commit.Commit, error)
	ReadTree(ctx context.Context, hash string) (*tree.Tree, error)
	Commit(ctx context.Context, req commit.Request) (*commit.Commit, error)
	Blobs() safe.Store
}

type Options struct {
	// GitBranch is the git branch to import. Empty means HEAD.
	GitBranch string
	// Branch is the keel branch receiving the commits.
	Branch string
	Logger *zap.Logger
}

type Result struct {
	// Imported lists the git commits turned into keel commits, oldest first.
	Imported []string
	// Skipped lists git commits that changed nothing keel tracks.
	Skipped []string
	// Head is the keel branch head after the import.
	Head string
}

// Import replays every git commit of opts.GitBranch not yet present on
// opts.Branch.
func Import(ctx context.Context, gitDir string, target Target, opts Options) (*Result, error) {
	if opts.Branch == "" {
		opts.Branch = branch.Main
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("gitimport")

	repo, err := git.PlainOpen(gitDir)
	if err != nil {
		if stderrors.Is(err, git.ErrRepositoryNotExists) {
			return nil, errors.NotFound("no git repository at %s", gitDir)
		}
		return nil, errors.Storage(err, "opening git repository %s", gitDir)
	}
	tip, err := resolveTip(repo, opts.GitBranch)
	if err != nil {
		return nil, err
	}

	im := &importer{target: target, branch: opts.Branch, logger: logger}
	if err := im.load(ctx); err != nil {
		return nil, err
	}

	pending, base, err := im.unimported(tip)
	if err != nil {
		return nil, err
	}

	var parentTree *object.Tree
	if base != nil {
		if parentTree, err = base.Tree(); err != nil {
			return nil, errors.Storage(err, "reading tree of %s", base.Hash)
		}
	}

	res := &Result{}
	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cTree, err := c.Tree()
		if err != nil {
			return nil, errors.Storage(err, "reading tree of %s", c.Hash)
		}
		imported, err := im.replay(ctx, c, parentTree, cTree)
		if err != nil {
			return nil, errors.Wrap(err, "importing %s", c.Hash)
		}
		if imported {
			res.Imported = append(res.Imported, c.Hash.String())
		} else {
			res.Skipped = append(res.Skipped, c.Hash.String())
		}
		parentTree = cTree
	}
	res.Head = im.head
	logger.Info("git import done",
		zap.String("branch", opts.Branch),
		zap.Int("imported", len(res.Imported)),
		zap.Int("skipped", len(res.Skipped)))
	return res, nil
}

func resolveTip(repo *git.Repository, name string) (*object.Commit, error) {
	var (
		ref *plumbing.Reference
		err error
	)
	if name == "" {
		name = "HEAD"
		ref, err = repo.Head()
	} else {
		ref, err = repo.Reference(plumbing.NewBranchReferenceName(name), true)
	}
	if err != nil {
		if stderrors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, errors.NotFound("git reference %s not found", name)
		}
		return nil, errors.Storage(err, "resolving git branch %q", name)
	}
	c, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, errors.Storage(err, "reading git commit %s", ref.Hash())
	}
	return c, nil
}

type importer struct {
	target Target
	branch string
	logger *zap.Logger

	head  string
	files map[canonical.Path]tree.FileInfo
	done  map[string]bool
}

// load reads the branch head tree and the git commits already imported.
func (im *importer) load(ctx context.Context) error {
	b, err := im.target.ReadBranch(ctx, im.branch)
	if err != nil {
		return err
	}
	head, err := im.target.ReadCommit(ctx, b.Head)
	if err != nil {
		return err
	}
	root, err := im.target.ReadTree(ctx, head.RootHash)
	if err != nil {
		return err
	}
	im.head = b.Head
	im.files = make(map[canonical.Path]tree.FileInfo, root.FileCount())
	for _, f := range root.AllFiles() {
		im.files[f.Path] = f.Info
	}

	history, err := im.target.ListCommits(ctx, commit.Query{Branch: im.branch})
	if err != nil {
		return err
	}
	im.done = make(map[string]bool)
	for _, c := range history {
		if hash, ok := trailer(c.Message); ok {
			im.done[hash] = true
		}
	}
	return nil
}

// unimported walks the first-parent chain back from tip and returns the
// commits to replay, oldest first, along with the newest already imported
// commit if there is one.
func (im *importer) unimported(tip *object.Commit) ([]*object.Commit, *object.Commit, error) {
	var stack []*object.Commit
	c := tip
	for {
		if im.done[c.Hash.String()] {
			break
		}
		stack = append(stack, c)
		if c.NumParents() == 0 {
			c = nil
			break
		}
		parent, err := c.Parent(0)
		if err != nil {
			return nil, nil, errors.Storage(err, "reading parent of %s", c.Hash)
		}
		c = parent
	}
	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	return stack, c, nil
}

// replay commits the difference between two git trees. It reports false
// when nothing changed for keel.
func (im *importer) replay(ctx context.Context, c *object.Commit, from, to *object.Tree) (bool, error) {
	gitChanges, err := object.DiffTreeContext(ctx, from, to)
	if err != nil {
		return false, errors.Storage(err, "diffing trees")
	}

	var (
		changes []tree.Change
		writes  []*object.Change
	)
	next := make(map[canonical.Path]tree.FileInfo, len(im.files))
	for p, info := range im.files {
		next[p] = info
	}

	// deletes first: a path may turn from a file into a directory
	for _, gc := range gitChanges {
		action, err := gc.Action()
		if err != nil {
			return false, errors.Storage(err, "reading change")
		}
		if action != merkletrie.Delete {
			writes = append(writes, gc)
			continue
		}
		p, ok := im.path(gc.From.Name)
		if !ok {
			continue
		}
		if old, tracked := next[p]; tracked {
			changes = append(changes, tree.NewDelete(p, old))
			delete(next, p)
		}
	}
	for _, gc := range writes {
		p, ok := im.path(gc.To.Name)
		if !ok {
			continue
		}
		if !regular(gc.To.TreeEntry.Mode) {
			im.logger.Warn("skipping non-regular file", zap.String("path", gc.To.Name), zap.Stringer("mode", gc.To.TreeEntry.Mode))
			continue
		}
		info, err := im.upload(ctx, to, gc.To.Name)
		if err != nil {
			return false, err
		}
		old, tracked := next[p]
		switch {
		case !tracked:
			changes = append(changes, tree.NewAdd(p, info))
		case old != info:
			changes = append(changes, tree.NewEdit(p, old, info))
		default:
			continue
		}
		next[p] = info
	}
	if len(changes) == 0 {
		im.logger.Debug("nothing to import", zap.Stringer("git_commit", c.Hash))
		return false, nil
	}

	created, err := im.target.Commit(ctx, commit.Request{
		Branch:       im.branch,
		ExpectedHead: im.head,
		Author:       fmt.Sprintf("%s <%s>", c.Author.Name, c.Author.Email),
		Message:      message(c),
		WorkspaceID:  WorkspaceID,
		Changes:      changes,
	})
	if err != nil {
		return false, err
	}
	im.logger.Info("imported commit",
		zap.Stringer("git_commit", c.Hash),
		zap.String("commit", created.ID),
		zap.Int("changes", len(changes)))
	im.head = created.ID
	im.files = next
	return true, nil
}

func (im *importer) path(name string) (canonical.Path, bool) {
	p, err := canonical.FromSlash(name)
	if err != nil {
		im.logger.Warn("skipping invalid path", zap.String("path", name), zap.Error(err))
		return "", false
	}
	return p, true
}

func (im *importer) upload(ctx context.Context, t *object.Tree, name string) (tree.FileInfo, error) {
	f, err := t.File(name)
	if err != nil {
		return tree.FileInfo{}, errors.Storage(err, "reading %s", name)
	}
	r, err := f.Reader()
	if err != nil {
		return tree.FileInfo{}, errors.Storage(err, "reading %s", name)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return tree.FileInfo{}, errors.Storage(err, "reading %s", name)
	}
	return safe.Put(ctx, im.target.Blobs(), data)
}

func regular(m filemode.FileMode) bool {
	return m == filemode.Regular || m == filemode.Executable || m == filemode.Deprecated
}

func message(c *object.Commit) string {
	msg := strings.TrimSpace(c.Message)
	if msg == "" {
		msg = "imported from git"
	}
	return msg + "\n\n" + Trailer + c.Hash.String()
}

func trailer(msg string) (string, bool) {
	for _, line := range strings.Split(msg, "\n") {
		if hash, ok := strings.CutPrefix(line, Trailer); ok {
			return strings.TrimSpace(hash), true
		}
	}
	return "", false
}
