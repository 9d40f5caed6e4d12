// Package workspace implements the local side of keel: a working copy
// attached to a remote repository, with staged changes, synchronization,
// resolves and commits.
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"keel/internal/branch"
	"keel/internal/canonical"
	"keel/internal/errors"
	"keel/internal/safe"
	"keel/internal/storage"
	"keel/internal/tree"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultConcurrency = 8

type Workspace struct {
	root   string
	config *Config
	remote Remote

	db    *badger.DB
	store *storage.BadgerStore
	// blobs caches the contents of staged and synced files.
	blobs safe.Store

	ignore *ignorer
	hashes *hashIndex
	logger *zap.Logger

	concurrency int
	// mu serializes operations that touch the working copy.
	mu sync.Mutex
}

type Option func(*Workspace)

func WithLogger(logger *zap.Logger) Option {
	return func(w *Workspace) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithConcurrency bounds parallel blob transfers.
func WithConcurrency(n int) Option {
	return func(w *Workspace) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// Init creates a workspace at root, attaches it to branchName of remote and
// materializes the branch head.
func Init(ctx context.Context, root string, cfg Config, remote Remote, branchName string, opts ...Option) (*Workspace, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.InvalidPath("resolving %s: %v", root, err)
	}
	if _, err := os.Stat(filepath.Join(root, MetaDir)); err == nil {
		return nil, errors.AlreadyExists("%s is already a keel workspace", root)
	}
	if branchName == "" {
		branchName = branch.Main
	}
	b, err := remote.ReadBranch(ctx, branchName)
	if err != nil {
		return nil, err
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, MetaDir), 0755); err != nil {
		return nil, errors.Storage(err, "creating workspace metadata")
	}
	if err := cfg.Save(ConfigPath(root)); err != nil {
		_ = os.RemoveAll(filepath.Join(root, MetaDir))
		return nil, err
	}

	w, err := open(root, &cfg, remote, opts...)
	if err != nil {
		_ = os.RemoveAll(filepath.Join(root, MetaDir))
		return nil, err
	}

	initial := State{Branch: b.Name, LockDomainID: b.LockDomainID, TreeHash: tree.Empty().Hash()}
	err = w.store.Update(ctx, func(tx *storage.Txn) error {
		return writeState(tx, initial)
	})
	if err == nil {
		_, err = w.syncTo(ctx, initial, b.Head)
	}
	if err != nil {
		w.Close()
		_ = os.RemoveAll(filepath.Join(root, MetaDir))
		return nil, err
	}
	w.logger.Info("workspace initialized",
		zap.String("root", root), zap.String("branch", b.Name), zap.String("head", b.Head))
	return w, nil
}

// Open attaches to the existing workspace at root.
func Open(root string, remote Remote, opts ...Option) (*Workspace, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.InvalidPath("resolving %s: %v", root, err)
	}
	cfg, err := LoadConfig(ConfigPath(root))
	if err != nil {
		return nil, err
	}
	return open(root, cfg, remote, opts...)
}

func open(root string, cfg *Config, remote Remote, opts ...Option) (*Workspace, error) {
	w := &Workspace{
		root:        root,
		config:      cfg,
		remote:      remote,
		logger:      zap.NewNop(),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("workspace")

	hashes, err := newHashIndex(hashIndexSize)
	if err != nil {
		return nil, errors.Internal(err, "creating hash index")
	}
	w.hashes = hashes

	fs, err := safe.NewFSStore(w.metaPath(blobsDir))
	if err != nil {
		return nil, err
	}
	w.blobs = safe.Inline(safe.Verified(fs))

	db, err := storage.Open(w.metaPath(dbDir), w.logger)
	if err != nil {
		return nil, errors.Storage(err, "opening workspace database")
	}
	w.db = db
	w.store = storage.NewBadgerStore(db, "ws")
	w.ignore = newIgnorer(root, w.logger)
	return w, nil
}

func (w *Workspace) Close() error {
	if w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	return err
}

func (w *Workspace) Root() string {
	return w.root
}

func (w *Workspace) Config() Config {
	return *w.config
}

func (w *Workspace) ID() string {
	return w.config.ID
}

// State returns what the working copy is synchronized to.
func (w *Workspace) State(ctx context.Context) (State, error) {
	var s State
	err := w.store.View(ctx, func(tx *storage.Txn) error {
		var err error
		s, err = readState(tx)
		return err
	})
	return s, err
}

// snapshot is a consistent read of the staging database.
type snapshot struct {
	state    State
	tree     *tree.Tree
	changes  map[canonical.Path]LocalChange
	resolves map[canonical.Path]ResolvePending
}

func (w *Workspace) snapshot(ctx context.Context) (*snapshot, error) {
	s := &snapshot{
		changes:  make(map[canonical.Path]LocalChange),
		resolves: make(map[canonical.Path]ResolvePending),
	}
	err := w.store.View(ctx, func(tx *storage.Txn) error {
		var err error
		if s.state, err = readState(tx); err != nil {
			return err
		}
		if s.tree, err = loadTree(tx, s.state.TreeHash); err != nil {
			return err
		}
		changes, err := readChanges(tx)
		if err != nil {
			return err
		}
		for _, c := range changes {
			s.changes[c.Path] = c
		}
		resolves, err := readResolves(tx)
		if err != nil {
			return err
		}
		for _, r := range resolves {
			s.resolves[r.Path] = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
