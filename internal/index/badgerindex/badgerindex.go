// Package badgerindex stores repository indexes in a badger database. Each
// repository lives under its own key prefix.
package badgerindex

import (
	"context"
	"sort"
	"strings"

	"keel/internal/errors"
	"keel/internal/index"
	"keel/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

type repoRecord struct {
	Name string `json:"name"`
}

// Registry keeps a catalogue of repositories under "repos" and the
// contents of repository r under "r/<name>".
type Registry struct {
	db     *badger.DB
	repos  *storage.BadgerStore
	ownsDB bool
	logger *zap.Logger
}

// New serves repositories from db. The caller keeps ownership of db.
func New(db *badger.DB, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		db:     db,
		repos:  storage.NewBadgerStore(db, "repos"),
		logger: logger.Named("badgerindex"),
	}
}

// Open opens the database at path, or an in-memory one, and serves
// repositories from it. Close releases the database.
func Open(path string, inMemory bool, logger *zap.Logger) (*Registry, error) {
	var db *badger.DB
	var err error
	if inMemory {
		db, err = storage.OpenInMemory()
	} else {
		db, err = storage.Open(path, logger)
	}
	if err != nil {
		return nil, errors.Persistence(err, "opening index")
	}
	r := New(db, logger)
	r.ownsDB = true
	return r, nil
}

func (r *Registry) repoStore(name string) *storage.BadgerStore {
	return storage.NewBadgerStore(r.db, "r/"+name)
}

func (r *Registry) CreateRepository(ctx context.Context, name string) (index.Index, error) {
	if err := index.ValidateRepositoryName(name); err != nil {
		return nil, err
	}
	err := r.repos.Update(ctx, func(tx *storage.Txn) error {
		return tx.Insert(name, repoRecord{Name: name})
	})
	if errors.Is(err, errors.ErrAlreadyExists) {
		return nil, errors.AlreadyExists("repository %s already exists", name)
	}
	if err != nil {
		return nil, err
	}
	r.logger.Info("repository created", zap.String("repository", name))
	return &Index{name: name, store: r.repoStore(name)}, nil
}

func (r *Registry) LoadRepository(ctx context.Context, name string) (index.Index, error) {
	err := r.repos.View(ctx, func(tx *storage.Txn) error {
		var rec repoRecord
		return tx.Get(name, &rec)
	})
	if errors.Is(err, errors.ErrNotFound) {
		return nil, errors.NotFound("repository %s not found", name)
	}
	if err != nil {
		return nil, err
	}
	return &Index{name: name, store: r.repoStore(name)}, nil
}

func (r *Registry) DestroyRepository(ctx context.Context, name string) error {
	err := r.repos.Update(ctx, func(tx *storage.Txn) error {
		return tx.Delete(name)
	})
	if errors.Is(err, errors.ErrNotFound) {
		return errors.NotFound("repository %s not found", name)
	}
	if err != nil {
		return err
	}
	if err := r.repoStore(name).DropAll(); err != nil {
		return errors.Persistence(err, "dropping repository %s", name)
	}
	r.logger.Info("repository destroyed", zap.String("repository", name))
	return nil
}

func (r *Registry) ListRepositories(ctx context.Context) ([]string, error) {
	var names []string
	err := r.repos.View(ctx, func(tx *storage.Txn) error {
		recs, err := storage.ListJSON[repoRecord](tx, "")
		for _, rec := range recs {
			names = append(names, rec.Name)
		}
		return err
	})
	sort.Strings(names)
	return names, err
}

func (r *Registry) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// Index is the badger index of one repository.
type Index struct {
	name  string
	store *storage.BadgerStore
}

func (i *Index) Name() string {
	return i.name
}

func (i *Index) View(ctx context.Context, fn func(index.Tx) error) error {
	return i.store.View(ctx, func(tx *storage.Txn) error {
		return fn(index.NewTx(kv{tx}))
	})
}

func (i *Index) Update(ctx context.Context, fn func(index.Tx) error) error {
	return i.store.Update(ctx, func(tx *storage.Txn) error {
		return fn(index.NewTx(kv{tx}))
	})
}

// kv maps the index key space onto a storage transaction. Set members are
// stored as empty records under "set:<name>:<member>".
type kv struct {
	tx *storage.Txn
}

func (k kv) Get(key string, v any) (bool, error) {
	err := k.tx.Get(key, v)
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (k kv) Put(key string, v any) error {
	return k.tx.Put(key, v)
}

func (k kv) Delete(key string) error {
	err := k.tx.Delete(key)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	return err
}

func setPrefix(set string) string {
	return "set:" + set + ":"
}

func (k kv) Members(set string) ([]string, error) {
	var out []string
	prefix := setPrefix(set)
	err := k.tx.List(prefix, func(id string, _ []byte) error {
		out = append(out, strings.TrimPrefix(id, prefix))
		return nil
	})
	return out, err
}

func (k kv) AddMember(set, member string) error {
	return k.tx.Put(setPrefix(set)+member, struct{}{})
}

func (k kv) RemoveMember(set, member string) error {
	return k.Delete(setPrefix(set) + member)
}
