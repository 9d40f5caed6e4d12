// Package storage wraps badger with typed, prefixed JSON records.
package storage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"

	"keel/internal/errors"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore scopes every key under prefix.
type BadgerStore struct {
	db     *badger.DB
	prefix string
}

func NewBadgerStore(db *badger.DB, prefix string) *BadgerStore {
	return &BadgerStore{db: db, prefix: prefix}
}

func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

// Sub returns a store scoped under name within s.
func (s *BadgerStore) Sub(name string) *BadgerStore {
	return &BadgerStore{db: s.db, prefix: s.key(name)}
}

func (s *BadgerStore) key(id string) string {
	if s.prefix == "" {
		return id
	}
	return s.prefix + ":" + id
}

// View runs fn in a read-only transaction.
func (s *BadgerStore) View(ctx context.Context, fn func(*Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn, store: s})
	})
}

// Update runs fn in a read-write transaction. A commit that loses a
// serializable conflict is reported as a Conflict error.
func (s *BadgerStore) Update(ctx context.Context, fn func(*Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn, store: s})
	})
	if stderrors.Is(err, badger.ErrConflict) {
		return errors.Conflict("concurrent update, retry the operation")
	}
	return err
}

// DropAll removes every key of the store.
func (s *BadgerStore) DropAll() error {
	return s.db.DropPrefix([]byte(s.key("")))
}

// Txn is a transaction bound to a store's prefix.
type Txn struct {
	txn   *badger.Txn
	store *BadgerStore
}

// Get decodes the record at id into v. A missing record is a NotFound error.
func (t *Txn) Get(id string, v any) error {
	item, err := t.txn.Get([]byte(t.store.key(id)))
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return errors.NotFound("%s not found", id)
	}
	if err != nil {
		return errors.Storage(err, "reading %s", id)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return errors.Internal(err, "decoding %s", id)
		}
		return nil
	})
}

func (t *Txn) Exists(id string) (bool, error) {
	_, err := t.txn.Get([]byte(t.store.key(id)))
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Storage(err, "reading %s", id)
	}
	return true, nil
}

// Put writes v at id, replacing any previous record.
func (t *Txn) Put(id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Internal(err, "encoding %s", id)
	}
	if err := t.txn.Set([]byte(t.store.key(id)), data); err != nil {
		return errors.Storage(err, "writing %s", id)
	}
	return nil
}

// Insert writes v at id only if no record exists there yet.
func (t *Txn) Insert(id string, v any) error {
	exists, err := t.Exists(id)
	if err != nil {
		return err
	}
	if exists {
		return errors.AlreadyExists("%s already exists", id)
	}
	return t.Put(id, v)
}

// Delete removes the record at id. A missing record is a NotFound error.
func (t *Txn) Delete(id string) error {
	exists, err := t.Exists(id)
	if err != nil {
		return err
	}
	if !exists {
		return errors.NotFound("%s not found", id)
	}
	if err := t.txn.Delete([]byte(t.store.key(id))); err != nil {
		return errors.Storage(err, "deleting %s", id)
	}
	return nil
}

// List calls fn for every record whose id starts with prefix, in key order.
// The id passed to fn has the store prefix removed.
func (t *Txn) List(prefix string, fn func(id string, raw []byte) error) error {
	full := []byte(t.store.key(prefix))
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	strip := t.store.key("")
	for it.Seek(full); it.ValidForPrefix(full); it.Next() {
		item := it.Item()
		id := strings.TrimPrefix(string(item.Key()), strip)
		err := item.Value(func(val []byte) error {
			return fn(id, val)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of records whose id starts with prefix.
func (t *Txn) Count(prefix string) (int, error) {
	full := []byte(t.store.key(prefix))
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(full); it.ValidForPrefix(full); it.Next() {
		n++
	}
	return n, nil
}

// ListJSON decodes every record under prefix.
func ListJSON[T any](t *Txn, prefix string) ([]T, error) {
	var out []T
	err := t.List(prefix, func(id string, raw []byte) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return errors.Internal(err, "decoding %s", id)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}
