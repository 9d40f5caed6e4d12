package storage

import (
	"context"
	"sync"
	"testing"

	"keel/internal/errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func setupTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewBadgerStore(setupTestDB(t), "test")

	err := s.Update(ctx, func(tx *Txn) error {
		return tx.Insert("a", record{ID: "a", Value: 1})
	})
	require.NoError(t, err)

	err = s.Update(ctx, func(tx *Txn) error {
		return tx.Insert("a", record{ID: "a", Value: 2})
	})
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))

	var got record
	require.NoError(t, s.View(ctx, func(tx *Txn) error { return tx.Get("a", &got) }))
	assert.Equal(t, 1, got.Value)

	require.NoError(t, s.Update(ctx, func(tx *Txn) error {
		return tx.Put("a", record{ID: "a", Value: 3})
	}))
	require.NoError(t, s.View(ctx, func(tx *Txn) error { return tx.Get("a", &got) }))
	assert.Equal(t, 3, got.Value)

	require.NoError(t, s.Update(ctx, func(tx *Txn) error { return tx.Delete("a") }))
	err = s.View(ctx, func(tx *Txn) error { return tx.Get("a", &got) })
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	err = s.Update(ctx, func(tx *Txn) error { return tx.Delete("a") })
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestListIsScopedToPrefix(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewBadgerStore(db, "repo")
	other := NewBadgerStore(db, "repo2")

	require.NoError(t, s.Update(ctx, func(tx *Txn) error {
		for _, id := range []string{"item:b", "item:a", "meta"} {
			if err := tx.Put(id, record{ID: id}); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, other.Update(ctx, func(tx *Txn) error {
		return tx.Put("item:z", record{ID: "item:z"})
	}))

	var items []record
	var count int
	require.NoError(t, s.View(ctx, func(tx *Txn) error {
		var err error
		items, err = ListJSON[record](tx, "item:")
		if err != nil {
			return err
		}
		count, err = tx.Count("")
		return err
	}))
	require.Len(t, items, 2)
	assert.Equal(t, "item:a", items[0].ID)
	assert.Equal(t, "item:b", items[1].ID)
	assert.Equal(t, 3, count)

	require.NoError(t, s.DropAll())
	require.NoError(t, s.View(ctx, func(tx *Txn) error {
		var err error
		count, err = tx.Count("")
		return err
	}))
	assert.Zero(t, count)

	var z record
	require.NoError(t, other.View(ctx, func(tx *Txn) error { return tx.Get("item:z", &z) }))
}

func TestUpdateConflictIsReported(t *testing.T) {
	ctx := context.Background()
	s := NewBadgerStore(setupTestDB(t), "c")
	require.NoError(t, s.Update(ctx, func(tx *Txn) error { return tx.Put("n", record{Value: 0}) }))

	// both transactions read before either commits
	var wg sync.WaitGroup
	read := make(chan struct{}, 2)
	release := make(chan struct{})
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Update(ctx, func(tx *Txn) error {
				var r record
				if err := tx.Get("n", &r); err != nil {
					return err
				}
				read <- struct{}{}
				<-release
				r.Value++
				return tx.Put("n", r)
			})
		}(i)
	}
	<-read
	<-read
	close(release)
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.True(t, errors.Is(err, errors.ErrConflict), "got %v", err)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestSub(t *testing.T) {
	ctx := context.Background()
	root := NewBadgerStore(setupTestDB(t), "ws")
	changes := root.Sub("change")

	require.NoError(t, changes.Update(ctx, func(tx *Txn) error { return tx.Put("/a", record{ID: "/a"}) }))

	var got record
	require.NoError(t, root.View(ctx, func(tx *Txn) error { return tx.Get("change:/a", &got) }))
	assert.Equal(t, "/a", got.ID)
}
