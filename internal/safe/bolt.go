package safe

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"keel/internal/errors"

	bolt "go.etcd.io/bbolt"
)

const boltBlobBucket = "blobs"

// BoltStore keeps every blob in a single bbolt file.
type BoltStore struct {
	db   *bolt.DB
	once sync.Once
}

// NewBoltStore opens (or creates) the archive at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.ValidationError("blob archive path is required", nil)
	}

	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Storage(err, "creating archive directory")
		}
	}

	db, err := bolt.Open(cleaned, 0o600, nil)
	if err != nil {
		return nil, errors.Storage(err, "opening blob archive %s", cleaned)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBlobBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Storage(err, "initializing blob archive")
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Reader(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := checkDigest(hash); err != nil {
		return nil, err
	}
	var result []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data := tx.Bucket([]byte(boltBlobBucket)).Get([]byte(hash))
		if data == nil {
			return notFound(hash)
		}
		// bolt values are only valid inside the transaction
		result = append([]byte{}, data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(result)), nil
}

func (s *BoltStore) Writer(ctx context.Context, hash string) (io.WriteCloser, error) {
	exists, err := s.Exists(ctx, hash)
	if err != nil || exists {
		return nil, err
	}
	return newBufferWriter(func(data []byte) error {
		err := s.db.Update(func(tx *bolt.Tx) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return tx.Bucket([]byte(boltBlobBucket)).Put([]byte(hash), data)
		})
		if err != nil {
			return errors.Storage(err, "storing blob %s", hash)
		}
		return nil
	}), nil
}

func (s *BoltStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := checkDigest(hash); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		found = tx.Bucket([]byte(boltBlobBucket)).Get([]byte(hash)) != nil
		return nil
	})
	if err != nil {
		return false, errors.Storage(err, "checking blob %s", hash)
	}
	return found, nil
}

// Close shuts down the archive.
func (s *BoltStore) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}
