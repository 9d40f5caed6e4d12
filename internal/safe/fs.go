package safe

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"keel/internal/errors"
)

// FSStore keeps one file per blob under root, fanned out by the first two
// characters of the hash.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.ValidationError("blob store root directory is required", nil)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Storage(err, "creating blob directory %s", root)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) contentPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:])
}

func (s *FSStore) Reader(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := checkDigest(hash); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.contentPath(hash))
	if os.IsNotExist(err) {
		return nil, notFound(hash)
	}
	if err != nil {
		return nil, errors.Storage(err, "opening blob %s", hash)
	}
	return f, nil
}

func (s *FSStore) Writer(ctx context.Context, hash string) (io.WriteCloser, error) {
	exists, err := s.Exists(ctx, hash)
	if err != nil || exists {
		return nil, err
	}
	dir := filepath.Dir(s.contentPath(hash))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Storage(err, "creating blob directory")
	}
	// the temporary file lives next to its target so the rename is atomic
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, errors.Storage(err, "creating blob %s", hash)
	}
	return &fsWriter{f: f, target: s.contentPath(hash)}, nil
}

func (s *FSStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := checkDigest(hash); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.contentPath(hash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Storage(err, "checking blob %s", hash)
	}
	return true, nil
}

func (s *FSStore) Close() error {
	return nil
}

type fsWriter struct {
	f      *os.File
	target string
	closed bool
}

func (w *fsWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *fsWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return errors.Storage(err, "writing blob")
	}
	if err := os.Rename(w.f.Name(), w.target); err != nil {
		os.Remove(w.f.Name())
		return errors.Storage(err, "committing blob")
	}
	return nil
}

func (w *fsWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	return os.Remove(w.f.Name())
}
