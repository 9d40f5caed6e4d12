// Package safe stores file contents by hash.
//
// Every store is a stack of layers over a raw backend. Writes are idempotent
// and identifiers are derived from the content, so a blob never changes once
// written.
package safe

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"keel/internal/errors"
	"keel/internal/tree"
)

// InlineThreshold is the largest payload embedded in its own identifier.
const InlineThreshold = 64

const inlinePrefix = "inline:"

// Store is a content-addressed blob store.
type Store interface {
	// Reader opens the blob. A missing blob is a NotFound error.
	Reader(ctx context.Context, hash string) (io.ReadCloser, error)
	// Writer returns a writer for the blob, or nil when the blob already
	// exists. The blob becomes visible when the writer is closed.
	Writer(ctx context.Context, hash string) (io.WriteCloser, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// Aborter is implemented by writers that can discard what was written.
type Aborter interface {
	Abort() error
}

// Abort discards w if it supports it and closes it otherwise.
func Abort(w io.WriteCloser) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}

// Identify returns the identifier of data.
func Identify(data []byte) string {
	if len(data) <= InlineThreshold {
		return inlinePrefix + base64.RawURLEncoding.EncodeToString(data)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsInline reports whether hash embeds its content.
func IsInline(hash string) bool {
	return strings.HasPrefix(hash, inlinePrefix)
}

// ValidHash accepts inline identifiers and lowercase hex sha256 digests.
func ValidHash(hash string) bool {
	if IsInline(hash) {
		_, err := base64.RawURLEncoding.DecodeString(hash[len(inlinePrefix):])
		return err == nil
	}
	return validDigest(hash)
}

func validDigest(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	for _, c := range hash {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func checkDigest(hash string) error {
	if !validDigest(hash) {
		return errors.ValidationError("invalid blob hash", map[string]string{"hash": hash})
	}
	return nil
}

func notFound(hash string) error {
	return errors.NotFound("blob %s not found", hash)
}

// Put stores data and returns its file info.
func Put(ctx context.Context, s Store, data []byte) (tree.FileInfo, error) {
	info := tree.FileInfo{Hash: Identify(data), Size: uint64(len(data))}
	w, err := s.Writer(ctx, info.Hash)
	if err != nil {
		return tree.FileInfo{}, err
	}
	if w == nil {
		return info, nil
	}
	if _, err := w.Write(data); err != nil {
		_ = Abort(w)
		return tree.FileInfo{}, errors.Storage(err, "writing blob %s", info.Hash)
	}
	if err := w.Close(); err != nil {
		return tree.FileInfo{}, err
	}
	return info, nil
}

// PutFile stores the file at path without holding it in memory.
func PutFile(ctx context.Context, s Store, path string) (tree.FileInfo, error) {
	info, err := HashFile(path)
	if err != nil {
		return tree.FileInfo{}, err
	}
	if IsInline(info.Hash) {
		return info, nil
	}
	w, err := s.Writer(ctx, info.Hash)
	if err != nil || w == nil {
		return info, err
	}

	f, err := os.Open(path)
	if err != nil {
		_ = Abort(w)
		return tree.FileInfo{}, errors.Storage(err, "opening %s", path)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		_ = Abort(w)
		return tree.FileInfo{}, errors.Storage(err, "storing %s", path)
	}
	if err := w.Close(); err != nil {
		return tree.FileInfo{}, err
	}
	return info, nil
}

// HashFile computes the file info of the file at path.
func HashFile(path string) (tree.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return tree.FileInfo{}, errors.Storage(err, "opening %s", path)
	}
	defer f.Close()

	head := make([]byte, InlineThreshold+1)
	n, err := io.ReadFull(f, head)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return tree.FileInfo{Hash: Identify(head[:n]), Size: uint64(n)}, nil
	}
	if err != nil {
		return tree.FileInfo{}, errors.Storage(err, "reading %s", path)
	}

	h := sha256.New()
	h.Write(head)
	rest, err := io.Copy(h, f)
	if err != nil {
		return tree.FileInfo{}, errors.Storage(err, "reading %s", path)
	}
	return tree.FileInfo{Hash: hex.EncodeToString(h.Sum(nil)), Size: uint64(n) + uint64(rest)}, nil
}

// Get reads a whole blob.
func Get(ctx context.Context, s Store, hash string) ([]byte, error) {
	r, err := s.Reader(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading blob %s", hash)
	}
	return data, nil
}

// Copy transfers a blob from src to dst unless dst already has it.
func Copy(ctx context.Context, dst, src Store, hash string) error {
	w, err := dst.Writer(ctx, hash)
	if err != nil || w == nil {
		return err
	}
	r, err := src.Reader(ctx, hash)
	if err != nil {
		_ = Abort(w)
		return err
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		_ = Abort(w)
		return errors.Wrap(err, "copying blob %s", hash)
	}
	return w.Close()
}

// bufferWriter collects a payload and hands it to commit on Close.
type bufferWriter struct {
	buf    bytes.Buffer
	commit func([]byte) error
	done   bool
}

func newBufferWriter(commit func([]byte) error) *bufferWriter {
	return &bufferWriter{commit: commit}
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *bufferWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.commit(w.buf.Bytes())
}

func (w *bufferWriter) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
