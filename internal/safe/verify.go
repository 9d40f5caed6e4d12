package safe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"keel/internal/errors"
)

type verifiedStore struct {
	next Store
}

// Verified rejects writes whose content does not hash to the identifier
// they are written under, and fails reads of corrupted blobs at EOF.
func Verified(next Store) Store {
	return &verifiedStore{next: next}
}

func (s *verifiedStore) Reader(ctx context.Context, h string) (io.ReadCloser, error) {
	if err := checkDigest(h); err != nil {
		return nil, err
	}
	r, err := s.next.Reader(ctx, h)
	if err != nil {
		return nil, err
	}
	return &verifyingReader{r: r, want: h, h: sha256.New()}, nil
}

func (s *verifiedStore) Writer(ctx context.Context, h string) (io.WriteCloser, error) {
	if err := checkDigest(h); err != nil {
		return nil, err
	}
	w, err := s.next.Writer(ctx, h)
	if err != nil || w == nil {
		return nil, err
	}
	return &verifyingWriter{w: w, want: h, h: sha256.New()}, nil
}

func (s *verifiedStore) Exists(ctx context.Context, h string) (bool, error) {
	if err := checkDigest(h); err != nil {
		return false, err
	}
	return s.next.Exists(ctx, h)
}

func mismatch(want string, h hash.Hash, n int64) error {
	return errors.ValidationError(
		fmt.Sprintf("blob %s: content hashes to %s", want, hex.EncodeToString(h.Sum(nil))),
		map[string]any{"hash": want, "size": n},
	)
}

type verifyingWriter struct {
	w    io.WriteCloser
	want string
	h    hash.Hash
	n    int64
}

func (w *verifyingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.h.Write(p[:n])
	w.n += int64(n)
	return n, err
}

func (w *verifyingWriter) Close() error {
	if hex.EncodeToString(w.h.Sum(nil)) != w.want {
		err := mismatch(w.want, w.h, w.n)
		_ = Abort(w.w)
		return err
	}
	if w.n <= InlineThreshold {
		_ = Abort(w.w)
		return errors.ValidationError(fmt.Sprintf("blob %s: payloads of %d bytes are inline", w.want, w.n), nil)
	}
	return w.w.Close()
}

func (w *verifyingWriter) Abort() error {
	return Abort(w.w)
}

type verifyingReader struct {
	r    io.ReadCloser
	want string
	h    hash.Hash
	n    int64
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.h.Write(p[:n])
	r.n += int64(n)
	if err == io.EOF && hex.EncodeToString(r.h.Sum(nil)) != r.want {
		return n, mismatch(r.want, r.h, r.n)
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	return r.r.Close()
}
