package safe

import (
	"bytes"
	"context"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxCachedSize bounds the payloads kept by Cached.
const maxCachedSize = 1 << 20

type cachedStore struct {
	next  Store
	cache *lru.Cache[string, []byte]
}

// Cached keeps up to size small blobs in memory in front of next.
func Cached(next Store, size int) (Store, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &cachedStore{next: next, cache: cache}, nil
}

func (s *cachedStore) Reader(ctx context.Context, hash string) (io.ReadCloser, error) {
	if data, ok := s.cache.Get(hash); ok {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	r, err := s.next.Reader(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &capturingReader{ReadCloser: r, done: func(data []byte) { s.cache.Add(hash, data) }}, nil
}

func (s *cachedStore) Writer(ctx context.Context, hash string) (io.WriteCloser, error) {
	if s.cache.Contains(hash) {
		return nil, nil
	}
	w, err := s.next.Writer(ctx, hash)
	if err != nil || w == nil {
		return nil, err
	}
	return &capturingWriter{next: w, done: func(data []byte) { s.cache.Add(hash, data) }}, nil
}

func (s *cachedStore) Exists(ctx context.Context, hash string) (bool, error) {
	if s.cache.Contains(hash) {
		return true, nil
	}
	return s.next.Exists(ctx, hash)
}

// capture accumulates a copy of a stream until it grows past maxCachedSize.
type capture struct {
	buf      bytes.Buffer
	overflow bool
}

func (c *capture) add(p []byte) {
	if c.overflow {
		return
	}
	if c.buf.Len()+len(p) > maxCachedSize {
		c.overflow = true
		c.buf = bytes.Buffer{}
		return
	}
	c.buf.Write(p)
}

func (c *capture) bytes() ([]byte, bool) {
	if c.overflow {
		return nil, false
	}
	return append([]byte(nil), c.buf.Bytes()...), true
}

type capturingReader struct {
	io.ReadCloser
	capture
	done func([]byte)
}

func (r *capturingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.add(p[:n])
	if err == io.EOF {
		if data, ok := r.bytes(); ok {
			r.done(data)
		}
	}
	return n, err
}

type capturingWriter struct {
	next io.WriteCloser
	capture
	done func([]byte)
}

func (w *capturingWriter) Write(p []byte) (int, error) {
	n, err := w.next.Write(p)
	w.add(p[:n])
	return n, err
}

func (w *capturingWriter) Close() error {
	if err := w.next.Close(); err != nil {
		return err
	}
	if data, ok := w.bytes(); ok {
		w.done(data)
	}
	return nil
}

func (w *capturingWriter) Abort() error {
	return Abort(w.next)
}
