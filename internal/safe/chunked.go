package safe

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"keel/internal/errors"

	"github.com/aclements/go-rabin/rabin"
)

const (
	tagWhole    byte = 0x00
	tagManifest byte = 0x01

	rabinWindowSize = 64
)

// DefaultChunkThreshold is the payload size above which blobs are chunked.
const DefaultChunkThreshold = 4 * 1024 * 1024

// Computing the table is expensive, so it is shared by every chunker.
var rabinTable = rabin.NewTable(rabin.Poly64, rabinWindowSize)

type chunkRef struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

type chunkManifest struct {
	Size   int64      `json:"size"`
	Chunks []chunkRef `json:"chunks"`
}

type chunkedStore struct {
	next      Store
	threshold int
	minSize   int
	avgSize   int
	maxSize   int
}

// Chunked splits payloads larger than threshold at content-defined
// boundaries and stores every chunk under its own hash, so that similar
// revisions of large files share most of their storage.
func Chunked(next Store, threshold int) Store {
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	// the chunker needs a power of two average
	avg := 1
	for avg*2 <= threshold/4 {
		avg *= 2
	}
	return &chunkedStore{
		next:      next,
		threshold: threshold,
		minSize:   max(avg/4, rabinWindowSize),
		avgSize:   max(avg, rabinWindowSize*2),
		maxSize:   max(threshold, rabinWindowSize*4),
	}
}

func (s *chunkedStore) Reader(ctx context.Context, hash string) (io.ReadCloser, error) {
	r, err := s.next.Reader(ctx, hash)
	if err != nil {
		return nil, err
	}
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		r.Close()
		return nil, errors.Storage(err, "reading blob %s", hash)
	}

	switch tag[0] {
	case tagWhole:
		return r, nil
	case tagManifest:
		defer r.Close()
		var m chunkManifest
		if err := json.NewDecoder(r).Decode(&m); err != nil {
			return nil, errors.Storage(err, "decoding chunk manifest %s", hash)
		}
		return &chunkReader{ctx: ctx, store: s.next, chunks: m.Chunks}, nil
	}
	r.Close()
	return nil, errors.Storage(fmt.Errorf("unknown tag %#x", tag[0]), "reading blob %s", hash)
}

func (s *chunkedStore) Writer(ctx context.Context, hash string) (io.WriteCloser, error) {
	w, err := s.next.Writer(ctx, hash)
	if err != nil || w == nil {
		return nil, err
	}
	return &passWriter{
		bufferWriter: newBufferWriter(func(content []byte) error {
			payload, err := s.encode(ctx, content)
			if err != nil {
				_ = Abort(w)
				return err
			}
			if _, err := w.Write(payload); err != nil {
				_ = Abort(w)
				return errors.Storage(err, "writing blob %s", hash)
			}
			return w.Close()
		}),
		next: w,
	}, nil
}

func (s *chunkedStore) Exists(ctx context.Context, hash string) (bool, error) {
	return s.next.Exists(ctx, hash)
}

// encode stores the chunks of content and returns the payload for the blob
// itself: either the tagged content or a tagged manifest.
func (s *chunkedStore) encode(ctx context.Context, content []byte) ([]byte, error) {
	if len(content) <= s.threshold {
		return append([]byte{tagWhole}, content...), nil
	}

	chunker := rabin.NewChunker(rabinTable, bytes.NewReader(content), s.minSize, s.avgSize, s.maxSize)
	m := chunkManifest{Size: int64(len(content))}
	var offset int
	for {
		length, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Storage(err, "chunking blob")
		}
		chunk := content[offset : offset+length]
		offset += length

		ref, err := s.putChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		m.Chunks = append(m.Chunks, ref)
	}
	if len(m.Chunks) == 0 {
		ref, err := s.putChunk(ctx, content)
		if err != nil {
			return nil, err
		}
		m.Chunks = append(m.Chunks, ref)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Internal(err, "encoding chunk manifest")
	}
	return append([]byte{tagManifest}, data...), nil
}

func (s *chunkedStore) putChunk(ctx context.Context, chunk []byte) (chunkRef, error) {
	sum := sha256.Sum256(chunk)
	ref := chunkRef{Hash: hex.EncodeToString(sum[:]), Size: int64(len(chunk))}

	w, err := s.next.Writer(ctx, ref.Hash)
	if err != nil || w == nil {
		return ref, err
	}
	if _, err := w.Write([]byte{tagWhole}); err != nil {
		_ = Abort(w)
		return ref, errors.Storage(err, "writing chunk %s", ref.Hash)
	}
	if _, err := w.Write(chunk); err != nil {
		_ = Abort(w)
		return ref, errors.Storage(err, "writing chunk %s", ref.Hash)
	}
	return ref, w.Close()
}

// chunkReader opens chunks one at a time as the caller reads.
type chunkReader struct {
	ctx     context.Context
	store   Store
	chunks  []chunkRef
	current io.ReadCloser
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if len(r.chunks) == 0 {
				return 0, io.EOF
			}
			next, err := r.store.Reader(r.ctx, r.chunks[0].Hash)
			if err != nil {
				return 0, err
			}
			var tag [1]byte
			if _, err := io.ReadFull(next, tag[:]); err != nil || tag[0] != tagWhole {
				next.Close()
				return 0, errors.Storage(err, "reading chunk %s", r.chunks[0].Hash)
			}
			r.current = next
			r.chunks = r.chunks[1:]
		}

		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.current != nil {
		return r.current.Close()
	}
	return nil
}
