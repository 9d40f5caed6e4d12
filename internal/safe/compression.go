package safe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"keel/internal/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	tagRaw  byte = 'r'
	tagZstd byte = 'z'
)

// CompressionOptions configures compression behavior
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int
	// Compression level (1=fastest, 4=best)
	Level int
}

func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 1024,
		Level:   2,
	}
}

// compressionManager pools zstd encoders and decoders.
type compressionManager struct {
	opts     CompressionOptions
	encoders sync.Pool
	decoders sync.Pool
}

func newCompressionManager(opts CompressionOptions) (*compressionManager, error) {
	level := zstd.EncoderLevelFromZstd(opts.Level)
	// fail early on bad options instead of inside the pools
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	cm := &compressionManager{opts: opts}
	cm.encoders.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
		return enc
	}
	cm.decoders.New = func() interface{} {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return dec
	}
	cm.encoders.Put(enc)
	cm.decoders.Put(dec)
	return cm, nil
}

// encode returns the tagged payload, compressed only when that saves space.
func (cm *compressionManager) encode(content []byte) []byte {
	if len(content) >= cm.opts.MinSize {
		enc := cm.encoders.Get().(*zstd.Encoder)
		out := enc.EncodeAll(content, []byte{tagZstd})
		cm.encoders.Put(enc)
		if len(out) < len(content)+1 {
			return out
		}
	}
	out := make([]byte, 0, len(content)+1)
	out = append(out, tagRaw)
	return append(out, content...)
}

func (cm *compressionManager) decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	switch payload[0] {
	case tagRaw:
		return payload[1:], nil
	case tagZstd:
		dec := cm.decoders.Get().(*zstd.Decoder)
		defer cm.decoders.Put(dec)
		return dec.DecodeAll(payload[1:], nil)
	}
	return nil, fmt.Errorf("unknown payload tag %#x", payload[0])
}

type compressedStore struct {
	next Store
	cm   *compressionManager
}

// Compressed stores payloads zstd compressed when it pays off. Stored
// payloads carry a one-byte tag telling raw and compressed data apart.
func Compressed(next Store, opts CompressionOptions) (Store, error) {
	cm, err := newCompressionManager(opts)
	if err != nil {
		return nil, err
	}
	return &compressedStore{next: next, cm: cm}, nil
}

func (s *compressedStore) Reader(ctx context.Context, hash string) (io.ReadCloser, error) {
	payload, err := Get(ctx, s.next, hash)
	if err != nil {
		return nil, err
	}
	content, err := s.cm.decode(payload)
	if err != nil {
		return nil, errors.Storage(err, "decoding blob %s", hash)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *compressedStore) Writer(ctx context.Context, hash string) (io.WriteCloser, error) {
	w, err := s.next.Writer(ctx, hash)
	if err != nil || w == nil {
		return nil, err
	}
	return &passWriter{
		bufferWriter: newBufferWriter(func(content []byte) error {
			if _, err := w.Write(s.cm.encode(content)); err != nil {
				_ = Abort(w)
				return errors.Storage(err, "writing blob %s", hash)
			}
			return w.Close()
		}),
		next: w,
	}, nil
}

func (s *compressedStore) Exists(ctx context.Context, hash string) (bool, error) {
	return s.next.Exists(ctx, hash)
}

// passWriter buffers for an inner writer and aborts it along with itself.
type passWriter struct {
	*bufferWriter
	next io.WriteCloser
}

func (w *passWriter) Abort() error {
	_ = w.bufferWriter.Abort()
	return Abort(w.next)
}
