package safe

import (
	"io"

	"keel/internal/config"
	"keel/internal/errors"

	"go.uber.org/zap"
)

// Safe is a configured blob store stack together with the backend it owns.
type Safe struct {
	Store
	backend io.Closer
}

func (s *Safe) Close() error {
	return s.backend.Close()
}

type backend interface {
	Store
	io.Closer
}

// Open builds the store described by cfg:
// Inline(Verified(Cached(Chunked(Compressed(backend))))), where the
// cache, chunking and compression layers are optional.
func Open(cfg config.BlobConfig, logger *zap.Logger) (*Safe, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var b backend
	var err error
	switch cfg.Backend {
	case config.BlobBackendFS:
		b, err = NewFSStore(cfg.FS.Path)
	case config.BlobBackendBolt:
		b, err = NewBoltStore(cfg.Bolt.Path)
	case config.BlobBackendOCI:
		b, err = NewOCIStore(cfg.OCI)
	default:
		err = errors.ValidationError("unknown blob backend", map[string]string{"backend": string(cfg.Backend)})
	}
	if err != nil {
		return nil, err
	}

	s, err := Layer(b, cfg)
	if err != nil {
		b.Close()
		return nil, err
	}

	logger.Info("blob store opened",
		zap.String("backend", string(cfg.Backend)),
		zap.Bool("compression", cfg.Compression.Enabled),
		zap.Bool("chunking", cfg.Chunking.Enabled),
		zap.Int("cache_size", cfg.CacheSize),
	)
	return &Safe{Store: s, backend: b}, nil
}

// Layer wraps a raw backend with the layers enabled in cfg.
func Layer(b Store, cfg config.BlobConfig) (Store, error) {
	s := b
	var err error
	if cfg.Compression.Enabled {
		s, err = Compressed(s, CompressionOptions{MinSize: cfg.Compression.MinSize, Level: cfg.Compression.Level})
		if err != nil {
			return nil, errors.Internal(err, "configuring compression")
		}
	}
	if cfg.Chunking.Enabled {
		s = Chunked(s, cfg.Chunking.Threshold)
	}
	if cfg.CacheSize > 0 {
		s, err = Cached(s, cfg.CacheSize)
		if err != nil {
			return nil, errors.Internal(err, "configuring cache")
		}
	}
	return Inline(Verified(s)), nil
}

// NewMemory returns a fully layered store over an in-memory backend.
func NewMemory() Store {
	s, _ := Layer(NewMemoryStore(), config.BlobConfig{})
	return s
}
