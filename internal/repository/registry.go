package repository

import (
	"context"

	"keel/internal/config"
	"keel/internal/errors"
	"keel/internal/index"
	"keel/internal/index/badgerindex"
	"keel/internal/index/redisindex"

	"go.uber.org/zap"
)

// OpenRegistry opens the index backend selected in cfg.
func OpenRegistry(ctx context.Context, cfg config.IndexConfig, logger *zap.Logger) (index.Registry, error) {
	switch cfg.Backend {
	case config.IndexBackendBadger:
		return badgerindex.Open(cfg.Badger.Path, cfg.Badger.InMemory, logger)
	case config.IndexBackendRedis:
		return redisindex.Open(ctx, cfg.Redis, logger)
	}
	return nil, errors.ValidationError("unknown index backend", map[string]string{"backend": string(cfg.Backend)})
}
