package repository

import (
	"context"
	"sync"

	"keel/internal/errors"
	"keel/internal/index"
	"keel/internal/metrics"
	"keel/internal/safe"

	"go.uber.org/zap"
)

// Service serves every repository of a registry, sharing one blob store.
type Service struct {
	registry index.Registry
	blobs    safe.Store
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	repos map[string]*Repository
}

func NewService(registry index.Registry, blobs safe.Store, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: registry,
		blobs:    blobs,
		logger:   logger,
		metrics:  m,
		repos:    make(map[string]*Repository),
	}
}

func (s *Service) options() []Option {
	return []Option{WithLogger(s.logger), WithMetrics(s.metrics)}
}

// Create initializes a new repository. With exclusiveEdits its main lock
// domain requires a lock before a path is edited or deleted.
func (s *Service) Create(ctx context.Context, name string, exclusiveEdits bool) (*Repository, error) {
	r, err := Init(ctx, s.registry, s.blobs, name, append(s.options(), WithExclusiveEdits(exclusiveEdits))...)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.repos[name] = r
	s.mu.Unlock()
	s.refreshCount(ctx)
	return r, nil
}

// Get returns the named repository, opening it on first use.
func (s *Service) Get(ctx context.Context, name string) (*Repository, error) {
	s.mu.Lock()
	r, ok := s.repos[name]
	s.mu.Unlock()
	if ok {
		return r, nil
	}

	idx, err := s.registry.LoadRepository(ctx, name)
	if err != nil {
		return nil, err
	}
	r = New(idx, s.blobs, s.options()...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.repos[name]; ok {
		return cached, nil
	}
	s.repos[name] = r
	return r, nil
}

// Destroy removes a repository and its index. Blobs are shared between
// repositories and are kept.
func (s *Service) Destroy(ctx context.Context, name string) error {
	s.mu.Lock()
	delete(s.repos, name)
	s.mu.Unlock()
	if err := s.registry.DestroyRepository(ctx, name); err != nil {
		return err
	}
	s.refreshCount(ctx)
	return nil
}

func (s *Service) List(ctx context.Context) ([]string, error) {
	return s.registry.ListRepositories(ctx)
}

func (s *Service) Blobs() safe.Store {
	return s.blobs
}

func (s *Service) refreshCount(ctx context.Context) {
	names, err := s.registry.ListRepositories(ctx)
	if err != nil {
		s.logger.Warn("counting repositories", zap.Error(err))
		return
	}
	s.metrics.SetRepositories(len(names))
}

// Close closes the registry.
func (s *Service) Close() error {
	if err := s.registry.Close(); err != nil {
		return errors.Persistence(err, "closing index")
	}
	return nil
}
