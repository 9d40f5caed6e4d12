package safe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"keel/internal/config"
	"keel/internal/errors"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/time/rate"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

const (
	ociArtifactType = "application/vnd.keel.blob.v1"
	ociLayerType    = "application/vnd.keel.blob.layer.v1"
)

// OCIStore keeps blobs in an OCI distribution registry. Each blob is a
// single-layer artifact tagged with the blob hash.
type OCIStore struct {
	target  oras.Target
	limiter *rate.Limiter
}

// NewOCIStore connects to the repository named in cfg. Transient HTTP
// failures are retried and requests are rate limited when configured.
func NewOCIStore(cfg config.OCIConfig) (*OCIStore, error) {
	repo, err := remote.NewRepository(cfg.Repository)
	if err != nil {
		return nil, errors.ValidationError("invalid oci repository reference", map[string]string{
			"repository": cfg.Repository,
			"error":      err.Error(),
		})
	}
	repo.PlainHTTP = cfg.PlainHTTP

	client := &auth.Client{
		Client: &http.Client{Transport: retry.NewTransport(nil), Timeout: cfg.Timeout},
		Cache:  auth.NewCache(),
	}
	if cfg.Username != "" {
		client.Credential = auth.StaticCredential(repo.Reference.Registry, auth.Credential{
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}
	repo.Client = client

	return NewOCIStoreFromTarget(repo, cfg.RateLimit, cfg.Burst), nil
}

// NewOCIStoreFromTarget serves blobs from any oras target. A zero rps
// disables rate limiting.
func NewOCIStoreFromTarget(target oras.Target, rps float64, burst int) *OCIStore {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
	return &OCIStore{target: target, limiter: limiter}
}

func (s *OCIStore) wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Storage(err, "waiting for registry rate limit")
	}
	return nil
}

func (s *OCIStore) resolve(ctx context.Context, hash string) (ocispec.Descriptor, error) {
	if err := s.wait(ctx); err != nil {
		return ocispec.Descriptor{}, err
	}
	desc, err := s.target.Resolve(ctx, hash)
	if errors.Is(err, errdef.ErrNotFound) {
		return ocispec.Descriptor{}, notFound(hash)
	}
	if err != nil {
		return ocispec.Descriptor{}, errors.Storage(err, "resolving blob %s", hash)
	}
	return desc, nil
}

func (s *OCIStore) Reader(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := checkDigest(hash); err != nil {
		return nil, err
	}
	desc, err := s.resolve(ctx, hash)
	if err != nil {
		return nil, err
	}

	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	raw, err := content.FetchAll(ctx, s.target, desc)
	if err != nil {
		return nil, errors.Storage(err, "fetching manifest of blob %s", hash)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, errors.Storage(err, "decoding manifest of blob %s", hash)
	}
	if len(manifest.Layers) != 1 {
		return nil, errors.Storage(nil, "blob %s: manifest has %d layers", hash, len(manifest.Layers))
	}
	layer := manifest.Layers[0]
	if err := layer.Digest.Validate(); err != nil {
		return nil, errors.Storage(err, "blob %s: invalid layer digest", hash)
	}

	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	data, err := content.FetchAll(ctx, s.target, layer)
	if err != nil {
		return nil, errors.Storage(err, "fetching blob %s", hash)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *OCIStore) Writer(ctx context.Context, hash string) (io.WriteCloser, error) {
	exists, err := s.Exists(ctx, hash)
	if err != nil || exists {
		return nil, err
	}
	return newBufferWriter(func(data []byte) error {
		return s.push(ctx, hash, data)
	}), nil
}

func (s *OCIStore) push(ctx context.Context, hash string, data []byte) error {
	layer := ocispec.Descriptor{
		MediaType: ociLayerType,
		Digest:    digest.FromBytes(data),
		Size:      int64(len(data)),
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	err := s.target.Push(ctx, layer, bytes.NewReader(data))
	if err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return errors.Storage(err, "pushing blob %s", hash)
	}

	if err := s.wait(ctx); err != nil {
		return err
	}
	manifest, err := oras.PackManifest(ctx, s.target, oras.PackManifestVersion1_1, ociArtifactType, oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{layer},
	})
	if err != nil {
		return errors.Storage(err, "packing manifest of blob %s", hash)
	}

	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := s.target.Tag(ctx, manifest, hash); err != nil {
		return errors.Storage(err, "tagging blob %s", hash)
	}
	return nil
}

func (s *OCIStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := checkDigest(hash); err != nil {
		return false, err
	}
	_, err := s.resolve(ctx, hash)
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *OCIStore) Close() error {
	return nil
}
