// Package client talks to a keel server over HTTP. A Client bound to a
// repository serves as the remote of a workspace.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"keel/internal/api"
	"keel/internal/branch"
	"keel/internal/canonical"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/safe"
	"keel/internal/tree"
	"keel/internal/validation"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
)

type Client struct {
	baseURL    string
	repo       string
	httpClient *http.Client
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a client for the server at baseURL. Repository operations
// need a client bound with Repository.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Minute,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Repository returns a copy of c bound to the named repository.
func (c *Client) Repository(name string) *Client {
	bound := *c
	bound.repo = name
	return &bound
}

func (c *Client) RepositoryName() string {
	return c.repo
}

func (c *Client) repoPath(format string, args ...any) string {
	return "/api/repos/" + url.PathEscape(c.repo) + fmt.Sprintf(format, args...)
}

// do sends in as JSON and decodes the response into out. Failed responses
// are decoded back into typed errors.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Internal(err, "encoding request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Internal(err, "building request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Storage(err, "contacting %s", c.baseURL)
	}
	defer resp.Body.Close()
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode >= 300 {
		return errors.FromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Storage(err, "decoding response of %s %s", method, path)
	}
	return nil
}

// CheckVersion fails unless the server speaks a compatible protocol.
func (c *Client) CheckVersion(ctx context.Context) (*api.VersionInfo, error) {
	var info api.VersionInfo
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &info); err != nil {
		return nil, err
	}
	if err := compatible(info.Protocol); err != nil {
		return nil, err
	}
	return &info, nil
}

func compatible(protocol string) error {
	ours := semver.MustParse(api.ProtocolVersion)
	constraint, err := semver.NewConstraint(fmt.Sprintf("^%d.0.0", ours.Major()))
	if err != nil {
		return errors.Internal(err, "building protocol constraint")
	}
	theirs, err := semver.NewVersion(protocol)
	if err != nil {
		return errors.ValidationError(fmt.Sprintf("server reports invalid protocol version %q", protocol), nil)
	}
	if !constraint.Check(theirs) {
		return errors.ValidationError(
			fmt.Sprintf("server protocol %s is not compatible with client protocol %s", theirs, ours), nil)
	}
	return nil
}

func (c *Client) ListRepositories(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(ctx, http.MethodGet, "/api/repos", nil, &names)
	return names, err
}

// CreateRepository creates name on the server. With exclusiveEdits its main
// lock domain requires a lock before a path is edited or deleted.
func (c *Client) CreateRepository(ctx context.Context, name string, exclusiveEdits bool) (*api.RepositoryInfo, error) {
	var info api.RepositoryInfo
	req := validation.CreateRepositoryRequest{Name: name, ExclusiveEdits: exclusiveEdits}
	err := c.do(ctx, http.MethodPost, "/api/repos", req, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) DestroyRepository(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/repos/"+url.PathEscape(name), nil, nil)
}

func (c *Client) ReadBranch(ctx context.Context, name string) (*branch.Branch, error) {
	var b branch.Branch
	if err := c.do(ctx, http.MethodGet, c.repoPath("/branches/%s", url.PathEscape(name)), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) InsertBranch(ctx context.Context, name, source string, newLockDomain bool) (*branch.Branch, error) {
	req := validation.CreateBranchRequest{Name: name, Source: source, NewLockDomain: newLockDomain}
	var b branch.Branch
	if err := c.do(ctx, http.MethodPost, c.repoPath("/branches"), req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) ListBranches(ctx context.Context) ([]*branch.Branch, error) {
	var out []*branch.Branch
	err := c.do(ctx, http.MethodGet, c.repoPath("/branches"), nil, &out)
	return out, err
}

func (c *Client) Commit(ctx context.Context, req commit.Request) (*commit.Commit, error) {
	var out commit.Commit
	if err := c.do(ctx, http.MethodPost, c.repoPath("/branches/%s/commits", url.PathEscape(req.Branch)), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReadCommit(ctx context.Context, id string) (*commit.Commit, error) {
	var out commit.Commit
	if err := c.do(ctx, http.MethodGet, c.repoPath("/commits/%s", url.PathEscape(id)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListCommits(ctx context.Context, q commit.Query) ([]*commit.Commit, error) {
	params := url.Values{}
	if q.Branch != "" {
		params.Set("branch", q.Branch)
	}
	if q.Depth > 0 {
		params.Set("depth", strconv.Itoa(q.Depth))
	}
	for _, id := range q.IDs {
		params.Add("id", id)
	}
	path := c.repoPath("/commits")
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var out []*commit.Commit
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) ReadTree(ctx context.Context, hash string) (*tree.Tree, error) {
	var t tree.Tree
	if err := c.do(ctx, http.MethodGet, c.repoPath("/trees/%s", url.PathEscape(hash)), nil, &t); err != nil {
		return nil, err
	}
	if t.Hash() != hash {
		return nil, errors.Storage(nil, "server returned tree %s for %s", t.Hash(), hash)
	}
	return &t, nil
}

func lockPath(branchName string, p canonical.Path) string {
	segments := p.Parts()
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("/branches/%s/locks/%s", url.PathEscape(branchName), strings.Join(segments, "/"))
}

func (c *Client) Lock(ctx context.Context, branchName string, p canonical.Path, workspaceID string) (*branch.Lock, error) {
	req := validation.LockRequest{Path: p, WorkspaceID: workspaceID}
	var l branch.Lock
	if err := c.do(ctx, http.MethodPost, c.repoPath("/branches/%s/locks", url.PathEscape(branchName)), req, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *Client) Unlock(ctx context.Context, branchName string, p canonical.Path, workspaceID string) error {
	path := c.repoPath("%s", lockPath(branchName, p)) + "?workspace_id=" + url.QueryEscape(workspaceID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) ReadLock(ctx context.Context, branchName string, p canonical.Path) (*branch.Lock, error) {
	var l branch.Lock
	if err := c.do(ctx, http.MethodGet, c.repoPath("%s", lockPath(branchName, p)), nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *Client) ListLocks(ctx context.Context, branchName string) ([]branch.Lock, error) {
	path := c.repoPath("/locks")
	if branchName != "" {
		path += "?branch=" + url.QueryEscape(branchName)
	}
	var out []branch.Lock
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Blobs returns the blob store of the bound repository. Inline identifiers
// never reach the network and downloaded content is verified.
func (c *Client) Blobs() safe.Store {
	return safe.Inline(safe.Verified(&blobStore{client: c}))
}
