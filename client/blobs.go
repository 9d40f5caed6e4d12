package client

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"keel/internal/errors"
)

// blobStore is the raw HTTP blob backend of one repository.
type blobStore struct {
	client *Client
}

func (s *blobStore) url(hash string) string {
	return s.client.baseURL + s.client.repoPath("/blobs/%s", url.PathEscape(hash))
}

func (s *blobStore) Reader(ctx context.Context, hash string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(hash), nil)
	if err != nil {
		return nil, errors.Internal(err, "building request")
	}
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, errors.Storage(err, "downloading blob %s", hash)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errors.FromResponse(resp)
	}
	return resp.Body, nil
}

func (s *blobStore) Exists(ctx context.Context, hash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url(hash), nil)
	if err != nil {
		return false, errors.Internal(err, "building request")
	}
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return false, errors.Storage(err, "checking blob %s", hash)
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, errors.Storage(nil, "checking blob %s: %s", hash, resp.Status)
}

// Writer streams the upload through a pipe; Close waits for the server's
// answer. Blobs the server already has are not uploaded again.
func (s *blobStore) Writer(ctx context.Context, hash string) (io.WriteCloser, error) {
	exists, err := s.Exists(ctx, hash)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url(hash), pr)
	if err != nil {
		cancel()
		return nil, errors.Internal(err, "building request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	w := &uploadWriter{pw: pw, cancel: cancel, done: make(chan error, 1)}
	go func() {
		resp, err := s.client.httpClient.Do(req)
		if err != nil {
			pr.CloseWithError(err)
			w.done <- errors.Storage(err, "uploading blob %s", hash)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			pr.CloseWithError(io.ErrClosedPipe)
			w.done <- errors.FromResponse(resp)
			return
		}
		w.done <- nil
	}()
	return w, nil
}

type uploadWriter struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan error
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *uploadWriter) Close() error {
	defer w.cancel()
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}

// Abort cancels the upload; the server discards the partial body.
func (w *uploadWriter) Abort() error {
	w.cancel()
	w.pw.CloseWithError(context.Canceled)
	<-w.done
	return nil
}
