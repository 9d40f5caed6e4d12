package api

import (
	"io"
	"net/http"

	"keel/internal/errors"
	"keel/internal/safe"
	"keel/internal/validation"
)

// ReadBlob streams a blob. HEAD requests only report whether it exists.
func (h *Handler) ReadBlob(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	hash := r.PathValue("hash")
	if err := validation.Hash(hash); err != nil {
		h.writeError(w, r, err)
		return
	}

	if r.Method == http.MethodHead {
		exists, err := repo.Blobs().Exists(r.Context(), hash)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, err := repo.Blobs().Reader(r.Context(), hash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	// corrupted content fails at EOF, after the status was sent
	_, _ = io.Copy(w, rc)
}

// WriteBlob stores the request body under hash. Content that does not
// match hash is rejected by the store.
func (h *Handler) WriteBlob(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	hash := r.PathValue("hash")
	if err := validation.Hash(hash); err != nil {
		h.writeError(w, r, err)
		return
	}
	wc, err := repo.Blobs().Writer(r.Context(), hash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if wc == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := io.Copy(wc, r.Body); err != nil {
		_ = safe.Abort(wc)
		h.writeError(w, r, errors.Storage(err, "receiving blob %s", hash))
		return
	}
	if err := wc.Close(); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
