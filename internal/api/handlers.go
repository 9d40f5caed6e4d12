package api

import (
	"net/http"

	"keel/internal/branch"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/validation"
)

// RepositoryInfo is returned when a repository is created.
type RepositoryInfo struct {
	Name     string           `json:"name"`
	Branches []*branch.Branch `json:"branches"`
}

func (h *Handler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	names, err := h.service.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *Handler) CreateRepository(w http.ResponseWriter, r *http.Request) {
	var req validation.CreateRepositoryRequest
	if err := validation.Decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	repo, err := h.service.Create(r.Context(), req.Name, req.ExclusiveEdits)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	branches, err := repo.ListBranches(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RepositoryInfo{Name: repo.Name(), Branches: branches})
}

func (h *Handler) DestroyRepository(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Destroy(r.Context(), r.PathValue("repo")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	branches, err := repo.ListBranches(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

func (h *Handler) CreateBranch(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	var req validation.CreateBranchRequest
	if err := validation.Decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	b, err := repo.InsertBranch(r.Context(), req.Name, req.Source, req.NewLockDomain)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) ReadBranch(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	b, err := repo.ReadBranch(r.Context(), r.PathValue("branch"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Commit answers 201 with the new commit, or 409 when the branch moved
// away from the expected head.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	var req commit.Request
	if err := validation.DecodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	name := r.PathValue("branch")
	if req.Branch != "" && req.Branch != name {
		h.writeError(w, r, errors.ValidationError("branch in body does not match the URL",
			map[string]string{"branch": req.Branch}))
		return
	}
	req.Branch = name

	c, err := repo.Commit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListCommits serves ?id=...&id=... lookups, or the history of ?branch=
// limited by ?depth=.
func (h *Handler) ListCommits(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	depth, err := validation.Depth(q.Get("depth"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	commits, err := repo.ListCommits(r.Context(), commit.Query{Branch: q.Get("branch"), IDs: q["id"], Depth: depth})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (h *Handler) ReadCommit(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	c, err := repo.ReadCommit(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) ReadTree(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	t, err := repo.ReadTree(r.Context(), r.PathValue("hash"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListLocks lists the locks of ?branch=, or of the whole repository.
func (h *Handler) ListLocks(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	locks, err := repo.ListLocks(r.Context(), r.URL.Query().Get("branch"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if locks == nil {
		locks = []branch.Lock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	var req validation.LockRequest
	if err := validation.Decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	l, err := repo.Lock(r.Context(), r.PathValue("branch"), req.Path, req.WorkspaceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *Handler) ReadLock(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	p, err := validation.Path(r.PathValue("path"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	l, err := repo.ReadLock(r.Context(), r.PathValue("branch"), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Unlock releases the lock held by ?workspace_id=.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	p, err := validation.Path(r.PathValue("path"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	workspaceID, err := validation.Required(r, "workspace_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := repo.Unlock(r.Context(), r.PathValue("branch"), p, workspaceID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
