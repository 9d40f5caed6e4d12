// Package api exposes repositories over JSON/HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"keel/internal/errors"
	"keel/internal/logging"
	"keel/internal/repository"

	"go.uber.org/zap"
)

// ProtocolVersion is the version of the HTTP protocol. Clients accept any
// server with the same major version.
const ProtocolVersion = "1.0.0"

type VersionInfo struct {
	Version  string `json:"version"`
	Protocol string `json:"protocol"`
}

type Handler struct {
	service *repository.Service
	logger  *logging.Logger
	version string
}

func NewHandler(service *repository.Service, logger *logging.Logger, version string) *Handler {
	return &Handler{service: service, logger: logging.OrNop(logger), version: version}
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/version", h.Version)

	mux.HandleFunc("GET /api/repos", h.ListRepositories)
	mux.HandleFunc("POST /api/repos", h.CreateRepository)
	mux.HandleFunc("DELETE /api/repos/{repo}", h.DestroyRepository)

	mux.HandleFunc("GET /api/repos/{repo}/branches", h.ListBranches)
	mux.HandleFunc("POST /api/repos/{repo}/branches", h.CreateBranch)
	mux.HandleFunc("GET /api/repos/{repo}/branches/{branch}", h.ReadBranch)
	mux.HandleFunc("POST /api/repos/{repo}/branches/{branch}/commits", h.Commit)

	mux.HandleFunc("GET /api/repos/{repo}/commits", h.ListCommits)
	mux.HandleFunc("GET /api/repos/{repo}/commits/{id}", h.ReadCommit)
	mux.HandleFunc("GET /api/repos/{repo}/trees/{hash}", h.ReadTree)

	mux.HandleFunc("GET /api/repos/{repo}/locks", h.ListLocks)
	mux.HandleFunc("POST /api/repos/{repo}/branches/{branch}/locks", h.Lock)
	mux.HandleFunc("GET /api/repos/{repo}/branches/{branch}/locks/{path...}", h.ReadLock)
	mux.HandleFunc("DELETE /api/repos/{repo}/branches/{branch}/locks/{path...}", h.Unlock)

	// GET patterns also match HEAD.
	mux.HandleFunc("GET /api/repos/{repo}/blobs/{hash}", h.ReadBlob)
	mux.HandleFunc("PUT /api/repos/{repo}/blobs/{hash}", h.WriteBlob)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionInfo{Version: h.version, Protocol: ProtocolVersion})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := h.logger.WithRequestID(r.Context())
	if code := errors.StatusCode(err); code >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
	}
	errors.WriteJSON(w, err)
}

// repo resolves the {repo} path value, writing the error response itself.
func (h *Handler) repo(w http.ResponseWriter, r *http.Request) (*repository.Repository, bool) {
	repo, err := h.service.Get(r.Context(), r.PathValue("repo"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return repo, true
}
