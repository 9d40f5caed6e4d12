// Package validation decodes and checks the bodies and parameters of API
// requests. The request types are shared with the client.
package validation

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"keel/internal/branch"
	"keel/internal/canonical"
	"keel/internal/errors"
	"keel/internal/index"
	"keel/internal/safe"
)

const maxBodySize = 32 << 20

type Validator interface {
	Validate() error
}

// Decode reads the JSON body of r into v and validates it.
func Decode(w http.ResponseWriter, r *http.Request, v Validator) error {
	if err := DecodeJSON(w, r, v); err != nil {
		return err
	}
	return v.Validate()
}

// DecodeJSON reads exactly one JSON document with no unknown fields.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.ValidationError("invalid request body", map[string]string{"body": err.Error()})
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.ValidationError("invalid request body", map[string]string{"body": "trailing data"})
	}
	return nil
}

// Path turns the tail captured by a {path...} wildcard into a canonical path.
func Path(raw string) (canonical.Path, error) {
	return canonical.Parse(canonical.Separator + strings.TrimPrefix(raw, canonical.Separator))
}

// Hash checks a blob identifier taken from a URL.
func Hash(hash string) error {
	if !safe.ValidHash(hash) {
		return errors.ValidationError(fmt.Sprintf("invalid blob identifier %q", hash), nil)
	}
	return nil
}

// Depth parses an optional non-negative depth query parameter.
func Depth(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.ValidationError("invalid depth", map[string]string{"depth": raw})
	}
	return n, nil
}

// Required returns the value of a required query parameter.
func Required(r *http.Request, name string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", errors.ValidationError("missing parameter "+name, map[string]string{name: "required"})
	}
	return v, nil
}

type CreateRepositoryRequest struct {
	Name           string `json:"name"`
	ExclusiveEdits bool   `json:"exclusive_edits,omitempty"`
}

func (r *CreateRepositoryRequest) Validate() error {
	return index.ValidateRepositoryName(r.Name)
}

// CreateBranchRequest creates Name at the head of Source, main when empty.
type CreateBranchRequest struct {
	Name          string `json:"name"`
	Source        string `json:"source,omitempty"`
	NewLockDomain bool   `json:"new_lock_domain,omitempty"`
}

func (r *CreateBranchRequest) Validate() error {
	if r.Source == "" {
		r.Source = branch.Main
	}
	return branch.ValidateName(r.Name)
}

type LockRequest struct {
	Path        canonical.Path `json:"path"`
	WorkspaceID string         `json:"workspace_id"`
}

func (r *LockRequest) Validate() error {
	details := map[string]string{}
	if _, err := canonical.Parse(string(r.Path)); err != nil {
		details["path"] = err.Error()
	}
	if r.WorkspaceID == "" {
		details["workspace_id"] = "required"
	}
	if len(details) > 0 {
		return errors.ValidationError("invalid lock request", details)
	}
	return nil
}
