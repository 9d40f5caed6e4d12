package commit

import (
	"keel/internal/errors"
	"keel/internal/tree"
)

// Request asks a repository to advance Branch from ExpectedHead by Changes.
type Request struct {
	Branch       string        `json:"branch"`
	ExpectedHead string        `json:"expected_head"`
	Author       string        `json:"author"`
	Message      string        `json:"message"`
	WorkspaceID  string        `json:"workspace_id"`
	Changes      []tree.Change `json:"changes"`
}

func (r Request) Validate() error {
	details := map[string]string{}
	if r.Branch == "" {
		details["branch"] = "required"
	}
	if r.ExpectedHead == "" {
		details["expected_head"] = "required"
	}
	if r.Author == "" {
		details["author"] = "required"
	}
	if len(details) > 0 {
		return errors.ValidationError("invalid commit request", details)
	}
	if len(r.Changes) == 0 {
		return errors.EmptyCommit("nothing to commit on %s", r.Branch)
	}
	for _, c := range r.Changes {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Query selects commits either by id or by walking back from a branch head.
// Depth <= 0 means the whole history.
type Query struct {
	Branch string   `json:"branch,omitempty"`
	IDs    []string `json:"ids,omitempty"`
	Depth  int      `json:"depth,omitempty"`
}
