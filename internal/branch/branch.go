// Package branch defines branches and the path locks scoped to their lock
// domains.
package branch

import (
	"fmt"
	"strings"

	"keel/internal/canonical"
	"keel/internal/errors"

	"github.com/google/uuid"
)

// Main is the branch every repository starts with.
const Main = "main"

// Branch is a named, movable pointer to a commit. Branches sharing a
// LockDomainID share their locks and the domain's edit policy.
type Branch struct {
	Name         string `json:"name"`
	Head         string `json:"head"`
	Parent       string `json:"parent,omitempty"`
	LockDomainID string `json:"lock_domain_id"`
	// ExclusiveEdits requires a lock before a path of the lock domain is
	// edited or deleted. Every branch of a domain carries the same value.
	ExclusiveEdits bool `json:"exclusive_edits,omitempty"`
}

// New returns a branch with no parent branch and a fresh lock domain.
func New(name, head string) (*Branch, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return &Branch{Name: name, Head: head, LockDomainID: NewLockDomain()}, nil
}

// FromSource creates a branch starting at the head of source. The new branch
// joins the source's lock domain unless newDomain is set; a new domain starts
// with the edit policy of the source's.
func FromSource(name string, source *Branch, newDomain bool) (*Branch, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	b := &Branch{
		Name:           name,
		Head:           source.Head,
		Parent:         source.Name,
		LockDomainID:   source.LockDomainID,
		ExclusiveEdits: source.ExclusiveEdits,
	}
	if newDomain {
		b.LockDomainID = NewLockDomain()
	}
	return b, nil
}

func NewLockDomain() string {
	return uuid.NewString()
}

// ValidateName accepts slash separated names made of letters, digits and
// "-", "_" or ".", without empty or dot-only segments.
func ValidateName(name string) error {
	if name == "" {
		return errors.ValidationError("branch name is required", nil)
	}
	if len(name) > 255 {
		return errors.ValidationError("branch name is too long", map[string]int{"max": 255})
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || strings.Trim(seg, ".") == "" {
			return errors.ValidationError(fmt.Sprintf("invalid branch name %q", name), nil)
		}
		if strings.HasSuffix(seg, ".lock") {
			return errors.ValidationError(fmt.Sprintf("invalid branch name %q", name), nil)
		}
		for _, r := range seg {
			if !validRune(r) {
				return errors.ValidationError(fmt.Sprintf("invalid character %q in branch name %q", r, name), nil)
			}
		}
	}
	return nil
}

func validRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.':
		return true
	}
	return false
}

// Lock grants a workspace exclusive edit rights on a path within a lock
// domain. At most one lock exists per (LockDomainID, Path).
type Lock struct {
	Path         canonical.Path `json:"path"`
	LockDomainID string         `json:"lock_domain_id"`
	WorkspaceID  string         `json:"workspace_id"`
	BranchName   string         `json:"branch_name"`
}

func (l Lock) Validate() error {
	details := map[string]string{}
	if _, err := canonical.Parse(string(l.Path)); err != nil {
		details["path"] = err.Error()
	}
	if l.LockDomainID == "" {
		details["lock_domain_id"] = "required"
	}
	if l.WorkspaceID == "" {
		details["workspace_id"] = "required"
	}
	if len(details) > 0 {
		return errors.ValidationError("invalid lock", details)
	}
	return nil
}

// OwnedBy reports whether workspaceID holds l.
func (l Lock) OwnedBy(workspaceID string) bool {
	return l.WorkspaceID == workspaceID
}

func (l Lock) String() string {
	return fmt.Sprintf("%s (workspace %s, branch %s)", l.Path, l.WorkspaceID, l.BranchName)
}
