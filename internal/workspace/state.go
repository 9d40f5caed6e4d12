package workspace

import (
	"strings"

	"keel/internal/canonical"
	"keel/internal/errors"
	"keel/internal/storage"
	"keel/internal/tree"
)

const (
	stateKey      = "state"
	changePrefix  = "change:"
	resolvePrefix = "resolve:"
	nodePrefix    = "node:"
)

// State records what the working copy was last synchronized to.
type State struct {
	Branch       string `json:"branch"`
	Head         string `json:"head"`
	LockDomainID string `json:"lock_domain_id"`
	// TreeHash is the tree the staged changes apply to. It equals the tree
	// of Head except at paths with a pending resolve.
	TreeHash string `json:"tree_hash"`
}

// LocalChange is a staged modification. NewInfo is the content at staging
// time; the content committed is read from disk at commit time.
type LocalChange struct {
	Path    canonical.Path  `json:"path"`
	Type    tree.ChangeType `json:"type"`
	OldInfo *tree.FileInfo  `json:"old_info,omitempty"`
	NewInfo *tree.FileInfo  `json:"new_info,omitempty"`
}

func (c LocalChange) String() string {
	return string(c.Type) + " " + string(c.Path)
}

// ResolvePending marks a path changed both locally and by an incoming
// commit. The working copy keeps the local version until Resolve.
type ResolvePending struct {
	Path canonical.Path `json:"path"`
	// Base is the content both sides started from, nil if the path was new.
	Base     *tree.FileInfo `json:"base,omitempty"`
	Local    LocalChange    `json:"local"`
	Incoming tree.Change    `json:"incoming"`
	// Blocking lists the local files above or below Path that keep the
	// incoming change off the disk, where one side has a file and the other
	// a directory. Local is empty then.
	Blocking     []canonical.Path `json:"blocking,omitempty"`
	BaseCommit   string           `json:"base_commit"`
	TheirsCommit string           `json:"theirs_commit"`
}

// Structural reports whether r is a clash between a file and a directory
// rather than two versions of one file.
func (r ResolvePending) Structural() bool {
	return len(r.Blocking) > 0
}

func readState(tx *storage.Txn) (State, error) {
	var s State
	if err := tx.Get(stateKey, &s); err != nil {
		return State{}, errors.Wrap(err, "reading workspace state")
	}
	return s, nil
}

func writeState(tx *storage.Txn, s State) error {
	return tx.Put(stateKey, s)
}

func readChanges(tx *storage.Txn) ([]LocalChange, error) {
	return storage.ListJSON[LocalChange](tx, changePrefix)
}

func putChange(tx *storage.Txn, c LocalChange) error {
	return tx.Put(changePrefix+string(c.Path), c)
}

func clearChange(tx *storage.Txn, p canonical.Path) error {
	err := tx.Delete(changePrefix + string(p))
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	return err
}

func readResolves(tx *storage.Txn) ([]ResolvePending, error) {
	return storage.ListJSON[ResolvePending](tx, resolvePrefix)
}

func putResolve(tx *storage.Txn, r ResolvePending) error {
	return tx.Put(resolvePrefix+string(r.Path), r)
}

func clearResolve(tx *storage.Txn, p canonical.Path) error {
	err := tx.Delete(resolvePrefix + string(p))
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	return err
}

func loadTree(tx *storage.Txn, hash string) (*tree.Tree, error) {
	if hash == "" || hash == tree.Empty().Hash() {
		return tree.Empty(), nil
	}
	return tree.Decode(hash, func(h string) (*tree.EncodedNode, error) {
		var n tree.EncodedNode
		if err := tx.Get(nodePrefix+h, &n); err != nil {
			return nil, errors.Wrap(err, "loading tree node %s", h)
		}
		return &n, nil
	})
}

// storeTree saves t and drops the nodes of any other tree.
func storeTree(tx *storage.Txn, t *tree.Tree) error {
	keep := make(map[string]struct{})
	for _, n := range t.Encode() {
		keep[n.Hash] = struct{}{}
		if err := tx.Put(nodePrefix+n.Hash, n); err != nil {
			return err
		}
	}
	var stale []string
	err := tx.List(nodePrefix, func(id string, _ []byte) error {
		if _, ok := keep[strings.TrimPrefix(id, nodePrefix)]; !ok {
			stale = append(stale, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range stale {
		if err := tx.Delete(id); err != nil {
			return err
		}
	}
	return nil
}
