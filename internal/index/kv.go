package index

import (
	"sort"
	"strings"

	"keel/internal/branch"
	"keel/internal/canonical"
	"keel/internal/commit"
	"keel/internal/errors"
	"keel/internal/tree"
)

// KV is the transactional surface a backend provides to NewTx. Values are
// JSON encoded by the backend. Sets are small named collections of strings.
type KV interface {
	// Get decodes the value at key into v and reports whether it exists.
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
	Delete(key string) error
	Members(set string) ([]string, error)
	AddMember(set, member string) error
	RemoveMember(set, member string) error
}

const (
	branchSet = "branches"
	lockSet   = "locks"
)

func branchKey(name string) string { return "branch:" + name }
func commitKey(id string) string   { return "commit:" + id }
func treeKey(hash string) string   { return "tree:" + hash }

func lockMember(domain string, p canonical.Path) string {
	return domain + ":" + string(p)
}

func lockKey(domain string, p canonical.Path) string {
	return "lock:" + lockMember(domain, p)
}

type kvTx struct {
	kv KV
}

// NewTx implements the index operations over a backend transaction.
func NewTx(kv KV) Tx {
	return &kvTx{kv: kv}
}

func (t *kvTx) ReadBranch(name string) (*branch.Branch, error) {
	var b branch.Branch
	ok, err := t.kv.Get(branchKey(name), &b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound("branch %s not found", name)
	}
	return &b, nil
}

func (t *kvTx) InsertBranch(b *branch.Branch) error {
	if err := branch.ValidateName(b.Name); err != nil {
		return err
	}
	var existing branch.Branch
	ok, err := t.kv.Get(branchKey(b.Name), &existing)
	if err != nil {
		return err
	}
	if ok {
		return errors.AlreadyExists("branch %s already exists", b.Name)
	}
	if err := t.kv.Put(branchKey(b.Name), b); err != nil {
		return err
	}
	return t.kv.AddMember(branchSet, b.Name)
}

func (t *kvTx) UpdateBranchHead(name, expected, head string) (bool, error) {
	b, err := t.ReadBranch(name)
	if err != nil {
		return false, err
	}
	if b.Head != expected {
		return false, nil
	}
	b.Head = head
	return true, t.kv.Put(branchKey(name), b)
}

func (t *kvTx) ListBranches() ([]*branch.Branch, error) {
	names, err := t.kv.Members(branchSet)
	if err != nil {
		return nil, err
	}
	out := make([]*branch.Branch, 0, len(names))
	for _, name := range names {
		b, err := t.ReadBranch(name)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// SaveTree stores every node of t that is not stored yet.
func (t *kvTx) SaveTree(tr *tree.Tree) error {
	for _, node := range tr.Encode() {
		var existing tree.EncodedNode
		ok, err := t.kv.Get(treeKey(node.Hash), &existing)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := t.kv.Put(treeKey(node.Hash), node); err != nil {
			return err
		}
	}
	return nil
}

func (t *kvTx) ReadTree(hash string) (*tree.Tree, error) {
	return tree.Decode(hash, func(h string) (*tree.EncodedNode, error) {
		var node tree.EncodedNode
		ok, err := t.kv.Get(treeKey(h), &node)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.NotFound("tree %s not found", h)
		}
		return &node, nil
	})
}

func (t *kvTx) InsertCommit(c *commit.Commit) error {
	var existing commit.Commit
	ok, err := t.kv.Get(commitKey(c.ID), &existing)
	if err != nil {
		return err
	}
	if ok {
		return errors.AlreadyExists("commit %s already exists", c.ID)
	}
	return t.kv.Put(commitKey(c.ID), c)
}

func (t *kvTx) ReadCommit(id string) (*commit.Commit, error) {
	var c commit.Commit
	ok, err := t.kv.Get(commitKey(id), &c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound("commit %s not found", id)
	}
	return &c, nil
}

func (t *kvTx) InsertLock(l branch.Lock) error {
	if err := l.Validate(); err != nil {
		return err
	}
	existing, err := t.ReadLock(l.LockDomainID, l.Path)
	if err == nil {
		return errors.LockAlreadyExists(existing, "%s is locked by workspace %s", l.Path, existing.WorkspaceID)
	}
	if !errors.Is(err, errors.ErrLockNotFound) {
		return err
	}
	if err := t.kv.Put(lockKey(l.LockDomainID, l.Path), l); err != nil {
		return err
	}
	return t.kv.AddMember(lockSet, lockMember(l.LockDomainID, l.Path))
}

func (t *kvTx) ReadLock(domain string, p canonical.Path) (*branch.Lock, error) {
	var l branch.Lock
	ok, err := t.kv.Get(lockKey(domain, p), &l)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.LockNotFound("%s is not locked", p)
	}
	return &l, nil
}

func (t *kvTx) DeleteLock(domain string, p canonical.Path, workspaceID string) error {
	l, err := t.ReadLock(domain, p)
	if err != nil {
		return err
	}
	if !l.OwnedBy(workspaceID) {
		return errors.LockNotFound("%s is not locked by workspace %s", p, workspaceID)
	}
	if err := t.kv.Delete(lockKey(domain, p)); err != nil {
		return err
	}
	return t.kv.RemoveMember(lockSet, lockMember(domain, p))
}

func (t *kvTx) ListLocks(domains ...string) ([]branch.Lock, error) {
	members, err := t.kv.Members(lockSet)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(domains))
	for _, d := range domains {
		wanted[d] = true
	}

	var out []branch.Lock
	for _, m := range members {
		domain, path, ok := strings.Cut(m, ":")
		if !ok || (len(wanted) > 0 && !wanted[domain]) {
			continue
		}
		l, err := t.ReadLock(domain, canonical.Path(path))
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LockDomainID != out[j].LockDomainID {
			return out[i].LockDomainID < out[j].LockDomainID
		}
		return out[i].Path.Less(out[j].Path)
	})
	return out, nil
}

func (t *kvTx) CountLocks() (int, error) {
	members, err := t.kv.Members(lockSet)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}
