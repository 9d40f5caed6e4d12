package tree

import (
	"encoding/json"
	"fmt"

	"keel/internal/errors"
)

// EncodedDir references a child tree by hash.
type EncodedDir struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// EncodedNode is the storage form of one directory level: children are
// referenced by hash so every level can be stored under its own key.
type EncodedNode struct {
	Hash  string       `json:"hash"`
	Dirs  []EncodedDir `json:"dirs,omitempty"`
	Files []FileEntry  `json:"files,omitempty"`
}

// Encode flattens t into nodes, children before parents, each hash once.
func (t *Tree) Encode() []EncodedNode {
	var out []EncodedNode
	seen := make(map[string]struct{})
	t.encode(&out, seen)
	return out
}

func (t *Tree) encode(out *[]EncodedNode, seen map[string]struct{}) {
	if _, ok := seen[t.hash]; ok {
		return
	}
	seen[t.hash] = struct{}{}
	node := EncodedNode{Hash: t.hash, Files: t.FileEntries()}
	for _, d := range t.dirs {
		d.Tree.encode(out, seen)
		node.Dirs = append(node.Dirs, EncodedDir{Name: d.Name, Hash: d.Tree.hash})
	}
	*out = append(*out, node)
}

// Decode rebuilds the tree rooted at hash, loading each level with load and
// verifying every hash on the way.
func Decode(hash string, load func(hash string) (*EncodedNode, error)) (*Tree, error) {
	cache := make(map[string]*Tree)
	return decode(hash, load, cache)
}

func decode(hash string, load func(string) (*EncodedNode, error), cache map[string]*Tree) (*Tree, error) {
	if t, ok := cache[hash]; ok {
		return t, nil
	}
	node, err := load(hash)
	if err != nil {
		return nil, err
	}
	dirs := make([]DirEntry, 0, len(node.Dirs))
	for _, d := range node.Dirs {
		child, err := decode(d.Hash, load, cache)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, DirEntry{Name: d.Name, Tree: child})
	}
	t, err := New(dirs, node.Files)
	if err != nil {
		return nil, err
	}
	if t.hash != hash {
		return nil, errors.Internal(nil, "tree %s decoded with hash %s", hash, t.hash)
	}
	cache[hash] = t
	return t, nil
}

type jsonDir struct {
	Name string `json:"name"`
	Tree *Tree  `json:"tree"`
}

type jsonTree struct {
	Hash  string      `json:"hash"`
	Dirs  []jsonDir   `json:"dirs,omitempty"`
	Files []FileEntry `json:"files,omitempty"`
}

func (t *Tree) MarshalJSON() ([]byte, error) {
	jt := jsonTree{Hash: t.hash, Files: t.files}
	for _, d := range t.dirs {
		jt.Dirs = append(jt.Dirs, jsonDir{Name: d.Name, Tree: d.Tree})
	}
	return json.Marshal(jt)
}

// UnmarshalJSON rebuilds the tree and rejects payloads whose advertised hash
// does not match their content.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var jt jsonTree
	if err := json.Unmarshal(data, &jt); err != nil {
		return err
	}
	dirs := make([]DirEntry, 0, len(jt.Dirs))
	for _, d := range jt.Dirs {
		if d.Tree == nil {
			return fmt.Errorf("directory %q has no tree", d.Name)
		}
		dirs = append(dirs, DirEntry{Name: d.Name, Tree: d.Tree})
	}
	built, err := New(dirs, jt.Files)
	if err != nil {
		return err
	}
	if jt.Hash != "" && jt.Hash != built.hash {
		return fmt.Errorf("tree hash mismatch: got %s, computed %s", jt.Hash, built.hash)
	}
	*t = *built
	return nil
}
