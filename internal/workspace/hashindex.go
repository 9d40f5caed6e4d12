package workspace

import (
	"os"
	"strings"

	"keel/internal/safe"
	"keel/internal/tree"

	lru "github.com/hashicorp/golang-lru/v2"
)

const hashIndexSize = 16384

type hashEntry struct {
	size    int64
	modTime int64
	info    tree.FileInfo
}

// hashIndex remembers file infos keyed by path, valid as long as the file's
// size and modification time are unchanged.
type hashIndex struct {
	cache *lru.Cache[string, hashEntry]
}

func newHashIndex(size int) (*hashIndex, error) {
	c, err := lru.New[string, hashEntry](size)
	if err != nil {
		return nil, err
	}
	return &hashIndex{cache: c}, nil
}

// hash returns the file info of the file at path, hashing it only when it
// changed since the last call.
func (h *hashIndex) hash(path string) (tree.FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return tree.FileInfo{}, err
	}
	if e, ok := h.cache.Get(path); ok && e.size == fi.Size() && e.modTime == fi.ModTime().UnixNano() {
		return e.info, nil
	}
	info, err := safe.HashFile(path)
	if err != nil {
		return tree.FileInfo{}, err
	}
	h.remember(path, fi, info)
	return info, nil
}

func (h *hashIndex) remember(path string, fi os.FileInfo, info tree.FileInfo) {
	h.cache.Add(path, hashEntry{size: fi.Size(), modTime: fi.ModTime().UnixNano(), info: info})
}

// invalidate forgets path and everything below it.
func (h *hashIndex) invalidate(path string) {
	h.cache.Remove(path)
	prefix := path + string(os.PathSeparator)
	for _, k := range h.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			h.cache.Remove(k)
		}
	}
}

func (h *hashIndex) cached(path string) bool {
	return h.cache.Contains(path)
}
