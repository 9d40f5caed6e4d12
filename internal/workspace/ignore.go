package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"keel/internal/canonical"

	gitignore "github.com/denormal/go-gitignore"
	"go.uber.org/zap"
)

var defaultIgnorePatterns = []string{
	MetaDir + "/",
	".git/",
	".keel-*",
}

// ignorer matches paths against the default rules and .keelignore. The
// rules are reloaded when .keelignore changes.
type ignorer struct {
	root    string
	logger  *zap.Logger
	mu      sync.RWMutex
	matcher gitignore.GitIgnore
	modTime int64
}

func newIgnorer(root string, logger *zap.Logger) *ignorer {
	i := &ignorer{root: root, logger: logger}
	i.reload()
	return i
}

func (i *ignorer) reload() {
	patterns := append([]string(nil), defaultIgnorePatterns...)
	var modTime int64
	path := filepath.Join(i.root, IgnoreFile)
	if fi, err := os.Stat(path); err == nil {
		modTime = fi.ModTime().UnixNano()
		data, err := os.ReadFile(path)
		if err != nil {
			i.logger.Warn("reading ignore file", zap.Error(err))
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, line)
		}
	}

	m := gitignore.New(strings.NewReader(strings.Join(patterns, "\n")), i.root, func(err gitignore.Error) bool {
		i.logger.Warn("invalid ignore pattern", zap.Error(err))
		return true
	})

	i.mu.Lock()
	i.matcher = m
	i.modTime = modTime
	i.mu.Unlock()
}

// refresh reloads the rules if .keelignore changed since the last load.
func (i *ignorer) refresh() {
	var modTime int64
	if fi, err := os.Stat(filepath.Join(i.root, IgnoreFile)); err == nil {
		modTime = fi.ModTime().UnixNano()
	}
	i.mu.RLock()
	stale := modTime != i.modTime
	i.mu.RUnlock()
	if stale {
		i.reload()
	}
}

// Ignored reports whether p or one of its parent directories is ignored.
func (i *ignorer) Ignored(p canonical.Path, isDir bool) bool {
	if p.IsRoot() {
		return false
	}
	i.mu.RLock()
	m := i.matcher
	i.mu.RUnlock()
	if m == nil {
		return false
	}

	parts := p.Parts()
	for n := 1; n <= len(parts); n++ {
		dir := n < len(parts) || isDir
		rel := strings.Join(parts[:n], "/")
		if match := m.Relative(rel, dir); match != nil && match.Ignore() {
			return true
		}
	}
	return false
}
