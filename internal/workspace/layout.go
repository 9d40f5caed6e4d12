package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"keel/internal/canonical"
	"keel/internal/errors"
)

const (
	// MetaDir holds the workspace metadata at the root of the working copy.
	MetaDir = ".keel"

	configFile = "config"
	dbDir      = "db"
	blobsDir   = "blobs"

	// IgnoreFile lists extra ignore rules, in gitignore syntax.
	IgnoreFile = ".keelignore"
)

// FindRoot searches startDir and its parents for a workspace.
func FindRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", errors.InvalidPath("resolving %s: %v", startDir, err)
	}

	for {
		if fi, err := os.Stat(filepath.Join(dir, MetaDir)); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NotFound("not a keel workspace (or any of the parent directories): %s", startDir)
		}
		dir = parent
	}
}

// ConfigPath is the location of the configuration of the workspace at root.
func ConfigPath(root string) string {
	return filepath.Join(root, MetaDir, configFile)
}

func (w *Workspace) metaPath(elem ...string) string {
	return filepath.Join(append([]string{w.root, MetaDir}, elem...)...)
}

// abs returns the file system location of p.
func (w *Workspace) abs(p canonical.Path) string {
	return filepath.Join(w.root, filepath.FromSlash(p.Relative()))
}

// Canonical converts a user supplied path, absolute or relative to the
// workspace root, into a canonical path.
func (w *Workspace) Canonical(arg string) (canonical.Path, error) {
	full := arg
	if !filepath.IsAbs(full) {
		full = filepath.Join(w.root, full)
	}
	rel, err := filepath.Rel(w.root, filepath.Clean(full))
	if err != nil {
		return "", errors.InvalidPath("%s is outside the workspace", arg)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.InvalidPath("%s is outside the workspace", arg)
	}
	p, err := canonical.FromSlash(rel)
	if err != nil {
		return "", err
	}
	if isMeta(p) {
		return "", errors.InvalidPath("%s is workspace metadata", arg)
	}
	return p, nil
}

func isMeta(p canonical.Path) bool {
	parts := p.Parts()
	return len(parts) > 0 && parts[0] == MetaDir
}
