// Package canonical implements the normalized, slash-separated absolute paths
// that identify tracked entries inside a repository.
package canonical

import (
	"path"
	"strings"

	"keel/internal/errors"
)

const Separator = "/"

// Path is a validated canonical path such as "/" or "/assets/hero.png".
// Use Parse to build one from untrusted input.
type Path string

const Root Path = "/"

// Parse validates s: it must start with a slash, must not end with one
// (except for the root) and must not contain empty, "." or ".." segments.
func Parse(s string) (Path, error) {
	if !strings.HasPrefix(s, Separator) {
		return "", errors.InvalidPath("canonical path %q must start with %q", s, Separator)
	}
	if s == Separator {
		return Root, nil
	}
	if strings.HasSuffix(s, Separator) {
		return "", errors.InvalidPath("canonical path %q must not end with %q", s, Separator)
	}
	for _, part := range strings.Split(s[1:], Separator) {
		if err := ValidateName(part); err != nil {
			return "", errors.Wrap(err, "canonical path %q", s)
		}
	}
	return Path(s), nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// FromSlash converts a slash-separated path relative to the repository root
// ("a/b.txt") into a canonical path ("/a/b.txt").
func FromSlash(rel string) (Path, error) {
	rel = strings.TrimPrefix(rel, "./")
	if rel == "" || rel == "." {
		return Root, nil
	}
	if strings.HasPrefix(rel, Separator) {
		return Parse(rel)
	}
	return Parse(Separator + rel)
}

// ValidateName checks a single path segment.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.InvalidPath("empty path segment")
	case name == "." || name == "..":
		return errors.InvalidPath("path segment %q is not allowed", name)
	case strings.Contains(name, Separator):
		return errors.InvalidPath("path segment %q contains %q", name, Separator)
	case strings.ContainsRune(name, 0):
		return errors.InvalidPath("path segment contains a NUL byte")
	}
	return nil
}

func (p Path) String() string {
	return string(p)
}

func (p Path) IsRoot() bool {
	return p == Root
}

// Parts returns the segments of p; the root has none.
func (p Path) Parts() []string {
	if p.IsRoot() || p == "" {
		return nil
	}
	return strings.Split(string(p)[1:], Separator)
}

// Join appends one segment.
func (p Path) Join(name string) (Path, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if p.IsRoot() {
		return Path(Separator + name), nil
	}
	return Path(string(p) + Separator + name), nil
}

// Append appends a relative canonical path: "/a".Append("/b/c") is "/a/b/c".
func (p Path) Append(other Path) Path {
	switch {
	case other.IsRoot():
		return p
	case p.IsRoot():
		return other
	}
	return p + other
}

// Parent returns the containing directory and false for the root.
func (p Path) Parent() (Path, bool) {
	if p.IsRoot() {
		return Root, false
	}
	dir := path.Dir(string(p))
	return Path(dir), true
}

// Name returns the last segment, or "" for the root.
func (p Path) Name() string {
	if p.IsRoot() {
		return ""
	}
	return path.Base(string(p))
}

// Split returns the first segment and the remaining path, which is the root
// when p has a single segment.
func (p Path) Split() (string, Path) {
	parts := p.Parts()
	if len(parts) == 0 {
		return "", Root
	}
	if len(parts) == 1 {
		return parts[0], Root
	}
	return parts[0], Path(Separator + strings.Join(parts[1:], Separator))
}

// Contains reports whether other equals p or lives below it.
func (p Path) Contains(other Path) bool {
	if p.IsRoot() || p == other {
		return true
	}
	return strings.HasPrefix(string(other), string(p)+Separator)
}

// Intersects reports whether one of the paths contains the other.
func (p Path) Intersects(other Path) bool {
	return p.Contains(other) || other.Contains(p)
}

// Relative returns p relative to the root, without the leading slash, for
// use with the filesystem.
func (p Path) Relative() string {
	return strings.TrimPrefix(string(p), Separator)
}

// Compare orders paths segment by segment, so a directory sorts before its
// contents and "/a/b" sorts before "/a-b".
func (p Path) Compare(other Path) int {
	a, b := p.Parts(), other.Parts()
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func (p Path) Less(other Path) bool {
	return p.Compare(other) < 0
}
