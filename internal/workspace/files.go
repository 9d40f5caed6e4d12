package workspace

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"keel/internal/canonical"
	"keel/internal/errors"
	"keel/internal/safe"
	"keel/internal/tree"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fetch copies the given blobs from the remote into the local cache.
func (w *Workspace) fetch(ctx context.Context, infos []tree.FileInfo) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	seen := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		if _, ok := seen[info.Hash]; ok || safe.IsInline(info.Hash) {
			continue
		}
		seen[info.Hash] = struct{}{}
		hash := info.Hash
		g.Go(func() error {
			if err := safe.Copy(ctx, w.blobs, w.remote.Blobs(), hash); err != nil {
				return errors.Wrap(err, "downloading %s", hash)
			}
			return nil
		})
	}
	return g.Wait()
}

// upload copies the given blobs from the local cache to the remote.
func (w *Workspace) upload(ctx context.Context, infos []tree.FileInfo) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	seen := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		if _, ok := seen[info.Hash]; ok || safe.IsInline(info.Hash) {
			continue
		}
		seen[info.Hash] = struct{}{}
		hash := info.Hash
		g.Go(func() error {
			if err := safe.Copy(ctx, w.remote.Blobs(), w.blobs, hash); err != nil {
				return errors.Wrap(err, "uploading %s", hash)
			}
			return nil
		})
	}
	return g.Wait()
}

// content returns a blob, from the cache or else from the remote.
func (w *Workspace) content(ctx context.Context, info tree.FileInfo) ([]byte, error) {
	if err := w.fetch(ctx, []tree.FileInfo{info}); err != nil {
		return nil, err
	}
	return safe.Get(ctx, w.blobs, info.Hash)
}

// writeFile replaces the file at p with the cached blob info. The content
// is written to a temporary file first and renamed into place.
func (w *Workspace) writeFile(ctx context.Context, p canonical.Path, info tree.FileInfo) error {
	target := w.abs(p)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Storage(err, "creating directory for %s", p)
	}

	r, err := w.blobs.Reader(ctx, info.Hash)
	if err != nil {
		return errors.Wrap(err, "reading content of %s", p)
	}
	defer r.Close()

	f, err := os.CreateTemp(dir, ".keel-*")
	if err != nil {
		return errors.Storage(err, "writing %s", p)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Storage(err, "writing %s", p)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Storage(err, "writing %s", p)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return errors.Storage(err, "writing %s", p)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return errors.Storage(err, "writing %s", p)
	}
	if fi, err := os.Stat(target); err == nil {
		w.hashes.remember(target, fi, info)
	}
	w.logger.Debug("file written", zap.String("path", string(p)), zap.String("hash", info.Hash))
	return nil
}

// removeFile deletes the file at p and the directories it leaves empty.
func (w *Workspace) removeFile(p canonical.Path) error {
	target := w.abs(p)
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) && !errors.Is(err, syscall.ENOTDIR) {
		return errors.Storage(err, "removing %s", p)
	}
	w.hashes.invalidate(target)

	for dir := filepath.Dir(target); dir != w.root && len(dir) > len(w.root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

// diskInfo returns the info of the file at p, or nil when it does not exist,
// including when one of its parents is a file.
func (w *Workspace) diskInfo(p canonical.Path) (*tree.FileInfo, error) {
	target := w.abs(p)
	fi, err := os.Stat(target)
	if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Storage(err, "checking %s", p)
	}
	if fi.IsDir() {
		return nil, errors.InvalidPath("%s is a directory", p)
	}
	info, err := w.hashes.hash(target)
	if err != nil {
		return nil, errors.Storage(err, "hashing %s", p)
	}
	return &info, nil
}

// cache puts the file at p into the local blob cache.
func (w *Workspace) cache(ctx context.Context, p canonical.Path) (tree.FileInfo, error) {
	target := w.abs(p)
	info, err := safe.PutFile(ctx, w.blobs, target)
	if err != nil {
		return tree.FileInfo{}, errors.Wrap(err, "storing %s", p)
	}
	if fi, err := os.Stat(target); err == nil {
		w.hashes.remember(target, fi, info)
	}
	return info, nil
}

// walk visits the files below dir that are not ignored.
func (w *Workspace) walk(dir canonical.Path, fn func(p canonical.Path) error) error {
	w.ignore.refresh()
	start := w.abs(dir)
	return filepath.WalkDir(start, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == start {
				return nil
			}
			return errors.Storage(err, "walking %s", path)
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		p, err := canonical.FromSlash(filepath.ToSlash(rel))
		if err != nil {
			// names keel cannot represent are skipped
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p.IsRoot() {
			return nil
		}
		if isMeta(p) || w.ignore.Ignored(p, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		return fn(p)
	})
}
