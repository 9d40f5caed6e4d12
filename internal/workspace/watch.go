package workspace

import (
	"os"
	"path/filepath"
	"sync"

	"keel/internal/canonical"
	"keel/internal/errors"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher follows file system events in the working copy, keeping the
// workspace hash index fresh and reporting changed paths.
type Watcher struct {
	w       *Workspace
	watcher *fsnotify.Watcher
	events  chan canonical.Path
	done    chan struct{}
	once    sync.Once
}

// Watch starts watching every directory of the working copy that is not
// ignored.
func (w *Workspace) Watch() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Storage(err, "creating file watcher")
	}
	wt := &Watcher{
		w:       w,
		watcher: fw,
		events:  make(chan canonical.Path, 256),
		done:    make(chan struct{}),
	}
	if err := wt.addTree(w.root); err != nil {
		fw.Close()
		return nil, err
	}
	go wt.loop()
	return wt, nil
}

// Events delivers the paths that changed. Events are dropped when nobody
// reads them.
func (wt *Watcher) Events() <-chan canonical.Path {
	return wt.events
}

func (wt *Watcher) Close() error {
	var err error
	wt.once.Do(func() {
		err = wt.watcher.Close()
		<-wt.done
	})
	return err
}

func (wt *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p, ok := wt.canonical(path); ok && !p.IsRoot() && (isMeta(p) || wt.w.ignore.Ignored(p, true)) {
			return filepath.SkipDir
		}
		if err := wt.watcher.Add(path); err != nil {
			return errors.Storage(err, "watching %s", path)
		}
		return nil
	})
}

func (wt *Watcher) canonical(path string) (canonical.Path, bool) {
	rel, err := filepath.Rel(wt.w.root, path)
	if err != nil {
		return "", false
	}
	p, err := canonical.FromSlash(filepath.ToSlash(rel))
	return p, err == nil
}

func (wt *Watcher) loop() {
	defer close(wt.done)
	defer close(wt.events)
	for {
		select {
		case event, ok := <-wt.watcher.Events:
			if !ok {
				return
			}
			wt.handle(event)
		case err, ok := <-wt.watcher.Errors:
			if !ok {
				return
			}
			wt.w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (wt *Watcher) handle(event fsnotify.Event) {
	p, ok := wt.canonical(event.Name)
	if !ok || p.IsRoot() || isMeta(p) {
		return
	}
	if p == canonical.Path("/"+IgnoreFile) {
		wt.w.ignore.refresh()
	}

	wt.w.hashes.invalidate(event.Name)
	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := wt.addTree(event.Name); err != nil {
				wt.w.logger.Error("watching new directory", zap.String("path", event.Name), zap.Error(err))
			}
		}
	}
	if wt.w.ignore.Ignored(p, false) {
		return
	}

	select {
	case wt.events <- p:
	default:
	}
}
