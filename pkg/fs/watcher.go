package fs

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/danielberg/mirror/pkg/errors"
	"github.com/danielberg/mirror/pkg/mirror"
)

// Watcher streams incremental filesystem changes under a sync root as
// Updates. Because fsnotify doesn't watch directories recursively, the
// watcher registers every subdirectory up front and registers new ones
// as they're created.
type Watcher struct {
	adapter *Adapter
	emit    func(*mirror.Update)
	watcher *fsnotify.Watcher
}

// NewWatcher sets up watches over the whole tree under the adapter's
// root. Changes are delivered through emit once Run is going.
func NewWatcher(adapter *Adapter, emit func(*mirror.Update)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	addDirs := func() error {
		return afero.Walk(fs, adapter.root, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
	}
	if err := addDirs(); err != nil {
		// Release the file handles for whatever was already added.
		if closeErr := watcher.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("Failed to close file watcher")
		}
		return nil, errors.WithContext(err, "watch tree")
	}

	return &Watcher{adapter: adapter, emit: emit, watcher: watcher}, nil
}

// Name implements tasks.Logic.
func (w *Watcher) Name() string {
	return "local-watcher"
}

// Run pumps watch events into Updates until stopped. A watcher error is
// a producer failure and takes the session down.
func (w *Watcher) Run(stop <-chan struct{}) error {
	defer func() {
		if err := w.watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
	}()

	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			return errors.WithContext(err, "watch")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	relPath, err := filepath.Rel(w.adapter.root, event.Name)
	if err != nil || strings.HasPrefix(relPath, "..") || relPath == "." {
		return
	}
	relPath = filepath.ToSlash(relPath)

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		// The path is gone, so there's no modtime to read; the tree
		// ticks the old one forward.
		w.emit(&mirror.Update{Path: relPath, Delete: true})
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		update, err := w.adapter.stat(relPath)
		if err != nil {
			// The path can disappear between the event and the stat;
			// the removal event behind it is still coming.
			log.WithError(err).WithField("path", relPath).Debug("Failed to stat changed path")
			return
		}
		if event.Has(fsnotify.Create) && update.Directory {
			if err := w.watcher.Add(event.Name); err != nil {
				log.WithError(err).WithField("path", relPath).Warn("Failed to watch new directory")
			}
		}
		w.emit(update)
	}
}

func millisToTime(millis int64) time.Time {
	return time.UnixMilli(millis)
}
