package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Directories never watched when walking a tree.
var skippedDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
}

// pathWatcher calls onChange once file activity under its paths settles
// for the debounce period.
type pathWatcher struct {
	log      logrus.FieldLogger
	paths    []string
	debounce time.Duration
	onChange func(path string)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func newPathWatcher(log logrus.FieldLogger, paths []string, debounce time.Duration, onChange func(string)) *pathWatcher {
	return &pathWatcher{
		log:      log.WithField("component", "watcher"),
		paths:    paths,
		debounce: debounce,
		onChange: onChange,
		done:     make(chan struct{}),
	}
}

// Start adds every path, directories recursively, and begins watching.
func (w *pathWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	for _, path := range w.paths {
		if err := addTree(fsw, path); err != nil {
			fsw.Close()

			return err
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.watcher = fsw

	w.log.WithFields(logrus.Fields{
		"paths":    w.paths,
		"debounce": w.debounce,
	}).Debug("watching paths")

	go w.loop(ctx)

	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *pathWatcher) Stop() {
	w.once.Do(func() {
		if w.cancel == nil {
			close(w.done)

			return
		}

		w.cancel()
		<-w.done
		w.watcher.Close()
	})
}

func (w *pathWatcher) loop(ctx context.Context) {
	defer close(w.done)

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		changed string
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
				!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}

			// New directories are watched as they appear.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(w.watcher, ev.Name); err != nil {
						w.log.WithError(err).WithField("path", ev.Name).Debug("failed to watch new directory")
					}
				}
			}

			changed = ev.Name

			if timer != nil {
				timer.Stop()
			}

			timer = time.NewTimer(w.debounce)
			timerC = timer.C
		case <-timerC:
			timerC = nil

			w.log.WithField("path", changed).Debug("change detected")
			w.onChange(changed)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.log.WithError(err).Warn("file watcher error")
		}
	}
}

// addTree watches path and, for directories, every subdirectory except
// hidden and dependency folders.
func addTree(fsw *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot watch %s: %w", path, err)
	}

	if !info.IsDir() {
		return fsw.Add(path)
	}

	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if p != path && (strings.HasPrefix(name, ".") || skippedDirs[name]) {
			return filepath.SkipDir
		}

		if err := fsw.Add(p); err != nil {
			return fmt.Errorf("cannot watch %s: %w", p, err)
		}

		return nil
	})
}
