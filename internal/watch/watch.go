// Package watch wraps fsnotify for the two watch shapes the dev loop needs:
// a whole directory tree and a single file.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Handler receives every relevant change event.
type Handler func(ev fsnotify.Event)

// Watcher delivers change events to a handler until closed.
type Watcher struct {
	fsw       *fsnotify.Watcher
	handler   Handler
	logger    zerolog.Logger
	recursive bool
	file      string // non-empty in single-file mode

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Tree watches root and every directory beneath it. Directories created later
// are picked up as they appear.
func Tree(root string, handler Handler, logger zerolog.Logger) (*Watcher, error) {
	w, err := newWatcher(handler, logger)
	if err != nil {
		return nil, err
	}
	w.recursive = true
	if err := w.addTree(root); err != nil {
		_ = w.fsw.Close()
		return nil, err
	}
	w.start()
	return w, nil
}

// File watches a single file. The parent directory is watched so editors that
// replace the file on save are still seen.
func File(path string, handler Handler, logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := newWatcher(handler, logger)
	if err != nil {
		return nil, err
	}
	w.file = abs
	if err := w.fsw.Add(filepath.Dir(abs)); err != nil {
		_ = w.fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", abs, err)
	}
	w.start()
	return w, nil
}

func newWatcher(handler Handler, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	return &Watcher{
		fsw:     fsw,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if w.recursive && ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Warn().Err(err).Str("dir", ev.Name).Msg("could not watch new directory")
					}
				}
			}
			w.handler(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// relevant drops permission-only changes and, in single-file mode, events for
// sibling files.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if w.file != "" && filepath.Clean(ev.Name) != w.file {
		return false
	}
	return true
}

// Close stops delivery. The handler is not called after Close returns.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}
