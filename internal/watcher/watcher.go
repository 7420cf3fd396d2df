// Package watcher implements the file change source using fsnotify. It
// watches each workspace root recursively and reports changed paths, gated
// by the git filter so ignored build artifacts never reach the throttler.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/mcpmux/mcpmux/internal/gitfilter"
)

// DefaultIgnores are directory names that are never worth watching.
var DefaultIgnores = []string{
	".git", "node_modules", "target", "dist", "build",
	".idea", ".vscode", "__pycache__", ".cache",
}

// EventFunc receives one change event: the owning workspace root and the
// absolute path that changed.
type EventFunc func(root, path string)

// Watcher watches workspace roots recursively and emits change events.
type Watcher struct {
	onEvent EventFunc
	filter  *gitfilter.Filter // may be nil

	mu             sync.RWMutex
	fs             *fsnotify.Watcher
	roots          []string
	ignorePatterns []string
	running        bool
	cancel         context.CancelFunc
}

// New creates a Watcher. filter may be nil to disable git filtering.
func New(ignorePatterns []string, filter *gitfilter.Filter, onEvent EventFunc) *Watcher {
	if len(ignorePatterns) == 0 {
		ignorePatterns = DefaultIgnores
	}
	return &Watcher{
		onEvent:        onEvent,
		filter:         filter,
		ignorePatterns: ignorePatterns,
	}
}

// Start begins delivering events. Roots added before Start are watched once
// the event loop is up.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.fs = fs

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	roots := append([]string(nil), w.roots...)
	w.mu.Unlock()

	for _, root := range roots {
		if err := w.addWatchRecursive(root); err != nil {
			log.Warn().Err(err).Str("root", root).Msg("failed to watch root")
		}
	}

	go w.eventLoop(watchCtx)

	log.Info().Int("roots", len(roots)).Msg("file watcher started")
	return nil
}

// Stop terminates file watching.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false

	if w.cancel != nil {
		w.cancel()
	}
	if w.fs != nil {
		err := w.fs.Close()
		w.fs = nil
		log.Info().Msg("file watcher stopped")
		return err
	}
	return nil
}

// WatchRoot starts watching one workspace root. Adding a root twice is a
// no-op.
func (w *Watcher) WatchRoot(root string) error {
	root = filepath.Clean(root)

	w.mu.Lock()
	for _, existing := range w.roots {
		if existing == root {
			w.mu.Unlock()
			return nil
		}
	}
	w.roots = append(w.roots, root)
	running := w.running
	w.mu.Unlock()

	if !running {
		return nil
	}
	return w.addWatchRecursive(root)
}

// addWatchRecursive adds watches to a directory tree, skipping ignored
// directories. Directories that cannot be read are skipped, not fatal.
func (w *Watcher) addWatchRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}

		w.mu.RLock()
		fs := w.fs
		w.mu.RUnlock()
		if fs == nil {
			return filepath.SkipAll
		}
		if err := fs.Add(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to add watch")
		}
		return nil
	})
}

func (w *Watcher) eventLoop(ctx context.Context) {
	w.mu.RLock()
	fs := w.fs
	w.mu.RUnlock()
	if fs == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-fs.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// handleEvent classifies one fsnotify event and forwards it if relevant.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if w.shouldIgnore(event.Name) {
		return
	}

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		// New directories must be watched for the recursion to hold.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addWatchRecursive(event.Name)
			return
		}
	case event.Op&fsnotify.Write == fsnotify.Write:
	case event.Op&fsnotify.Remove == fsnotify.Remove:
	case event.Op&fsnotify.Rename == fsnotify.Rename:
	default:
		// Chmod and unknown ops carry no content change.
		return
	}

	root, ok := w.rootFor(event.Name)
	if !ok {
		return
	}

	if w.filter != nil && !w.filter.Allows(ctx, root, event.Name) {
		log.Debug().Str("path", event.Name).Msg("change filtered by git listing")
		return
	}

	if w.onEvent != nil {
		w.onEvent(root, event.Name)
	}
}

// rootFor finds the longest watched root containing path.
func (w *Watcher) rootFor(path string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	best := ""
	for _, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			if len(root) > len(best) {
				best = root
			}
		}
	}
	return best, best != ""
}

// shouldIgnore checks the base name and every path component against the
// ignore patterns.
func (w *Watcher) shouldIgnore(path string) bool {
	w.mu.RLock()
	patterns := w.ignorePatterns
	w.mu.RUnlock()

	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, filepath.Base(path)); matched {
			return true
		}
		for _, part := range strings.Split(filepath.ToSlash(path), "/") {
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}
