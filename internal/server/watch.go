package server

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/nainya/constellation/internal/logger"
	"github.com/nainya/constellation/pkg/importer"
)

// DefaultDebounce is how long file changes are collected before graphs reload
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the registry's graphs when files matching a pattern change
type Watcher struct {
	registry *Registry
	pattern  string
	debounce time.Duration
	log      *logger.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]fsnotify.Op
}

// NewWatcher watches every directory under the static prefix of pattern
func NewWatcher(r *Registry, pattern string, debounce time.Duration, log *logger.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		registry: r,
		pattern:  filepath.Clean(pattern),
		debounce: debounce,
		log:      log,
		fsw:      fsw,
		pending:  make(map[string]fsnotify.Op),
	}

	base, _ := doublestar.SplitPattern(filepath.ToSlash(w.pattern))
	if err := w.addRecursive(filepath.FromSlash(base)); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); path != root && strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.log.Warn("Failed to watch directory").Str("path", path).Err(err).Send()
		}
		return nil
	})
}

// Run applies changes until ctx is done, then stops watching
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	w.log.Info("Watching graph files").Str("pattern", w.pattern).Dur("debounce", w.debounce).Send()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("Watcher error").Err(err).Send()

		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.addRecursive(path); err != nil {
				w.log.Warn("Failed to watch new directory").Str("path", path).Err(err).Send()
			}
			return
		}
	}
	if !importer.Match(w.pattern, path) {
		return
	}

	w.mu.Lock()
	w.pending[path] |= event.Op
	w.mu.Unlock()
}

// flush reloads or unloads every file changed since the last flush. A file that
// fails to load keeps serving its previous graph.
func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	changed := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	for path := range changed {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			if id, ok := w.registry.Unload(path); ok {
				w.log.Info("Graph unloaded").Str("graph", id).Str("path", path).Send()
			}
			continue
		}
		if err := w.registry.LoadFile(path, w.log); err != nil {
			w.log.Warn("Graph reload failed").Str("path", path).Err(err).Send()
		}
	}
}
