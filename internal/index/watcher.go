package index

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lgrep/lgrep/internal/chunking"
	"github.com/lgrep/lgrep/internal/ignore"
	"github.com/lgrep/lgrep/pkg/provider"
)

// DefaultDebounce is how long a file must stay quiet before it is
// re-indexed.
const DefaultDebounce = 500 * time.Millisecond

// Watcher triggers incremental re-indexing from filesystem events. Writes
// are debounced per path; deletions hit the store immediately. A stopped
// watcher can be started again.
type Watcher struct {
	root     string
	indexer  *Indexer
	store    provider.ChunkStore
	matcher  *ignore.Matcher
	debounce time.Duration

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	pending map[string]*time.Timer
	running bool
	done    chan struct{}
}

// WatcherConfig contains watcher dependencies. Root must be an absolute
// project path.
type WatcherConfig struct {
	Root     string
	Indexer  *Indexer
	Store    provider.ChunkStore
	Matcher  *ignore.Matcher
	Debounce time.Duration
}

// NewWatcher creates a watcher for one project. The filesystem observer is
// not created until Start.
func NewWatcher(cfg WatcherConfig) *Watcher {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		root:     cfg.Root,
		indexer:  cfg.Indexer,
		store:    cfg.Store,
		matcher:  cfg.Matcher,
		debounce: debounce,
	}
}

// Start begins watching the project tree. Calling Start on a running
// watcher is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		slog.Debug("watcher already running", "project", w.root)
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.fsw = fsw
	w.pending = make(map[string]*time.Timer)
	w.done = make(chan struct{})
	w.running = true
	w.mu.Unlock()

	w.watchTree(fsw, w.root)
	go w.loop(fsw, w.done)

	slog.Info("watcher started", "project", w.root)
	return nil
}

// Stop cancels pending work, closes the filesystem observer, and waits for
// the event loop to exit. Calling Stop on a stopped watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	fsw := w.fsw
	w.fsw = nil
	done := w.done
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	if err := fsw.Close(); err != nil {
		slog.Warn("failed to close file watcher", "error", err)
	}
	<-done

	slog.Info("watcher stopped", "project", w.root)
}

// Running reports whether the watcher is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.handleRemove(path)

	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			// Raced away; a Remove event follows.
			return
		}
		if info.IsDir() {
			if event.Has(fsnotify.Create) {
				w.watchTree(fsw, path)
			}
			return
		}
		w.scheduleIndex(path)
	}
}

// scheduleIndex arms (or re-arms) the debounce timer for one file. Only
// recognized, non-ignored files get this far.
func (w *Watcher) scheduleIndex(path string) {
	if !chunking.Recognized(path) {
		slog.Debug("watcher skipped non-code file", "path", path)
		return
	}
	if w.matcher.Ignored(path, false) {
		return
	}
	relPath, ok := w.relativeTo(path)
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.reindex(relPath)
	})
}

// handleRemove drops the path's chunks right away. Deletions are not
// debounced and not filtered by extension: whatever an earlier
// configuration indexed must go. Pending work for the path, or for its
// descendants when a directory vanished, is cancelled.
func (w *Watcher) handleRemove(path string) {
	relPath, ok := w.relativeTo(path)
	if !ok {
		return
	}

	w.mu.Lock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
		delete(w.pending, path)
	}
	prefix := path + string(filepath.Separator)
	for p, timer := range w.pending {
		if strings.HasPrefix(p, prefix) {
			timer.Stop()
			delete(w.pending, p)
		}
	}
	w.mu.Unlock()

	if err := w.store.DeleteByFile(context.Background(), relPath); err != nil {
		slog.Warn("failed to remove deleted file from index", "file", relPath, "error", err)
		return
	}
	slog.Info("file removed from index", "file", relPath)
}

func (w *Watcher) reindex(relPath string) {
	slog.Info("incremental index triggered", "file", relPath)
	if _, _, err := w.indexer.IndexFile(context.Background(), relPath); err != nil {
		slog.Error("incremental index failed", "file", relPath, "error", err)
	}
}

// watchTree adds dir and every non-ignored subdirectory to the observer.
func (w *Watcher) watchTree(fsw *fsnotify.Watcher, dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.matcher.Ignored(path, true) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			slog.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
	if err != nil {
		slog.Warn("failed to walk directory tree", "dir", dir, "error", err)
	}
}

func (w *Watcher) relativeTo(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
