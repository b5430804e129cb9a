package perception

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"imprint/internal/logging"
)

// skippedDirs are never watched. Hidden directories are skipped by name.
var skippedDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"vendor":       true,
	"dist":         true,
	"target":       true,
}

// excerptLimit caps how much of a changed file feeds the observation hash.
const excerptLimit = 2048

// WorkspaceWatcher follows file activity under a workspace root and turns
// settled edits into IDE observations. Every edit marks the file as viewed
// and interacted with in the attention tracker, so files the user keeps
// touching eventually pass the dwell threshold and yield context signals.
type WorkspaceWatcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	attention   *AttentionObserver
	sink        func(ExtractionResult)
	root        string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WorkspaceWatcherStats
}

// WorkspaceWatcherStats tracks watcher activity for debugging.
type WorkspaceWatcherStats struct {
	FilesCreated  int
	FilesModified int
	FilesDeleted  int
	Observations  int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
	LastEventType string
}

// NewWorkspaceWatcher creates a watcher over root. Settled observations are
// delivered to sink; a nil sink discards them.
func NewWorkspaceWatcher(root string, attention *AttentionObserver, sink func(ExtractionResult)) (*WorkspaceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if sink == nil {
		sink = func(ExtractionResult) {}
	}

	return &WorkspaceWatcher{
		watcher:     watcher,
		attention:   attention,
		sink:        sink,
		root:        root,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the workspace tree. Non-blocking; the event loop
// runs in a goroutine until Close or context cancellation.
func (ww *WorkspaceWatcher) Start(ctx context.Context) error {
	ww.mu.Lock()
	if ww.running {
		ww.mu.Unlock()
		return nil // Already running
	}
	ww.running = true
	ww.mu.Unlock()

	if err := ww.addTree(ww.root); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("WorkspaceWatcher: initial walk failed: %v (continuing anyway)", err)
	}

	go ww.run(ctx)
	return nil
}

// Close stops the watcher and waits for the event loop to exit.
func (ww *WorkspaceWatcher) Close() {
	ww.mu.Lock()
	if !ww.running {
		ww.mu.Unlock()
		return
	}
	ww.running = false
	ww.mu.Unlock()

	close(ww.stopCh)
	<-ww.doneCh

	if err := ww.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatcher).Error("WorkspaceWatcher: error closing watcher: %v", err)
	}
	logging.Watcher("WorkspaceWatcher: stopped")
}

// Stats returns a snapshot of watcher activity.
func (ww *WorkspaceWatcher) Stats() WorkspaceWatcherStats {
	ww.mu.RLock()
	defer ww.mu.RUnlock()
	return ww.stats
}

// addTree registers root and every non-skipped subdirectory with the watcher.
func (ww *WorkspaceWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (strings.HasPrefix(name, ".") || skippedDirs[name]) {
			return filepath.SkipDir
		}
		if err := ww.watcher.Add(path); err != nil {
			logging.Get(logging.CategoryWatcher).Warn("WorkspaceWatcher: cannot watch %s: %v", path, err)
		}
		return nil
	})
}

// run is the main event loop for the watcher.
func (ww *WorkspaceWatcher) run(ctx context.Context) {
	defer close(ww.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watcher("WorkspaceWatcher: context cancelled")
			return

		case <-ww.stopCh:
			logging.Watcher("WorkspaceWatcher: stop signal received")
			return

		case event, ok := <-ww.watcher.Events:
			if !ok {
				logging.Watcher("WorkspaceWatcher: event channel closed")
				return
			}
			ww.handleEvent(event)

		case err, ok := <-ww.watcher.Errors:
			if !ok {
				logging.Watcher("WorkspaceWatcher: error channel closed")
				return
			}
			logging.Get(logging.CategoryWatcher).Error("WorkspaceWatcher error: %v", err)
			ww.mu.Lock()
			ww.stats.Errors++
			ww.mu.Unlock()

		case <-debounceTicker.C:
			ww.processDebouncedEvents()
		}
	}
}

// handleEvent processes a single filesystem event.
func (ww *WorkspaceWatcher) handleEvent(event fsnotify.Event) {
	// New directories join the watch so the tree stays covered.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			name := filepath.Base(event.Name)
			if !strings.HasPrefix(name, ".") && !skippedDirs[name] {
				if err := ww.watcher.Add(event.Name); err != nil {
					logging.Get(logging.CategoryWatcher).Warn("WorkspaceWatcher: cannot watch new dir %s: %v", event.Name, err)
				}
			}
			return
		}
	}

	if _, ok := langByExt[strings.ToLower(filepath.Ext(event.Name))]; !ok {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Remove != 0:
		eventType = "delete"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return // Ignore chmod, etc.
	}

	logging.WatcherDebug("WorkspaceWatcher: %s event for %s", eventType, event.Name)

	ww.mu.Lock()
	ww.stats.LastEventTime = time.Now()
	ww.stats.LastEventPath = event.Name
	ww.stats.LastEventType = eventType

	switch eventType {
	case "create":
		ww.stats.FilesCreated++
	case "modify":
		ww.stats.FilesModified++
	case "delete", "rename":
		ww.stats.FilesDeleted++
	}
	ww.mu.Unlock()

	if eventType == "delete" || eventType == "rename" {
		ww.attention.FileClosed(event.Name)
		ww.mu.Lock()
		delete(ww.debounceMap, event.Name)
		ww.mu.Unlock()
		return
	}

	ww.mu.Lock()
	ww.debounceMap[event.Name] = time.Now()
	ww.mu.Unlock()
}

// processDebouncedEvents observes files whose edits have settled past the
// debounce window.
func (ww *WorkspaceWatcher) processDebouncedEvents() {
	ww.mu.Lock()
	now := time.Now()
	toProcess := make([]string, 0)

	for path, eventTime := range ww.debounceMap {
		if now.Sub(eventTime) >= ww.debounceDur {
			toProcess = append(toProcess, path)
			delete(ww.debounceMap, path)
		}
	}
	ww.mu.Unlock()

	for _, path := range toProcess {
		ww.observeFile(path)
	}
}

// observeFile runs one settled file through the attention-filtered observer.
// The file content stays transient; only derived signals reach the sink.
func (ww *WorkspaceWatcher) observeFile(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.WatcherDebug("WorkspaceWatcher: file gone before observation: %s", path)
			ww.attention.FileClosed(path)
			return
		}
		logging.Get(logging.CategoryWatcher).Error("WorkspaceWatcher: failed to read %s: %v", path, err)
		ww.mu.Lock()
		ww.stats.Errors++
		ww.mu.Unlock()
		return
	}

	excerpt := string(content)
	if len(excerpt) > excerptLimit {
		excerpt = excerpt[:excerptLimit]
	}

	// An edit counts as both viewing and interacting.
	result := ww.attention.ObserveIDE(path, excerpt, true)
	if len(result.Signals) == 0 {
		return
	}

	ww.mu.Lock()
	ww.stats.Observations++
	ww.mu.Unlock()

	logging.Watcher("WorkspaceWatcher: observed %s (%d signals)", path, len(result.Signals))
	ww.sink(result)
}
