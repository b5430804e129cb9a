package perception

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func newTestWatcher(t *testing.T, root string, sink func(ExtractionResult)) (*WorkspaceWatcher, *fakeClock) {
	t.Helper()
	attention := NewAttentionObserver(15 * time.Second)
	clock := newTrackedClock(attention.Dwell)

	ww, err := NewWorkspaceWatcher(root, attention, sink)
	if err != nil {
		t.Fatalf("NewWorkspaceWatcher: %v", err)
	}
	t.Cleanup(func() {
		ww.mu.Lock()
		running := ww.running
		ww.mu.Unlock()
		if running {
			ww.Close()
		} else {
			ww.watcher.Close()
		}
	})
	return ww, clock
}

func TestWorkspaceWatcherStartClose(t *testing.T) {
	dir := t.TempDir()
	ww, _ := newTestWatcher(t, dir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ww.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Second start is a no-op on a running watcher.
	if err := ww.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}

	ww.Close()
	// Close on a stopped watcher must not block or panic.
	ww.Close()
}

func TestWorkspaceWatcherHandleEvent(t *testing.T) {
	dir := t.TempDir()
	ww, _ := newTestWatcher(t, dir, nil)

	ww.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "main.go"), Op: fsnotify.Write})
	ww.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "app.py"), Op: fsnotify.Create})
	ww.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "README.md"), Op: fsnotify.Write})
	ww.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "main.go"), Op: fsnotify.Chmod})

	stats := ww.Stats()
	if stats.FilesModified != 1 || stats.FilesCreated != 1 {
		t.Errorf("stats = %+v, want 1 modified, 1 created", stats)
	}
	if stats.LastEventPath == "" || stats.LastEventType != "create" {
		t.Errorf("last event = %q %q", stats.LastEventPath, stats.LastEventType)
	}

	ww.mu.Lock()
	pending := len(ww.debounceMap)
	ww.mu.Unlock()
	if pending != 2 {
		t.Errorf("debounced files = %d, want 2 (markdown and chmod ignored)", pending)
	}
}

func TestWorkspaceWatcherRemoveClearsTracking(t *testing.T) {
	dir := t.TempDir()
	ww, _ := newTestWatcher(t, dir, nil)
	path := filepath.Join(dir, "gone.go")

	ww.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	ww.attention.Dwell.MarkViewed(path)

	ww.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Remove})

	ww.mu.Lock()
	_, pending := ww.debounceMap[path]
	ww.mu.Unlock()
	if pending {
		t.Error("removed file still pending debounce")
	}
	if ww.Stats().FilesDeleted != 1 {
		t.Errorf("stats = %+v, want 1 deleted", ww.Stats())
	}
}

func TestWorkspaceWatcherObserveFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc.go")
	if err := os.WriteFile(path, []byte("package svc\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var got []ExtractionResult
	ww, clock := newTestWatcher(t, dir, func(r ExtractionResult) { got = append(got, r) })

	// First settle starts the dwell clock; nothing is attended yet.
	ww.observeFile(path)
	if len(got) != 0 {
		t.Fatalf("sink called before attention threshold: %d", len(got))
	}

	clock.advance(16 * time.Second)
	ww.observeFile(path)
	if len(got) != 1 {
		t.Fatalf("sink calls = %d, want 1", len(got))
	}
	if len(got[0].Signals) != 1 || got[0].Signals[0].Content != "Working in Go" {
		t.Errorf("observation = %+v", got[0].PatternsMatched)
	}
	if ww.Stats().Observations != 1 {
		t.Errorf("stats = %+v, want 1 observation", ww.Stats())
	}
}

func TestWorkspaceWatcherObserveMissingFile(t *testing.T) {
	dir := t.TempDir()
	ww, _ := newTestWatcher(t, dir, func(ExtractionResult) { t.Error("sink called for missing file") })

	ww.observeFile(filepath.Join(dir, "absent.go"))
	if ww.Stats().Errors != 0 {
		t.Errorf("missing file counted as error: %+v", ww.Stats())
	}
}

func TestWorkspaceWatcherProcessDebounced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.rs")
	if err := os.WriteFile(path, []byte("fn main() {}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var got []ExtractionResult
	ww, clock := newTestWatcher(t, dir, func(r ExtractionResult) { got = append(got, r) })

	// Make the file already attended so the settled event observes it.
	ww.attention.Dwell.MarkViewed(path)
	ww.attention.Dwell.MarkInteraction(path)
	clock.advance(16 * time.Second)

	ww.mu.Lock()
	ww.debounceMap[path] = time.Now().Add(-time.Second) // settled well past the window
	ww.mu.Unlock()

	ww.processDebouncedEvents()

	if len(got) != 1 {
		t.Fatalf("sink calls = %d, want 1", len(got))
	}
	if got[0].Signals[0].Content != "Working in Rust" {
		t.Errorf("observation = %+v", got[0].PatternsMatched)
	}

	ww.mu.Lock()
	pending := len(ww.debounceMap)
	ww.mu.Unlock()
	if pending != 0 {
		t.Errorf("debounce map not drained: %d", pending)
	}
}

func TestWorkspaceWatcherFreshEventNotProcessed(t *testing.T) {
	dir := t.TempDir()
	ww, _ := newTestWatcher(t, dir, func(ExtractionResult) { t.Error("sink called before debounce settled") })

	ww.mu.Lock()
	ww.debounceMap[filepath.Join(dir, "hot.go")] = time.Now()
	ww.mu.Unlock()

	ww.processDebouncedEvents()

	ww.mu.Lock()
	pending := len(ww.debounceMap)
	ww.mu.Unlock()
	if pending != 1 {
		t.Errorf("fresh event dropped from debounce map: %d", pending)
	}
}
