package pricing

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// StartWatching reloads the table whenever its file changes. The
// parent directory is watched rather than the file itself because
// editors and config mounts replace the file by rename. No-op when
// the table was never loaded from disk or a watch is already running.
func (t *Table) StartWatching(ctx context.Context) error {
	t.mu.RLock()
	path := t.path
	t.mu.RUnlock()
	if path == "" {
		return nil
	}

	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	if t.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}
	t.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	t.watchCancel = cancel

	t.watchWg.Add(1)
	go t.watchLoop(watchCtx, watcher, filepath.Base(path))

	t.logger.Info("watching pricing table", "path", path)
	return nil
}

// Close stops the watcher, if any, and waits for its loop to exit.
func (t *Table) Close() error {
	t.watchMu.Lock()
	if t.watchCancel != nil {
		t.watchCancel()
		t.watchCancel = nil
	}
	watcher := t.watcher
	t.watcher = nil
	t.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	t.watchWg.Wait()
	return nil
}

func (t *Table) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, base string) {
	defer t.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if err := t.Reload(); err != nil {
				t.logger.Warn("pricing table reload failed, keeping previous rates", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("pricing table watch error", "error", err)
		}
	}
}
