package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/RicAlvesO/ICARUS/internal/events"
)

// debounceDelay is how long bundle change events must settle before the
// file is re-read. Editors save in bursts of write and rename events.
const debounceDelay = 500 * time.Millisecond

// Watch hot-reloads the rule bundle whenever the file at path changes.
// The parent directory is watched because editors replace files by rename,
// which drops the watch on the file itself. A bundle that fails to parse
// is logged and the running table kept. Blocks until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create bundle watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	e.log.Info("watching rule bundle", "path", path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	reload := func() {
		if err := e.LoadFile(path); err != nil {
			e.log.Error("rule bundle reload failed", "path", path, "error", err)
			return
		}
		e.publish(events.EventRulesChanged, "", "rule bundle reloaded")
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.log.Error("bundle watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}
