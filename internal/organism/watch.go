package organism

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/haasonsaas/nexuskernel/internal/debounce"
)

// reloadDebounceMs is the coalescing window for fsnotify bursts. Editors
// commonly emit write+chmod+rename in quick succession for a single save;
// 250ms absorbs that without materially delaying a real edit (§4.6).
const reloadDebounceMs = 250

// fsEvent is the debounced unit; organism config changes are coalesced by
// path, so a burst of events against the same file collapses to one reload.
type fsEvent struct {
	path string
}

// OnChangeFunc is invoked after a debounced reload with the freshly parsed
// organism and prompt map, or with an error if the reload failed (the
// caller decides whether a parse failure should keep serving the last good
// config — ApplyConfig is not called automatically on error).
type OnChangeFunc func(org *Organism, prompts map[string]string, err error)

// Watcher watches an organism YAML file for changes and debounces reloads.
type Watcher struct {
	fsw       *fsnotify.Watcher
	debouncer *debounce.Debouncer[fsEvent]
	done      chan struct{}
}

// Watch begins watching path's containing directory (fsnotify tracks
// directories more reliably across editor rename-based saves than
// watching the file itself) and invokes onChange, debounced, whenever path
// is written.
func Watch(path string, onChange OnChangeFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("organism: new watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("organism: watch %s: %w", dir, err)
	}

	w := &Watcher{fsw: fsw, done: make(chan struct{})}
	w.debouncer = debounce.NewDebouncer[fsEvent](
		debounce.WithDebounceMs[fsEvent](reloadDebounceMs),
		debounce.WithBuildKey(func(e *fsEvent) string { return e.path }),
		debounce.WithOnFlush(func(events []*fsEvent) error {
			org, prompts, err := LoadYAML(path)
			onChange(org, prompts, err)
			return err
		}),
		debounce.WithOnError[fsEvent](func(err error, _ []*fsEvent) {
			slog.Warn("organism: reload failed", "path", path, "error", err)
		}),
	)

	go w.loop(path)
	return w, nil
}

func (w *Watcher) loop(path string) {
	target := filepath.Clean(path)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debouncer.Enqueue(&fsEvent{path: path})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("organism: watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher and releases its fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	w.debouncer.Stop()
	return w.fsw.Close()
}
