// SPDX-License-Identifier: AGPL-3.0-only
// Package fswatch watches a single job's output directory per spec.md §4.4.
// It generalizes the teacher's change_tracker.go/file_watcher.go — which
// watched one shared, always-on directory tree for whichever job happened to
// be "current" — into one fsnotify.Watcher scoped to a single job's
// directory, started when the job begins and torn down when it ends. The
// baseline-diff technique (snapshot what's already there, only report what's
// new) and the recursive-watch-on-mkdir handling are kept as-is; only the
// scope changed, from "one watcher for the whole server" to "one watcher per
// running job."
package fswatch

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces rapid write events on the same path (common with
// streamed downloads) before a single stat+callback is issued for it.
const debounce = 200 * time.Millisecond

// FileEvent describes one file discovered or updated under the watched root.
type FileEvent struct {
	RelPath string
	Size    int64
	ModTime time.Time
}

// Watcher watches one job's output directory for new and changed files.
type Watcher struct {
	jobID int64
	root  string

	fsw *fsnotify.Watcher

	onFile   func(FileEvent)
	onRemove func(relPath string)

	mu       sync.Mutex
	baseline map[string]struct{}
	timers   map[string]*time.Timer

	done chan struct{}
}

// Start begins watching root recursively for jobID. onFile is called
// whenever a new or modified file settles; each path's debounce timer calls
// it on its own goroutine, so calls for different paths may run
// concurrently. onRemove is called when a watched file disappears. Both may
// be nil.
func Start(jobID int64, root string, onFile func(FileEvent), onRemove func(relPath string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		jobID:    jobID,
		root:     root,
		fsw:      fsw,
		onFile:   onFile,
		onRemove: onRemove,
		baseline: snapshot(root),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}

	if err := addRecursiveWatch(fsw, root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// Stop tears down the watcher and performs one last reconciliation walk of
// root, reporting any file whose fsnotify event was dropped or coalesced
// away — e.g. a downloader that writes and closes a file faster than the
// watch on its parent directory was installed.
func (w *Watcher) Stop() {
	w.fsw.Close()
	<-w.done

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()

	w.reconcile()
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.handleCreateOrWrite(ev.Name)
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.handleRemove(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("fswatch job %d: %v", w.jobID, err)
		}
	}
}

func (w *Watcher) handleCreateOrWrite(path string) {
	info, err := os.Stat(path)
	if err != nil {
		// Common when a file is created and removed again before we get to
		// stat it; not fatal, just skip this event.
		return
	}

	if info.IsDir() {
		if err := addRecursiveWatch(w.fsw, path); err != nil {
			log.Printf("fswatch job %d: watching %s: %v", w.jobID, path, err)
		}
		return
	}

	if w.inBaseline(path) {
		return
	}

	w.debounced(path, func() {
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		w.emitFile(path, info)
	})
}

func (w *Watcher) handleRemove(path string) {
	w.mu.Lock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	if w.onRemove == nil {
		return
	}
	if rel := w.relPath(path); rel != "" {
		w.onRemove(rel)
	}
}

// debounced schedules fn to run after debounce has elapsed without another
// call for the same path, restarting the timer on each call.
func (w *Watcher) debounced(path string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(debounce)
		return
	}
	w.timers[path] = time.AfterFunc(debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		fn()
	})
}

func (w *Watcher) emitFile(path string, info os.FileInfo) {
	rel := w.relPath(path)
	if rel == "" || w.onFile == nil {
		return
	}
	w.onFile(FileEvent{RelPath: rel, Size: info.Size(), ModTime: info.ModTime()})
}

// reconcile walks root one final time and reports every file not already
// part of the baseline, closing any race between the last debounce timer
// and process exit.
func (w *Watcher) reconcile() {
	_ = filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Printf("fswatch job %d: reconcile: %v", w.jobID, err)
			return nil
		}
		if info.IsDir() || w.inBaseline(path) {
			return nil
		}
		w.emitFile(path, info)
		return nil
	})
}

func (w *Watcher) inBaseline(path string) bool {
	_, ok := w.baseline[path]
	return ok
}

// relPath converts an absolute path under root to a forward-slash relative
// path, per spec.md §4.4. Paths outside root are reported as "" and the
// caller should discard them rather than leak absolute filesystem layout.
func (w *Watcher) relPath(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

func addRecursiveWatch(fsw *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// A file vanishing mid-walk (race with the downloader) is not a
			// reason to abort watching the rest of the tree.
			return nil
		}
		if info.IsDir() {
			if err := fsw.Add(path); err != nil {
				log.Printf("fswatch: add watch %s: %v", path, err)
			}
		}
		return nil
	})
}

// snapshot captures the files already present under root before a job
// starts, so retried jobs reusing a directory don't re-report old output.
func snapshot(root string) map[string]struct{} {
	out := make(map[string]struct{})
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			out[path] = struct{}{}
		}
		return nil
	})
	return out
}
