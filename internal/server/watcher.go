package server

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDelay = 500 * time.Millisecond

// Watcher reports changes to a fixed set of files. Parent directories are
// watched so editors that save through a rename are still seen. Bursts of
// events collapse into one notification.
type Watcher struct {
	fs      *fsnotify.Watcher
	files   map[string]map[string]bool // dir -> base names
	changes chan []string
	logger  *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending map[string]bool
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher starts watching paths.
func NewWatcher(paths []string, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	w := &Watcher{
		fs:      fsw,
		files:   map[string]map[string]bool{},
		changes: make(chan []string, 1),
		logger:  logger,
		pending: map[string]bool{},
		done:    make(chan struct{}),
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			w.logger.Warn("skipping reload path", zap.String("path", p), zap.Error(err))
			continue
		}
		dir, base := filepath.Split(abs)
		dir = filepath.Clean(dir)
		if w.files[dir] == nil {
			if err := fsw.Add(dir); err != nil {
				w.logger.Warn("cannot watch directory", zap.String("dir", dir), zap.Error(err))
				continue
			}
			w.files[dir] = map[string]bool{}
		}
		w.files[dir][base] = true
	}
	if len(w.files) == 0 {
		_ = fsw.Close()
		return nil, fmt.Errorf("no watchable reload paths in %v", paths)
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Changes delivers the changed files after each debounced burst.
func (w *Watcher) Changes() <-chan []string { return w.changes }

// Close stops the watcher. Pending notifications are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.schedule(event.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Chmod) {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	base := filepath.Base(name)
	if strings.HasSuffix(base, "~") {
		return false
	}
	return w.files[filepath.Dir(name)][base]
}

func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[name] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceDelay, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	changed := make([]string, 0, len(w.pending))
	for name := range w.pending {
		changed = append(changed, name)
	}
	w.pending = map[string]bool{}
	w.mu.Unlock()

	// A queued batch that has not been consumed yet is merged with this one
	// so no changed file is lost.
	for {
		select {
		case w.changes <- changed:
			return
		default:
		}
		select {
		case queued := <-w.changes:
			changed = mergeNames(queued, changed)
		default:
		}
	}
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, name := range append(append([]string(nil), a...), b...) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
