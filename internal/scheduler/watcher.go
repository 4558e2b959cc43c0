package scheduler

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
)

// Watcher polls cron.yaml's mtime and, when an fsnotify watch on its
// parent directory can be established, treats write/create/rename events
// there as a latency-shortening nudge to check mtime immediately rather
// than waiting for the next poll tick. Either path is debounced before
// triggering a reload.
type Watcher struct {
	path         string
	pollInterval time.Duration
	debounce     time.Duration
	onReload     func(path string) error
	logger       *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastMod time.Time
	timer   *time.Timer
}

// NewWatcher creates a Watcher for path. onReload is invoked (debounced)
// whenever path's mtime changes; it is expected to call Scheduler.Reload.
func NewWatcher(path string, pollInterval, debounce time.Duration, onReload func(path string) error, log *logger.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{
		path:         path,
		pollInterval: pollInterval,
		debounce:     debounce,
		onReload:     onReload,
		logger:       log.With(zap.String("component", "scheduler-watcher")),
	}
}

// Start launches the poll loop and, best-effort, an fsnotify watch on the
// config's directory. Call Stop to halt both.
func (w *Watcher) Start() {
	w.stopCh = make(chan struct{})
	if fi, err := os.Stat(w.path); err == nil {
		w.lastMod = fi.ModTime()
	}

	w.wg.Add(1)
	go w.pollLoop()

	if fsw, err := fsnotify.NewWatcher(); err == nil {
		dir := dirOf(w.path)
		if err := fsw.Add(dir); err == nil {
			w.wg.Add(1)
			go w.fsnotifyLoop(fsw)
		} else {
			w.logger.Debug("fsnotify watch unavailable, relying on mtime polling", zap.Error(err))
			_ = fsw.Close()
		}
	} else {
		w.logger.Debug("fsnotify watcher unavailable, relying on mtime polling", zap.Error(err))
	}
}

// Stop halts the watcher's background goroutines.
func (w *Watcher) Stop() {
	if w.stopCh != nil {
		close(w.stopCh)
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkMTime()
		}
	}
}

func (w *Watcher) fsnotifyLoop(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsw.Close()
	for {
		select {
		case <-w.stopCh:
			return
		case evt, ok := <-fsw.Events:
			if !ok {
				return
			}
			if evt.Name == w.path && evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.checkMTime()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("fsnotify error", zap.Error(err))
		}
	}
}

func (w *Watcher) checkMTime() {
	fi, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	if fi.ModTime().Equal(w.lastMod) {
		w.mu.Unlock()
		return
	}
	w.lastMod = fi.ModTime()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.trigger)
	w.mu.Unlock()
}

func (w *Watcher) trigger() {
	if err := w.onReload(w.path); err != nil {
		w.logger.Error("cron config reload failed", zap.Error(err))
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
