// Package watch reports edits to remap profile files anywhere under a
// profiles directory, including subdirectories created while watching.
package watch

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alexisbeaulieu97/padmux/internal/logger"
)

// DefaultDebounce is how long a file must stay quiet before it is reported.
const DefaultDebounce = 250 * time.Millisecond

// Watcher monitors a profiles directory and calls OnChange once per burst
// of writes to a file.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	debounce  time.Duration
	onChange  func(path string)
	logger    *logger.Logger

	// pending: path -> time of last write
	pending   map[string]time.Time
	pendingMu sync.Mutex

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a watcher for dir. onChange runs on the watcher goroutine.
func New(dir string, debounce time.Duration, onChange func(path string), log *logger.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		dir:       dir,
		debounce:  debounce,
		onChange:  onChange,
		logger:    log.With("component", "watch"),
		pending:   make(map[string]time.Time),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching, creating the directory if needed.
func (w *Watcher) Start() error {
	absDir, err := filepath.Abs(w.dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return err
	}
	w.dir = absDir
	if err := w.addTree(absDir, false); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	w.logger.WithFields(map[string]any{"dir": absDir}).Debug("watching profiles")
	return nil
}

// Stop shuts the watcher down. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		err = w.fsWatcher.Close()
	})
	return err
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			// Editors often save by rename-over, which surfaces as Create.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if event.Op&fsnotify.Create != 0 {
					if err := w.addTree(event.Name, true); err != nil {
						w.logger.WithFields(map[string]any{"dir": event.Name}).Error(err, "cannot watch profile subdirectory")
					}
				}
				continue
			}

			w.touch(event.Name)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(err, "profile watcher error")
		}
	}
}

// addTree watches root and every directory below it. With markFiles set,
// files already present are reported, since their writes may have landed
// before the directory was watched.
func (w *Watcher) addTree(root string, markFiles bool) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsWatcher.Add(p)
		}
		if markFiles {
			w.touch(p)
		}
		return nil
	})
}

func (w *Watcher) touch(path string) {
	w.pendingMu.Lock()
	w.pending[path] = time.Now()
	w.pendingMu.Unlock()
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case now := <-ticker.C:
			for _, path := range w.stable(now) {
				w.logger.WithFields(map[string]any{"path": path}).Debug("profile changed")
				if w.onChange != nil {
					w.onChange(path)
				}
			}
		}
	}
}

// stable removes and returns files whose last write is older than the
// debounce window.
func (w *Watcher) stable(now time.Time) []string {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	return ready
}
