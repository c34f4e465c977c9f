package pairing

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/trigger"
)

// filePollInterval is the fallback cadence when fsnotify cannot watch the
// pairing file's directory.
const filePollInterval = 15 * time.Second

// FileWatcher turns a dropped pairing file into pairing actions (slave
// mode): file content "clear" requests un-pairing, anything else opens an
// auto pairing window measured from the file's mtime. The file is consumed.
type FileWatcher struct {
	path   string
	coord  *Coordinator
	logger *zap.Logger

	quit *trigger.Quit
	poke *trigger.Trigger
	done chan struct{}
}

// NewFileWatcher creates a watcher for the given pairing file path.
func NewFileWatcher(path string, coord *Coordinator, logger *zap.Logger) *FileWatcher {
	return &FileWatcher{
		path:   path,
		coord:  coord,
		logger: logger,
		quit:   trigger.NewQuit(),
		poke:   trigger.New(),
		done:   make(chan struct{}),
	}
}

// Start checks for a pre-existing pairing file and launches the watch loop.
func (w *FileWatcher) Start() {
	w.check()

	var watcher *fsnotify.Watcher
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fsw.Add(filepath.Dir(w.path)); err == nil {
			watcher = fsw
		} else {
			fsw.Close()
		}
	}
	if watcher == nil {
		w.logger.Debug("pairing file watch unavailable, polling", zap.String("path", w.path))
	}

	go w.run(watcher)
}

// Stop terminates the watch loop.
func (w *FileWatcher) Stop() {
	w.quit.Set()
	w.poke.Signal()
	<-w.done
}

func (w *FileWatcher) run(watcher *fsnotify.Watcher) {
	defer close(w.done)
	if watcher != nil {
		defer watcher.Close()
		go func() {
			for {
				select {
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if ev.Name == w.path {
						w.poke.Signal()
					}
				case _, ok := <-watcher.Errors:
					if !ok {
						return
					}
				}
			}
		}()
	}

	for !w.quit.IsSet() {
		trigger.Delay(filePollInterval, w.quit, w.poke)
		if w.quit.IsSet() {
			return
		}
		w.check()
	}
}

// check consumes the pairing file if present.
func (w *FileWatcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("pairing file unreadable", zap.String("path", w.path), zap.Error(err))
		return
	}
	os.Remove(w.path)

	if strings.TrimSpace(string(raw)) == "clear" {
		w.logger.Info("pairing file requests un-pairing", zap.String("path", w.path))
		if err := w.coord.ClearPaired(); err != nil {
			w.logger.Error("un-pairing failed", zap.Error(err))
		}
		return
	}

	// The pairing window starts at the file's mtime, so a stale file left
	// behind while the server was down opens a correspondingly shorter
	// window.
	timeout := DefaultMasterTimeout - time.Since(info.ModTime())
	if timeout <= 0 {
		w.logger.Info("stale pairing file ignored", zap.String("path", w.path))
		return
	}
	w.logger.Info("pairing file requests pairing", zap.String("path", w.path))
	w.coord.Begin(ModeAuto, timeout)
}
