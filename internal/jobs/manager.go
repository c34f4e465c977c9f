package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/trigger"
)

// rescanInterval is the fallback poll cadence; fsnotify events trigger an
// immediate rescan.
const rescanInterval = 60 * time.Second

// Manager keeps the job list in sync with the jobs directory: one config
// file per job, hidden files ignored. Edits made directly on disk are
// picked up; jobs modified in memory win over concurrent disk edits until
// flushed.
type Manager struct {
	dir    string
	list   *List
	logger *zap.Logger

	quit    *trigger.Quit
	rescan  *trigger.Trigger
	watcher *fsnotify.Watcher
	done    chan struct{}

	// loadedAt tracks the file modtime at the last successful load, keyed
	// by job name. Only the watch loop touches it.
	loadedAt map[string]time.Time
}

// NewManager creates a manager for the given jobs directory. The directory
// is created if missing.
func NewManager(dir string, list *List, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("jobs: create jobs directory: %w", err)
	}
	return &Manager{
		dir:    dir,
		list:   list,
		logger: logger,
		quit:     trigger.NewQuit(),
		rescan:   trigger.New(),
		done:     make(chan struct{}),
		loadedAt: make(map[string]time.Time),
	}, nil
}

// Start performs an initial scan and launches the watch loop.
func (m *Manager) Start() error {
	if err := m.Rescan(); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("job directory watch unavailable, falling back to polling", zap.Error(err))
	} else if err := w.Add(m.dir); err != nil {
		m.logger.Warn("job directory watch unavailable, falling back to polling",
			zap.String("dir", m.dir), zap.Error(err))
		w.Close()
	} else {
		m.watcher = w
	}

	go m.run()
	return nil
}

// Stop terminates the watch loop and flushes pending changes.
func (m *Manager) Stop() {
	m.quit.Set()
	m.rescan.Signal()
	<-m.done
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.FlushModified()
}

// TriggerRescan requests an immediate rescan.
func (m *Manager) TriggerRescan() {
	m.rescan.Signal()
}

func (m *Manager) run() {
	defer close(m.done)

	events := make(chan struct{}, 1)
	if m.watcher != nil {
		go func() {
			for {
				select {
				case ev, ok := <-m.watcher.Events:
					if !ok {
						return
					}
					if strings.HasPrefix(filepath.Base(ev.Name), ".") {
						continue
					}
					select {
					case events <- struct{}{}:
					default:
					}
				case err, ok := <-m.watcher.Errors:
					if !ok {
						return
					}
					m.logger.Warn("job directory watch error", zap.Error(err))
				}
			}
		}()
	}

	for !m.quit.IsSet() {
		select {
		case <-events:
			// Editors write config files in several steps; let the dust
			// settle before reading.
			time.Sleep(200 * time.Millisecond)
		default:
			trigger.Delay(rescanInterval, m.quit, m.rescan)
		}
		if m.quit.IsSet() {
			return
		}
		if err := m.Rescan(); err != nil {
			m.logger.Error("job rescan failed", zap.Error(err))
		}
		m.FlushModified()
	}
}

// Rescan reconciles the job list with the jobs directory: new files become
// jobs, changed files reload their job unless it is active or has unsaved
// in-memory changes, and jobs whose file vanished are dropped unless active.
func (m *Manager) Rescan() error {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("jobs: read jobs directory: %w", err)
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	onDisk := make(map[string]fileInfo)
	for _, e := range dirEntries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		onDisk[e.Name()] = fileInfo{
			path:    filepath.Join(m.dir, e.Name()),
			modTime: info.ModTime(),
		}
	}

	if err := m.list.Lock(0); err != nil {
		return err
	}
	defer m.list.Unlock()

	for _, j := range m.list.All() {
		fi, exists := onDisk[j.Name]
		if !exists {
			if j.IsActive() {
				continue
			}
			m.logger.Info("job file removed, dropping job", zap.String("job", j.Name))
			_ = m.list.Remove(j.UUID)
			delete(m.loadedAt, j.Name)
			continue
		}
		delete(onDisk, j.Name)

		if j.IsActive() || j.Modified() {
			continue
		}
		if loaded, ok := m.loadedAt[j.Name]; ok && !fi.modTime.After(loaded) {
			continue
		}
		reloaded, err := LoadJob(fi.path)
		if err != nil {
			m.logger.Warn("job file reload failed", zap.String("job", j.Name), zap.Error(err))
			continue
		}
		// Keep the in-memory identity and runtime state stable across
		// reloads.
		reloaded.UUID = j.UUID
		reloaded.Running = j.Running
		reloaded.SlaveState = j.SlaveState
		reloaded.lastScheduleCheck = j.lastScheduleCheck
		_ = m.list.Remove(j.UUID)
		if err := m.list.Add(reloaded); err != nil {
			m.logger.Warn("job reload conflict", zap.String("job", j.Name), zap.Error(err))
			continue
		}
		m.loadedAt[j.Name] = fi.modTime
	}

	for name, fi := range onDisk {
		j, err := LoadJob(fi.path)
		if err != nil {
			m.logger.Warn("job file load failed", zap.String("job", name), zap.Error(err))
			continue
		}
		if err := m.list.Add(j); err != nil {
			m.logger.Warn("duplicate job skipped", zap.String("job", name), zap.Error(err))
			continue
		}
		m.loadedAt[name] = fi.modTime
		m.logger.Info("job loaded", zap.String("job", j.Name), zap.String("uuid", j.UUID.String()))
	}
	return nil
}

// FlushModified saves all jobs with unsaved config changes plus their state
// files.
func (m *Manager) FlushModified() {
	if err := m.list.Lock(0); err != nil {
		m.logger.Warn("job flush skipped", zap.Error(err))
		return
	}
	defer m.list.Unlock()

	for _, j := range m.list.All() {
		if j.Modified() {
			if j.fileName == "" {
				j.SetFileName(filepath.Join(m.dir, j.Name))
			}
			if err := SaveJob(j); err != nil {
				m.logger.Error("job save failed", zap.String("job", j.Name), zap.Error(err))
				continue
			}
		}
		if err := SaveJobState(j); err != nil {
			m.logger.Error("job state save failed", zap.String("job", j.Name), zap.Error(err))
		}
	}
}

// NewJobFile creates a fresh job, binds it under the jobs directory, saves
// it, and adds it to the list. The caller must hold the write lock.
func (m *Manager) NewJobFile(name string) (*Job, error) {
	if _, err := m.list.ByName(name); err == nil {
		return nil, ErrAlreadyExists
	}
	j := NewJob(name)
	j.SetFileName(filepath.Join(m.dir, name))
	if err := SaveJob(j); err != nil {
		return nil, err
	}
	if err := m.list.Add(j); err != nil {
		os.Remove(j.fileName)
		return nil, err
	}
	return j, nil
}

// DeleteJobFile removes a non-active job and its files. The caller must
// hold the write lock.
func (m *Manager) DeleteJobFile(j *Job) error {
	if j.IsActive() {
		return ErrRunning
	}
	if err := m.list.Remove(j.UUID); err != nil {
		return err
	}
	if j.fileName != "" {
		if err := os.Remove(j.fileName); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("jobs: delete %s: %w", j.fileName, err)
		}
		os.Remove(stateFileName(j.fileName))
	}
	return nil
}

// RenameJobFile renames a non-active job and its files. The caller must
// hold the write lock.
func (m *Manager) RenameJobFile(j *Job, newName string) error {
	if j.IsActive() {
		return ErrRunning
	}
	if _, err := m.list.ByName(newName); err == nil {
		return ErrAlreadyExists
	}
	oldFile := j.fileName
	newFile := filepath.Join(m.dir, newName)
	if oldFile != "" {
		if err := os.Rename(oldFile, newFile); err != nil {
			return fmt.Errorf("jobs: rename %s: %w", j.Name, err)
		}
		os.Remove(stateFileName(oldFile))
	}
	j.Name = newName
	j.SetFileName(newFile)
	j.MarkModified()
	return nil
}
