package indexer

import (
	"context"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/config"
	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/pause"
	"github.com/bard-backup/bard/internal/storage"
	"github.com/bard-backup/bard/internal/trigger"
)

// autoScanPeriod is the cadence of the auto scanner.
const autoScanPeriod = 10 * time.Minute

// autoScanMinAge protects archives still being written: files younger than
// this are skipped and picked up on a later pass.
const autoScanMinAge = 30 * time.Minute

// AutoScanner discovers archive files in the storage directories the jobs
// reference and queues them for index update. Archives the server created
// itself already have rows; the scanner is what finds archives copied in
// from elsewhere, or left behind by a reinstalled server.
type AutoScanner struct {
	list   *jobs.List
	idx    *index.Index
	cfg    *config.Store
	flags  *pause.Flags
	logger *zap.Logger
	now    func() time.Time

	quit *trigger.Quit
	wake *trigger.Trigger
	done chan struct{}
}

// NewAutoScanner creates the auto scanner.
func NewAutoScanner(list *jobs.List, idx *index.Index, cfg *config.Store, flags *pause.Flags, logger *zap.Logger) *AutoScanner {
	return &AutoScanner{
		list:   list,
		idx:    idx,
		cfg:    cfg,
		flags:  flags,
		logger: logger.Named("autoindex"),
		now:    time.Now,
		quit:   trigger.NewQuit(),
		wake:   trigger.New(),
		done:   make(chan struct{}),
	}
}

// Start launches the scan loop.
func (a *AutoScanner) Start() { go a.run() }

// Stop terminates the loop.
func (a *AutoScanner) Stop() {
	a.quit.Set()
	a.wake.Signal()
	<-a.done
}

// Wake forces an immediate scan.
func (a *AutoScanner) Wake() { a.wake.Signal() }

func (a *AutoScanner) run() {
	defer close(a.done)
	for !a.quit.IsSet() {
		if a.allowed() {
			a.Scan()
		}
		trigger.Delay(autoScanPeriod, a.quit, a.wake)
	}
}

func (a *AutoScanner) allowed() bool {
	if a.idx == nil || !a.idx.IsInitialized() {
		return false
	}
	if a.flags != nil && a.flags.IsPaused(pause.ModeIndexMaintenance) {
		return false
	}
	if a.cfg != nil {
		opts := a.cfg.Get()
		if !opts.IsMaintenanceTime(a.now()) {
			return false
		}
	}
	return true
}

// Scan walks every referenced storage directory once.
func (a *AutoScanner) Scan() {
	h, err := a.idx.Open()
	if err != nil {
		return
	}
	defer h.Close()

	now := a.now()
	for _, dir := range a.directories(now) {
		if a.quit.IsSet() {
			return
		}
		a.scanDirectory(h, dir, now)
	}
}

// directories collects the distinct storage directories referenced by any
// job's archive name or persistence move target, with name macros expanded.
func (a *AutoScanner) directories(now time.Time) []storage.Specifier {
	if err := a.list.RLock(0); err != nil {
		return nil
	}
	defer a.list.RUnlock()

	seen := map[string]bool{}
	var out []storage.Specifier
	add := func(name string, macros storage.MacroValues) {
		if name == "" {
			return
		}
		spec, err := storage.ParseSpecifier(storage.ExpandMacros(name, macros))
		if err != nil {
			return
		}
		dir := spec.Directory()
		key := dir.String()
		if !seen[key] {
			seen[key] = true
			out = append(out, dir)
		}
	}
	for _, j := range a.list.All() {
		macros := storage.MacroValues{JobName: j.Name, Time: now}
		add(j.ArchiveName, macros)
		for _, r := range j.Persistence.Rules {
			add(r.MoveTo, macros)
		}
	}
	return out
}

func (a *AutoScanner) scanDirectory(h *index.Handle, dir storage.Specifier, now time.Time) {
	ctx := context.Background()
	b, err := storage.Connect(dir, storage.Credentials{})
	if err != nil {
		return
	}
	defer b.Close()

	entries, err := b.List(ctx, dir.Path)
	if err != nil {
		a.logger.Debug("storage directory unreachable",
			zap.String("directory", dir.String()), zap.Error(err))
		return
	}
	for _, e := range entries {
		if !storage.IsArchiveName(e.Name) {
			continue
		}
		if now.Sub(e.ModTime) < autoScanMinAge {
			continue
		}
		spec := dir
		spec.Path = path.Join(dir.Path, e.Name)
		a.handleFile(h, spec.String(), e, now)
	}
}

func (a *AutoScanner) handleFile(h *index.Handle, name string, e storage.Entry, now time.Time) {
	s, err := h.StorageByName(name)
	if err == nil {
		if e.ModTime.After(s.LastChecked) && s.State == db.IndexStateOk {
			h.SetStorageState(s.ID, db.IndexStateUpdateRequested, "")
		} else {
			h.TouchStorage(s.ID, now)
		}
		return
	}

	if _, err := h.CreateStorage(&db.Storage{
		Name:      name,
		CreatedAt: e.ModTime,
		TotalSize: e.Size,
		State:     db.IndexStateUpdateRequested,
		Mode:      db.IndexModeAuto,
	}); err != nil {
		a.logger.Warn("auto storage insert failed", zap.String("storage", name), zap.Error(err))
		return
	}
	a.logger.Info("Discovered storage",
		zap.String("category", "INDEX"),
		zap.String("storage", name))
}
