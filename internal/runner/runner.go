// Package runner executes triggered jobs: one job at a time, continuous
// jobs first. A run is snapshot-then-release: every job field the run
// needs is copied under the list lock, the lock is dropped, and the core
// operation (archive create, restore, or remote create) proceeds without
// it. Progress flows back into the job's RunningInfo under short
// re-acquisitions.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/archive"
	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/metrics"
	"github.com/bard-backup/bard/internal/pause"
	"github.com/bard-backup/bard/internal/protocol"
	"github.com/bard-backup/bard/internal/scheduler"
	"github.com/bard-backup/bard/internal/slave"
	"github.com/bard-backup/bard/internal/storage"
	"github.com/bard-backup/bard/internal/trigger"
)

// idleSleep is the fallback wait when no job is runnable; the list trigger
// wakes the loop earlier.
const idleSleep = 30 * time.Second

// progressSampleInterval throttles RunningInfo updates from progress
// callbacks.
const progressSampleInterval = time.Second

// RemoteConn is the slice of the slave connector the runner drives.
type RemoteConn interface {
	Call(ctx context.Context, name string, args protocol.Args) (*protocol.Result, error)
	Execute(ctx context.Context, name string, args protocol.Args) (<-chan protocol.Result, error)
}

// SlavePool hands out connectors for remote jobs.
type SlavePool interface {
	ForJob(j *jobs.Job) (RemoteConn, func(), error)
}

// Pool adapts *slave.Registry to SlavePool.
type Pool struct {
	Registry *slave.Registry
}

// ForJob implements SlavePool.
func (p Pool) ForJob(j *jobs.Job) (RemoteConn, func(), error) {
	c, release, err := p.Registry.ForJob(j)
	if err != nil {
		return nil, nil, err
	}
	return c, release, nil
}

// Runner is the single job execution thread.
type Runner struct {
	list     *jobs.List
	manager  *jobs.Manager // nil in tests
	index    *index.Index  // nil disables history writes
	slaves   SlavePool     // nil when no remote jobs are expected
	creator  archive.Creator
	restorer archive.Restorer
	flags    *pause.Flags
	scripts  ScriptRunner
	logger   *zap.Logger
	hostname string
	now      func() time.Time

	quit *trigger.Quit
	done chan struct{}
}

// New creates a runner.
func New(list *jobs.List, manager *jobs.Manager, idx *index.Index, slaves SlavePool,
	creator archive.Creator, restorer archive.Restorer, flags *pause.Flags, logger *zap.Logger) *Runner {
	hostname, _ := os.Hostname()
	return &Runner{
		list:     list,
		manager:  manager,
		index:    idx,
		slaves:   slaves,
		creator:  creator,
		restorer: restorer,
		flags:    flags,
		logger:   logger.Named("runner"),
		hostname: hostname,
		now:      time.Now,
		quit:     trigger.NewQuit(),
		done:     make(chan struct{}),
	}
}

// Start launches the execution loop.
func (r *Runner) Start() {
	go r.run()
}

// Stop terminates the loop after the current run unwinds. Abort flags of
// active jobs should be set by the caller before stopping when a fast
// shutdown is wanted.
func (r *Runner) Stop() {
	r.quit.Set()
	<-r.done
}

func (r *Runner) run() {
	defer close(r.done)
	for !r.quit.IsSet() {
		snap := r.acquireNext()
		if snap == nil {
			trigger.Delay(idleSleep, r.quit, r.list.Changed())
			continue
		}
		r.execute(snap)
	}
}

// runSnapshot is everything a run needs, copied out of the job under the
// list lock.
type runSnapshot struct {
	job     *jobs.Job
	jobUUID uuid.UUID
	name    string

	trigger     jobs.TriggerInfo
	archiveName string

	includes        []jobs.IncludeEntry
	excludes        []string
	excludeCompress []string
	deltaSources    []string
	mounts          []jobs.Mount
	crypt           jobs.CryptSettings
	options         jobs.Options
	preScript       string
	postScript      string
	remote          bool
}

// acquireNext picks the next runnable job, marks it running, and snapshots
// its inputs. Returns nil when nothing is runnable.
func (r *Runner) acquireNext() *runSnapshot {
	if err := r.list.Lock(0); err != nil {
		return nil
	}
	defer r.list.Unlock()

	j := r.list.NextRunnable()
	if j == nil {
		return nil
	}
	t := j.TakeTrigger()
	if t == nil {
		j.Running.State = jobs.StateNone
		return nil
	}

	snap := &runSnapshot{
		job:         j,
		jobUUID:     j.UUID,
		name:        j.Name,
		trigger:     *t,
		archiveName: j.ArchiveName,
		includes:    append([]jobs.IncludeEntry(nil), j.Includes...),
		mounts:      append([]jobs.Mount(nil), j.Mounts...),
		crypt:       j.Crypt,
		options:     j.Options,
		preScript:   j.PreScript,
		postScript:  j.PostScript,
		remote:      j.IsRemote(),
	}
	for _, p := range j.Excludes {
		snap.excludes = append(snap.excludes, p.Pattern)
	}
	for _, p := range j.ExcludeCompress {
		snap.excludeCompress = append(snap.excludeCompress, p.Pattern)
	}
	for _, s := range j.DeltaSources {
		snap.deltaSources = append(snap.deltaSources, s.Storage)
	}

	j.Running.Reset()
	j.Running.State = jobs.StateRunning
	return snap
}

// execute performs one run end to end.
func (r *Runner) execute(snap *runSnapshot) {
	start := r.now()
	ctx := context.Background()
	t := snap.trigger

	// Index is best-effort: a missing index only disables history writes.
	var h *index.Handle
	if r.index != nil {
		if hh, err := r.index.Open(); err == nil {
			h = hh
			defer h.Close()
		} else if !errors.Is(err, index.ErrNotInitialized) {
			r.logger.Warn("index unavailable for run", zap.String("job", snap.name), zap.Error(err))
		}
	}

	var conn RemoteConn
	if snap.remote {
		if r.slaves == nil {
			r.finish(snap, h, start, uuid.Nil, protocol.Errorf(protocol.CodeSlaveDisconnected, "no slave pool"), nil)
			return
		}
		c, release, err := r.slaves.ForJob(snap.job)
		if err != nil {
			r.finish(snap, h, start, uuid.Nil, err, nil)
			return
		}
		defer release()
		conn = c
	}

	entityUUID := uuid.New()

	// Resolve the storage destination. Restores and no-storage runs have
	// none.
	var storageName string
	if t.Restore == nil && !t.NoStorage {
		storageName = storage.ExpandMacros(snap.archiveName, storage.MacroValues{
			JobName:     snap.name,
			ArchiveType: string(t.ArchiveType),
			Text:        t.CustomText,
			UUID:        entityUUID.String(),
			Time:        start,
		})
		if _, err := storage.ParseSpecifier(storageName); err != nil {
			r.finish(snap, h, start, uuid.Nil,
				protocol.Errorf(protocol.CodeInvalidValue, "invalid storage %s", snap.archiveName), nil)
			return
		}
	}

	macros := r.scriptMacros(snap, storageName, start)

	if res, err := r.scripts.Run(ctx, snap.preScript, macros); err != nil {
		r.logger.Error("pre-command failed",
			zap.String("job", snap.name), zap.String("output", res.Output), zap.Error(err))
		r.finish(snap, h, start, uuid.Nil,
			protocol.Errorf(protocol.CodeFail, "pre-command failed: %v", err), nil)
		return
	}

	cb := r.callbacks(snap)

	var result archive.CreateResult
	var runErr error
	switch {
	case t.Restore != nil:
		_, runErr = r.restorer.Restore(ctx, archive.RestoreRequest{
			StorageName:      t.Restore.StorageName,
			Names:            t.Restore.Names,
			DirectoryContent: t.Restore.DirectoryContent,
			Destination:      t.Restore.Destination,
			Overwrite:        t.Restore.Overwrite,
			Crypt:            snap.crypt,
		}, cb)
	case snap.remote:
		result, runErr = r.remoteCreate(ctx, conn, snap, entityUUID, storageName)
	default:
		result, runErr = r.creator.Create(ctx, archive.CreateRequest{
			EntityUUID:      entityUUID,
			JobUUID:         snap.jobUUID,
			ArchiveType:     t.ArchiveType,
			StorageName:     storageName,
			Includes:        snap.includes,
			Excludes:        snap.excludes,
			ExcludeCompress: snap.excludeCompress,
			DeltaSources:    snap.deltaSources,
			Crypt:           snap.crypt,
			Options:         snap.options,
			DryRun:          t.DryRun,
			NoStorage:       t.NoStorage,
			TestCreated:     t.TestCreated,
		}, cb)
	}

	// The post-command runs even after a failed core operation; its own
	// failure is recorded but never undoes work already done.
	if res, err := r.scripts.Run(ctx, snap.postScript, macros); err != nil {
		r.logger.Error("post-command failed",
			zap.String("job", snap.name), zap.String("output", res.Output), zap.Error(err))
		if runErr == nil {
			runErr = protocol.Errorf(protocol.CodeFail, "post-command failed: %v", err)
		}
	}

	if runErr == nil && t.Restore == nil && !t.DryRun && h != nil {
		if err := r.persistRun(h, snap, entityUUID, start, result); err != nil {
			r.logger.Error("index write failed", zap.String("job", snap.name), zap.Error(err))
		}
	}

	r.finish(snap, h, start, entityUUID, runErr, &result)
}

// persistRun writes the entity, storage rows, and continuous consumption
// of a successful create.
func (r *Runner) persistRun(h *index.Handle, snap *runSnapshot, entityUUID uuid.UUID,
	start time.Time, result archive.CreateResult) error {
	t := snap.trigger
	entityID, err := h.CreateEntity(&db.Entity{
		UUID:            entityUUID,
		JobUUID:         snap.jobUUID,
		ScheduleUUID:    t.ScheduleUUID,
		CreatedAt:       start.UTC(),
		Type:            t.ArchiveType,
		TotalEntryCount: result.TotalEntryCount,
		TotalEntrySize:  result.TotalEntrySize,
	})
	if err != nil {
		return err
	}
	for _, si := range result.Storages {
		if _, err := h.CreateStorage(&db.Storage{
			EntityID:  entityID,
			Name:      si.Name,
			CreatedAt: start.UTC(),
			TotalSize: si.Size,
			State:     db.IndexStateOk,
		}); err != nil {
			return err
		}
	}
	if t.ArchiveType == db.ArchiveTypeContinuous && t.ScheduleUUID != uuid.Nil {
		entries, err := h.ContinuousEntries(snap.jobUUID, t.ScheduleUUID)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(entries))
		for _, e := range entries {
			if e.CreatedAt.Before(start) {
				ids = append(ids, e.ID)
			}
		}
		return h.MarkContinuousStored(ids)
	}
	return nil
}

// finish writes the history row, updates the job state, and logs the
// outcome.
func (r *Runner) finish(snap *runSnapshot, h *index.Handle, start time.Time,
	entityUUID uuid.UUID, runErr error, result *archive.CreateResult) {
	t := snap.trigger
	duration := r.now().Sub(start)
	code, message := protocol.AsError(runErr)

	aborted := false
	var nextSch *jobs.Schedule
	var nextAt time.Time
	if err := r.list.Lock(0); err == nil {
		j := snap.job
		aborted = j.Running.RequestedAbortFlag
		actor := j.Running.RequestedAbortActor

		if aborted {
			j.Running.State = jobs.StateAborted
			code, message = protocol.CodeAborted, fmt.Sprintf("aborted by %s", actor)
		} else if runErr != nil {
			j.Running.State = jobs.StateError
		} else {
			j.Running.State = jobs.StateDone
		}
		j.Running.Message = jobs.Message{Code: int(code), Text: message}
		if result != nil && result.TotalEntrySize > 0 && !t.DryRun && result.StorageTotalSize > 0 {
			j.Running.CompressionRatio = 1 - float64(result.StorageTotalSize)/float64(result.TotalEntrySize)
		}
		j.LastRun = &jobs.LastRun{
			ExecutedAt:   start,
			Duration:     duration,
			Type:         t.ArchiveType,
			ErrorCode:    int(code),
			ErrorMessage: message,
		}
		if t.ScheduleUUID != uuid.Nil && !t.DryRun {
			if s := j.FindSchedule(t.ScheduleUUID); s != nil {
				s.LastExecuted = start
			}
		}
		if s, at, ok := scheduler.NextDueForJob(j, r.now()); ok {
			nextSch, nextAt = s, at
		}
		r.list.Unlock()
	}

	if h != nil && !t.DryRun {
		row := &db.HistoryRow{
			JobUUID:      snap.jobUUID,
			ScheduleUUID: t.ScheduleUUID,
			EntityUUID:   entityUUID,
			Hostname:     r.hostname,
			Type:         t.ArchiveType,
			CreatedAt:    start.UTC(),
			ErrorCode:    int(code),
			ErrorMessage: message,
			Duration:     int64(duration / time.Second),
		}
		if result != nil {
			row.TotalEntryCount = result.TotalEntryCount
			row.TotalEntrySize = result.TotalEntrySize
			row.SkippedEntryCount = result.SkippedEntryCount
			row.SkippedEntrySize = result.SkippedEntrySize
			row.ErrorEntryCount = result.ErrorEntryCount
			row.ErrorEntrySize = result.ErrorEntrySize
		}
		if err := h.AddHistory(row); err != nil {
			r.logger.Error("history write failed", zap.String("job", snap.name), zap.Error(err))
		}
	}

	outcome := "done"
	switch {
	case aborted:
		outcome = "aborted"
	case runErr != nil:
		outcome = "error"
	}
	metrics.JobRuns.WithLabelValues(outcome).Inc()
	metrics.JobRunSeconds.Observe(duration.Seconds())

	fields := []zap.Field{
		zap.String("job", snap.name),
		zap.String("type", string(t.ArchiveType)),
		zap.String("duration", formatDuration(duration)),
	}
	switch {
	case aborted:
		r.logger.Warn("Aborted by "+message, fields...)
	case runErr != nil:
		r.logger.Error("Done with error", append(fields, zap.String("error", message))...)
	default:
		r.logger.Info("Done", fields...)
	}
	if nextSch != nil {
		r.logger.Info("next scheduled run",
			zap.String("job", snap.name),
			zap.String("type", string(nextSch.Type)),
			zap.Time("at", nextAt))
	}

	// Persist schedule state unless this was a dry run.
	if r.manager != nil && !t.DryRun {
		if err := jobs.SaveJobState(snap.job); err != nil {
			r.logger.Warn("schedule state write failed", zap.String("job", snap.name), zap.Error(err))
		}
	}
}

// scriptMacros builds the pre/post script substitution map, including the
// next-scheduled-job macros resolved over the whole list.
func (r *Runner) scriptMacros(snap *runSnapshot, storageName string, start time.Time) map[string]string {
	t := snap.trigger
	spec, _ := storage.ParseSpecifier(storageName)
	macros := map[string]string{
		"name":      snap.name,
		"archive":   storageName,
		"type":      string(t.ArchiveType),
		"T":         start.Format("2006-01-02 15:04:05"),
		"directory": spec.Directory().Path,
		"file":      spec.Path,

		"nextJobName":          "",
		"nextJobUUID":          "",
		"nextScheduleUUID":     "",
		"nextSchedule":         "",
		"nextScheduleDateTime": "",
	}

	if err := r.list.RLock(0); err != nil {
		return macros
	}
	defer r.list.RUnlock()
	var (
		bestJob  *jobs.Job
		bestSch  *jobs.Schedule
		bestTime time.Time
	)
	for _, j := range r.list.All() {
		s, at, ok := scheduler.NextDueForJob(j, start)
		if !ok {
			continue
		}
		if bestJob == nil || at.Before(bestTime) {
			bestJob, bestSch, bestTime = j, s, at
		}
	}
	if bestJob != nil {
		macros["nextJobName"] = bestJob.Name
		macros["nextJobUUID"] = bestJob.UUID.String()
		macros["nextScheduleUUID"] = bestSch.UUID.String()
		macros["nextSchedule"] = string(bestSch.Type)
		macros["nextScheduleDateTime"] = bestTime.Format("2006-01-02 15:04:05")
	}
	return macros
}

// callbacks wires the engine callbacks into the job's RunningInfo, pause
// flags, volume sub-protocol, and abort flag.
func (r *Runner) callbacks(snap *runSnapshot) archive.Callbacks {
	var lastSample time.Time
	cb := archive.Callbacks{
		GetCryptPassword: func() (string, bool) {
			if snap.crypt.PasswordMode == "config" {
				return snap.crypt.Password, true
			}
			return "", false
		},
		Progress: func(p archive.Progress) {
			now := r.now()
			if now.Sub(lastSample) < progressSampleInterval {
				return
			}
			lastSample = now
			if err := r.list.Lock(0); err != nil {
				return
			}
			ri := &snap.job.Running
			ri.EntryName = p.EntryName
			ri.EntryDoneSize = p.EntryDoneSize
			ri.EntryTotalSize = p.EntryTotalSize
			ri.Total = jobs.Counters{
				DoneCount: p.DoneCount, DoneSize: p.DoneSize,
				TotalCount: p.TotalCount, TotalSize: p.TotalSize,
			}
			ri.Skipped.DoneCount = p.SkippedCount
			ri.Skipped.DoneSize = p.SkippedSize
			ri.ErrorEntries.DoneCount = p.ErrorCount
			ri.ErrorEntries.DoneSize = p.ErrorSize
			ri.StorageName = p.StorageName
			ri.StorageDoneSize = p.StorageDoneSize
			ri.StorageTotalSize = p.StorageTotalSize
			ri.Sample(now)
			r.list.Unlock()
		},
		RequestVolume: func(number int, message string) archive.VolumeResponse {
			return r.waitVolume(snap.job, number, message)
		},
		IsPauseCreate: func() bool {
			return r.flags != nil && r.flags.IsPaused(pause.ModeCreate)
		},
		IsPauseStorage: func() bool {
			return r.flags != nil && r.flags.IsPaused(pause.ModeStorage)
		},
		IsPauseRestore: func() bool {
			return r.flags != nil && r.flags.IsPaused(pause.ModeRestore)
		},
		IsAborted: func() bool {
			if r.quit.IsSet() {
				return true
			}
			if err := r.list.RLock(0); err != nil {
				return false
			}
			defer r.list.RUnlock()
			return snap.job.Running.RequestedAbortFlag
		},
		RestoreError: func(name string, err error) bool {
			r.logger.Error("restore entry failed",
				zap.String("job", snap.name), zap.String("entry", name), zap.Error(err))
			return snap.options.NoStopOnOwnerError
		},
	}
	return cb.Normalized()
}

// formatDuration renders hh:mm:ss.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
