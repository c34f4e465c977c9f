// Package scheduler evaluates all job schedules once per minute and
// triggers runs. The due-time computation walks backwards so runs missed
// while the server was down (or a schedule edit moved a due time into the
// past) still fire exactly once.
package scheduler

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/trigger"
)

// rereadInterval is how often the tick flushes modified jobs and rescans
// the jobs directory.
const rereadInterval = 10 * time.Minute

// Scheduler is the once-per-minute evaluation loop.
type Scheduler struct {
	list    *jobs.List
	manager *jobs.Manager
	log     ContinuousLog
	logger  *zap.Logger
	now     func() time.Time

	quit   *trigger.Quit
	wake   *trigger.Trigger
	done   chan struct{}
	reread time.Time
}

// New creates a scheduler. log may be nil when the index is unavailable;
// continuous schedules then never fire.
func New(list *jobs.List, manager *jobs.Manager, log ContinuousLog, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		list:    list,
		manager: manager,
		log:     log,
		logger:  logger,
		now:     time.Now,
		quit:    trigger.NewQuit(),
		wake:    trigger.New(),
		done:    make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop terminates the loop.
func (s *Scheduler) Stop() {
	s.quit.Set()
	s.wake.Signal()
	<-s.done
}

// Wake forces an immediate evaluation, e.g. after a schedule edit.
func (s *Scheduler) Wake() {
	s.wake.Signal()
}

func (s *Scheduler) run() {
	defer close(s.done)
	for !s.quit.IsSet() {
		s.Tick()
		if s.quit.IsSet() {
			return
		}
		// Sleep to the next minute boundary; schedule edits wake us early.
		now := s.now()
		trigger.Delay(now.Truncate(time.Minute).Add(time.Minute).Sub(now), s.quit, s.wake)
	}
}

// snapshotEntry carries one job's schedule data out of the lock.
type snapshotEntry struct {
	job       *jobs.Job
	jobUUID   uuid.UUID
	lastCheck time.Time
	schedules []jobs.Schedule
}

// Tick runs one evaluation pass. Exported for tests and for the
// scheduleTrigger command path.
func (s *Scheduler) Tick() {
	now := s.now().Truncate(time.Minute)

	if s.manager != nil && now.After(s.reread) {
		s.manager.FlushModified()
		if err := s.manager.Rescan(); err != nil {
			s.logger.Error("jobs rescan failed", zap.Error(err))
		}
		s.reread = now.Add(rereadInterval)
	}

	// Snapshot enabled schedules; evaluation happens without the lock.
	if err := s.list.RLock(0); err != nil {
		s.logger.Warn("scheduler tick skipped", zap.Error(err))
		return
	}
	var snapshot []snapshotEntry
	for _, j := range s.list.All() {
		entry := snapshotEntry{job: j, jobUUID: j.UUID, lastCheck: j.LastScheduleCheck()}
		for _, sched := range j.Schedules {
			if sched.Enabled {
				entry.schedules = append(entry.schedules, *sched)
			}
		}
		if len(entry.schedules) > 0 {
			snapshot = append(snapshot, entry)
		}
	}
	s.list.RUnlock()

	type due struct {
		entry    snapshotEntry
		schedule jobs.Schedule
		at       time.Time
	}
	var dues []due
	for _, entry := range snapshot {
		for i := range entry.schedules {
			sched := entry.schedules[i]
			at, ok := DueAt(&sched, entry.jobUUID, now, entry.lastCheck, s.log)
			if !ok {
				continue
			}
			dues = append(dues, due{entry: entry, schedule: sched, at: at})
			break
		}
	}
	if len(dues) == 0 {
		return
	}

	if err := s.list.Lock(0); err != nil {
		s.logger.Warn("scheduler trigger skipped", zap.Error(err))
		return
	}
	defer s.list.Unlock()
	for _, d := range dues {
		j := d.entry.job
		if _, err := s.list.ByUUID(d.entry.jobUUID); err != nil {
			continue // removed since the snapshot
		}
		if j.IsActive() {
			continue
		}
		j.TriggerRun(jobs.TriggerInfo{
			ArchiveType:  d.schedule.Type,
			ScheduleUUID: d.schedule.UUID,
			CustomText:   d.schedule.CustomText,
			TestCreated:  d.schedule.TestCreated,
			NoStorage:    d.schedule.NoStorage,
			StartAt:      d.at,
			Actor:        "scheduler",
		})
		j.SetLastScheduleCheck(now)
		s.logger.Info("job triggered",
			zap.String("job", j.Name),
			zap.String("type", string(d.schedule.Type)),
			zap.Time("dueAt", d.at))
	}
}
