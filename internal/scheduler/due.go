package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/jobs"
)

// lookaheadWindow bounds the forward next-due search.
const lookaheadWindow = 7 * 24 * time.Hour

// maxLookback bounds the backward walk for jobs without a recorded
// schedule check.
const maxLookback = 366 * 24 * time.Hour

// ContinuousLog reports pending change-log entries for a continuous
// schedule. Backed by the index's continuous-entry table.
type ContinuousLog interface {
	HasPending(jobUUID, scheduleUUID uuid.UUID) bool
}

// DueAt walks backwards from now, minute by minute, to the year of
// lastCheck and returns the most recent minute the schedule should have
// run. Returning a past time is intended: it means "run it now".
func DueAt(s *jobs.Schedule, jobUUID uuid.UUID, now, lastCheck time.Time, log ContinuousLog) (time.Time, bool) {
	if !s.Enabled {
		return time.Time{}, false
	}

	if lastCheck.IsZero() {
		lastCheck = now.Add(-maxLookback)
	}
	floor := time.Date(lastCheck.Year(), time.January, 1, 0, 0, 0, 0, now.Location())

	for t := now.Truncate(time.Minute); !t.Before(floor); t = t.Add(-time.Minute) {
		if !t.After(s.LastExecuted) {
			// Every earlier minute fails the same constraint.
			return time.Time{}, false
		}
		if !s.Matches(t) {
			continue
		}
		if s.Type == db.ArchiveTypeContinuous {
			if s.Interval > 0 && t.Before(s.LastExecuted.Add(time.Duration(s.Interval)*time.Minute)) {
				continue
			}
			if log == nil || !log.HasPending(jobUUID, s.UUID) {
				return time.Time{}, false
			}
		}
		return t, true
	}
	return time.Time{}, false
}

// NextDue walks forward from now for up to seven days and returns the next
// future minute the schedule matches. Continuous schedules are skipped;
// the result only informs users and script macros.
func NextDue(s *jobs.Schedule, now time.Time) (time.Time, bool) {
	if !s.Enabled || s.Type == db.ArchiveTypeContinuous {
		return time.Time{}, false
	}
	end := now.Add(lookaheadWindow)
	for t := now.Truncate(time.Minute).Add(time.Minute); t.Before(end); t = t.Add(time.Minute) {
		if s.Matches(t) && t.After(s.LastExecuted) {
			return t, true
		}
	}
	return time.Time{}, false
}

// NextDueForJob returns the earliest next due time over all schedules of a
// job, with the matching schedule.
func NextDueForJob(j *jobs.Job, now time.Time) (*jobs.Schedule, time.Time, bool) {
	var (
		best     *jobs.Schedule
		bestTime time.Time
	)
	for _, s := range j.Schedules {
		t, ok := NextDue(s, now)
		if !ok {
			continue
		}
		if best == nil || t.Before(bestTime) {
			best, bestTime = s, t
		}
	}
	return best, bestTime, best != nil
}
