package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/jobs"
)

type fakeLog struct {
	pending map[uuid.UUID]bool
}

func (f *fakeLog) HasPending(jobUUID, scheduleUUID uuid.UUID) bool {
	return f.pending[scheduleUUID]
}

func TestDueAtExactMinute(t *testing.T) {
	s := jobs.NewSchedule(db.ArchiveTypeNormal)
	s.Hour, s.Minute = 2, 30

	now := time.Date(2026, 8, 24, 2, 30, 0, 0, time.UTC)
	lastCheck := now.Add(-time.Hour)

	at, ok := DueAt(s, uuid.New(), now, lastCheck, nil)
	require.True(t, ok)
	assert.Equal(t, now, at)
}

func TestDueAtMissedRunFiresInPast(t *testing.T) {
	// Server was down over the 02:30 slot; at 09:00 the walk still finds it.
	s := jobs.NewSchedule(db.ArchiveTypeNormal)
	s.Hour, s.Minute = 2, 30

	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	lastCheck := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	at, ok := DueAt(s, uuid.New(), now, lastCheck, nil)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 24, 2, 30, 0, 0, time.UTC), at)
}

func TestDueAtRespectsLastExecuted(t *testing.T) {
	s := jobs.NewSchedule(db.ArchiveTypeNormal)
	s.Hour, s.Minute = 2, 30
	s.LastExecuted = time.Date(2026, 8, 24, 2, 30, 0, 0, time.UTC)

	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	lastCheck := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	_, ok := DueAt(s, uuid.New(), now, lastCheck, nil)
	assert.False(t, ok, "already executed this slot")

	// The next day's slot fires again.
	now = time.Date(2026, 8, 25, 2, 30, 0, 0, time.UTC)
	at, ok := DueAt(s, uuid.New(), now, now.Add(-time.Hour), nil)
	require.True(t, ok)
	assert.Equal(t, now, at)
}

func TestDueAtMostRecentCandidateWins(t *testing.T) {
	// Hourly schedule, several missed slots: the most recent one is chosen.
	s := jobs.NewSchedule(db.ArchiveTypeNormal)
	s.Minute = 0

	now := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	at, ok := DueAt(s, uuid.New(), now, now.Add(-6*time.Hour), nil)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), at)
}

func TestDueAtDisabled(t *testing.T) {
	s := jobs.NewSchedule(db.ArchiveTypeNormal)
	s.Enabled = false
	_, ok := DueAt(s, uuid.New(), time.Now(), time.Now().Add(-time.Hour), nil)
	assert.False(t, ok)
}

func TestDueAtContinuousInterval(t *testing.T) {
	s := jobs.NewSchedule(db.ArchiveTypeContinuous)
	s.Interval = 30
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.LastExecuted = now.Add(-20 * time.Minute)
	jobID := uuid.New()
	log := &fakeLog{pending: map[uuid.UUID]bool{s.UUID: true}}

	// Inside the interval: nothing fires even with pending changes.
	_, ok := DueAt(s, jobID, now, now.Add(-time.Hour), log)
	assert.False(t, ok)

	// Interval elapsed and changes pending: fires.
	s.LastExecuted = now.Add(-31 * time.Minute)
	at, ok := DueAt(s, jobID, now, now.Add(-time.Hour), log)
	require.True(t, ok)
	assert.Equal(t, now, at)

	// Interval elapsed but no pending changes: nothing fires.
	log.pending[s.UUID] = false
	_, ok = DueAt(s, jobID, now, now.Add(-time.Hour), log)
	assert.False(t, ok)

	// No change log at all (index unavailable): nothing fires.
	_, ok = DueAt(s, jobID, now, now.Add(-time.Hour), nil)
	assert.False(t, ok)
}

func TestNextDueLookahead(t *testing.T) {
	s := jobs.NewSchedule(db.ArchiveTypeNormal)
	s.Hour, s.Minute = 2, 30

	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	at, ok := NextDue(s, now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 25, 2, 30, 0, 0, time.UTC), at)

	// Specific date beyond the 7-day window: not found.
	s2 := jobs.NewSchedule(db.ArchiveTypeNormal)
	s2.Year, s2.Month, s2.Day = 2026, 12, 31
	s2.Hour, s2.Minute = 0, 0
	_, ok = NextDue(s2, now)
	assert.False(t, ok)

	// Continuous schedules have no informative next-due.
	s3 := jobs.NewSchedule(db.ArchiveTypeContinuous)
	_, ok = NextDue(s3, now)
	assert.False(t, ok)
}

func TestNextDueForJobPicksEarliest(t *testing.T) {
	j := jobs.NewJob("j")
	late := jobs.NewSchedule(db.ArchiveTypeFull)
	late.Hour, late.Minute = 22, 0
	early := jobs.NewSchedule(db.ArchiveTypeIncremental)
	early.Hour, early.Minute = 12, 0
	j.AddSchedule(late)
	j.AddSchedule(early)

	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	s, at, ok := NextDueForJob(j, now)
	require.True(t, ok)
	assert.Equal(t, early.UUID, s.UUID)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), at)
}

func TestTickTriggersWaitingJob(t *testing.T) {
	now := time.Date(2026, 8, 24, 2, 30, 0, 0, time.UTC)

	list := jobs.NewList()
	j := jobs.NewJob("nightly")
	sched := jobs.NewSchedule(db.ArchiveTypeIncremental)
	sched.Hour, sched.Minute = 2, 30
	sched.CustomText = "night"
	j.AddSchedule(sched)
	j.SetLastScheduleCheck(now.Add(-time.Hour))
	require.NoError(t, list.Lock(0))
	require.NoError(t, list.Add(j))
	list.Unlock()

	s := New(list, nil, nil, zap.NewNop())
	s.now = func() time.Time { return now }

	s.Tick()

	assert.Equal(t, jobs.StateWaiting, j.Running.State)
	info := j.TakeTrigger()
	require.NotNil(t, info)
	assert.Equal(t, db.ArchiveTypeIncremental, info.ArchiveType)
	assert.Equal(t, sched.UUID, info.ScheduleUUID)
	assert.Equal(t, "night", info.CustomText)
	assert.Equal(t, now, info.StartAt)
	assert.Equal(t, "scheduler", info.Actor)
	assert.Equal(t, now, j.LastScheduleCheck())
}

func TestTickSkipsActiveJob(t *testing.T) {
	now := time.Date(2026, 8, 24, 2, 30, 0, 0, time.UTC)

	list := jobs.NewList()
	j := jobs.NewJob("busy")
	sched := jobs.NewSchedule(db.ArchiveTypeNormal)
	j.AddSchedule(sched)
	j.SetLastScheduleCheck(now.Add(-time.Hour))
	j.Running.State = jobs.StateRunning
	require.NoError(t, list.Lock(0))
	require.NoError(t, list.Add(j))
	list.Unlock()

	s := New(list, nil, nil, zap.NewNop())
	s.now = func() time.Time { return now }
	s.Tick()

	assert.Equal(t, jobs.StateRunning, j.Running.State)
	assert.Nil(t, j.TakeTrigger())
}
