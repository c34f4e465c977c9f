package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bard-backup/bard/internal/db"
)

func TestParseDate(t *testing.T) {
	year, month, day, err := ParseDate("2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, 2026, year)
	assert.Equal(t, 8, month)
	assert.Equal(t, 24, day)

	year, month, day, err = ParseDate("*-*-01")
	require.NoError(t, err)
	assert.Equal(t, Any, year)
	assert.Equal(t, Any, month)
	assert.Equal(t, 1, day)

	_, _, _, err = ParseDate("2026-13-01")
	assert.ErrorIs(t, err, ErrParseDate)
	_, _, _, err = ParseDate("2026-08")
	assert.ErrorIs(t, err, ErrParseDate)
	_, _, _, err = ParseDate("not-a-date-at-all")
	assert.ErrorIs(t, err, ErrParseDate)
}

func TestFormatDateRoundTrip(t *testing.T) {
	for _, s := range []string{"2026-08-24", "*-*-*", "*-12-31", "1999-01-*"} {
		year, month, day, err := ParseDate(s)
		require.NoError(t, err)
		assert.Equal(t, s, FormatDate(year, month, day))
	}
}

func TestParseTime(t *testing.T) {
	hour, minute, err := ParseTime("02:30")
	require.NoError(t, err)
	assert.Equal(t, 2, hour)
	assert.Equal(t, 30, minute)

	hour, minute, err = ParseTime("*:*")
	require.NoError(t, err)
	assert.Equal(t, Any, hour)
	assert.Equal(t, Any, minute)

	_, _, err = ParseTime("24:00")
	assert.ErrorIs(t, err, ErrParseTime)
	_, _, err = ParseTime("12")
	assert.ErrorIs(t, err, ErrParseTime)
}

func TestParseWeekDays(t *testing.T) {
	set, err := ParseWeekDays("*")
	require.NoError(t, err)
	assert.Equal(t, WeekDaysAny, set)

	set, err = ParseWeekDays("Mon,Wed,Fri")
	require.NoError(t, err)
	assert.True(t, set.Contains(time.Monday))
	assert.True(t, set.Contains(time.Wednesday))
	assert.True(t, set.Contains(time.Friday))
	assert.False(t, set.Contains(time.Sunday))
	assert.Equal(t, "Mon,Wed,Fri", FormatWeekDays(set))

	set, err = ParseWeekDays("sun")
	require.NoError(t, err)
	assert.True(t, set.Contains(time.Sunday))

	_, err = ParseWeekDays("Funday")
	assert.ErrorIs(t, err, ErrParseWeekDays)
}

func TestScheduleMatches(t *testing.T) {
	s := NewSchedule(db.ArchiveTypeNormal)
	s.Hour = 2
	s.Minute = 30

	// 2026-08-24 is a Monday.
	assert.True(t, s.Matches(time.Date(2026, 8, 24, 2, 30, 0, 0, time.UTC)))
	assert.False(t, s.Matches(time.Date(2026, 8, 24, 2, 31, 0, 0, time.UTC)))
	assert.False(t, s.Matches(time.Date(2026, 8, 24, 3, 30, 0, 0, time.UTC)))

	s.WeekDays, _ = ParseWeekDays("Tue")
	assert.False(t, s.Matches(time.Date(2026, 8, 24, 2, 30, 0, 0, time.UTC)))
	assert.True(t, s.Matches(time.Date(2026, 8, 25, 2, 30, 0, 0, time.UTC)))

	s.Day = 31
	assert.False(t, s.Matches(time.Date(2026, 8, 25, 2, 30, 0, 0, time.UTC)))
}

func TestScheduleMatchesContinuousIgnoresTime(t *testing.T) {
	s := NewSchedule(db.ArchiveTypeContinuous)
	s.Hour = 2
	s.Minute = 30
	s.Interval = 10

	// Continuous schedules match any minute of a matching day.
	assert.True(t, s.Matches(time.Date(2026, 8, 24, 17, 3, 0, 0, time.UTC)))
}
