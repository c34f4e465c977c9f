package jobs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bard-backup/bard/internal/db"
)

// Calendar parse errors. The dispatcher maps them to their wire codes.
var (
	ErrParseDate     = errors.New("jobs: invalid date")
	ErrParseTime     = errors.New("jobs: invalid time")
	ErrParseWeekDays = errors.New("jobs: invalid weekdays")
	ErrParseSchedule = errors.New("jobs: invalid schedule")
)

// Any marks a wildcard in a schedule date/time component.
const Any = -1

// WeekDaySet is a bitmask of weekdays, bit 0 = Monday .. bit 6 = Sunday.
type WeekDaySet uint8

// WeekDaysAny matches every weekday.
const WeekDaysAny WeekDaySet = 0x7f

var weekDayNames = []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// Contains reports whether the set includes the weekday of t.
func (w WeekDaySet) Contains(d time.Weekday) bool {
	// time.Weekday counts Sunday=0; the bitmask counts Monday=0.
	bit := (int(d) + 6) % 7
	return w&(1<<bit) != 0
}

// Schedule is one recurrence rule owned by a job.
type Schedule struct {
	UUID         uuid.UUID
	Year         int // Any or full year
	Month        int // Any or 1..12
	Day          int // Any or 1..31
	WeekDays     WeekDaySet
	Hour         int // Any or 0..23
	Minute       int // Any or 0..59
	Type         db.ArchiveType
	Interval     int // minutes, continuous only
	CustomText   string
	NoStorage    bool
	TestCreated  bool
	Enabled      bool
	LastExecuted time.Time
}

// NewSchedule creates an enabled schedule matching every minute.
func NewSchedule(archiveType db.ArchiveType) *Schedule {
	return &Schedule{
		UUID:     uuid.New(),
		Year:     Any,
		Month:    Any,
		Day:      Any,
		WeekDays: WeekDaysAny,
		Hour:     Any,
		Minute:   Any,
		Type:     archiveType,
		Enabled:  true,
	}
}

// Matches reports whether minute t satisfies the calendar rule. Continuous
// schedules ignore hour and minute; their interval and change-log
// constraints are checked by the scheduler, not here.
func (s *Schedule) Matches(t time.Time) bool {
	if s.Year != Any && s.Year != t.Year() {
		return false
	}
	if s.Month != Any && s.Month != int(t.Month()) {
		return false
	}
	if s.Day != Any && s.Day != t.Day() {
		return false
	}
	if !s.WeekDays.Contains(t.Weekday()) {
		return false
	}
	if s.Type != db.ArchiveTypeContinuous {
		if s.Hour != Any && s.Hour != t.Hour() {
			return false
		}
		if s.Minute != Any && s.Minute != t.Minute() {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Parsing & formatting
// ---------------------------------------------------------------------------

// ParseDate parses "<year|*>-<month|*>-<day|*>".
func ParseDate(s string) (year, month, day int, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrParseDate, s)
	}
	year, err = parseComponent(parts[0], 1970, 9999)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrParseDate, s)
	}
	month, err = parseComponent(parts[1], 1, 12)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrParseDate, s)
	}
	day, err = parseComponent(parts[2], 1, 31)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrParseDate, s)
	}
	return year, month, day, nil
}

// FormatDate is the inverse of ParseDate.
func FormatDate(year, month, day int) string {
	return fmt.Sprintf("%s-%s-%s",
		formatComponent(year, 4), formatComponent(month, 2), formatComponent(day, 2))
}

// ParseTime parses "<hour|*>:<minute|*>".
func ParseTime(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrParseTime, s)
	}
	hour, err = parseComponent(parts[0], 0, 23)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrParseTime, s)
	}
	minute, err = parseComponent(parts[1], 0, 59)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrParseTime, s)
	}
	return hour, minute, nil
}

// FormatTime is the inverse of ParseTime.
func FormatTime(hour, minute int) string {
	return fmt.Sprintf("%s:%s", formatComponent(hour, 2), formatComponent(minute, 2))
}

// ParseWeekDays parses "*" or a comma-separated weekday list ("Mon,Wed,Fri").
func ParseWeekDays(s string) (WeekDaySet, error) {
	if s == "*" {
		return WeekDaysAny, nil
	}
	var set WeekDaySet
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		found := false
		for i, wd := range weekDayNames {
			if name == strings.ToLower(wd) {
				set |= 1 << i
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: %q", ErrParseWeekDays, part)
		}
	}
	if set == 0 {
		return 0, fmt.Errorf("%w: %q", ErrParseWeekDays, s)
	}
	return set, nil
}

// FormatWeekDays is the inverse of ParseWeekDays.
func FormatWeekDays(set WeekDaySet) string {
	if set == WeekDaysAny {
		return "*"
	}
	var names []string
	for i, wd := range weekDayNames {
		if set&(1<<i) != 0 {
			names = append(names, wd)
		}
	}
	return strings.Join(names, ",")
}

func parseComponent(s string, min, max int) (int, error) {
	if s == "*" {
		return Any, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < min || v > max {
		return 0, fmt.Errorf("component %q out of range", s)
	}
	return v, nil
}

func formatComponent(v, width int) string {
	if v == Any {
		return "*"
	}
	return fmt.Sprintf("%0*d", width, v)
}
