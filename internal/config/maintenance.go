package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrParseMaintenance marks a malformed maintenance window definition.
var ErrParseMaintenance = errors.New("config: invalid maintenance window")

// anyValue marks a wildcard date component.
const anyValue = -1

// MaintenanceWindow describes a time range during which index maintenance
// is allowed. Two forms exist:
//
//	2026-*-* Mon,Tue 02:00-04:00      calendar window
//	cron:0-59 2-3 * * *               cron form, active during matching minutes
//
// The cron form uses the standard five-field syntax; the window is active
// for every minute the expression matches.
type MaintenanceWindow struct {
	ID int

	// Calendar form.
	Year, Month, Day int
	WeekDays         string // "*" or "Mon,Tue,..."
	BeginHour        int
	BeginMinute      int
	EndHour          int
	EndMinute        int

	// Cron form; when set the calendar fields are ignored.
	CronSpec string
	cronExpr cron.Schedule
}

// ParseMaintenance parses a maintenance window definition.
func ParseMaintenance(s string) (MaintenanceWindow, error) {
	s = strings.TrimSpace(s)

	if spec, ok := strings.CutPrefix(s, "cron:"); ok {
		expr, err := cron.ParseStandard(strings.TrimSpace(spec))
		if err != nil {
			return MaintenanceWindow{}, fmt.Errorf("%w: %q: %v", ErrParseMaintenance, s, err)
		}
		return MaintenanceWindow{CronSpec: strings.TrimSpace(spec), cronExpr: expr}, nil
	}

	fields := strings.Fields(s)
	if len(fields) != 3 {
		return MaintenanceWindow{}, fmt.Errorf("%w: %q", ErrParseMaintenance, s)
	}

	w := MaintenanceWindow{WeekDays: fields[1]}
	dateParts := strings.Split(fields[0], "-")
	if len(dateParts) != 3 {
		return MaintenanceWindow{}, fmt.Errorf("%w: %q", ErrParseMaintenance, s)
	}
	var err error
	if w.Year, err = parseDateComponent(dateParts[0], 1970, 9999); err != nil {
		return MaintenanceWindow{}, fmt.Errorf("%w: %q", ErrParseMaintenance, s)
	}
	if w.Month, err = parseDateComponent(dateParts[1], 1, 12); err != nil {
		return MaintenanceWindow{}, fmt.Errorf("%w: %q", ErrParseMaintenance, s)
	}
	if w.Day, err = parseDateComponent(dateParts[2], 1, 31); err != nil {
		return MaintenanceWindow{}, fmt.Errorf("%w: %q", ErrParseMaintenance, s)
	}
	if w.WeekDays != "*" {
		for _, name := range strings.Split(w.WeekDays, ",") {
			if weekDayBit(name) < 0 {
				return MaintenanceWindow{}, fmt.Errorf("%w: %q", ErrParseMaintenance, s)
			}
		}
	}

	begin, end, ok := strings.Cut(fields[2], "-")
	if !ok {
		return MaintenanceWindow{}, fmt.Errorf("%w: %q", ErrParseMaintenance, s)
	}
	if w.BeginHour, w.BeginMinute, err = parseClock(begin); err != nil {
		return MaintenanceWindow{}, fmt.Errorf("%w: %q", ErrParseMaintenance, s)
	}
	if w.EndHour, w.EndMinute, err = parseClock(end); err != nil {
		return MaintenanceWindow{}, fmt.Errorf("%w: %q", ErrParseMaintenance, s)
	}
	return w, nil
}

// String is the inverse of ParseMaintenance (without the id).
func (w MaintenanceWindow) String() string {
	if w.CronSpec != "" {
		return "cron:" + w.CronSpec
	}
	return fmt.Sprintf("%s-%s-%s %s %02d:%02d-%02d:%02d",
		formatDateComponent(w.Year, 4), formatDateComponent(w.Month, 2), formatDateComponent(w.Day, 2),
		w.WeekDays, w.BeginHour, w.BeginMinute, w.EndHour, w.EndMinute)
}

// Contains reports whether t falls inside the window.
func (w MaintenanceWindow) Contains(t time.Time) bool {
	if w.CronSpec != "" {
		expr := w.cronExpr
		if expr == nil {
			parsed, err := cron.ParseStandard(w.CronSpec)
			if err != nil {
				return false
			}
			expr = parsed
		}
		// Active during any minute the expression matches: the minute
		// matches when the next fire time after the previous minute is the
		// current minute.
		minute := t.Truncate(time.Minute)
		return expr.Next(minute.Add(-time.Second)).Equal(minute)
	}

	if w.Year != anyValue && w.Year != t.Year() {
		return false
	}
	if w.Month != anyValue && w.Month != int(t.Month()) {
		return false
	}
	if w.Day != anyValue && w.Day != t.Day() {
		return false
	}
	if w.WeekDays != "*" && !weekDaysContain(w.WeekDays, t.Weekday()) {
		return false
	}
	begin := w.BeginHour*60 + w.BeginMinute
	end := w.EndHour*60 + w.EndMinute
	minute := t.Hour()*60 + t.Minute()
	if begin <= end {
		return minute >= begin && minute < end
	}
	// Window crossing midnight.
	return minute >= begin || minute < end
}

// IsMaintenanceTime reports whether t falls inside any configured window.
// With no windows configured maintenance is always allowed.
func (o *Options) IsMaintenanceTime(t time.Time) bool {
	if len(o.Maintenance) == 0 {
		return true
	}
	for _, w := range o.Maintenance {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

var maintenanceWeekDays = []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

func weekDayBit(name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, wd := range maintenanceWeekDays {
		if name == strings.ToLower(wd) {
			return i
		}
	}
	return -1
}

func weekDaysContain(list string, d time.Weekday) bool {
	bit := (int(d) + 6) % 7
	for _, name := range strings.Split(list, ",") {
		if weekDayBit(name) == bit {
			return true
		}
	}
	return false
}

func parseDateComponent(s string, min, max int) (int, error) {
	if s == "*" {
		return anyValue, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < min || v > max {
		return 0, fmt.Errorf("component %q out of range", s)
	}
	return v, nil
}

func formatDateComponent(v, width int) string {
	if v == anyValue {
		return "*"
	}
	return fmt.Sprintf("%0*d", width, v)
}

func parseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	if hour, err = strconv.Atoi(h); err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	if minute, err = strconv.Atoi(m); err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	return hour, minute, nil
}
