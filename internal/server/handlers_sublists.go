package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/protocol"
)

func (d *Dispatcher) registerSublistCommands() {
	d.register("includeList", maskAuthorized, d.cmdIncludeList)
	d.register("includeListClear", maskAuthorized, d.cmdIncludeListClear)
	d.register("includeListAdd", maskAuthorized, d.cmdIncludeListAdd)
	d.register("includeListUpdate", maskAuthorized, d.cmdIncludeListUpdate)
	d.register("includeListRemove", maskAuthorized, d.cmdIncludeListRemove)

	d.register("excludeList", maskAuthorized, d.cmdExcludeList)
	d.register("excludeListClear", maskAuthorized, d.cmdExcludeListClear)
	d.register("excludeListAdd", maskAuthorized, d.cmdExcludeListAdd)
	d.register("excludeListUpdate", maskAuthorized, d.cmdExcludeListUpdate)
	d.register("excludeListRemove", maskAuthorized, d.cmdExcludeListRemove)

	d.register("excludeCompressList", maskAuthorized, d.cmdExcludeCompressList)
	d.register("excludeCompressListClear", maskAuthorized, d.cmdExcludeCompressListClear)
	d.register("excludeCompressListAdd", maskAuthorized, d.cmdExcludeCompressListAdd)
	d.register("excludeCompressListUpdate", maskAuthorized, d.cmdExcludeCompressListUpdate)
	d.register("excludeCompressListRemove", maskAuthorized, d.cmdExcludeCompressListRemove)

	d.register("mountList", maskAuthorized, d.cmdMountList)
	d.register("mountListClear", maskAuthorized, d.cmdMountListClear)
	d.register("mountListAdd", maskAuthorized, d.cmdMountListAdd)
	d.register("mountListUpdate", maskAuthorized, d.cmdMountListUpdate)
	d.register("mountListRemove", maskAuthorized, d.cmdMountListRemove)

	d.register("sourceList", maskAuthorized, d.cmdSourceList)
	d.register("sourceListClear", maskAuthorized, d.cmdSourceListClear)
	d.register("sourceListAdd", maskAuthorized, d.cmdSourceListAdd)
	d.register("sourceListUpdate", maskAuthorized, d.cmdSourceListUpdate)
	d.register("sourceListRemove", maskAuthorized, d.cmdSourceListRemove)

	d.register("scheduleList", maskAuthorized, d.cmdScheduleList)
	d.register("scheduleListClear", maskAuthorized, d.cmdScheduleListClear)
	d.register("scheduleListAdd", maskAuthorized, d.cmdScheduleListAdd)
	d.register("scheduleListUpdate", maskAuthorized, d.cmdScheduleListUpdate)
	d.register("scheduleListRemove", maskAuthorized, d.cmdScheduleListRemove)
	d.register("scheduleOptionGet", maskAuthorized, d.cmdScheduleOptionGet)
	d.register("scheduleOptionSet", maskAuthorized, d.cmdScheduleOptionSet)
	d.register("scheduleTrigger", maskAuthorized, d.cmdScheduleTrigger)

	d.register("persistenceList", maskAuthorized, d.cmdPersistenceList)
	d.register("persistenceListClear", maskAuthorized, d.cmdPersistenceListClear)
	d.register("persistenceListAdd", maskAuthorized, d.cmdPersistenceListAdd)
	d.register("persistenceListUpdate", maskAuthorized, d.cmdPersistenceListUpdate)
	d.register("persistenceListRemove", maskAuthorized, d.cmdPersistenceListRemove)
}

// ---------------------------------------------------------------------------
// Includes / excludes / mounts / delta sources
// ---------------------------------------------------------------------------

func (d *Dispatcher) cmdIncludeList(c *Ctx) (*protocol.Result, error) {
	err := d.withJobRead(c, func(j *jobs.Job) error {
		for _, e := range j.Includes {
			c.Emit(c.Row().
				Put("id", e.ID).
				Put("entryType", string(e.Type)).
				Put("pattern", e.Pattern))
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdIncludeListClear(c *Ctx) (*protocol.Result, error) {
	err := d.withJob(c, func(j *jobs.Job) error {
		j.Includes = nil
		j.MarkModified()
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdIncludeListAdd(c *Ctx) (*protocol.Result, error) {
	pattern, err := c.Cmd.Args.String("pattern")
	if err != nil {
		return nil, err
	}
	entryType := jobs.EntryType(strings.ToUpper(c.Cmd.Args.StringDefault("entryType", "FILE")))
	switch entryType {
	case jobs.EntryTypeFile, jobs.EntryTypeImage:
	default:
		return nil, protocol.Errorf(protocol.CodeInvalidValue, "invalid entry type %q", entryType)
	}
	var res *protocol.Result
	err = d.withJob(c, func(j *jobs.Job) error {
		id := j.AddInclude(entryType, pattern)
		res = c.OK().Put("id", id)
		return nil
	})
	return res, err
}

func (d *Dispatcher) cmdIncludeListUpdate(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	pattern, err := c.Cmd.Args.String("pattern")
	if err != nil {
		return nil, err
	}
	entryType := jobs.EntryType(strings.ToUpper(c.Cmd.Args.StringDefault("entryType", "FILE")))
	switch entryType {
	case jobs.EntryTypeFile, jobs.EntryTypeImage:
	default:
		return nil, protocol.Errorf(protocol.CodeInvalidValue, "invalid entry type %q", entryType)
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.UpdateInclude(int(id), entryType, pattern) {
			return protocol.Errorf(protocol.CodePatternIdNotFound, "no include entry %d", id)
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdIncludeListRemove(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.RemoveInclude(int(id)) {
			return protocol.Errorf(protocol.CodePatternIdNotFound, "no include entry %d", id)
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdExcludeList(c *Ctx) (*protocol.Result, error) {
	err := d.withJobRead(c, func(j *jobs.Job) error {
		for _, e := range j.Excludes {
			c.Emit(c.Row().Put("id", e.ID).Put("pattern", e.Pattern))
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdExcludeListClear(c *Ctx) (*protocol.Result, error) {
	err := d.withJob(c, func(j *jobs.Job) error {
		j.Excludes = nil
		j.MarkModified()
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdExcludeListAdd(c *Ctx) (*protocol.Result, error) {
	pattern, err := c.Cmd.Args.String("pattern")
	if err != nil {
		return nil, err
	}
	var res *protocol.Result
	err = d.withJob(c, func(j *jobs.Job) error {
		res = c.OK().Put("id", j.AddExclude(pattern))
		return nil
	})
	return res, err
}

func (d *Dispatcher) cmdExcludeListUpdate(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	pattern, err := c.Cmd.Args.String("pattern")
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.UpdateExclude(int(id), pattern) {
			return protocol.Errorf(protocol.CodePatternIdNotFound, "no exclude entry %d", id)
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdExcludeListRemove(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.RemoveExclude(int(id)) {
			return protocol.Errorf(protocol.CodePatternIdNotFound, "no exclude entry %d", id)
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdExcludeCompressList(c *Ctx) (*protocol.Result, error) {
	err := d.withJobRead(c, func(j *jobs.Job) error {
		for _, e := range j.ExcludeCompress {
			c.Emit(c.Row().Put("id", e.ID).Put("pattern", e.Pattern))
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdExcludeCompressListClear(c *Ctx) (*protocol.Result, error) {
	err := d.withJob(c, func(j *jobs.Job) error {
		j.ExcludeCompress = nil
		j.MarkModified()
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdExcludeCompressListAdd(c *Ctx) (*protocol.Result, error) {
	pattern, err := c.Cmd.Args.String("pattern")
	if err != nil {
		return nil, err
	}
	var res *protocol.Result
	err = d.withJob(c, func(j *jobs.Job) error {
		res = c.OK().Put("id", j.AddExcludeCompress(pattern))
		return nil
	})
	return res, err
}

func (d *Dispatcher) cmdExcludeCompressListUpdate(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	pattern, err := c.Cmd.Args.String("pattern")
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.UpdateExcludeCompress(int(id), pattern) {
			return protocol.Errorf(protocol.CodePatternIdNotFound, "no exclude-compress entry %d", id)
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdExcludeCompressListRemove(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.RemoveExcludeCompress(int(id)) {
			return protocol.Errorf(protocol.CodePatternIdNotFound, "no exclude-compress entry %d", id)
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdMountList(c *Ctx) (*protocol.Result, error) {
	err := d.withJobRead(c, func(j *jobs.Job) error {
		for _, m := range j.Mounts {
			c.Emit(c.Row().
				Put("id", m.ID).
				Put("name", m.Name).
				Put("device", m.Device))
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdMountListClear(c *Ctx) (*protocol.Result, error) {
	err := d.withJob(c, func(j *jobs.Job) error {
		j.Mounts = nil
		j.MarkModified()
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdMountListAdd(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	device := c.Cmd.Args.StringDefault("device", "")
	var res *protocol.Result
	err = d.withJob(c, func(j *jobs.Job) error {
		res = c.OK().Put("id", j.AddMount(name, device))
		return nil
	})
	return res, err
}

func (d *Dispatcher) cmdMountListUpdate(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	device := c.Cmd.Args.StringDefault("device", "")
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.UpdateMount(int(id), name, device) {
			return protocol.Errorf(protocol.CodeMountIdNotFound, "no mount entry %d", id)
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdMountListRemove(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.RemoveMount(int(id)) {
			return protocol.Errorf(protocol.CodeMountIdNotFound, "no mount entry %d", id)
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdSourceList(c *Ctx) (*protocol.Result, error) {
	err := d.withJobRead(c, func(j *jobs.Job) error {
		for _, s := range j.DeltaSources {
			c.Emit(c.Row().Put("id", s.ID).Put("name", s.Storage))
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdSourceListClear(c *Ctx) (*protocol.Result, error) {
	err := d.withJob(c, func(j *jobs.Job) error {
		j.DeltaSources = nil
		j.MarkModified()
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdSourceListAdd(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	var res *protocol.Result
	err = d.withJob(c, func(j *jobs.Job) error {
		res = c.OK().Put("id", j.AddDeltaSource(name))
		return nil
	})
	return res, err
}

func (d *Dispatcher) cmdSourceListUpdate(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.UpdateDeltaSource(int(id), name) {
			return protocol.Errorf(protocol.CodeDeltaSourceIdNotFound, "no delta source %d", id)
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdSourceListRemove(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.RemoveDeltaSource(int(id)) {
			return protocol.Errorf(protocol.CodeDeltaSourceIdNotFound, "no delta source %d", id)
		}
		return nil
	})
	return nil, err
}

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

func (d *Dispatcher) cmdScheduleList(c *Ctx) (*protocol.Result, error) {
	err := d.withJobRead(c, func(j *jobs.Job) error {
		for _, s := range j.Schedules {
			row := c.Row().
				Put("scheduleUUID", s.UUID.String()).
				Put("date", jobs.FormatDate(s.Year, s.Month, s.Day)).
				Put("weekDays", jobs.FormatWeekDays(s.WeekDays)).
				Put("time", jobs.FormatTime(s.Hour, s.Minute)).
				Put("archiveType", string(s.Type)).
				Put("interval", s.Interval).
				Put("customText", s.CustomText).
				Put("noStorage", s.NoStorage).
				Put("testCreatedArchives", s.TestCreated).
				Put("enabled", s.Enabled)
			if !s.LastExecuted.IsZero() {
				row.Put("lastExecutedDateTime", s.LastExecuted.Unix())
			}
			if c.H != nil {
				if agg, err := c.H.ScheduleAggregate(j.UUID, s.UUID); err == nil {
					row.Put("totalEntities", agg.TotalEntityCount).
						Put("totalEntryCount", agg.TotalEntryCount).
						Put("totalEntrySize", agg.TotalEntrySize)
				}
			}
			c.Emit(row)
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdScheduleListClear(c *Ctx) (*protocol.Result, error) {
	err := d.withJob(c, func(j *jobs.Job) error {
		j.Schedules = nil
		j.MarkModified()
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdScheduleListAdd(c *Ctx) (*protocol.Result, error) {
	archiveType, ok := db.ParseArchiveType(c.Cmd.Args.StringDefault("archiveType", "NORMAL"))
	if !ok || archiveType == db.ArchiveTypeNone {
		return nil, protocol.Errorf(protocol.CodeInvalidValue, "invalid archive type")
	}
	s := jobs.NewSchedule(archiveType)
	if err := applyScheduleArgs(s, c.Cmd.Args); err != nil {
		return nil, err
	}
	var res *protocol.Result
	err := d.withJob(c, func(j *jobs.Job) error {
		j.AddSchedule(s)
		res = c.OK().Put("scheduleUUID", s.UUID.String())
		return nil
	})
	return res, err
}

// applyScheduleArgs folds the optional calendar arguments into a schedule.
func applyScheduleArgs(s *jobs.Schedule, args protocol.Args) error {
	if v, ok := args["date"]; ok {
		year, month, day, err := jobs.ParseDate(v)
		if err != nil {
			return protocol.Errorf(protocol.CodeInvalidValue, "%v", err)
		}
		s.Year, s.Month, s.Day = year, month, day
	}
	if v, ok := args["weekDays"]; ok {
		set, err := jobs.ParseWeekDays(v)
		if err != nil {
			return protocol.Errorf(protocol.CodeInvalidValue, "%v", err)
		}
		s.WeekDays = set
	}
	if v, ok := args["time"]; ok {
		hour, minute, err := jobs.ParseTime(v)
		if err != nil {
			return protocol.Errorf(protocol.CodeInvalidValue, "%v", err)
		}
		s.Hour, s.Minute = hour, minute
	}
	if v, ok := args["interval"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return protocol.Errorf(protocol.CodeInvalidValue, "invalid interval %q", v)
		}
		s.Interval = n
	}
	if v, ok := args["customText"]; ok {
		s.CustomText = v
	}
	var err error
	if s.NoStorage, err = args.BoolDefault("noStorage", s.NoStorage); err != nil {
		return err
	}
	if s.TestCreated, err = args.BoolDefault("testCreatedArchives", s.TestCreated); err != nil {
		return err
	}
	if s.Enabled, err = args.BoolDefault("enabled", s.Enabled); err != nil {
		return err
	}
	return nil
}

// cmdScheduleListUpdate folds the given calendar arguments into an existing
// schedule; absent arguments keep their current value.
func (d *Dispatcher) cmdScheduleListUpdate(c *Ctx) (*protocol.Result, error) {
	err := d.withSchedule(c, true, func(j *jobs.Job, s *jobs.Schedule) error {
		if v, ok := c.Cmd.Args["archiveType"]; ok {
			t, ok := db.ParseArchiveType(v)
			if !ok || t == db.ArchiveTypeNone {
				return protocol.Errorf(protocol.CodeInvalidValue, "invalid archive type %q", v)
			}
			s.Type = t
		}
		if err := applyScheduleArgs(s, c.Cmd.Args); err != nil {
			return err
		}
		j.MarkModified()
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdScheduleListRemove(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.UUID("scheduleUUID")
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.RemoveSchedule(id) {
			return protocol.Errorf(protocol.CodeScheduleNotFound, "no schedule %s", id)
		}
		return nil
	})
	return nil, err
}

// scheduleOption names addressable via scheduleOptionGet/Set.
func scheduleOptionGet(s *jobs.Schedule, name string) (string, error) {
	switch name {
	case "date":
		return jobs.FormatDate(s.Year, s.Month, s.Day), nil
	case "weekdays":
		return jobs.FormatWeekDays(s.WeekDays), nil
	case "time":
		return jobs.FormatTime(s.Hour, s.Minute), nil
	case "archive-type":
		return string(s.Type), nil
	case "interval":
		return strconv.Itoa(s.Interval), nil
	case "custom-text":
		return s.CustomText, nil
	case "no-storage":
		return boolWord(s.NoStorage), nil
	case "test-created-archives":
		return boolWord(s.TestCreated), nil
	case "enabled":
		return boolWord(s.Enabled), nil
	}
	return "", protocol.Errorf(protocol.CodeUnknownValue, "unknown schedule option %q", name)
}

func scheduleOptionSet(s *jobs.Schedule, name, value string) error {
	switch name {
	case "date":
		year, month, day, err := jobs.ParseDate(value)
		if err != nil {
			return protocol.Errorf(protocol.CodeInvalidValue, "%v", err)
		}
		s.Year, s.Month, s.Day = year, month, day
	case "weekdays":
		set, err := jobs.ParseWeekDays(value)
		if err != nil {
			return protocol.Errorf(protocol.CodeInvalidValue, "%v", err)
		}
		s.WeekDays = set
	case "time":
		hour, minute, err := jobs.ParseTime(value)
		if err != nil {
			return protocol.Errorf(protocol.CodeInvalidValue, "%v", err)
		}
		s.Hour, s.Minute = hour, minute
	case "archive-type":
		t, ok := db.ParseArchiveType(value)
		if !ok || t == db.ArchiveTypeNone {
			return protocol.Errorf(protocol.CodeInvalidValue, "invalid archive type %q", value)
		}
		s.Type = t
	case "interval":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return protocol.Errorf(protocol.CodeInvalidValue, "invalid interval %q", value)
		}
		s.Interval = n
	case "custom-text":
		s.CustomText = value
	case "no-storage", "test-created-archives", "enabled":
		b, err := protocol.Args{"value": value}.Bool("value")
		if err != nil {
			return err
		}
		switch name {
		case "no-storage":
			s.NoStorage = b
		case "test-created-archives":
			s.TestCreated = b
		case "enabled":
			s.Enabled = b
		}
	default:
		return protocol.Errorf(protocol.CodeUnknownValue, "unknown schedule option %q", name)
	}
	return nil
}

func boolWord(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// withSchedule resolves the schedule named by the scheduleUUID argument.
func (d *Dispatcher) withSchedule(c *Ctx, write bool, fn func(j *jobs.Job, s *jobs.Schedule) error) error {
	id, err := c.Cmd.Args.UUID("scheduleUUID")
	if err != nil {
		return err
	}
	resolve := func(j *jobs.Job) error {
		s := j.FindSchedule(id)
		if s == nil {
			return protocol.Errorf(protocol.CodeScheduleNotFound, "no schedule %s", id)
		}
		return fn(j, s)
	}
	if write {
		return d.withJob(c, resolve)
	}
	return d.withJobRead(c, resolve)
}

func (d *Dispatcher) cmdScheduleOptionGet(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	var res *protocol.Result
	err = d.withSchedule(c, false, func(j *jobs.Job, s *jobs.Schedule) error {
		value, err := scheduleOptionGet(s, name)
		if err != nil {
			return err
		}
		res = c.OK().Put("value", value)
		return nil
	})
	return res, err
}

func (d *Dispatcher) cmdScheduleOptionSet(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	value, err := c.Cmd.Args.String("value")
	if err != nil {
		return nil, err
	}
	err = d.withSchedule(c, true, func(j *jobs.Job, s *jobs.Schedule) error {
		if err := scheduleOptionSet(s, name, value); err != nil {
			return err
		}
		j.MarkModified()
		return nil
	})
	return nil, err
}

// cmdScheduleTrigger starts a run with the parameters of one schedule, as
// if its due minute had just arrived.
func (d *Dispatcher) cmdScheduleTrigger(c *Ctx) (*protocol.Result, error) {
	err := d.withSchedule(c, true, func(j *jobs.Job, s *jobs.Schedule) error {
		if j.IsActive() {
			return protocol.Errorf(protocol.CodeJobRunning, "job is running")
		}
		j.TriggerRun(jobs.TriggerInfo{
			ArchiveType:  s.Type,
			ScheduleUUID: s.UUID,
			CustomText:   s.CustomText,
			TestCreated:  s.TestCreated,
			NoStorage:    s.NoStorage,
			StartAt:      time.Now(),
			Actor:        c.S.ActorName(),
		})
		return nil
	})
	return nil, err
}

// ---------------------------------------------------------------------------
// Persistence rules
// ---------------------------------------------------------------------------

func (d *Dispatcher) cmdPersistenceList(c *Ctx) (*protocol.Result, error) {
	err := d.withJobRead(c, func(j *jobs.Job) error {
		for _, r := range j.Persistence.Rules {
			c.Emit(c.Row().
				Put("id", r.ID).
				Put("archiveType", string(r.Type)).
				Put("minKeep", formatKeep(r.MinKeep)).
				Put("maxKeep", formatKeep(r.MaxKeep)).
				Put("maxAge", formatKeep(r.MaxAge)).
				Put("moveTo", r.MoveTo))
		}
		return nil
	})
	return nil, err
}

func (d *Dispatcher) cmdPersistenceListClear(c *Ctx) (*protocol.Result, error) {
	err := d.withJob(c, func(j *jobs.Job) error {
		j.Persistence.Clear()
		j.MarkModified()
		return nil
	})
	return nil, err
}

// parsePersistenceRule reads the rule arguments shared by add and update.
func parsePersistenceRule(args protocol.Args) (jobs.PersistenceRule, error) {
	var rule jobs.PersistenceRule
	t, ok := db.ParseArchiveType(args.StringDefault("archiveType", "NORMAL"))
	if !ok || t == db.ArchiveTypeNone {
		return rule, protocol.Errorf(protocol.CodeInvalidValue, "invalid archive type")
	}
	rule.Type = t

	var err error
	if rule.MinKeep, err = parseKeep(args.StringDefault("minKeep", "0")); err != nil {
		return rule, err
	}
	if rule.MaxKeep, err = parseKeep(args.StringDefault("maxKeep", "*")); err != nil {
		return rule, err
	}
	if rule.MaxAge, err = parseKeep(args.StringDefault("maxAge", "*")); err != nil {
		return rule, err
	}
	rule.MoveTo = args.StringDefault("moveTo", "")
	return rule, nil
}

// parseKeep parses a keep/age bound: "*" means unlimited.
func parseKeep(s string) (int, error) {
	if s == "*" {
		return jobs.Unlimited, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, protocol.Errorf(protocol.CodeInvalidValue, "invalid value %q", s)
	}
	return n, nil
}

func formatKeep(n int) string {
	if n == jobs.Unlimited {
		return "*"
	}
	return strconv.Itoa(n)
}

func (d *Dispatcher) cmdPersistenceListAdd(c *Ctx) (*protocol.Result, error) {
	rule, err := parsePersistenceRule(c.Cmd.Args)
	if err != nil {
		return nil, err
	}
	var res *protocol.Result
	err = d.withJob(c, func(j *jobs.Job) error {
		id := j.Persistence.Add(rule)
		j.MarkModified()
		res = c.OK().Put("id", id)
		return nil
	})
	if err == nil && d.deps.Engine != nil {
		d.deps.Engine.Wake()
	}
	return res, err
}

func (d *Dispatcher) cmdPersistenceListUpdate(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	rule, err := parsePersistenceRule(c.Cmd.Args)
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.Persistence.Update(int(id), rule) {
			return protocol.Errorf(protocol.CodePersistenceIdNotFound, "no persistence entry %d", id)
		}
		j.MarkModified()
		return nil
	})
	if err == nil && d.deps.Engine != nil {
		d.deps.Engine.Wake()
	}
	return nil, err
}

func (d *Dispatcher) cmdPersistenceListRemove(c *Ctx) (*protocol.Result, error) {
	id, err := c.Cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if !j.Persistence.Remove(int(id)) {
			return protocol.Errorf(protocol.CodePersistenceIdNotFound, "no persistence entry %d", id)
		}
		j.MarkModified()
		return nil
	})
	return nil, err
}
