package jobs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/mattn/go-shellwords"

	"github.com/bard-backup/bard/internal/db"
)

// Job config files are line-oriented "name = value" with [schedule] and
// [persistence] sections:
//
//	UUID = 6f7b...-...
//	archive-name = /backup/%name-%type-%Y%m%d
//	include-file = '/home'
//	exclude = '*.tmp'
//
//	[schedule 1c2d...-...]
//	date = *-*-*
//	weekdays = Mon,Wed,Fri
//	time = 02:30
//	archive-type = INCREMENTAL
//	enabled = yes
//	[end]
//
//	[persistence INCREMENTAL]
//	min-keep = 1
//	max-keep = 10
//	max-age = 30
//	[end]
//
// Values with spaces are shell-quoted. Unknown keys are skipped so older
// servers can read files written by newer ones.

// LoadJob reads a job config file. The job name is the file base name.
func LoadJob(fileName string) (*Job, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("jobs: open %s: %w", fileName, err)
	}
	defer f.Close()

	j := NewJob(filepath.Base(fileName))
	j.fileName = fileName

	var (
		schedule    *Schedule
		persistence *PersistenceRule
	)
	lineNo := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if schedule != nil {
				j.Schedules = append(j.Schedules, schedule)
				schedule = nil
			}
			if persistence != nil {
				j.Persistence.Add(*persistence)
				persistence = nil
			}
			section := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			fields := strings.Fields(section)
			switch {
			case len(fields) >= 1 && fields[0] == "end":
			case len(fields) >= 1 && fields[0] == "schedule":
				schedule = NewSchedule(db.ArchiveTypeNormal)
				if len(fields) >= 2 {
					if id, err := uuid.Parse(fields[1]); err == nil {
						schedule.UUID = id
					}
				}
			case len(fields) >= 2 && fields[0] == "persistence":
				t, ok := db.ParseArchiveType(fields[1])
				if !ok {
					return nil, fmt.Errorf("jobs: %s:%d: invalid archive type %q", fileName, lineNo, fields[1])
				}
				persistence = &PersistenceRule{Type: t, MaxAge: Unlimited}
			default:
				return nil, fmt.Errorf("jobs: %s:%d: unknown section %q", fileName, lineNo, section)
			}
			continue
		}

		key, value, ok := splitKeyValue(line)
		if !ok {
			return nil, fmt.Errorf("jobs: %s:%d: malformed line", fileName, lineNo)
		}
		switch {
		case schedule != nil:
			err = applyScheduleKey(schedule, key, value)
		case persistence != nil:
			err = applyPersistenceKey(persistence, key, value)
		default:
			err = applyJobKey(j, key, value)
		}
		if err != nil {
			return nil, fmt.Errorf("jobs: %s:%d: %w", fileName, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("jobs: read %s: %w", fileName, err)
	}
	if schedule != nil {
		j.Schedules = append(j.Schedules, schedule)
	}
	if persistence != nil {
		j.Persistence.Add(*persistence)
	}

	j.modified = false
	loadJobState(j)
	return j, nil
}

// SaveJob writes the job config file atomically (temp file plus rename) and
// clears the modified flag. A job saved for the first time must have
// fileName bound via SetFileName.
func SaveJob(j *Job) error {
	if j.fileName == "" {
		return fmt.Errorf("jobs: job %s has no file name", j.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "UUID = %s\n", j.UUID)
	writeValue(&b, "archive-name", j.ArchiveName)
	for _, e := range j.Includes {
		switch e.Type {
		case EntryTypeImage:
			writeValue(&b, "include-image", e.Pattern)
		default:
			writeValue(&b, "include-file", e.Pattern)
		}
	}
	for _, e := range j.Excludes {
		writeValue(&b, "exclude", e.Pattern)
	}
	for _, e := range j.ExcludeCompress {
		writeValue(&b, "exclude-compress", e.Pattern)
	}
	for _, m := range j.Mounts {
		if m.Device != "" {
			fmt.Fprintf(&b, "mount = %s\n", shellquote.Join(m.Name, m.Device))
		} else {
			writeValue(&b, "mount", m.Name)
		}
	}
	for _, s := range j.DeltaSources {
		writeValue(&b, "delta-source", s.Storage)
	}

	writeValue(&b, "crypt-algorithm", j.Crypt.Algorithm)
	writeValue(&b, "crypt-type", j.Crypt.Type)
	writeValue(&b, "crypt-password-mode", j.Crypt.PasswordMode)
	writeValue(&b, "crypt-password", j.Crypt.Password)
	writeValue(&b, "crypt-public-key", j.Crypt.PublicKey)
	writeValue(&b, "crypt-private-key", j.Crypt.PrivateKey)

	if j.Options.ArchivePartSize != 0 {
		fmt.Fprintf(&b, "archive-part-size = %d\n", j.Options.ArchivePartSize)
	}
	writeValue(&b, "compress", j.Options.Compress)
	writeBool(&b, "storage-on-master", j.Options.StorageOnMaster)
	writeBool(&b, "wait-first-volume", j.Options.WaitFirstVolume)
	writeBool(&b, "raw-images", j.Options.RawImages)
	writeBool(&b, "skip-unreadable", j.Options.SkipUnreadable)
	writeBool(&b, "no-stop-on-owner-error", j.Options.NoStopOnOwnerError)
	writeBool(&b, "overwrite-archives", j.Options.OverwriteArchives)
	writeValue(&b, "comment", j.Options.Comment)
	writeValue(&b, "pre-command", j.PreScript)
	writeValue(&b, "post-command", j.PostScript)

	if j.Slave != nil && j.Slave.Name != "" {
		writeValue(&b, "slave-host-name", j.Slave.Name)
		fmt.Fprintf(&b, "slave-host-port = %d\n", j.Slave.Port)
		writeValue(&b, "slave-tls-mode", string(j.Slave.TLSMode))
	}

	for _, s := range j.Schedules {
		fmt.Fprintf(&b, "\n[schedule %s]\n", s.UUID)
		fmt.Fprintf(&b, "date = %s\n", FormatDate(s.Year, s.Month, s.Day))
		fmt.Fprintf(&b, "weekdays = %s\n", FormatWeekDays(s.WeekDays))
		fmt.Fprintf(&b, "time = %s\n", FormatTime(s.Hour, s.Minute))
		fmt.Fprintf(&b, "archive-type = %s\n", s.Type)
		if s.Interval != 0 {
			fmt.Fprintf(&b, "interval = %d\n", s.Interval)
		}
		writeValue(&b, "text", s.CustomText)
		writeBool(&b, "no-storage", s.NoStorage)
		writeBool(&b, "test-created", s.TestCreated)
		fmt.Fprintf(&b, "enabled = %s\n", formatYesNo(s.Enabled))
		b.WriteString("[end]\n")
	}

	for _, r := range j.Persistence.Rules {
		fmt.Fprintf(&b, "\n[persistence %s]\n", r.Type)
		fmt.Fprintf(&b, "min-keep = %d\n", r.MinKeep)
		fmt.Fprintf(&b, "max-keep = %d\n", r.MaxKeep)
		fmt.Fprintf(&b, "max-age = %d\n", r.MaxAge)
		writeValue(&b, "move-to", r.MoveTo)
		b.WriteString("[end]\n")
	}

	if err := writeFileAtomic(j.fileName, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("jobs: save %s: %w", j.fileName, err)
	}
	j.modified = false
	return nil
}

// FileName returns the bound config file path, empty when unsaved.
func (j *Job) FileName() string {
	return j.fileName
}

// SetFileName binds the job to its config file path.
func (j *Job) SetFileName(name string) {
	j.fileName = name
}

// ---------------------------------------------------------------------------
// State file
// ---------------------------------------------------------------------------

// stateFileName is the hidden sibling of the job config file carrying the
// per-schedule last-executed timestamps and the scheduler checkpoint.
func stateFileName(jobFileName string) string {
	return filepath.Join(filepath.Dir(jobFileName), "."+filepath.Base(jobFileName))
}

// SaveJobState writes the hidden state file. Losing it is harmless: the
// scheduler re-derives due times from the config and re-runs at most one
// period.
func SaveJobState(j *Job) error {
	if j.fileName == "" {
		return nil
	}
	var b strings.Builder
	if !j.lastScheduleCheck.IsZero() {
		fmt.Fprintf(&b, "last-schedule-check = %d\n", j.lastScheduleCheck.Unix())
	}
	for _, s := range j.Schedules {
		if !s.LastExecuted.IsZero() {
			fmt.Fprintf(&b, "schedule %s last-executed = %d\n", s.UUID, s.LastExecuted.Unix())
		}
	}
	if err := writeFileAtomic(stateFileName(j.fileName), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("jobs: save state %s: %w", j.Name, err)
	}
	return nil
}

// loadJobState merges the hidden state file into a freshly loaded job.
// Missing or malformed files are ignored.
func loadJobState(j *Job) {
	f, err := os.Open(stateFileName(j.fileName))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		switch {
		case len(fields) == 3 && fields[0] == "last-schedule-check" && fields[1] == "=":
			if v, err := strconv.ParseInt(fields[2], 10, 64); err == nil {
				j.lastScheduleCheck = time.Unix(v, 0)
			}
		case len(fields) == 5 && fields[0] == "schedule" && fields[2] == "last-executed" && fields[3] == "=":
			id, err := uuid.Parse(fields[1])
			if err != nil {
				continue
			}
			v, err := strconv.ParseInt(fields[4], 10, 64)
			if err != nil {
				continue
			}
			if s := j.FindSchedule(id); s != nil {
				s.LastExecuted = time.Unix(v, 0)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Key handlers
// ---------------------------------------------------------------------------

func applyJobKey(j *Job, key, value string) error {
	switch key {
	case "UUID", "uuid":
		id, err := uuid.Parse(value)
		if err != nil {
			return fmt.Errorf("invalid UUID %q", value)
		}
		j.UUID = id
	case "archive-name":
		j.ArchiveName = value
	case "include-file":
		j.Includes = append(j.Includes, IncludeEntry{ID: j.allocID(), Type: EntryTypeFile, Pattern: value})
	case "include-image":
		j.Includes = append(j.Includes, IncludeEntry{ID: j.allocID(), Type: EntryTypeImage, Pattern: value})
	case "exclude":
		j.Excludes = append(j.Excludes, Pattern{ID: j.allocID(), Pattern: value})
	case "exclude-compress":
		j.ExcludeCompress = append(j.ExcludeCompress, Pattern{ID: j.allocID(), Pattern: value})
	case "mount":
		words, err := shellwords.Parse(value)
		if err != nil || len(words) == 0 {
			return fmt.Errorf("invalid mount %q", value)
		}
		m := Mount{ID: j.allocID(), Name: words[0]}
		if len(words) > 1 {
			m.Device = words[1]
		}
		j.Mounts = append(j.Mounts, m)
	case "delta-source":
		j.DeltaSources = append(j.DeltaSources, DeltaSource{ID: j.allocID(), Storage: value})
	case "crypt-algorithm":
		j.Crypt.Algorithm = value
	case "crypt-type":
		j.Crypt.Type = value
	case "crypt-password-mode":
		j.Crypt.PasswordMode = value
	case "crypt-password":
		j.Crypt.Password = value
	case "crypt-public-key":
		j.Crypt.PublicKey = value
	case "crypt-private-key":
		j.Crypt.PrivateKey = value
	case "archive-part-size":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid archive-part-size %q", value)
		}
		j.Options.ArchivePartSize = v
	case "compress":
		j.Options.Compress = value
	case "storage-on-master":
		j.Options.StorageOnMaster = parseYesNo(value)
	case "wait-first-volume":
		j.Options.WaitFirstVolume = parseYesNo(value)
	case "raw-images":
		j.Options.RawImages = parseYesNo(value)
	case "skip-unreadable":
		j.Options.SkipUnreadable = parseYesNo(value)
	case "no-stop-on-owner-error":
		j.Options.NoStopOnOwnerError = parseYesNo(value)
	case "overwrite-archives":
		j.Options.OverwriteArchives = parseYesNo(value)
	case "comment":
		j.Options.Comment = value
	case "pre-command":
		j.PreScript = value
	case "post-command":
		j.PostScript = value
	case "slave-host-name":
		if j.Slave == nil {
			j.Slave = &SlaveHost{TLSMode: TLSModeTry}
		}
		j.Slave.Name = value
	case "slave-host-port":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid slave-host-port %q", value)
		}
		if j.Slave == nil {
			j.Slave = &SlaveHost{TLSMode: TLSModeTry}
		}
		j.Slave.Port = v
	case "slave-tls-mode":
		if j.Slave == nil {
			j.Slave = &SlaveHost{}
		}
		j.Slave.TLSMode = TLSMode(strings.ToUpper(value))
	default:
		// Unknown keys are tolerated for forward compatibility.
	}
	return nil
}

func applyScheduleKey(s *Schedule, key, value string) error {
	switch key {
	case "date":
		year, month, day, err := ParseDate(value)
		if err != nil {
			return err
		}
		s.Year, s.Month, s.Day = year, month, day
	case "weekdays":
		set, err := ParseWeekDays(value)
		if err != nil {
			return err
		}
		s.WeekDays = set
	case "time":
		hour, minute, err := ParseTime(value)
		if err != nil {
			return err
		}
		s.Hour, s.Minute = hour, minute
	case "archive-type":
		t, ok := db.ParseArchiveType(value)
		if !ok {
			return fmt.Errorf("invalid archive type %q", value)
		}
		s.Type = t
	case "interval":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid interval %q", value)
		}
		s.Interval = v
	case "text":
		s.CustomText = value
	case "no-storage":
		s.NoStorage = parseYesNo(value)
	case "test-created":
		s.TestCreated = parseYesNo(value)
	case "enabled":
		s.Enabled = parseYesNo(value)
	}
	return nil
}

func applyPersistenceKey(r *PersistenceRule, key, value string) error {
	switch key {
	case "min-keep":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid min-keep %q", value)
		}
		r.MinKeep = v
	case "max-keep":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid max-keep %q", value)
		}
		r.MaxKeep = v
	case "max-age":
		if value == "forever" {
			r.MaxAge = Unlimited
			return nil
		}
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid max-age %q", value)
		}
		r.MaxAge = v
	case "move-to":
		r.MoveTo = value
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func splitKeyValue(line string) (key, value string, ok bool) {
	i := strings.Index(line, "=")
	if i < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	raw := strings.TrimSpace(line[i+1:])
	if key == "" {
		return "", "", false
	}
	words, err := shellwords.Parse(raw)
	if err != nil {
		return "", "", false
	}
	switch len(words) {
	case 0:
		return key, "", true
	case 1:
		return key, words[0], true
	default:
		// Multi-word values keep their raw form; section handlers that need
		// word splitting (mount) re-parse.
		return key, raw, true
	}
}

func writeValue(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s = %s\n", key, shellquote.Join(value))
}

func writeBool(b *strings.Builder, key string, value bool) {
	if value {
		fmt.Fprintf(b, "%s = yes\n", key)
	}
}

func parseYesNo(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "true", "on", "1":
		return true
	}
	return false
}

func formatYesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func writeFileAtomic(name string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(name)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, name); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
