// Package jobs holds the in-memory job model: jobs with their schedules,
// persistence rules, include/exclude/mount/delta-source lists, running
// state, and the process-wide job list the scheduler, runner, and command
// dispatcher coordinate through.
//
// Jobs are file-backed: one config file per job under the jobs directory,
// plus a hidden sibling state file with per-schedule last-executed
// timestamps. The Manager rescans the directory on a timer and on fsnotify
// events.
package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bard-backup/bard/internal/db"
)

// State is the lifecycle state of a job.
type State string

const (
	StateNone         State = "NONE"
	StateWaiting      State = "WAITING"
	StateRunning      State = "RUNNING"
	StateDone         State = "DONE"
	StateError        State = "ERROR"
	StateAborted      State = "ABORTED"
	StateDisconnected State = "DISCONNECTED"
)

// IsActive reports whether the state counts as active: the job may not be
// deleted, reset, or re-triggered while active.
func (s State) IsActive() bool {
	return s == StateWaiting || s == StateRunning
}

// SlaveState mirrors the connector state of the slave host a remote job is
// bound to.
type SlaveState string

const (
	SlaveStateOffline              SlaveState = "OFFLINE"
	SlaveStateOnline               SlaveState = "ONLINE"
	SlaveStateWrongMode            SlaveState = "WRONG_MODE"
	SlaveStateWrongProtocolVersion SlaveState = "WRONG_PROTOCOL_VERSION"
	SlaveStatePaired               SlaveState = "PAIRED"
)

// Sentinel errors raised by the jobs package.
var (
	ErrNotFound      = errors.New("jobs: job not found")
	ErrAlreadyExists = errors.New("jobs: job already exists")
	ErrRunning       = errors.New("jobs: job is active")
	ErrLockTimeout   = errors.New("jobs: lock acquisition timed out")
)

// EntryType distinguishes include-entry kinds.
type EntryType string

const (
	EntryTypeFile  EntryType = "FILE"
	EntryTypeImage EntryType = "IMAGE"
)

// IncludeEntry is one typed include pattern.
type IncludeEntry struct {
	ID      int
	Type    EntryType
	Pattern string
}

// Pattern is one exclude or exclude-compress pattern.
type Pattern struct {
	ID      int
	Pattern string
}

// Mount is one mount-before-run entry.
type Mount struct {
	ID     int
	Name   string // mount point
	Device string // optional device name
}

// DeltaSource is one delta-source storage reference.
type DeltaSource struct {
	ID      int
	Storage string
}

// SlaveHost binds a job to a remote slave.
type SlaveHost struct {
	Name     string
	Port     int
	TLSMode  TLSMode
}

// TLSMode selects the transport security of a slave connection.
type TLSMode string

const (
	TLSModeNone  TLSMode = "NONE"
	TLSModeTry   TLSMode = "TRY"
	TLSModeForce TLSMode = "FORCE"
)

// CryptSettings carries the archive encryption configuration of a job.
// The actual crypt operations live in the archive collaborators; the core
// only stores and forwards these values.
type CryptSettings struct {
	Algorithm    string // e.g. "none", "aes256"
	Type         string // "symmetric" or "asymmetric"
	PasswordMode string // "default", "ask", "config"
	Password     string // only for PasswordMode "config"
	PublicKey    string
	PrivateKey   string
}

// Options are the per-job tunables addressable via jobOptionGet/Set.
type Options struct {
	ArchivePartSize    int64
	Compress           string
	StorageOnMaster    bool
	WaitFirstVolume    bool
	RawImages          bool
	SkipUnreadable     bool
	NoStopOnOwnerError bool
	OverwriteArchives  bool
	Comment            string
}

// Job is one configured backup job. Fields are only safe to access while
// holding the job list lock; the runner snapshots what it needs before
// releasing it (never hold the list lock while calling into Index or
// Storage).
type Job struct {
	UUID        uuid.UUID
	Name        string
	ArchiveName string // storage destination template

	Includes        []IncludeEntry
	Excludes        []Pattern
	ExcludeCompress []Pattern
	Mounts          []Mount
	DeltaSources    []DeltaSource
	Schedules       []*Schedule
	Persistence     PersistenceList

	Crypt      CryptSettings
	Options    Options
	PreScript  string
	PostScript string

	// Slave is nil for local jobs.
	Slave      *SlaveHost
	SlaveState SlaveState

	// Running state. Owned by the runner; mutated under the list lock.
	Running RunningInfo

	// LastRun summarizes the most recent finished run; nil before the
	// first run. Served by jobInfo alongside the index aggregates.
	LastRun *LastRun

	// Trigger parameters of the pending run, set by TriggerRun.
	trigger *TriggerInfo

	// lastScheduleCheck is the minute the scheduler last evaluated this
	// job's schedules; the backward due-time walk stops at its year.
	lastScheduleCheck time.Time

	// fileName is the absolute path of the job config file; empty for jobs
	// not yet persisted.
	fileName string
	// modified marks unsaved config changes to be flushed on the next
	// scheduler tick or jobFlush command.
	modified bool

	nextEntryID int // id allocator for sub-entities
}

// TriggerInfo carries the parameters of a pending run from the trigger site
// (scheduler or jobStart command) to the runner.
type TriggerInfo struct {
	ArchiveType  db.ArchiveType
	ScheduleUUID uuid.UUID
	CustomText   string
	TestCreated  bool
	NoStorage    bool
	DryRun       bool
	StartAt      time.Time // the due minute; may lie in the past
	Actor        string    // "scheduler" or the client name

	// Restore, when set, makes this run a restore instead of a create.
	Restore *RestoreSpec
}

// LastRun summarizes one finished run.
type LastRun struct {
	ExecutedAt   time.Time
	Duration     time.Duration
	Type         db.ArchiveType
	ErrorCode    int
	ErrorMessage string
}

// RestoreSpec carries the parameters of a restore run.
type RestoreSpec struct {
	StorageName string
	// Names are the entry names to restore; empty restores everything.
	Names []string
	// DirectoryContent restores the content of named directories rather
	// than the directory entries themselves.
	DirectoryContent bool
	Destination      string
	Overwrite        bool
}

// NewJob creates a job with a fresh UUID and default options.
func NewJob(name string) *Job {
	return &Job{
		UUID: uuid.New(),
		Name: name,
		Crypt: CryptSettings{
			Algorithm:    "none",
			Type:         "symmetric",
			PasswordMode: "default",
		},
		Running:     RunningInfo{State: StateNone},
		nextEntryID: 1,
	}
}

// IsRemote reports whether the job is bound to a slave host.
func (j *Job) IsRemote() bool {
	return j.Slave != nil && j.Slave.Name != ""
}

// IsRunnable reports whether the runner may pick this job up: it must be
// waiting and, for remote jobs, its slave must be paired.
func (j *Job) IsRunnable() bool {
	if j.Running.State != StateWaiting {
		return false
	}
	if j.IsRemote() && j.SlaveState != SlaveStatePaired {
		return false
	}
	return true
}

// IsActive reports whether the job currently waits for or occupies the
// runner.
func (j *Job) IsActive() bool {
	return j.Running.State.IsActive()
}

// TriggerRun marks the job waiting with the given run parameters. The
// caller must hold the list write lock and must have checked !IsActive.
func (j *Job) TriggerRun(info TriggerInfo) {
	j.trigger = &info
	j.Running.Reset()
	j.Running.State = StateWaiting
}

// TakeTrigger consumes the pending trigger parameters. Returns nil if no
// trigger is pending.
func (j *Job) TakeTrigger() *TriggerInfo {
	t := j.trigger
	j.trigger = nil
	return t
}

// Reset clears the in-memory running info of a non-active job. Persisted
// history rows are untouched.
func (j *Job) Reset() error {
	if j.IsActive() {
		return ErrRunning
	}
	j.Running.Reset()
	j.Running.State = StateNone
	return nil
}

// MarkModified flags the job for the next config flush.
func (j *Job) MarkModified() {
	j.modified = true
}

// Modified reports whether the job has unsaved config changes.
func (j *Job) Modified() bool {
	return j.modified
}

// LastScheduleCheck returns the minute the scheduler last evaluated this job.
func (j *Job) LastScheduleCheck() time.Time {
	return j.lastScheduleCheck
}

// SetLastScheduleCheck records the scheduler evaluation time.
func (j *Job) SetLastScheduleCheck(t time.Time) {
	j.lastScheduleCheck = t
}

// allocID returns the next sub-entity id (include/exclude/mount/... lists).
func (j *Job) allocID() int {
	if j.nextEntryID == 0 {
		j.nextEntryID = 1
	}
	id := j.nextEntryID
	j.nextEntryID++
	return id
}

// AddInclude appends a typed include pattern and returns its id.
func (j *Job) AddInclude(t EntryType, pattern string) int {
	id := j.allocID()
	j.Includes = append(j.Includes, IncludeEntry{ID: id, Type: t, Pattern: pattern})
	j.modified = true
	return id
}

// UpdateInclude replaces the include entry with the given id.
func (j *Job) UpdateInclude(id int, t EntryType, pattern string) bool {
	for i, e := range j.Includes {
		if e.ID == id {
			j.Includes[i] = IncludeEntry{ID: id, Type: t, Pattern: pattern}
			j.modified = true
			return true
		}
	}
	return false
}

// RemoveInclude removes an include entry by id.
func (j *Job) RemoveInclude(id int) bool {
	for i, e := range j.Includes {
		if e.ID == id {
			j.Includes = append(j.Includes[:i], j.Includes[i+1:]...)
			j.modified = true
			return true
		}
	}
	return false
}

// AddExclude appends an exclude pattern and returns its id.
func (j *Job) AddExclude(pattern string) int {
	id := j.allocID()
	j.Excludes = append(j.Excludes, Pattern{ID: id, Pattern: pattern})
	j.modified = true
	return id
}

// UpdateExclude replaces the exclude pattern with the given id.
func (j *Job) UpdateExclude(id int, pattern string) bool {
	for i, e := range j.Excludes {
		if e.ID == id {
			j.Excludes[i].Pattern = pattern
			j.modified = true
			return true
		}
	}
	return false
}

// RemoveExclude removes an exclude pattern by id.
func (j *Job) RemoveExclude(id int) bool {
	for i, e := range j.Excludes {
		if e.ID == id {
			j.Excludes = append(j.Excludes[:i], j.Excludes[i+1:]...)
			j.modified = true
			return true
		}
	}
	return false
}

// AddExcludeCompress appends an exclude-compress pattern and returns its id.
func (j *Job) AddExcludeCompress(pattern string) int {
	id := j.allocID()
	j.ExcludeCompress = append(j.ExcludeCompress, Pattern{ID: id, Pattern: pattern})
	j.modified = true
	return id
}

// UpdateExcludeCompress replaces the exclude-compress pattern with the
// given id.
func (j *Job) UpdateExcludeCompress(id int, pattern string) bool {
	for i, e := range j.ExcludeCompress {
		if e.ID == id {
			j.ExcludeCompress[i].Pattern = pattern
			j.modified = true
			return true
		}
	}
	return false
}

// RemoveExcludeCompress removes an exclude-compress pattern by id.
func (j *Job) RemoveExcludeCompress(id int) bool {
	for i, e := range j.ExcludeCompress {
		if e.ID == id {
			j.ExcludeCompress = append(j.ExcludeCompress[:i], j.ExcludeCompress[i+1:]...)
			j.modified = true
			return true
		}
	}
	return false
}

// AddMount appends a mount entry and returns its id.
func (j *Job) AddMount(name, device string) int {
	id := j.allocID()
	j.Mounts = append(j.Mounts, Mount{ID: id, Name: name, Device: device})
	j.modified = true
	return id
}

// UpdateMount replaces the mount entry with the given id.
func (j *Job) UpdateMount(id int, name, device string) bool {
	for i, m := range j.Mounts {
		if m.ID == id {
			j.Mounts[i] = Mount{ID: id, Name: name, Device: device}
			j.modified = true
			return true
		}
	}
	return false
}

// RemoveMount removes a mount entry by id.
func (j *Job) RemoveMount(id int) bool {
	for i, m := range j.Mounts {
		if m.ID == id {
			j.Mounts = append(j.Mounts[:i], j.Mounts[i+1:]...)
			j.modified = true
			return true
		}
	}
	return false
}

// AddDeltaSource appends a delta-source entry and returns its id.
func (j *Job) AddDeltaSource(storage string) int {
	id := j.allocID()
	j.DeltaSources = append(j.DeltaSources, DeltaSource{ID: id, Storage: storage})
	j.modified = true
	return id
}

// UpdateDeltaSource replaces the delta-source entry with the given id.
func (j *Job) UpdateDeltaSource(id int, storage string) bool {
	for i, s := range j.DeltaSources {
		if s.ID == id {
			j.DeltaSources[i].Storage = storage
			j.modified = true
			return true
		}
	}
	return false
}

// RemoveDeltaSource removes a delta-source entry by id.
func (j *Job) RemoveDeltaSource(id int) bool {
	for i, s := range j.DeltaSources {
		if s.ID == id {
			j.DeltaSources = append(j.DeltaSources[:i], j.DeltaSources[i+1:]...)
			j.modified = true
			return true
		}
	}
	return false
}

// FindSchedule returns the schedule with the given UUID, or nil.
func (j *Job) FindSchedule(id uuid.UUID) *Schedule {
	for _, s := range j.Schedules {
		if s.UUID == id {
			return s
		}
	}
	return nil
}

// AddSchedule appends a schedule.
func (j *Job) AddSchedule(s *Schedule) {
	j.Schedules = append(j.Schedules, s)
	j.modified = true
}

// RemoveSchedule removes a schedule by UUID.
func (j *Job) RemoveSchedule(id uuid.UUID) bool {
	for i, s := range j.Schedules {
		if s.UUID == id {
			j.Schedules = append(j.Schedules[:i], j.Schedules[i+1:]...)
			j.modified = true
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the job's configuration under a new UUID and
// name. Running state, trigger, and file binding are not copied.
func (j *Job) Clone(name string) *Job {
	c := NewJob(name)
	c.ArchiveName = j.ArchiveName
	c.Includes = append([]IncludeEntry(nil), j.Includes...)
	c.Excludes = append([]Pattern(nil), j.Excludes...)
	c.ExcludeCompress = append([]Pattern(nil), j.ExcludeCompress...)
	c.Mounts = append([]Mount(nil), j.Mounts...)
	c.DeltaSources = append([]DeltaSource(nil), j.DeltaSources...)
	for _, s := range j.Schedules {
		cs := *s
		cs.UUID = uuid.New()
		cs.LastExecuted = time.Time{}
		c.Schedules = append(c.Schedules, &cs)
	}
	c.Persistence = j.Persistence.Clone()
	c.Crypt = j.Crypt
	c.Options = j.Options
	c.PreScript = j.PreScript
	c.PostScript = j.PostScript
	if j.Slave != nil {
		slave := *j.Slave
		c.Slave = &slave
	}
	c.nextEntryID = j.nextEntryID
	c.modified = true
	return c
}
