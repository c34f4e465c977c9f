package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/protocol"
)

func (d *Dispatcher) registerJobCommands() {
	d.register("jobList", maskAuthorized, d.cmdJobList)
	d.register("jobInfo", maskAuthorized, d.cmdJobInfo)
	d.register("jobNew", maskAuthorized, d.cmdJobNew)
	d.register("jobClone", maskAuthorized, d.cmdJobClone)
	d.register("jobRename", maskAuthorized, d.cmdJobRename)
	d.register("jobDelete", maskAuthorized, d.cmdJobDelete)
	d.register("jobFlush", maskAuthorized, d.cmdJobFlush)
	d.register("jobStart", maskAuthorized, d.cmdJobStart)
	d.register("jobAbort", maskAuthorized, d.cmdJobAbort)
	d.register("jobReset", maskAuthorized, d.cmdJobReset)
	d.register("jobStatus", maskAuthorized, d.cmdJobStatus)
	d.register("jobOptionGet", maskAuthorized, d.cmdJobOptionGet)
	d.register("jobOptionSet", maskAuthorized, d.cmdJobOptionSet)
	d.register("jobOptionDelete", maskAuthorized, d.cmdJobOptionDelete)
}

// jobError maps jobs package sentinels onto wire codes.
func jobError(err error) error {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return protocol.Errorf(protocol.CodeJobNotFound, "job not found")
	case errors.Is(err, jobs.ErrAlreadyExists):
		return protocol.Errorf(protocol.CodeJobAlreadyExists, "job already exists")
	case errors.Is(err, jobs.ErrRunning):
		return protocol.Errorf(protocol.CodeJobRunning, "job is running")
	default:
		return protocol.Errorf(protocol.CodeFail, "%v", err)
	}
}

// withJob runs fn with the job named by the jobUUID argument under the
// list write lock.
func (d *Dispatcher) withJob(c *Ctx, fn func(j *jobs.Job) error) error {
	id, err := c.Cmd.Args.UUID("jobUUID")
	if err != nil {
		return err
	}
	if err := d.deps.List.Lock(0); err != nil {
		return jobError(err)
	}
	defer d.deps.List.Unlock()
	j, err := d.deps.List.ByUUID(id)
	if err != nil {
		return jobError(err)
	}
	return fn(j)
}

// withJobRead is withJob under the read lock.
func (d *Dispatcher) withJobRead(c *Ctx, fn func(j *jobs.Job) error) error {
	id, err := c.Cmd.Args.UUID("jobUUID")
	if err != nil {
		return err
	}
	if err := d.deps.List.RLock(0); err != nil {
		return jobError(err)
	}
	defer d.deps.List.RUnlock()
	j, err := d.deps.List.ByUUID(id)
	if err != nil {
		return jobError(err)
	}
	return fn(j)
}

func (d *Dispatcher) cmdJobList(c *Ctx) (*protocol.Result, error) {
	if err := d.deps.List.RLock(0); err != nil {
		return nil, jobError(err)
	}
	defer d.deps.List.RUnlock()
	for _, j := range d.deps.List.All() {
		row := c.Row().
			Put("jobUUID", j.UUID.String()).
			Put("name", j.Name).
			Put("archiveName", j.ArchiveName).
			Put("state", string(j.Running.State)).
			Put("remote", j.IsRemote())
		if j.IsRemote() {
			row.Put("slaveHostName", j.Slave.Name).
				Put("slaveHostPort", j.Slave.Port).
				Put("slaveState", string(j.SlaveState))
		}
		c.Emit(row)
	}
	return nil, nil
}

// cmdJobInfo serves the configuration summary of one job plus the
// aggregate statistics the index keeps for it.
func (d *Dispatcher) cmdJobInfo(c *Ctx) (*protocol.Result, error) {
	var res *protocol.Result
	err := d.withJobRead(c, func(j *jobs.Job) error {
		res = c.OK().
			Put("jobUUID", j.UUID.String()).
			Put("name", j.Name).
			Put("archiveName", j.ArchiveName).
			Put("state", string(j.Running.State)).
			Put("includeCount", len(j.Includes)).
			Put("excludeCount", len(j.Excludes)).
			Put("scheduleCount", len(j.Schedules)).
			Put("persistenceCount", len(j.Persistence.Rules)).
			Put("remote", j.IsRemote())
		if j.LastRun != nil {
			res.Put("lastExecutedDateTime", j.LastRun.ExecutedAt.Unix()).
				Put("lastDuration", int64(j.LastRun.Duration.Seconds())).
				Put("lastType", string(j.LastRun.Type)).
				Put("lastErrorCode", j.LastRun.ErrorCode).
				Put("lastErrorMessage", j.LastRun.ErrorMessage)
		}
		if c.H != nil {
			agg, aerr := c.H.JobAggregate(j.UUID)
			if aerr == nil {
				res.Put("executionCount", agg.ExecutionCount).
					Put("averageDuration", agg.AverageDuration).
					Put("totalEntityCount", agg.TotalEntityCount).
					Put("totalEntryCount", agg.TotalEntryCount).
					Put("totalEntrySize", agg.TotalEntrySize).
					Put("totalStorageSize", agg.TotalStorageSize)
			}
		}
		return nil
	})
	return res, err
}

func (d *Dispatcher) cmdJobNew(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return nil, protocol.Errorf(protocol.CodeInvalidValue, "invalid job name %q", name)
	}
	if err := d.deps.List.Lock(0); err != nil {
		return nil, jobError(err)
	}
	defer d.deps.List.Unlock()
	j, err := d.deps.Manager.NewJobFile(name)
	if err != nil {
		return nil, jobError(err)
	}
	return c.OK().Put("jobUUID", j.UUID.String()), nil
}

func (d *Dispatcher) cmdJobClone(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	var res *protocol.Result
	err = d.withJob(c, func(j *jobs.Job) error {
		if _, err := d.deps.List.ByName(name); err == nil {
			return jobs.ErrAlreadyExists
		}
		clone := j.Clone(name)
		if err := d.deps.List.Add(clone); err != nil {
			return err
		}
		res = c.OK().Put("jobUUID", clone.UUID.String())
		return nil
	})
	if err != nil {
		return nil, jobError(err)
	}
	return res, nil
}

func (d *Dispatcher) cmdJobRename(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		return d.deps.Manager.RenameJobFile(j, name)
	})
	if err != nil {
		return nil, jobError(err)
	}
	return nil, nil
}

func (d *Dispatcher) cmdJobDelete(c *Ctx) (*protocol.Result, error) {
	err := d.withJob(c, func(j *jobs.Job) error {
		return d.deps.Manager.DeleteJobFile(j)
	})
	if err != nil {
		return nil, jobError(err)
	}
	return nil, nil
}

func (d *Dispatcher) cmdJobFlush(c *Ctx) (*protocol.Result, error) {
	d.deps.Manager.FlushModified()
	return nil, nil
}

// cmdJobStart triggers a run. The runner picks the job up on its next
// round; the command returns as soon as the job is waiting.
func (d *Dispatcher) cmdJobStart(c *Ctx) (*protocol.Result, error) {
	archiveType, ok := db.ParseArchiveType(c.Cmd.Args.StringDefault("archiveType", "NORMAL"))
	if !ok || archiveType == db.ArchiveTypeNone {
		return nil, protocol.Errorf(protocol.CodeInvalidValue, "invalid archive type")
	}
	testCreated, err := c.Cmd.Args.BoolDefault("testCreatedArchives", false)
	if err != nil {
		return nil, err
	}
	noStorage, err := c.Cmd.Args.BoolDefault("noStorage", false)
	if err != nil {
		return nil, err
	}
	dryRun, err := c.Cmd.Args.BoolDefault("dryRun", false)
	if err != nil {
		return nil, err
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if j.IsActive() {
			return jobs.ErrRunning
		}
		j.TriggerRun(jobs.TriggerInfo{
			ArchiveType: archiveType,
			CustomText:  c.Cmd.Args.StringDefault("customText", ""),
			TestCreated: testCreated,
			NoStorage:   noStorage,
			DryRun:      dryRun,
			StartAt:     time.Now(),
			Actor:       c.S.ActorName(),
		})
		return nil
	})
	if err != nil {
		return nil, jobError(err)
	}
	return nil, nil
}

func (d *Dispatcher) cmdJobAbort(c *Ctx) (*protocol.Result, error) {
	err := d.withJob(c, func(j *jobs.Job) error {
		if j.IsActive() {
			j.Running.RequestedAbortFlag = true
			j.Running.RequestedAbortActor = c.S.ActorName()
		}
		return nil
	})
	if err != nil {
		return nil, jobError(err)
	}
	return nil, nil
}

func (d *Dispatcher) cmdJobReset(c *Ctx) (*protocol.Result, error) {
	err := d.withJob(c, func(j *jobs.Job) error {
		return j.Reset()
	})
	if err != nil {
		return nil, jobError(err)
	}
	return nil, nil
}

// cmdJobStatus dumps the live running info of one job.
func (d *Dispatcher) cmdJobStatus(c *Ctx) (*protocol.Result, error) {
	var res *protocol.Result
	err := d.withJobRead(c, func(j *jobs.Job) error {
		ri := &j.Running
		entriesRate, bytesRate, storageRate := ri.Rates()
		res = c.OK().
			Put("state", string(ri.State)).
			Put("doneCount", ri.Total.DoneCount).
			Put("doneSize", ri.Total.DoneSize).
			Put("totalEntryCount", ri.Total.TotalCount).
			Put("totalEntrySize", ri.Total.TotalSize).
			Put("skippedEntryCount", ri.Skipped.DoneCount).
			Put("skippedEntrySize", ri.Skipped.DoneSize).
			Put("errorEntryCount", ri.ErrorEntries.DoneCount).
			Put("errorEntrySize", ri.ErrorEntries.DoneSize).
			Put("entryName", ri.EntryName).
			Put("entryDoneSize", ri.EntryDoneSize).
			Put("entryTotalSize", ri.EntryTotalSize).
			Put("storageName", ri.StorageName).
			Put("storageDoneSize", ri.StorageDoneSize).
			Put("storageTotalSize", ri.StorageTotalSize).
			Put("archiveSize", ri.ArchiveSize).
			Put("compressionRatio", strconv.FormatFloat(ri.CompressionRatio, 'f', 2, 64)).
			Put("entriesPerSecond", strconv.FormatFloat(entriesRate, 'f', 1, 64)).
			Put("bytesPerSecond", strconv.FormatFloat(bytesRate, 'f', 1, 64)).
			Put("storageBytesPerSecond", strconv.FormatFloat(storageRate, 'f', 1, 64)).
			Put("estimatedRestTime", int64(ri.EstimatedRestTime.Seconds())).
			Put("volumeRequest", string(ri.VolumeRequest)).
			Put("volumeNumber", ri.VolumeNumber).
			Put("requestedAbort", ri.RequestedAbortFlag).
			Put("messageCode", ri.Message.Code).
			Put("message", ri.Message.Text)
		return nil
	})
	return res, err
}

// ---------------------------------------------------------------------------
// Job options
// ---------------------------------------------------------------------------

// jobOption binds one jobOptionGet/Set name onto a job field.
type jobOption struct {
	get func(j *jobs.Job) string
	set func(j *jobs.Job, value string) error
}

func boolOption(get func(j *jobs.Job) *bool) jobOption {
	return jobOption{
		get: func(j *jobs.Job) string {
			if *get(j) {
				return "yes"
			}
			return "no"
		},
		set: func(j *jobs.Job, value string) error {
			switch strings.ToLower(value) {
			case "yes", "true", "on", "1":
				*get(j) = true
			case "no", "false", "off", "0":
				*get(j) = false
			default:
				return protocol.Errorf(protocol.CodeInvalidValue, "invalid boolean %q", value)
			}
			return nil
		},
	}
}

func stringOption(get func(j *jobs.Job) *string) jobOption {
	return jobOption{
		get: func(j *jobs.Job) string { return *get(j) },
		set: func(j *jobs.Job, value string) error {
			*get(j) = value
			return nil
		},
	}
}

func int64Option(get func(j *jobs.Job) *int64) jobOption {
	return jobOption{
		get: func(j *jobs.Job) string { return strconv.FormatInt(*get(j), 10) },
		set: func(j *jobs.Job, value string) error {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return protocol.Errorf(protocol.CodeInvalidValue, "invalid value %q", value)
			}
			*get(j) = n
			return nil
		},
	}
}

var jobOptions = map[string]jobOption{
	"archive-name":       stringOption(func(j *jobs.Job) *string { return &j.ArchiveName }),
	"archive-part-size":  int64Option(func(j *jobs.Job) *int64 { return &j.Options.ArchivePartSize }),
	"compress-algorithm": stringOption(func(j *jobs.Job) *string { return &j.Options.Compress }),
	"comment":            stringOption(func(j *jobs.Job) *string { return &j.Options.Comment }),

	"crypt-algorithm":     stringOption(func(j *jobs.Job) *string { return &j.Crypt.Algorithm }),
	"crypt-type":          stringOption(func(j *jobs.Job) *string { return &j.Crypt.Type }),
	"crypt-password-mode": stringOption(func(j *jobs.Job) *string { return &j.Crypt.PasswordMode }),
	"crypt-password":      stringOption(func(j *jobs.Job) *string { return &j.Crypt.Password }),
	"crypt-public-key":    stringOption(func(j *jobs.Job) *string { return &j.Crypt.PublicKey }),
	"crypt-private-key":   stringOption(func(j *jobs.Job) *string { return &j.Crypt.PrivateKey }),

	"pre-command":  stringOption(func(j *jobs.Job) *string { return &j.PreScript }),
	"post-command": stringOption(func(j *jobs.Job) *string { return &j.PostScript }),

	"storage-on-master":      boolOption(func(j *jobs.Job) *bool { return &j.Options.StorageOnMaster }),
	"wait-first-volume":      boolOption(func(j *jobs.Job) *bool { return &j.Options.WaitFirstVolume }),
	"raw-images":             boolOption(func(j *jobs.Job) *bool { return &j.Options.RawImages }),
	"skip-unreadable":        boolOption(func(j *jobs.Job) *bool { return &j.Options.SkipUnreadable }),
	"no-stop-on-owner-error": boolOption(func(j *jobs.Job) *bool { return &j.Options.NoStopOnOwnerError }),
	"overwrite-archives":     boolOption(func(j *jobs.Job) *bool { return &j.Options.OverwriteArchives }),

	"slave-host-name": stringOption(func(j *jobs.Job) *string {
		if j.Slave == nil {
			j.Slave = &jobs.SlaveHost{TLSMode: jobs.TLSModeTry}
		}
		return &j.Slave.Name
	}),
	"slave-host-port": {
		get: func(j *jobs.Job) string {
			if j.Slave == nil {
				return "0"
			}
			return strconv.Itoa(j.Slave.Port)
		},
		set: func(j *jobs.Job, value string) error {
			port, err := strconv.Atoi(value)
			if err != nil || port < 0 || port > 65535 {
				return protocol.Errorf(protocol.CodeInvalidValue, "invalid port %q", value)
			}
			if j.Slave == nil {
				j.Slave = &jobs.SlaveHost{TLSMode: jobs.TLSModeTry}
			}
			j.Slave.Port = port
			return nil
		},
	},
	"slave-tls-mode": {
		get: func(j *jobs.Job) string {
			if j.Slave == nil {
				return string(jobs.TLSModeNone)
			}
			return string(j.Slave.TLSMode)
		},
		set: func(j *jobs.Job, value string) error {
			mode := jobs.TLSMode(strings.ToUpper(value))
			switch mode {
			case jobs.TLSModeNone, jobs.TLSModeTry, jobs.TLSModeForce:
			default:
				return protocol.Errorf(protocol.CodeInvalidValue, "invalid TLS mode %q", value)
			}
			if j.Slave == nil {
				j.Slave = &jobs.SlaveHost{}
			}
			j.Slave.TLSMode = mode
			return nil
		},
	},
}

func (d *Dispatcher) cmdJobOptionGet(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	opt, ok := jobOptions[name]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeUnknownValue, "unknown job option %q", name)
	}
	var res *protocol.Result
	err = d.withJobRead(c, func(j *jobs.Job) error {
		res = c.OK().Put("value", opt.get(j))
		return nil
	})
	return res, err
}

func (d *Dispatcher) cmdJobOptionSet(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	value, err := c.Cmd.Args.String("value")
	if err != nil {
		return nil, err
	}
	opt, ok := jobOptions[name]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeUnknownValue, "unknown job option %q", name)
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		if err := opt.set(j, value); err != nil {
			return err
		}
		j.MarkModified()
		return nil
	})
	return nil, err
}

// cmdJobOptionDelete resets an option to its zero value.
func (d *Dispatcher) cmdJobOptionDelete(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	opt, ok := jobOptions[name]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeUnknownValue, "unknown job option %q", name)
	}
	err = d.withJob(c, func(j *jobs.Job) error {
		zero := ""
		switch name {
		case "archive-part-size", "slave-host-port":
			zero = "0"
		case "storage-on-master", "wait-first-volume", "raw-images",
			"skip-unreadable", "no-stop-on-owner-error", "overwrite-archives":
			zero = "no"
		case "slave-tls-mode":
			zero = string(jobs.TLSModeNone)
		}
		if err := opt.set(j, zero); err != nil {
			return err
		}
		j.MarkModified()
		return nil
	})
	return nil, err
}
