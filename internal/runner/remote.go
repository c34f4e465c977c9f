package runner

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/bard-backup/bard/internal/archive"
	"github.com/bard-backup/bard/internal/protocol"
)

// remoteCreate drives a create on the slave bound to the job. The slave
// streams rows while working; the master routes them into the same
// callbacks a local create would use:
//
//	kind=progress  entryName=... doneCount=... (counters)
//	kind=volume    number=N message=...       (volume request)
//	kind=storage   name=URI size=N            (written artifact)
//
// The terminal frame carries the final counters. Volume requests are
// answered with volumeLoad/volumeUnload/jobAbort commands on the same
// connection.
func (r *Runner) remoteCreate(ctx context.Context, conn RemoteConn, snap *runSnapshot,
	entityUUID uuid.UUID, storageName string) (archive.CreateResult, error) {
	t := snap.trigger
	cb := r.callbacks(snap)

	args := protocol.Args{
		"job":    snap.jobUUID.String(),
		"entity": entityUUID.String(),
		"type":   string(t.ArchiveType),
	}
	if storageName != "" {
		args["storage"] = storageName
	}
	if t.CustomText != "" {
		args["text"] = t.CustomText
	}
	putBool(args, "noStorage", t.NoStorage)
	putBool(args, "testCreated", t.TestCreated)
	putBool(args, "dryRun", t.DryRun)

	rows, err := conn.Execute(ctx, "create", args)
	if err != nil {
		return archive.CreateResult{}, err
	}

	var result archive.CreateResult
	abortSent := false
	for res := range rows {
		if res.Complete {
			f := res.Fields()
			result.TotalEntryCount = fieldInt(f, "totalCount")
			result.TotalEntrySize = fieldInt(f, "totalSize")
			result.SkippedEntryCount = fieldInt(f, "skippedCount")
			result.SkippedEntrySize = fieldInt(f, "skippedSize")
			result.ErrorEntryCount = fieldInt(f, "errorCount")
			result.ErrorEntrySize = fieldInt(f, "errorSize")
			result.StorageTotalSize = fieldInt(f, "storageSize")
			if res.Code != protocol.CodeNone {
				return result, protocol.Errorf(res.Code, "%s", res.Message)
			}
			return result, nil
		}

		f := res.Fields()
		switch f.StringDefault("kind", "progress") {
		case "storage":
			result.Storages = append(result.Storages, archive.StorageInfo{
				Name: f.StringDefault("name", ""),
				Size: fieldInt(f, "size"),
			})
		case "volume":
			number := int(fieldInt(f, "number"))
			resp := cb.RequestVolume(number, f.StringDefault("message", ""))
			var answer string
			answerArgs := protocol.Args{}
			switch resp {
			case archive.VolumeOk:
				answer = "volumeLoad"
				answerArgs["number"] = strconv.Itoa(number)
			case archive.VolumeUnload:
				answer = "volumeUnload"
			default:
				answer = "jobAbort"
				answerArgs["job"] = snap.jobUUID.String()
			}
			if _, err := conn.Call(ctx, answer, answerArgs); err != nil {
				return result, err
			}
		default:
			cb.Progress(archive.Progress{
				EntryName:        f.StringDefault("entryName", ""),
				EntryDoneSize:    fieldInt(f, "entryDoneSize"),
				EntryTotalSize:   fieldInt(f, "entryTotalSize"),
				DoneCount:        fieldInt(f, "doneCount"),
				DoneSize:         fieldInt(f, "doneSize"),
				TotalCount:       fieldInt(f, "totalCount"),
				TotalSize:        fieldInt(f, "totalSize"),
				SkippedCount:     fieldInt(f, "skippedCount"),
				SkippedSize:      fieldInt(f, "skippedSize"),
				ErrorCount:       fieldInt(f, "errorCount"),
				ErrorSize:        fieldInt(f, "errorSize"),
				StorageName:      f.StringDefault("storageName", ""),
				StorageDoneSize:  fieldInt(f, "storageDoneSize"),
				StorageTotalSize: fieldInt(f, "storageTotalSize"),
			})
		}

		// A local abort request propagates to the slave once.
		if !abortSent && cb.IsAborted() {
			abortSent = true
			conn.Call(ctx, "jobAbort", protocol.Args{"job": snap.jobUUID.String()})
		}
	}
	return result, protocol.Errorf(protocol.CodeSlaveDisconnected, "connection lost during create")
}

func putBool(args protocol.Args, key string, v bool) {
	if v {
		args[key] = "yes"
	}
}

func fieldInt(f protocol.Args, key string) int64 {
	v, err := strconv.ParseInt(f.StringDefault(key, "0"), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
