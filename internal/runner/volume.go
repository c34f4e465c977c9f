package runner

import (
	"time"

	"github.com/bard-backup/bard/internal/archive"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/trigger"
)

// volumePollInterval is the wait cadence of the volume sub-protocol; the
// list trigger wakes it immediately on client transitions.
const volumePollInterval = 500 * time.Millisecond

// waitVolume publishes a volume request on the job and blocks until a
// client resolves it with volumeLoad/volumeUnload or the run is aborted.
func (r *Runner) waitVolume(j *jobs.Job, number int, message string) archive.VolumeResponse {
	if err := r.list.Lock(0); err != nil {
		return archive.VolumeAborted
	}
	j.Running.VolumeRequest = jobs.VolumeRequestInitial
	j.Running.VolumeNumber = number
	j.Running.VolumeUnloadFlag = false
	j.Running.Message = jobs.Message{Text: message}
	r.list.Unlock()

	for {
		if r.quit.IsSet() {
			return r.resolveVolume(j, jobs.VolumeRequestAborted, archive.VolumeAborted)
		}
		if err := r.list.Lock(0); err != nil {
			trigger.Delay(volumePollInterval, r.quit, r.list.Changed())
			continue
		}
		ri := &j.Running
		switch {
		case ri.RequestedAbortFlag:
			ri.VolumeRequest = jobs.VolumeRequestAborted
			r.list.Unlock()
			return archive.VolumeAborted
		case ri.VolumeUnloadFlag:
			ri.VolumeUnloadFlag = false
			ri.VolumeRequest = jobs.VolumeRequestNone
			r.list.Unlock()
			return archive.VolumeUnload
		case ri.VolumeRequest == jobs.VolumeRequestOk:
			// A client loaded the volume via volumeLoad.
			ri.VolumeRequest = jobs.VolumeRequestNone
			r.list.Unlock()
			return archive.VolumeOk
		}
		r.list.Unlock()
		trigger.Delay(volumePollInterval, r.quit, r.list.Changed())
	}
}

func (r *Runner) resolveVolume(j *jobs.Job, state jobs.VolumeRequest, resp archive.VolumeResponse) archive.VolumeResponse {
	if err := r.list.Lock(0); err != nil {
		return resp
	}
	j.Running.VolumeRequest = state
	r.list.Unlock()
	return resp
}
