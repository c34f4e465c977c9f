package jobs

import (
	"time"

	"github.com/VividCortex/ewma"
)

// VolumeRequest is the state of the volume-request sub-protocol between the
// runner and a client (§ media change while writing to removable storage).
type VolumeRequest string

const (
	VolumeRequestNone    VolumeRequest = "NONE"
	VolumeRequestInitial VolumeRequest = "INITIAL"
	VolumeRequestOk      VolumeRequest = "OK"
	VolumeRequestUnload  VolumeRequest = "UNLOAD"
	VolumeRequestAborted VolumeRequest = "ABORTED"
)

// Message is the current human-readable status of a run.
type Message struct {
	Code int
	Text string
}

// Counters holds one done/total progress pair in entries and bytes.
type Counters struct {
	DoneCount  int64
	DoneSize   int64
	TotalCount int64
	TotalSize  int64
}

// RunningInfo is the transient per-job execution state published to
// clients by jobStatus. Mutated by the runner under the job-list lock.
type RunningInfo struct {
	State State

	Total        Counters
	Skipped      Counters
	ErrorEntries Counters

	EntryName      string
	EntryDoneSize  int64
	EntryTotalSize int64

	StorageName      string
	StorageDoneSize  int64
	StorageTotalSize int64

	ArchiveSize      int64
	CompressionRatio float64

	Message Message

	VolumeRequest       VolumeRequest
	VolumeNumber        int
	VolumeUnloadFlag    bool
	RequestedAbortFlag  bool
	RequestedAbortActor string

	EstimatedRestTime time.Duration

	// Three independent moving-average throughput filters fed on every
	// progress callback.
	entriesPerSecond     ewma.MovingAverage
	bytesPerSecond       ewma.MovingAverage
	storageBytesPerSecond ewma.MovingAverage

	lastSampleAt      time.Time
	lastDoneCount     int64
	lastDoneSize      int64
	lastStorageSize   int64
}

// Reset clears all counters, filters, and flags. State is left for the
// caller to set.
func (ri *RunningInfo) Reset() {
	state := ri.State
	*ri = RunningInfo{State: state}
}

// initFilters lazily creates the moving averages (the zero RunningInfo must
// stay usable).
func (ri *RunningInfo) initFilters() {
	if ri.entriesPerSecond == nil {
		ri.entriesPerSecond = ewma.NewMovingAverage()
		ri.bytesPerSecond = ewma.NewMovingAverage()
		ri.storageBytesPerSecond = ewma.NewMovingAverage()
	}
}

// Sample feeds the throughput filters with the current progress counters
// and recomputes the estimated rest time as the maximum of rest-size over
// rate across the three filters.
func (ri *RunningInfo) Sample(now time.Time) {
	ri.initFilters()

	if !ri.lastSampleAt.IsZero() {
		dt := now.Sub(ri.lastSampleAt).Seconds()
		if dt > 0 {
			ri.entriesPerSecond.Add(float64(ri.Total.DoneCount-ri.lastDoneCount) / dt)
			ri.bytesPerSecond.Add(float64(ri.Total.DoneSize-ri.lastDoneSize) / dt)
			ri.storageBytesPerSecond.Add(float64(ri.StorageDoneSize-ri.lastStorageSize) / dt)
		}
	}
	ri.lastSampleAt = now
	ri.lastDoneCount = ri.Total.DoneCount
	ri.lastDoneSize = ri.Total.DoneSize
	ri.lastStorageSize = ri.StorageDoneSize

	ri.EstimatedRestTime = maxDuration(
		restTime(ri.Total.TotalCount-ri.Total.DoneCount, ri.entriesPerSecond.Value()),
		restTime(ri.Total.TotalSize-ri.Total.DoneSize, ri.bytesPerSecond.Value()),
		restTime(ri.StorageTotalSize-ri.StorageDoneSize, ri.storageBytesPerSecond.Value()),
	)
}

// Rates returns the smoothed entries/s, bytes/s, and storage-bytes/s.
func (ri *RunningInfo) Rates() (entries, bytes, storageBytes float64) {
	ri.initFilters()
	return ri.entriesPerSecond.Value(), ri.bytesPerSecond.Value(), ri.storageBytesPerSecond.Value()
}

func restTime(rest int64, rate float64) time.Duration {
	if rest <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(float64(rest) / rate * float64(time.Second))
}

func maxDuration(ds ...time.Duration) time.Duration {
	var max time.Duration
	for _, d := range ds {
		if d > max {
			max = d
		}
	}
	return max
}
