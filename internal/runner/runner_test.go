package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bard-backup/bard/internal/archive"
	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/protocol"
)

// fakeCreator records its request and returns a canned result.
type fakeCreator struct {
	mu      sync.Mutex
	request archive.CreateRequest
	calls   int

	result archive.CreateResult
	err    error
	// hook runs inside Create with the callbacks, before returning.
	hook func(cb archive.Callbacks)
}

func (f *fakeCreator) Create(_ context.Context, req archive.CreateRequest, cb archive.Callbacks) (archive.CreateResult, error) {
	f.mu.Lock()
	f.request = req
	f.calls++
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(cb)
	}
	return f.result, f.err
}

type fakeRestorer struct {
	request archive.RestoreRequest
	calls   int
	err     error
}

func (f *fakeRestorer) Restore(_ context.Context, req archive.RestoreRequest, _ archive.Callbacks) (archive.RestoreResult, error) {
	f.request = req
	f.calls++
	return archive.RestoreResult{}, f.err
}

func testIndex(t *testing.T) *index.Index {
	t.Helper()
	gdb, err := db.Open(db.Config{DSN: ":memory:", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	return index.New(gdb, zap.NewNop())
}

func triggeredJob(t *testing.T, list *jobs.List, name string, info jobs.TriggerInfo) *jobs.Job {
	t.Helper()
	j := jobs.NewJob(name)
	j.ArchiveName = "/backup/%name-%type.bar"
	require.NoError(t, list.Lock(0))
	require.NoError(t, list.Add(j))
	j.TriggerRun(info)
	list.Unlock()
	return j
}

func newTestRunner(list *jobs.List, idx *index.Index, creator archive.Creator, restorer archive.Restorer) *Runner {
	if creator == nil {
		creator = archive.Unsupported{}
	}
	if restorer == nil {
		restorer = archive.Unsupported{}
	}
	return New(list, nil, idx, nil, creator, restorer, nil, zap.NewNop())
}

func runOnce(t *testing.T, r *Runner) {
	t.Helper()
	snap := r.acquireNext()
	require.NotNil(t, snap)
	r.execute(snap)
}

func TestRunnerLocalCreate(t *testing.T) {
	list := jobs.NewList()
	idx := testIndex(t)
	creator := &fakeCreator{result: archive.CreateResult{
		TotalEntryCount:  10,
		TotalEntrySize:   1000,
		StorageTotalSize: 400,
		Storages:         []archive.StorageInfo{{Name: "/backup/j1-FULL.bar", Size: 400}},
	}}
	r := newTestRunner(list, idx, creator, nil)

	sched := jobs.NewSchedule(db.ArchiveTypeFull)
	j := triggeredJob(t, list, "j1", jobs.TriggerInfo{
		ArchiveType: db.ArchiveTypeFull, ScheduleUUID: sched.UUID, Actor: "tester",
	})
	require.NoError(t, list.Lock(0))
	j.AddSchedule(sched)
	list.Unlock()

	runOnce(t, r)

	assert.Equal(t, 1, creator.calls)
	assert.Equal(t, "/backup/j1-full.bar", creator.request.StorageName)
	assert.Equal(t, db.ArchiveTypeFull, creator.request.ArchiveType)
	assert.NotEqual(t, uuid.Nil, creator.request.EntityUUID)

	assert.Equal(t, jobs.StateDone, j.Running.State)
	assert.InDelta(t, 0.6, j.Running.CompressionRatio, 1e-9)
	require.NotNil(t, j.LastRun)
	assert.Equal(t, 0, j.LastRun.ErrorCode)
	assert.False(t, sched.LastExecuted.IsZero(), "schedule last-executed updated")

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	ent, err := h.EntityByUUID(creator.request.EntityUUID)
	require.NoError(t, err)
	assert.Equal(t, j.UUID, ent.JobUUID)
	assert.Equal(t, int64(10), ent.TotalEntryCount)
	storages, err := h.StoragesByEntity(ent.ID)
	require.NoError(t, err)
	require.Len(t, storages, 1)
	assert.Equal(t, "/backup/j1-FULL.bar", storages[0].Name)

	hist, err := h.History(j.UUID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 0, hist[0].ErrorCode)
	assert.Equal(t, ent.UUID, hist[0].EntityUUID)
}

func TestRunnerInvalidStorageName(t *testing.T) {
	list := jobs.NewList()
	creator := &fakeCreator{}
	r := newTestRunner(list, nil, creator, nil)

	j := triggeredJob(t, list, "bad", jobs.TriggerInfo{ArchiveType: db.ArchiveTypeNormal})
	require.NoError(t, list.Lock(0))
	j.ArchiveName = "gopher://nowhere/x"
	list.Unlock()

	runOnce(t, r)

	assert.Equal(t, 0, creator.calls)
	assert.Equal(t, jobs.StateError, j.Running.State)
	assert.Contains(t, j.Running.Message.Text, "invalid storage")
}

func TestRunnerPreScriptFailureAbortsRun(t *testing.T) {
	list := jobs.NewList()
	creator := &fakeCreator{}
	r := newTestRunner(list, nil, creator, nil)

	j := triggeredJob(t, list, "prefail", jobs.TriggerInfo{ArchiveType: db.ArchiveTypeNormal})
	require.NoError(t, list.Lock(0))
	j.PreScript = "exit 3"
	list.Unlock()

	runOnce(t, r)

	assert.Equal(t, 0, creator.calls, "core operation skipped")
	assert.Equal(t, jobs.StateError, j.Running.State)
	assert.Contains(t, j.Running.Message.Text, "pre-command failed")
}

func TestRunnerPostScriptFailureRecordedOnly(t *testing.T) {
	list := jobs.NewList()
	creator := &fakeCreator{result: archive.CreateResult{TotalEntryCount: 1, TotalEntrySize: 1}}
	r := newTestRunner(list, nil, creator, nil)

	j := triggeredJob(t, list, "postfail", jobs.TriggerInfo{ArchiveType: db.ArchiveTypeNormal})
	require.NoError(t, list.Lock(0))
	j.PostScript = "exit 1"
	list.Unlock()

	runOnce(t, r)

	assert.Equal(t, 1, creator.calls, "core operation still ran")
	assert.Equal(t, jobs.StateError, j.Running.State)
	assert.Contains(t, j.Running.Message.Text, "post-command failed")
}

func TestRunnerAbortedRun(t *testing.T) {
	list := jobs.NewList()
	creator := &fakeCreator{err: protocol.Errorf(protocol.CodeAborted, "unwound")}
	r := newTestRunner(list, nil, creator, nil)

	j := triggeredJob(t, list, "abortme", jobs.TriggerInfo{ArchiveType: db.ArchiveTypeNormal})
	creator.hook = func(cb archive.Callbacks) {
		require.NoError(t, list.Lock(0))
		j.Running.RequestedAbortFlag = true
		j.Running.RequestedAbortActor = "operator"
		list.Unlock()
		assert.True(t, cb.IsAborted())
	}

	runOnce(t, r)

	assert.Equal(t, jobs.StateAborted, j.Running.State)
	assert.Contains(t, j.Running.Message.Text, "aborted by operator")
}

func TestRunnerRestoreRun(t *testing.T) {
	list := jobs.NewList()
	restorer := &fakeRestorer{}
	r := newTestRunner(list, nil, nil, restorer)

	j := triggeredJob(t, list, "restoreme", jobs.TriggerInfo{
		Restore: &jobs.RestoreSpec{
			StorageName: "/backup/old.bar",
			Names:       []string{"/etc/hosts"},
			Destination: "/tmp/restored",
		},
	})

	runOnce(t, r)

	assert.Equal(t, 1, restorer.calls)
	assert.Equal(t, "/backup/old.bar", restorer.request.StorageName)
	assert.Equal(t, "/tmp/restored", restorer.request.Destination)
	assert.Equal(t, jobs.StateDone, j.Running.State)
}

func TestRunnerDryRunSkipsIndex(t *testing.T) {
	list := jobs.NewList()
	idx := testIndex(t)
	creator := &fakeCreator{result: archive.CreateResult{TotalEntryCount: 5, TotalEntrySize: 50}}
	r := newTestRunner(list, idx, creator, nil)

	j := triggeredJob(t, list, "dry", jobs.TriggerInfo{ArchiveType: db.ArchiveTypeNormal, DryRun: true})

	runOnce(t, r)
	assert.Equal(t, jobs.StateDone, j.Running.State)

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	hist, err := h.History(j.UUID, 0)
	require.NoError(t, err)
	assert.Empty(t, hist, "dry runs leave no history")
	ents, err := h.EntitiesByJob(j.UUID)
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestWaitVolumeTransitions(t *testing.T) {
	list := jobs.NewList()
	r := newTestRunner(list, nil, nil, nil)
	j := jobs.NewJob("vol")
	require.NoError(t, list.Lock(0))
	require.NoError(t, list.Add(j))
	list.Unlock()

	resolve := func(f func(ri *jobs.RunningInfo)) {
		// Wait for the request to become visible, then apply the client
		// transition.
		for {
			require.NoError(t, list.Lock(0))
			if j.Running.VolumeRequest == jobs.VolumeRequestInitial {
				f(&j.Running)
				list.Unlock()
				return
			}
			list.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
	}

	go resolve(func(ri *jobs.RunningInfo) { ri.VolumeRequest = jobs.VolumeRequestOk })
	assert.Equal(t, archive.VolumeOk, r.waitVolume(j, 2, "insert volume 2"))
	assert.Equal(t, jobs.VolumeRequestNone, j.Running.VolumeRequest)

	go resolve(func(ri *jobs.RunningInfo) { ri.VolumeUnloadFlag = true })
	assert.Equal(t, archive.VolumeUnload, r.waitVolume(j, 3, "insert volume 3"))

	go resolve(func(ri *jobs.RunningInfo) { ri.RequestedAbortFlag = true })
	assert.Equal(t, archive.VolumeAborted, r.waitVolume(j, 4, "insert volume 4"))
	assert.Equal(t, jobs.VolumeRequestAborted, j.Running.VolumeRequest)
}

func TestScriptRunner(t *testing.T) {
	var sr ScriptRunner

	res, err := sr.Run(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Output)

	res, err = sr.Run(context.Background(), "echo hello %name%", map[string]string{"name": "j1"})
	require.NoError(t, err)
	assert.Equal(t, "hello j1", res.Output)

	res, err = sr.Run(context.Background(), "exit 7", nil)
	require.ErrorIs(t, err, ErrScriptFailed)
	assert.Equal(t, 7, res.ExitCode)
}

func TestSubstituteMacros(t *testing.T) {
	macros := map[string]string{
		"name":        "j1",
		"nextJobName": "j2",
	}
	got := SubstituteMacros("run %name% before %nextJobName% at 100%%", macros)
	assert.Equal(t, "run j1 before j2 at 100%", got)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00:05", formatDuration(5*time.Second))
	assert.Equal(t, "01:02:03", formatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "27:00:00", formatDuration(27*time.Hour))
}
