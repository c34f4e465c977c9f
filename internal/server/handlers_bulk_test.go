package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bard-backup/bard/internal/archive"
	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/protocol"
)

// archiveFile drops a payload file and registers it as a storage row.
func archiveFile(t *testing.T, h *index.Handle, dir, name string, entityID int64) (int64, string) {
	t.Helper()
	full := filepath.Join(dir, name)
	payload := []byte("archive payload")
	require.NoError(t, os.WriteFile(full, payload, 0o600))
	sid, err := h.CreateStorage(&db.Storage{
		EntityID:  entityID,
		Name:      full,
		TotalSize: int64(len(payload)),
		State:     db.IndexStateOk,
	})
	require.NoError(t, err)
	return sid, full
}

func TestEntityMoveTo(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	srcDir := t.TempDir()
	dstDir := t.TempDir()
	eid, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	sid, srcFile := archiveFile(t, h, srcDir, "run.bar", eid)

	rows := dispatch(t, d, s, h, "1 entityMoveTo entityIds="+formatID(eid)+" moveTo="+dstDir)
	res := terminal(rows)
	require.Equal(t, protocol.CodeNone, res.Code)
	done, _ := res.Get("doneCount")
	assert.Equal(t, "1", done)

	assert.NoFileExists(t, srcFile)
	assert.FileExists(t, filepath.Join(dstDir, "run.bar"))

	row, err := h.Storage(sid)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dstDir, "run.bar"), row.Name)
}

func TestEntityMoveToPicksUniqueName(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	srcDir := t.TempDir()
	dstDir := t.TempDir()
	// Occupy the natural destination name.
	require.NoError(t, os.WriteFile(filepath.Join(dstDir, "run.bar"), []byte("x"), 0o600))

	eid, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	sid, _ := archiveFile(t, h, srcDir, "run.bar", eid)

	rows := dispatch(t, d, s, h, "1 entityMoveTo entityIds="+formatID(eid)+" moveTo="+dstDir)
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)

	assert.FileExists(t, filepath.Join(dstDir, "run-0.bar"))
	row, err := h.Storage(sid)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dstDir, "run-0.bar"), row.Name)
}

func TestEntityMoveToRefusesLocked(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	eid, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	require.NoError(t, h.SetEntityLocked(eid, true))

	rows := dispatch(t, d, s, h, "1 entityMoveTo entityIds="+formatID(eid)+" moveTo="+t.TempDir())
	assert.Equal(t, protocol.CodeDatabaseEntryNotFound, terminal(rows).Code)
}

func TestStorageTest(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	dir := t.TempDir()
	eid, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	okID, _ := archiveFile(t, h, dir, "good.bar", eid)
	badID, err := h.CreateStorage(&db.Storage{
		EntityID: eid, Name: filepath.Join(dir, "missing.bar"), TotalSize: 10,
	})
	require.NoError(t, err)

	rows := dispatch(t, d, s, h, "1 storageTest entityId="+formatID(eid))
	res := terminal(rows)
	require.Equal(t, protocol.CodeNone, res.Code)
	okCount, _ := res.Get("okCount")
	assert.Equal(t, "1", okCount)

	row, err := h.Storage(okID)
	require.NoError(t, err)
	assert.Equal(t, db.IndexStateOk, row.State)

	row, err = h.Storage(badID)
	require.NoError(t, err)
	assert.Equal(t, db.IndexStateError, row.State)
	assert.NotEmpty(t, row.ErrorMessage)
}

func TestStorageTestSizeMismatch(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	full := filepath.Join(t.TempDir(), "short.bar")
	require.NoError(t, os.WriteFile(full, []byte("abc"), 0o600))
	sid, err := h.CreateStorage(&db.Storage{Name: full, TotalSize: 999})
	require.NoError(t, err)

	rows := dispatch(t, d, s, h, "1 storageTest storageIds="+formatID(sid))
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)

	row, err := h.Storage(sid)
	require.NoError(t, err)
	assert.Equal(t, db.IndexStateError, row.State)
	assert.Contains(t, row.ErrorMessage, "size mismatch")
}

func TestStorageDelete(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	dir := t.TempDir()
	eid, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	sid, full := archiveFile(t, h, dir, "gone.bar", eid)

	rows := dispatch(t, d, s, h, "1 storageDelete storageId="+formatID(sid))
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)

	assert.NoFileExists(t, full)
	_, err = h.Storage(sid)
	assert.ErrorIs(t, err, index.ErrNotFound)
}

// fakeRestorer records requests; when block is set it spins until the
// abort callback fires and then unwinds with an error, like a real engine.
type fakeRestorer struct {
	block    bool
	requests []archive.RestoreRequest
	result   archive.RestoreResult

	namePasswords []string
}

func (f *fakeRestorer) Restore(_ context.Context, req archive.RestoreRequest, cb archive.Callbacks) (archive.RestoreResult, error) {
	cb = cb.Normalized()
	f.requests = append(f.requests, req)
	for pw, ok := cb.GetNamePassword(req.StorageName); ok; pw, ok = cb.GetNamePassword(req.StorageName) {
		f.namePasswords = append(f.namePasswords, pw)
	}
	if f.block {
		for !cb.IsAborted() {
			time.Sleep(5 * time.Millisecond)
		}
		return archive.RestoreResult{}, protocol.Errorf(protocol.CodeInterrupted, "restore interrupted")
	}
	cb.Progress(archive.Progress{DoneCount: f.result.DoneCount, DoneSize: f.result.DoneSize})
	return f.result, nil
}

func TestRestoreFromStorage(t *testing.T) {
	deps := testDeps(t)
	restorer := &fakeRestorer{result: archive.RestoreResult{DoneCount: 3, DoneSize: 300}}
	deps.Restorer = restorer
	d, s := testDispatcher(t, deps)

	// Decrypt candidates are handed to the engine in arrival order.
	s.creds.decrypt = []string{"first", "second"}

	dst := t.TempDir()
	rows := dispatch(t, d, s, nil, "1 restore storageName=/backups/run.bar destination="+dst+" overwrite=yes")
	res := terminal(rows)
	require.Equal(t, protocol.CodeNone, res.Code)
	done, _ := res.Get("doneCount")
	assert.Equal(t, "3", done)

	require.Len(t, restorer.requests, 1)
	req := restorer.requests[0]
	assert.Equal(t, "/backups/run.bar", req.StorageName)
	assert.Equal(t, dst, req.Destination)
	assert.True(t, req.Overwrite)
	assert.Empty(t, req.Names, "no entry scope means everything")
	assert.Equal(t, []string{"first", "second"}, restorer.namePasswords)
}

func TestRestoreSelectedEntries(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	restorer := &fakeRestorer{}
	deps.Restorer = restorer
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	eid, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	sid, err := h.CreateStorage(&db.Storage{EntityID: eid, Name: "/backups/run.bar"})
	require.NoError(t, err)
	entryID, err := h.CreateEntry(&db.Entry{EntityID: eid, Type: db.EntryTypeFile, Name: "/etc/hosts", Size: 7})
	require.NoError(t, err)
	_, err = h.CreateEntryFragment(&db.EntryFragment{EntryID: entryID, StorageID: sid, Size: 7})
	require.NoError(t, err)

	rows := dispatch(t, d, s, h,
		"1 restore entryIds="+formatID(entryID)+" destination="+t.TempDir())
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)

	require.Len(t, restorer.requests, 1)
	assert.Equal(t, "/backups/run.bar", restorer.requests[0].StorageName)
	assert.Equal(t, []string{"/etc/hosts"}, restorer.requests[0].Names)

	// The entity lock taken for the restore is released again.
	e, err := h.Entity(eid)
	require.NoError(t, err)
	assert.False(t, e.Locked)
}

func TestRestoreAborts(t *testing.T) {
	deps := testDeps(t)
	restorer := &fakeRestorer{block: true}
	deps.Restorer = restorer
	d, s := testDispatcher(t, deps)

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.abortMu.Lock()
		s.aborts[0] = 7
		s.abortMu.Unlock()
	}()

	rows := dispatch(t, d, s, nil, "7 restore storageName=/backups/run.bar destination="+t.TempDir())
	res := terminal(rows)
	assert.Equal(t, protocol.CodeAborted, res.Code)
}
