package indexer

import (
	"context"
	"os"
	"path/filepath"
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

func testIndex(t *testing.T) *index.Index {
	t.Helper()
	gdb, err := db.Open(db.Config{DSN: ":memory:", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	return index.New(gdb, zap.NewNop())
}

// fakeScanner is an IndexUpdater that emits canned entries, optionally
// requiring a specific crypt password.
type fakeScanner struct {
	needPassword string
	entries      []archive.IndexedEntry
	err          error

	requests []archive.UpdateIndexRequest
}

func (f *fakeScanner) UpdateIndex(_ context.Context, req archive.UpdateIndexRequest, _ archive.Callbacks) error {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return f.err
	}
	if req.CryptPassword != f.needPassword {
		return protocol.Errorf(protocol.CodeInvalidCryptPassword, "invalid crypt password")
	}
	for _, e := range f.entries {
		if err := req.Emit(e); err != nil {
			return err
		}
	}
	return nil
}

// pendingStorage creates an entity plus a storage row in UpdateRequested
// state backed by a real file, so the connect probe succeeds.
func pendingStorage(t *testing.T, h *index.Handle) (int64, int64, string) {
	t.Helper()
	name := filepath.Join(t.TempDir(), "run.bar")
	require.NoError(t, os.WriteFile(name, []byte("payload"), 0o600))
	eid, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	sid, err := h.CreateStorage(&db.Storage{
		EntityID: eid, Name: name, State: db.IndexStateUpdateRequested,
	})
	require.NoError(t, err)
	return eid, sid, name
}

func TestUpdaterIndexesPendingStorage(t *testing.T) {
	idx := testIndex(t)
	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	eid, sid, _ := pendingStorage(t, h)

	scanner := &fakeScanner{entries: []archive.IndexedEntry{
		{Type: db.EntryTypeFile, Name: "/etc/hosts", Size: 120, FragmentSize: 80},
		{Type: db.EntryTypeDirectory, Name: "/etc"},
	}}
	u := NewUpdater(nil, idx, nil, nil, scanner, zap.NewNop())

	assert.True(t, u.UpdateOne())
	assert.False(t, u.UpdateOne(), "queue drained")

	s, err := h.Storage(sid)
	require.NoError(t, err)
	assert.Equal(t, db.IndexStateOk, s.State)
	assert.False(t, s.LastChecked.IsZero())

	entries, err := h.Entries(index.EntryFilter{EntityID: eid})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	frags, err := h.EntryFragments(entries[0].ID)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, sid, frags[0].StorageID)

	ent, err := h.Entity(eid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ent.TotalEntryCount)
	assert.Equal(t, int64(120), ent.TotalEntrySize)
}

func TestUpdaterTriesJobCryptPasswords(t *testing.T) {
	idx := testIndex(t)
	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	_, sid, _ := pendingStorage(t, h)

	list := jobs.NewList()
	j := jobs.NewJob("encrypted")
	j.Crypt.PasswordMode = "config"
	j.Crypt.Password = "s3cret"
	require.NoError(t, list.Lock(0))
	require.NoError(t, list.Add(j))
	list.Unlock()

	scanner := &fakeScanner{needPassword: "s3cret"}
	u := NewUpdater(list, idx, nil, nil, scanner, zap.NewNop())

	assert.True(t, u.UpdateOne())

	s, err := h.Storage(sid)
	require.NoError(t, err)
	assert.Equal(t, db.IndexStateOk, s.State)
	// The empty candidate was rejected before the job password matched.
	require.GreaterOrEqual(t, len(scanner.requests), 2)
	assert.Equal(t, "", scanner.requests[0].CryptPassword)
	assert.Equal(t, "s3cret", scanner.requests[len(scanner.requests)-1].CryptPassword)
}

func TestUpdaterRecordsScanError(t *testing.T) {
	idx := testIndex(t)
	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	_, sid, _ := pendingStorage(t, h)

	scanner := &fakeScanner{err: protocol.Errorf(protocol.CodeFail, "archive truncated")}
	u := NewUpdater(nil, idx, nil, nil, scanner, zap.NewNop())

	assert.True(t, u.UpdateOne())

	s, err := h.Storage(sid)
	require.NoError(t, err)
	assert.Equal(t, db.IndexStateError, s.State)
	assert.Contains(t, s.ErrorMessage, "archive truncated")
}

func TestUpdaterAttachesEntityToAutoRow(t *testing.T) {
	idx := testIndex(t)
	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()

	name := filepath.Join(t.TempDir(), "found.bar")
	require.NoError(t, os.WriteFile(name, []byte("x"), 0o600))
	sid, err := h.CreateStorage(&db.Storage{
		Name: name, State: db.IndexStateUpdateRequested, Mode: db.IndexModeAuto,
		CreatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	u := NewUpdater(nil, idx, nil, nil, &fakeScanner{}, zap.NewNop())
	assert.True(t, u.UpdateOne())

	s, err := h.Storage(sid)
	require.NoError(t, err)
	assert.NotZero(t, s.EntityID, "detached row got an entity")
	ent, err := h.Entity(s.EntityID)
	require.NoError(t, err)
	assert.Equal(t, db.ArchiveTypeNone, ent.Type)
}
