package indexer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/config"
	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/jobs"
)

func scannerFixture(t *testing.T) (*AutoScanner, *index.Index, string) {
	t.Helper()
	dir := t.TempDir()
	list := jobs.NewList()
	j := jobs.NewJob("nightly")
	j.ArchiveName = filepath.Join(dir, "%name-%type.bar")
	require.NoError(t, list.Lock(0))
	require.NoError(t, list.Add(j))
	list.Unlock()

	idx := testIndex(t)
	return NewAutoScanner(list, idx, nil, nil, zap.NewNop()), idx, dir
}

func writeAged(t *testing.T, name string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(name, []byte("x"), 0o600))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(name, old, old))
}

func TestAutoScannerDiscoversArchives(t *testing.T) {
	a, idx, dir := scannerFixture(t)
	writeAged(t, filepath.Join(dir, "found.bar"), 2*time.Hour)
	writeAged(t, filepath.Join(dir, "fresh.bar"), time.Minute)
	writeAged(t, filepath.Join(dir, "noise.txt"), 2*time.Hour)

	a.Scan()

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	rows, err := h.Storages(db.IndexStateNone)
	require.NoError(t, err)
	require.Len(t, rows, 1, "only the settled archive is picked up")
	assert.Equal(t, filepath.Join(dir, "found.bar"), rows[0].Name)
	assert.Equal(t, db.IndexStateUpdateRequested, rows[0].State)
	assert.Equal(t, db.IndexModeAuto, rows[0].Mode)

	// A second pass touches the row instead of duplicating it.
	a.Scan()
	rows, err = h.Storages(db.IndexStateNone)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestAutoScannerRequestsUpdateOnModifiedArchive(t *testing.T) {
	a, idx, dir := scannerFixture(t)
	name := filepath.Join(dir, "seen.bar")
	writeAged(t, name, 2*time.Hour)

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	eid, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	sid, err := h.CreateStorage(&db.Storage{
		EntityID: eid, Name: name, State: db.IndexStateOk,
		LastChecked: time.Now().Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	a.Scan()

	s, err := h.Storage(sid)
	require.NoError(t, err)
	assert.Equal(t, db.IndexStateUpdateRequested, s.State,
		"file changed after the last check")
}

func TestAutoScannerScansMoveTargets(t *testing.T) {
	a, idx, _ := scannerFixture(t)
	moveDir := t.TempDir()
	writeAged(t, filepath.Join(moveDir, "moved.bar"), 2*time.Hour)

	require.NoError(t, a.list.Lock(0))
	j := a.list.All()[0]
	j.Persistence.Add(jobs.PersistenceRule{
		Type: db.ArchiveTypeFull, MaxAge: 30, MoveTo: moveDir,
	})
	a.list.Unlock()

	a.Scan()

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	rows, err := h.Storages(db.IndexStateNone)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, filepath.Join(moveDir, "moved.bar"), rows[0].Name)
}

func TestHousekeeperPrunesStaleRows(t *testing.T) {
	idx := testIndex(t)
	cfg := config.NewStore(filepath.Join(t.TempDir(), "bard.conf"))

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()

	stale := time.Now().AddDate(0, 0, -60)
	_, err = h.CreateStorage(&db.Storage{
		Name: "/gone/old.bar", Mode: db.IndexModeAuto,
		CreatedAt: stale, LastChecked: stale,
	})
	require.NoError(t, err)
	require.NoError(t, h.AddHistory(&db.HistoryRow{
		JobUUID: uuid.New(), Type: db.ArchiveTypeFull,
		CreatedAt: time.Now().AddDate(0, 0, -120),
	}))
	require.NoError(t, h.AddHistory(&db.HistoryRow{
		JobUUID: uuid.New(), Type: db.ArchiveTypeFull,
		CreatedAt: time.Now().AddDate(0, 0, -5),
	}))

	k, err := NewHousekeeper(idx, cfg, nil, nil, zap.NewNop())
	require.NoError(t, err)
	k.RunOnce()

	rows, err := h.Storages(db.IndexStateNone)
	require.NoError(t, err)
	assert.Empty(t, rows, "stale auto row cleaned")

	hist, err := h.History(uuid.Nil, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1, "only the recent history row survives")
}
