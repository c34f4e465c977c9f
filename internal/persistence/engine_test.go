package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/jobs"
)

func testIndex(t *testing.T) *index.Index {
	t.Helper()
	gdb, err := db.Open(db.Config{DSN: ":memory:", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	return index.New(gdb, zap.NewNop())
}

// addEntity inserts an entity created the given number of days ago.
func addEntity(t *testing.T, h *index.Handle, jobUUID uuid.UUID, typ db.ArchiveType, ageDays int, now time.Time) db.Entity {
	t.Helper()
	e := db.Entity{
		UUID:      uuid.New(),
		JobUUID:   jobUUID,
		CreatedAt: now.Add(-time.Duration(ageDays) * 24 * time.Hour),
		Type:      typ,
	}
	_, err := h.CreateEntity(&e)
	require.NoError(t, err)
	return e
}

// testEngine builds an engine over one job with the given rules, a frozen
// clock, and a dry-run purger.
func testEngine(t *testing.T, idx *index.Index, now time.Time, rules ...jobs.PersistenceRule) (*Engine, *jobs.Job, *DryRunPurger) {
	t.Helper()
	list := jobs.NewList()
	j := jobs.NewJob("retained")
	for _, r := range rules {
		j.Persistence.Add(r)
	}
	// Push the rule edit out of the settle window.
	j.Persistence.LastModifiedAt = now.Add(-time.Hour)
	require.NoError(t, list.Lock(0))
	require.NoError(t, list.Add(j))
	list.Unlock()

	e := New(list, idx, nil, zap.NewNop())
	e.now = func() time.Time { return now }
	dry := &DryRunPurger{}
	e.SetPurger(dry)
	return e, j, dry
}

func TestSweepMaxKeepPurgesOldestFirst(t *testing.T) {
	// Five FULL entities against maxKeep=3: the two oldest go, oldest
	// first.
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	idx := testIndex(t)
	e, j, dry := testEngine(t, idx, now,
		jobs.PersistenceRule{Type: db.ArchiveTypeFull, MinKeep: 2, MaxKeep: 3, MaxAge: jobs.Unlimited})

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	var ents []db.Entity
	for age := 5; age >= 1; age-- { // E1 oldest .. E5 newest
		ents = append(ents, addEntity(t, h, j.UUID, db.ArchiveTypeFull, age, now))
	}

	e.Sweep()

	require.Len(t, dry.Purged, 2)
	assert.Equal(t, ents[0].UUID, dry.Purged[0].UUID, "oldest purged first")
	assert.Equal(t, ents[1].UUID, dry.Purged[1].UUID)
	assert.Contains(t, dry.Reasons[0], "max. keep limit reached (3)")
}

func TestSweepInTransitPartition(t *testing.T) {
	// Two FULL periods, no move target: the boundary is purely logical,
	// so the surplus entity of the first period is purged normally.
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	idx := testIndex(t)
	e, j, dry := testEngine(t, idx, now,
		jobs.PersistenceRule{Type: db.ArchiveTypeFull, MinKeep: 1, MaxKeep: 1, MaxAge: 7},
		jobs.PersistenceRule{Type: db.ArchiveTypeFull, MinKeep: 1, MaxKeep: 1, MaxAge: 30})

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	c := addEntity(t, h, j.UUID, db.ArchiveTypeFull, 10, now)
	b := addEntity(t, h, j.UUID, db.ArchiveTypeFull, 5, now)
	a := addEntity(t, h, j.UUID, db.ArchiveTypeFull, 1, now)

	e.Sweep()

	require.Len(t, dry.Purged, 1)
	assert.Equal(t, b.UUID, dry.Purged[0].UUID, "surplus of the first period")
	_ = a
	_ = c
}

func TestSweepMoveBoundaryProtects(t *testing.T) {
	// Same layout, but the older period has a move target: the entity
	// above the boundary is in transit and must not be purged.
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	idx := testIndex(t)
	e, j, dry := testEngine(t, idx, now,
		jobs.PersistenceRule{Type: db.ArchiveTypeFull, MinKeep: 1, MaxKeep: 1, MaxAge: 7},
		jobs.PersistenceRule{Type: db.ArchiveTypeFull, MinKeep: 1, MaxKeep: 1, MaxAge: 30, MoveTo: "/archive/old"})

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	addEntity(t, h, j.UUID, db.ArchiveTypeFull, 10, now)
	addEntity(t, h, j.UUID, db.ArchiveTypeFull, 5, now)
	addEntity(t, h, j.UUID, db.ArchiveTypeFull, 1, now)

	e.Sweep()

	assert.Empty(t, dry.Purged, "boundary entity is in transit")
}

func TestSweepMaxAgeRespectsMinKeep(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	idx := testIndex(t)
	e, j, dry := testEngine(t, idx, now,
		jobs.PersistenceRule{Type: db.ArchiveTypeNormal, MinKeep: 2, MaxKeep: jobs.Unlimited, MaxAge: 7})

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	old1 := addEntity(t, h, j.UUID, db.ArchiveTypeNormal, 20, now)
	addEntity(t, h, j.UUID, db.ArchiveTypeNormal, 15, now)

	e.Sweep()
	assert.Empty(t, dry.Purged, "minKeep holds the line at 2")

	// A third over-age entity frees one for purging.
	addEntity(t, h, j.UUID, db.ArchiveTypeNormal, 25, now)
	dry.Purged = nil
	e.Sweep()
	require.Len(t, dry.Purged, 1)
	assert.NotEqual(t, old1.UUID, dry.Purged[0].UUID, "newest over-age entities survive")
	assert.Contains(t, dry.Reasons[len(dry.Reasons)-1], "max. age reached (7 days)")
}

func TestSweepSkipsLockedEntities(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	idx := testIndex(t)
	e, j, dry := testEngine(t, idx, now,
		jobs.PersistenceRule{Type: db.ArchiveTypeFull, MaxKeep: 1, MaxAge: jobs.Unlimited})

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	locked := addEntity(t, h, j.UUID, db.ArchiveTypeFull, 5, now)
	require.NoError(t, h.SetEntityLocked(locked.ID, true))
	addEntity(t, h, j.UUID, db.ArchiveTypeFull, 1, now)

	e.Sweep()
	assert.Empty(t, dry.Purged)
}

func TestSweepSettleDelay(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	idx := testIndex(t)
	e, j, dry := testEngine(t, idx, now,
		jobs.PersistenceRule{Type: db.ArchiveTypeFull, MaxKeep: 1, MaxAge: jobs.Unlimited})

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	addEntity(t, h, j.UUID, db.ArchiveTypeFull, 5, now)
	addEntity(t, h, j.UUID, db.ArchiveTypeFull, 1, now)

	// A fresh rule edit defers expiration.
	require.NoError(t, e.list.Lock(0))
	j.Persistence.LastModifiedAt = now.Add(-time.Minute)
	e.list.Unlock()
	e.Sweep()
	assert.Empty(t, dry.Purged)

	// An imminent run of the job overrides the settle delay.
	require.NoError(t, e.list.Lock(0))
	j.TriggerRun(jobs.TriggerInfo{ArchiveType: db.ArchiveTypeFull})
	e.list.Unlock()
	e.Sweep()
	assert.Len(t, dry.Purged, 1)
}

func TestSweepMovesStorageToTarget(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	idx := testIndex(t)
	e, j, _ := testEngine(t, idx, now,
		jobs.PersistenceRule{Type: db.ArchiveTypeFull, MaxKeep: jobs.Unlimited, MaxAge: jobs.Unlimited, MoveTo: dstDir})

	h, err := idx.Open()
	require.NoError(t, err)
	defer h.Close()
	ent := addEntity(t, h, j.UUID, db.ArchiveTypeFull, 3, now)

	srcFile := filepath.Join(srcDir, "full-001.bar")
	require.NoError(t, os.WriteFile(srcFile, []byte("archive-bytes"), 0o600))
	sid, err := h.CreateStorage(&db.Storage{EntityID: ent.ID, Name: srcFile, TotalSize: 13})
	require.NoError(t, err)

	// Occupy the plain target name so the unique -0 variant is used.
	require.NoError(t, os.WriteFile(filepath.Join(dstDir, "full-001.bar"), []byte("other"), 0o600))

	var sawTransfer bool
	e.SetTransferCallback(func(TransferInfo) { sawTransfer = true })
	e.Sweep()

	moved := filepath.Join(dstDir, "full-001-0.bar")
	data, err := os.ReadFile(moved)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(data))
	_, err = os.Stat(srcFile)
	assert.True(t, os.IsNotExist(err), "source removed after the move")

	s, err := h.Storage(sid)
	require.NoError(t, err)
	assert.Equal(t, moved, s.Name)
	assert.True(t, sawTransfer)

	// A second sweep finds everything in place and does nothing.
	e.Sweep()
	s, err = h.Storage(sid)
	require.NoError(t, err)
	assert.Equal(t, moved, s.Name)
}
