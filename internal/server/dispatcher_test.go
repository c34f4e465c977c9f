package server

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bard-backup/bard/internal/authz"
	"github.com/bard-backup/bard/internal/config"
	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/pause"
	"github.com/bard-backup/bard/internal/protocol"
)

func testIndex(t *testing.T) *index.Index {
	t.Helper()
	gdb, err := db.Open(db.Config{DSN: ":memory:", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	return index.New(gdb, zap.NewNop())
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		Config: config.NewStore(filepath.Join(t.TempDir(), "bard.conf")),
		List:   jobs.NewList(),
		Flags:  pause.NewFlags(),
		Fails:  authz.NewFailRegistry(),
	}
}

func testDispatcher(t *testing.T, deps Deps) (*Dispatcher, *Session) {
	t.Helper()
	d := NewDispatcher(deps, zap.NewNop())
	s := &Session{
		srv:   &Server{deps: deps, disp: d, logger: zap.NewNop()},
		state: SessionClient,
		peer:  "test",
	}
	return d, s
}

// dispatch runs one wire line through the dispatcher and collects the
// result rows.
func dispatch(t *testing.T, d *Dispatcher, s *Session, h *index.Handle, line string) []*protocol.Result {
	t.Helper()
	cmd, err := protocol.ParseCommand(line)
	require.NoError(t, err)
	var rows []*protocol.Result
	d.Dispatch(s, h, cmd, func(r *protocol.Result) { rows = append(rows, r) })
	require.NotEmpty(t, rows)
	require.True(t, rows[len(rows)-1].Complete, "last row must be terminal")
	return rows
}

func terminal(rows []*protocol.Result) *protocol.Result {
	return rows[len(rows)-1]
}

func TestDispatchUnknownCommand(t *testing.T) {
	d, s := testDispatcher(t, testDeps(t))
	rows := dispatch(t, d, s, nil, "1 noSuchCommand")
	assert.Equal(t, protocol.CodeUnknownCommand, terminal(rows).Code)
}

func TestAuthorizationMasks(t *testing.T) {
	d, _ := testDispatcher(t, testDeps(t))

	e, ok := d.lookup("jobList")
	require.True(t, ok)
	assert.True(t, e.mask.admits(SessionClient))
	assert.True(t, e.mask.admits(SessionMaster))
	assert.False(t, e.mask.admits(SessionWaiting))

	e, ok = d.lookup("version")
	require.True(t, ok)
	assert.True(t, e.mask.admits(SessionWaiting))

	e, ok = d.lookup("restore")
	require.True(t, ok)
	assert.True(t, e.forwardable)
	assert.False(t, e.mask.admits(SessionFail))
}

func TestIndexCommandsWithoutIndex(t *testing.T) {
	d, s := testDispatcher(t, testDeps(t))
	rows := dispatch(t, d, s, nil, "3 indexInfo")
	assert.Equal(t, protocol.CodeDatabaseIndexNotFound, terminal(rows).Code)
}

func TestIndexEntityAddListRemove(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	jobUUID := uuid.New()
	rows := dispatch(t, d, s, h, "1 indexEntityAdd jobUUID="+jobUUID.String()+" archiveType=FULL")
	res := terminal(rows)
	require.Equal(t, protocol.CodeNone, res.Code)
	entityID, ok := res.Get("entityId")
	require.True(t, ok)

	rows = dispatch(t, d, s, h, "2 indexEntityList jobUUID="+jobUUID.String())
	require.Len(t, rows, 2, "one entity row plus terminal")
	got, _ := rows[0].Get("archiveType")
	assert.Equal(t, "FULL", got)
	got, _ = rows[0].Get("entityId")
	assert.Equal(t, entityID, got)

	rows = dispatch(t, d, s, h, "3 indexRemove entityIds="+entityID)
	assert.Equal(t, protocol.CodeNone, terminal(rows).Code)

	rows = dispatch(t, d, s, h, "4 indexEntityList")
	assert.Len(t, rows, 1, "index is empty again")
}

func TestIndexRemoveLockedEntity(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	eid, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	require.NoError(t, h.SetEntityLocked(eid, true))

	rows := dispatch(t, d, s, h, "1 indexRemove entityIds="+formatID(eid))
	assert.Equal(t, protocol.CodeDatabaseEntryNotFound, terminal(rows).Code)

	_, err = h.Entity(eid)
	assert.NoError(t, err, "locked entity survives")
}

func TestStorageSelection(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	eid, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	sid1, err := h.CreateStorage(&db.Storage{EntityID: eid, Name: "/a/one.bar", TotalSize: 100})
	require.NoError(t, err)
	sid2, err := h.CreateStorage(&db.Storage{EntityID: eid, Name: "/a/two.bar", TotalSize: 50})
	require.NoError(t, err)

	rows := dispatch(t, d, s, h, "1 indexStorageListAdd storageIds="+formatID(sid1)+","+formatID(sid2))
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)

	rows = dispatch(t, d, s, h, "2 indexStorageListInfo")
	count, _ := terminal(rows).Get("count")
	size, _ := terminal(rows).Get("totalSize")
	assert.Equal(t, "2", count)
	assert.Equal(t, "150", size)

	rows = dispatch(t, d, s, h, "3 indexStorageListRemove storageIds="+formatID(sid1))
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)
	rows = dispatch(t, d, s, h, "4 indexStorageListInfo")
	count, _ = terminal(rows).Get("count")
	assert.Equal(t, "1", count)

	rows = dispatch(t, d, s, h, "5 indexStorageListClear")
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)
	rows = dispatch(t, d, s, h, "6 indexStorageListInfo")
	count, _ = terminal(rows).Get("count")
	assert.Equal(t, "0", count)

	// Selecting a missing row is refused.
	rows = dispatch(t, d, s, h, "7 indexStorageListAdd storageIds=9999")
	assert.Equal(t, protocol.CodeDatabaseEntryNotFound, terminal(rows).Code)
}

func TestIndexAssignEntries(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	src, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	dst, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	entryID, err := h.CreateEntry(&db.Entry{EntityID: src, Type: db.EntryTypeFile, Name: "/etc/hosts", Size: 7})
	require.NoError(t, err)

	rows := dispatch(t, d, s, h,
		"1 indexAssign entryIds="+formatID(entryID)+" toEntityId="+formatID(dst))
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)

	e, err := h.Entry(entryID)
	require.NoError(t, err)
	assert.Equal(t, dst, e.EntityID)
}

func TestIndexAssignEntityToJob(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	eid, err := h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	newJob := uuid.New()

	rows := dispatch(t, d, s, h,
		"1 indexAssign entityIds="+formatID(eid)+" toJobUUID="+newJob.String()+" archiveType=DIFFERENTIAL")
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)

	e, err := h.Entity(eid)
	require.NoError(t, err)
	assert.Equal(t, newJob, e.JobUUID)
	assert.Equal(t, db.ArchiveTypeDifferential, e.Type)
}

func TestIndexRefreshQueuesStorages(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	sid, err := h.CreateStorage(&db.Storage{Name: "/a/one.bar", State: db.IndexStateOk})
	require.NoError(t, err)

	rows := dispatch(t, d, s, h, "1 indexRefresh")
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)

	row, err := h.Storage(sid)
	require.NoError(t, err)
	assert.Equal(t, db.IndexStateUpdateRequested, row.State)
}

func TestIncludeListUpdate(t *testing.T) {
	deps := testDeps(t)
	d, s := testDispatcher(t, deps)

	j := jobs.NewJob("nightly")
	require.NoError(t, deps.List.Lock(0))
	require.NoError(t, deps.List.Add(j))
	id := j.AddInclude(jobs.EntryTypeFile, "/home")
	deps.List.Unlock()

	rows := dispatch(t, d, s, nil, "1 includeListUpdate jobUUID="+j.UUID.String()+
		" id="+strconv.Itoa(id)+" pattern=/srv entryType=IMAGE")
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)

	require.NoError(t, deps.List.Lock(0))
	require.Len(t, j.Includes, 1)
	assert.Equal(t, "/srv", j.Includes[0].Pattern)
	assert.Equal(t, jobs.EntryTypeImage, j.Includes[0].Type)
	assert.Equal(t, id, j.Includes[0].ID, "entry keeps its id")
	deps.List.Unlock()

	rows = dispatch(t, d, s, nil, "2 includeListUpdate jobUUID="+j.UUID.String()+
		" id=999 pattern=/x")
	assert.Equal(t, protocol.CodePatternIdNotFound, terminal(rows).Code)
}

func TestServerListUpdate(t *testing.T) {
	deps := testDeps(t)
	d, s := testDispatcher(t, deps)

	rows := dispatch(t, d, s, nil, "1 serverListAdd name=slave01 port=38523")
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)
	id, ok := terminal(rows).Get("id")
	require.True(t, ok)

	rows = dispatch(t, d, s, nil, "2 serverListUpdate id="+id+" port=40000 tlsMode=FORCE")
	require.Equal(t, protocol.CodeNone, terminal(rows).Code)

	opts := deps.Config.Get()
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "slave01", opts.Servers[0].Name, "absent arguments keep their value")
	assert.Equal(t, 40000, opts.Servers[0].Port)
	assert.Equal(t, "FORCE", opts.Servers[0].TLSMode)

	rows = dispatch(t, d, s, nil, "3 serverListUpdate id=77 port=1")
	assert.Equal(t, protocol.CodeServerIdNotFound, terminal(rows).Code)
}

func TestIndexUUIDListNamesKnownJobs(t *testing.T) {
	deps := testDeps(t)
	deps.Index = testIndex(t)
	d, s := testDispatcher(t, deps)
	h, err := deps.Index.Open()
	require.NoError(t, err)
	defer h.Close()

	j := jobs.NewJob("nightly")
	require.NoError(t, deps.List.Lock(0))
	require.NoError(t, deps.List.Add(j))
	deps.List.Unlock()

	_, err = h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: j.UUID, Type: db.ArchiveTypeFull})
	require.NoError(t, err)
	_, err = h.CreateEntity(&db.Entity{UUID: uuid.New(), JobUUID: uuid.New(), Type: db.ArchiveTypeFull})
	require.NoError(t, err)

	rows := dispatch(t, d, s, h, "1 indexUUIDList")
	require.Len(t, rows, 3)

	named := 0
	for _, r := range rows[:2] {
		if name, ok := r.Get("name"); ok {
			assert.Equal(t, "nightly", name)
			named++
		}
	}
	assert.Equal(t, 1, named, "only the surviving job is named")
}
