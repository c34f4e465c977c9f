package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/protocol"
	"github.com/bard-backup/bard/internal/storage"
)

func (d *Dispatcher) registerIndexCommands() {
	d.register("archiveList", maskAuthorized, d.cmdArchiveList)
	d.register("indexInfo", maskAuthorized, d.cmdIndexInfo)
	d.register("indexUUIDList", maskAuthorized, d.cmdIndexUUIDList)

	d.register("indexEntityList", maskAuthorized, d.cmdIndexEntityList)
	d.register("indexEntityAdd", maskAuthorized, d.cmdIndexEntityAdd)

	d.register("indexStorageList", maskAuthorized, d.cmdIndexStorageList)
	d.register("indexStorageAdd", maskAuthorized, d.cmdIndexStorageAdd)
	d.register("indexStorageListAdd", maskAuthorized, d.cmdIndexStorageListAdd)
	d.register("indexStorageListRemove", maskAuthorized, d.cmdIndexStorageListRemove)
	d.register("indexStorageListClear", maskAuthorized, d.cmdIndexStorageListClear)
	d.register("indexStorageListInfo", maskAuthorized, d.cmdIndexStorageListInfo)

	d.register("indexEntryList", maskAuthorized, d.cmdIndexEntryList)
	d.register("indexEntryListAdd", maskAuthorized, d.cmdIndexEntryListAdd)
	d.register("indexEntryListRemove", maskAuthorized, d.cmdIndexEntryListRemove)
	d.register("indexEntryListClear", maskAuthorized, d.cmdIndexEntryListClear)
	d.register("indexEntryListInfo", maskAuthorized, d.cmdIndexEntryListInfo)

	d.register("indexEntryFragmentList", maskAuthorized, d.cmdIndexEntryFragmentList)
	d.register("indexHistoryList", maskAuthorized, d.cmdIndexHistoryList)
	d.register("indexAssign", maskAuthorized, d.cmdIndexAssign)
	d.register("indexRefresh", maskAuthorized, d.cmdIndexRefresh)
	d.register("indexRemove", maskAuthorized, d.cmdIndexRemove)
}

// indexError maps index package sentinels onto wire codes.
func indexError(err error) error {
	switch {
	case errors.Is(err, index.ErrNotFound):
		return protocol.Errorf(protocol.CodeDatabaseEntryNotFound, "database entry not found")
	case errors.Is(err, index.ErrLocked):
		return protocol.Errorf(protocol.CodeDatabaseEntryNotFound, "entity is locked")
	case errors.Is(err, index.ErrInterrupted):
		return protocol.Errorf(protocol.CodeInterrupted, "interrupted")
	case errors.Is(err, index.ErrNotInitialized):
		return protocol.Errorf(protocol.CodeDatabaseIndexNotFound, "no index database configured")
	default:
		return protocol.Errorf(protocol.CodeFail, "%v", err)
	}
}

// sessionCredentials picks the session password matching a specifier's
// storage kind. The local backend needs none.
func sessionCredentials(c *Ctx, spec storage.Specifier) storage.Credentials {
	c.S.creds.mu.Lock()
	defer c.S.creds.mu.Unlock()
	switch spec.Kind {
	case storage.KindFTP:
		return storage.Credentials{Password: c.S.creds.ftp}
	case storage.KindSSH:
		return storage.Credentials{Password: c.S.creds.ssh}
	case storage.KindWebDAV:
		return storage.Credentials{Password: c.S.creds.webdav}
	}
	return storage.Credentials{}
}

// cmdArchiveList enumerates the archive files at a storage location,
// without touching the index.
func (d *Dispatcher) cmdArchiveList(c *Ctx) (*protocol.Result, error) {
	name, err := c.Cmd.Args.String("storageName")
	if err != nil {
		return nil, err
	}
	spec, perr := storage.ParseSpecifier(name)
	if perr != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidValue, "%v", perr)
	}
	backend, cerr := storage.Connect(spec, sessionCredentials(c, spec))
	if cerr != nil {
		return nil, cerr
	}
	defer backend.Close()

	entries, lerr := backend.List(context.Background(), spec.Path)
	if lerr != nil {
		return nil, protocol.Errorf(protocol.CodeEntryNotFound, "%v", lerr)
	}
	for _, e := range entries {
		if !storage.IsArchiveName(e.Name) {
			continue
		}
		c.Emit(c.Row().
			Put("name", e.Name).
			Put("size", e.Size).
			Put("dateTime", e.ModTime.Unix()))
	}
	return nil, nil
}

func (d *Dispatcher) cmdIndexInfo(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	info, ierr := h.IndexInfo()
	if ierr != nil {
		return nil, indexError(ierr)
	}
	return c.OK().
		Put("entityCount", info.EntityCount).
		Put("storageCount", info.StorageCount).
		Put("entryCount", info.EntryCount).
		Put("totalEntrySize", info.TotalEntrySize).
		Put("okStorageCount", info.OkStorageCount).
		Put("updateRequestedCount", info.UpdateRequested).
		Put("errorStorageCount", info.ErrorStorageCount), nil
}

// cmdIndexUUIDList lists the job uuids the index knows about, with the job
// name when the job still exists.
func (d *Dispatcher) cmdIndexUUIDList(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	infos, uerr := h.UUIDs()
	if uerr != nil {
		return nil, indexError(uerr)
	}

	names := make(map[uuid.UUID]string, len(infos))
	if d.deps.List != nil && d.deps.List.RLock(0) == nil {
		for _, info := range infos {
			if j, jerr := d.deps.List.ByUUID(info.JobUUID); jerr == nil {
				names[info.JobUUID] = j.Name
			}
		}
		d.deps.List.RUnlock()
	}

	for _, info := range infos {
		row := c.Row().
			Put("jobUUID", info.JobUUID.String()).
			Put("lastCreatedDateTime", info.LastCreated.Unix()).
			Put("totalEntryCount", info.TotalEntryCount).
			Put("totalEntrySize", info.TotalEntrySize)
		if name, ok := names[info.JobUUID]; ok {
			row.Put("name", name)
		}
		c.Emit(row)
	}
	return nil, nil
}

func entityRow(c *Ctx, e db.Entity) *protocol.Result {
	return c.Row().
		Put("entityId", formatID(e.ID)).
		Put("entityUUID", e.UUID.String()).
		Put("jobUUID", e.JobUUID.String()).
		Put("scheduleUUID", e.ScheduleUUID.String()).
		Put("dateTime", e.CreatedAt.Unix()).
		Put("archiveType", string(e.Type)).
		Put("totalEntryCount", e.TotalEntryCount).
		Put("totalEntrySize", e.TotalEntrySize).
		Put("locked", e.Locked)
}

func (d *Dispatcher) cmdIndexEntityList(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	var ents []db.Entity
	var lerr error
	if _, ok := c.Cmd.Args["jobUUID"]; ok {
		jobUUID, uerr := c.Cmd.Args.UUID("jobUUID")
		if uerr != nil {
			return nil, uerr
		}
		ents, lerr = h.EntitiesByJob(jobUUID)
	} else {
		ents, lerr = h.Entities()
	}
	if lerr != nil {
		return nil, indexError(lerr)
	}
	for _, e := range ents {
		c.Emit(entityRow(c, e))
	}
	return nil, nil
}

// cmdIndexEntityAdd inserts an entity record by hand, e.g. to re-adopt
// archives whose index was lost.
func (d *Dispatcher) cmdIndexEntityAdd(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	jobUUID, uerr := c.Cmd.Args.UUID("jobUUID")
	if uerr != nil {
		return nil, uerr
	}
	archiveType, ok := db.ParseArchiveType(c.Cmd.Args.StringDefault("archiveType", "NORMAL"))
	if !ok || archiveType == db.ArchiveTypeNone {
		return nil, protocol.Errorf(protocol.CodeInvalidValue, "invalid archive type")
	}
	created, derr := c.Cmd.Args.UintDefault("dateTime", uint64(time.Now().Unix()))
	if derr != nil {
		return nil, derr
	}

	e := db.Entity{
		UUID:      uuid.New(),
		JobUUID:   jobUUID,
		CreatedAt: time.Unix(int64(created), 0).UTC(),
		Type:      archiveType,
	}
	if _, ok := c.Cmd.Args["scheduleUUID"]; ok {
		scheduleUUID, serr := c.Cmd.Args.UUID("scheduleUUID")
		if serr != nil {
			return nil, serr
		}
		e.ScheduleUUID = scheduleUUID
	}
	id, cerr := h.CreateEntity(&e)
	if cerr != nil {
		return nil, indexError(cerr)
	}
	return c.OK().Put("entityId", formatID(id)).Put("entityUUID", e.UUID.String()), nil
}

func storageRow(c *Ctx, s db.Storage) *protocol.Result {
	row := c.Row().
		Put("storageId", formatID(s.ID)).
		Put("entityId", formatID(s.EntityID)).
		Put("name", s.Name).
		Put("size", s.TotalSize).
		Put("state", string(s.State)).
		Put("mode", string(s.Mode)).
		Put("dateTime", s.CreatedAt.Unix())
	if !s.LastChecked.IsZero() {
		row.Put("lastCheckedDateTime", s.LastChecked.Unix())
	}
	if s.ErrorMessage != "" {
		row.Put("errorMessage", s.ErrorMessage)
	}
	return row
}

func (d *Dispatcher) cmdIndexStorageList(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	var rows []db.Storage
	var lerr error
	if _, ok := c.Cmd.Args["entityId"]; ok {
		entityID, ierr := c.Cmd.Args.Int("entityId")
		if ierr != nil {
			return nil, ierr
		}
		rows, lerr = h.StoragesByEntity(entityID)
	} else {
		state := db.IndexState(c.Cmd.Args.StringDefault("state", string(db.IndexStateNone)))
		rows, lerr = h.Storages(state)
	}
	if lerr != nil {
		return nil, indexError(lerr)
	}
	for _, s := range rows {
		c.Emit(storageRow(c, s))
	}
	return nil, nil
}

// cmdIndexStorageAdd registers a storage URI for indexing. The row starts
// in UpdateRequested; the index update worker scans it next.
func (d *Dispatcher) cmdIndexStorageAdd(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	name, serr := c.Cmd.Args.String("storageName")
	if serr != nil {
		return nil, serr
	}
	if _, perr := storage.ParseSpecifier(name); perr != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidValue, "%v", perr)
	}
	entityID, eerr := c.Cmd.Args.UintDefault("entityId", 0)
	if eerr != nil {
		return nil, eerr
	}
	if entityID != 0 {
		if _, lerr := h.Entity(int64(entityID)); lerr != nil {
			return nil, indexError(lerr)
		}
	}

	id, cerr := h.CreateStorage(&db.Storage{
		EntityID: int64(entityID),
		Name:     name,
		State:    db.IndexStateUpdateRequested,
		Mode:     db.IndexModeManual,
	})
	if cerr != nil {
		return nil, indexError(cerr)
	}
	if d.deps.Updater != nil {
		d.deps.Updater.Wake()
	}
	return c.OK().Put("storageId", formatID(id)), nil
}

func (d *Dispatcher) cmdIndexStorageListAdd(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	ids, perr := c.Cmd.Args.IDList("storageIds")
	if perr != nil {
		return nil, perr
	}
	for _, id := range ids {
		if _, lerr := h.Storage(id); lerr != nil {
			return nil, indexError(lerr)
		}
	}
	c.S.storageSel.Add(ids)
	return nil, nil
}

func (d *Dispatcher) cmdIndexStorageListRemove(c *Ctx) (*protocol.Result, error) {
	ids, err := c.Cmd.Args.IDList("storageIds")
	if err != nil {
		return nil, err
	}
	c.S.storageSel.Remove(ids)
	return nil, nil
}

func (d *Dispatcher) cmdIndexStorageListClear(c *Ctx) (*protocol.Result, error) {
	c.S.storageSel.Clear()
	return nil, nil
}

// cmdIndexStorageListInfo aggregates the current storage selection.
// Selected rows that vanished since selection are skipped.
func (d *Dispatcher) cmdIndexStorageListInfo(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	var count, totalSize int64
	for _, id := range c.S.storageSel.All() {
		s, lerr := h.Storage(id)
		if lerr != nil {
			continue
		}
		count++
		totalSize += s.TotalSize
	}
	return c.OK().Put("count", count).Put("totalSize", totalSize), nil
}

// likePattern converts the wire glob syntax (* and ?) to SQL LIKE.
func likePattern(glob string) string {
	out := make([]byte, 0, len(glob))
	for i := 0; i < len(glob); i++ {
		switch glob[i] {
		case '*':
			out = append(out, '%')
		case '?':
			out = append(out, '_')
		case '%', '_':
			out = append(out, '\\', glob[i])
		default:
			out = append(out, glob[i])
		}
	}
	return string(out)
}

func entryRow(c *Ctx, e db.Entry) *protocol.Result {
	row := c.Row().
		Put("entryId", formatID(e.ID)).
		Put("entityId", formatID(e.EntityID)).
		Put("type", string(e.Type)).
		Put("name", e.Name).
		Put("size", e.Size)
	if !e.Modified.IsZero() {
		row.Put("modifiedDateTime", e.Modified.Unix())
	}
	return row
}

func (d *Dispatcher) cmdIndexEntryList(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	entityID, eerr := c.Cmd.Args.UintDefault("entityId", 0)
	if eerr != nil {
		return nil, eerr
	}
	limit, lerr := c.Cmd.Args.UintDefault("limit", 0)
	if lerr != nil {
		return nil, lerr
	}
	offset, oerr := c.Cmd.Args.UintDefault("offset", 0)
	if oerr != nil {
		return nil, oerr
	}
	filter := index.EntryFilter{
		EntityID: int64(entityID),
		Type:     db.EntryType(c.Cmd.Args.StringDefault("type", "")),
		Limit:    int(limit),
		Offset:   int(offset),
	}
	if pattern := c.Cmd.Args.StringDefault("name", ""); pattern != "" {
		filter.NamePattern = likePattern(pattern)
	}

	entries, qerr := h.Entries(filter)
	if qerr != nil {
		return nil, indexError(qerr)
	}
	for _, e := range entries {
		c.Emit(entryRow(c, e))
	}
	return nil, nil
}

func (d *Dispatcher) cmdIndexEntryListAdd(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	ids, perr := c.Cmd.Args.IDList("entryIds")
	if perr != nil {
		return nil, perr
	}
	for _, id := range ids {
		if _, lerr := h.Entry(id); lerr != nil {
			return nil, indexError(lerr)
		}
	}
	c.S.entrySel.Add(ids)
	return nil, nil
}

func (d *Dispatcher) cmdIndexEntryListRemove(c *Ctx) (*protocol.Result, error) {
	ids, err := c.Cmd.Args.IDList("entryIds")
	if err != nil {
		return nil, err
	}
	c.S.entrySel.Remove(ids)
	return nil, nil
}

func (d *Dispatcher) cmdIndexEntryListClear(c *Ctx) (*protocol.Result, error) {
	c.S.entrySel.Clear()
	return nil, nil
}

func (d *Dispatcher) cmdIndexEntryListInfo(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	var count, totalSize int64
	for _, id := range c.S.entrySel.All() {
		e, lerr := h.Entry(id)
		if lerr != nil {
			continue
		}
		count++
		totalSize += e.Size
	}
	return c.OK().Put("count", count).Put("totalSize", totalSize), nil
}

func (d *Dispatcher) cmdIndexEntryFragmentList(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	entryID, perr := c.Cmd.Args.Int("entryId")
	if perr != nil {
		return nil, perr
	}
	if _, lerr := h.Entry(entryID); lerr != nil {
		return nil, indexError(lerr)
	}
	frags, ferr := h.EntryFragments(entryID)
	if ferr != nil {
		return nil, indexError(ferr)
	}
	for _, f := range frags {
		c.Emit(c.Row().
			Put("fragmentId", formatID(f.ID)).
			Put("storageId", formatID(f.StorageID)).
			Put("offset", f.Offset).
			Put("size", f.Size))
	}
	return nil, nil
}

func (d *Dispatcher) cmdIndexHistoryList(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	jobUUID := uuid.Nil
	if _, ok := c.Cmd.Args["jobUUID"]; ok {
		id, uerr := c.Cmd.Args.UUID("jobUUID")
		if uerr != nil {
			return nil, uerr
		}
		jobUUID = id
	}
	limit, lerr := c.Cmd.Args.UintDefault("limit", 0)
	if lerr != nil {
		return nil, lerr
	}

	rows, herr := h.History(jobUUID, int(limit))
	if herr != nil {
		return nil, indexError(herr)
	}
	for _, r := range rows {
		c.Emit(c.Row().
			Put("jobUUID", r.JobUUID.String()).
			Put("scheduleUUID", r.ScheduleUUID.String()).
			Put("entityUUID", r.EntityUUID.String()).
			Put("hostName", r.Hostname).
			Put("archiveType", string(r.Type)).
			Put("dateTime", r.CreatedAt.Unix()).
			Put("errorCode", r.ErrorCode).
			Put("errorMessage", r.ErrorMessage).
			Put("duration", r.Duration).
			Put("totalEntryCount", r.TotalEntryCount).
			Put("totalEntrySize", r.TotalEntrySize).
			Put("skippedEntryCount", r.SkippedEntryCount).
			Put("skippedEntrySize", r.SkippedEntrySize).
			Put("errorEntryCount", r.ErrorEntryCount).
			Put("errorEntrySize", r.ErrorEntrySize))
	}
	return nil, nil
}

// cmdIndexAssign re-attributes index rows: entries to another entity, or
// entities to another job (optionally changing the archive type).
func (d *Dispatcher) cmdIndexAssign(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}

	if _, ok := c.Cmd.Args["entryIds"]; ok {
		entryIDs, perr := c.Cmd.Args.IDList("entryIds")
		if perr != nil {
			return nil, perr
		}
		entityID, eerr := c.Cmd.Args.Int("toEntityId")
		if eerr != nil {
			return nil, eerr
		}
		if aerr := h.AssignEntries(entryIDs, entityID); aerr != nil {
			return nil, indexError(aerr)
		}
		return nil, nil
	}

	if _, ok := c.Cmd.Args["entityIds"]; ok {
		entityIDs, perr := c.Cmd.Args.IDList("entityIds")
		if perr != nil {
			return nil, perr
		}
		jobUUID, uerr := c.Cmd.Args.UUID("toJobUUID")
		if uerr != nil {
			return nil, uerr
		}
		archiveType := db.ArchiveTypeNone
		if s, ok := c.Cmd.Args["archiveType"]; ok {
			t, tok := db.ParseArchiveType(s)
			if !tok {
				return nil, protocol.Errorf(protocol.CodeInvalidValue, "invalid archive type %q", s)
			}
			archiveType = t
		}
		for _, id := range entityIDs {
			if aerr := h.AssignEntity(id, jobUUID, archiveType); aerr != nil {
				return nil, indexError(aerr)
			}
		}
		return nil, nil
	}

	return nil, protocol.Errorf(protocol.CodeExpectedParameter, "expected entryIds or entityIds")
}

// cmdIndexRefresh re-queues storages for an index update scan.
func (d *Dispatcher) cmdIndexRefresh(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	var ids []int64
	if _, ok := c.Cmd.Args["storageIds"]; ok {
		parsed, perr := c.Cmd.Args.IDList("storageIds")
		if perr != nil {
			return nil, perr
		}
		ids = parsed
	} else {
		rows, lerr := h.Storages(db.IndexStateNone)
		if lerr != nil {
			return nil, indexError(lerr)
		}
		for _, s := range rows {
			ids = append(ids, s.ID)
		}
	}

	for _, id := range ids {
		if serr := h.SetStorageState(id, db.IndexStateUpdateRequested, ""); serr != nil {
			return nil, indexError(serr)
		}
	}
	if d.deps.Updater != nil {
		d.deps.Updater.Wake()
	}
	return c.OK().Put("count", len(ids)), nil
}

// cmdIndexRemove drops entities from the index without touching the
// archive artifacts. Locked entities are refused.
func (d *Dispatcher) cmdIndexRemove(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	ids, perr := c.Cmd.Args.IDList("entityIds")
	if perr != nil {
		return nil, perr
	}

	for _, id := range ids {
		e, lerr := h.Entity(id)
		if lerr != nil {
			return nil, indexError(lerr)
		}
		if e.Locked {
			return nil, protocol.Errorf(protocol.CodeDatabaseEntryNotFound,
				"entity %d is locked", id)
		}
		rows, serr := h.StoragesByEntity(id)
		if serr != nil {
			return nil, indexError(serr)
		}
		for _, s := range rows {
			if derr := h.DeleteStorage(s.ID); derr != nil {
				return nil, indexError(derr)
			}
		}
		if derr := h.DeleteEntity(id, false); derr != nil {
			return nil, indexError(derr)
		}
	}
	return nil, nil
}
