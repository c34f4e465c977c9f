package server

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/bard-backup/bard/internal/archive"
	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/metrics"
	"github.com/bard-backup/bard/internal/pause"
	"github.com/bard-backup/bard/internal/protocol"
	"github.com/bard-backup/bard/internal/storage"
)

// progressInterval throttles non-terminal progress rows.
const progressInterval = time.Second

func (d *Dispatcher) registerBulkCommands() {
	d.register("entityMoveTo", maskAuthorized, d.cmdEntityMoveTo)
	d.register("storageTest", maskAuthorized, d.cmdStorageTest)
	d.register("storageDelete", maskAuthorized, d.cmdStorageDelete)
	d.registerForwardable("restore", maskAuthorized, d.cmdRestore)
}

// abortableContext is cancelled once "abort commandId=N" targets this
// command or the session disconnects. The abort ring is polled, so that
// path lands within one poll tick; disconnect cancels immediately.
func abortableContext(c *Ctx) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		t := time.NewTicker(200 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.S.closed:
				cancel()
				return
			case <-t.C:
				if c.S.isAborted(c.Cmd.ID) {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}

func abortedError() error {
	return protocol.Errorf(protocol.CodeAborted, "aborted")
}

// cmdEntityMoveTo relocates every storage of the named entities to a new
// location, streaming one transfer row per artifact. The copy lands first;
// the index row is renamed and only then the source removed, so a failure
// part way never loses an artifact.
func (d *Dispatcher) cmdEntityMoveTo(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}
	entityIDs, perr := c.Cmd.Args.IDList("entityIds")
	if perr != nil {
		return nil, perr
	}
	moveTo, merr := c.Cmd.Args.String("moveTo")
	if merr != nil {
		return nil, merr
	}
	target, terr := storage.ParseSpecifier(moveTo)
	if terr != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidValue, "%v", terr)
	}

	type pendingMove struct {
		row db.Storage
		src storage.Specifier
	}
	var moves []pendingMove
	var totalSize int64
	for _, id := range entityIDs {
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
			src, perr := storage.ParseSpecifier(s.Name)
			if perr != nil {
				continue
			}
			want := target
			want.Path = path.Join(target.Path, path.Base(src.Path))
			if src.SameLocation(want) {
				continue
			}
			moves = append(moves, pendingMove{row: s, src: src})
			totalSize += s.TotalSize
		}
	}

	ctx, cancel := abortableContext(c)
	defer cancel()

	var doneCount, doneSize int64
	lastEmit := time.Time{}
	for n, m := range moves {
		if ctx.Err() != nil {
			return nil, abortedError()
		}

		cred := storage.Credentials{Password: string(m.row.Password)}
		if cred.Password == "" {
			cred = sessionCredentials(c, m.src)
		}
		srcBackend, cerr := storage.Connect(m.src, cred)
		if cerr != nil {
			c.Emit(c.Row().
				Put("storageId", formatID(m.row.ID)).
				Put("name", m.row.Name).
				Put("error", cerr.Error()))
			continue
		}
		dstBackend, cerr := storage.Connect(target, sessionCredentials(c, target))
		if cerr != nil {
			srcBackend.Close()
			c.Emit(c.Row().
				Put("storageId", formatID(m.row.ID)).
				Put("name", m.row.Name).
				Put("error", cerr.Error()))
			continue
		}

		base := path.Base(m.src.Path)
		dstName := path.Join(target.Path, base)
		for i := 0; storage.Exists(ctx, dstBackend, dstName); i++ {
			dstName = path.Join(target.Path, storage.UniqueName(base, i))
		}

		rowDoneSize := doneSize
		_, copyErr := storage.Copy(ctx, dstBackend, srcBackend, dstName, m.src.Path, func(done int64) {
			if time.Since(lastEmit) < progressInterval {
				return
			}
			lastEmit = time.Now()
			c.Emit(c.Row().
				Put("storageId", formatID(m.row.ID)).
				Put("name", m.row.Name).
				Put("n", n).
				Put("size", m.row.TotalSize).
				Put("doneCount", doneCount).
				Put("doneSize", rowDoneSize+done).
				Put("totalCount", len(moves)).
				Put("totalSize", totalSize))
		})
		if copyErr == nil {
			dst := target
			dst.Path = dstName
			if rerr := h.RenameStorage(m.row.ID, dst.String()); rerr != nil {
				dstBackend.Delete(ctx, dstName)
				copyErr = rerr
			} else {
				srcBackend.Delete(ctx, m.src.Path)
			}
		}
		srcBackend.Close()
		dstBackend.Close()

		if copyErr != nil {
			if ctx.Err() != nil {
				return nil, abortedError()
			}
			h.SetStorageState(m.row.ID, db.IndexStateError, copyErr.Error())
			c.Emit(c.Row().
				Put("storageId", formatID(m.row.ID)).
				Put("name", m.row.Name).
				Put("error", copyErr.Error()))
			continue
		}
		doneCount++
		doneSize += m.row.TotalSize
		metrics.StoragesMoved.Inc()
	}

	return c.OK().
		Put("doneCount", doneCount).
		Put("doneSize", doneSize).
		Put("totalCount", len(moves)).
		Put("totalSize", totalSize), nil
}

// cmdStorageTest verifies that each storage artifact is reachable and has
// the recorded size, updating the row state accordingly.
func (d *Dispatcher) cmdStorageTest(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}

	var rows []db.Storage
	switch {
	case c.Cmd.Args["storageIds"] != "":
		ids, perr := c.Cmd.Args.IDList("storageIds")
		if perr != nil {
			return nil, perr
		}
		for _, id := range ids {
			s, lerr := h.Storage(id)
			if lerr != nil {
				return nil, indexError(lerr)
			}
			rows = append(rows, *s)
		}
	case c.Cmd.Args["entityId"] != "":
		entityID, perr := c.Cmd.Args.Int("entityId")
		if perr != nil {
			return nil, perr
		}
		var serr error
		rows, serr = h.StoragesByEntity(entityID)
		if serr != nil {
			return nil, indexError(serr)
		}
	default:
		return nil, protocol.Errorf(protocol.CodeExpectedParameter, "expected storageIds or entityId")
	}

	ctx, cancel := abortableContext(c)
	defer cancel()

	var okCount int64
	for _, s := range rows {
		if ctx.Err() != nil {
			return nil, abortedError()
		}
		terr := d.testStorage(ctx, c, s)
		if terr != nil {
			h.SetStorageState(s.ID, db.IndexStateError, terr.Error())
			c.Emit(c.Row().
				Put("storageId", formatID(s.ID)).
				Put("name", s.Name).
				Put("result", false).
				Put("error", terr.Error()))
			continue
		}
		h.SetStorageState(s.ID, db.IndexStateOk, "")
		okCount++
		c.Emit(c.Row().
			Put("storageId", formatID(s.ID)).
			Put("name", s.Name).
			Put("result", true))
	}
	return c.OK().Put("okCount", okCount).Put("totalCount", len(rows)), nil
}

func (d *Dispatcher) testStorage(ctx context.Context, c *Ctx, s db.Storage) error {
	spec, err := storage.ParseSpecifier(s.Name)
	if err != nil {
		return err
	}
	cred := storage.Credentials{Password: string(s.Password)}
	if cred.Password == "" {
		cred = sessionCredentials(c, spec)
	}
	backend, err := storage.Connect(spec, cred)
	if err != nil {
		return err
	}
	defer backend.Close()

	e, err := backend.Stat(ctx, spec.Path)
	if err != nil {
		return err
	}
	if s.TotalSize > 0 && e.Size != s.TotalSize {
		return protocol.Errorf(protocol.CodeFail,
			"size mismatch: expected %d, found %d", s.TotalSize, e.Size)
	}
	return nil
}

// cmdStorageDelete removes one storage artifact and its index row.
func (d *Dispatcher) cmdStorageDelete(c *Ctx) (*protocol.Result, error) {
	h, err := c.Handle()
	if err != nil {
		return nil, err
	}

	var row *db.Storage
	switch {
	case c.Cmd.Args["storageId"] != "":
		id, perr := c.Cmd.Args.Int("storageId")
		if perr != nil {
			return nil, perr
		}
		s, lerr := h.Storage(id)
		if lerr != nil {
			return nil, indexError(lerr)
		}
		row = s
	case c.Cmd.Args["storageName"] != "":
		name, perr := c.Cmd.Args.String("storageName")
		if perr != nil {
			return nil, perr
		}
		s, lerr := h.StorageByName(name)
		if lerr != nil {
			return nil, indexError(lerr)
		}
		row = s
	default:
		return nil, protocol.Errorf(protocol.CodeExpectedParameter, "expected storageId or storageName")
	}

	spec, perr := storage.ParseSpecifier(row.Name)
	if perr == nil {
		cred := storage.Credentials{Password: string(row.Password)}
		if cred.Password == "" {
			cred = sessionCredentials(c, spec)
		}
		if backend, cerr := storage.Connect(spec, cred); cerr == nil {
			backend.Delete(context.Background(), spec.Path)
			backend.Close()
		}
	}
	if derr := h.DeleteStorage(row.ID); derr != nil {
		return nil, indexError(derr)
	}
	return nil, nil
}

// restoreScope is the per-storage work of one restore command.
type restoreScope struct {
	storageName string
	names       []string
}

// cmdRestore extracts entries to a destination directory, synchronously in
// the calling worker so "abort commandId=N" lands on it. The scope is
// either one explicit storage or the entries selected via
// indexEntryListAdd / the entryIds argument.
func (d *Dispatcher) cmdRestore(c *Ctx) (*protocol.Result, error) {
	destination, err := c.Cmd.Args.String("destination")
	if err != nil {
		return nil, err
	}
	directoryContent, derr := c.Cmd.Args.BoolDefault("directoryContent", false)
	if derr != nil {
		return nil, derr
	}
	overwrite, oerr := c.Cmd.Args.BoolDefault("overwrite", false)
	if oerr != nil {
		return nil, oerr
	}

	scopes, lockedEntities, serr := d.restoreScopes(c)
	if serr != nil {
		return nil, serr
	}
	if len(lockedEntities) > 0 {
		h, _ := c.Handle()
		defer func() {
			for _, id := range lockedEntities {
				h.SetEntityLocked(id, false)
			}
		}()
	}

	ctx, cancel := abortableContext(c)
	defer cancel()

	var lastEmit time.Time
	var emitMu sync.Mutex
	cb := archive.Callbacks{
		Progress: func(p archive.Progress) {
			emitMu.Lock()
			defer emitMu.Unlock()
			if time.Since(lastEmit) < progressInterval {
				return
			}
			lastEmit = time.Now()
			c.Emit(c.Row().
				Put("entryName", p.EntryName).
				Put("entryDoneSize", p.EntryDoneSize).
				Put("entryTotalSize", p.EntryTotalSize).
				Put("doneCount", p.DoneCount).
				Put("doneSize", p.DoneSize).
				Put("totalCount", p.TotalCount).
				Put("totalSize", p.TotalSize).
				Put("storageName", p.StorageName))
		},
		GetNamePassword: d.namePasswordSource(c),
		IsPauseRestore: func() bool {
			return d.deps.Flags != nil && d.deps.Flags.IsPaused(pause.ModeRestore)
		},
		IsAborted: func() bool {
			return ctx.Err() != nil || c.S.isAborted(c.Cmd.ID)
		},
		RestoreError: func(name string, rerr error) bool {
			c.Emit(c.Row().Put("entryName", name).Put("restoreError", rerr.Error()))
			return true
		},
	}

	var total archive.RestoreResult
	for _, scope := range scopes {
		if cb.IsAborted() {
			return nil, abortedError()
		}
		res, rerr := d.deps.Restorer.Restore(ctx, archive.RestoreRequest{
			StorageName:      scope.storageName,
			Names:            scope.names,
			DirectoryContent: directoryContent,
			Destination:      destination,
			Overwrite:        overwrite,
		}, cb)
		total.DoneCount += res.DoneCount
		total.DoneSize += res.DoneSize
		total.ErrorCount += res.ErrorCount
		total.ErrorSize += res.ErrorSize
		if rerr != nil {
			if cb.IsAborted() {
				return nil, abortedError()
			}
			return nil, rerr
		}
	}

	return c.OK().
		Put("doneCount", total.DoneCount).
		Put("doneSize", total.DoneSize).
		Put("errorCount", total.ErrorCount).
		Put("errorSize", total.ErrorSize), nil
}

// restoreScopes resolves the restore target set. An explicit storageName
// restores from that artifact directly; otherwise the entry ids (argument
// or session selection) are resolved through their fragments to the
// storages holding them, and the involved entities are locked against
// purge for the duration.
func (d *Dispatcher) restoreScopes(c *Ctx) ([]restoreScope, []int64, error) {
	if name, ok := c.Cmd.Args["storageName"]; ok && name != "" {
		var names []string
		if _, ok := c.Cmd.Args["entryIds"]; ok {
			h, herr := c.Handle()
			if herr != nil {
				return nil, nil, herr
			}
			ids, perr := c.Cmd.Args.IDList("entryIds")
			if perr != nil {
				return nil, nil, perr
			}
			for _, id := range ids {
				e, lerr := h.Entry(id)
				if lerr != nil {
					return nil, nil, indexError(lerr)
				}
				names = append(names, e.Name)
			}
		}
		return []restoreScope{{storageName: name, names: names}}, nil, nil
	}

	h, herr := c.Handle()
	if herr != nil {
		return nil, nil, herr
	}
	var ids []int64
	if _, ok := c.Cmd.Args["entryIds"]; ok {
		parsed, perr := c.Cmd.Args.IDList("entryIds")
		if perr != nil {
			return nil, nil, perr
		}
		ids = parsed
	} else {
		ids = c.S.entrySel.All()
	}
	if len(ids) == 0 {
		return nil, nil, protocol.Errorf(protocol.CodeExpectedParameter,
			"expected storageName or entryIds")
	}

	byStorage := map[string][]string{}
	entitySet := map[int64]bool{}
	for _, id := range ids {
		e, lerr := h.Entry(id)
		if lerr != nil {
			return nil, nil, indexError(lerr)
		}
		entitySet[e.EntityID] = true
		frags, ferr := h.EntryFragments(id)
		if ferr != nil {
			return nil, nil, indexError(ferr)
		}
		for _, f := range frags {
			s, serr := h.Storage(f.StorageID)
			if serr != nil {
				return nil, nil, indexError(serr)
			}
			byStorage[s.Name] = append(byStorage[s.Name], e.Name)
		}
	}

	var locked []int64
	for id := range entitySet {
		if lerr := h.SetEntityLocked(id, true); lerr == nil {
			locked = append(locked, id)
		}
	}

	storageNames := make([]string, 0, len(byStorage))
	for name := range byStorage {
		storageNames = append(storageNames, name)
	}
	sort.Strings(storageNames)

	scopes := make([]restoreScope, 0, len(storageNames))
	for _, name := range storageNames {
		scopes = append(scopes, restoreScope{storageName: name, names: byStorage[name]})
	}
	return scopes, locked, nil
}

// namePasswordSource hands out the session's decrypt candidates, one per
// call per storage name, in arrival order.
func (d *Dispatcher) namePasswordSource(c *Ctx) func(name string) (string, bool) {
	next := map[string]int{}
	var mu sync.Mutex
	return func(name string) (string, bool) {
		mu.Lock()
		defer mu.Unlock()
		c.S.creds.mu.Lock()
		defer c.S.creds.mu.Unlock()
		i := next[name]
		if i >= len(c.S.creds.decrypt) {
			return "", false
		}
		next[name] = i + 1
		return c.S.creds.decrypt[i], true
	}
}
