// Package indexer keeps the index database in sync with the archive files
// that actually exist: the update worker scans storages whose rows request
// an update, the auto scanner discovers archives the server never created
// itself, and the housekeeper prunes what aged out.
//
// Both workers only run inside a maintenance window and respect the
// index-update and index-maintenance pause flags.
package indexer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/archive"
	"github.com/bard-backup/bard/internal/config"
	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/metrics"
	"github.com/bard-backup/bard/internal/pause"
	"github.com/bard-backup/bard/internal/protocol"
	"github.com/bard-backup/bard/internal/storage"
	"github.com/bard-backup/bard/internal/trigger"
)

// updateIdle is how long the update worker sleeps when nothing is pending.
const updateIdle = 30 * time.Second

// Updater is the index update worker: it picks up storages in state
// UpdateRequested one at a time and rebuilds their entry index through the
// archive engine.
type Updater struct {
	list    *jobs.List
	idx     *index.Index
	cfg     *config.Store
	flags   *pause.Flags
	engine  archive.IndexUpdater
	logger  *zap.Logger
	now     func() time.Time

	// CryptPassword is the global crypt password candidate, set via the
	// cryptPassword command. Guarded by the job list lock at the call sites.
	cryptPassword string

	// creds supplies extra credentials for a storage location; nil means
	// only the row's cached credentials are tried.
	creds func(spec storage.Specifier) []storage.Credentials

	quit *trigger.Quit
	wake *trigger.Trigger
	done chan struct{}
}

// NewUpdater creates the update worker.
func NewUpdater(list *jobs.List, idx *index.Index, cfg *config.Store, flags *pause.Flags, engine archive.IndexUpdater, logger *zap.Logger) *Updater {
	if engine == nil {
		engine = archive.Unsupported{}
	}
	return &Updater{
		list:   list,
		idx:    idx,
		cfg:    cfg,
		flags:  flags,
		engine: engine,
		logger: logger.Named("indexupdate"),
		now:    time.Now,
		quit:   trigger.NewQuit(),
		wake:   trigger.New(),
		done:   make(chan struct{}),
	}
}

// SetCredentialSource installs the extra-credentials provider.
func (u *Updater) SetCredentialSource(f func(spec storage.Specifier) []storage.Credentials) {
	u.creds = f
}

// SetCryptPassword sets the global crypt password candidate.
func (u *Updater) SetCryptPassword(pw string) { u.cryptPassword = pw }

// Start launches the worker loop.
func (u *Updater) Start() { go u.run() }

// Stop terminates the loop.
func (u *Updater) Stop() {
	u.quit.Set()
	u.wake.Signal()
	<-u.done
}

// Wake nudges the worker, e.g. after an indexRefresh command queued work.
func (u *Updater) Wake() { u.wake.Signal() }

func (u *Updater) run() {
	defer close(u.done)
	for !u.quit.IsSet() {
		if u.allowed() {
			for u.UpdateOne() && !u.quit.IsSet() {
			}
		}
		trigger.Delay(updateIdle, u.quit, u.wake)
	}
}

func (u *Updater) allowed() bool {
	if u.idx == nil || !u.idx.IsInitialized() {
		return false
	}
	if u.flags != nil && u.flags.IsPaused(pause.ModeIndexUpdate|pause.ModeIndexMaintenance) {
		return false
	}
	if u.cfg != nil {
		opts := u.cfg.Get()
		if !opts.IsMaintenanceTime(u.now()) {
			return false
		}
	}
	return true
}

// UpdateOne processes the next UpdateRequested storage. Returns whether a
// storage was processed, i.e. whether another round may be due.
func (u *Updater) UpdateOne() bool {
	h, err := u.idx.Open()
	if err != nil {
		return false
	}
	defer h.Close()

	s, err := h.NextUpdateRequestedStorage()
	if err != nil {
		if !errors.Is(err, index.ErrNotFound) {
			u.logger.Error("pending storage lookup failed", zap.Error(err))
		}
		return false
	}

	u.updateStorage(h, s)
	return true
}

func (u *Updater) updateStorage(h *index.Handle, s *db.Storage) {
	spec, err := storage.ParseSpecifier(s.Name)
	if err != nil {
		u.fail(h, s, err)
		return
	}
	entityID, err := u.ensureEntity(h, s)
	if err != nil {
		u.fail(h, s, err)
		return
	}

	b, cred, err := u.connect(spec, s)
	if err != nil {
		u.fail(h, s, err)
		return
	}
	defer b.Close()
	if err := h.SaveStorageCredentials(s.ID, s.UserName, cred.Password); err != nil {
		u.logger.Warn("credential cache update failed", zap.Int64("storage", s.ID), zap.Error(err))
	}

	if err := h.SetStorageState(s.ID, db.IndexStateUpdate, ""); err != nil {
		u.logger.Error("storage state transition failed", zap.Int64("storage", s.ID), zap.Error(err))
		return
	}

	err = u.scan(h, s, entityID)
	switch {
	case err == nil:
		h.SetStorageState(s.ID, db.IndexStateOk, "")
		metrics.StoragesIndexed.WithLabelValues("ok").Inc()
		u.logger.Info("Storage index updated",
			zap.String("category", "INDEX"),
			zap.String("storage", s.Name))
	case errors.Is(err, index.ErrInterrupted) || u.quit.IsSet():
		// Leave the work queued for the next window.
		h.SetStorageState(s.ID, db.IndexStateUpdateRequested, "")
		metrics.StoragesIndexed.WithLabelValues("interrupted").Inc()
	default:
		u.fail(h, s, err)
	}
}

func (u *Updater) fail(h *index.Handle, s *db.Storage, err error) {
	if serr := h.SetStorageState(s.ID, db.IndexStateError, err.Error()); serr != nil {
		u.logger.Error("storage state transition failed", zap.Int64("storage", s.ID), zap.Error(serr))
	}
	metrics.StoragesIndexed.WithLabelValues("error").Inc()
	u.logger.Warn("storage index update failed",
		zap.String("storage", s.Name), zap.Error(err))
}

// ensureEntity returns the entity id of the storage, creating a detached
// entity for auto-discovered rows that do not have one yet.
func (u *Updater) ensureEntity(h *index.Handle, s *db.Storage) (int64, error) {
	if s.EntityID != 0 {
		return s.EntityID, nil
	}
	id, err := h.CreateEntity(&db.Entity{
		UUID:      uuid.New(),
		CreatedAt: s.CreatedAt,
		Type:      db.ArchiveTypeNone,
	})
	if err != nil {
		return 0, err
	}
	if err := h.AttachStorageEntity(s.ID, id); err != nil {
		return 0, err
	}
	s.EntityID = id
	return id, nil
}

// connect opens the storage, trying the row's cached credentials first and
// then every credential known for the same location.
func (u *Updater) connect(spec storage.Specifier, s *db.Storage) (storage.Backend, storage.Credentials, error) {
	candidates := []storage.Credentials{{Password: string(s.Password)}}
	if u.creds != nil {
		candidates = append(candidates, u.creds(spec)...)
	}
	var lastErr error
	for _, cred := range candidates {
		b, err := storage.Connect(spec, cred)
		if err != nil {
			lastErr = err
			continue
		}
		ctx := context.Background()
		if _, err := b.Stat(ctx, spec.Path); err != nil {
			b.Close()
			lastErr = err
			continue
		}
		return b, cred, nil
	}
	return nil, storage.Credentials{}, lastErr
}

// scan runs the archive engine over the storage, trying every crypt
// password candidate until one opens the archive.
func (u *Updater) scan(h *index.Handle, s *db.Storage, entityID int64) error {
	ctx := context.Background()
	var lastErr error
	for _, pw := range u.cryptCandidates() {
		if u.quit.IsSet() {
			return index.ErrInterrupted
		}
		var count, size int64
		err := u.engine.UpdateIndex(ctx, archive.UpdateIndexRequest{
			StorageName:   s.Name,
			CryptPassword: pw,
			Emit: func(e archive.IndexedEntry) error {
				return u.insertEntry(h, s, entityID, e, &count, &size)
			},
		}, archive.Callbacks{
			IsAborted: u.quit.IsSet,
		}.Normalized())
		if err == nil {
			return h.UpdateEntityTotals(entityID, count, size)
		}
		if code, _ := protocol.AsError(err); code == protocol.CodeInvalidCryptPassword {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

// cryptCandidates is the password union: empty (unencrypted archives),
// the global password, and every configured job password.
func (u *Updater) cryptCandidates() []string {
	out := []string{""}
	seen := map[string]bool{"": true}
	add := func(pw string) {
		if !seen[pw] {
			seen[pw] = true
			out = append(out, pw)
		}
	}
	add(u.cryptPassword)
	if u.list != nil && u.list.RLock(0) == nil {
		for _, j := range u.list.All() {
			add(j.Crypt.Password)
		}
		u.list.RUnlock()
	}
	return out
}

func (u *Updater) insertEntry(h *index.Handle, s *db.Storage, entityID int64, e archive.IndexedEntry, count, size *int64) error {
	entryID, err := h.CreateEntry(&db.Entry{
		EntityID: entityID,
		Type:     e.Type,
		Name:     e.Name,
		Size:     e.Size,
		Modified: time.Unix(e.Modified, 0).UTC(),
		UserID:   e.UserID,
		GroupID:  e.GroupID,
		Mode:     e.Mode,
	})
	if err != nil {
		return err
	}
	if _, err := h.CreateEntryFragment(&db.EntryFragment{
		EntryID:   entryID,
		StorageID: s.ID,
		Offset:    e.FragmentOffset,
		Size:      e.FragmentSize,
	}); err != nil {
		return err
	}
	*count++
	*size += e.Size
	return nil
}
