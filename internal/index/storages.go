package index

import (
	"time"

	"gorm.io/gorm"

	"github.com/bard-backup/bard/internal/db"
)

// CreateStorage inserts a new storage row and returns its integer id.
func (h *Handle) CreateStorage(s *db.Storage) (int64, error) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if err := h.gdb.Create(s).Error; err != nil {
		return 0, translate(err)
	}
	return s.ID, nil
}

// Storage returns one storage by integer id.
func (h *Handle) Storage(id int64) (*db.Storage, error) {
	var s db.Storage
	if err := h.gdb.First(&s, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

// StorageByName returns the storage row with the given URI, if any.
func (h *Handle) StorageByName(name string) (*db.Storage, error) {
	var s db.Storage
	if err := h.gdb.First(&s, "name = ?", name).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

// StoragesByEntity returns all storages of one entity.
func (h *Handle) StoragesByEntity(entityID int64) ([]db.Storage, error) {
	var out []db.Storage
	if err := h.gdb.Where("entity_id = ?", entityID).Order("id").Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// Storages streams all storage rows, optionally filtered by state, in
// creation order. The interrupt flag is observed between batches.
func (h *Handle) Storages(state db.IndexState) ([]db.Storage, error) {
	q := h.gdb.Order("id")
	if state != db.IndexStateNone {
		q = q.Where("state = ?", state)
	}
	var out []db.Storage
	err := q.FindInBatches(&[]db.Storage{}, batchSize, func(tx *gorm.DB, _ int) error {
		if err := h.checkInterrupt(); err != nil {
			return err
		}
		batch := tx.Statement.Dest.(*[]db.Storage)
		out = append(out, *batch...)
		return nil
	}).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// NextUpdateRequestedStorage returns the oldest storage in state
// UpdateRequested, or ErrNotFound when none is pending.
func (h *Handle) NextUpdateRequestedStorage() (*db.Storage, error) {
	var s db.Storage
	err := h.gdb.Where("state = ?", db.IndexStateUpdateRequested).
		Order("last_checked, id").First(&s).Error
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

// SetStorageState transitions a storage row to a new index state.
// The error message is stored for IndexStateError and cleared otherwise;
// lastChecked is bumped for IndexStateOk.
func (h *Handle) SetStorageState(id int64, state db.IndexState, message string) error {
	updates := map[string]any{"state": state, "error_message": ""}
	switch state {
	case db.IndexStateOk:
		updates["last_checked"] = time.Now().UTC()
	case db.IndexStateError:
		updates["error_message"] = message
	}
	res := h.gdb.Model(&db.Storage{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchStorage bumps the last-checked timestamp without changing state.
func (h *Handle) TouchStorage(id int64, at time.Time) error {
	return translate(h.gdb.Model(&db.Storage{}).Where("id = ?", id).
		Update("last_checked", at).Error)
}

// AttachStorageEntity links a storage row to an entity. Auto-discovered
// rows start without one; the update worker attaches an entity before the
// first scan.
func (h *Handle) AttachStorageEntity(id, entityID int64) error {
	res := h.gdb.Model(&db.Storage{}).Where("id = ?", id).Update("entity_id", entityID)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RenameStorage updates the URI of a storage row. Used by the move pass
// after a successful copy; on copy failure the caller reverts the row.
func (h *Handle) RenameStorage(id int64, name string) error {
	res := h.gdb.Model(&db.Storage{}).Where("id = ?", id).Update("name", name)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveStorageCredentials caches the credentials that last opened a storage.
func (h *Handle) SaveStorageCredentials(id int64, userName, password string) error {
	return translate(h.gdb.Model(&db.Storage{}).Where("id = ?", id).
		Updates(map[string]any{
			"user_name": userName,
			"password":  db.EncryptedString(password),
		}).Error)
}

// DeleteStorage removes one storage row and its entry fragments.
func (h *Handle) DeleteStorage(id int64) error {
	return translate(h.gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("storage_id = ?", id).Delete(&db.EntryFragment{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&db.Storage{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	}))
}

// AutoCleanStorages deletes auto-mode storage rows whose created and
// last-checked timestamps both lie before cutoff. Returns the number of
// rows removed.
func (h *Handle) AutoCleanStorages(cutoff time.Time) (int64, error) {
	res := h.gdb.Where("mode = ? AND created_at < ? AND (last_checked IS NULL OR last_checked < ?)",
		db.IndexModeAuto, cutoff, cutoff).Delete(&db.Storage{})
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return res.RowsAffected, nil
}
