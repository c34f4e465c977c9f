package index

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bard-backup/bard/internal/db"
)

// CreateEntity inserts a new entity row and returns its integer id.
func (h *Handle) CreateEntity(e *db.Entity) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := h.gdb.Create(e).Error; err != nil {
		return 0, translate(err)
	}
	return e.ID, nil
}

// Entity returns one entity by integer id.
func (h *Handle) Entity(id int64) (*db.Entity, error) {
	var e db.Entity
	if err := h.gdb.First(&e, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

// EntityByUUID returns one entity by its entity UUID.
func (h *Handle) EntityByUUID(id uuid.UUID) (*db.Entity, error) {
	var e db.Entity
	if err := h.gdb.First(&e, "uuid = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

// Entities returns all entities ordered descending by creation time — the
// order the persistence engine depends on.
func (h *Handle) Entities() ([]db.Entity, error) {
	var out []db.Entity
	err := h.gdb.Order("created_at DESC, id DESC").
		FindInBatches(&[]db.Entity{}, batchSize, func(tx *gorm.DB, _ int) error {
			if err := h.checkInterrupt(); err != nil {
				return err
			}
			batch := tx.Statement.Dest.(*[]db.Entity)
			out = append(out, *batch...)
			return nil
		}).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// EntitiesByJob returns the entities of one job, newest first.
func (h *Handle) EntitiesByJob(jobUUID uuid.UUID) ([]db.Entity, error) {
	var out []db.Entity
	err := h.gdb.Where("job_uuid = ?", jobUUID).
		Order("created_at DESC, id DESC").Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// SetEntityLocked sets or clears the entity lock flag.
func (h *Handle) SetEntityLocked(id int64, locked bool) error {
	res := h.gdb.Model(&db.Entity{}).Where("id = ?", id).Update("locked", locked)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateEntityTotals updates the aggregate size/count of an entity.
func (h *Handle) UpdateEntityTotals(id int64, count, size int64) error {
	return translate(h.gdb.Model(&db.Entity{}).Where("id = ?", id).
		Updates(map[string]any{"total_entry_count": count, "total_entry_size": size}).Error)
}

// DeleteEntity removes an entity row together with its entries and
// fragments. Storage rows must be deleted by the caller first (storage
// deletion involves the storage back-end, which the index does not touch).
// A locked entity is refused with ErrLocked unless force is set.
func (h *Handle) DeleteEntity(id int64, force bool) error {
	return translate(h.gdb.Transaction(func(tx *gorm.DB) error {
		var e db.Entity
		if err := tx.First(&e, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		if e.Locked && !force {
			return ErrLocked
		}
		if err := tx.Where("entry_id IN (?)",
			tx.Model(&db.Entry{}).Select("id").Where("entity_id = ?", id),
		).Delete(&db.EntryFragment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("entity_id = ?", id).Delete(&db.Entry{}).Error; err != nil {
			return err
		}
		return tx.Delete(&db.Entity{}, "id = ?", id).Error
	}))
}

// AssignEntity moves an entity to another job and/or archive type. Used by
// the indexAssign command.
func (h *Handle) AssignEntity(id int64, jobUUID uuid.UUID, archiveType db.ArchiveType) error {
	updates := map[string]any{}
	if jobUUID != uuid.Nil {
		updates["job_uuid"] = jobUUID
	}
	if archiveType != db.ArchiveTypeNone {
		updates["type"] = archiveType
	}
	if len(updates) == 0 {
		return nil
	}
	res := h.gdb.Model(&db.Entity{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
