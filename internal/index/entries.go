package index

import (
	"gorm.io/gorm"

	"github.com/bard-backup/bard/internal/db"
)

// CreateEntry inserts an entry row and returns its integer id.
func (h *Handle) CreateEntry(e *db.Entry) (int64, error) {
	if err := h.gdb.Create(e).Error; err != nil {
		return 0, translate(err)
	}
	return e.ID, nil
}

// Entry returns one entry by integer id.
func (h *Handle) Entry(id int64) (*db.Entry, error) {
	var e db.Entry
	if err := h.gdb.First(&e, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

// EntryFilter narrows an entry listing.
type EntryFilter struct {
	EntityID    int64        // 0 = all entities
	Type        db.EntryType // "" = all types
	NamePattern string       // SQL LIKE pattern, "" = all names
	Limit       int          // 0 = unlimited
	Offset      int
}

// Entries streams entry rows matching the filter, observing the interrupt
// flag between batches. Entry listings over a full index can be very large;
// this is the query "abort commandId=N" most often lands on.
func (h *Handle) Entries(filter EntryFilter) ([]db.Entry, error) {
	q := h.gdb.Order("name, id")
	if filter.EntityID != 0 {
		q = q.Where("entity_id = ?", filter.EntityID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.NamePattern != "" {
		q = q.Where("name LIKE ?", filter.NamePattern)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit).Offset(filter.Offset)
	}

	var out []db.Entry
	err := q.FindInBatches(&[]db.Entry{}, batchSize, func(tx *gorm.DB, _ int) error {
		if err := h.checkInterrupt(); err != nil {
			return err
		}
		batch := tx.Statement.Dest.(*[]db.Entry)
		out = append(out, *batch...)
		return nil
	}).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// DeleteEntry removes one entry row together with its fragments.
func (h *Handle) DeleteEntry(id int64) error {
	return translate(h.gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("entry_id = ?", id).Delete(&db.EntryFragment{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&db.Entry{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	}))
}

// CreateEntryFragment inserts a fragment row.
func (h *Handle) CreateEntryFragment(f *db.EntryFragment) (int64, error) {
	if err := h.gdb.Create(f).Error; err != nil {
		return 0, translate(err)
	}
	return f.ID, nil
}

// EntryFragments returns the fragments of one entry in offset order.
func (h *Handle) EntryFragments(entryID int64) ([]db.EntryFragment, error) {
	var out []db.EntryFragment
	err := h.gdb.Where("entry_id = ?", entryID).Order(`"offset"`).Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// AssignEntries moves entries to another entity. Used by indexAssign.
func (h *Handle) AssignEntries(entryIDs []int64, entityID int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	return translate(h.gdb.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&db.Entity{}).Where("id = ?", entityID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return tx.Model(&db.Entry{}).Where("id IN ?", entryIDs).
			Update("entity_id", entityID).Error
	}))
}
