package index

import (
	"time"

	"github.com/google/uuid"

	"github.com/bard-backup/bard/internal/db"
)

// AddHistory writes one history row for a finished job run.
func (h *Handle) AddHistory(row *db.HistoryRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return translate(h.gdb.Create(row).Error)
}

// History returns the history rows of one job, newest first. jobUUID ==
// uuid.Nil lists all jobs.
func (h *Handle) History(jobUUID uuid.UUID, limit int) ([]db.HistoryRow, error) {
	q := h.gdb.Order("created_at DESC, id DESC")
	if jobUUID != uuid.Nil {
		q = q.Where("job_uuid = ?", jobUUID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []db.HistoryRow
	if err := q.Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// DeleteHistoryOlderThan prunes history rows created before cutoff.
// Returns the number of rows removed.
func (h *Handle) DeleteHistoryOlderThan(cutoff time.Time) (int64, error) {
	res := h.gdb.Where("created_at < ?", cutoff).Delete(&db.HistoryRow{})
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return res.RowsAffected, nil
}

// -----------------------------------------------------------------------------
// Continuous change log
// -----------------------------------------------------------------------------

// AddContinuous records one pending change-log entry.
func (h *Handle) AddContinuous(e *db.ContinuousEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return translate(h.gdb.Create(e).Error)
}

// HasContinuous reports whether at least one pending change-log entry exists
// for the (job, schedule) pair. The scheduler's continuous predicate.
func (h *Handle) HasContinuous(jobUUID, scheduleUUID uuid.UUID) (bool, error) {
	var count int64
	err := h.gdb.Model(&db.ContinuousEntry{}).
		Where("job_uuid = ? AND schedule_uuid = ? AND stored_flag = ?", jobUUID, scheduleUUID, false).
		Count(&count).Error
	if err != nil {
		return false, translate(err)
	}
	return count > 0, nil
}

// ContinuousEntries returns the pending change-log entries of a (job,
// schedule) pair.
func (h *Handle) ContinuousEntries(jobUUID, scheduleUUID uuid.UUID) ([]db.ContinuousEntry, error) {
	var out []db.ContinuousEntry
	err := h.gdb.Where("job_uuid = ? AND schedule_uuid = ? AND stored_flag = ?",
		jobUUID, scheduleUUID, false).Order("id").Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// MarkContinuousStored flags change-log entries as consumed by a finished
// continuous run.
func (h *Handle) MarkContinuousStored(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return translate(h.gdb.Model(&db.ContinuousEntry{}).Where("id IN ?", ids).
		Update("stored_flag", true).Error)
}
