package index

import (
	"time"

	"github.com/google/uuid"

	"github.com/bard-backup/bard/internal/db"
)

// AggregateInfo carries the per-job or per-schedule statistics pulled from
// the index after every run and served by jobInfo/scheduleList.
type AggregateInfo struct {
	LastExecuted     time.Time
	LastErrorCode    int
	LastErrorMessage string
	ExecutionCount   int64
	AverageDuration  int64 // seconds
	TotalEntityCount int64
	TotalEntryCount  int64
	TotalEntrySize   int64
	TotalStorageSize int64
}

// JobAggregate loads the aggregate statistics of one job.
func (h *Handle) JobAggregate(jobUUID uuid.UUID) (*AggregateInfo, error) {
	return h.aggregate("job_uuid = ?", jobUUID)
}

// ScheduleAggregate loads the aggregate statistics of one schedule.
func (h *Handle) ScheduleAggregate(jobUUID, scheduleUUID uuid.UUID) (*AggregateInfo, error) {
	return h.aggregate("job_uuid = ? AND schedule_uuid = ?", jobUUID, scheduleUUID)
}

func (h *Handle) aggregate(where string, args ...any) (*AggregateInfo, error) {
	info := &AggregateInfo{}

	var hist struct {
		Count       int64
		AvgDuration float64
		LastCreated *time.Time
	}
	err := h.gdb.Model(&db.HistoryRow{}).Where(where, args...).
		Select("COUNT(*) AS count, COALESCE(AVG(duration),0) AS avg_duration, MAX(created_at) AS last_created").
		Scan(&hist).Error
	if err != nil {
		return nil, translate(err)
	}
	info.ExecutionCount = hist.Count
	info.AverageDuration = int64(hist.AvgDuration)
	if hist.LastCreated != nil {
		info.LastExecuted = *hist.LastCreated
	}

	var last db.HistoryRow
	err = h.gdb.Where(where, args...).Order("created_at DESC, id DESC").First(&last).Error
	if err == nil {
		info.LastErrorCode = last.ErrorCode
		info.LastErrorMessage = last.ErrorMessage
	} else if translate(err) != ErrNotFound {
		return nil, translate(err)
	}

	var ent struct {
		Count      int64
		EntryCount int64
		EntrySize  int64
	}
	err = h.gdb.Model(&db.Entity{}).Where(where, args...).
		Select("COUNT(*) AS count, COALESCE(SUM(total_entry_count),0) AS entry_count, COALESCE(SUM(total_entry_size),0) AS entry_size").
		Scan(&ent).Error
	if err != nil {
		return nil, translate(err)
	}
	info.TotalEntityCount = ent.Count
	info.TotalEntryCount = ent.EntryCount
	info.TotalEntrySize = ent.EntrySize

	var storageSize int64
	err = h.gdb.Model(&db.Storage{}).
		Where("entity_id IN (?)", h.gdb.Model(&db.Entity{}).Select("id").Where(where, args...)).
		Select("COALESCE(SUM(total_size),0)").Scan(&storageSize).Error
	if err != nil {
		return nil, translate(err)
	}
	info.TotalStorageSize = storageSize

	return info, nil
}

// UUIDInfo is one row of indexUUIDList: a job uuid known to the index with
// its entity statistics.
type UUIDInfo struct {
	JobUUID         uuid.UUID
	LastCreated     time.Time
	TotalEntryCount int64
	TotalEntrySize  int64
}

// UUIDs lists the distinct job uuids present in the index.
func (h *Handle) UUIDs() ([]UUIDInfo, error) {
	var rows []struct {
		JobUUID     string
		LastCreated time.Time
		EntryCount  int64
		EntrySize   int64
	}
	err := h.gdb.Model(&db.Entity{}).
		Select("job_uuid, MAX(created_at) AS last_created, COALESCE(SUM(total_entry_count),0) AS entry_count, COALESCE(SUM(total_entry_size),0) AS entry_size").
		Group("job_uuid").Order("job_uuid").Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}

	out := make([]UUIDInfo, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.JobUUID)
		if err != nil {
			continue
		}
		out = append(out, UUIDInfo{
			JobUUID:         id,
			LastCreated:     r.LastCreated,
			TotalEntryCount: r.EntryCount,
			TotalEntrySize:  r.EntrySize,
		})
	}
	return out, nil
}

// Info summarizes the whole index for the indexInfo command.
type Info struct {
	EntityCount       int64
	StorageCount      int64
	EntryCount        int64
	TotalEntrySize    int64
	OkStorageCount    int64
	UpdateRequested   int64
	ErrorStorageCount int64
}

// IndexInfo returns whole-index summary counters.
func (h *Handle) IndexInfo() (*Info, error) {
	info := &Info{}
	if err := h.gdb.Model(&db.Entity{}).Count(&info.EntityCount).Error; err != nil {
		return nil, translate(err)
	}
	if err := h.gdb.Model(&db.Storage{}).Count(&info.StorageCount).Error; err != nil {
		return nil, translate(err)
	}
	if err := h.gdb.Model(&db.Entry{}).Count(&info.EntryCount).Error; err != nil {
		return nil, translate(err)
	}
	if err := h.gdb.Model(&db.Entry{}).Select("COALESCE(SUM(size),0)").Scan(&info.TotalEntrySize).Error; err != nil {
		return nil, translate(err)
	}
	for state, dst := range map[db.IndexState]*int64{
		db.IndexStateOk:              &info.OkStorageCount,
		db.IndexStateUpdateRequested: &info.UpdateRequested,
		db.IndexStateError:           &info.ErrorStorageCount,
	} {
		if err := h.gdb.Model(&db.Storage{}).Where("state = ?", state).Count(dst).Error; err != nil {
			return nil, translate(err)
		}
	}
	return info, nil
}
