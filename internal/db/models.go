package db

import (
	"time"

	"github.com/google/uuid"
)

// ArchiveType classifies the backup archives a job produces. Stored as text.
type ArchiveType string

const (
	ArchiveTypeNone         ArchiveType = "NONE"
	ArchiveTypeNormal       ArchiveType = "NORMAL"
	ArchiveTypeFull         ArchiveType = "FULL"
	ArchiveTypeIncremental  ArchiveType = "INCREMENTAL"
	ArchiveTypeDifferential ArchiveType = "DIFFERENTIAL"
	ArchiveTypeContinuous   ArchiveType = "CONTINUOUS"
)

// ParseArchiveType maps a wire/config string to an ArchiveType.
// Unknown strings map to ArchiveTypeNone and ok=false.
func ParseArchiveType(s string) (ArchiveType, bool) {
	switch ArchiveType(s) {
	case ArchiveTypeNormal, ArchiveTypeFull, ArchiveTypeIncremental,
		ArchiveTypeDifferential, ArchiveTypeContinuous:
		return ArchiveType(s), true
	case "*":
		// "*" is accepted where "any type" is meant (persistence rules).
		return ArchiveTypeNone, true
	}
	return ArchiveTypeNone, false
}

// IndexState is the lifecycle state of a storage index record.
type IndexState string

const (
	IndexStateNone            IndexState = "NONE"
	IndexStateOk              IndexState = "OK"
	IndexStateUpdateRequested IndexState = "UPDATE_REQUESTED"
	IndexStateUpdate          IndexState = "UPDATE"
	IndexStateError           IndexState = "ERROR"
)

// IndexMode records how a storage index row came into existence: added by an
// operator (manual) or discovered by the auto indexer (auto). Auto rows are
// subject to auto-clean.
type IndexMode string

const (
	IndexModeManual IndexMode = "MANUAL"
	IndexModeAuto   IndexMode = "AUTO"
)

// EntryType classifies index entries inside an entity.
type EntryType string

const (
	EntryTypeFile      EntryType = "FILE"
	EntryTypeImage     EntryType = "IMAGE"
	EntryTypeDirectory EntryType = "DIRECTORY"
	EntryTypeLink      EntryType = "LINK"
	EntryTypeHardlink  EntryType = "HARDLINK"
	EntryTypeSpecial   EntryType = "SPECIAL"
)

// -----------------------------------------------------------------------------
// Entities & storages
// -----------------------------------------------------------------------------

// Entity is one executed backup run. It owns N Storage rows (the concrete
// archive artifacts) and M Entry rows (the indexed archive contents).
// Relationships are by integer id, never by pointer; the stable integer id
// is what travels over the wire in indexEntityList results.
type Entity struct {
	ID           int64       `gorm:"primaryKey;autoIncrement"`
	UUID         uuid.UUID   `gorm:"type:text;not null;uniqueIndex"`
	JobUUID      uuid.UUID   `gorm:"type:text;not null;index"`
	ScheduleUUID uuid.UUID   `gorm:"type:text"`
	CreatedAt    time.Time   `gorm:"not null;index"`
	Type         ArchiveType `gorm:"not null"`
	TotalEntryCount int64 `gorm:"not null;default:0"`
	TotalEntrySize  int64 `gorm:"not null;default:0"`
	// Locked protects the entity from purge and concurrent mutation while a
	// restore or index update reads from it.
	Locked bool `gorm:"not null;default:false"`
}

// Storage is one concrete archive artifact at a URI.
type Storage struct {
	ID          int64      `gorm:"primaryKey;autoIncrement"`
	EntityID    int64      `gorm:"not null;index"`
	Name        string     `gorm:"not null;index"` // storage URI
	CreatedAt   time.Time  `gorm:"not null"`
	TotalSize   int64      `gorm:"not null;default:0"`
	State       IndexState `gorm:"not null;default:'NONE'"`
	Mode        IndexMode  `gorm:"not null;default:'MANUAL'"`
	LastChecked time.Time
	// UserName/Password cache the credentials that last opened this storage,
	// so the index update worker tries them first. Password is encrypted at
	// rest via EncryptedString.
	UserName     string          `gorm:"default:''"`
	Password     EncryptedString `gorm:"type:text;default:''"`
	ErrorMessage string          `gorm:"type:text;default:''"`
}

// Entry is one indexed object (file, image, directory, ...) inside an entity.
type Entry struct {
	ID       int64     `gorm:"primaryKey;autoIncrement"`
	EntityID int64     `gorm:"not null;index"`
	Type     EntryType `gorm:"not null"`
	Name     string    `gorm:"not null;index"`
	Size     int64     `gorm:"not null;default:0"`
	Modified time.Time
	UserID   uint32
	GroupID  uint32
	Mode     uint32
}

// EntryFragment maps a byte range of an entry to the storage holding it.
// Large entries may span several storages.
type EntryFragment struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	EntryID   int64 `gorm:"not null;index"`
	StorageID int64 `gorm:"not null;index"`
	Offset    int64 `gorm:"not null;default:0"`
	Size      int64 `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

// HistoryRow records the outcome of one finished job run.
type HistoryRow struct {
	ID              int64       `gorm:"primaryKey;autoIncrement"`
	JobUUID         uuid.UUID   `gorm:"type:text;not null;index"`
	ScheduleUUID    uuid.UUID   `gorm:"type:text"`
	EntityUUID      uuid.UUID   `gorm:"type:text"`
	Hostname        string      `gorm:"not null;default:''"`
	Type            ArchiveType `gorm:"not null"`
	CreatedAt       time.Time   `gorm:"not null;index"`
	ErrorCode       int         `gorm:"not null;default:0"`
	ErrorMessage    string      `gorm:"type:text;default:''"`
	Duration        int64       `gorm:"not null;default:0"` // seconds
	TotalEntryCount int64       `gorm:"not null;default:0"`
	TotalEntrySize  int64       `gorm:"not null;default:0"`
	SkippedEntryCount int64 `gorm:"not null;default:0"`
	SkippedEntrySize  int64 `gorm:"not null;default:0"`
	ErrorEntryCount   int64 `gorm:"not null;default:0"`
	ErrorEntrySize    int64 `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Continuous change log
// -----------------------------------------------------------------------------

// ContinuousEntry is one pending change-log record for a continuous job.
// The scheduler only fires a continuous schedule when at least one pending
// entry exists for its (job, schedule) pair; the runner consumes them.
type ContinuousEntry struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	JobUUID      uuid.UUID `gorm:"type:text;not null;index"`
	ScheduleUUID uuid.UUID `gorm:"type:text;not null;index"`
	Name         string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	StoredFlag   bool      `gorm:"not null;default:false"`
}
