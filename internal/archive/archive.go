// Package archive defines the collaborator interfaces the job runner and
// index workers drive: archive creation, restore, and index update. The
// concrete archiving engine plugs in behind these interfaces; the server
// core only orchestrates it and never inspects archive internals.
package archive

import (
	"context"

	"github.com/google/uuid"

	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/protocol"
)

// VolumeResponse is the outcome of a volume request raised by the storage
// layer mid-run.
type VolumeResponse int

const (
	// VolumeOk means the requested volume was loaded; continue writing.
	VolumeOk VolumeResponse = iota
	// VolumeUnload means the operator asked to unload the current volume
	// first.
	VolumeUnload
	// VolumeAborted means the run was aborted while waiting for the volume.
	VolumeAborted
)

// Progress is one progress sample pushed through the Progress callback.
type Progress struct {
	EntryName      string
	EntryDoneSize  int64
	EntryTotalSize int64

	DoneCount  int64
	DoneSize   int64
	TotalCount int64
	TotalSize  int64

	SkippedCount int64
	SkippedSize  int64
	ErrorCount   int64
	ErrorSize    int64

	StorageName      string
	StorageDoneSize  int64
	StorageTotalSize int64
}

// Callbacks routes engine events back into the core. Unset callbacks are
// replaced with no-ops by Normalized; engines may call any of them freely.
type Callbacks struct {
	// GetCryptPassword supplies the archive encryption password when the
	// job's password mode requires asking.
	GetCryptPassword func() (string, bool)
	// GetNamePassword supplies a per-storage-name password during restore.
	GetNamePassword func(name string) (string, bool)
	// Progress pushes a progress sample.
	Progress func(p Progress)
	// RequestVolume blocks until the operator loads volume number n (or
	// unloads/aborts). message describes why the volume is needed.
	RequestVolume func(number int, message string) VolumeResponse
	// IsPauseCreate/IsPauseStorage/IsPauseRestore report the pause flags;
	// the engine idles while the relevant flag is set.
	IsPauseCreate  func() bool
	IsPauseStorage func() bool
	IsPauseRestore func() bool
	// IsAborted reports a requested abort; the engine must unwind.
	IsAborted func() bool
	// RestoreError is consulted per failed entry during restore; returning
	// true continues with the next entry, false aborts the restore.
	RestoreError func(name string, err error) bool
}

// Normalized returns a copy with every nil callback replaced by a no-op.
func (cb Callbacks) Normalized() Callbacks {
	if cb.GetCryptPassword == nil {
		cb.GetCryptPassword = func() (string, bool) { return "", false }
	}
	if cb.GetNamePassword == nil {
		cb.GetNamePassword = func(string) (string, bool) { return "", false }
	}
	if cb.Progress == nil {
		cb.Progress = func(Progress) {}
	}
	if cb.RequestVolume == nil {
		cb.RequestVolume = func(int, string) VolumeResponse { return VolumeAborted }
	}
	if cb.IsPauseCreate == nil {
		cb.IsPauseCreate = func() bool { return false }
	}
	if cb.IsPauseStorage == nil {
		cb.IsPauseStorage = func() bool { return false }
	}
	if cb.IsPauseRestore == nil {
		cb.IsPauseRestore = func() bool { return false }
	}
	if cb.IsAborted == nil {
		cb.IsAborted = func() bool { return false }
	}
	if cb.RestoreError == nil {
		cb.RestoreError = func(string, error) bool { return false }
	}
	return cb
}

// CreateRequest is the input of one archive creation run.
type CreateRequest struct {
	EntityUUID  uuid.UUID
	JobUUID     uuid.UUID
	ArchiveType db.ArchiveType
	// StorageName is the macro-expanded destination URI.
	StorageName string

	Includes        []jobs.IncludeEntry
	Excludes        []string
	ExcludeCompress []string
	DeltaSources    []string

	Crypt   jobs.CryptSettings
	Options jobs.Options

	// DryRun simulates the run without writing storages.
	DryRun bool
	// NoStorage indexes the source without producing an archive.
	NoStorage bool
	// TestCreated verifies written storages after creation.
	TestCreated bool
}

// CreateResult carries the counters of a finished (or failed) creation.
type CreateResult struct {
	TotalEntryCount   int64
	TotalEntrySize    int64
	SkippedEntryCount int64
	SkippedEntrySize  int64
	ErrorEntryCount   int64
	ErrorEntrySize    int64

	// Storages are the written artifacts, in write order.
	Storages         []StorageInfo
	StorageTotalSize int64
}

// StorageInfo describes one written archive artifact.
type StorageInfo struct {
	Name string // URI
	Size int64
}

// Creator produces archives.
type Creator interface {
	Create(ctx context.Context, req CreateRequest, cb Callbacks) (CreateResult, error)
}

// RestoreRequest is the input of one restore run.
type RestoreRequest struct {
	StorageName string
	// Names are the entry names to restore; empty means everything.
	Names []string
	// DirectoryContent restores the content of named directories rather
	// than the directory entries themselves.
	DirectoryContent bool
	Destination      string
	Overwrite        bool
	Crypt            jobs.CryptSettings
}

// RestoreResult carries the counters of a finished restore.
type RestoreResult struct {
	DoneCount  int64
	DoneSize   int64
	ErrorCount int64
	ErrorSize  int64
}

// Restorer extracts entries from archives.
type Restorer interface {
	Restore(ctx context.Context, req RestoreRequest, cb Callbacks) (RestoreResult, error)
}

// IndexedEntry is one archive entry reported by an index update.
type IndexedEntry struct {
	Type     db.EntryType
	Name     string
	Size     int64
	Modified int64 // unix seconds
	UserID   uint32
	GroupID  uint32
	Mode     uint32
	// Fragment of the entry held by the scanned storage.
	FragmentOffset int64
	FragmentSize   int64
}

// UpdateIndexRequest is the input of one storage index scan.
type UpdateIndexRequest struct {
	StorageName   string
	CryptPassword string
	// Emit receives each entry found in the archive.
	Emit func(e IndexedEntry) error
}

// IndexUpdater reads an archive and reports its entries. A wrong crypt
// password fails with code InvalidCryptPassword so the caller can try the
// next candidate.
type IndexUpdater interface {
	UpdateIndex(ctx context.Context, req UpdateIndexRequest, cb Callbacks) error
}

// Unsupported is the engine placeholder used when no archiving engine is
// linked in: every operation fails with FunctionNotSupported. The server
// still runs schedules, scripts, persistence moves, and remote jobs.
type Unsupported struct{}

func (Unsupported) Create(context.Context, CreateRequest, Callbacks) (CreateResult, error) {
	return CreateResult{}, protocol.Errorf(protocol.CodeFunctionNotSupported, "no archive engine")
}

func (Unsupported) Restore(context.Context, RestoreRequest, Callbacks) (RestoreResult, error) {
	return RestoreResult{}, protocol.Errorf(protocol.CodeFunctionNotSupported, "no archive engine")
}

func (Unsupported) UpdateIndex(context.Context, UpdateIndexRequest, Callbacks) error {
	return protocol.Errorf(protocol.CodeFunctionNotSupported, "no archive engine")
}

var (
	_ Creator      = Unsupported{}
	_ Restorer     = Unsupported{}
	_ IndexUpdater = Unsupported{}
)
