// Package index exposes the typed query surface over the index database.
//
// The rest of the server never touches gorm directly: every caller opens a
// Handle and goes through its methods. Each network client worker holds one
// Handle for its session lifetime; long-running queries observe the handle's
// interrupt flag (set via Index.Interrupt from an "abort commandId=N"
// command) and return ErrInterrupted between row batches.
package index

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sentinel errors raised by index queries.
var (
	// ErrNotFound means the referenced row does not exist.
	ErrNotFound = errors.New("index: entry not found")
	// ErrInterrupted means the query was cancelled via Interrupt.
	ErrInterrupted = errors.New("index: interrupted")
	// ErrLocked means the target entity is locked.
	ErrLocked = errors.New("index: entity locked")
	// ErrNotInitialized means no index database is configured.
	ErrNotInitialized = errors.New("index: not initialized")
)

// batchSize is the row-batch granularity at which streaming queries check
// the interrupt flag.
const batchSize = 256

// Index wraps the index database. The zero value is an unconfigured index:
// Open fails with ErrNotInitialized, which callers treat as "no index" and
// degrade (history writes disabled, persistence engine idle).
type Index struct {
	mu     sync.Mutex
	gdb    *gorm.DB
	logger *zap.Logger
}

// New creates an Index over an opened database.
func New(gdb *gorm.DB, logger *zap.Logger) *Index {
	return &Index{gdb: gdb, logger: logger.Named("index")}
}

// IsInitialized reports whether an index database is configured.
func (x *Index) IsInitialized() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.gdb != nil
}

// Open returns a new query handle. Handles are cheap; each session worker
// and each background thread holds its own.
func (x *Index) Open() (*Handle, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.gdb == nil {
		return nil, ErrNotInitialized
	}
	return &Handle{idx: x, gdb: x.gdb}, nil
}

// Handle is one opened index query handle with its own interrupt flag.
type Handle struct {
	idx         *Index
	gdb         *gorm.DB
	interrupted atomic.Bool
}

// Interrupt requests cancellation of the query currently running on h.
// Streaming queries observe the flag between row batches.
func (h *Handle) Interrupt() {
	h.interrupted.Store(true)
}

// Close releases the handle. The flag is cleared so a pooled worker can
// reuse its handle for the next command.
func (h *Handle) Close() {
	h.interrupted.Store(false)
}

// checkInterrupt resets-and-reports: returns ErrInterrupted once per
// Interrupt call.
func (h *Handle) checkInterrupt() error {
	if h.interrupted.Load() {
		return ErrInterrupted
	}
	return nil
}

// translate maps gorm errors to the package sentinels.
func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
