// Package authz implements client authorization: the per-client fail
// registry with quadratic back-off and the credential classifier that
// turns an authorize command into a Client or Master session.
package authz

import (
	"sync"
	"time"
)

// Back-off tuning. Three failures already cost 4.5 s; the penalty caps at
// MaxPenalty no matter how many failures accumulate.
const (
	BasePenalty    = 500 * time.Millisecond
	MaxPenalty     = 30 * time.Second
	MaxHistoryKeep = 1 * time.Hour
	MaxFailRecords = 64
)

// failRecord tracks authorization failures of one remote client name.
type failRecord struct {
	name         string
	count        int
	lastFailAt   time.Time
	liveSessions int
}

// FailRegistry is the process-wide authorization fail history. All methods
// are safe for concurrent use.
type FailRegistry struct {
	mu      sync.Mutex
	records map[string]*failRecord
	now     func() time.Time
}

// NewFailRegistry creates an empty registry.
func NewFailRegistry() *FailRegistry {
	return &FailRegistry{
		records: make(map[string]*failRecord),
		now:     time.Now,
	}
}

// RecordFail notes a failed authorization attempt from the given client
// name. The registry is capped: when full, the oldest record with no live
// session is evicted to make room.
func (r *FailRegistry) RecordFail(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		if len(r.records) >= MaxFailRecords {
			r.evictOldestLocked()
		}
		rec = &failRecord{name: name}
		r.records[name] = rec
	}
	rec.count++
	rec.lastFailAt = r.now()
}

// RecordSuccess clears the fail history of a client after a successful
// authorization.
func (r *FailRegistry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, name)
}

// Penalty returns the back-off remaining before the next attempt from this
// client name may be served: min(count² · BasePenalty, MaxPenalty) measured
// from the last failure. Zero when no penalty applies.
func (r *FailRegistry) Penalty(name string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return 0
	}
	penalty := time.Duration(rec.count*rec.count) * BasePenalty
	if penalty > MaxPenalty {
		penalty = MaxPenalty
	}
	remaining := penalty - r.now().Sub(rec.lastFailAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SessionOpened marks a live session for the client name, protecting its
// record from eviction.
func (r *FailRegistry) SessionOpened(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[name]; ok {
		rec.liveSessions++
	}
}

// SessionClosed releases the eviction protection taken by SessionOpened.
func (r *FailRegistry) SessionClosed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[name]; ok && rec.liveSessions > 0 {
		rec.liveSessions--
	}
}

// Prune drops records inactive for longer than MaxHistoryKeep and with no
// live session. Returns the number of records removed.
func (r *FailRegistry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-MaxHistoryKeep)
	removed := 0
	for name, rec := range r.records {
		if rec.liveSessions == 0 && rec.lastFailAt.Before(cutoff) {
			delete(r.records, name)
			removed++
		}
	}
	return removed
}

// Len returns the number of fail records.
func (r *FailRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *FailRegistry) evictOldestLocked() {
	var oldest *failRecord
	for _, rec := range r.records {
		if rec.liveSessions > 0 {
			continue
		}
		if oldest == nil || rec.lastFailAt.Before(oldest.lastFailAt) {
			oldest = rec
		}
	}
	if oldest != nil {
		delete(r.records, oldest.name)
	}
}
