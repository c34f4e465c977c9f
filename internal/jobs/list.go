package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/trigger"
)

// DefaultLockTimeout bounds how long Lock/RLock wait before giving up with
// ErrLockTimeout. A dispatcher worker stuck behind a wedged runner must not
// hang its client forever.
const DefaultLockTimeout = 30 * time.Second

// lockPollInterval is the retry cadence of the timed lock acquisition.
const lockPollInterval = 10 * time.Millisecond

// List is the process-wide job registry. The scheduler, runner, slave
// reconciler, and command dispatcher all operate on it; every access to a
// Job goes through a timed read or write lock.
type List struct {
	mu   sync.RWMutex
	jobs []*Job

	// changed wakes the runner and scheduler when jobs are added, removed,
	// or triggered.
	changed *trigger.Trigger
}

// NewList creates an empty job list.
func NewList() *List {
	return &List{changed: trigger.New()}
}

// Changed returns the modification trigger. Waiters use it with
// trigger.Delay to sleep until the list changes.
func (l *List) Changed() *trigger.Trigger {
	return l.changed
}

// Lock acquires the write lock, waiting at most timeout (DefaultLockTimeout
// when timeout is 0). Returns ErrLockTimeout on expiry.
func (l *List) Lock(timeout time.Duration) error {
	if timeout == 0 {
		timeout = DefaultLockTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if l.mu.TryLock() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
}

// Unlock releases the write lock and wakes all modification waiters.
func (l *List) Unlock() {
	l.mu.Unlock()
	l.changed.Signal()
}

// RLock acquires the read lock, waiting at most timeout (DefaultLockTimeout
// when timeout is 0). Returns ErrLockTimeout on expiry.
func (l *List) RLock(timeout time.Duration) error {
	if timeout == 0 {
		timeout = DefaultLockTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if l.mu.TryRLock() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
}

// RUnlock releases the read lock.
func (l *List) RUnlock() {
	l.mu.RUnlock()
}

// Add inserts a job. The caller must hold the write lock. Fails with
// ErrAlreadyExists when a job with the same name or UUID is present.
func (l *List) Add(j *Job) error {
	for _, existing := range l.jobs {
		if existing.Name == j.Name || existing.UUID == j.UUID {
			return ErrAlreadyExists
		}
	}
	l.jobs = append(l.jobs, j)
	return nil
}

// Remove deletes a job by UUID. The caller must hold the write lock.
func (l *List) Remove(id uuid.UUID) error {
	for i, j := range l.jobs {
		if j.UUID == id {
			l.jobs = append(l.jobs[:i], l.jobs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// ByUUID returns the job with the given UUID. The caller must hold a lock.
func (l *List) ByUUID(id uuid.UUID) (*Job, error) {
	for _, j := range l.jobs {
		if j.UUID == id {
			return j, nil
		}
	}
	return nil, ErrNotFound
}

// ByName returns the job with the given name. The caller must hold a lock.
func (l *List) ByName(name string) (*Job, error) {
	for _, j := range l.jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return nil, ErrNotFound
}

// All returns the jobs sorted by name. The caller must hold a lock; the
// returned slice is a copy but the jobs are shared.
func (l *List) All() []*Job {
	out := append([]*Job(nil), l.jobs...)
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Len returns the number of jobs. The caller must hold a lock.
func (l *List) Len() int {
	return len(l.jobs)
}

// NextRunnable returns the next job the runner should pick up: continuous
// jobs first, then the remaining waiting jobs in name order. The caller
// must hold a lock. Returns nil when nothing is runnable.
func (l *List) NextRunnable() *Job {
	var fallback *Job
	for _, j := range l.All() {
		if !j.IsRunnable() {
			continue
		}
		if j.trigger != nil && j.trigger.ArchiveType == db.ArchiveTypeContinuous {
			return j
		}
		if fallback == nil {
			fallback = j
		}
	}
	return fallback
}

// ActiveCount returns the number of waiting or running jobs. The caller
// must hold a lock.
func (l *List) ActiveCount() int {
	n := 0
	for _, j := range l.jobs {
		if j.IsActive() {
			n++
		}
	}
	return n
}
