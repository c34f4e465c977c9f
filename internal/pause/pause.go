// Package pause implements the process-wide pause flags: clients can pause
// archive creation, storage writes, restores, and index work for a period
// or indefinitely (suspend). A watcher auto-continues expired pauses.
package pause

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/trigger"
)

// Mode is a bitmask of pausable activities.
type Mode uint8

const (
	ModeCreate Mode = 1 << iota
	ModeStorage
	ModeRestore
	ModeIndexUpdate
	ModeIndexMaintenance

	ModeAll = ModeCreate | ModeStorage | ModeRestore | ModeIndexUpdate | ModeIndexMaintenance
)

var modeNames = []struct {
	mode Mode
	name string
}{
	{ModeCreate, "CREATE"},
	{ModeStorage, "STORAGE"},
	{ModeRestore, "RESTORE"},
	{ModeIndexUpdate, "INDEX_UPDATE"},
	{ModeIndexMaintenance, "INDEX_MAINTENANCE"},
}

// ParseModes parses a comma-separated mode list; "ALL" selects every mode.
func ParseModes(s string) (Mode, bool) {
	var m Mode
	for _, part := range strings.Split(s, ",") {
		name := strings.ToUpper(strings.TrimSpace(part))
		if name == "ALL" {
			m |= ModeAll
			continue
		}
		found := false
		for _, mn := range modeNames {
			if mn.name == name {
				m |= mn.mode
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return m, m != 0
}

// String formats the mode set as a comma-separated list.
func (m Mode) String() string {
	if m == ModeAll {
		return "ALL"
	}
	var names []string
	for _, mn := range modeNames {
		if m&mn.mode != 0 {
			names = append(names, mn.name)
		}
	}
	return strings.Join(names, ",")
}

// Flags is the lock-protected pause state singleton.
type Flags struct {
	mu    sync.Mutex
	modes Mode
	until time.Time // zero while suspended (no expiry)
	now   func() time.Time

	changed *trigger.Trigger
}

// NewFlags creates an un-paused flag set.
func NewFlags() *Flags {
	return &Flags{now: time.Now, changed: trigger.New()}
}

// Pause pauses the given modes for d.
func (f *Flags) Pause(modes Mode, d time.Duration) {
	f.mu.Lock()
	f.modes |= modes
	f.until = f.now().Add(d)
	f.mu.Unlock()
	f.changed.Signal()
}

// Suspend pauses the given modes with no expiry.
func (f *Flags) Suspend(modes Mode) {
	f.mu.Lock()
	f.modes |= modes
	f.until = time.Time{}
	f.mu.Unlock()
	f.changed.Signal()
}

// Continue clears all pause flags.
func (f *Flags) Continue() {
	f.mu.Lock()
	f.modes = 0
	f.until = time.Time{}
	f.mu.Unlock()
	f.changed.Signal()
}

// IsPaused reports whether any of the given modes is currently paused.
// Expiry is applied lazily so callers never observe a stale pause.
func (f *Flags) IsPaused(modes Mode) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked()
	return f.modes&modes != 0
}

// Status returns the paused modes and the expiry time (zero = suspended or
// not paused).
func (f *Flags) Status() (Mode, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked()
	return f.modes, f.until
}

// Changed returns the trigger fired on every state change, used by the
// watcher and by loops gated on pause flags.
func (f *Flags) Changed() *trigger.Trigger {
	return f.changed
}

func (f *Flags) expireLocked() {
	if f.modes != 0 && !f.until.IsZero() && !f.now().Before(f.until) {
		f.modes = 0
		f.until = time.Time{}
	}
}

// Watch runs until quit is set, clearing expired pauses so that waiters
// blocked on the change trigger resume promptly.
func (f *Flags) Watch(quit *trigger.Quit, logger *zap.Logger) {
	for !quit.IsSet() {
		f.mu.Lock()
		modes, until := f.modes, f.until
		f.mu.Unlock()

		var wait time.Duration
		switch {
		case modes == 0 || until.IsZero():
			wait = time.Minute
		default:
			wait = time.Until(until)
			if wait < time.Second {
				wait = time.Second
			}
		}
		trigger.Delay(wait, quit, f.changed)
		if quit.IsSet() {
			return
		}

		f.mu.Lock()
		wasPaused := f.modes != 0
		f.expireLocked()
		expired := wasPaused && f.modes == 0
		f.mu.Unlock()
		if expired {
			logger.Info("pause period expired, continuing")
			f.changed.Signal()
		}
	}
}
