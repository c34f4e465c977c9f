// Package trigger provides the cooperative sleep primitive shared by all
// long-running server loops: a quit flag plus named wakeup triggers.
//
// Every background thread sleeps via Delay, which returns early when either
// the process-wide quit flag is set or the loop's trigger is signalled. A
// generation counter per trigger makes signals posted before the sleep
// begins wake the very next Delay call instead of being lost.
package trigger

import (
	"sync"
	"time"
)

// pollInterval bounds how long a Delay can go without re-checking the quit
// flag, independent of trigger signals.
const pollInterval = 5 * time.Second

// Quit is the process-wide termination flag. Setting it wakes every Delay
// in progress. The zero value is ready to use.
type Quit struct {
	mu   sync.Mutex
	cond *sync.Cond
	set  bool
}

// NewQuit creates a Quit flag.
func NewQuit() *Quit {
	q := &Quit{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Set raises the quit flag and wakes all sleepers.
func (q *Quit) Set() {
	q.mu.Lock()
	q.set = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// IsSet reports whether the quit flag has been raised.
func (q *Quit) IsSet() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.set
}

// Trigger is a named wakeup condition with a generation counter. Signal
// increments the generation and wakes sleepers; Delay records the generation
// at sleep start and returns as soon as it changes, so a signal posted
// between two Delay calls is not lost.
type Trigger struct {
	mu   sync.Mutex
	cond *sync.Cond
	gen  uint64
}

// New creates a Trigger.
func New() *Trigger {
	t := &Trigger{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Signal posts a modification signal, waking any current or next sleeper.
func (t *Trigger) Signal() {
	t.mu.Lock()
	t.gen++
	t.mu.Unlock()
	t.cond.Broadcast()
}

// generation returns the current generation counter.
func (t *Trigger) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Delay blocks for at most d, returning early when quit is set or trigger is
// signalled. trigger may be nil for a plain interruptible sleep. The quit
// flag is polled at least every 5 seconds regardless of d.
// Returns true if the full duration elapsed, false on early wakeup.
func Delay(d time.Duration, quit *Quit, trigger *Trigger) bool {
	deadline := time.Now().Add(d)

	var startGen uint64
	if trigger != nil {
		startGen = trigger.generation()
	}

	for {
		if quit != nil && quit.IsSet() {
			return false
		}
		if trigger != nil && trigger.generation() != startGen {
			return false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}

		if trigger != nil {
			if trigger.waitWithTimeout(startGen, remaining) {
				return false
			}
		} else {
			time.Sleep(remaining)
		}
	}
}

// waitWithTimeout waits on the trigger condition until the generation
// advances past startGen or the timeout elapses. Returns true if signalled.
func (t *Trigger) waitWithTimeout(startGen uint64, timeout time.Duration) bool {
	timer := time.AfterFunc(timeout, func() {
		t.cond.Broadcast()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.gen == startGen && time.Now().Before(deadline) {
		t.cond.Wait()
	}
	return t.gen != startGen
}
