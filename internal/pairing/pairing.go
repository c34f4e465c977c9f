// Package pairing implements the one-time handshake by which a slave
// accepts a new master identity. At most one pairing request is in flight;
// completing it atomically replaces the persisted master record.
package pairing

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/config"
	"github.com/bard-backup/bard/internal/protocol"
	"github.com/bard-backup/bard/internal/trigger"
)

// DefaultMasterTimeout bounds how long a pairing request stays open without
// a master showing up.
const DefaultMasterTimeout = 10 * time.Minute

// Mode is the pairing acceptance mode.
type Mode int

const (
	// ModeNone: no pairing request in flight.
	ModeNone Mode = iota
	// ModeAuto: the first successful UUID authorization completes pairing.
	ModeAuto
	// ModeManual: a captured identity must be confirmed via
	// masterPairingStop pair=yes.
	ModeManual
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "AUTO"
	case ModeManual:
		return "MANUAL"
	default:
		return "NONE"
	}
}

// DisconnectMasters is called to drop all currently connected master
// sessions, e.g. when a re-pair or clearPaired invalidates them.
type DisconnectMasters func()

// Coordinator is the pairing state singleton. It also implements
// authz.MasterVerifier: authorization attempts with a UUID flow through
// VerifyMaster, which either completes/feeds the pairing or checks the
// persisted record.
type Coordinator struct {
	mu       sync.Mutex
	mode     Mode
	newName  string
	newHash  string
	deadline time.Time

	store      *config.Store
	disconnect DisconnectMasters
	logger     *zap.Logger
	now        func() time.Time

	// changed wakes the slave pool's long sleep (§4.4) and pairing status
	// watchers.
	changed *trigger.Trigger
}

// NewCoordinator creates a coordinator persisting through store.
func NewCoordinator(store *config.Store, disconnect DisconnectMasters, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:      store,
		disconnect: disconnect,
		logger:     logger,
		now:        time.Now,
		changed:    trigger.New(),
	}
}

// Changed returns the trigger fired on every pairing state change.
func (c *Coordinator) Changed() *trigger.Trigger {
	return c.changed
}

// Begin opens a pairing request. When a master is already paired, all
// connected master sessions are disconnected to force a re-pair. A zero
// timeout selects DefaultMasterTimeout.
func (c *Coordinator) Begin(mode Mode, timeout time.Duration) {
	if mode == ModeNone {
		return
	}
	if timeout <= 0 {
		timeout = DefaultMasterTimeout
	}

	c.mu.Lock()
	c.mode = mode
	c.newName = ""
	c.newHash = ""
	c.deadline = c.now().Add(timeout)
	paired := c.store.Get().Master.IsPaired()
	c.mu.Unlock()

	c.logger.Info("pairing started",
		zap.Stringer("mode", mode), zap.Duration("timeout", timeout))
	if paired {
		c.disconnect()
	}
	c.changed.Signal()
}

// End completes pairing: the persisted master record is atomically replaced
// with (name, uuidHash) and the request is closed. An empty name only
// clears the request.
func (c *Coordinator) End(name, uuidHash string) error {
	c.mu.Lock()
	c.mode = ModeNone
	c.newName = ""
	c.newHash = ""
	c.deadline = time.Time{}
	c.mu.Unlock()

	if name == "" {
		c.changed.Signal()
		return nil
	}

	c.store.Update(func(o *config.Options) {
		o.Master = config.MasterRecord{Name: name, UUIDHash: uuidHash}
	})
	if err := c.store.Flush(); err != nil {
		// Roll back so no partial pairing state survives.
		c.store.Update(func(o *config.Options) {
			o.Master = config.MasterRecord{}
		})
		return fmt.Errorf("pairing: persist master record: %w", err)
	}
	c.logger.Info("master paired", zap.String("master", name))
	c.changed.Signal()
	return nil
}

// Abort cancels an in-flight pairing request.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	active := c.mode != ModeNone
	c.mode = ModeNone
	c.newName = ""
	c.newHash = ""
	c.deadline = time.Time{}
	c.mu.Unlock()

	if active {
		c.logger.Info("pairing aborted")
		c.changed.Signal()
	}
}

// ClearPaired drops the persisted master record and disconnects all master
// sessions.
func (c *Coordinator) ClearPaired() error {
	c.store.Update(func(o *config.Options) {
		o.Master = config.MasterRecord{}
	})
	if err := c.store.Flush(); err != nil {
		return fmt.Errorf("pairing: clear master record: %w", err)
	}
	c.logger.Info("paired master cleared")
	c.disconnect()
	c.changed.Signal()
	return nil
}

// Confirm completes a manual pairing with the captured identity (pair=yes)
// or discards it (pair=no).
func (c *Coordinator) Confirm(pair bool) error {
	c.mu.Lock()
	if c.mode != ModeManual {
		c.mu.Unlock()
		return protocol.Errorf(protocol.CodeFail, "no manual pairing in progress")
	}
	name, hash := c.newName, c.newHash
	c.mu.Unlock()

	if !pair || name == "" {
		c.Abort()
		return nil
	}
	return c.End(name, hash)
}

// Status returns the current mode, the captured candidate name, and the
// remaining time before the request expires.
func (c *Coordinator) Status() (Mode, string, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	if c.mode == ModeNone {
		return ModeNone, "", 0
	}
	return c.mode, c.newName, c.deadline.Sub(c.now())
}

// VerifyMaster implements authz.MasterVerifier. During an active pairing
// request the identity is captured: Auto mode completes the pairing and
// accepts the session, Manual mode records the candidate and still rejects
// until confirmed. Outside pairing the identity is checked against the
// persisted record.
func (c *Coordinator) VerifyMaster(name, uuidHash string) error {
	c.mu.Lock()
	c.expireLocked()
	mode := c.mode
	if mode != ModeNone {
		c.newName = name
		c.newHash = uuidHash
	}
	c.mu.Unlock()

	switch mode {
	case ModeAuto:
		if err := c.End(name, uuidHash); err != nil {
			return protocol.Errorf(protocol.CodeFail, "pairing failed: %v", err)
		}
		return nil
	case ModeManual:
		c.logger.Info("pairing candidate captured, awaiting confirmation",
			zap.String("master", name))
		c.changed.Signal()
		return protocol.Errorf(protocol.CodeNotPaired, "pairing confirmation pending")
	}

	master := c.store.Get().Master
	if !master.IsPaired() {
		return protocol.Errorf(protocol.CodeNotPaired, "no master paired")
	}
	if master.Name != name || master.UUIDHash != uuidHash {
		return protocol.Errorf(protocol.CodeNotPaired, "master identity mismatch")
	}
	return nil
}

func (c *Coordinator) expireLocked() {
	if c.mode != ModeNone && c.now().After(c.deadline) {
		c.logger.Info("pairing request expired")
		c.mode = ModeNone
		c.newName = ""
		c.newHash = ""
		c.deadline = time.Time{}
	}
}
