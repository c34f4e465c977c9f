// Package persistence enforces the per-job retention rules: it purges
// entities whose rule period is over its keep limit or age bound, and
// relocates storages of entities whose rule carries a move-to target.
//
// The engine never holds the job list lock while talking to the index or
// a storage back-end; each sweep starts from a snapshot of the rule
// configuration.
package persistence

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/metrics"
	"github.com/bard-backup/bard/internal/pause"
	"github.com/bard-backup/bard/internal/trigger"
)

// DefaultPeriod is the sweep cadence.
const DefaultPeriod = 10 * time.Minute

// settleDelay defers expiration after a rule edit so an operator adjusting
// retention does not race the purge.
const settleDelay = 10 * time.Minute

// Purger deletes one expired entity. The production purger removes the
// storages and the index rows; a dry-run purger only records what would
// go.
type Purger interface {
	Purge(h *index.Handle, e db.Entity, mounts []jobs.Mount, reason string) error
}

// Mounter mounts and unmounts the devices a job's storages live on.
// A nil Mounter skips mounting.
type Mounter interface {
	Mount(m jobs.Mount) error
	Unmount(m jobs.Mount) error
}

// TransferInfo describes the storage move currently in progress.
type TransferInfo struct {
	StorageID int64
	Name      string
	N         int
	Size      int64
	DoneCount int64
	DoneSize  int64
	TotalCount int64
	TotalSize  int64
}

// Engine is the retention sweep loop.
type Engine struct {
	list   *jobs.List
	idx    *index.Index
	flags  *pause.Flags
	logger *zap.Logger
	now    func() time.Time

	period  time.Duration
	purger  Purger
	mounter Mounter
	// transfer publishes move progress; nil disables the callback.
	transfer func(TransferInfo)

	quit *trigger.Quit
	wake *trigger.Trigger
	done chan struct{}
}

// New creates an engine with the production purger.
func New(list *jobs.List, idx *index.Index, flags *pause.Flags, logger *zap.Logger) *Engine {
	e := &Engine{
		list:   list,
		idx:    idx,
		flags:  flags,
		logger: logger.Named("persistence"),
		now:    time.Now,
		period: DefaultPeriod,
		quit:   trigger.NewQuit(),
		wake:   trigger.New(),
		done:   make(chan struct{}),
	}
	e.purger = &storagePurger{engine: e}
	return e
}

// SetPurger replaces the purge strategy, e.g. with a dry-run recorder.
func (e *Engine) SetPurger(p Purger) { e.purger = p }

// SetMounter installs the device mounter.
func (e *Engine) SetMounter(m Mounter) { e.mounter = m }

// SetTransferCallback installs the move progress callback.
func (e *Engine) SetTransferCallback(f func(TransferInfo)) { e.transfer = f }

// Start launches the sweep loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop terminates the loop.
func (e *Engine) Stop() {
	e.quit.Set()
	e.wake.Signal()
	<-e.done
}

// Wake forces an immediate sweep, e.g. before a new archive of a managed
// type is created.
func (e *Engine) Wake() {
	e.wake.Signal()
}

func (e *Engine) run() {
	defer close(e.done)
	for !e.quit.IsSet() {
		if e.flags == nil || !e.flags.IsPaused(pause.ModeStorage) {
			e.Sweep()
		}
		trigger.Delay(e.period, e.quit, e.wake)
	}
}

// annotated is one entity with its assigned rule.
type annotated struct {
	entity    db.Entity
	rule      *jobs.PersistenceRule
	ageDays   int
	inTransit bool
	processed bool
}

// jobSnapshot is the per-job configuration a sweep works from.
type jobSnapshot struct {
	name        string
	persistence jobs.PersistenceList
	mounts      []jobs.Mount
	// imminent marks a job with a pending or running archive creation; its
	// settle delay is skipped so the surplus entity goes before the new one
	// arrives.
	imminent bool
}

// Sweep runs purge iterations until nothing more expires, then the move
// pass. Exported for tests and for the runner's pre-create nudge.
func (e *Engine) Sweep() {
	if e.idx == nil {
		return
	}
	h, err := e.idx.Open()
	if err != nil {
		return
	}
	defer h.Close()

	snaps := e.snapshotJobs()
	if snaps == nil {
		return
	}

	processed := map[int64]bool{}
	for !e.quit.IsSet() {
		purged, err := e.purgeOne(h, snaps, processed)
		if err != nil {
			e.logger.Error("purge pass failed", zap.Error(err))
			break
		}
		if !purged {
			break
		}
	}

	e.moveAll(h, snaps)
}

func (e *Engine) snapshotJobs() map[uuid.UUID]*jobSnapshot {
	if err := e.list.RLock(0); err != nil {
		return nil
	}
	defer e.list.RUnlock()
	snaps := make(map[uuid.UUID]*jobSnapshot, e.list.Len())
	for _, j := range e.list.All() {
		snaps[j.UUID] = &jobSnapshot{
			name:        j.Name,
			persistence: j.Persistence.Clone(),
			mounts:      append([]jobs.Mount(nil), j.Mounts...),
			imminent:    j.IsActive(),
		}
	}
	return snaps
}

// purgeOne finds and purges the first expired-or-surplus entity. Returns
// whether anything was purged.
func (e *Engine) purgeOne(h *index.Handle, snaps map[uuid.UUID]*jobSnapshot, processed map[int64]bool) (bool, error) {
	ents, err := h.Entities()
	if err != nil {
		return false, err
	}
	// The descending order is what the in-transit partition rests on.
	for i := 1; i < len(ents); i++ {
		if ents[i].CreatedAt.After(ents[i-1].CreatedAt) {
			return false, fmt.Errorf("persistence: entity order violated at id %d", ents[i].ID)
		}
	}

	now := e.now()
	for jobUUID, snap := range snaps {
		if len(snap.persistence.Rules) == 0 {
			continue
		}
		if !snap.imminent && now.Before(snap.persistence.LastModifiedAt.Add(settleDelay)) {
			continue
		}

		list := annotate(ents, jobUUID, snap, now)
		for k := range list {
			list[k].processed = processed[list[k].entity.ID]
		}

		if target, reason := findExpired(list); target != nil {
			processed[target.entity.ID] = true
			if err := e.purger.Purge(h, target.entity, snap.mounts, reason); err != nil {
				e.logger.Error("entity purge failed",
					zap.String("job", snap.name),
					zap.Int64("entity", target.entity.ID),
					zap.Error(err))
				continue
			}
			metrics.EntitiesPurged.Inc()
			e.logger.Info("Purged expired entity",
				zap.String("category", "INDEX"),
				zap.String("job", snap.name),
				zap.String("entity", target.entity.UUID.String()),
				zap.String("type", string(target.entity.Type)),
				zap.String("reason", reason))
			return true, nil
		}
	}
	return false, nil
}

// annotate builds the job's entity list, newest first, each entry carrying
// its assigned rule and in-transit flag.
func annotate(ents []db.Entity, jobUUID uuid.UUID, snap *jobSnapshot, now time.Time) []annotated {
	var list []annotated
	for _, ent := range ents {
		if ent.JobUUID != jobUUID {
			continue
		}
		age := int(now.Sub(ent.CreatedAt) / (24 * time.Hour))
		list = append(list, annotated{
			entity:  ent,
			rule:    snap.persistence.Assign(ent.Type, age),
			ageDays: age,
		})
	}
	// An entity is in transit while the next-older entity of its type is
	// assigned to a different rule and a move target exists on either side
	// of that period boundary: its storages are about to relocate and the
	// move pass owns it. Without a move target the boundary is purely
	// logical and no protection applies.
	for i := range list {
		for k := i + 1; k < len(list); k++ {
			if list[k].entity.Type != list[i].entity.Type {
				continue
			}
			if list[k].rule != list[i].rule && (hasMoveTo(list[i].rule) || hasMoveTo(list[k].rule)) {
				list[i].inTransit = true
			}
			break
		}
	}
	return list
}

func hasMoveTo(r *jobs.PersistenceRule) bool {
	return r != nil && r.MoveTo != ""
}

// findExpired locates the first purge candidate: keep-limit surplus first,
// then age bound. Returns the candidate and the reason string.
func findExpired(list []annotated) (*annotated, string) {
	for i := range list {
		a := &list[i]
		if a.rule == nil || a.entity.Locked || a.inTransit || a.processed {
			continue
		}

		inPeriod := samePeriod(list, a.rule)
		if a.rule.MaxKeep != jobs.Unlimited && len(inPeriod) > a.rule.MaxKeep {
			// Expire the oldest entity beyond the maxKeep newest; the
			// newest entities of the period are never touched.
			for k := len(inPeriod) - 1; k >= a.rule.MaxKeep; k-- {
				c := inPeriod[k]
				if c.entity.Locked || c.inTransit || c.processed {
					continue
				}
				return c, fmt.Sprintf("max. keep limit reached (%d)", a.rule.MaxKeep)
			}
		}

		if a.rule.MaxAge != jobs.Unlimited && len(inPeriod) > a.rule.MinKeep {
			// Expire the oldest over-age entity outside the minKeep newest.
			for k := len(inPeriod) - 1; k >= a.rule.MinKeep; k-- {
				c := inPeriod[k]
				if c.entity.Locked || c.inTransit || c.processed || c.ageDays <= a.rule.MaxAge {
					continue
				}
				return c, fmt.Sprintf("max. age reached (%d days)", a.rule.MaxAge)
			}
		}
	}
	return nil, ""
}

// samePeriod returns the entities assigned to the given rule, newest
// first. Entities already processed this sweep are excluded: with the
// production purger they are gone from the index anyway, and the dry-run
// purger must count the same way.
func samePeriod(list []annotated, rule *jobs.PersistenceRule) []*annotated {
	var out []*annotated
	for i := range list {
		if list[i].rule == rule && !list[i].processed {
			out = append(out, &list[i])
		}
	}
	return out
}

