package persistence

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/storage"
)

// storagePurger is the production purge strategy: lock the entity, mount
// the job's devices, delete every storage artifact and row, delete the
// entity, unmount, unlock. Each step unwinds on failure so a half-purged
// entity stays locked out of the sweep only for the current iteration.
type storagePurger struct {
	engine *Engine
}

func (p *storagePurger) Purge(h *index.Handle, e db.Entity, mounts []jobs.Mount, reason string) error {
	ctx := context.Background()

	if err := h.SetEntityLocked(e.ID, true); err != nil {
		return err
	}
	unlock := true
	defer func() {
		if unlock {
			if err := h.SetEntityLocked(e.ID, false); err != nil && !errors.Is(err, index.ErrNotFound) {
				p.engine.logger.Warn("entity unlock failed", zap.Int64("entity", e.ID), zap.Error(err))
			}
		}
	}()

	mounted := p.mountAll(mounts)
	defer p.unmountAll(mounted)

	storages, err := h.StoragesByEntity(e.ID)
	if err != nil {
		return err
	}
	for _, s := range storages {
		if s.State == db.IndexStateUpdate {
			return fmt.Errorf("persistence: storage %d of entity %d is being indexed", s.ID, e.ID)
		}
	}
	for _, s := range storages {
		if err := p.deleteArtifact(ctx, s); err != nil {
			return err
		}
		if err := h.DeleteStorage(s.ID); err != nil {
			return err
		}
	}

	if err := h.DeleteEntity(e.ID, true); err != nil {
		return err
	}
	unlock = false
	return nil
}

// deleteArtifact removes the archive file behind a storage row. An
// unparsable name only logs: the row still goes, the file was never
// reachable anyway.
func (p *storagePurger) deleteArtifact(ctx context.Context, s db.Storage) error {
	spec, err := storage.ParseSpecifier(s.Name)
	if err != nil {
		p.engine.logger.Warn("unparsable storage name, removing row only",
			zap.String("storage", s.Name), zap.Error(err))
		return nil
	}
	b, err := storage.Connect(spec, storage.Credentials{Password: string(s.Password)})
	if err != nil {
		return err
	}
	defer b.Close()
	return b.Delete(ctx, spec.Path)
}

func (p *storagePurger) mountAll(mounts []jobs.Mount) []jobs.Mount {
	if p.engine.mounter == nil {
		return nil
	}
	var mounted []jobs.Mount
	for _, m := range mounts {
		if err := p.engine.mounter.Mount(m); err != nil {
			p.engine.logger.Warn("mount failed", zap.String("mount", m.Name), zap.Error(err))
			continue
		}
		mounted = append(mounted, m)
	}
	return mounted
}

func (p *storagePurger) unmountAll(mounted []jobs.Mount) {
	for i := len(mounted) - 1; i >= 0; i-- {
		if err := p.engine.mounter.Unmount(mounted[i]); err != nil {
			p.engine.logger.Warn("unmount failed", zap.String("mount", mounted[i].Name), zap.Error(err))
		}
	}
}

// DryRunPurger records what a sweep would purge without touching storages
// or index rows. Entities it has seen count as processed, so a single
// sweep reports each candidate once.
type DryRunPurger struct {
	Purged  []db.Entity
	Reasons []string
}

// Purge implements Purger.
func (p *DryRunPurger) Purge(_ *index.Handle, e db.Entity, _ []jobs.Mount, reason string) error {
	p.Purged = append(p.Purged, e)
	p.Reasons = append(p.Reasons, reason)
	return nil
}
