package persistence

import (
	"context"
	"path"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/metrics"
	"github.com/bard-backup/bard/internal/storage"
)

// pendingMove is one storage that must relocate to its rule's move target.
type pendingMove struct {
	storage db.Storage
	target  storage.Specifier
	jobName string
}

// moveAll relocates every storage whose entity's rule carries a move-to
// URI and whose current location differs from it.
func (e *Engine) moveAll(h *index.Handle, snaps map[uuid.UUID]*jobSnapshot) {
	moves := e.collectMoves(h, snaps)
	if len(moves) == 0 {
		return
	}

	var totalSize int64
	for _, m := range moves {
		totalSize += m.storage.TotalSize
	}

	var doneCount, doneSize int64
	for n, m := range moves {
		if e.quit.IsSet() {
			return
		}
		info := TransferInfo{
			StorageID:  m.storage.ID,
			Name:       m.storage.Name,
			N:          n,
			Size:       m.storage.TotalSize,
			DoneCount:  doneCount,
			DoneSize:   doneSize,
			TotalCount: int64(len(moves)),
			TotalSize:  totalSize,
		}
		if err := e.moveOne(h, m, info); err != nil {
			e.logger.Error("storage move failed",
				zap.String("job", m.jobName),
				zap.String("storage", m.storage.Name),
				zap.Error(err))
			if serr := h.SetStorageState(m.storage.ID, db.IndexStateError, err.Error()); serr != nil {
				e.logger.Warn("storage state update failed", zap.Error(serr))
			}
			continue
		}
		doneCount++
		doneSize += m.storage.TotalSize
		metrics.StoragesMoved.Inc()
	}
	if e.transfer != nil {
		e.transfer(TransferInfo{DoneCount: doneCount, DoneSize: doneSize,
			TotalCount: int64(len(moves)), TotalSize: totalSize})
	}
}

func (e *Engine) collectMoves(h *index.Handle, snaps map[uuid.UUID]*jobSnapshot) []pendingMove {
	ents, err := h.Entities()
	if err != nil {
		return nil
	}
	now := e.now()

	var moves []pendingMove
	for jobUUID, snap := range snaps {
		for _, a := range annotate(ents, jobUUID, snap, now) {
			if a.rule == nil || a.rule.MoveTo == "" || a.entity.Locked {
				continue
			}
			target, err := storage.ParseSpecifier(a.rule.MoveTo)
			if err != nil {
				e.logger.Warn("invalid move-to target",
					zap.String("job", snap.name), zap.String("target", a.rule.MoveTo))
				continue
			}
			storages, err := h.StoragesByEntity(a.entity.ID)
			if err != nil {
				continue
			}
			for _, s := range storages {
				current, err := storage.ParseSpecifier(s.Name)
				if err != nil || s.State == db.IndexStateError {
					continue
				}
				want := target
				want.Path = path.Join(target.Path, path.Base(current.Path))
				if current.SameLocation(want) {
					continue
				}
				moves = append(moves, pendingMove{storage: s, target: target, jobName: snap.name})
			}
		}
	}
	return moves
}

// moveOne copies the artifact to the target under a unique name, updates
// the index row, then removes the source. On failure the row is reverted
// by the caller marking it Error; a partial destination file is removed by
// the copy itself.
func (e *Engine) moveOne(h *index.Handle, m pendingMove, info TransferInfo) error {
	ctx := context.Background()
	src, err := storage.ParseSpecifier(m.storage.Name)
	if err != nil {
		return err
	}

	srcBackend, err := storage.Connect(src, storage.Credentials{Password: string(m.storage.Password)})
	if err != nil {
		return err
	}
	defer srcBackend.Close()
	dstBackend, err := storage.Connect(m.target, storage.Credentials{})
	if err != nil {
		return err
	}
	defer dstBackend.Close()

	// Pick a free destination name: the original base name, then -0, -1, …
	base := path.Base(src.Path)
	dstName := path.Join(m.target.Path, base)
	for n := 0; storage.Exists(ctx, dstBackend, dstName); n++ {
		dstName = path.Join(m.target.Path, storage.UniqueName(base, n))
	}

	if _, err := storage.Copy(ctx, dstBackend, srcBackend, dstName, src.Path, func(done int64) {
		if e.transfer != nil {
			prog := info
			prog.DoneSize += done
			e.transfer(prog)
		}
	}); err != nil {
		return err
	}

	dst := m.target
	dst.Path = dstName
	if err := h.RenameStorage(m.storage.ID, dst.String()); err != nil {
		// The copy landed but the index now disagrees; drop the copy and
		// keep the source authoritative.
		dstBackend.Delete(ctx, dstName)
		return err
	}
	if err := srcBackend.Delete(ctx, src.Path); err != nil {
		e.logger.Warn("source artifact removal failed",
			zap.String("storage", m.storage.Name), zap.Error(err))
	}
	e.logger.Info("storage moved",
		zap.String("category", "INDEX"),
		zap.String("job", m.jobName),
		zap.String("from", m.storage.Name),
		zap.String("to", dst.String()))
	return nil
}
