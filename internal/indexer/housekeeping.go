package indexer

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/authz"
	"github.com/bard-backup/bard/internal/config"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/pause"
)

// autoCleanKeepDays is how long an auto-discovered storage row survives
// without its file being seen again.
const autoCleanKeepDays = 30

// Housekeeper runs the daily retention chores: auto-clean of stale
// auto-mode storage rows, run-history pruning, and eviction of idle
// authorization fail records.
type Housekeeper struct {
	idx    *index.Index
	cfg    *config.Store
	flags  *pause.Flags
	fails  *authz.FailRegistry
	logger *zap.Logger
	now    func() time.Time

	cron gocron.Scheduler
}

// NewHousekeeper creates the housekeeper with its daily schedule.
func NewHousekeeper(idx *index.Index, cfg *config.Store, flags *pause.Flags, fails *authz.FailRegistry, logger *zap.Logger) (*Housekeeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("indexer: create scheduler: %w", err)
	}
	k := &Housekeeper{
		idx:    idx,
		cfg:    cfg,
		flags:  flags,
		fails:  fails,
		logger: logger.Named("housekeeping"),
		now:    time.Now,
		cron:   s,
	}
	if _, err := s.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 30, 0))),
		gocron.NewTask(k.RunOnce),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("indexer: schedule housekeeping: %w", err)
	}
	return k, nil
}

// Start launches the cron scheduler.
func (k *Housekeeper) Start() { k.cron.Start() }

// Stop shuts the scheduler down, waiting for a running pass.
func (k *Housekeeper) Stop() {
	if err := k.cron.Shutdown(); err != nil {
		k.logger.Warn("scheduler shutdown failed", zap.Error(err))
	}
}

// RunOnce executes one housekeeping pass. Exported for tests and for the
// maintenance command.
func (k *Housekeeper) RunOnce() {
	if k.fails != nil {
		if n := k.fails.Prune(); n > 0 {
			k.logger.Debug("pruned auth fail records", zap.Int("count", n))
		}
	}

	if k.idx == nil || !k.idx.IsInitialized() {
		return
	}
	if k.flags != nil && k.flags.IsPaused(pause.ModeIndexMaintenance) {
		return
	}

	h, err := k.idx.Open()
	if err != nil {
		return
	}
	defer h.Close()

	now := k.now()
	if n, err := h.AutoCleanStorages(now.AddDate(0, 0, -autoCleanKeepDays)); err != nil {
		k.logger.Warn("auto-clean failed", zap.Error(err))
	} else if n > 0 {
		k.logger.Info("Cleaned stale auto storages",
			zap.String("category", "INDEX"), zap.Int64("count", n))
	}

	keepDays := 0
	if k.cfg != nil {
		keepDays = k.cfg.Get().HistoryKeepDays
	}
	if keepDays > 0 {
		if n, err := h.DeleteHistoryOlderThan(now.AddDate(0, 0, -keepDays)); err != nil {
			k.logger.Warn("history prune failed", zap.Error(err))
		} else if n > 0 {
			k.logger.Info("Pruned run history",
				zap.String("category", "INDEX"), zap.Int64("count", n))
		}
	}
}
