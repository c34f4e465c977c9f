package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bard-backup/bard/internal/archive"
	"github.com/bard-backup/bard/internal/authz"
	"github.com/bard-backup/bard/internal/config"
	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/httpapi"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/indexer"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/pairing"
	"github.com/bard-backup/bard/internal/pause"
	"github.com/bard-backup/bard/internal/persistence"
	"github.com/bard-backup/bard/internal/runner"
	"github.com/bard-backup/bard/internal/scheduler"
	"github.com/bard-backup/bard/internal/server"
	"github.com/bard-backup/bard/internal/slave"
	"github.com/bard-backup/bard/internal/trigger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	configFile string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "bard",
		Short: "Bard — backup archiver daemon",
		Long: `Bard is a backup archiver server daemon. It schedules and executes
backup jobs locally or on paired slave nodes, enforces retention rules,
and maintains a queryable index of archives and their entries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, false)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newBatchCmd(cfg))
	root.AddCommand(newHashPasswordCmd())

	root.PersistentFlags().StringVar(&cfg.configFile, "config",
		envOrDefault("BARD_CONFIG", "bard.conf"), "Server configuration file")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level",
		envOrDefault("BARD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bard %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newBatchCmd runs commands from stdin synchronously, one per line, with
// the full component stack but no network listeners.
func newBatchCmd(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "batch",
		Short: "Execute protocol commands from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, true)
		},
	}
}

// newHashPasswordCmd hashes a server password for the configuration file.
func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Hash a server password for the password-hash option",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := authz.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

func run(ctx context.Context, cfg *cliConfig, batch bool) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	store := config.NewStore(cfg.configFile)
	if err := store.Load(); err != nil {
		return err
	}
	opts := store.Get()

	logger.Info("starting bard",
		zap.String("version", version),
		zap.String("mode", string(opts.Mode)),
		zap.Int("port", opts.ListenPort),
		zap.String("config", cfg.configFile))

	if err := os.MkdirAll(opts.DataDirectory, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	machineID, err := config.MachineID(opts.DataDirectory)
	if err != nil {
		return err
	}
	// Credentials cached in the index are encrypted with a key derived from
	// the machine identity, so the index file alone does not leak them.
	key := sha256.Sum256([]byte("bard-index-credentials:" + machineID))
	if err := db.InitEncryption(key[:]); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Index database. Absent DSN leaves the index unconfigured: index-bound
	// commands answer DatabaseIndexNotFound and background index workers
	// stay idle.
	idx := &index.Index{}
	if opts.IndexDSN != "" {
		gdb, err := db.Open(db.Config{
			DSN:      opts.IndexDSN,
			Logger:   logger,
			LogLevel: gormlogger.Warn,
		})
		if err != nil {
			return err
		}
		idx = index.New(gdb, logger)
	}

	list := jobs.NewList()
	manager, err := jobs.NewManager(opts.JobsDirectory, list, logger)
	if err != nil {
		return err
	}
	if err := manager.Start(); err != nil {
		return err
	}
	defer manager.Stop()

	quit := trigger.NewQuit()
	defer quit.Set()
	flags := pause.NewFlags()
	go flags.Watch(quit, logger)

	fails := authz.NewFailRegistry()

	// The coordinator needs to disconnect master sessions on unpair; the
	// server does not exist yet, so bind it late.
	var srv *server.Server
	coord := pairing.NewCoordinator(store, func() {
		if srv != nil {
			srv.DisconnectMasters()
		}
	}, logger)

	classifier, err := authz.NewClassifier(opts.PasswordHash, machineID,
		opts.Mode == config.ModeSlave, coord)
	if err != nil {
		return err
	}

	engine := persistence.New(list, idx, flags, logger)
	updater := indexer.NewUpdater(list, idx, store, flags, nil, logger)
	scanner := indexer.NewAutoScanner(list, idx, store, flags, logger)
	keeper, err := indexer.NewHousekeeper(idx, store, flags, fails, logger)
	if err != nil {
		return err
	}

	var contLog scheduler.ContinuousLog
	if idx.IsInitialized() {
		contLog = continuousLog{idx: idx}
	}
	sched := scheduler.New(list, manager, contLog, logger)

	hostname, _ := os.Hostname()
	slaves := slave.NewRegistry(list, func() slave.TLSFiles {
		o := store.Get()
		return slave.TLSFiles{CAFile: o.CAFile, CertFile: o.CertFile, KeyFile: o.KeyFile}
	}, hostname, machineID, logger)

	// No archiving engine is linked into this build; create and restore
	// answer FunctionNotSupported while scheduling, persistence, and remote
	// jobs stay fully functional.
	jobRunner := runner.New(list, manager, idx, runner.Pool{Registry: slaves},
		archive.Unsupported{}, archive.Unsupported{}, flags, logger)

	srv = server.New(server.Deps{
		Config:     store,
		List:       list,
		Manager:    manager,
		Index:      idx,
		Flags:      flags,
		Fails:      fails,
		Classifier: classifier,
		Pairing:    coord,
		Slaves:     slaves,
		Engine:     engine,
		Updater:    updater,
		Scanner:    scanner,
		Keeper:     keeper,
		Hostname:   hostname,
		StartedAt:  time.Now(),
	}, logger)

	if batch {
		return srv.Dispatcher().RunBatch(os.Stdin, os.Stdout)
	}

	engine.Start()
	defer engine.Stop()
	updater.Start()
	defer updater.Stop()
	scanner.Start()
	defer scanner.Stop()
	keeper.Start()
	defer keeper.Stop()
	sched.Start()
	defer sched.Stop()
	slaves.Start()
	defer slaves.Stop()
	jobRunner.Start()
	defer jobRunner.Stop()

	if opts.Mode == config.ModeSlave && opts.PairingFile != "" {
		watcher := pairing.NewFileWatcher(opts.PairingFile, coord, logger)
		watcher.Start()
		defer watcher.Stop()
	}

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	err = httpapi.Serve(ctx, httpapi.RouterConfig{
		Server: srv,
		Config: store,
		Logger: logger,
	})
	logger.Info("shutting down bard")
	return err
}

// continuousLog adapts the index's change-log queries to the scheduler's
// predicate. Each call opens a short-lived handle.
type continuousLog struct {
	idx *index.Index
}

func (l continuousLog) HasPending(jobUUID, scheduleUUID uuid.UUID) bool {
	h, err := l.idx.Open()
	if err != nil {
		return false
	}
	defer h.Close()
	pending, err := h.HasContinuous(jobUUID, scheduleUUID)
	return err == nil && pending
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
