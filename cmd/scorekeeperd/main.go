// Package main runs the scorekeeper core as a daemon: it opens the current
// archive, runs the observers and background jobs, and saves on shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/config"
	"github.com/scorekeeper/scorekeeper-core/internal/application/core"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/persistence/sqlite"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: $SCOREKEEPER_CONFIG or ./scorekeeper.yaml)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	version, _ := shared.ParseVersion(cfg.App.Version)
	log.Info("starting scorekeeper",
		zap.String("env", string(cfg.App.Environment)),
		logger.Version(version),
		zap.String("timezone", cfg.App.Location.String()),
		zap.String("data_dir", cfg.Storage.DataDir),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. STORAGE
	// ─────────────────────────────────────────────────────────────────────────
	store, err := sqlite.Open(sqlite.Options{
		DataDir:      cfg.Storage.DataDir,
		BusyTimeout:  cfg.Storage.BusyTimeout,
		WriteRetries: cfg.Storage.WriteRetries,
		RetryBackoff: cfg.Storage.RetryBackoff,
		Version:      version,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. CORE
	// ─────────────────────────────────────────────────────────────────────────
	c, err := core.New(core.Config{
		Store:     store,
		Observer:  cfg.Observer,
		Scheduler: cfg.Scheduler,
		Location:  cfg.App.Location,
		Logger:    log,
		Callbacks: core.Callbacks{
			OnGranted: func(key string, st *gradebook.Student) {
				log.Info("achievement unlocked", logger.TemplateKey(key),
					logger.StudentName(st.Name), logger.ClassKey(st.BelongsTo))
			},
			OnOverload: func(tickCost, frameCost, mspt time.Duration) {
				log.Warn("achievement observer overloaded", logger.TickCost(tickCost),
					logger.FrameBudget(frameCost), zap.Duration("mspt", mspt))
			},
			OnVersionMismatch: func(stored, runtime shared.Version) {
				log.Warn("stored data written by another version",
					zap.Stringer("stored", stored), zap.Stringer("runtime", runtime))
			},
			OnObserverError: func(err error) {
				log.Warn("achievement skipped", zap.Error(err))
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build core: %w", err)
	}
	if err := c.Open(ctx); err != nil {
		return fmt.Errorf("failed to open current archive: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. RUN UNTIL SIGNALLED
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("scorekeeper is running", zap.Int("classes", len(c.ClassKeys())))
	runErr := c.Run(ctx)
	c.Stop()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("background loops failed", zap.Error(runErr))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("shutting down", zap.Duration("timeout", cfg.App.ShutdownTimeout))
	saveCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	res, err := c.Save(saveCtx)
	if err != nil {
		return errors.Join(runErr, fmt.Errorf("final save: %w", err))
	}
	log.Info("shutdown completed", logger.ObjectCount(res.Objects), zap.String("checksum", res.Checksum))
	return runErr
}
