// Package core is the single entry point presentation code uses: it owns the
// live graph, routes mutations to the engines and runs the background loops.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scorekeeper/scorekeeper-core/config"
	"github.com/scorekeeper/scorekeeper-core/internal/application/history"
	"github.com/scorekeeper/scorekeeper-core/internal/application/observer"
	"github.com/scorekeeper/scorekeeper-core/internal/application/score"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/persistence/loader"
	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/scheduler"
	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/scheduler/jobs"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

// Callbacks are the hooks presentation code registers. Every hook is optional
// and runs outside the loop that triggered it.
type Callbacks struct {
	// OnGranted is called from the delivery goroutine, in grant order.
	OnGranted observer.GrantHandler

	// OnOverload is called when the achievement observer falls behind.
	OnOverload observer.OverloadHandler

	// OnSaveFailed receives auto-save failures. The next run retries.
	OnSaveFailed func(err error)

	// OnVersionMismatch is called at most once per load.
	OnVersionMismatch func(stored, runtime shared.Version)

	// OnObserverError receives templates skipped by the achievement observer.
	OnObserverError func(err error)
}

// Config wires the core.
type Config struct {
	Store     history.Store
	Observer  config.ObserverConfig
	Scheduler config.SchedulerConfig

	// Location decides where a calendar day ends (default: UTC).
	Location *time.Location

	// Registry resolves custom achievement predicates (default: built-ins only).
	Registry *gradebook.PredicateRegistry

	Callbacks Callbacks
	Logger    *zap.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Core owns the live graph of the current archive.
type Core struct {
	store     history.Store
	saver     *loader.Saver
	histories *history.Engine
	scores    *score.Engine

	ranks        *observer.RankObserver
	achievements *observer.AchievementObserver
	delivery     *observer.Delivery
	sched        *scheduler.Scheduler

	registry  *gradebook.PredicateRegistry
	callbacks Callbacks
	loc       *time.Location
	log       *zap.Logger
	now       func() time.Time

	graph atomic.Pointer[gradebook.Graph]

	// mu serialises whole-graph operations: open, save and reset.
	mu sync.Mutex

	runMu     sync.Mutex
	cancelRun context.CancelFunc
}

// New creates a core holding an empty graph. Call Open to load the current
// archive.
func New(cfg Config) (*Core, error) {
	if cfg.Store == nil {
		return nil, shared.NewDomainError("core", "New", shared.ErrInvalidInput, "store is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Registry == nil {
		cfg.Registry = gradebook.DefaultPredicateRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := logger.OrNop(cfg.Logger)

	c := &Core{
		store:     cfg.Store,
		saver:     loader.NewSaver(cfg.Store, log),
		registry:  cfg.Registry,
		callbacks: cfg.Callbacks,
		loc:       cfg.Location,
		log:       log.With(logger.Component("core")),
		now:       cfg.Now,
	}
	c.histories = history.NewEngine(history.Config{
		Store:             cfg.Store,
		Registry:          cfg.Registry,
		Logger:            log,
		OnVersionMismatch: cfg.Callbacks.OnVersionMismatch,
		Now:               cfg.Now,
	})
	c.scores = score.NewEngine(score.Config{Logger: log, Now: cfg.Now})

	c.delivery = observer.NewDelivery(cfg.Observer.DeliveryQueueSize, cfg.Callbacks.OnGranted, log)
	c.ranks = observer.NewRankObserver(observer.RankConfig{
		Graph:  c.Graph,
		MaxTPS: cfg.Observer.RankMaxTPS,
		Logger: log,
	})
	c.achievements = observer.NewAchievementObserver(observer.AchievementConfig{
		Graph:         c.Graph,
		Registry:      cfg.Registry,
		Delivery:      c.delivery,
		MaxTPS:        cfg.Observer.AchievementMaxTPS,
		OverloadRatio: cfg.Observer.OverloadRatio,
		OverloadTicks: cfg.Observer.OverloadTicks,
		OnOverload:    cfg.Callbacks.OnOverload,
		OnError:       cfg.Callbacks.OnObserverError,
		Logger:        log,
		Now:           cfg.Now,
	})

	g := gradebook.NewGraph(shared.ArchiveCurrent)
	c.ensureBuiltins(g)
	c.graph.Store(g)

	if cfg.Scheduler.Enabled {
		sched, err := c.newScheduler(cfg.Scheduler, log)
		if err != nil {
			return nil, err
		}
		c.sched = sched
	}
	return c, nil
}

func (c *Core) newScheduler(cfg config.SchedulerConfig, log *zap.Logger) (*scheduler.Scheduler, error) {
	s := scheduler.New(scheduler.Config{
		Logger:     log,
		Timezone:   c.loc,
		JobTimeout: cfg.JobTimeout,
		Now:        c.now,
	})

	if cfg.AutoSaveInterval > 0 {
		save := jobs.NewAutoSaveJob(c, c.saveFailed, log)
		if err := s.Register(save, scheduler.NewIntervalSchedule(cfg.AutoSaveInterval)); err != nil {
			return nil, err
		}
	}
	if err := s.Register(jobs.NewDayRolloverJob(c, log), scheduler.NewIntervalSchedule(cfg.RolloverCheckInterval)); err != nil {
		return nil, err
	}
	if cfg.WeeklyResetCron != "" {
		expr, err := scheduler.ParseCronExpression(cfg.WeeklyResetCron)
		if err != nil {
			return nil, shared.WrapError("core", "New", shared.ErrInvalidInput, "scheduler.weekly_reset_cron", err)
		}
		if err := s.Register(jobs.NewWeeklyResetJob(c, log), expr); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (c *Core) saveFailed(err error) {
	c.log.Error("auto-save failed", zap.Error(err))
	if c.callbacks.OnSaveFailed == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("save failure handler panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	c.callbacks.OnSaveFailed(err)
}

// Graph returns the live graph.
func (c *Core) Graph() *gradebook.Graph {
	return c.graph.Load()
}

// ensureBuiltins adds every missing built-in achievement.
func (c *Core) ensureBuiltins(g *gradebook.Graph) {
	for _, b := range gradebook.Builtins() {
		if _, ok := g.AchievementTemplates.Get(b.Key); ok {
			continue
		}
		_ = g.AchievementTemplates.Add(b.Template(c.registry), false)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE
// ══════════════════════════════════════════════════════════════════════════════

// Open loads the current archive, replacing the live graph. A store that was
// never saved yields an empty graph.
func (c *Core) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	session := loader.NewSession(c.store, loader.SessionOptions{
		Registry:          c.registry,
		OnVersionMismatch: c.callbacks.OnVersionMismatch,
		Logger:            c.log,
	})
	g, err := session.LoadGraph(ctx, shared.ArchiveCurrent)
	switch {
	case shared.IsNotFound(err):
		g = gradebook.NewGraph(shared.ArchiveCurrent)
		c.log.Info("no saved data, starting empty")
	case err != nil:
		return err
	}
	c.ensureBuiltins(g)

	c.graph.Store(g)
	c.scores.Reset()
	c.log.Info("current archive opened",
		logger.ObjectCount(session.Len()),
		zap.Int("placeholders", session.Dummies()),
		logger.Latency(time.Since(start)))
	return nil
}

// Save writes the live graph to the current archive.
func (c *Core) Save(ctx context.Context) (loader.SaveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saver.Save(ctx, c.Graph())
}

// ══════════════════════════════════════════════════════════════════════════════
// BACKGROUND LOOPS
// ══════════════════════════════════════════════════════════════════════════════

// Run supervises the observers, the delivery drainer and the scheduler until
// ctx is done. Loops only end on cancellation, so an error means one failed
// to start.
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.runMu.Lock()
	c.cancelRun = cancel
	c.runMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.ranks.Run(ctx) })
	g.Go(func() error { return c.achievements.Run(ctx) })
	g.Go(func() error { return c.delivery.Run(ctx) })
	if c.sched != nil {
		g.Go(func() error { return c.sched.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop asks both observers to exit after their current tick and ends Run.
func (c *Core) Stop() {
	c.ranks.Stop()
	c.achievements.Stop()

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancelRun != nil {
		c.cancelRun()
	}
}

// ObserverState returns the achievement observer state.
func (c *Core) ObserverState() observer.State {
	return c.achievements.State()
}

// RankStats returns rank observer diagnostics.
func (c *Core) RankStats() observer.Stats {
	return c.ranks.Stats()
}

// Scheduler returns the job scheduler, nil when disabled.
func (c *Core) Scheduler() *scheduler.Scheduler {
	return c.sched
}
