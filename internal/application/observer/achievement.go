package observer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATE AND ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// State is the lifecycle state of the achievement observer.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateOverloaded
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateOverloaded:
		return "overloaded"
	default:
		return "stopped"
	}
}

// ObserverError reports a template whose predicates failed and that has no
// built-in defaults to fall back on. The template is skipped for the tick.
type ObserverError struct {
	TemplateKey string
	Err         error
}

func (e *ObserverError) Error() string {
	return fmt.Sprintf("achievement %q: %v", e.TemplateKey, e.Err)
}

func (e *ObserverError) Unwrap() error { return e.Err }

// Is matches shared.ErrObserver.
func (e *ObserverError) Is(target error) bool { return target == shared.ErrObserver }

// OverloadHandler is told the cost of the offending tick, the frame budget
// and the measured time per tick.
type OverloadHandler func(tickCost, frameCost, mspt time.Duration)

// ══════════════════════════════════════════════════════════════════════════════
// OBSERVER
// ══════════════════════════════════════════════════════════════════════════════

// AchievementConfig configures an AchievementObserver.
type AchievementConfig struct {
	Graph    GraphSource
	Registry *gradebook.PredicateRegistry
	Delivery *Delivery

	MaxTPS float64
	// OverloadRatio is the share of the frame budget a tick may use.
	OverloadRatio float64
	// OverloadTicks is how many consecutive slow ticks are tolerated.
	OverloadTicks int

	OnOverload OverloadHandler
	OnError    func(error)

	Logger *zap.Logger
	Now    func() time.Time
}

// AchievementObserver grants every achievement whose predicates hold for a
// student that does not already have it.
type AchievementObserver struct {
	cfg   AchievementConfig
	log   *zap.Logger
	loop  *loop
	now   func() time.Time
	state atomic.Int32

	// slow counts consecutive ticks over the threshold; only the loop touches it.
	slow int

	mu      sync.Mutex
	granted uint64
}

// NewAchievementObserver creates a stopped observer.
func NewAchievementObserver(cfg AchievementConfig) *AchievementObserver {
	if cfg.OverloadRatio <= 0 {
		cfg.OverloadRatio = 0.8
	}
	if cfg.OverloadTicks <= 0 {
		cfg.OverloadTicks = 5
	}
	if cfg.Registry == nil {
		cfg.Registry = gradebook.DefaultPredicateRegistry()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &AchievementObserver{
		cfg:  cfg,
		log:  logger.OrNop(cfg.Logger).With(logger.Component("achievement_observer")),
		loop: newLoop(cfg.MaxTPS),
		now:  now,
	}
}

// State returns the current lifecycle state.
func (o *AchievementObserver) State() State { return State(o.state.Load()) }

// Stats returns loop diagnostics.
func (o *AchievementObserver) Stats() Stats { return o.loop.snapshot() }

// Granted returns how many achievements this observer has granted.
func (o *AchievementObserver) Granted() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.granted
}

// Stop asks the loop to exit after the current tick.
func (o *AchievementObserver) Stop() { o.loop.stop() }

// Run ticks until ctx is done or Stop is called.
func (o *AchievementObserver) Run(ctx context.Context) error {
	if o.loop.isRunning() {
		return shared.NewDomainError("achievement_observer", "Run", shared.ErrInvalidState, "already running")
	}
	o.state.Store(int32(StateRunning))
	o.slow = 0
	o.log.Info("achievement observer started", logger.FrameBudget(o.loop.budget))
	defer func() {
		o.state.Store(int32(StateStopped))
		o.log.Info("achievement observer stopped")
	}()

	return o.loop.run(ctx, "achievement_observer", func(_ context.Context, cost func() time.Duration) time.Duration {
		for _, err := range o.Tick() {
			o.report(err)
		}
		return o.account(cost())
	})
}

// Tick evaluates every (student, template) pair once and returns the errors
// of templates that were skipped.
func (o *AchievementObserver) Tick() []error {
	g := o.graph()
	if g == nil {
		return nil
	}
	templates := g.AchievementTemplates.All()
	if len(templates) == 0 {
		return nil
	}

	var errs []error
	skip := make(map[string]bool)
	now := o.now()

	for _, cls := range g.Classes() {
		students := cls.Students()
		ranking := RankClass(cls)
		mates := make([]gradebook.Classmate, len(students))
		for i, st := range students {
			mates[i] = gradebook.Classmate{UUID: st.UUID, Name: st.Name, Number: st.Number, Score: st.Score()}
		}

		for _, st := range students {
			stats := st.Stats()
			var view *gradebook.View

			for _, tpl := range templates {
				if skip[tpl.Key] || st.HasAchievement(tpl.Key) || !tpl.Applies(stats) {
					continue
				}
				if view == nil {
					view = &gradebook.View{
						UUID:       st.UUID,
						Name:       st.Name,
						Number:     st.Number,
						ClassKey:   cls.Key,
						Stats:      stats,
						Rank:       int(ranking.PlaceOf(st.UUID)),
						Counts:     st.OccurrenceCounts(),
						HadReset:   !st.LastReset.IsZero(),
						Classmates: mates,
					}
				}

				ok, err := evaluate(tpl, view)
				if err != nil {
					skip[tpl.Key] = true
					if ferr := o.fallback(tpl, err); ferr != nil {
						errs = append(errs, ferr)
					}
					continue
				}
				if ok {
					o.grant(tpl, st, now)
				}
			}
		}
	}
	return errs
}

func (o *AchievementObserver) graph() *gradebook.Graph {
	if o.cfg.Graph == nil {
		return nil
	}
	return o.cfg.Graph()
}

func evaluate(tpl *gradebook.AchievementTemplate, v *gradebook.View) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = shared.NewDomainError("predicate", "Eval", shared.ErrPredicate, fmt.Sprint(r))
		}
	}()
	return tpl.Evaluate(v)
}

func (o *AchievementObserver) grant(tpl *gradebook.AchievementTemplate, st *gradebook.Student, now time.Time) {
	a := gradebook.NewAchievement(tpl, st, now)
	if !st.Grant(a) {
		return
	}
	o.mu.Lock()
	o.granted++
	o.mu.Unlock()

	o.log.Info("achievement granted",
		logger.TemplateKey(tpl.Key), logger.StudentName(st.Name), logger.ClassKey(st.BelongsTo))
	if o.cfg.Delivery != nil {
		o.cfg.Delivery.Enqueue(Grant{TemplateKey: tpl.Key, Student: st, Achievement: a})
	}
}

// fallback handles a failing template. Built-ins go back to their defaults;
// anything else yields an ObserverError. Either way the template is retried
// on the next tick.
func (o *AchievementObserver) fallback(tpl *gradebook.AchievementTemplate, err error) error {
	if b, ok := gradebook.LookupBuiltin(tpl.Key); ok {
		tpl.SetPredicates(b.Defaults(o.cfg.Registry))
		o.log.Warn("achievement predicates failed, restored defaults",
			logger.TemplateKey(tpl.Key), zap.Error(err))
		return nil
	}
	o.log.Error("achievement predicates failed", logger.TemplateKey(tpl.Key), zap.Error(err))
	return &ObserverError{TemplateKey: tpl.Key, Err: err}
}

func (o *AchievementObserver) report(err error) {
	if o.cfg.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("error handler panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	o.cfg.OnError(err)
}

// ══════════════════════════════════════════════════════════════════════════════
// OVERLOAD
// ══════════════════════════════════════════════════════════════════════════════

// account tracks slow ticks and returns the extra back-off sleep.
func (o *AchievementObserver) account(cost time.Duration) time.Duration {
	budget := o.loop.budget
	threshold := time.Duration(float64(budget) * o.cfg.OverloadRatio)
	if threshold <= 0 {
		threshold = time.Nanosecond
	}

	if cost <= threshold {
		o.slow = 0
		if o.state.CompareAndSwap(int32(StateOverloaded), int32(StateRunning)) {
			o.log.Info("achievement observer recovered", logger.TickCost(cost))
		}
		return 0
	}

	o.slow++
	if o.slow <= o.cfg.OverloadTicks {
		return 0
	}

	if o.state.CompareAndSwap(int32(StateRunning), int32(StateOverloaded)) {
		mspt := budget
		if tps := o.loop.snapshot().AchievedTPS; tps > 0 {
			mspt = time.Duration(float64(time.Second) / tps)
		}
		o.log.Warn("achievement observer overloaded",
			logger.TickCost(cost), logger.FrameBudget(budget), zap.Duration("mspt", mspt))
		o.notifyOverload(cost, budget, mspt)
	}

	// Sleep longer the further the tick overshoots.
	extra := time.Duration(float64(cost) * float64(cost) / float64(threshold))
	if limit := 10 * budget; extra > limit {
		extra = limit
	}
	return extra
}

// OnOverload replaces the overload callback.
func (o *AchievementObserver) OnOverload(fn OverloadHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.OnOverload = fn
}

func (o *AchievementObserver) notifyOverload(cost, budget, mspt time.Duration) {
	o.mu.Lock()
	fn := o.cfg.OnOverload
	o.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("overload handler panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(cost, budget, mspt)
}
