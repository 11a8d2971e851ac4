package observer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/leaderboard"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

// RankClass builds the sorted ranking of one class from its current scores.
func RankClass(cls *gradebook.Class) *leaderboard.Ranking {
	r := leaderboard.NewRanking()
	for _, st := range cls.Students() {
		// Students are keyed by roll number inside a class, so ids never clash.
		_ = r.Add(&leaderboard.Entry{
			StudentID: st.UUID,
			Number:    st.Number,
			Name:      st.Name,
			Score:     st.Score(),
		})
	}
	r.Sort()
	return r
}

// Placement is one row of a published ranking.
type Placement struct {
	Place     int
	Score     int64
	StudentID shared.UUID
	Name      string
	Number    int
}

// RankConfig configures a RankObserver.
type RankConfig struct {
	Graph  GraphSource
	MaxTPS float64
	Logger *zap.Logger

	// OnChange is called after a tick for every class whose places moved.
	OnChange func(classKey string, moves map[shared.UUID]leaderboard.RankDirection)
}

// RankObserver keeps a tie-aware and a dense ranking per class, refreshed
// at a bounded rate.
type RankObserver struct {
	cfg  RankConfig
	log  *zap.Logger
	loop *loop

	mu        sync.RWMutex
	snapshots map[string]*leaderboard.Ranking
}

// NewRankObserver creates a stopped rank observer.
func NewRankObserver(cfg RankConfig) *RankObserver {
	return &RankObserver{
		cfg:       cfg,
		log:       logger.OrNop(cfg.Logger).With(logger.Component("rank_observer")),
		loop:      newLoop(cfg.MaxTPS),
		snapshots: make(map[string]*leaderboard.Ranking),
	}
}

// Run ticks until ctx is done or Stop is called.
func (o *RankObserver) Run(ctx context.Context) error {
	o.log.Info("rank observer started", logger.FrameBudget(o.loop.budget))
	defer o.log.Info("rank observer stopped")
	return o.loop.run(ctx, "rank_observer", func(context.Context, func() time.Duration) time.Duration {
		o.Tick()
		return 0
	})
}

// Stop asks the loop to exit after the current tick.
func (o *RankObserver) Stop() { o.loop.stop() }

// Running reports whether Run is active.
func (o *RankObserver) Running() bool { return o.loop.isRunning() }

// Stats returns loop diagnostics.
func (o *RankObserver) Stats() Stats { return o.loop.snapshot() }

// Tick rebuilds every class ranking once.
func (o *RankObserver) Tick() {
	g := o.graph()
	if g == nil {
		return
	}

	next := make(map[string]*leaderboard.Ranking)
	for _, cls := range g.Classes() {
		next[cls.Key] = RankClass(cls)
	}

	o.mu.Lock()
	prev := o.snapshots
	o.snapshots = next
	o.mu.Unlock()

	if o.cfg.OnChange == nil {
		return
	}
	for key, r := range next {
		moves := leaderboard.Diff(prev[key], r)
		for id, dir := range moves {
			if dir == leaderboard.RankDirectionStable {
				delete(moves, id)
			}
		}
		if len(moves) > 0 {
			o.cfg.OnChange(key, moves)
		}
	}
}

func (o *RankObserver) graph() *gradebook.Graph {
	if o.cfg.Graph == nil {
		return nil
	}
	return o.cfg.Graph()
}

// Ranking returns the last published ranking of a class.
func (o *RankObserver) Ranking(classKey string) (*leaderboard.Ranking, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.snapshots[classKey]
	return r, ok
}

// TieAware returns the class ranking with shared places for equal scores,
// e.g. scores 10, 5, 5, 2 give places 1, 2, 2, 4.
func (o *RankObserver) TieAware(classKey string) ([]Placement, bool) {
	return o.placements(classKey, func(e *leaderboard.Entry) leaderboard.Rank { return e.Place })
}

// Sequential returns the class ranking with dense places,
// e.g. scores 10, 5, 5, 2 give places 1, 2, 2, 3.
func (o *RankObserver) Sequential(classKey string) ([]Placement, bool) {
	return o.placements(classKey, func(e *leaderboard.Entry) leaderboard.Rank { return e.Sequential })
}

func (o *RankObserver) placements(classKey string, place func(*leaderboard.Entry) leaderboard.Rank) ([]Placement, bool) {
	r, ok := o.Ranking(classKey)
	if !ok {
		return nil, false
	}
	entries := r.All()
	out := make([]Placement, len(entries))
	for i, e := range entries {
		out[i] = Placement{
			Place:     int(place(e)),
			Score:     e.Score,
			StudentID: e.StudentID,
			Name:      e.Name,
			Number:    e.Number,
		}
	}
	return out, true
}
