// Package observer runs the background loops that derive rankings and grant
// achievements from the live graph. Loops read the graph without a global
// lock and re-evaluate every tick, so a briefly stale read is corrected on the
// next one.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// GraphSource returns the live graph. It is called once per tick so the
// owner can swap graphs between ticks.
type GraphSource func() *gradebook.Graph

// Stats are diagnostics of a polling loop.
type Stats struct {
	Ticks        uint64
	AchievedTPS  float64
	LastTickCost time.Duration
	FrameBudget  time.Duration
}

// loop paces a tick function to a maximum rate. Stop and context
// cancellation are honoured between ticks, never inside one.
type loop struct {
	budget time.Duration

	mu        sync.Mutex
	stats     Stats
	lastStart time.Time
	running   bool
	stopCh    chan struct{}
}

func newLoop(maxTPS float64) *loop {
	if maxTPS <= 0 {
		maxTPS = 1
	}
	budget := time.Duration(float64(time.Second) / maxTPS)
	return &loop{budget: budget, stats: Stats{FrameBudget: budget}}
}

func (l *loop) start(component string) (chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil, shared.NewDomainError(component, "Run", shared.ErrInvalidState, "already running")
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.lastStart = time.Time{}
	return l.stopCh, nil
}

func (l *loop) finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	l.stopCh = nil
}

// stop asks a running loop to exit after its current tick.
func (l *loop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopCh != nil {
		close(l.stopCh)
		l.stopCh = nil
	}
}

func (l *loop) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *loop) record(start time.Time, cost time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.Ticks++
	l.stats.LastTickCost = cost
	if !l.lastStart.IsZero() {
		if interval := start.Sub(l.lastStart); interval > 0 {
			tps := float64(time.Second) / float64(interval)
			if l.stats.AchievedTPS == 0 {
				l.stats.AchievedTPS = tps
			} else {
				l.stats.AchievedTPS = 0.8*l.stats.AchievedTPS + 0.2*tps
			}
		}
	}
	l.lastStart = start
}

func (l *loop) snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// run calls tick until ctx is done or stop is called. tick returns an extra
// delay added to the pacing sleep.
func (l *loop) run(ctx context.Context, component string, tick func(ctx context.Context, cost func() time.Duration) time.Duration) error {
	stopCh, err := l.start(component)
	if err != nil {
		return err
	}
	defer l.finish()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		default:
		}

		start := time.Now()
		extra := tick(ctx, func() time.Duration { return time.Since(start) })
		cost := time.Since(start)
		l.record(start, cost)

		wait := l.budget - cost + extra
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-stopCh:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
