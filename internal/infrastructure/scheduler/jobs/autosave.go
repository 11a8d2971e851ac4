// Package jobs contains the scheduled jobs of the score keeper.
package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/persistence/loader"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// AUTO-SAVE JOB
// ══════════════════════════════════════════════════════════════════════════════

// Saver persists the current archive.
type Saver interface {
	Save(ctx context.Context) (loader.SaveResult, error)
}

// SaveStats describes the last auto-save.
type SaveStats struct {
	At       time.Time
	Duration time.Duration
	Objects  int
	Pruned   int
	Err      error
}

// AutoSaveJob saves the current archive periodically.
type AutoSaveJob struct {
	saver     Saver
	onFailure func(error)
	log       *zap.Logger

	last atomic.Pointer[SaveStats]
}

// NewAutoSaveJob creates the job. onFailure may be nil.
func NewAutoSaveJob(saver Saver, onFailure func(error), log *zap.Logger) *AutoSaveJob {
	return &AutoSaveJob{
		saver:     saver,
		onFailure: onFailure,
		log:       logger.OrNop(log).With(logger.Component("autosave")),
	}
}

func (j *AutoSaveJob) Name() string { return "autosave" }

func (j *AutoSaveJob) Description() string {
	return "Saves the current archive to disk"
}

// Run saves once.
func (j *AutoSaveJob) Run(ctx context.Context) error {
	start := time.Now()
	res, err := j.saver.Save(ctx)
	stats := &SaveStats{At: start.UTC(), Duration: time.Since(start), Objects: res.Objects, Pruned: res.Pruned, Err: err}
	j.last.Store(stats)

	if err != nil {
		if j.onFailure != nil {
			j.onFailure(err)
		}
		return err
	}
	j.log.Debug("auto-save done",
		logger.ObjectCount(res.Objects), zap.Int("pruned", res.Pruned), logger.Latency(stats.Duration))
	return nil
}

// LastStats returns the outcome of the last run.
func (j *AutoSaveJob) LastStats() (SaveStats, bool) {
	s := j.last.Load()
	if s == nil {
		return SaveStats{}, false
	}
	return *s, true
}
