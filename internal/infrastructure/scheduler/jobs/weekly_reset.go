package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// WEEKLY RESET JOB
// ══════════════════════════════════════════════════════════════════════════════

// PeriodResetter freezes the graph into one history and starts a new period
// for every class.
type PeriodResetter interface {
	ResetAllClasses(ctx context.Context) (*gradebook.History, error)
}

// WeeklyResetJob resets every class on a cron schedule.
type WeeklyResetJob struct {
	resetter PeriodResetter
	log      *zap.Logger
}

// NewWeeklyResetJob creates the job.
func NewWeeklyResetJob(resetter PeriodResetter, log *zap.Logger) *WeeklyResetJob {
	return &WeeklyResetJob{resetter: resetter, log: logger.OrNop(log).With(logger.Component("weekly_reset"))}
}

func (j *WeeklyResetJob) Name() string { return "weekly_reset" }

func (j *WeeklyResetJob) Description() string {
	return "Freezes every class into history and zeroes the scores"
}

func (j *WeeklyResetJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := j.resetter.ResetAllClasses(ctx)
	if err != nil {
		if h == nil {
			return err
		}
		j.log.Warn("weekly reset recorded but not saved", logger.ArchiveID(h.Archive.String()), zap.Error(err))
		return err
	}
	j.log.Info("weekly reset", logger.ArchiveID(h.Archive.String()))
	return nil
}
