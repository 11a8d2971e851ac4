package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DAY ROLLOVER JOB
// ══════════════════════════════════════════════════════════════════════════════

// DayRoller closes the attendance day of every class whose last record is
// from an earlier calendar day, returning how many classes rolled.
type DayRoller interface {
	RollDay(ctx context.Context) (int, error)
}

// DayRolloverJob checks for a new calendar day and rolls attendance over.
type DayRolloverJob struct {
	roller DayRoller
	log    *zap.Logger
}

// NewDayRolloverJob creates the job.
func NewDayRolloverJob(roller DayRoller, log *zap.Logger) *DayRolloverJob {
	return &DayRolloverJob{roller: roller, log: logger.OrNop(log).With(logger.Component("day_rollover"))}
}

func (j *DayRolloverJob) Name() string { return "day_rollover" }

func (j *DayRolloverJob) Description() string {
	return "Records the finished day's attendance and starts a fresh sheet"
}

func (j *DayRolloverJob) Run(ctx context.Context) error {
	n, err := j.roller.RollDay(ctx)
	if n > 0 {
		j.log.Info("attendance rolled over", zap.Int("classes", n))
	}
	return err
}
