package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/persistence/loader"
)

type fakeSaver struct {
	res loader.SaveResult
	err error
}

func (f *fakeSaver) Save(context.Context) (loader.SaveResult, error) { return f.res, f.err }

func TestAutoSaveJob(t *testing.T) {
	saver := &fakeSaver{res: loader.SaveResult{Objects: 12, Pruned: 2}}
	var failures []error
	job := NewAutoSaveJob(saver, func(err error) { failures = append(failures, err) }, nil)

	_, ok := job.LastStats()
	assert.False(t, ok)

	require.NoError(t, job.Run(context.Background()))
	stats, ok := job.LastStats()
	require.True(t, ok)
	assert.Equal(t, 12, stats.Objects)
	assert.Equal(t, 2, stats.Pruned)
	assert.Empty(t, failures)

	saver.err = errors.New("disk full")
	assert.ErrorIs(t, job.Run(context.Background()), saver.err)
	require.Len(t, failures, 1)
	stats, _ = job.LastStats()
	assert.ErrorIs(t, stats.Err, saver.err)
}

type fakeRoller struct{ n int }

func (f *fakeRoller) RollDay(context.Context) (int, error) { return f.n, nil }

func TestDayRolloverJob(t *testing.T) {
	job := NewDayRolloverJob(&fakeRoller{n: 2}, nil)
	assert.Equal(t, "day_rollover", job.Name())
	assert.NoError(t, job.Run(context.Background()))
}

type fakeResetter struct {
	err   error
	calls int
}

func (f *fakeResetter) ResetAllClasses(context.Context) (*gradebook.History, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	id := shared.NewUUID()
	return &gradebook.History{Meta: gradebook.Meta{UUID: id, Archive: shared.ArchiveOf(id)}}, nil
}

func TestWeeklyResetJob_ResetsOnce(t *testing.T) {
	r := &fakeResetter{}
	job := NewWeeklyResetJob(r, nil)
	assert.Equal(t, "weekly_reset", job.Name())
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, r.calls)
}

func TestWeeklyResetJob_ReportsFailure(t *testing.T) {
	boom := errors.New("boom")
	r := &fakeResetter{err: boom}
	assert.ErrorIs(t, NewWeeklyResetJob(r, nil).Run(context.Background()), boom)
}

func TestWeeklyResetJob_StopsOnCancel(t *testing.T) {
	r := &fakeResetter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, NewWeeklyResetJob(r, nil).Run(ctx), context.Canceled)
	assert.Zero(t, r.calls)
}
