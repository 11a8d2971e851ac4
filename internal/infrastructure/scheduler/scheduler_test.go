package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	panic bool
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "test job " + j.name }
func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	if j.panic {
		panic("boom")
	}
	return j.err
}

func TestCronExpression_Parse(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"* * * * *", false},
		{"*/5 * * * *", false},
		{"0 8-16 * * 1-5", false},
		{"0,30 9 1 1,6 *", false},
		{"5/15 * * * *", false},
		{"* * * *", true},
		{"60 * * * *", true},
		{"*/0 * * * *", true},
		{"5-2 * * * *", true},
		{"a * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseCronExpression(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCronExpression_Next(t *testing.T) {
	// 2026-10-15 is a Thursday.
	base := time.Date(2026, 10, 15, 10, 7, 30, 0, time.UTC)

	next := MustParseCronExpression(EveryMonday).Next(base)
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), next)

	next = MustParseCronExpression("*/5 * * * *").Next(base)
	assert.Equal(t, time.Date(2026, 10, 15, 10, 10, 0, 0, time.UTC), next)

	// Strictly after, even on an exact match.
	exact := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	next = MustParseCronExpression(EveryDayMidnight).Next(exact)
	assert.Equal(t, exact.AddDate(0, 0, 1), next)

	assert.Panics(t, func() { MustParseCronExpression("bad") })
}

func TestIntervalSchedule(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(time.Minute), NewIntervalSchedule(time.Minute).Next(base))
	assert.True(t, NewIntervalSchedule(0).Next(base).IsZero())
	assert.Equal(t, "@every 5m0s", NewIntervalSchedule(5*time.Minute).String())
}

func TestScheduler_Register(t *testing.T) {
	s := New(Config{})
	job := &countingJob{name: "a"}

	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Minute)))
	assert.ErrorIs(t, s.Register(job, NewIntervalSchedule(time.Minute)), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(nil, NewIntervalSchedule(time.Minute)), ErrNilJob)
	assert.ErrorIs(t, s.Register(&countingJob{name: "b"}, nil), ErrNilSchedule)

	infos := s.ListJobs()
	require.Len(t, infos, 1)
	assert.Equal(t, "a", infos[0].Name)
	assert.True(t, infos[0].Enabled)

	require.NoError(t, s.Unregister("a"))
	assert.ErrorIs(t, s.Unregister("a"), ErrJobNotFound)
	assert.ErrorIs(t, s.SetEnabled("a", false), ErrJobNotFound)
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	s := New(Config{TickInterval: 2 * time.Millisecond})
	fast := &countingJob{name: "fast"}
	disabled := &countingJob{name: "disabled"}
	require.NoError(t, s.Register(fast, NewIntervalSchedule(time.Millisecond)))
	require.NoError(t, s.Register(disabled, NewIntervalSchedule(time.Millisecond)))
	require.NoError(t, s.SetEnabled("disabled", false))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return fast.runs.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Run(ctx), ErrSchedulerAlreadyRunning)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, s.IsRunning())
	assert.Zero(t, disabled.runs.Load())
	assert.NotEmpty(t, s.History(0))
}

func TestScheduler_FailuresAndPanics(t *testing.T) {
	s := New(Config{})
	boom := errors.New("boom")
	require.NoError(t, s.Register(&countingJob{name: "fails", err: boom}, NewIntervalSchedule(time.Hour)))
	require.NoError(t, s.Register(&countingJob{name: "panics", panic: true}, NewIntervalSchedule(time.Hour)))

	var mu sync.Mutex
	var failed []string
	s.OnJobError(func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, name)
	})

	res, err := s.RunNow(context.Background(), "fails")
	assert.ErrorIs(t, err, boom)
	assert.False(t, res.Success)
	assert.True(t, res.Manual)

	_, err = s.RunNow(context.Background(), "panics")
	assert.ErrorContains(t, err, "panicked")

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Equal(t, []string{"fails", "panics"}, failed)
	infos := s.ListJobs()
	require.Len(t, infos, 2)
	assert.Equal(t, int64(1), infos[0].FailCount)
	require.NotNil(t, infos[0].LastResult)

	hist := s.History(1)
	require.Len(t, hist, 1)
	assert.Equal(t, "panics", hist[0].JobName)
}
