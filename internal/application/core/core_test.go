package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorekeeper/scorekeeper-core/config"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/persistence/sqlite"
)

var testObserver = config.ObserverConfig{
	RankMaxTPS:        200,
	AchievementMaxTPS: 200,
	OverloadRatio:     0.8,
	OverloadTicks:     5,
	DeliveryQueueSize: 16,
}

func openStore(t *testing.T, dir string) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(sqlite.Options{DataDir: dir, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newCore(t *testing.T, cfg Config) *Core {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = openStore(t, t.TempDir())
	}
	if cfg.Observer == (config.ObserverConfig{}) {
		cfg.Observer = testObserver
	}
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))
	return c
}

// seed creates class 7a with three students and a +5 template.
func seed(t *testing.T, c *Core) {
	t.Helper()
	_, err := c.AddClass("7a", "Seventh A", "Ms. Park")
	require.NoError(t, err)
	for i, name := range []string{"Ann", "Ben", "Cid"} {
		_, err := c.AddStudent("7a", name, i+1)
		require.NoError(t, err)
	}
	require.NoError(t, c.AddScoreTemplate(gradebook.NewScoreTemplate("answer", "Answered", "", 5), false))
}

func scoreOf(t *testing.T, c *Core, number int) int64 {
	t.Helper()
	st, err := c.Student("7a", number)
	require.NoError(t, err)
	return st.Score()
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestNew_RejectsBadResetCron(t *testing.T) {
	_, err := New(Config{
		Store:     openStore(t, t.TempDir()),
		Scheduler: config.SchedulerConfig{Enabled: true, RolloverCheckInterval: time.Minute, WeeklyResetCron: "every monday"},
	})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestOpen_EmptyStoreHasBuiltins(t *testing.T) {
	c := newCore(t, Config{})
	assert.Empty(t, c.Classes())
	for _, b := range gradebook.Builtins() {
		_, ok := c.Graph().AchievementTemplates.Get(b.Key)
		assert.True(t, ok, b.Key)
	}
}

func TestSend_AndUndo(t *testing.T) {
	c := newCore(t, Config{})
	seed(t, c)

	mods, err := c.Send("7a", []int{1, 2}, "answer", gradebook.Override{})
	require.NoError(t, err)
	assert.Len(t, mods, 2)
	assert.Equal(t, int64(5), scoreOf(t, c, 1))

	delta := int64(-2)
	_, err = c.ExecuteModification("7a", 3, "answer", gradebook.Override{Delta: &delta})
	require.NoError(t, err)
	assert.Equal(t, int64(-2), scoreOf(t, c, 3))

	op, ok := c.PeekOperation()
	require.True(t, ok)
	assert.Len(t, op.Modifications, 1)

	_, err = c.RetractLast()
	require.NoError(t, err)
	assert.Zero(t, scoreOf(t, c, 3))

	require.NoError(t, c.RetractModifications(mods[0]))
	assert.Zero(t, scoreOf(t, c, 1))
	assert.Equal(t, int64(5), scoreOf(t, c, 2))
}

func TestSend_UnknownTargetsChangeNothing(t *testing.T) {
	c := newCore(t, Config{})
	seed(t, c)

	_, err := c.Send("7a", []int{1, 99}, "answer", gradebook.Override{})
	assert.ErrorIs(t, err, shared.ErrStudentNotFound)
	assert.Zero(t, scoreOf(t, c, 1))

	_, err = c.Send("7a", []int{1}, "missing", gradebook.Override{})
	assert.ErrorIs(t, err, shared.ErrTemplateNotFound)

	_, err = c.Send("9z", []int{1}, "answer", gradebook.Override{})
	assert.ErrorIs(t, err, shared.ErrClassNotFound)

	_, ok := c.PeekOperation()
	assert.False(t, ok)
}

func TestRoster(t *testing.T) {
	c := newCore(t, Config{})
	seed(t, c)

	_, err := c.AddClass("7a", "Again", "")
	assert.ErrorIs(t, err, shared.ErrAlreadyExists)

	grp, err := c.AddGroup("7a", "red", "Red team", 1, []int{2})
	require.NoError(t, err)
	assert.Len(t, grp.MemberIDs, 2)

	_, err = c.AddGroup("7a", "blue", "Blue team", 1, []int{42})
	assert.ErrorIs(t, err, shared.ErrStudentNotFound)

	got, err := c.Group("7a", "red")
	require.NoError(t, err)
	assert.Same(t, grp, got)

	removed, err := c.RemoveStudent("7a", 2)
	require.NoError(t, err)
	assert.Equal(t, "Ben", removed.Name)
	assert.NotContains(t, grp.MemberIDs, removed.UUID)

	_, err = c.RemoveGroup("7a", "red")
	require.NoError(t, err)
	_, err = c.Group("7a", "red")
	assert.ErrorIs(t, err, shared.ErrGroupNotFound)

	require.NoError(t, c.SetHomeworkRule("7a", gradebook.HomeworkRule{Subject: "math", Penalty: -2}))
	assert.ErrorIs(t, c.SetHomeworkRule("7a", gradebook.HomeworkRule{}), shared.ErrInvalidInput)
	require.NoError(t, c.SetCleaningDuty("7a", time.Monday, []int{1, 3}))
	assert.ErrorIs(t, c.SetCleaningDuty("7a", time.Monday, []int{2}), shared.ErrStudentNotFound)
	cls, _ := c.Class("7a")
	assert.Len(t, cls.HomeworkRules(), 1)
	assert.Len(t, cls.CleaningDuty(time.Monday), 2)

	_, err = c.RemoveClass("7a")
	require.NoError(t, err)
	assert.Empty(t, c.ClassKeys())
}

func TestTemplates_BuiltinsAreProtected(t *testing.T) {
	c := newCore(t, Config{})

	err := c.AddAchievementTemplate(gradebook.NewAchievementTemplate("half_century", "Mine", ""), true)
	assert.ErrorIs(t, err, shared.ErrUnreplaceable)
	_, err = c.RemoveAchievementTemplate("half_century")
	assert.ErrorIs(t, err, shared.ErrUnreplaceable)

	tpl, _ := c.Graph().AchievementTemplates.Get("half_century")
	tpl.SetPredicates(nil)
	require.NoError(t, c.ResetAchievementTemplate("half_century"))
	assert.Len(t, tpl.Predicates(), 2)
	assert.ErrorIs(t, c.ResetAchievementTemplate("custom"), shared.ErrInvalidInput)

	require.NoError(t, c.AddAchievementTemplate(gradebook.NewAchievementTemplate("custom", "Custom", ""), false))
	_, err = c.RemoveAchievementTemplate("custom")
	assert.NoError(t, err)

	require.NoError(t, c.AddScoreTemplate(gradebook.NewScoreTemplate("a", "A", "", 1), false))
	assert.ErrorIs(t, c.AddScoreTemplate(gradebook.NewScoreTemplate("a", "A", "", 2), false), shared.ErrAlreadyExists)
	_, err = c.RemoveScoreTemplate("a")
	assert.NoError(t, err)
}

func TestSave_ReopenRestoresGraph(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c := newCore(t, Config{Store: openStore(t, dir)})
	seed(t, c)
	_, err := c.Send("7a", []int{1, 3}, "answer", gradebook.Override{})
	require.NoError(t, err)
	res, err := c.Save(ctx)
	require.NoError(t, err)
	assert.Positive(t, res.Objects)

	again := newCore(t, Config{Store: openStore(t, dir)})
	assert.Equal(t, []string{"7a"}, again.ClassKeys())
	assert.Equal(t, int64(5), scoreOf(t, again, 1))
	assert.Zero(t, scoreOf(t, again, 2))
	st, err := again.Student("7a", 3)
	require.NoError(t, err)
	assert.Len(t, st.History(), 1)

	_, ok := again.PeekOperation()
	assert.False(t, ok, "the undo stack is not persisted")
}

func TestResetAll(t *testing.T) {
	ctx := context.Background()
	c := newCore(t, Config{})
	seed(t, c)
	_, err := c.Send("7a", []int{1}, "answer", gradebook.Override{})
	require.NoError(t, err)

	_, err = c.ResetAll(ctx, "9z")
	assert.ErrorIs(t, err, shared.ErrClassNotFound)

	h, err := c.ResetAll(ctx, "7a")
	require.NoError(t, err)

	ann, err := c.Student("7a", 1)
	require.NoError(t, err)
	assert.Zero(t, ann.Score())
	assert.True(t, ann.Stats().IsFresh())
	assert.Empty(t, ann.History())
	assert.Equal(t, h.Archive, ann.LastReset.Archive)
	_, ok := c.PeekOperation()
	assert.False(t, ok)

	prev, err := c.LastPeriod(ctx, ann)
	require.NoError(t, err)
	assert.Equal(t, int64(5), prev.Score())
	assert.Len(t, prev.History(), 1)

	list, err := c.Histories(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, h.Archive, list[0].ArchiveID)

	ben, _ := c.Student("7a", 2)
	_, err = c.LastPeriod(ctx, gradebook.NewStudent("x", 9, "7a"))
	assert.ErrorIs(t, err, shared.ErrHistoryNotFound)
	assert.Equal(t, h.Archive, ben.LastReset.Archive)

	report, err := c.VerifyHistory(ctx, h.Archive)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	require.NoError(t, c.DeleteHistory(ctx, h.Archive))
	_, err = c.LoadHistory(ctx, h.Archive)
	assert.ErrorIs(t, err, shared.ErrHistoryNotFound)
}

func TestResetAll_ConcurrentSendsAreKept(t *testing.T) {
	ctx := context.Background()
	c := newCore(t, Config{})
	seed(t, c)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent []*gradebook.ScoreModification
	)
	start := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 200; i++ {
			mods, err := c.Send("7a", []int{1 + i%3}, "answer", gradebook.Override{})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			sent = append(sent, mods...)
			mu.Unlock()
		}
	}()

	close(start)
	h, err := c.ResetAll(ctx, "7a")
	require.NoError(t, err)
	wg.Wait()

	loaded, err := c.LoadHistory(ctx, h.Archive)
	require.NoError(t, err)
	recorded := make(map[shared.UUID]bool)
	for _, number := range []int{1, 2, 3} {
		st, err := c.Student("7a", number)
		require.NoError(t, err)
		for _, e := range st.History() {
			recorded[e.Value.UUID] = true
		}
		frozen, ok := loaded.Graph.FindStudent(st.UUID)
		require.True(t, ok)
		for _, e := range frozen.History() {
			recorded[e.Value.UUID] = true
		}
		assert.Equal(t, st.Stats().Total, frozen.Stats().Total+st.Score(),
			"the running total is the frozen total plus the new period")
	}

	require.Len(t, sent, 200)
	for _, m := range sent {
		assert.True(t, recorded[m.UUID], "modification %s was lost", m.UUID)
	}
}

func TestWeeklyReset_OneHistoryForAllClasses(t *testing.T) {
	ctx := context.Background()
	c := newCore(t, Config{Scheduler: config.SchedulerConfig{
		Enabled:               true,
		RolloverCheckInterval: time.Hour,
		WeeklyResetCron:       "0 0 * * 1",
	}})
	seed(t, c)
	_, err := c.AddClass("7b", "Seventh B", "Mr. Lee")
	require.NoError(t, err)
	_, err = c.AddStudent("7b", "Dee", 1)
	require.NoError(t, err)
	_, err = c.Send("7a", []int{1}, "answer", gradebook.Override{})
	require.NoError(t, err)
	_, err = c.Send("7b", []int{1}, "answer", gradebook.Override{})
	require.NoError(t, err)

	_, err = c.Scheduler().RunNow(ctx, "weekly_reset")
	require.NoError(t, err)

	list, err := c.Histories(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	ann, _ := c.Student("7a", 1)
	dee, err := c.Student("7b", 1)
	require.NoError(t, err)
	assert.Zero(t, ann.Score())
	assert.Zero(t, dee.Score())
	assert.Equal(t, list[0].ArchiveID, ann.LastReset.Archive)
	assert.Equal(t, list[0].ArchiveID, dee.LastReset.Archive)

	prev, err := c.LastPeriod(ctx, dee)
	require.NoError(t, err)
	assert.Equal(t, int64(5), prev.Score())
}

func TestAttendance_RollDayOncePerDay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	c := newCore(t, Config{Now: func() time.Time { return now }})
	seed(t, c)

	require.NoError(t, c.MarkAttendance("7a", 1, gradebook.AttendanceLate))
	assert.ErrorIs(t, c.MarkAttendance("7a", 1, "asleep"), shared.ErrInvalidInput)
	assert.ErrorIs(t, c.MarkAttendance("7a", 42, gradebook.AttendanceLate), shared.ErrStudentNotFound)

	n, err := c.RollDay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, ok := c.Graph().LastDayRecord("7a")
	require.True(t, ok)
	ann, _ := c.Student("7a", 1)
	cat, ok := rec.Attendance.CategoryOf(ann.UUID)
	require.True(t, ok)
	assert.Equal(t, gradebook.AttendanceLate, cat)

	cls, _ := c.Class("7a")
	_, marked := cls.Attendance().CategoryOf(ann.UUID)
	assert.False(t, marked, "a fresh sheet starts after rollover")

	now = now.Add(6 * time.Hour)
	n, err = c.RollDay(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "same calendar day")

	now = now.Add(24 * time.Hour)
	n, err = c.RollDay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, c.Graph().DayRecords(), 2)

	week, err := c.WeekRecords("7a")
	require.NoError(t, err)
	assert.Len(t, week, 2, "thursday and friday of the same week")

	now = now.AddDate(0, 0, 4)
	week, err = c.WeekRecords("7a")
	require.NoError(t, err)
	assert.Empty(t, week)
}

func TestRank_BeforeObserverRuns(t *testing.T) {
	c := newCore(t, Config{})
	seed(t, c)
	_, err := c.Send("7a", []int{2, 3}, "answer", gradebook.Override{})
	require.NoError(t, err)

	tie, err := c.RankTieAware("7a")
	require.NoError(t, err)
	require.Len(t, tie, 3)
	assert.Equal(t, []int{1, 1, 3}, []int{tie[0].Place, tie[1].Place, tie[2].Place})

	seq, err := c.RankSequential("7a")
	require.NoError(t, err)
	assert.Equal(t, 2, seq[2].Place)

	_, err = c.RankTieAware("9z")
	assert.ErrorIs(t, err, shared.ErrClassNotFound)
}

func TestRun_GrantsAndDelivers(t *testing.T) {
	var mu sync.Mutex
	var granted []string
	c := newCore(t, Config{Callbacks: Callbacks{
		OnGranted: func(key string, st *gradebook.Student) {
			mu.Lock()
			defer mu.Unlock()
			granted = append(granted, key+":"+st.Name)
		},
	}})
	seed(t, c)
	require.NoError(t, c.AddScoreTemplate(gradebook.NewScoreTemplate("big", "Big", "", 50), false))
	_, err := c.Send("7a", []int{1}, "big", gradebook.Override{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(granted) == 2
	}, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"half_century:Ann", "runaway_leader:Ann"}, granted)
	ann, _ := c.Student("7a", 1)
	assert.True(t, ann.HasAchievement("half_century"))
	ben, _ := c.Student("7a", 2)
	assert.False(t, ben.HasAchievement("half_century"))
}

// failingStore refuses every batch write.
type failingStore struct {
	*sqlite.Store
}

func (f failingStore) PutBatch(context.Context, shared.ArchiveID, []sqlite.Record) error {
	return shared.NewDomainError("store", "PutBatch", shared.ErrStorage, "disk full")
}

func TestAutoSave_FailureReachesCallback(t *testing.T) {
	var failures []error
	c := newCore(t, Config{
		Store: failingStore{openStore(t, t.TempDir())},
		Scheduler: config.SchedulerConfig{
			Enabled:               true,
			AutoSaveInterval:      time.Hour,
			RolloverCheckInterval: time.Hour,
		},
		Callbacks: Callbacks{OnSaveFailed: func(err error) { failures = append(failures, err) }},
	})
	seed(t, c)

	require.NotNil(t, c.Scheduler())
	_, err := c.Scheduler().RunNow(context.Background(), "autosave")
	assert.True(t, shared.IsStorage(err))
	require.Len(t, failures, 1)
	assert.True(t, errors.Is(failures[0], shared.ErrStorage))
}
