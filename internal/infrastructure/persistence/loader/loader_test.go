package loader

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/persistence/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(sqlite.Options{DataDir: t.TempDir(), RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fixture struct {
	graph    *gradebook.Graph
	class    *gradebook.Class
	ann, bob *gradebook.Student
	answer   *gradebook.ScoreTemplate
	mods     []*gradebook.ScoreModification
}

func buildGraph(t *testing.T) fixture {
	t.Helper()
	reg := gradebook.DefaultPredicateRegistry()
	g := gradebook.NewGraph(shared.ArchiveCurrent)

	answer := gradebook.NewScoreTemplate("answer", "Answered", "Answered a question", 3)
	late := gradebook.NewScoreTemplate("late", "Late", "Came late", -2)
	require.NoError(t, g.ScoreTemplates.Add(answer, false))
	require.NoError(t, g.ScoreTemplates.Add(late, false))

	half, _ := gradebook.LookupBuiltin("half_century")
	require.NoError(t, g.AchievementTemplates.Add(half.Template(reg), false))
	custom := gradebook.NewAchievementTemplate("diligent", "Diligent", "Answer five times",
		gradebook.OccurrenceRange{TemplateKey: "answer", Range: gradebook.AtLeast(5)},
		gradebook.NameSet{Names: []string{"Ann"}, Negate: true},
	)
	require.NoError(t, g.AchievementTemplates.Add(custom, false))

	cls := gradebook.NewClass("7a", "Seventh A", "Ms. Park")
	ann := gradebook.NewStudent("Ann", 1, "")
	bob := gradebook.NewStudent("Bob", 2, "")
	require.NoError(t, cls.AddStudent(ann))
	require.NoError(t, cls.AddStudent(bob))

	// Leader is also a member: a cycle through the class.
	require.NoError(t, cls.AddGroup(gradebook.NewGroup("g1", "Front row", ann.UUID, []shared.UUID{bob.UUID})))
	cls.SetHomeworkRule(gradebook.HomeworkRule{Subject: "math", Weekdays: []time.Weekday{time.Monday}, Penalty: 2})
	cls.SetCleaningDuty(time.Friday, []shared.UUID{bob.UUID})
	require.NoError(t, cls.Attendance().Mark(ann.UUID, gradebook.AttendanceLate))
	require.NoError(t, g.AddClass(cls))

	base := time.Date(2024, 9, 2, 9, 0, 0, 0, time.UTC)
	delta := int64(10)
	title := "Great answer"
	var mods []*gradebook.ScoreModification
	for i, tc := range []struct {
		tpl      *gradebook.ScoreTemplate
		st       *gradebook.Student
		override gradebook.Override
	}{
		{answer, ann, gradebook.Override{}},
		{late, ann, gradebook.Override{}},
		{answer, bob, gradebook.Override{Delta: &delta, Title: &title}},
	} {
		m := gradebook.NewScoreModification(tc.tpl, tc.st, tc.override)
		require.NoError(t, m.Execute(base.Add(time.Duration(i)*time.Minute)))
		mods = append(mods, m)
	}

	require.True(t, ann.Grant(gradebook.NewAchievement(custom, ann, base.Add(time.Hour))))

	g.AppendDayRecord(gradebook.NewDayRecord(cls, cls.Attendance(), base))

	return fixture{graph: g, class: cls, ann: ann, bob: bob, answer: answer, mods: mods}
}

func assertStats(t *testing.T, want, got gradebook.ScoreStats) {
	t.Helper()
	assert.Equal(t, want.Score, got.Score)
	assert.Equal(t, want.Total, got.Total)
	assert.Equal(t, want.Base, got.Base)
	assert.Equal(t, want.Highest, got.Highest)
	assert.Equal(t, want.Lowest, got.Lowest)
	assert.True(t, want.HighestAt.Equal(got.HighestAt))
	assert.True(t, want.LowestAt.Equal(got.LowestAt))
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	f := buildGraph(t)

	res, err := NewSaver(store, nil).Save(ctx, f.graph)
	require.NoError(t, err)
	assert.Positive(t, res.Objects)

	s := NewSession(store, SessionOptions{})
	g, err := s.LoadGraph(ctx, shared.ArchiveCurrent)
	require.NoError(t, err)
	assert.Zero(t, s.Dummies())

	cls, ok := g.Class("7a")
	require.True(t, ok)
	assert.Equal(t, f.class.UUID, cls.UUID)
	assert.Equal(t, "Ms. Park", cls.Owner)
	require.NoError(t, cls.Validate())

	ann, ok := cls.Student(1)
	require.True(t, ok)
	assert.Equal(t, f.ann.UUID, ann.UUID)
	assertStats(t, f.ann.Stats(), ann.Stats())
	assert.Equal(t, "7a", ann.BelongsTo)

	hist := ann.History()
	require.Len(t, hist, 2)
	for i, e := range hist {
		orig := f.ann.History()[i]
		assert.True(t, orig.At.Equal(e.At))
		assert.Equal(t, orig.Value.UUID, e.Value.UUID)
		assert.Same(t, ann, e.Value.Target, "target resolves to the cached student")
		assert.True(t, e.Value.Executed)
	}

	bob, _ := cls.Student(2)
	bobHist := bob.History()
	require.Len(t, bobHist, 1)
	assert.Equal(t, int64(10), bobHist[0].Value.Delta())
	assert.Equal(t, "Great answer", bobHist[0].Value.Title())

	tpl, ok := g.ScoreTemplates.Get("answer")
	require.True(t, ok)
	assert.Same(t, tpl, hist[0].Value.Template, "shared template is one object")

	grp, ok := cls.Group("g1")
	require.True(t, ok)
	leader, ok := grp.Leader(cls)
	require.True(t, ok)
	assert.Same(t, ann, leader)
	assert.Len(t, grp.Members(cls), 2)

	assert.Equal(t, []shared.UUID{f.bob.UUID}, cls.CleaningDuty(time.Friday))
	assert.Equal(t, f.class.HomeworkRules(), cls.HomeworkRules())
	cat, ok := cls.Attendance().CategoryOf(f.ann.UUID)
	require.True(t, ok)
	assert.Equal(t, gradebook.AttendanceLate, cat)

	require.True(t, ann.HasAchievement("diligent"))
	assert.Same(t, ann, ann.Achievements()[0].Value.Student)

	diligent, ok := g.AchievementTemplates.Get("diligent")
	require.True(t, ok)
	assert.Len(t, diligent.Predicates(), 2)

	days := g.DayRecords()
	require.Len(t, days, 1)
	assert.Same(t, cls, days[0].Class)
	assert.Same(t, cls.Attendance(), days[0].Attendance)
}

func TestSave_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	f := buildGraph(t)
	saver := NewSaver(store, nil)

	first, err := saver.Save(ctx, f.graph)
	require.NoError(t, err)
	second, err := saver.Save(ctx, f.graph)
	require.NoError(t, err)

	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.Objects, second.Objects)
	assert.Zero(t, second.Pruned)
}

func TestSave_PrunesUnreachable(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	f := buildGraph(t)
	saver := NewSaver(store, nil)

	_, err := saver.Save(ctx, f.graph)
	require.NoError(t, err)

	require.NoError(t, f.mods[2].Retract())
	res, err := saver.Save(ctx, f.graph)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pruned)

	_, err = store.Get(ctx, shared.ArchiveCurrent, shared.KindScoreModification, f.mods[2].UUID)
	assert.True(t, shared.IsNotFound(err))
}

func TestLoad_LastResetAcrossArchives(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	f := buildGraph(t)
	saver := NewSaver(store, nil)

	hid := shared.NewUUID()
	archive := shared.ArchiveOf(hid)
	h := &gradebook.History{
		Meta:      gradebook.Meta{UUID: hid, Archive: archive},
		Graph:     f.graph.CloneInto(archive),
		CreatedAt: time.Now().UTC(),
	}
	_, err := saver.SaveHistory(ctx, h)
	require.NoError(t, err)

	// The student points at its own frozen copy.
	f.ann.ResetPeriod(shared.Ref{Archive: archive, UUID: f.ann.UUID})
	_, err = saver.Save(ctx, f.graph)
	require.NoError(t, err)

	s := NewSession(store, SessionOptions{})
	g, err := s.LoadGraph(ctx, shared.ArchiveCurrent)
	require.NoError(t, err)
	cls, _ := g.Class("7a")
	ann, _ := cls.Student(1)
	assert.Zero(t, ann.Stats().Score)

	prev, err := s.LastReset(ctx, ann)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.NotSame(t, ann, prev)
	assert.Equal(t, ann.UUID, prev.UUID)
	assert.Equal(t, archive, prev.Archive)
	assert.Equal(t, int64(1), prev.Stats().Score)

	loaded, err := s.History(ctx, archive)
	require.NoError(t, err)
	assert.Len(t, loaded.Classes(), 1)
	assert.Len(t, loaded.DayRecords(), 1)
}

func TestLoad_MissingReferenceDegradesToDummy(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	st := gradebook.NewStudent("Cid", 3, "7b")
	missing := shared.NewUUID()
	raw, err := json.Marshal(studentDoc{
		Name: st.Name, Number: st.Number, BelongsTo: st.BelongsTo,
		History: []logRef{{At: time.Now().UTC(), UUID: missing}},
	})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, shared.ArchiveCurrent, sqlite.Record{UUID: st.UUID, Kind: shared.KindStudent, Data: raw}))

	s := NewSession(store, SessionOptions{})
	loaded, err := s.Student(ctx, shared.ArchiveCurrent, st.UUID)
	require.NoError(t, err)
	assert.Equal(t, "Cid", loaded.Name)
	assert.Equal(t, 1, s.Dummies())

	hist := loaded.History()
	require.Len(t, hist, 1)
	assert.Equal(t, missing, hist[0].Value.UUID)
	assert.True(t, hist[0].Value.Discarded())
}

func TestLoadRoot_MissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	s := NewSession(store, SessionOptions{})

	_, err := s.LoadRoot(ctx, shared.ArchiveCurrent, shared.KindClass, shared.NewUUID())
	assert.True(t, shared.IsNotFound(err))

	_, err = s.LoadGraph(ctx, shared.ArchiveCurrent)
	assert.True(t, shared.IsNotFound(err))

	_, err = s.History(ctx, shared.ArchiveID(shared.NewUUID()))
	assert.ErrorIs(t, err, shared.ErrHistoryNotFound)
}

func TestLoad_VersionMismatchReportedOnce(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	old := shared.Version{1, 2, 0}
	var recs []sqlite.Record
	for i := 0; i < 3; i++ {
		rec, err := Encode(gradebook.NewScoreTemplate("t"+string(rune('a'+i)), "T", "", 1), old)
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	require.NoError(t, store.PutBatch(ctx, shared.ArchiveCurrent, recs))

	var reports []shared.Version
	s := NewSession(store, SessionOptions{OnVersionMismatch: func(stored, _ shared.Version) {
		reports = append(reports, stored)
	}})
	for _, rec := range recs {
		_, err := s.Load(ctx, shared.ArchiveCurrent, shared.KindScoreTemplate, rec.UUID)
		require.NoError(t, err)
	}
	assert.Equal(t, []shared.Version{old}, reports)
}

func TestSession_CacheAndReset(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	f := buildGraph(t)
	_, err := NewSaver(store, nil).Save(ctx, f.graph)
	require.NoError(t, err)

	s := NewSession(store, SessionOptions{})
	a1, err := s.Student(ctx, shared.ArchiveCurrent, f.ann.UUID)
	require.NoError(t, err)
	a2, err := s.Student(ctx, shared.ArchiveCurrent, f.ann.UUID)
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Positive(t, s.Len())

	s.Reset()
	assert.Zero(t, s.Len())
	a3, err := s.Student(ctx, shared.ArchiveCurrent, f.ann.UUID)
	require.NoError(t, err)
	assert.NotSame(t, a1, a3)
}

func TestCollect_EachEntityOnce(t *testing.T) {
	f := buildGraph(t)
	entities := Collect(f.graph)

	seen := make(map[shared.UUID]bool)
	for _, e := range entities {
		assert.False(t, seen[e.ID()], "duplicate %s", e.ID())
		seen[e.ID()] = true
	}
	assert.True(t, seen[f.ann.UUID])
	assert.True(t, seen[f.mods[0].UUID])
	assert.True(t, seen[f.class.Attendance().UUID])
}
