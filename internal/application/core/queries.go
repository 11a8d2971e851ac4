package core

import (
	"context"
	"fmt"

	"github.com/scorekeeper/scorekeeper-core/internal/application/history"
	"github.com/scorekeeper/scorekeeper-core/internal/application/observer"
	"github.com/scorekeeper/scorekeeper-core/internal/application/score"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/pkg/timeutil"
)

// Class returns a live class.
func (c *Core) Class(key string) (*gradebook.Class, error) {
	return c.class(key)
}

// Classes returns every live class ordered by key.
func (c *Core) Classes() []*gradebook.Class {
	return c.Graph().Classes()
}

// ClassKeys returns the key of every class.
func (c *Core) ClassKeys() []string {
	classes := c.Classes()
	keys := make([]string, len(classes))
	for i, cls := range classes {
		keys[i] = cls.Key
	}
	return keys
}

// Student returns a live student by class and roll number.
func (c *Core) Student(classKey string, number int) (*gradebook.Student, error) {
	cls, err := c.class(classKey)
	if err != nil {
		return nil, err
	}
	st, ok := cls.Student(number)
	if !ok {
		return nil, shared.WrapError("core", "Student", shared.ErrNotFound,
			fmt.Sprintf("roll number %d in class %q", number, classKey), shared.ErrStudentNotFound)
	}
	return st, nil
}

// Group returns a live group.
func (c *Core) Group(classKey, key string) (*gradebook.Group, error) {
	cls, err := c.class(classKey)
	if err != nil {
		return nil, err
	}
	grp, ok := cls.Group(key)
	if !ok {
		return nil, shared.WrapError("core", "Group", shared.ErrNotFound,
			fmt.Sprintf("group %q in class %q", key, classKey), shared.ErrGroupNotFound)
	}
	return grp, nil
}

// WeekRecords returns the closed day records of a class since Monday of the
// current week.
func (c *Core) WeekRecords(classKey string) ([]*gradebook.DayRecord, error) {
	if _, err := c.class(classKey); err != nil {
		return nil, err
	}
	since := timeutil.StartOfWeek(c.now(), c.loc)
	var out []*gradebook.DayRecord
	for _, d := range c.Graph().DayRecords() {
		if d.Class != nil && d.Class.Key == classKey && !d.CreatedAt.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

// RankTieAware returns the class ranking where equal scores share a place.
// Before the rank observer has published, the ranking is computed on demand.
func (c *Core) RankTieAware(classKey string) ([]observer.Placement, error) {
	if ps, ok := c.ranks.TieAware(classKey); ok {
		return ps, nil
	}
	return c.rankNow(classKey, true)
}

// RankSequential returns the class ranking with dense places.
func (c *Core) RankSequential(classKey string) ([]observer.Placement, error) {
	if ps, ok := c.ranks.Sequential(classKey); ok {
		return ps, nil
	}
	return c.rankNow(classKey, false)
}

func (c *Core) rankNow(classKey string, tieAware bool) ([]observer.Placement, error) {
	cls, err := c.class(classKey)
	if err != nil {
		return nil, err
	}
	entries := observer.RankClass(cls).All()
	out := make([]observer.Placement, len(entries))
	for i, e := range entries {
		place := e.Sequential
		if tieAware {
			place = e.Place
		}
		out[i] = observer.Placement{
			Place:     int(place),
			Score:     e.Score,
			StudentID: e.StudentID,
			Name:      e.Name,
			Number:    e.Number,
		}
	}
	return out, nil
}

// PeekOperation returns the operation RetractLast would undo.
func (c *Core) PeekOperation() (score.Operation, bool) {
	return c.scores.Stack().Peek()
}

// Histories lists recorded histories in recording order.
func (c *Core) Histories(ctx context.Context) ([]history.Summary, error) {
	return c.histories.List(ctx)
}

// LoadHistory reads a frozen history. It is independent of the live graph.
func (c *Core) LoadHistory(ctx context.Context, archive shared.ArchiveID) (*gradebook.History, error) {
	return c.histories.Load(ctx, archive)
}

// DeleteHistory removes a history and its files.
func (c *Core) DeleteHistory(ctx context.Context, archive shared.ArchiveID) error {
	return c.histories.Delete(ctx, archive)
}

// VerifyHistory recomputes a history's checksum against its recorded one.
func (c *Core) VerifyHistory(ctx context.Context, archive shared.ArchiveID) (history.Report, error) {
	return c.histories.Verify(ctx, archive)
}

// LastPeriod loads the copy of a student frozen at its previous reset.
func (c *Core) LastPeriod(ctx context.Context, st *gradebook.Student) (*gradebook.Student, error) {
	if st == nil || st.LastReset.IsZero() {
		return nil, shared.WrapError("core", "LastPeriod", shared.ErrNotFound, "no previous period", shared.ErrHistoryNotFound)
	}
	h, err := c.histories.Load(ctx, st.LastReset.Archive)
	if err != nil {
		return nil, err
	}
	prev, ok := h.Graph.FindStudent(st.LastReset.UUID)
	if !ok {
		return nil, shared.WrapError("core", "LastPeriod", shared.ErrNotFound,
			fmt.Sprintf("student %s in history %s", st.LastReset.UUID, st.LastReset.Archive), shared.ErrStudentNotFound)
	}
	return prev, nil
}
