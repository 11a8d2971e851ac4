package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/internal/application/score"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCORES
// ══════════════════════════════════════════════════════════════════════════════

// ExecuteModification applies a score template to one student.
func (c *Core) ExecuteModification(classKey string, number int, templateKey string, override gradebook.Override) (*gradebook.ScoreModification, error) {
	mods, err := c.Send(classKey, []int{number}, templateKey, override)
	if err != nil {
		return nil, err
	}
	return mods[0], nil
}

// Send applies a score template to several students of a class as one
// operation. Either every student changes or none does.
func (c *Core) Send(classKey string, numbers []int, templateKey string, override gradebook.Override) ([]*gradebook.ScoreModification, error) {
	tpl, err := c.scoreTemplate(templateKey)
	if err != nil {
		return nil, err
	}
	cls, err := c.class(classKey)
	if err != nil {
		return nil, err
	}

	students := make([]*gradebook.Student, 0, len(numbers))
	for _, n := range numbers {
		st, ok := cls.Student(n)
		if !ok {
			return nil, shared.WrapError("core", "Send", shared.ErrNotFound,
				fmt.Sprintf("roll number %d in class %q", n, classKey), shared.ErrStudentNotFound)
		}
		students = append(students, st)
	}
	return c.scores.Send(tpl, students, override)
}

// RetractModifications reverses executed modifications, all or none.
func (c *Core) RetractModifications(mods ...*gradebook.ScoreModification) error {
	return c.scores.RetractMany(mods)
}

// RetractLast undoes the newest operation on the stack.
func (c *Core) RetractLast() (score.Operation, error) {
	return c.scores.RetractLast()
}

// ResetAll freezes the whole graph into a history, then starts a new period
// for every student of the class and saves. A failed freeze leaves the class
// untouched.
func (c *Core) ResetAll(ctx context.Context, classKey string) (*gradebook.History, error) {
	cls, ok := c.Graph().Class(classKey)
	if !ok {
		return nil, shared.WrapError("core", "ResetAll", shared.ErrNotFound,
			fmt.Sprintf("class %q", classKey), shared.ErrClassNotFound)
	}
	return c.reset(ctx, "ResetAll", []*gradebook.Class{cls})
}

// ResetAllClasses is the weekly reset: one history for the whole graph, then
// a new period for every class.
func (c *Core) ResetAllClasses(ctx context.Context) (*gradebook.History, error) {
	return c.reset(ctx, "ResetAllClasses", c.Graph().Classes())
}

// reset freezes and zeroes while the score engine is held, so no batch lands
// between the snapshot and the reset.
func (c *Core) reset(ctx context.Context, op string, classes []*gradebook.Class) (*gradebook.History, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.Graph()
	var h *gradebook.History
	err := c.scores.Exclusive(func() error {
		var err error
		h, err = c.histories.Freeze(ctx, g)
		if err != nil {
			return err
		}
		for _, cls := range classes {
			for _, st := range cls.Students() {
				st.ResetPeriod(shared.Ref{Archive: h.Archive, UUID: st.UUID})
			}
		}
		c.scores.Reset()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.saver.Save(ctx, g); err != nil {
		return h, err
	}
	for _, cls := range classes {
		c.log.Info("period reset", logger.Operation(op), logger.ClassKey(cls.Key), logger.ArchiveID(h.Archive.String()))
	}
	return h, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ROSTER
// ══════════════════════════════════════════════════════════════════════════════

// AddClass creates an empty class.
func (c *Core) AddClass(key, name, owner string) (*gradebook.Class, error) {
	if key == "" {
		return nil, shared.NewDomainError("core", "AddClass", shared.ErrInvalidInput, "class key cannot be empty")
	}
	cls := gradebook.NewClass(key, name, owner)
	if err := c.Graph().AddClass(cls); err != nil {
		return nil, err
	}
	return cls, nil
}

// RemoveClass drops a class and everything it owns.
func (c *Core) RemoveClass(key string) (*gradebook.Class, error) {
	return c.Graph().RemoveClass(key)
}

// AddStudent enrols a student under a roll number.
func (c *Core) AddStudent(classKey, name string, number int) (*gradebook.Student, error) {
	cls, err := c.class(classKey)
	if err != nil {
		return nil, err
	}
	st := gradebook.NewStudent(name, number, classKey)
	if err := cls.AddStudent(st); err != nil {
		return nil, err
	}
	return st, nil
}

// RemoveStudent removes a student and its group memberships.
func (c *Core) RemoveStudent(classKey string, number int) (*gradebook.Student, error) {
	cls, err := c.class(classKey)
	if err != nil {
		return nil, err
	}
	return cls.RemoveStudent(number)
}

// AddGroup creates a group of students identified by roll number.
func (c *Core) AddGroup(classKey, key, name string, leader int, members []int) (*gradebook.Group, error) {
	cls, err := c.class(classKey)
	if err != nil {
		return nil, err
	}

	resolve := func(n int) (shared.UUID, error) {
		st, ok := cls.Student(n)
		if !ok {
			return "", shared.WrapError("core", "AddGroup", shared.ErrNotFound,
				fmt.Sprintf("roll number %d in class %q", n, classKey), shared.ErrStudentNotFound)
		}
		return st.UUID, nil
	}

	leaderID, err := resolve(leader)
	if err != nil {
		return nil, err
	}
	ids := make([]shared.UUID, 0, len(members))
	for _, n := range members {
		id, err := resolve(n)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	grp := gradebook.NewGroup(key, name, leaderID, ids)
	if err := cls.AddGroup(grp); err != nil {
		return nil, err
	}
	return grp, nil
}

// RemoveGroup drops a group; its students stay in the class.
func (c *Core) RemoveGroup(classKey, key string) (*gradebook.Group, error) {
	cls, err := c.class(classKey)
	if err != nil {
		return nil, err
	}
	return cls.RemoveGroup(key)
}

// SetHomeworkRule adds or replaces the homework rule of a subject.
func (c *Core) SetHomeworkRule(classKey string, rule gradebook.HomeworkRule) error {
	if rule.Subject == "" {
		return shared.NewDomainError("core", "SetHomeworkRule", shared.ErrInvalidInput, "subject cannot be empty")
	}
	cls, err := c.class(classKey)
	if err != nil {
		return err
	}
	cls.SetHomeworkRule(rule)
	return nil
}

// SetCleaningDuty assigns the students on duty for a weekday.
func (c *Core) SetCleaningDuty(classKey string, day time.Weekday, numbers []int) error {
	cls, err := c.class(classKey)
	if err != nil {
		return err
	}
	ids := make([]shared.UUID, 0, len(numbers))
	for _, n := range numbers {
		st, ok := cls.Student(n)
		if !ok {
			return shared.WrapError("core", "SetCleaningDuty", shared.ErrNotFound,
				fmt.Sprintf("roll number %d in class %q", n, classKey), shared.ErrStudentNotFound)
		}
		ids = append(ids, st.UUID)
	}
	cls.SetCleaningDuty(day, ids)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TEMPLATES
// ══════════════════════════════════════════════════════════════════════════════

// AddScoreTemplate registers a score template. Protected templates are never
// replaced.
func (c *Core) AddScoreTemplate(tpl *gradebook.ScoreTemplate, replace bool) error {
	if tpl == nil {
		return shared.NewDomainError("core", "AddScoreTemplate", shared.ErrInvalidInput, "template is required")
	}
	return c.Graph().ScoreTemplates.Add(tpl, replace)
}

// RemoveScoreTemplate unregisters a score template. Executed modifications
// keep their reference.
func (c *Core) RemoveScoreTemplate(key string) (*gradebook.ScoreTemplate, error) {
	return c.Graph().ScoreTemplates.Remove(key)
}

// AddAchievementTemplate registers an achievement. Built-in keys are rejected.
func (c *Core) AddAchievementTemplate(tpl *gradebook.AchievementTemplate, replace bool) error {
	if tpl == nil {
		return shared.NewDomainError("core", "AddAchievementTemplate", shared.ErrInvalidInput, "template is required")
	}
	return c.Graph().AchievementTemplates.Add(tpl, replace)
}

// RemoveAchievementTemplate unregisters an achievement. Granted achievements
// stay with their students.
func (c *Core) RemoveAchievementTemplate(key string) (*gradebook.AchievementTemplate, error) {
	return c.Graph().AchievementTemplates.Remove(key)
}

// ResetAchievementTemplate restores a built-in achievement's default predicates.
func (c *Core) ResetAchievementTemplate(key string) error {
	b, ok := gradebook.LookupBuiltin(key)
	if !ok {
		return shared.NewDomainError("core", "ResetAchievementTemplate", shared.ErrInvalidInput,
			fmt.Sprintf("%q is not a built-in achievement", key))
	}
	tpl, ok := c.Graph().AchievementTemplates.Get(key)
	if !ok {
		return shared.WrapError("core", "ResetAchievementTemplate", shared.ErrNotFound,
			fmt.Sprintf("achievement %q", key), shared.ErrTemplateNotFound)
	}
	tpl.SetPredicates(b.Defaults(c.registry))
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ATTENDANCE
// ══════════════════════════════════════════════════════════════════════════════

// MarkAttendance puts a student into one attendance bucket for today.
func (c *Core) MarkAttendance(classKey string, number int, category gradebook.AttendanceCategory) error {
	st, err := c.Student(classKey, number)
	if err != nil {
		return err
	}
	cls, err := c.class(classKey)
	if err != nil {
		return err
	}
	return cls.Attendance().Mark(st.UUID, category)
}

// RollDay closes the attendance sheet of every class that has no day record
// for today yet. It returns how many classes rolled.
func (c *Core) RollDay(ctx context.Context) (int, error) {
	g := c.Graph()
	now := c.now()

	rolled := 0
	for _, cls := range g.Classes() {
		if err := ctx.Err(); err != nil {
			return rolled, err
		}
		if last, ok := g.LastDayRecord(cls.Key); ok && last.SameDay(now, c.loc) {
			continue
		}
		sheet := cls.SwapAttendance(gradebook.NewAttendanceInfo())
		g.AppendDayRecord(gradebook.NewDayRecord(cls, sheet, now))
		rolled++
	}
	if rolled > 0 {
		c.log.Debug("day rolled", zap.Int("classes", rolled))
	}
	return rolled, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LOOKUP HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func (c *Core) class(key string) (*gradebook.Class, error) {
	cls, ok := c.Graph().Class(key)
	if !ok {
		return nil, shared.WrapError("core", "Class", shared.ErrNotFound,
			fmt.Sprintf("class %q", key), shared.ErrClassNotFound)
	}
	return cls, nil
}

func (c *Core) scoreTemplate(key string) (*gradebook.ScoreTemplate, error) {
	tpl, ok := c.Graph().ScoreTemplates.Get(key)
	if !ok {
		return nil, shared.WrapError("core", "ScoreTemplate", shared.ErrNotFound,
			fmt.Sprintf("score template %q", key), shared.ErrTemplateNotFound)
	}
	return tpl, nil
}
