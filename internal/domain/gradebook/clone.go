package gradebook

import (
	"time"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// cloner deep-copies a graph into another archive. Each source pointer maps to
// exactly one copy, so shared references stay shared and cycles terminate.
type cloner struct {
	archive shared.ArchiveID

	classes       map[*Class]*Class
	students      map[*Student]*Student
	scoreTpls     map[*ScoreTemplate]*ScoreTemplate
	achieveTpls   map[*AchievementTemplate]*AchievementTemplate
	modifications map[*ScoreModification]*ScoreModification
	achievements  map[*Achievement]*Achievement
	attendance    map[*AttendanceInfo]*AttendanceInfo
}

func newCloner(archive shared.ArchiveID) *cloner {
	return &cloner{
		archive:       archive,
		classes:       make(map[*Class]*Class),
		students:      make(map[*Student]*Student),
		scoreTpls:     make(map[*ScoreTemplate]*ScoreTemplate),
		achieveTpls:   make(map[*AchievementTemplate]*AchievementTemplate),
		modifications: make(map[*ScoreModification]*ScoreModification),
		achievements:  make(map[*Achievement]*Achievement),
		attendance:    make(map[*AttendanceInfo]*AttendanceInfo),
	}
}

func (c *cloner) meta(m Meta) Meta {
	return Meta{UUID: m.UUID, Archive: c.archive}
}

// CloneInto returns a deep copy of the graph whose entities keep their uuids
// but belong to archive. Later changes to either graph do not affect the other.
func (g *Graph) CloneInto(archive shared.ArchiveID) *Graph {
	c := newCloner(archive)
	out := NewGraph(archive)

	for _, t := range g.ScoreTemplates.All() {
		_ = out.ScoreTemplates.Add(c.scoreTemplate(t), true)
	}
	for _, t := range g.AchievementTemplates.All() {
		_ = out.AchievementTemplates.Add(c.achievementTemplate(t), true)
	}
	for _, cls := range g.Classes() {
		_ = out.AddClass(c.class(cls))
	}
	for _, d := range g.DayRecords() {
		out.AppendDayRecord(c.dayRecord(d))
	}
	return out
}

func (c *cloner) scoreTemplate(t *ScoreTemplate) *ScoreTemplate {
	if t == nil {
		return nil
	}
	if cp, ok := c.scoreTpls[t]; ok {
		return cp
	}
	cp := *t
	cp.Meta = c.meta(t.Meta)
	c.scoreTpls[t] = &cp
	return &cp
}

func (c *cloner) achievementTemplate(t *AchievementTemplate) *AchievementTemplate {
	if t == nil {
		return nil
	}
	if cp, ok := c.achieveTpls[t]; ok {
		return cp
	}
	cp := &AchievementTemplate{
		Meta:        c.meta(t.Meta),
		Key:         t.Key,
		Name:        t.Name,
		Description: t.Description,
		Trigger:     t.Trigger,
		predicates:  t.Predicates(),
	}
	c.achieveTpls[t] = cp
	return cp
}

func (c *cloner) class(src *Class) *Class {
	if src == nil {
		return nil
	}
	if cp, ok := c.classes[src]; ok {
		return cp
	}

	cp := NewClass(src.Key, src.Name, src.Owner)
	cp.Meta = c.meta(src.Meta)
	c.classes[src] = cp

	for _, s := range src.Students() {
		cp.students[s.Number] = c.student(s)
	}
	for _, g := range src.Groups() {
		cp.groups[g.Key] = &Group{
			Meta:      c.meta(g.Meta),
			Key:       g.Key,
			Name:      g.Name,
			LeaderID:  g.LeaderID,
			MemberIDs: append([]shared.UUID(nil), g.MemberIDs...),
			BelongsTo: g.BelongsTo,
		}
	}
	for _, r := range src.HomeworkRules() {
		r.Weekdays = append([]time.Weekday(nil), r.Weekdays...)
		cp.homeworkRules[r.Subject] = r
	}

	src.mu.RLock()
	for day, ids := range src.cleaningDuty {
		cp.cleaningDuty[day] = append([]shared.UUID(nil), ids...)
	}
	att := src.attendance
	src.mu.RUnlock()

	cp.attendance = c.attendanceInfo(att)
	return cp
}

func (c *cloner) student(src *Student) *Student {
	if src == nil {
		return nil
	}
	if cp, ok := c.students[src]; ok {
		return cp
	}

	cp := &Student{
		Meta:         c.meta(src.Meta),
		Name:         src.Name,
		Number:       src.Number,
		BelongsTo:    src.BelongsTo,
		LastReset:    src.LastReset,
		history:      NewModificationLog(),
		achievements: NewAchievementLog(),
	}
	c.students[src] = cp

	src.mu.RLock()
	cp.stats = src.stats
	history := src.history.Entries()
	achievements := src.achievements.Entries()
	src.mu.RUnlock()

	for _, e := range history {
		cp.history.entries = append(cp.history.entries, LogEntry[*ScoreModification]{At: e.At, Value: c.modification(e.Value)})
	}
	for _, e := range achievements {
		cp.achievements.entries = append(cp.achievements.entries, LogEntry[*Achievement]{At: e.At, Value: c.achievement(e.Value)})
	}
	return cp
}

func (c *cloner) modification(src *ScoreModification) *ScoreModification {
	if src == nil {
		return nil
	}
	if cp, ok := c.modifications[src]; ok {
		return cp
	}
	cp := &ScoreModification{
		Meta:       c.meta(src.Meta),
		Override:   copyOverride(src.Override),
		Executed:   src.Executed,
		CreatedAt:  src.CreatedAt,
		ExecutedAt: src.ExecutedAt,
		discarded:  src.discarded,
	}
	c.modifications[src] = cp
	cp.Template = c.scoreTemplate(src.Template)
	cp.Target = c.student(src.Target)
	return cp
}

func (c *cloner) achievement(src *Achievement) *Achievement {
	if src == nil {
		return nil
	}
	if cp, ok := c.achievements[src]; ok {
		return cp
	}
	cp := &Achievement{Meta: c.meta(src.Meta), GrantedAt: src.GrantedAt}
	c.achievements[src] = cp
	cp.Template = c.achievementTemplate(src.Template)
	cp.Student = c.student(src.Student)
	return cp
}

func (c *cloner) attendanceInfo(src *AttendanceInfo) *AttendanceInfo {
	if src == nil {
		return nil
	}
	if cp, ok := c.attendance[src]; ok {
		return cp
	}
	cp := &AttendanceInfo{Meta: c.meta(src.Meta), buckets: src.Buckets()}
	c.attendance[src] = cp
	return cp
}

func (c *cloner) dayRecord(src *DayRecord) *DayRecord {
	return &DayRecord{
		Meta:       c.meta(src.Meta),
		Class:      c.class(src.Class),
		Weekday:    src.Weekday,
		Attendance: c.attendanceInfo(src.Attendance),
		CreatedAt:  src.CreatedAt,
	}
}

func copyOverride(o Override) Override {
	var out Override
	if o.Title != nil {
		v := *o.Title
		out.Title = &v
	}
	if o.Description != nil {
		v := *o.Description
		out.Description = &v
	}
	if o.Delta != nil {
		v := *o.Delta
		out.Delta = &v
	}
	return out
}
