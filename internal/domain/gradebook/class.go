package gradebook

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GROUP
// ══════════════════════════════════════════════════════════════════════════════

// Group is a named set of students inside a class. Leader and members are
// non-owning references resolved through the owning class.
type Group struct {
	Meta

	Key       string
	Name      string
	LeaderID  shared.UUID
	MemberIDs []shared.UUID
	BelongsTo string
}

// NewGroup creates a group. The leader is added to the members if missing.
func NewGroup(key, name string, leader shared.UUID, members []shared.UUID) *Group {
	g := &Group{
		Meta:      NewMeta(),
		Key:       key,
		Name:      name,
		LeaderID:  leader,
		MemberIDs: append([]shared.UUID(nil), members...),
	}
	if leader != "" && !g.HasMember(leader) {
		g.MemberIDs = append([]shared.UUID{leader}, g.MemberIDs...)
	}
	return g
}

// Kind implements Entity.
func (g *Group) Kind() shared.Kind { return shared.KindGroup }

// HasMember reports whether the uuid is a member.
func (g *Group) HasMember(id shared.UUID) bool {
	for _, m := range g.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}

// Leader resolves the leader through the class.
func (g *Group) Leader(c *Class) (*Student, bool) {
	return c.StudentByUUID(g.LeaderID)
}

// Members resolves members through the class, skipping unknown ids.
func (g *Group) Members(c *Class) []*Student {
	out := make([]*Student, 0, len(g.MemberIDs))
	for _, id := range g.MemberIDs {
		if s, ok := c.StudentByUUID(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// TotalScore sums current member scores.
func (g *Group) TotalScore(c *Class) int64 {
	var total int64
	for _, s := range g.Members(c) {
		total += s.Score()
	}
	return total
}

// AverageScore is TotalScore over the member count; zero for an empty group.
func (g *Group) AverageScore(c *Class) float64 {
	members := g.Members(c)
	if len(members) == 0 {
		return 0
	}
	var total int64
	for _, s := range members {
		total += s.Score()
	}
	return float64(total) / float64(len(members))
}

func (g *Group) removeMember(id shared.UUID) {
	kept := g.MemberIDs[:0]
	for _, m := range g.MemberIDs {
		if m != id {
			kept = append(kept, m)
		}
	}
	g.MemberIDs = kept
	if g.LeaderID == id {
		g.LeaderID = ""
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLASS
// ══════════════════════════════════════════════════════════════════════════════

// HomeworkRule describes homework expectations for one subject.
type HomeworkRule struct {
	Subject  string         `json:"subject"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	Penalty  int64          `json:"penalty"`
	Note     string         `json:"note,omitempty"`
}

// Class owns its students (by roll number) and groups (by key).
type Class struct {
	Meta

	Key   string
	Name  string
	Owner string

	mu            sync.RWMutex
	students      map[int]*Student
	groups        map[string]*Group
	homeworkRules map[string]HomeworkRule
	cleaningDuty  map[time.Weekday][]shared.UUID
	attendance    *AttendanceInfo
}

// NewClass creates an empty class.
func NewClass(key, name, owner string) *Class {
	return &Class{
		Meta:          NewMeta(),
		Key:           key,
		Name:          name,
		Owner:         owner,
		students:      make(map[int]*Student),
		groups:        make(map[string]*Group),
		homeworkRules: make(map[string]HomeworkRule),
		cleaningDuty:  make(map[time.Weekday][]shared.UUID),
		attendance:    NewAttendanceInfo(),
	}
}

// Kind implements Entity.
func (c *Class) Kind() shared.Kind { return shared.KindClass }

// AddStudent inserts a student under its roll number.
func (c *Class) AddStudent(s *Student) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.students[s.Number]; exists {
		return shared.NewDomainError("class", "AddStudent", shared.ErrAlreadyExists,
			fmt.Sprintf("roll number %d already taken in class %q", s.Number, c.Key))
	}
	s.BelongsTo = c.Key
	c.students[s.Number] = s
	return nil
}

// RemoveStudent removes a student and drops it from every group and duty list.
func (c *Class) RemoveStudent(number int) (*Student, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.students[number]
	if !ok {
		return nil, shared.WrapError("class", "RemoveStudent", shared.ErrNotFound,
			fmt.Sprintf("roll number %d", number), shared.ErrStudentNotFound)
	}
	delete(c.students, number)
	for _, g := range c.groups {
		g.removeMember(s.UUID)
	}
	for day, ids := range c.cleaningDuty {
		kept := ids[:0]
		for _, id := range ids {
			if id != s.UUID {
				kept = append(kept, id)
			}
		}
		c.cleaningDuty[day] = kept
	}
	return s, nil
}

// Student returns the student with the roll number.
func (c *Class) Student(number int) (*Student, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.students[number]
	return s, ok
}

// StudentByUUID finds a student by identity.
func (c *Class) StudentByUUID(id shared.UUID) (*Student, bool) {
	if id == "" {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.students {
		if s.UUID == id {
			return s, true
		}
	}
	return nil, false
}

// Students returns students ordered by roll number.
func (c *Class) Students() []*Student {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Student, 0, len(c.students))
	for _, s := range c.students {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// AddGroup inserts a group. Every member must already be a student of the class.
func (c *Class) AddGroup(g *Group) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.groups[g.Key]; exists {
		return shared.NewDomainError("class", "AddGroup", shared.ErrAlreadyExists,
			fmt.Sprintf("group %q already exists in class %q", g.Key, c.Key))
	}
	for _, id := range g.MemberIDs {
		if !c.hasStudentLocked(id) {
			return shared.NewDomainError("class", "AddGroup", shared.ErrInvalidInput,
				fmt.Sprintf("group member %s is not a student of class %q", id, c.Key))
		}
	}
	if g.LeaderID != "" && !g.HasMember(g.LeaderID) {
		return shared.NewDomainError("class", "AddGroup", shared.ErrInvalidInput, "group leader must be a member")
	}
	g.BelongsTo = c.Key
	c.groups[g.Key] = g
	return nil
}

// RestoreGroup inserts a loaded group without membership validation.
func (c *Class) RestoreGroup(g *Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[g.Key] = g
}

// RemoveGroup removes a group by key.
func (c *Class) RemoveGroup(key string) (*Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[key]
	if !ok {
		return nil, shared.WrapError("class", "RemoveGroup", shared.ErrNotFound,
			fmt.Sprintf("group %q", key), shared.ErrGroupNotFound)
	}
	delete(c.groups, key)
	return g, nil
}

// Group returns the group with the key.
func (c *Class) Group(key string) (*Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[key]
	return g, ok
}

// Groups returns groups ordered by key.
func (c *Class) Groups() []*Group {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SetHomeworkRule adds or replaces the rule for a subject.
func (c *Class) SetHomeworkRule(rule HomeworkRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.homeworkRules[rule.Subject] = rule
}

// HomeworkRules returns the rules ordered by subject.
func (c *Class) HomeworkRules() []HomeworkRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]HomeworkRule, 0, len(c.homeworkRules))
	for _, r := range c.homeworkRules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// SetCleaningDuty assigns students to a weekday.
func (c *Class) SetCleaningDuty(day time.Weekday, ids []shared.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleaningDuty[day] = append([]shared.UUID(nil), ids...)
}

// CleaningDuty returns the roster for a weekday.
func (c *Class) CleaningDuty(day time.Weekday) []shared.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]shared.UUID(nil), c.cleaningDuty[day]...)
}

// Attendance returns today's attendance buckets.
func (c *Class) Attendance() *AttendanceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attendance
}

// SwapAttendance installs next as today's attendance and returns the old one.
func (c *Class) SwapAttendance(next *AttendanceInfo) *AttendanceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.attendance
	c.attendance = next
	return prev
}

// Validate checks the ownership invariants.
func (c *Class) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for number, s := range c.students {
		if s.BelongsTo != c.Key {
			return shared.NewDomainError("class", "Validate", shared.ErrInvalidState,
				fmt.Sprintf("student %d belongs to %q, not %q", number, s.BelongsTo, c.Key))
		}
		if s.Number != number {
			return shared.NewDomainError("class", "Validate", shared.ErrInvalidState,
				fmt.Sprintf("student stored under %d has number %d", number, s.Number))
		}
	}
	for key, g := range c.groups {
		for _, id := range g.MemberIDs {
			if !c.hasStudentLocked(id) {
				return shared.NewDomainError("class", "Validate", shared.ErrInvalidState,
					fmt.Sprintf("group %q member %s is not a student", key, id))
			}
		}
	}
	return nil
}

func (c *Class) hasStudentLocked(id shared.UUID) bool {
	for _, s := range c.students {
		if s.UUID == id {
			return true
		}
	}
	return false
}
