package gradebook

import (
	"sync"
	"time"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT TEMPLATE
// ══════════════════════════════════════════════════════════════════════════════

// Trigger restricts when a template is evaluated.
type Trigger string

const (
	// TriggerAny evaluates on every tick.
	TriggerAny Trigger = "any"
	// TriggerOnResetOnly evaluates only for students fresh from a reset.
	TriggerOnResetOnly Trigger = "on_reset_only"
)

// AchievementTemplate is a named conjunction of predicates.
type AchievementTemplate struct {
	Meta

	Key         string
	Name        string
	Description string
	Trigger     Trigger

	mu         sync.RWMutex
	predicates []Predicate
}

// NewAchievementTemplate creates a template that triggers at any time.
func NewAchievementTemplate(key, name, description string, preds ...Predicate) *AchievementTemplate {
	return &AchievementTemplate{
		Meta:        NewMeta(),
		Key:         key,
		Name:        name,
		Description: description,
		Trigger:     TriggerAny,
		predicates:  preds,
	}
}

// Kind implements Entity.
func (t *AchievementTemplate) Kind() shared.Kind { return shared.KindAchievementTemplate }

// TemplateKey implements Keyed.
func (t *AchievementTemplate) TemplateKey() string { return t.Key }

// Protected implements Keyed. Built-in achievements can be reset but not replaced.
func (t *AchievementTemplate) Protected() bool {
	_, ok := LookupBuiltin(t.Key)
	return ok
}

// Predicates returns a copy of the clause list.
func (t *AchievementTemplate) Predicates() []Predicate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Predicate, len(t.predicates))
	copy(out, t.predicates)
	return out
}

// SetPredicates replaces the clause list.
func (t *AchievementTemplate) SetPredicates(preds []Predicate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.predicates = preds
}

// Evaluate checks the conjunction against a view.
func (t *AchievementTemplate) Evaluate(v *View) (bool, error) {
	return EvalAll(t.Predicates(), v)
}

// Applies reports whether the trigger allows evaluating this student now.
func (t *AchievementTemplate) Applies(stats ScoreStats) bool {
	if t.Trigger == TriggerOnResetOnly {
		return stats.IsFresh()
	}
	return true
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT
// ══════════════════════════════════════════════════════════════════════════════

// Achievement is a grant of a template to a student. Never retracted.
type Achievement struct {
	Meta

	Template  *AchievementTemplate
	Student   *Student
	GrantedAt time.Time
}

// NewAchievement creates a grant stamped at now.
func NewAchievement(template *AchievementTemplate, student *Student, now time.Time) *Achievement {
	return &Achievement{
		Meta:      NewMeta(),
		Template:  template,
		Student:   student,
		GrantedAt: now.UTC(),
	}
}

// Kind implements Entity.
func (a *Achievement) Kind() shared.Kind { return shared.KindAchievement }

// ══════════════════════════════════════════════════════════════════════════════
// BUILT-IN ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

// Names of the built-in custom predicates.
const (
	CustomHadPreviousPeriod = "had_previous_period"
	CustomLeadsByTen        = "leads_by_ten"
)

// Builtin describes an achievement shipped with the core and its default clauses.
type Builtin struct {
	Key         string
	Name        string
	Description string
	Trigger     Trigger
	Defaults    func(reg *PredicateRegistry) []Predicate
}

var builtins = []Builtin{
	{
		Key: "half_century", Name: "Half century", Description: "Reach 50 points while leading the class",
		Trigger: TriggerAny,
		Defaults: func(*PredicateRegistry) []Predicate {
			return []Predicate{
				FieldRange{Field: FieldScore, Range: AtLeast(50)},
				FieldRange{Field: FieldRank, Range: Exactly(1)},
			}
		},
	},
	{
		Key: "runaway_leader", Name: "Runaway leader", Description: "Lead every classmate by at least 10 points",
		Trigger: TriggerAny,
		Defaults: func(reg *PredicateRegistry) []Predicate {
			return []Predicate{
				FieldRange{Field: FieldRank, Range: Exactly(1)},
				reg.Custom(CustomLeadsByTen),
			}
		},
	},
	{
		Key: "comeback", Name: "Comeback", Description: "Climb back to a positive score after dropping to -10",
		Trigger: TriggerAny,
		Defaults: func(*PredicateRegistry) []Predicate {
			return []Predicate{
				FieldRange{Field: FieldLowest, Range: AtMost(-10)},
				FieldRange{Field: FieldScore, Range: AtLeast(1)},
			}
		},
	},
	{
		Key: "fresh_start", Name: "Fresh start", Description: "Begin a new week",
		Trigger: TriggerOnResetOnly,
		Defaults: func(reg *PredicateRegistry) []Predicate {
			return []Predicate{reg.Custom(CustomHadPreviousPeriod)}
		},
	},
}

// Builtins returns the built-in achievement descriptions.
func Builtins() []Builtin {
	out := make([]Builtin, len(builtins))
	copy(out, builtins)
	return out
}

// LookupBuiltin returns the built-in description with the key.
func LookupBuiltin(key string) (Builtin, bool) {
	for _, b := range builtins {
		if b.Key == key {
			return b, true
		}
	}
	return Builtin{}, false
}

// Template creates a fresh template from the built-in description.
func (b Builtin) Template(reg *PredicateRegistry) *AchievementTemplate {
	t := NewAchievementTemplate(b.Key, b.Name, b.Description, b.Defaults(reg)...)
	t.Trigger = b.Trigger
	return t
}
