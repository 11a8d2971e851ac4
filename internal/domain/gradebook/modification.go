package gradebook

import (
	"time"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCORE MODIFICATION TEMPLATE
// ══════════════════════════════════════════════════════════════════════════════

// ScoreTemplate describes a reusable score change ("answered a question", +2).
// The key is unique within a template set.
type ScoreTemplate struct {
	Meta

	Key         string
	Delta       int64
	Title       string
	Description string

	// CantReplace protects built-in templates from being overwritten.
	CantReplace bool
	Visible     bool
}

// NewScoreTemplate creates a visible, replaceable template.
func NewScoreTemplate(key, title, description string, delta int64) *ScoreTemplate {
	return &ScoreTemplate{
		Meta:        NewMeta(),
		Key:         key,
		Delta:       delta,
		Title:       title,
		Description: description,
		Visible:     true,
	}
}

// Kind implements Entity.
func (t *ScoreTemplate) Kind() shared.Kind { return shared.KindScoreTemplate }

// TemplateKey implements Keyed.
func (t *ScoreTemplate) TemplateKey() string { return t.Key }

// Protected implements Keyed.
func (t *ScoreTemplate) Protected() bool { return t.CantReplace }

// ══════════════════════════════════════════════════════════════════════════════
// SCORE MODIFICATION
// ══════════════════════════════════════════════════════════════════════════════

// Override replaces template values for a single modification.
type Override struct {
	Title       *string
	Description *string
	Delta       *int64
}

// ScoreModification is one application of a template to a student.
//
// Lifecycle: pending -> applied (Execute) -> unapplied (Retract). A retracted
// instance is discarded; reapplying needs a new instance.
type ScoreModification struct {
	Meta

	Template *ScoreTemplate
	Target   *Student
	Override Override

	Executed   bool
	CreatedAt  time.Time
	ExecutedAt time.Time

	discarded bool
}

// NewScoreModification creates a pending modification.
func NewScoreModification(template *ScoreTemplate, target *Student, override Override) *ScoreModification {
	return &ScoreModification{
		Meta:      NewMeta(),
		Template:  template,
		Target:    target,
		Override:  override,
		CreatedAt: time.Now().UTC(),
	}
}

// Kind implements Entity.
func (m *ScoreModification) Kind() shared.Kind { return shared.KindScoreModification }

// Title returns the override or the template title.
func (m *ScoreModification) Title() string {
	if m.Override.Title != nil {
		return *m.Override.Title
	}
	if m.Template == nil {
		return ""
	}
	return m.Template.Title
}

// Description returns the override or the template description.
func (m *ScoreModification) Description() string {
	if m.Override.Description != nil {
		return *m.Override.Description
	}
	if m.Template == nil {
		return ""
	}
	return m.Template.Description
}

// Delta returns the override or the template delta.
func (m *ScoreModification) Delta() int64 {
	if m.Override.Delta != nil {
		return *m.Override.Delta
	}
	if m.Template == nil {
		return 0
	}
	return m.Template.Delta
}

// Discarded reports whether the modification was retracted.
func (m *ScoreModification) Discarded() bool {
	if s := m.Target; s != nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	return m.discarded
}

// Execute applies the modification to its target at now.
// On failure the student is left unchanged.
func (m *ScoreModification) Execute(now time.Time) error {
	s := m.Target
	if s == nil {
		return shared.NewDomainError("score", "Execute", shared.ErrInvalidInput, "modification has no target")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.discarded {
		return shared.ErrDiscarded
	}
	if m.Executed {
		return shared.ErrAlreadyExecuted
	}
	return s.applyLocked(m, now)
}

// Retract reverses an executed modification and discards it.
func (m *ScoreModification) Retract() error {
	s := m.Target
	if s == nil {
		return shared.NewDomainError("score", "Retract", shared.ErrInvalidInput, "modification has no target")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.checkRetractableLocked(); err != nil {
		return err
	}
	if err := s.unapplyLocked(m); err != nil {
		return err
	}
	m.discarded = true
	return nil
}

// CheckRetractable validates Retract preconditions without mutating anything.
func (m *ScoreModification) CheckRetractable() error {
	s := m.Target
	if s == nil {
		return shared.NewDomainError("score", "Retract", shared.ErrInvalidInput, "modification has no target")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return m.checkRetractableLocked()
}

func (m *ScoreModification) checkRetractableLocked() error {
	if !m.Executed {
		return shared.ErrNotExecuted
	}
	if !m.Target.history.Contains(m) {
		return shared.ErrNotInHistory
	}
	return nil
}
