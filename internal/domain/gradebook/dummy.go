package gradebook

import (
	"fmt"
	"time"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// DummyName is the display name given to stand-ins for missing records.
const DummyName = "<missing>"

// NewDummy creates a placeholder of the kind for a record that could not be
// loaded. Dummies keep the referencing object usable; they carry the requested
// identity and neutral values.
func NewDummy(kind shared.Kind, id shared.UUID, archive shared.ArchiveID) (Entity, error) {
	meta := Meta{UUID: id, Archive: archive}
	key := "missing-" + string(id)

	var e Entity
	switch kind {
	case shared.KindStudent:
		s := NewStudent(DummyName, 0, "")
		s.Meta = meta
		e = s
	case shared.KindGroup:
		g := NewGroup(key, DummyName, "", nil)
		g.Meta = meta
		e = g
	case shared.KindClass:
		c := NewClass(key, DummyName, "")
		c.Meta = meta
		e = c
	case shared.KindScoreTemplate:
		t := NewScoreTemplate(key, DummyName, "", 0)
		t.Meta = meta
		t.Visible = false
		e = t
	case shared.KindScoreModification:
		m := NewScoreModification(nil, nil, Override{})
		m.Meta = meta
		m.discarded = true
		e = m
	case shared.KindAchievementTemplate:
		t := NewAchievementTemplate(key, DummyName, "", Unknown{Name: key})
		t.Meta = meta
		e = t
	case shared.KindAchievement:
		a := NewAchievement(nil, nil, time.Time{})
		a.Meta = meta
		e = a
	case shared.KindAttendance:
		a := NewAttendanceInfo()
		a.Meta = meta
		e = a
	case shared.KindDayRecord:
		d := NewDayRecord(nil, nil, time.Time{})
		d.Meta = meta
		e = d
	case shared.KindHistory:
		e = &History{Meta: meta, Graph: NewGraph(archive)}
	default:
		return nil, shared.NewDomainError("gradebook", "NewDummy", shared.ErrInvalidInput,
			fmt.Sprintf("unknown kind %q", kind))
	}
	return e, nil
}

// RestoreState sets the lifecycle flags of a loaded modification.
func (m *ScoreModification) RestoreState(executed bool, executedAt time.Time, discarded bool) {
	m.Executed = executed
	m.ExecutedAt = executedAt
	m.discarded = discarded
}
