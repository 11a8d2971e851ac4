package gradebook

import (
	"fmt"
	"sync"
	"time"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/pkg/timeutil"
)

// AttendanceCategory is one of the seven mutually exclusive daily buckets.
type AttendanceCategory string

const (
	AttendanceAttended      AttendanceCategory = "attended"
	AttendanceLate          AttendanceCategory = "late"
	AttendanceLeftEarly     AttendanceCategory = "left_early"
	AttendanceAbsent        AttendanceCategory = "absent"
	AttendanceSickLeave     AttendanceCategory = "sick_leave"
	AttendancePersonalLeave AttendanceCategory = "personal_leave"
	AttendanceOfficialLeave AttendanceCategory = "official_leave"
)

// AttendanceCategories lists the buckets in display order.
var AttendanceCategories = []AttendanceCategory{
	AttendanceAttended,
	AttendanceLate,
	AttendanceLeftEarly,
	AttendanceAbsent,
	AttendanceSickLeave,
	AttendancePersonalLeave,
	AttendanceOfficialLeave,
}

// IsValid checks the category.
func (c AttendanceCategory) IsValid() bool {
	for _, known := range AttendanceCategories {
		if c == known {
			return true
		}
	}
	return false
}

// AttendanceInfo holds one day of attendance buckets.
type AttendanceInfo struct {
	Meta

	mu      sync.RWMutex
	buckets map[AttendanceCategory][]shared.UUID
}

// NewAttendanceInfo creates empty buckets.
func NewAttendanceInfo() *AttendanceInfo {
	return &AttendanceInfo{
		Meta:    NewMeta(),
		buckets: make(map[AttendanceCategory][]shared.UUID),
	}
}

// Kind implements Entity.
func (a *AttendanceInfo) Kind() shared.Kind { return shared.KindAttendance }

// Mark moves a student into exactly one bucket.
func (a *AttendanceInfo) Mark(student shared.UUID, category AttendanceCategory) error {
	if !category.IsValid() {
		return shared.NewDomainError("attendance", "Mark", shared.ErrInvalidInput,
			fmt.Sprintf("unknown attendance category %q", category))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.unmarkLocked(student)
	a.buckets[category] = append(a.buckets[category], student)
	return nil
}

// Unmark removes a student from every bucket.
func (a *AttendanceInfo) Unmark(student shared.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unmarkLocked(student)
}

func (a *AttendanceInfo) unmarkLocked(student shared.UUID) {
	for cat, ids := range a.buckets {
		kept := ids[:0]
		for _, id := range ids {
			if id != student {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(a.buckets, cat)
		} else {
			a.buckets[cat] = kept
		}
	}
}

// CategoryOf returns the bucket a student is in.
func (a *AttendanceInfo) CategoryOf(student shared.UUID) (AttendanceCategory, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for cat, ids := range a.buckets {
		for _, id := range ids {
			if id == student {
				return cat, true
			}
		}
	}
	return "", false
}

// Bucket returns a copy of one bucket.
func (a *AttendanceInfo) Bucket(category AttendanceCategory) []shared.UUID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]shared.UUID(nil), a.buckets[category]...)
}

// Buckets returns a copy of all non-empty buckets.
func (a *AttendanceInfo) Buckets() map[AttendanceCategory][]shared.UUID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[AttendanceCategory][]shared.UUID, len(a.buckets))
	for cat, ids := range a.buckets {
		out[cat] = append([]shared.UUID(nil), ids...)
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// DAY RECORD
// ══════════════════════════════════════════════════════════════════════════════

// DayRecord binds a class and weekday to that day's attendance. One is created
// per class at each day rollover.
type DayRecord struct {
	Meta

	Class      *Class
	Weekday    time.Weekday
	Attendance *AttendanceInfo
	CreatedAt  time.Time
}

// NewDayRecord creates a record for the class at now.
func NewDayRecord(class *Class, attendance *AttendanceInfo, now time.Time) *DayRecord {
	now = now.UTC()
	return &DayRecord{
		Meta:       NewMeta(),
		Class:      class,
		Weekday:    now.Weekday(),
		Attendance: attendance,
		CreatedAt:  now,
	}
}

// Kind implements Entity.
func (d *DayRecord) Kind() shared.Kind { return shared.KindDayRecord }

// SameDay reports whether the record was created on the calendar day of t in loc.
func (d *DayRecord) SameDay(t time.Time, loc *time.Location) bool {
	return timeutil.IsSameDay(d.CreatedAt, t, loc)
}
