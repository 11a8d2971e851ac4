// Package leaderboard orders the students of a class by score.
//
// Two placements are produced from the same ordering: tie-aware places skip
// after a tie (1, 2, 2, 4) and sequential places do not (1, 2, 2, 3). Equal
// scores are ordered by roll number so the listing is deterministic.
package leaderboard

import (
	"errors"
	"fmt"
	"sort"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Rank is a place in a ranking, starting at 1.
type Rank int

// IsValid checks that the rank is positive.
func (r Rank) IsValid() bool {
	return r > 0
}

// String returns "#n".
func (r Rank) String() string {
	return fmt.Sprintf("#%d", r)
}

// RankChange is the difference between two places. Positive means the student
// moved up.
type RankChange int

// Direction returns the direction of the change.
func (rc RankChange) Direction() RankDirection {
	switch {
	case rc > 0:
		return RankDirectionUp
	case rc < 0:
		return RankDirectionDown
	default:
		return RankDirectionStable
	}
}

// RankDirection describes how a place changed.
type RankDirection string

const (
	RankDirectionUp     RankDirection = "up"
	RankDirectionDown   RankDirection = "down"
	RankDirectionStable RankDirection = "stable"
	RankDirectionNew    RankDirection = "new"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// Entry is one student in a ranking.
type Entry struct {
	StudentID shared.UUID
	Number    int
	Name      string
	Score     int64

	// Place is the tie-aware rank; Sequential is the dense rank.
	Place      Rank
	Sequential Rank
}

// String returns a compact form for logs.
func (e *Entry) String() string {
	return fmt.Sprintf("Entry{Place: %d, Number: %d, Name: %s, Score: %d}", e.Place, e.Number, e.Name, e.Score)
}

// ══════════════════════════════════════════════════════════════════════════════
// RANKING
// ══════════════════════════════════════════════════════════════════════════════

// Ranking is an ordered list of entries.
type Ranking struct {
	entries []*Entry
	byID    map[shared.UUID]*Entry
}

// NewRanking creates an empty ranking.
func NewRanking() *Ranking {
	return &Ranking{
		entries: make([]*Entry, 0),
		byID:    make(map[shared.UUID]*Entry),
	}
}

// Add appends an entry without sorting.
func (r *Ranking) Add(entry *Entry) error {
	if entry == nil {
		return ErrNilEntry
	}
	if _, exists := r.byID[entry.StudentID]; exists {
		return ErrDuplicateStudent
	}
	r.entries = append(r.entries, entry)
	r.byID[entry.StudentID] = entry
	return nil
}

// Sort orders entries by score descending, then roll number ascending, and
// assigns both placements.
func (r *Ranking) Sort() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].Score != r.entries[j].Score {
			return r.entries[i].Score > r.entries[j].Score
		}
		return r.entries[i].Number < r.entries[j].Number
	})

	dense := Rank(0)
	for i, e := range r.entries {
		if i > 0 && e.Score == r.entries[i-1].Score {
			e.Place = r.entries[i-1].Place
			e.Sequential = dense
			continue
		}
		dense++
		e.Place = Rank(i + 1)
		e.Sequential = dense
	}
}

// GetByID returns the entry of a student.
func (r *Ranking) GetByID(id shared.UUID) *Entry {
	return r.byID[id]
}

// PlaceOf returns the tie-aware rank of a student, or 0 if absent.
func (r *Ranking) PlaceOf(id shared.UUID) Rank {
	if e := r.byID[id]; e != nil {
		return e.Place
	}
	return 0
}

// Top returns the first n entries.
func (r *Ranking) Top(n int) []*Entry {
	if n <= 0 {
		return nil
	}
	if n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]*Entry, n)
	copy(out, r.entries[:n])
	return out
}

// Count returns the number of entries.
func (r *Ranking) Count() int {
	return len(r.entries)
}

// All returns the entries in ranking order.
func (r *Ranking) All() []*Entry {
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// TieAware returns the student ids grouped by tie-aware place.
func (r *Ranking) TieAware() [][]shared.UUID {
	return r.groupBy(func(e *Entry) Rank { return e.Place })
}

// Sequential returns the student ids grouped by dense place.
func (r *Ranking) Sequential() [][]shared.UUID {
	return r.groupBy(func(e *Entry) Rank { return e.Sequential })
}

func (r *Ranking) groupBy(key func(*Entry) Rank) [][]shared.UUID {
	var out [][]shared.UUID
	for i, e := range r.entries {
		if i > 0 && key(e) == key(r.entries[i-1]) {
			out[len(out)-1] = append(out[len(out)-1], e.StudentID)
			continue
		}
		out = append(out, []shared.UUID{e.StudentID})
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// DIFF
// ══════════════════════════════════════════════════════════════════════════════

// Diff returns the place changes of every student in next relative to prev.
// Students missing from prev are reported with RankDirectionNew.
func Diff(prev, next *Ranking) map[shared.UUID]RankDirection {
	out := make(map[shared.UUID]RankDirection)
	if next == nil {
		return out
	}
	for _, e := range next.entries {
		if prev == nil {
			out[e.StudentID] = RankDirectionNew
			continue
		}
		old := prev.GetByID(e.StudentID)
		if old == nil {
			out[e.StudentID] = RankDirectionNew
			continue
		}
		if d := RankChange(old.Place - e.Place).Direction(); d != RankDirectionStable {
			out[e.StudentID] = d
		}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrNilEntry         = errors.New("cannot add nil entry")
	ErrDuplicateStudent = errors.New("student already exists in ranking")
)
