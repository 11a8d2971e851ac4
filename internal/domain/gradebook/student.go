package gradebook

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCORE STATS
// ══════════════════════════════════════════════════════════════════════════════

// ScoreStats is a consistent copy of a student's score and derived statistics.
type ScoreStats struct {
	// Score is the current score of the period.
	Score int64

	// Total is the lifetime ledger; it is never reset.
	Total int64

	// Base is the score the period started from (creation or last reset).
	Base int64

	// Highest and Lowest are the running extremes since Base.
	Highest int64
	Lowest  int64

	// HighestAt and LowestAt are the execution times that produced each extreme.
	// Zero while the extreme is still Base.
	HighestAt time.Time
	LowestAt  time.Time
}

// IsFresh returns true right after a reset: score and both extremes are zero.
func (s ScoreStats) IsFresh() bool {
	return s.Score == 0 && s.Highest == 0 && s.Lowest == 0
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT
// ══════════════════════════════════════════════════════════════════════════════

// Student is a member of a class with a running score.
//
// Name, Number and BelongsTo are fixed once the student is inside a class.
// Score fields and the owned logs are only reachable through methods; the
// mutex makes every mutation a short self-contained step that observers can
// read around.
type Student struct {
	Meta

	Name      string
	Number    int
	BelongsTo string

	// LastReset points at the copy of this student frozen at the previous reset.
	LastReset shared.Ref

	mu           sync.RWMutex
	stats        ScoreStats
	history      *ModificationLog
	achievements *AchievementLog
}

// NewStudent creates a student with a zero score in the current archive.
func NewStudent(name string, number int, classKey string) *Student {
	return &Student{
		Meta:         NewMeta(),
		Name:         name,
		Number:       number,
		BelongsTo:    classKey,
		history:      NewModificationLog(),
		achievements: NewAchievementLog(),
	}
}

// Kind implements Entity.
func (s *Student) Kind() shared.Kind { return shared.KindStudent }

// Stats returns a consistent copy of the score statistics.
func (s *Student) Stats() ScoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Score returns the current score.
func (s *Student) Score() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.Score
}

// RestoreStats overwrites the statistics. Used by the loader and by resets.
func (s *Student) RestoreStats(stats ScoreStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
}

// History returns the executed modifications in application order.
func (s *Student) History() []LogEntry[*ScoreModification] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Entries()
}

// HistoryLen returns the number of outstanding modifications.
func (s *Student) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Len()
}

// HasInHistory reports whether the modification is currently recorded.
func (s *Student) HasInHistory(m *ScoreModification) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Contains(m)
}

// RestoreHistory inserts an already executed modification at its stored key.
func (s *Student) RestoreHistory(at time.Time, m *ScoreModification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Insert(at, m)
}

// Achievements returns the granted achievements ordered by grant time.
func (s *Student) Achievements() []LogEntry[*Achievement] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.achievements.Entries()
}

// HasAchievement reports whether an achievement of the template was granted.
func (s *Student) HasAchievement(templateKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.achievements.Has(templateKey)
}

// Grant records an achievement unless one for the same template is held.
func (s *Student) Grant(a *Achievement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Template != nil && s.achievements.Has(a.Template.Key) {
		return false
	}
	a.GrantedAt = s.achievements.Append(a.GrantedAt, a)
	return true
}

// RestoreAchievement inserts a loaded achievement at its stored key.
func (s *Student) RestoreAchievement(at time.Time, a *Achievement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.achievements.Insert(at, a)
}

// OccurrenceCounts counts executed modifications per score template key.
func (s *Student) OccurrenceCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	s.history.Each(func(_ time.Time, m *ScoreModification) {
		if m.Executed && m.Template != nil {
			counts[m.Template.Key]++
		}
	})
	return counts
}

// ResetPeriod starts a new period: score and extremes go to zero, history is
// cleared and the lifetime total is kept. The caller freezes the old state first.
func (s *Student) ResetPeriod(snapshot shared.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = ScoreStats{Total: s.stats.Total}
	s.history = NewModificationLog()
	s.LastReset = snapshot
}

// ══════════════════════════════════════════════════════════════════════════════
// SCORE MUTATION
// ══════════════════════════════════════════════════════════════════════════════

// applyLocked adds a modification. Caller holds s.mu.
func (s *Student) applyLocked(m *ScoreModification, now time.Time) error {
	delta := m.Delta()
	score, ok := addInt64(s.stats.Score, delta)
	if !ok {
		return shared.NewDomainError("student", "Execute", shared.ErrOverflow, "score overflow")
	}
	total, ok := addInt64(s.stats.Total, delta)
	if !ok {
		return shared.NewDomainError("student", "Execute", shared.ErrOverflow, "total score overflow")
	}

	at := s.history.Append(now, m)
	if score > s.stats.Highest {
		s.stats.Highest = score
		s.stats.HighestAt = at
	}
	if score < s.stats.Lowest {
		s.stats.Lowest = score
		s.stats.LowestAt = at
	}
	s.stats.Score = score
	s.stats.Total = total
	m.Executed = true
	m.ExecutedAt = at
	return nil
}

// unapplyLocked removes a modification and re-derives the extremes. Caller holds s.mu.
func (s *Student) unapplyLocked(m *ScoreModification) error {
	delta := m.Delta()
	score, ok := subInt64(s.stats.Score, delta)
	if !ok {
		return shared.NewDomainError("student", "Retract", shared.ErrOverflow, "score overflow")
	}
	total, ok := subInt64(s.stats.Total, delta)
	if !ok {
		return shared.NewDomainError("student", "Retract", shared.ErrOverflow, "total score overflow")
	}
	if !s.history.Remove(m) {
		return shared.ErrNotInHistory
	}

	s.stats.Score = score
	s.stats.Total = total
	s.recomputeExtremesLocked()
	m.Executed = false
	m.ExecutedAt = time.Time{}
	return nil
}

// recomputeExtremesLocked rescans the executed history from the period base.
// An intermediate record may be the true extreme, so the delta alone is not enough.
func (s *Student) recomputeExtremesLocked() {
	running := s.stats.Base
	hi, lo := running, running
	var hiAt, loAt time.Time
	s.history.Each(func(at time.Time, m *ScoreModification) {
		if !m.Executed {
			return
		}
		running += m.Delta()
		if running > hi {
			hi, hiAt = running, at
		}
		if running < lo {
			lo, loAt = running, at
		}
	})
	s.stats.Highest, s.stats.HighestAt = hi, hiAt
	s.stats.Lowest, s.stats.LowestAt = lo, loAt
}

func addInt64(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, false
	}
	return a + b, true
}

func subInt64(a, b int64) (int64, bool) {
	if b < 0 && a > math.MaxInt64+b {
		return 0, false
	}
	if b > 0 && a < math.MinInt64+b {
		return 0, false
	}
	return a - b, true
}

// ══════════════════════════════════════════════════════════════════════════════
// ORDERED LOGS
// ══════════════════════════════════════════════════════════════════════════════

// LogEntry is one timestamp-keyed element of an ordered log.
type LogEntry[T any] struct {
	At    time.Time
	Value T
}

// orderedLog keeps entries sorted by a strictly increasing timestamp key.
type orderedLog[T comparable] struct {
	entries []LogEntry[T]
}

// Append places v after the current tail. A key that is not after the tail
// is bumped past it, so iteration order equals append order. Returns the key used.
func (l *orderedLog[T]) Append(at time.Time, v T) time.Time {
	at = at.UTC()
	if n := len(l.entries); n > 0 && !at.After(l.entries[n-1].At) {
		at = l.entries[n-1].At.Add(time.Nanosecond)
	}
	l.entries = append(l.entries, LogEntry[T]{At: at, Value: v})
	return at
}

// Insert places v at its sorted position under at. Used when restoring
// stored logs. Returns the key used.
func (l *orderedLog[T]) Insert(at time.Time, v T) time.Time {
	at = at.UTC()
	n := len(l.entries)
	if n == 0 || at.After(l.entries[n-1].At) {
		l.entries = append(l.entries, LogEntry[T]{At: at, Value: v})
		return at
	}
	idx := sort.Search(n, func(i int) bool { return !l.entries[i].At.Before(at) })
	if idx < n && l.entries[idx].At.Equal(at) {
		// Collision: append after the current tail.
		at = l.entries[n-1].At.Add(time.Nanosecond)
		l.entries = append(l.entries, LogEntry[T]{At: at, Value: v})
		return at
	}
	l.entries = append(l.entries, LogEntry[T]{})
	copy(l.entries[idx+1:], l.entries[idx:])
	l.entries[idx] = LogEntry[T]{At: at, Value: v}
	return at
}

// Remove deletes v. Returns false if v is not present.
func (l *orderedLog[T]) Remove(v T) bool {
	for i, e := range l.entries {
		if e.Value == v {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether v is present.
func (l *orderedLog[T]) Contains(v T) bool {
	for _, e := range l.entries {
		if e.Value == v {
			return true
		}
	}
	return false
}

// Each visits entries in key order.
func (l *orderedLog[T]) Each(fn func(at time.Time, v T)) {
	for _, e := range l.entries {
		fn(e.At, e.Value)
	}
}

// Entries returns a copy of the entries in key order.
func (l *orderedLog[T]) Entries() []LogEntry[T] {
	out := make([]LogEntry[T], len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *orderedLog[T]) Len() int {
	return len(l.entries)
}

// ModificationLog maps execution timestamps to score modifications.
type ModificationLog struct {
	orderedLog[*ScoreModification]
}

// NewModificationLog creates an empty log.
func NewModificationLog() *ModificationLog {
	return &ModificationLog{}
}

// AchievementLog maps grant timestamps to achievements.
type AchievementLog struct {
	orderedLog[*Achievement]
}

// NewAchievementLog creates an empty log.
func NewAchievementLog() *AchievementLog {
	return &AchievementLog{}
}

// Has reports whether an achievement of the template key is present.
func (l *AchievementLog) Has(templateKey string) bool {
	for _, e := range l.entries {
		if e.Value.Template != nil && e.Value.Template.Key == templateKey {
			return true
		}
	}
	return false
}
