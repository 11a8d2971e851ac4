package loader

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/persistence/sqlite"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

// Reader is the read side of the shard store.
type Reader interface {
	Get(ctx context.Context, archive shared.ArchiveID, kind shared.Kind, id shared.UUID) (sqlite.Record, error)
	List(ctx context.Context, archive shared.ArchiveID, kind shared.Kind) ([]sqlite.Record, error)
	ReadRoots(archive shared.ArchiveID) (sqlite.Roots, error)
	Version() shared.Version
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// Registry resolves custom achievement predicates. Nil uses the defaults.
	Registry *gradebook.PredicateRegistry

	// OnVersionMismatch is called at most once per session, for the first
	// record written by another version.
	OnVersionMismatch func(stored, runtime shared.Version)

	Logger *zap.Logger
}

type cacheKey struct {
	archive shared.ArchiveID
	kind    shared.Kind
	uuid    shared.UUID
}

// Session owns one load cache. Every (archive, kind, uuid) is materialised at
// most once per session, so shared references stay shared and cycles end at
// the cached placeholder. A Session is not safe for concurrent use.
type Session struct {
	store    Reader
	registry *gradebook.PredicateRegistry
	log      *zap.Logger

	onVersionMismatch func(stored, runtime shared.Version)
	mismatchReported  bool

	cache   map[cacheKey]gradebook.Entity
	dummies int
}

// NewSession creates a session with an empty cache.
func NewSession(store Reader, opts SessionOptions) *Session {
	reg := opts.Registry
	if reg == nil {
		reg = gradebook.DefaultPredicateRegistry()
	}
	return &Session{
		store:             store,
		registry:          reg,
		log:               logger.OrNop(opts.Logger).With(logger.Component("loader")),
		onVersionMismatch: opts.OnVersionMismatch,
		cache:             make(map[cacheKey]gradebook.Entity),
	}
}

// Reset clears the cache. The version warning stays reported.
func (s *Session) Reset() {
	s.cache = make(map[cacheKey]gradebook.Entity)
	s.dummies = 0
}

// Len returns the number of cached entities.
func (s *Session) Len() int {
	return len(s.cache)
}

// Dummies returns how many missing references were replaced by placeholders.
func (s *Session) Dummies() int {
	return s.dummies
}

// ══════════════════════════════════════════════════════════════════════════════
// LOADING
// ══════════════════════════════════════════════════════════════════════════════

// Load returns the live entity for a reference. A record that does not exist
// degrades to the kind's dummy and a warning.
func (s *Session) Load(ctx context.Context, archive shared.ArchiveID, kind shared.Kind, id shared.UUID) (gradebook.Entity, error) {
	return s.load(ctx, archive, kind, id, false)
}

// LoadRoot is Load for root lookups: a missing record is ErrNotFound.
func (s *Session) LoadRoot(ctx context.Context, archive shared.ArchiveID, kind shared.Kind, id shared.UUID) (gradebook.Entity, error) {
	return s.load(ctx, archive, kind, id, true)
}

func (s *Session) load(ctx context.Context, archive shared.ArchiveID, kind shared.Kind, id shared.UUID, strict bool) (gradebook.Entity, error) {
	key := cacheKey{archive: archive, kind: kind, uuid: id}
	if e, ok := s.cache[key]; ok {
		return e, nil
	}

	rec, err := s.store.Get(ctx, archive, kind, id)
	if shared.IsNotFound(err) {
		if strict {
			return nil, shared.WrapError("loader", "LoadRoot", shared.ErrNotFound,
				fmt.Sprintf("%s %s missing from %s", kind, id, archive), err)
		}
		return s.missing(key)
	}
	if err != nil {
		return nil, err
	}
	return s.materialize(ctx, archive, rec)
}

// missing caches and returns a dummy for a reference that has no record.
func (s *Session) missing(key cacheKey) (gradebook.Entity, error) {
	dummy, err := gradebook.NewDummy(key.kind, key.uuid, key.archive)
	if err != nil {
		return nil, err
	}
	s.log.Warn("referenced record missing, using placeholder",
		logger.ArchiveID(key.archive.String()), logger.Kind(key.kind.String()), logger.UUID(key.uuid.String()))
	s.cache[key] = dummy
	s.dummies++
	return dummy, nil
}

// materialize registers a placeholder for rec before resolving its references,
// then fills the placeholder in place.
func (s *Session) materialize(ctx context.Context, archive shared.ArchiveID, rec sqlite.Record) (gradebook.Entity, error) {
	key := cacheKey{archive: archive, kind: rec.Kind, uuid: rec.UUID}
	if e, ok := s.cache[key]; ok {
		return e, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.checkVersion(rec)

	placeholder, err := gradebook.NewDummy(rec.Kind, rec.UUID, archive)
	if err != nil {
		return nil, err
	}
	s.cache[key] = placeholder

	if err := s.fill(ctx, archive, placeholder, rec); err != nil {
		delete(s.cache, key)
		return nil, err
	}
	return placeholder, nil
}

func (s *Session) checkVersion(rec sqlite.Record) {
	runtime := s.store.Version()
	if s.mismatchReported || rec.Version == runtime {
		return
	}
	s.mismatchReported = true
	s.log.Warn("record written by another version",
		logger.Kind(rec.Kind.String()), logger.UUID(rec.UUID.String()),
		zap.Stringer("stored_version", rec.Version), zap.Stringer("runtime_version", runtime))
	if s.onVersionMismatch != nil {
		s.onVersionMismatch(rec.Version, runtime)
	}
}

// loadAs loads a reference and asserts its type. An empty id yields the zero value.
func loadAs[T gradebook.Entity](ctx context.Context, s *Session, archive shared.ArchiveID, kind shared.Kind, id shared.UUID) (T, error) {
	var zero T
	if id == "" {
		return zero, nil
	}
	e, err := s.Load(ctx, archive, kind, id)
	if err != nil {
		return zero, err
	}
	v, ok := e.(T)
	if !ok {
		return zero, shared.NewDomainError("loader", "Load", shared.ErrKindCollision,
			fmt.Sprintf("%s %s resolved to %T", kind, id, e))
	}
	return v, nil
}

// Student loads a student.
func (s *Session) Student(ctx context.Context, archive shared.ArchiveID, id shared.UUID) (*gradebook.Student, error) {
	return loadAs[*gradebook.Student](ctx, s, archive, shared.KindStudent, id)
}

// Class loads a class.
func (s *Session) Class(ctx context.Context, archive shared.ArchiveID, id shared.UUID) (*gradebook.Class, error) {
	return loadAs[*gradebook.Class](ctx, s, archive, shared.KindClass, id)
}

// LastReset resolves a student's previous-period snapshot. A student without
// one yields nil.
func (s *Session) LastReset(ctx context.Context, st *gradebook.Student) (*gradebook.Student, error) {
	if st.LastReset.IsZero() {
		return nil, nil
	}
	return s.Student(ctx, st.LastReset.Archive, st.LastReset.UUID)
}

// ══════════════════════════════════════════════════════════════════════════════
// GRAPHS
// ══════════════════════════════════════════════════════════════════════════════

// LoadGraph loads an archive's root set from its index files. ErrNotFound
// means the archive was never saved.
func (s *Session) LoadGraph(ctx context.Context, archive shared.ArchiveID) (*gradebook.Graph, error) {
	roots, err := s.store.ReadRoots(archive)
	if err != nil {
		return nil, err
	}
	g := gradebook.NewGraph(archive)
	if err := s.populate(ctx, g, roots.Classes, roots.DayRecords); err != nil {
		return nil, err
	}
	return g, nil
}

// History loads the history stored in its own archive and validates it.
func (s *Session) History(ctx context.Context, archive shared.ArchiveID) (*gradebook.History, error) {
	e, err := s.LoadRoot(ctx, archive, shared.KindHistory, shared.UUID(archive))
	if err != nil {
		if shared.IsNotFound(err) {
			return nil, shared.WrapError("loader", "History", shared.ErrNotFound,
				fmt.Sprintf("history %s", archive), shared.ErrHistoryNotFound)
		}
		return nil, err
	}
	h, ok := e.(*gradebook.History)
	if !ok {
		return nil, shared.NewDomainError("loader", "History", shared.ErrKindCollision,
			fmt.Sprintf("history %s resolved to %T", archive, e))
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// populate fills g with every template of its archive plus the given roots.
func (s *Session) populate(ctx context.Context, g *gradebook.Graph, classes map[string]shared.UUID, days []shared.UUID) error {
	archive := g.Archive

	scoreTpls, err := s.store.List(ctx, archive, shared.KindScoreTemplate)
	if err != nil {
		return err
	}
	for _, rec := range scoreTpls {
		e, err := s.materialize(ctx, archive, rec)
		if err != nil {
			return err
		}
		if err := g.ScoreTemplates.Add(e.(*gradebook.ScoreTemplate), true); err != nil {
			s.log.Warn("skipping score template", logger.UUID(rec.UUID.String()), zap.Error(err))
		}
	}

	achieveTpls, err := s.store.List(ctx, archive, shared.KindAchievementTemplate)
	if err != nil {
		return err
	}
	for _, rec := range achieveTpls {
		e, err := s.materialize(ctx, archive, rec)
		if err != nil {
			return err
		}
		if err := g.AchievementTemplates.Add(e.(*gradebook.AchievementTemplate), true); err != nil {
			s.log.Warn("skipping achievement template", logger.UUID(rec.UUID.String()), zap.Error(err))
		}
	}

	keys := make([]string, 0, len(classes))
	for k := range classes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e, err := s.LoadRoot(ctx, archive, shared.KindClass, classes[k])
		if err != nil {
			return err
		}
		if err := g.AddClass(e.(*gradebook.Class)); err != nil {
			return err
		}
	}

	for _, id := range days {
		e, err := s.LoadRoot(ctx, archive, shared.KindDayRecord, id)
		if err != nil {
			return err
		}
		g.AppendDayRecord(e.(*gradebook.DayRecord))
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// FILLING
// ══════════════════════════════════════════════════════════════════════════════

// fill decodes rec into the placeholder and resolves its references.
func (s *Session) fill(ctx context.Context, archive shared.ArchiveID, e gradebook.Entity, rec sqlite.Record) error {
	switch v := e.(type) {
	case *gradebook.Student:
		return s.fillStudent(ctx, archive, v, rec)
	case *gradebook.Group:
		var doc groupDoc
		if err := decodeDoc(rec, &doc); err != nil {
			return err
		}
		v.Key, v.Name, v.BelongsTo = doc.Key, doc.Name, doc.BelongsTo
		v.LeaderID = doc.Leader
		v.MemberIDs = doc.Members
		return nil
	case *gradebook.Class:
		return s.fillClass(ctx, archive, v, rec)
	case *gradebook.ScoreTemplate:
		var doc scoreTemplateDoc
		if err := decodeDoc(rec, &doc); err != nil {
			return err
		}
		v.Key, v.Delta, v.Title, v.Description = doc.Key, doc.Delta, doc.Title, doc.Description
		v.CantReplace, v.Visible = doc.CantReplace, doc.Visible
		return nil
	case *gradebook.ScoreModification:
		return s.fillModification(ctx, archive, v, rec)
	case *gradebook.AchievementTemplate:
		var doc achievementTemplateDoc
		if err := decodeDoc(rec, &doc); err != nil {
			return err
		}
		v.Key, v.Name, v.Description, v.Trigger = doc.Key, doc.Name, doc.Description, doc.Trigger
		preds := make([]gradebook.Predicate, 0, len(doc.Predicates))
		for _, p := range doc.Predicates {
			preds = append(preds, gradebook.DecodePredicate(p, s.registry))
		}
		v.SetPredicates(preds)
		return nil
	case *gradebook.Achievement:
		var doc achievementDoc
		if err := decodeDoc(rec, &doc); err != nil {
			return err
		}
		tpl, err := loadAs[*gradebook.AchievementTemplate](ctx, s, archive, shared.KindAchievementTemplate, doc.Template)
		if err != nil {
			return err
		}
		st, err := s.Student(ctx, archive, doc.Student)
		if err != nil {
			return err
		}
		v.Template, v.Student, v.GrantedAt = tpl, st, doc.GrantedAt
		return nil
	case *gradebook.AttendanceInfo:
		var doc attendanceDoc
		if err := decodeDoc(rec, &doc); err != nil {
			return err
		}
		for _, cat := range gradebook.AttendanceCategories {
			for _, id := range doc.Buckets[cat] {
				_ = v.Mark(id, cat)
			}
		}
		for cat := range doc.Buckets {
			if !cat.IsValid() {
				s.log.Warn("dropping unknown attendance category", logger.UUID(rec.UUID.String()), zap.String("category", string(cat)))
			}
		}
		return nil
	case *gradebook.DayRecord:
		var doc dayRecordDoc
		if err := decodeDoc(rec, &doc); err != nil {
			return err
		}
		cls, err := s.Class(ctx, archive, doc.Class)
		if err != nil {
			return err
		}
		att, err := loadAs[*gradebook.AttendanceInfo](ctx, s, archive, shared.KindAttendance, doc.Attendance)
		if err != nil {
			return err
		}
		v.Class, v.Weekday, v.Attendance, v.CreatedAt = cls, doc.Weekday, att, doc.CreatedAt
		return nil
	case *gradebook.History:
		var doc historyDoc
		if err := decodeDoc(rec, &doc); err != nil {
			return err
		}
		v.CreatedAt = doc.CreatedAt
		v.Graph = gradebook.NewGraph(archive)
		return s.populate(ctx, v.Graph, doc.Classes, doc.DayRecords)
	default:
		return shared.NewDomainError("loader", "Fill", shared.ErrInvalidInput, fmt.Sprintf("unsupported entity %T", e))
	}
}

func (s *Session) fillStudent(ctx context.Context, archive shared.ArchiveID, v *gradebook.Student, rec sqlite.Record) error {
	var doc studentDoc
	if err := decodeDoc(rec, &doc); err != nil {
		return err
	}
	v.Name, v.Number, v.BelongsTo, v.LastReset = doc.Name, doc.Number, doc.BelongsTo, doc.LastReset
	v.RestoreStats(gradebook.ScoreStats{
		Score: doc.Stats.Score, Total: doc.Stats.Total, Base: doc.Stats.Base,
		Highest: doc.Stats.Highest, Lowest: doc.Stats.Lowest,
		HighestAt: doc.Stats.HighestAt, LowestAt: doc.Stats.LowestAt,
	})

	for _, ref := range doc.History {
		m, err := loadAs[*gradebook.ScoreModification](ctx, s, archive, shared.KindScoreModification, ref.UUID)
		if err != nil {
			return err
		}
		v.RestoreHistory(ref.At, m)
	}
	for _, ref := range doc.Achievements {
		a, err := loadAs[*gradebook.Achievement](ctx, s, archive, shared.KindAchievement, ref.UUID)
		if err != nil {
			return err
		}
		v.RestoreAchievement(ref.At, a)
	}
	return nil
}

func (s *Session) fillClass(ctx context.Context, archive shared.ArchiveID, v *gradebook.Class, rec sqlite.Record) error {
	var doc classDoc
	if err := decodeDoc(rec, &doc); err != nil {
		return err
	}
	v.Key, v.Name, v.Owner = doc.Key, doc.Name, doc.Owner

	numbers := make([]int, 0, len(doc.Students))
	for n := range doc.Students {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		st, err := s.Student(ctx, archive, doc.Students[n])
		if err != nil {
			return err
		}
		st.Number = n
		if err := v.AddStudent(st); err != nil {
			return err
		}
	}

	groupKeys := make([]string, 0, len(doc.Groups))
	for k := range doc.Groups {
		groupKeys = append(groupKeys, k)
	}
	sort.Strings(groupKeys)
	for _, k := range groupKeys {
		g, err := loadAs[*gradebook.Group](ctx, s, archive, shared.KindGroup, doc.Groups[k])
		if err != nil {
			return err
		}
		g.Key = k
		v.RestoreGroup(g)
	}

	for _, rule := range doc.HomeworkRules {
		v.SetHomeworkRule(rule)
	}
	for day, ids := range doc.CleaningDuty {
		v.SetCleaningDuty(day, ids)
	}

	if doc.Attendance != "" {
		att, err := loadAs[*gradebook.AttendanceInfo](ctx, s, archive, shared.KindAttendance, doc.Attendance)
		if err != nil {
			return err
		}
		v.SwapAttendance(att)
	}
	return nil
}

func (s *Session) fillModification(ctx context.Context, archive shared.ArchiveID, v *gradebook.ScoreModification, rec sqlite.Record) error {
	var doc modificationDoc
	if err := decodeDoc(rec, &doc); err != nil {
		return err
	}
	tpl, err := loadAs[*gradebook.ScoreTemplate](ctx, s, archive, shared.KindScoreTemplate, doc.Template)
	if err != nil {
		return err
	}
	target, err := s.Student(ctx, archive, doc.Target)
	if err != nil {
		return err
	}

	v.Template = tpl
	v.Target = target
	v.Override = gradebook.Override{
		Title:       doc.Override.Title,
		Description: doc.Override.Description,
		Delta:       doc.Override.Delta,
	}
	v.CreatedAt = doc.CreatedAt
	v.RestoreState(doc.Executed, doc.ExecutedAt, doc.Discarded)
	return nil
}
