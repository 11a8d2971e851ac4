package loader

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/persistence/sqlite"
	"github.com/scorekeeper/scorekeeper-core/pkg/logger"
)

// Writer is the write side of the shard store.
type Writer interface {
	PutBatch(ctx context.Context, archive shared.ArchiveID, recs []sqlite.Record) error
	Prune(ctx context.Context, archive shared.ArchiveID, kind shared.Kind, keep func(shared.UUID) bool) (int, error)
	WriteRoots(archive shared.ArchiveID, roots sqlite.Roots) error
	ReadInfo(archive shared.ArchiveID) (sqlite.Info, error)
	WriteInfo(archive shared.ArchiveID, info sqlite.Info) error
	Checksum(ctx context.Context, archive shared.ArchiveID) (string, int, error)
	Version() shared.Version
}

// SaveResult summarises one save.
type SaveResult struct {
	Archive  shared.ArchiveID
	Objects  int
	Pruned   int
	Checksum string
}

// Saver writes every entity reachable from a graph into its archive.
type Saver struct {
	store Writer
	log   *zap.Logger
	now   func() time.Time
}

// NewSaver creates a saver.
func NewSaver(store Writer, log *zap.Logger) *Saver {
	return &Saver{
		store: store,
		log:   logger.OrNop(log).With(logger.Component("saver")),
		now:   time.Now,
	}
}

// Save writes the graph into g.Archive. Records no longer reachable from the
// graph are removed, so saving an unchanged graph twice leaves the same rows.
// Each kind file commits on its own; a failure can leave earlier kinds written.
func (s *Saver) Save(ctx context.Context, g *gradebook.Graph) (SaveResult, error) {
	return s.save(ctx, g.Archive, Collect(g), rootsOf(g), time.Time{})
}

// SaveHistory writes a frozen history and its graph into the history's archive.
func (s *Saver) SaveHistory(ctx context.Context, h *gradebook.History) (SaveResult, error) {
	if err := h.Validate(); err != nil {
		return SaveResult{}, err
	}
	entities := append(Collect(h.Graph), h)
	return s.save(ctx, h.Archive, entities, rootsOf(h.Graph), h.CreatedAt)
}

func (s *Saver) save(ctx context.Context, archive shared.ArchiveID, entities []gradebook.Entity, roots sqlite.Roots, createdAt time.Time) (SaveResult, error) {
	start := time.Now()
	version := s.store.Version()

	recs := make([]sqlite.Record, 0, len(entities))
	keep := make(map[shared.Kind]map[shared.UUID]struct{})
	for _, e := range entities {
		rec, err := Encode(e, version)
		if err != nil {
			return SaveResult{}, err
		}
		recs = append(recs, rec)
		if keep[rec.Kind] == nil {
			keep[rec.Kind] = make(map[shared.UUID]struct{})
		}
		keep[rec.Kind][rec.UUID] = struct{}{}
	}

	if err := s.store.PutBatch(ctx, archive, recs); err != nil {
		return SaveResult{}, err
	}

	pruned := 0
	for _, kind := range shared.AllKinds {
		ids := keep[kind]
		n, err := s.store.Prune(ctx, archive, kind, func(id shared.UUID) bool {
			_, ok := ids[id]
			return ok
		})
		if err != nil {
			return SaveResult{}, err
		}
		pruned += n
	}

	if err := s.store.WriteRoots(archive, roots); err != nil {
		return SaveResult{}, err
	}

	checksum, count, err := s.store.Checksum(ctx, archive)
	if err != nil {
		return SaveResult{}, err
	}

	now := s.now().UTC()
	info := sqlite.Info{CreatedAt: createdAt, SavedAt: now, Version: version, ObjectCount: count, Checksum: checksum}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
		if prev, err := s.store.ReadInfo(archive); err == nil {
			info.CreatedAt = prev.CreatedAt
		}
	}
	if err := s.store.WriteInfo(archive, info); err != nil {
		return SaveResult{}, err
	}

	s.log.Debug("archive saved",
		logger.ArchiveID(archive.String()), logger.ObjectCount(count),
		zap.Int("pruned", pruned), logger.Latency(time.Since(start)))

	return SaveResult{Archive: archive, Objects: count, Pruned: pruned, Checksum: checksum}, nil
}

func rootsOf(g *gradebook.Graph) sqlite.Roots {
	roots := sqlite.Roots{Classes: make(map[string]shared.UUID)}
	for _, c := range g.Classes() {
		roots.Classes[c.Key] = c.UUID
	}
	for _, d := range g.DayRecords() {
		roots.DayRecords = append(roots.DayRecords, d.UUID)
	}
	return roots
}

// ══════════════════════════════════════════════════════════════════════════════
// GRAPH WALK
// ══════════════════════════════════════════════════════════════════════════════

type collector struct {
	seen map[shared.UUID]struct{}
	out  []gradebook.Entity
}

func (c *collector) add(e gradebook.Entity) bool {
	if _, ok := c.seen[e.ID()]; ok {
		return false
	}
	c.seen[e.ID()] = struct{}{}
	c.out = append(c.out, e)
	return true
}

// Collect returns every entity reachable from the graph, each once, in a
// deterministic order.
func Collect(g *gradebook.Graph) []gradebook.Entity {
	c := &collector{seen: make(map[shared.UUID]struct{})}

	for _, t := range g.ScoreTemplates.All() {
		c.add(t)
	}
	for _, t := range g.AchievementTemplates.All() {
		c.add(t)
	}
	for _, cls := range g.Classes() {
		c.class(cls)
	}
	for _, d := range g.DayRecords() {
		if !c.add(d) {
			continue
		}
		if d.Class != nil {
			c.class(d.Class)
		}
		if d.Attendance != nil {
			c.add(d.Attendance)
		}
	}
	return c.out
}

func (c *collector) class(cls *gradebook.Class) {
	if !c.add(cls) {
		return
	}
	if att := cls.Attendance(); att != nil {
		c.add(att)
	}
	for _, st := range cls.Students() {
		c.student(st)
	}
	for _, g := range cls.Groups() {
		c.add(g)
	}
}

func (c *collector) student(st *gradebook.Student) {
	if !c.add(st) {
		return
	}
	for _, e := range st.History() {
		m := e.Value
		if !c.add(m) {
			continue
		}
		if m.Template != nil {
			c.add(m.Template)
		}
	}
	for _, e := range st.Achievements() {
		a := e.Value
		if !c.add(a) {
			continue
		}
		if a.Template != nil {
			c.add(a.Template)
		}
	}
}
