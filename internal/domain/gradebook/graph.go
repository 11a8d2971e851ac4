package gradebook

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GRAPH
// ══════════════════════════════════════════════════════════════════════════════

// Graph is the root set of one archive: classes, day records and templates.
// Everything else is reachable from these.
type Graph struct {
	Archive shared.ArchiveID

	ScoreTemplates       *TemplateSet[*ScoreTemplate]
	AchievementTemplates *TemplateSet[*AchievementTemplate]

	mu         sync.RWMutex
	classes    map[string]*Class
	dayRecords []*DayRecord
}

// NewGraph creates an empty graph for an archive.
func NewGraph(archive shared.ArchiveID) *Graph {
	return &Graph{
		Archive:              archive,
		ScoreTemplates:       NewTemplateSet[*ScoreTemplate](),
		AchievementTemplates: NewTemplateSet[*AchievementTemplate](),
		classes:              make(map[string]*Class),
	}
}

// AddClass inserts a class under its key.
func (g *Graph) AddClass(c *Class) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.classes[c.Key]; exists {
		return shared.NewDomainError("gradebook", "AddClass", shared.ErrAlreadyExists,
			fmt.Sprintf("class %q already exists", c.Key))
	}
	g.classes[c.Key] = c
	return nil
}

// RemoveClass removes a class by key.
func (g *Graph) RemoveClass(key string) (*Class, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.classes[key]
	if !ok {
		return nil, shared.WrapError("gradebook", "RemoveClass", shared.ErrNotFound,
			fmt.Sprintf("class %q", key), shared.ErrClassNotFound)
	}
	delete(g.classes, key)
	return c, nil
}

// Class returns the class with the key.
func (g *Graph) Class(key string) (*Class, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.classes[key]
	return c, ok
}

// Classes returns classes ordered by key.
func (g *Graph) Classes() []*Class {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Class, 0, len(g.classes))
	for _, c := range g.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AppendDayRecord adds a record at the end of the day list.
func (g *Graph) AppendDayRecord(d *DayRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dayRecords = append(g.dayRecords, d)
}

// DayRecords returns the records in creation order.
func (g *Graph) DayRecords() []*DayRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*DayRecord(nil), g.dayRecords...)
}

// LastDayRecord returns the newest record of a class.
func (g *Graph) LastDayRecord(classKey string) (*DayRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for i := len(g.dayRecords) - 1; i >= 0; i-- {
		d := g.dayRecords[i]
		if d.Class != nil && d.Class.Key == classKey {
			return d, true
		}
	}
	return nil, false
}

// FindStudent searches every class for the uuid.
func (g *Graph) FindStudent(id shared.UUID) (*Student, bool) {
	for _, c := range g.Classes() {
		if s, ok := c.StudentByUUID(id); ok {
			return s, true
		}
	}
	return nil, false
}

// ══════════════════════════════════════════════════════════════════════════════
// HISTORY
// ══════════════════════════════════════════════════════════════════════════════

// History is an immutable frozen copy of a graph. Its uuid doubles as the
// archive id of every entity inside it.
type History struct {
	Meta

	Graph     *Graph
	CreatedAt time.Time
}

// Kind implements Entity.
func (h *History) Kind() shared.Kind { return shared.KindHistory }

// Classes returns the frozen classes.
func (h *History) Classes() []*Class {
	if h.Graph == nil {
		return nil
	}
	return h.Graph.Classes()
}

// DayRecords returns the frozen day records.
func (h *History) DayRecords() []*DayRecord {
	if h.Graph == nil {
		return nil
	}
	return h.Graph.DayRecords()
}

// Validate checks uuid == archive id.
func (h *History) Validate() error {
	if shared.ArchiveOf(h.UUID) != h.Archive {
		return shared.NewDomainError("history", "Validate", shared.ErrInvalidState,
			fmt.Sprintf("history uuid %s does not match archive %s", h.UUID, h.Archive))
	}
	if h.Graph != nil && h.Graph.Archive != h.Archive {
		return shared.NewDomainError("history", "Validate", shared.ErrInvalidState,
			fmt.Sprintf("history graph archive %s does not match %s", h.Graph.Archive, h.Archive))
	}
	return nil
}
