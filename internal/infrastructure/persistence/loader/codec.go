// Package loader turns stored records into live gradebook objects and back.
//
// Stored records are detached: every cross reference is a UUID. A Session
// resolves references lazily through its own cache; a Saver walks a live
// graph and writes every reachable entity.
package loader

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/gradebook"
	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
	"github.com/scorekeeper/scorekeeper-core/internal/infrastructure/persistence/sqlite"
)

// ══════════════════════════════════════════════════════════════════════════════
// DETACHED RECORDS
// ══════════════════════════════════════════════════════════════════════════════

type logRef struct {
	At   time.Time   `json:"at"`
	UUID shared.UUID `json:"uuid"`
}

type statsDoc struct {
	Score     int64     `json:"score"`
	Total     int64     `json:"total"`
	Base      int64     `json:"base"`
	Highest   int64     `json:"highest"`
	Lowest    int64     `json:"lowest"`
	HighestAt time.Time `json:"highest_at"`
	LowestAt  time.Time `json:"lowest_at"`
}

type studentDoc struct {
	Name         string     `json:"name"`
	Number       int        `json:"number"`
	BelongsTo    string     `json:"belongs_to"`
	LastReset    shared.Ref `json:"last_reset"`
	Stats        statsDoc   `json:"stats"`
	History      []logRef   `json:"history"`
	Achievements []logRef   `json:"achievements"`
}

type groupDoc struct {
	Key       string        `json:"key"`
	Name      string        `json:"name"`
	Leader    shared.UUID   `json:"leader"`
	Members   []shared.UUID `json:"members"`
	BelongsTo string        `json:"belongs_to"`
}

type classDoc struct {
	Key           string                         `json:"key"`
	Name          string                         `json:"name"`
	Owner         string                         `json:"owner"`
	Students      map[int]shared.UUID            `json:"students"`
	Groups        map[string]shared.UUID         `json:"groups"`
	HomeworkRules []gradebook.HomeworkRule       `json:"homework_rules"`
	CleaningDuty  map[time.Weekday][]shared.UUID `json:"cleaning_duty"`
	Attendance    shared.UUID                    `json:"attendance"`
}

type scoreTemplateDoc struct {
	Key         string `json:"key"`
	Delta       int64  `json:"delta"`
	Title       string `json:"title"`
	Description string `json:"description"`
	CantReplace bool   `json:"cant_replace"`
	Visible     bool   `json:"visible"`
}

type overrideDoc struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Delta       *int64  `json:"delta,omitempty"`
}

type modificationDoc struct {
	Template   shared.UUID `json:"template"`
	Target     shared.UUID `json:"target"`
	Override   overrideDoc `json:"override"`
	Executed   bool        `json:"executed"`
	Discarded  bool        `json:"discarded"`
	CreatedAt  time.Time   `json:"created_at"`
	ExecutedAt time.Time   `json:"executed_at"`
}

type achievementTemplateDoc struct {
	Key         string                      `json:"key"`
	Name        string                      `json:"name"`
	Description string                      `json:"description"`
	Trigger     gradebook.Trigger           `json:"trigger"`
	Predicates  []gradebook.PredicateRecord `json:"predicates"`
}

type achievementDoc struct {
	Template  shared.UUID `json:"template"`
	Student   shared.UUID `json:"student"`
	GrantedAt time.Time   `json:"granted_at"`
}

type attendanceDoc struct {
	Buckets map[gradebook.AttendanceCategory][]shared.UUID `json:"buckets"`
}

type dayRecordDoc struct {
	Class      shared.UUID  `json:"class"`
	Weekday    time.Weekday `json:"weekday"`
	Attendance shared.UUID  `json:"attendance"`
	CreatedAt  time.Time    `json:"created_at"`
}

type historyDoc struct {
	CreatedAt  time.Time              `json:"created_at"`
	Classes    map[string]shared.UUID `json:"classes"`
	DayRecords []shared.UUID          `json:"day_records"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ENCODING
// ══════════════════════════════════════════════════════════════════════════════

// Encode detaches an entity into a store record stamped with version.
func Encode(e gradebook.Entity, version shared.Version) (sqlite.Record, error) {
	doc, err := detach(e)
	if err != nil {
		return sqlite.Record{}, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return sqlite.Record{}, shared.WrapError("loader", "Encode", shared.ErrStorage,
			fmt.Sprintf("encode %s %s", e.Kind(), e.ID()), err)
	}
	return sqlite.Record{UUID: e.ID(), Kind: e.Kind(), Version: version, Data: raw}, nil
}

func detach(e gradebook.Entity) (any, error) {
	switch v := e.(type) {
	case *gradebook.Student:
		stats := v.Stats()
		doc := studentDoc{
			Name:      v.Name,
			Number:    v.Number,
			BelongsTo: v.BelongsTo,
			LastReset: v.LastReset,
			Stats: statsDoc{
				Score: stats.Score, Total: stats.Total, Base: stats.Base,
				Highest: stats.Highest, Lowest: stats.Lowest,
				HighestAt: stats.HighestAt, LowestAt: stats.LowestAt,
			},
			History:      []logRef{},
			Achievements: []logRef{},
		}
		for _, entry := range v.History() {
			doc.History = append(doc.History, logRef{At: entry.At, UUID: entry.Value.UUID})
		}
		for _, entry := range v.Achievements() {
			doc.Achievements = append(doc.Achievements, logRef{At: entry.At, UUID: entry.Value.UUID})
		}
		return doc, nil

	case *gradebook.Group:
		return groupDoc{
			Key:       v.Key,
			Name:      v.Name,
			Leader:    v.LeaderID,
			Members:   append([]shared.UUID{}, v.MemberIDs...),
			BelongsTo: v.BelongsTo,
		}, nil

	case *gradebook.Class:
		doc := classDoc{
			Key:           v.Key,
			Name:          v.Name,
			Owner:         v.Owner,
			Students:      make(map[int]shared.UUID),
			Groups:        make(map[string]shared.UUID),
			HomeworkRules: v.HomeworkRules(),
			CleaningDuty:  make(map[time.Weekday][]shared.UUID),
		}
		for _, s := range v.Students() {
			doc.Students[s.Number] = s.UUID
		}
		for _, g := range v.Groups() {
			doc.Groups[g.Key] = g.UUID
		}
		for day := time.Sunday; day <= time.Saturday; day++ {
			if ids := v.CleaningDuty(day); len(ids) > 0 {
				doc.CleaningDuty[day] = ids
			}
		}
		if att := v.Attendance(); att != nil {
			doc.Attendance = att.UUID
		}
		return doc, nil

	case *gradebook.ScoreTemplate:
		return scoreTemplateDoc{
			Key:         v.Key,
			Delta:       v.Delta,
			Title:       v.Title,
			Description: v.Description,
			CantReplace: v.CantReplace,
			Visible:     v.Visible,
		}, nil

	case *gradebook.ScoreModification:
		doc := modificationDoc{
			Override: overrideDoc{
				Title:       v.Override.Title,
				Description: v.Override.Description,
				Delta:       v.Override.Delta,
			},
			Executed:   v.Executed,
			Discarded:  v.Discarded(),
			CreatedAt:  v.CreatedAt,
			ExecutedAt: v.ExecutedAt,
		}
		if v.Template != nil {
			doc.Template = v.Template.UUID
		}
		if v.Target != nil {
			doc.Target = v.Target.UUID
		}
		return doc, nil

	case *gradebook.AchievementTemplate:
		doc := achievementTemplateDoc{
			Key:         v.Key,
			Name:        v.Name,
			Description: v.Description,
			Trigger:     v.Trigger,
			Predicates:  []gradebook.PredicateRecord{},
		}
		for _, p := range v.Predicates() {
			doc.Predicates = append(doc.Predicates, gradebook.EncodePredicate(p))
		}
		return doc, nil

	case *gradebook.Achievement:
		doc := achievementDoc{GrantedAt: v.GrantedAt}
		if v.Template != nil {
			doc.Template = v.Template.UUID
		}
		if v.Student != nil {
			doc.Student = v.Student.UUID
		}
		return doc, nil

	case *gradebook.AttendanceInfo:
		return attendanceDoc{Buckets: v.Buckets()}, nil

	case *gradebook.DayRecord:
		doc := dayRecordDoc{Weekday: v.Weekday, CreatedAt: v.CreatedAt}
		if v.Class != nil {
			doc.Class = v.Class.UUID
		}
		if v.Attendance != nil {
			doc.Attendance = v.Attendance.UUID
		}
		return doc, nil

	case *gradebook.History:
		doc := historyDoc{CreatedAt: v.CreatedAt, Classes: make(map[string]shared.UUID), DayRecords: []shared.UUID{}}
		for _, c := range v.Classes() {
			doc.Classes[c.Key] = c.UUID
		}
		for _, d := range v.DayRecords() {
			doc.DayRecords = append(doc.DayRecords, d.UUID)
		}
		return doc, nil

	default:
		return nil, shared.NewDomainError("loader", "Encode", shared.ErrInvalidInput,
			fmt.Sprintf("unsupported entity %T", e))
	}
}

func decodeDoc(rec sqlite.Record, doc any) error {
	if err := json.Unmarshal(rec.Data, doc); err != nil {
		return shared.WrapError("loader", "Decode", shared.ErrStorage,
			fmt.Sprintf("decode %s %s", rec.Kind, rec.UUID), err)
	}
	return nil
}
