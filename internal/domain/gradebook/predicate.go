package gradebook

import (
	"fmt"
	"sort"
	"sync"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// READ-ONLY VIEW
// ══════════════════════════════════════════════════════════════════════════════

// Classmate is a read-only summary of another student in the same class.
type Classmate struct {
	UUID   shared.UUID
	Name   string
	Number int
	Score  int64
}

// View is the read-only picture of one student that predicates evaluate.
type View struct {
	UUID     shared.UUID
	Name     string
	Number   int
	ClassKey string
	Stats    ScoreStats

	// Rank is the tie-aware place of the student in its class (1 = first).
	Rank int

	// Counts holds executed modifications per score template key.
	Counts map[string]int

	// HadReset is set when the student has a frozen previous period.
	HadReset bool

	Classmates []Classmate
}

// ══════════════════════════════════════════════════════════════════════════════
// RANGE
// ══════════════════════════════════════════════════════════════════════════════

// Range is an inclusive interval; a nil bound is open.
type Range struct {
	Min *int64 `json:"min,omitempty"`
	Max *int64 `json:"max,omitempty"`
}

// AtLeast returns [n, +inf).
func AtLeast(n int64) Range { return Range{Min: &n} }

// AtMost returns (-inf, n].
func AtMost(n int64) Range { return Range{Max: &n} }

// Between returns [lo, hi].
func Between(lo, hi int64) Range { return Range{Min: &lo, Max: &hi} }

// Exactly returns [n, n].
func Exactly(n int64) Range { return Between(n, n) }

// Contains reports whether x is inside the range.
func (r Range) Contains(x int64) bool {
	if r.Min != nil && x < *r.Min {
		return false
	}
	if r.Max != nil && x > *r.Max {
		return false
	}
	return true
}

// ══════════════════════════════════════════════════════════════════════════════
// PREDICATES
// ══════════════════════════════════════════════════════════════════════════════

// PredicateType tags a predicate variant.
type PredicateType string

const (
	PredicateNameIn      PredicateType = "name_in"
	PredicateNameNotIn   PredicateType = "name_not_in"
	PredicateNumberIn    PredicateType = "number_in"
	PredicateNumberNotIn PredicateType = "number_not_in"
	PredicateScore       PredicateType = "score"
	PredicateRank        PredicateType = "rank"
	PredicateHighest     PredicateType = "highest"
	PredicateLowest      PredicateType = "lowest"
	PredicateOccurrence  PredicateType = "occurrence"
	PredicateCustom      PredicateType = "custom"
	PredicateUnknown     PredicateType = "unknown"
)

// stage orders evaluation: identity filters first, closures last.
func (t PredicateType) stage() int {
	switch t {
	case PredicateNameIn, PredicateNameNotIn, PredicateNumberIn, PredicateNumberNotIn:
		return 0
	case PredicateScore:
		return 1
	case PredicateRank:
		return 2
	case PredicateHighest, PredicateLowest:
		return 3
	case PredicateOccurrence:
		return 4
	default:
		return 5
	}
}

// Predicate is one clause of an achievement condition.
type Predicate interface {
	Type() PredicateType
	Eval(v *View) (bool, error)
}

// NameSet matches (or excludes) students by name.
type NameSet struct {
	Names  []string
	Negate bool
}

func (p NameSet) Type() PredicateType {
	if p.Negate {
		return PredicateNameNotIn
	}
	return PredicateNameIn
}

func (p NameSet) Eval(v *View) (bool, error) {
	found := false
	for _, n := range p.Names {
		if n == v.Name {
			found = true
			break
		}
	}
	return found != p.Negate, nil
}

// NumberSet matches (or excludes) students by roll number.
type NumberSet struct {
	Numbers []int
	Negate  bool
}

func (p NumberSet) Type() PredicateType {
	if p.Negate {
		return PredicateNumberNotIn
	}
	return PredicateNumberIn
}

func (p NumberSet) Eval(v *View) (bool, error) {
	found := false
	for _, n := range p.Numbers {
		if n == v.Number {
			found = true
			break
		}
	}
	return found != p.Negate, nil
}

// Field selects the statistic a FieldRange checks.
type Field string

const (
	FieldScore   Field = "score"
	FieldRank    Field = "rank"
	FieldHighest Field = "highest"
	FieldLowest  Field = "lowest"
)

// FieldRange checks that a statistic lies in a range.
type FieldRange struct {
	Field Field
	Range Range
}

func (p FieldRange) Type() PredicateType {
	return PredicateType(p.Field)
}

func (p FieldRange) Eval(v *View) (bool, error) {
	switch p.Field {
	case FieldScore:
		return p.Range.Contains(v.Stats.Score), nil
	case FieldRank:
		return p.Range.Contains(int64(v.Rank)), nil
	case FieldHighest:
		return p.Range.Contains(v.Stats.Highest), nil
	case FieldLowest:
		return p.Range.Contains(v.Stats.Lowest), nil
	default:
		return false, shared.NewDomainError("predicate", "Eval", shared.ErrPredicate,
			fmt.Sprintf("unknown field %q", p.Field))
	}
}

// OccurrenceRange counts executed records of one score template.
type OccurrenceRange struct {
	TemplateKey string
	Range       Range
}

func (p OccurrenceRange) Type() PredicateType { return PredicateOccurrence }

func (p OccurrenceRange) Eval(v *View) (bool, error) {
	return p.Range.Contains(int64(v.Counts[p.TemplateKey])), nil
}

// CustomFunc is an opaque boolean check over the read-only view.
type CustomFunc func(v *View) (bool, error)

// Custom is a named closure resolved through a PredicateRegistry.
type Custom struct {
	Name string
	Fn   CustomFunc
}

func (p Custom) Type() PredicateType { return PredicateCustom }

func (p Custom) Eval(v *View) (bool, error) {
	if p.Fn == nil {
		return false, shared.NewDomainError("predicate", "Eval", shared.ErrPredicate,
			fmt.Sprintf("custom predicate %q has no function", p.Name))
	}
	return p.Fn(v)
}

// Unknown stands in for a stored predicate this build cannot resolve.
// It always fails.
type Unknown struct {
	Name string
}

func (p Unknown) Type() PredicateType { return PredicateUnknown }

func (p Unknown) Eval(*View) (bool, error) {
	return false, shared.NewDomainError("predicate", "Eval", shared.ErrPredicate,
		fmt.Sprintf("unknown predicate %q", p.Name))
}

// EvalAll evaluates a conjunction in stage order, stopping at the first false.
func EvalAll(preds []Predicate, v *View) (bool, error) {
	ordered := make([]Predicate, len(preds))
	copy(ordered, preds)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Type().stage() < ordered[j].Type().stage()
	})

	for _, p := range ordered {
		ok, err := p.Eval(v)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ENCODING
// ══════════════════════════════════════════════════════════════════════════════

// PredicateRecord is the serialised form of a predicate.
type PredicateRecord struct {
	Type        PredicateType `json:"type"`
	Names       []string      `json:"names,omitempty"`
	Numbers     []int         `json:"numbers,omitempty"`
	Range       *Range        `json:"range,omitempty"`
	TemplateKey string        `json:"template_key,omitempty"`
	Name        string        `json:"name,omitempty"`
}

// EncodePredicate converts a predicate into its record.
func EncodePredicate(p Predicate) PredicateRecord {
	switch pp := p.(type) {
	case NameSet:
		return PredicateRecord{Type: pp.Type(), Names: pp.Names}
	case NumberSet:
		return PredicateRecord{Type: pp.Type(), Numbers: pp.Numbers}
	case FieldRange:
		r := pp.Range
		return PredicateRecord{Type: pp.Type(), Range: &r}
	case OccurrenceRange:
		r := pp.Range
		return PredicateRecord{Type: PredicateOccurrence, TemplateKey: pp.TemplateKey, Range: &r}
	case Custom:
		return PredicateRecord{Type: PredicateCustom, Name: pp.Name}
	case Unknown:
		return PredicateRecord{Type: PredicateUnknown, Name: pp.Name}
	default:
		return PredicateRecord{Type: PredicateUnknown, Name: fmt.Sprintf("%T", p)}
	}
}

// DecodePredicate rebuilds a predicate. Custom names missing from the
// registry decode to Unknown.
func DecodePredicate(rec PredicateRecord, reg *PredicateRegistry) Predicate {
	rng := Range{}
	if rec.Range != nil {
		rng = *rec.Range
	}
	switch rec.Type {
	case PredicateNameIn, PredicateNameNotIn:
		return NameSet{Names: rec.Names, Negate: rec.Type == PredicateNameNotIn}
	case PredicateNumberIn, PredicateNumberNotIn:
		return NumberSet{Numbers: rec.Numbers, Negate: rec.Type == PredicateNumberNotIn}
	case PredicateScore, PredicateRank, PredicateHighest, PredicateLowest:
		return FieldRange{Field: Field(rec.Type), Range: rng}
	case PredicateOccurrence:
		return OccurrenceRange{TemplateKey: rec.TemplateKey, Range: rng}
	case PredicateCustom:
		if reg != nil {
			if fn, ok := reg.Lookup(rec.Name); ok {
				return Custom{Name: rec.Name, Fn: fn}
			}
		}
		return Unknown{Name: rec.Name}
	default:
		return Unknown{Name: rec.Name}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ══════════════════════════════════════════════════════════════════════════════

// PredicateRegistry maps custom predicate names to functions.
type PredicateRegistry struct {
	mu    sync.RWMutex
	funcs map[string]CustomFunc
}

// NewPredicateRegistry creates an empty registry.
func NewPredicateRegistry() *PredicateRegistry {
	return &PredicateRegistry{funcs: make(map[string]CustomFunc)}
}

// DefaultPredicateRegistry returns a registry with the built-in closures.
func DefaultPredicateRegistry() *PredicateRegistry {
	reg := NewPredicateRegistry()
	reg.Register(CustomHadPreviousPeriod, func(v *View) (bool, error) {
		return v.HadReset, nil
	})
	reg.Register(CustomLeadsByTen, func(v *View) (bool, error) {
		for _, c := range v.Classmates {
			if c.UUID != v.UUID && v.Stats.Score-c.Score < 10 {
				return false, nil
			}
		}
		return len(v.Classmates) > 1, nil
	})
	return reg
}

// Register adds or replaces a function.
func (r *PredicateRegistry) Register(name string, fn CustomFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the function registered under name.
func (r *PredicateRegistry) Lookup(name string) (CustomFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Custom returns a Custom predicate bound to the registered function.
func (r *PredicateRegistry) Custom(name string) Predicate {
	if fn, ok := r.Lookup(name); ok {
		return Custom{Name: name, Fn: fn}
	}
	return Unknown{Name: name}
}
