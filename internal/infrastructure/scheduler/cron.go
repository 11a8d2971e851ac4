package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Common expressions.
const (
	EveryDayMidnight = "0 0 * * *"
	EveryMonday      = "0 0 * * 1"
	EveryFriday5PM   = "0 17 * * 5"
)

// CronExpression is a parsed five-field cron schedule:
// minute hour day-of-month month day-of-week (0 = Sunday).
//
//	"*/5 * * * *"  every 5 minutes
//	"0 0 * * 1"    every Monday at midnight
//	"0 8-16 * * 1-5" on the hour during school time
type CronExpression struct {
	raw      string
	minutes  fieldSet
	hours    fieldSet
	days     fieldSet
	months   fieldSet
	weekdays fieldSet
}

// fieldSet holds the allowed values of one field.
type fieldSet map[int]struct{}

func (f fieldSet) has(v int) bool {
	_, ok := f[v]
	return ok
}

// ParseCronExpression parses an expression. Each field accepts *, n, n-m
// and an optional /step, joined by commas.
func ParseCronExpression(expr string) (*CronExpression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	bounds := [5]struct {
		name     string
		min, max int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day", 1, 31},
		{"month", 1, 12},
		{"weekday", 0, 6},
	}

	var sets [5]fieldSet
	for i, f := range fields {
		set, err := parseField(f, bounds[i].min, bounds[i].max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", bounds[i].name, err)
		}
		sets[i] = set
	}

	return &CronExpression{
		raw:      expr,
		minutes:  sets[0],
		hours:    sets[1],
		days:     sets[2],
		months:   sets[3],
		weekdays: sets[4],
	}, nil
}

// MustParseCronExpression parses an expression or panics. Use only for constants.
func MustParseCronExpression(expr string) *CronExpression {
	ce, err := ParseCronExpression(expr)
	if err != nil {
		panic(err)
	}
	return ce
}

func parseField(field string, min, max int) (fieldSet, error) {
	set := make(fieldSet)
	for _, part := range strings.Split(field, ",") {
		if err := parsePart(part, min, max, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parsePart(part string, min, max int, set fieldSet) error {
	step := 1
	if base, s, ok := strings.Cut(part, "/"); ok {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step %q", s)
		}
		step = n
		part = base
	}

	lo, hi := min, max
	switch {
	case part == "*":
	case strings.Contains(part, "-"):
		a, b, _ := strings.Cut(part, "-")
		var err error
		if lo, err = strconv.Atoi(a); err != nil {
			return fmt.Errorf("invalid range start %q", a)
		}
		if hi, err = strconv.Atoi(b); err != nil {
			return fmt.Errorf("invalid range end %q", b)
		}
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("invalid value %q", part)
		}
		lo = v
		if step == 1 {
			hi = v
		}
	}

	if lo < min || hi > max || lo > hi {
		return fmt.Errorf("value out of range [%d-%d]: %s", min, max, part)
	}
	for v := lo; v <= hi; v += step {
		set[v] = struct{}{}
	}
	return nil
}

// String returns the original expression.
func (ce *CronExpression) String() string {
	return ce.raw
}

// Next returns the first matching minute strictly after t, or the zero time
// if none falls within a year.
func (ce *CronExpression) Next(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)

	const limit = 366 * 24 * 60
	for i := 0; i < limit; i++ {
		if ce.matches(next) {
			return next
		}
		next = next.Add(time.Minute)
	}
	return time.Time{}
}

func (ce *CronExpression) matches(t time.Time) bool {
	return ce.minutes.has(t.Minute()) &&
		ce.hours.has(t.Hour()) &&
		ce.days.has(t.Day()) &&
		ce.months.has(int(t.Month())) &&
		ce.weekdays.has(int(t.Weekday()))
}
