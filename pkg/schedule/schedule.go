package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrMalformedExpression wraps every parse failure so callers can reject bad
// schedules with errors.Is at registration time.
var ErrMalformedExpression = errors.New("malformed cron expression")

// Five classic fields, no seconds, no descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Expression is a parsed cron expression. The zero value is invalid; build
// one with Parse.
type Expression struct {
	src   string
	sched cron.Schedule
}

// Parse validates and compiles a 5-field cron expression.
func Parse(spec string) (Expression, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Expression{}, fmt.Errorf("%w: empty expression", ErrMalformedExpression)
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return Expression{}, fmt.Errorf("%w: %q: %v", ErrMalformedExpression, spec, err)
	}
	return Expression{src: spec, sched: sched}, nil
}

// ParseAll parses a list of expressions, failing on the first bad one.
func ParseAll(specs ...string) ([]Expression, error) {
	out := make([]Expression, 0, len(specs))
	for _, spec := range specs {
		e, err := Parse(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (e Expression) String() string { return e.src }

func (e Expression) IsZero() bool { return e.sched == nil }

// Next returns the next matching instant strictly after t, at minute
// resolution. A zero Expression returns the zero time.
func (e Expression) Next(t time.Time) time.Time {
	if e.sched == nil {
		return time.Time{}
	}
	return e.sched.Next(t)
}

// Set owns the expressions of one bot together with the per-expression
// next-occurrence bookkeeping. It is not safe for concurrent use; the owning
// bot serializes access under its own lock.
type Set struct {
	exprs []Expression
	next  []time.Time
}

// NewSet seeds next occurrences relative to now. A bot registered mid-minute
// therefore fires at the next matching minute, never retroactively.
func NewSet(now time.Time, exprs ...Expression) *Set {
	s := &Set{
		exprs: append([]Expression(nil), exprs...),
		next:  make([]time.Time, len(exprs)),
	}
	for i, e := range s.exprs {
		s.next[i] = e.Next(now)
	}
	return s
}

// ParseSet is NewSet over raw expression strings.
func ParseSet(now time.Time, specs ...string) (*Set, error) {
	exprs, err := ParseAll(specs...)
	if err != nil {
		return nil, err
	}
	return NewSet(now, exprs...), nil
}

// Due reports whether any expression's occurrence has arrived.
func (s *Set) Due(now time.Time) bool {
	for _, n := range s.next {
		if !n.IsZero() && !n.After(now) {
			return true
		}
	}
	return false
}

// MarkFired advances every passed expression beyond now. Advancing all of
// them (not just the earliest) is what keeps one dispatch per minute when
// several expressions on the same bot overlap.
func (s *Set) MarkFired(now time.Time) {
	for i, e := range s.exprs {
		if !s.next[i].IsZero() && !s.next[i].After(now) {
			s.next[i] = e.Next(now)
		}
	}
}

// NextRun returns the earliest upcoming occurrence across all expressions,
// or the zero time for an empty set.
func (s *Set) NextRun() time.Time {
	var min time.Time
	for _, n := range s.next {
		if n.IsZero() {
			continue
		}
		if min.IsZero() || n.Before(min) {
			min = n
		}
	}
	return min
}

// Specs returns the source strings, in registration order.
func (s *Set) Specs() []string {
	out := make([]string, len(s.exprs))
	for i, e := range s.exprs {
		out[i] = e.String()
	}
	return out
}

func (s *Set) Len() int { return len(s.exprs) }
