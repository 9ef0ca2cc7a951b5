// Package cronexpr evaluates 5-field cron expressions
// (minute hour day-of-month month day-of-week).
//
// Fields support wildcards, comma lists, ranges and step ranges. Standard cron
// day semantics apply: when both day-of-month and day-of-week are restricted, a
// day matching either field qualifies. Fire times always have zero seconds.
package cronexpr

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts exactly five fields: no seconds, no @descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseError reports a malformed expression or one with no reachable fire time.
type ParseError struct {
	Expr   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cronexpr: invalid expression %q: %s", e.Expr, e.Reason)
}

// Schedule is a parsed cron expression.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// Parse validates and compiles a 5-field cron expression.
func Parse(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, &ParseError{Expr: expr, Reason: err.Error()}
	}
	return Schedule{expr: expr, sched: s}, nil
}

// Expr returns the original expression text.
func (s Schedule) Expr() string { return s.expr }

// Next computes the first fire time strictly after the given instant. The
// search is bounded; an expression that never fires (e.g. "0 0 30 2 *")
// is a configuration error, not a silent skip.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	next := s.sched.Next(after)
	if next.IsZero() {
		return time.Time{}, &ParseError{Expr: s.expr, Reason: "no fire time within search bound"}
	}
	return next, nil
}

// NextFireTime is the one-shot form of Parse followed by Next.
func NextFireTime(expr string, after time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(after)
}
