package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/codaph/codaph/internal/envelope"
)

// Predicate reports whether an envelope matches a parsed query.
type Predicate func(*envelope.Envelope) bool

// Evaluator converts a query AST into a Predicate over envelopes.
type Evaluator struct {
	now time.Time
}

// NewEvaluator creates an Evaluator using now as the reference point for
// relative-duration comparisons (e.g. ts>7d).
func NewEvaluator(now time.Time) *Evaluator {
	return &Evaluator{now: now}
}

// Evaluate parses query and returns a Predicate over envelopes.
func Evaluate(query string) (Predicate, error) {
	return EvaluateAt(query, time.Now())
}

// EvaluateAt parses query and returns a Predicate, using now as the
// reference time for relative durations.
func EvaluateAt(query string, now time.Time) (Predicate, error) {
	node, err := Parse(query)
	if err != nil {
		return nil, err
	}
	return NewEvaluator(now).buildPredicate(node)
}

func (e *Evaluator) buildPredicate(node Node) (Predicate, error) {
	switch n := node.(type) {
	case *ComparisonNode:
		return e.buildComparison(n)
	case *AndNode:
		left, err := e.buildPredicate(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.buildPredicate(n.Right)
		if err != nil {
			return nil, err
		}
		return func(env *envelope.Envelope) bool { return left(env) && right(env) }, nil
	case *OrNode:
		left, err := e.buildPredicate(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.buildPredicate(n.Right)
		if err != nil {
			return nil, err
		}
		return func(env *envelope.Envelope) bool { return left(env) || right(env) }, nil
	case *NotNode:
		operand, err := e.buildPredicate(n.Operand)
		if err != nil {
			return nil, err
		}
		return func(env *envelope.Envelope) bool { return !operand(env) }, nil
	default:
		return nil, fmt.Errorf("query: unexpected node type %T", node)
	}
}

func (e *Evaluator) buildComparison(comp *ComparisonNode) (Predicate, error) {
	switch comp.Field {
	case "eventtype", "event_type":
		return stringPredicate(comp, func(env *envelope.Envelope) string { return env.EventType })
	case "source":
		return stringPredicate(comp, func(env *envelope.Envelope) string { return string(env.Source) })
	case "actorid", "actor_id":
		return stringPredicate(comp, func(env *envelope.Envelope) string { return env.ActorID })
	case "sessionid", "session_id":
		return stringPredicate(comp, func(env *envelope.Envelope) string { return env.SessionID })
	case "threadid", "thread_id":
		return stringPredicate(comp, func(env *envelope.Envelope) string { return env.ThreadID })
	case "reasoning":
		return stringPredicate(comp, func(env *envelope.Envelope) string { return string(env.ReasoningAvailability) })
	case "ts":
		return e.buildTimePredicate(comp)
	default:
		return nil, fmt.Errorf("query: unknown field %q", comp.Field)
	}
}

func stringPredicate(comp *ComparisonNode, get func(*envelope.Envelope) string) (Predicate, error) {
	switch comp.Op {
	case OpEquals:
		return func(env *envelope.Envelope) bool { return get(env) == comp.Value }, nil
	case OpNotEquals:
		return func(env *envelope.Envelope) bool { return get(env) != comp.Value }, nil
	default:
		return nil, fmt.Errorf("query: field %q only supports = and !=", comp.Field)
	}
}

func (e *Evaluator) buildTimePredicate(comp *ComparisonNode) (Predicate, error) {
	target, err := e.parseTimeValue(comp)
	if err != nil {
		return nil, fmt.Errorf("query: invalid ts value: %w", err)
	}
	switch comp.Op {
	case OpGreater:
		return func(env *envelope.Envelope) bool { return env.TS.After(target) }, nil
	case OpGreaterEq:
		return func(env *envelope.Envelope) bool { return !env.TS.Before(target) }, nil
	case OpLess:
		return func(env *envelope.Envelope) bool { return env.TS.Before(target) }, nil
	case OpLessEq:
		return func(env *envelope.Envelope) bool { return !env.TS.After(target) }, nil
	case OpEquals:
		return func(env *envelope.Envelope) bool { return sameDay(env.TS, target) }, nil
	case OpNotEquals:
		return func(env *envelope.Envelope) bool { return !sameDay(env.TS, target) }, nil
	default:
		return nil, fmt.Errorf("query: unsupported ts operator %s", comp.Op.String())
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// parseTimeValue interprets a duration value (e.g. "7d") as "now minus
// duration", and any other value as a literal RFC3339 timestamp.
func (e *Evaluator) parseTimeValue(comp *ComparisonNode) (time.Time, error) {
	if comp.ValueType == TokenDuration {
		return e.parseDurationAgo(comp.Value)
	}
	return time.Parse(time.RFC3339, comp.Value)
}

// parseDurationAgo parses compact durations (7d, 24h, 2w, 1m, 1y)
// relative to now.
func (e *Evaluator) parseDurationAgo(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty duration")
	}
	unit := s[len(s)-1]
	numStr := s[:len(s)-1]
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch strings.ToLower(string(unit)) {
	case "h":
		return e.now.Add(-time.Duration(n) * time.Hour), nil
	case "d":
		return e.now.AddDate(0, 0, -n), nil
	case "w":
		return e.now.AddDate(0, 0, -7*n), nil
	case "m":
		return e.now.AddDate(0, -n, 0), nil
	case "y":
		return e.now.AddDate(-n, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown duration unit %q", unit)
	}
}
