package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"relay/pkg/cel"
	"relay/pkg/models"
)

type ClauseKind string

const (
	ClauseExact      ClauseKind = "exact"
	ClauseRange      ClauseKind = "range"
	ClauseExists     ClauseKind = "exists"
	ClausePrefix     ClauseKind = "prefix"
	ClauseExpression ClauseKind = "expression"
)

// Clause is one node of a rule pattern. A field the event does not carry
// makes the clause false; only expression clauses can report an error.
type Clause interface {
	Kind() ClauseKind
	Match(ctx context.Context, event models.Event) (bool, error)
	String() string
}

// ExactClause matches when the field equals any of Values. Numbers compare
// by value regardless of their Go type.
type ExactClause struct {
	Path   string
	Values []interface{}
}

func (c ExactClause) Kind() ClauseKind { return ClauseExact }

func (c ExactClause) Match(_ context.Context, event models.Event) (bool, error) {
	v, ok := event.Field(c.Path)
	if !ok {
		return false, nil
	}
	for _, want := range c.Values {
		if equalValues(v, want) {
			return true, nil
		}
	}
	return false, nil
}

func (c ExactClause) String() string {
	return fmt.Sprintf("%s in %v", c.Path, c.Values)
}

// RangeClause matches numeric fields inside [Min, Max]; either bound may be
// open. Non-numeric values never match.
type RangeClause struct {
	Path         string
	Min          *float64
	Max          *float64
	ExclusiveMin bool
	ExclusiveMax bool
}

func (c RangeClause) Kind() ClauseKind { return ClauseRange }

func (c RangeClause) Match(_ context.Context, event models.Event) (bool, error) {
	v, ok := event.Field(c.Path)
	if !ok {
		return false, nil
	}
	n, ok := toFloat(v)
	if !ok {
		return false, nil
	}
	if c.Min != nil {
		if c.ExclusiveMin && n <= *c.Min {
			return false, nil
		}
		if !c.ExclusiveMin && n < *c.Min {
			return false, nil
		}
	}
	if c.Max != nil {
		if c.ExclusiveMax && n >= *c.Max {
			return false, nil
		}
		if !c.ExclusiveMax && n > *c.Max {
			return false, nil
		}
	}
	return true, nil
}

func (c RangeClause) String() string {
	lo, hi := "-inf", "+inf"
	open, closeB := "[", "]"
	if c.Min != nil {
		lo = fmt.Sprint(*c.Min)
	}
	if c.Max != nil {
		hi = fmt.Sprint(*c.Max)
	}
	if c.ExclusiveMin || c.Min == nil {
		open = "("
	}
	if c.ExclusiveMax || c.Max == nil {
		closeB = ")"
	}
	return fmt.Sprintf("%s in %s%s, %s%s", c.Path, open, lo, hi, closeB)
}

type ExistsClause struct {
	Path string
}

func (c ExistsClause) Kind() ClauseKind { return ClauseExists }

func (c ExistsClause) Match(_ context.Context, event models.Event) (bool, error) {
	_, ok := event.Field(c.Path)
	return ok, nil
}

func (c ExistsClause) String() string {
	return fmt.Sprintf("exists(%s)", c.Path)
}

// PrefixClause matches string fields only.
type PrefixClause struct {
	Path   string
	Prefix string
}

func (c PrefixClause) Kind() ClauseKind { return ClausePrefix }

func (c PrefixClause) Match(_ context.Context, event models.Event) (bool, error) {
	v, ok := event.Field(c.Path)
	if !ok {
		return false, nil
	}
	s, ok := v.(string)
	if !ok {
		return false, nil
	}
	return strings.HasPrefix(s, c.Prefix), nil
}

func (c PrefixClause) String() string {
	return fmt.Sprintf("%s starts with %q", c.Path, c.Prefix)
}

// ExpressionClause evaluates a compiled CEL program.
type ExpressionClause struct {
	Program *cel.Program
}

func (c ExpressionClause) Kind() ClauseKind { return ClauseExpression }

func (c ExpressionClause) Match(ctx context.Context, event models.Event) (bool, error) {
	return c.Program.Eval(ctx, event)
}

func (c ExpressionClause) String() string {
	return c.Program.Expression()
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func equalValues(got, want interface{}) bool {
	if gf, ok := toFloat(got); ok {
		wf, ok := toFloat(want)
		return ok && gf == wf
	}
	switch g := got.(type) {
	case string:
		w, ok := want.(string)
		return ok && g == w
	case bool:
		w, ok := want.(bool)
		return ok && g == w
	}
	return false
}
