package routing

import (
	"context"
	"fmt"

	"relay/internal/config"
	"relay/pkg/cel"
	"relay/pkg/models"
)

// Pattern selects events by source, type and attribute clauses. Empty source
// or type sets match anything; all clauses must hold.
type Pattern struct {
	Sources []string
	Types   []string
	Clauses []Clause
}

func (p Pattern) Match(ctx context.Context, event models.Event) (bool, error) {
	if len(p.Sources) > 0 && !contains(p.Sources, event.Source) {
		return false, nil
	}
	if len(p.Types) > 0 && !contains(p.Types, event.Type) {
		return false, nil
	}
	for _, clause := range p.Clauses {
		ok, err := clause.Match(ctx, event)
		if err != nil {
			return false, fmt.Errorf("clause %q: %w", clause.String(), err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type Rule struct {
	ID          string
	Description string
	Pattern     Pattern
	Targets     []models.TargetRef
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// FromConfig builds rules in declaration order. Expression clauses are
// compiled once here.
func FromConfig(cfgs []config.RuleConfig, evaluator *cel.Evaluator) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for i, rc := range cfgs {
		rule, err := ruleFromConfig(rc, evaluator)
		if err != nil {
			return nil, fmt.Errorf("rules[%d] (%s): %w", i, rc.ID, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func ruleFromConfig(rc config.RuleConfig, evaluator *cel.Evaluator) (Rule, error) {
	rule := Rule{
		ID:          rc.ID,
		Description: rc.Description,
		Pattern: Pattern{
			Sources: rc.Source,
			Types:   rc.Type,
		},
	}

	for j, cc := range rc.Match {
		clause, err := clauseFromConfig(cc, evaluator)
		if err != nil {
			return Rule{}, fmt.Errorf("match[%d]: %w", j, err)
		}
		rule.Pattern.Clauses = append(rule.Pattern.Clauses, clause)
	}

	for _, t := range rc.Targets {
		ref, err := models.ParseTargetRef(t)
		if err != nil {
			return Rule{}, err
		}
		rule.Targets = append(rule.Targets, ref)
	}

	return rule, nil
}

func clauseFromConfig(cc config.ClauseConfig, evaluator *cel.Evaluator) (Clause, error) {
	switch {
	case cc.Expression != "":
		if evaluator == nil {
			return nil, fmt.Errorf("expression clause requires a CEL evaluator")
		}
		program, err := evaluator.Compile(cc.Expression)
		if err != nil {
			return nil, err
		}
		return ExpressionClause{Program: program}, nil
	case cc.In != nil:
		return ExactClause{Path: cc.Field, Values: cc.In}, nil
	case cc.Range != nil:
		return RangeClause{
			Path:         cc.Field,
			Min:          cc.Range.Min,
			Max:          cc.Range.Max,
			ExclusiveMin: cc.Range.ExclusiveMin,
			ExclusiveMax: cc.Range.ExclusiveMax,
		}, nil
	case cc.Exists != nil:
		if !*cc.Exists {
			return nil, fmt.Errorf("exists: false is not supported")
		}
		return ExistsClause{Path: cc.Field}, nil
	case cc.Prefix != nil:
		return PrefixClause{Path: cc.Field, Prefix: *cc.Prefix}, nil
	}
	return nil, fmt.Errorf("clause on %q has no condition", cc.Field)
}
