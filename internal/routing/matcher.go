package routing

import (
	"context"
	"sync/atomic"

	"relay/internal/logger"
	"relay/pkg/metrics"
	"relay/pkg/models"
)

// Match is one rule that fired for an event.
type Match struct {
	RuleID  string
	Targets []models.TargetRef
}

// Matcher evaluates every rule against an event. The rule set is swapped
// atomically so evaluation never takes a lock.
type Matcher struct {
	rules  atomic.Pointer[[]Rule]
	logger logger.Logger
}

func NewMatcher(rules []Rule, log logger.Logger) *Matcher {
	m := &Matcher{logger: log}
	m.Replace(rules)
	return m
}

func (m *Matcher) Replace(rules []Rule) {
	snapshot := make([]Rule, len(rules))
	copy(snapshot, rules)
	m.rules.Store(&snapshot)
	metrics.SetActiveRules(len(snapshot))
}

func (m *Matcher) Rules() []Rule {
	return *m.rules.Load()
}

// Evaluate returns every matching rule in declaration order. A clause that
// fails to evaluate counts as no match for that rule.
func (m *Matcher) Evaluate(ctx context.Context, event models.Event) []Match {
	rules := *m.rules.Load()

	var matches []Match
	for _, rule := range rules {
		ok, err := rule.Pattern.Match(ctx, event)
		if err != nil {
			m.logger.WarnwCtx(ctx, "Rule evaluation error, treating as no match",
				"rule_id", rule.ID,
				"error", err,
			)
			metrics.FallbackUsageTotal.WithLabelValues("routing", "no_match_on_error").Inc()
			continue
		}
		if !ok {
			continue
		}

		metrics.IncRuleMatch(rule.ID)
		if len(rule.Targets) == 0 {
			metrics.IncMatchedNoDelivery(rule.ID)
		}
		matches = append(matches, Match{RuleID: rule.ID, Targets: rule.Targets})
	}

	if len(matches) == 0 {
		metrics.EventsUnmatchedTotal.Inc()
	}
	return matches
}

// DistinctTargets flattens matches into targets, first occurrence wins.
func DistinctTargets(matches []Match) []models.TargetRef {
	seen := make(map[models.TargetRef]bool)
	var out []models.TargetRef
	for _, m := range matches {
		for _, t := range m.Targets {
			if seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func RuleIDs(matches []Match) []string {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.RuleID
	}
	return ids
}
