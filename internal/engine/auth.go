package engine

import (
	"errors"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// evaluateAuth iterates rules in descending priority and stops at the
// first match. No match means APPROVE in NORMAL mode.
func (e *Evaluator) evaluateAuth(ec *evalContext) {
	for i := range ec.ruleset.Rules {
		rule := &ec.ruleset.Rules[i]
		if !rule.Enabled {
			continue
		}

		matched, err := e.matchRule(rule, ec)
		if err != nil {
			e.applyEvaluationError(ec, err.Error())
			return
		}
		if !matched {
			continue
		}

		action := rule.Action
		if rule.Velocity != nil {
			override, verr := e.checkVelocity(rule, ec)
			switch {
			case verr == nil:
				if override != "" {
					action = override
				}
			case errors.Is(verr, velocity.ErrNoDimensionValue):
				// Nothing to count; rule action stands.
			case errors.Is(verr, velocity.ErrUnavailable):
				e.degradeVelocity(ec, verr)
			default:
				e.degradeVelocity(ec, verr)
			}
		}

		ec.dec.MatchedRules = append(ec.dec.MatchedRules, domain.MatchedRule{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Action:   action,
			Priority: rule.Priority,
		})
		ec.dec.Decision = action
		return
	}
}
