package engine

import (
	"errors"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// evaluateMonitoring collects every matching rule for analytics. The
// response decision is always the upstream decision; rules never change
// it. The HTTP boundary rejects missing/invalid decisions with 400, but
// non-HTTP callers (replay) still reach the degraded paths here.
func (e *Evaluator) evaluateMonitoring(ec *evalContext) {
	dec := ec.dec

	if ec.tx.Decision == "" {
		dec.Decision = domain.DecisionApprove
		dec.EngineMode = domain.ModeDegraded
		dec.EngineErrorCode = domain.ErrCodeMissingDecision
		dec.EngineErrorMessage = "MONITORING transaction has no decision"
		return
	}

	normalized := domain.NormalizeDecision(ec.tx.Decision)
	if normalized == "" {
		dec.Decision = domain.DecisionApprove
		dec.EngineMode = domain.ModeDegraded
		dec.EngineErrorCode = domain.ErrCodeInvalidDecision
		dec.EngineErrorMessage = "decision must be APPROVE or DECLINE"
		return
	}
	dec.Decision = normalized

	for i := range ec.ruleset.Rules {
		rule := &ec.ruleset.Rules[i]
		if !rule.Enabled {
			continue
		}

		matched, err := e.matchRule(rule, ec)
		if err != nil {
			// Preserve the upstream decision and the matches so far.
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
				// Nothing to count.
			default:
				e.degradeVelocity(ec, verr)
			}
		}

		dec.MatchedRules = append(dec.MatchedRules, domain.MatchedRule{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Action:   action,
			Priority: rule.Priority,
		})
	}
}
