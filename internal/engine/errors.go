package engine

import (
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NewErrorDecision synthesizes a decision for faults that occur before or
// around evaluation (ruleset missing, outbox down). AUTH fails open to
// APPROVE; MONITORING degrades but keeps the upstream decision.
func NewErrorDecision(tx *domain.Transaction, evaluationType, rulesetKey, code, message string) *domain.Decision {
	dec := &domain.Decision{
		EvaluationType: evaluationType,
		RulesetKey:     rulesetKey,
		DecisionID:     uuid.New().String(),
		MatchedRules:   []domain.MatchedRule{},

		EngineErrorCode:    code,
		EngineErrorMessage: message,
	}
	if tx != nil {
		dec.TransactionID = tx.TransactionID
	}

	if evaluationType == domain.EvalMonitoring {
		dec.EngineMode = domain.ModeDegraded
		dec.Decision = domain.DecisionApprove
		if tx != nil {
			if normalized := domain.NormalizeDecision(tx.Decision); normalized != "" {
				dec.Decision = normalized
			}
		}
		return dec
	}

	dec.EngineMode = domain.ModeFailOpen
	dec.Decision = domain.DecisionApprove
	return dec
}
