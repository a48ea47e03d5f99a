package engine

import (
	"github.com/cespare/xxhash/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// newDebugBuilder returns a builder when debug capture is enabled and
// this transaction samples in, nil otherwise. Sampling hashes the
// transaction id so the same transaction samples identically on every
// replica.
func (e *Evaluator) newDebugBuilder(transactionID string) *debugBuilder {
	cfg := e.debug
	if !cfg.Enabled || cfg.SampleRate <= 0 {
		return nil
	}
	if xxhash.Sum64String(transactionID)%uint64(cfg.SampleRate) != 0 {
		return nil
	}

	b := &debugBuilder{
		sampleRate: cfg.SampleRate,
		maxConds:   cfg.MaxConditionEvaluations,
	}
	if cfg.IncludeFieldValues {
		b.fieldValues = make(map[string]any)
	}
	return b
}

// debugBuilder accumulates per-condition evaluations up to the configured
// cap. Overflow truncates silently.
type debugBuilder struct {
	sampleRate  int
	maxConds    int
	conds       []domain.ConditionEvaluation
	fieldValues map[string]any
	truncated   bool
}

// RecordCondition implements condition.DebugSink.
func (b *debugBuilder) RecordCondition(cond domain.Condition, input any, result bool) {
	if b.fieldValues != nil {
		b.fieldValues[cond.Field] = input
	}
	if b.maxConds > 0 && len(b.conds) >= b.maxConds {
		b.truncated = true
		return
	}

	expected := cond.Value
	if expected == nil && len(cond.Values) > 0 {
		expected = cond.Values
	}
	b.conds = append(b.conds, domain.ConditionEvaluation{
		Field:    cond.Field,
		Operator: cond.Operator,
		Expected: expected,
		Actual:   input,
		Result:   result,
	})
}

func (b *debugBuilder) build() *domain.DebugInfo {
	return &domain.DebugInfo{
		SampleRate:           b.sampleRate,
		ConditionEvaluations: b.conds,
		FieldValues:          b.fieldValues,
		Truncated:            b.truncated,
	}
}
