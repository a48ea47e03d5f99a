// Package engine implements the rule evaluator: AUTH (first-match,
// fail-open) and MONITORING (all-match over an upstream decision).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/condition"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Evaluator orchestrates condition evaluation, velocity checks and
// decision assembly for both evaluation types.
type Evaluator struct {
	velocity *velocity.Service
	metrics  *metrics.Metrics
	debug    domain.DebugConfig
	env      *cel.Env

	now func() time.Time
}

// New creates an evaluator. The CEL environment backs optional
// precompiled rule predicates.
func New(vel *velocity.Service, m *metrics.Metrics, debug domain.DebugConfig) (*Evaluator, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{
		velocity: vel,
		metrics:  m,
		debug:    debug,
		env:      env,
		now:      time.Now,
	}, nil
}

// Evaluate runs the ruleset's evaluation type against the transaction.
// Velocity counters are incremented.
func (e *Evaluator) Evaluate(ctx context.Context, tx *domain.Transaction, rs *domain.Ruleset) *domain.Decision {
	return e.evaluate(ctx, tx, rs, false)
}

// EvaluateReplay is Evaluate with read-only velocity lookups, so a replay
// never double-counts.
func (e *Evaluator) EvaluateReplay(ctx context.Context, tx *domain.Transaction, rs *domain.Ruleset) *domain.Decision {
	return e.evaluate(ctx, tx, rs, true)
}

func (e *Evaluator) evaluate(ctx context.Context, tx *domain.Transaction, rs *domain.Ruleset, replay bool) *domain.Decision {
	start := e.now()

	dec := &domain.Decision{
		Decision:       domain.DecisionApprove,
		EvaluationType: rs.EvaluationType,
		RulesetKey:     rs.Key,
		RulesetVersion: rs.Version,
		TransactionID:  tx.TransactionID,
		DecisionID:     uuid.New().String(),
		EngineMode:     domain.ModeNormal,
		MatchedRules:   []domain.MatchedRule{},
	}

	ec := &evalContext{
		ctx:     ctx,
		tx:      tx,
		ruleset: rs,
		dec:     dec,
		replay:  replay,
		start:   start,
		debug:   e.newDebugBuilder(tx.TransactionID),
	}

	func() {
		// A panic inside rule evaluation must never escape to the
		// caller; it becomes EVALUATION_ERROR decision state.
		defer func() {
			if r := recover(); r != nil {
				slog.Error("rule evaluation panic",
					"transaction_id", tx.TransactionID,
					"ruleset_key", rs.Key,
					"panic", r,
				)
				e.applyEvaluationError(ec, fmt.Sprintf("panic: %v", r))
			}
		}()

		switch rs.EvaluationType {
		case domain.EvalMonitoring:
			e.evaluateMonitoring(ec)
		default:
			e.evaluateAuth(ec)
		}
	}()

	e.finalize(ec)
	return dec
}

// applyEvaluationError implements the shared error policy: AUTH forces
// FAIL_OPEN+APPROVE, MONITORING degrades but keeps the upstream decision.
func (e *Evaluator) applyEvaluationError(ec *evalContext, message string) {
	dec := ec.dec
	dec.EngineErrorCode = domain.ErrCodeEvaluationError
	dec.EngineErrorMessage = message

	if ec.ruleset.EvaluationType == domain.EvalMonitoring {
		dec.EngineMode = domain.ModeDegraded
		if normalized := domain.NormalizeDecision(ec.tx.Decision); normalized != "" {
			dec.Decision = normalized
		}
		return
	}

	dec.EngineMode = domain.ModeFailOpen
	dec.Decision = domain.DecisionApprove
}

// degradeVelocity records a velocity store failure without disturbing the
// underlying first-match or all-match outcome.
func (e *Evaluator) degradeVelocity(ec *evalContext, err error) {
	dec := ec.dec
	if dec.EngineMode == domain.ModeNormal {
		dec.EngineMode = domain.ModeDegraded
	}
	dec.EngineErrorCode = domain.ErrCodeRedisUnavailable
	dec.EngineErrorMessage = err.Error()
	if e.metrics != nil {
		e.metrics.IncrementVelocityErrors()
	}
	slog.Warn("velocity check degraded",
		"transaction_id", ec.tx.TransactionID,
		"ruleset_key", ec.ruleset.Key,
		"error", err,
	)
}

func (e *Evaluator) finalize(ec *evalContext) {
	dec := ec.dec
	totalMs := float64(e.now().Sub(ec.start).Nanoseconds()) / 1e6
	dec.ProcessingTimeMs = totalMs
	dec.TimingBreakdown = &domain.TimingBreakdown{
		TotalProcessingTimeMs: totalMs,
		RuleEvaluationTimeMs:  totalMs - ec.velocityMs,
		VelocityCheckTimeMs:   ec.velocityMs,
		VelocityCheckCount:    ec.velocityChecks,
	}
	if ec.debug != nil {
		dec.DebugInfo = ec.debug.build()
	}

	if e.metrics != nil {
		e.metrics.RecordEvaluation(dec.EvaluationType, dec.EngineMode)
		switch dec.EngineMode {
		case domain.ModeFailOpen:
			e.metrics.IncrementFailOpen()
		case domain.ModeDegraded:
			e.metrics.IncrementDegraded()
		}
	}
}

// matchRule reports whether the rule matches the transaction. A
// precompiled predicate replaces the condition list entirely.
func (e *Evaluator) matchRule(rule *domain.Rule, ec *evalContext) (bool, error) {
	if rule.Predicate != nil {
		matched, err := rule.Predicate(ec.tx)
		if err != nil {
			return false, fmt.Errorf("rule %s predicate: %w", rule.ID, err)
		}
		return matched, nil
	}
	for _, cond := range rule.Conditions {
		if !e.evalCondition(cond, ec) {
			return false, nil
		}
	}
	return true, nil
}

// checkVelocity runs the rule's counter and records the result on the
// decision. Returns the action override when the threshold is exceeded.
func (e *Evaluator) checkVelocity(rule *domain.Rule, ec *evalContext) (string, error) {
	checkStart := e.now()
	var (
		result domain.VelocityResult
		err    error
	)
	if ec.replay {
		result, err = e.velocity.CheckReadOnly(ec.ctx, ec.ruleset.Key, rule, ec.tx)
	} else {
		result, err = e.velocity.Check(ec.ctx, ec.ruleset.Key, rule, ec.tx)
	}
	ec.velocityMs += float64(e.now().Sub(checkStart).Nanoseconds()) / 1e6
	ec.velocityChecks++

	if err != nil {
		return "", err
	}

	if ec.dec.VelocityResults == nil {
		ec.dec.VelocityResults = make(map[string]domain.VelocityResult)
	}
	ec.dec.VelocityResults[rule.ID] = result

	if result.Exceeded() {
		return rule.Velocity.Action, nil
	}
	return "", nil
}

func (e *Evaluator) evalCondition(cond domain.Condition, ec *evalContext) bool {
	var sink condition.DebugSink
	if ec.debug != nil {
		sink = ec.debug
	}
	return condition.Evaluate(cond, ec.tx, sink)
}
