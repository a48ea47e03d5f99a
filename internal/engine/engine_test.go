package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

func newTestEvaluator(t *testing.T, store *velocity.MemoryStore, debug domain.DebugConfig) *Evaluator {
	t.Helper()
	eval, err := New(velocity.NewService(store), nil, debug)
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}
	return eval
}

func amount(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return &d
}

func authTx(id string) *domain.Transaction {
	return &domain.Transaction{
		TransactionID: id,
		Amount:        amount("500.00"),
		Currency:      "USD",
		CountryCode:   "US",
		CardHash:      "cardhash-1",
	}
}

func authRuleset(rules ...domain.Rule) *domain.Ruleset {
	return &domain.Ruleset{
		Key:            domain.DefaultAuthRulesetKey,
		Version:        1,
		Country:        "US",
		EvaluationType: domain.EvalAuth,
		Rules:          rules,
	}
}

func monitoringRuleset(rules ...domain.Rule) *domain.Ruleset {
	return &domain.Ruleset{
		Key:            domain.DefaultMonitoringRulesetKey,
		Version:        1,
		Country:        "US",
		EvaluationType: domain.EvalMonitoring,
		Rules:          rules,
	}
}

func TestAuthFirstMatchStops(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	rs := authRuleset(
		domain.Rule{ID: "high-amount", Priority: 100, Enabled: true, Action: domain.DecisionDecline,
			Conditions: []domain.Condition{{Field: "amount", Operator: "gt", Value: 100}}},
		domain.Rule{ID: "usd-review", Priority: 50, Enabled: true, Action: domain.DecisionReview,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "USD"}}},
	)

	dec := eval.Evaluate(context.Background(), authTx("tx-1"), rs)

	if dec.Decision != domain.DecisionDecline {
		t.Errorf("expected DECLINE, got %s", dec.Decision)
	}
	if dec.EngineMode != domain.ModeNormal {
		t.Errorf("expected NORMAL mode, got %s", dec.EngineMode)
	}
	// First match stops: the second rule also matches but is never reached.
	if len(dec.MatchedRules) != 1 || dec.MatchedRules[0].RuleID != "high-amount" {
		t.Errorf("expected exactly the first matching rule, got %+v", dec.MatchedRules)
	}
	if dec.DecisionID == "" {
		t.Error("decision id not assigned")
	}
	if dec.RulesetVersion != 1 {
		t.Errorf("expected ruleset version 1, got %d", dec.RulesetVersion)
	}
}

func TestAuthNoMatchApproves(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	rs := authRuleset(
		domain.Rule{ID: "eur-only", Priority: 10, Enabled: true, Action: domain.DecisionDecline,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "EUR"}}},
	)

	dec := eval.Evaluate(context.Background(), authTx("tx-2"), rs)

	if dec.Decision != domain.DecisionApprove {
		t.Errorf("expected APPROVE on fallthrough, got %s", dec.Decision)
	}
	if dec.EngineMode != domain.ModeNormal {
		t.Errorf("expected NORMAL mode, got %s", dec.EngineMode)
	}
	if len(dec.MatchedRules) != 0 {
		t.Errorf("expected no matched rules, got %+v", dec.MatchedRules)
	}
}

func TestAuthDisabledRulesSkipped(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	rs := authRuleset(
		domain.Rule{ID: "disabled", Priority: 100, Enabled: false, Action: domain.DecisionDecline,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "USD"}}},
		domain.Rule{ID: "enabled", Priority: 50, Enabled: true, Action: domain.DecisionReview,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "USD"}}},
	)

	dec := eval.Evaluate(context.Background(), authTx("tx-3"), rs)

	if dec.Decision != domain.DecisionReview {
		t.Errorf("expected REVIEW from the enabled rule, got %s", dec.Decision)
	}
	if len(dec.MatchedRules) != 1 || dec.MatchedRules[0].RuleID != "enabled" {
		t.Errorf("disabled rule should be skipped, got %+v", dec.MatchedRules)
	}
}

func TestAuthVelocityOverride(t *testing.T) {
	store := velocity.NewMemoryStore()
	eval := newTestEvaluator(t, store, domain.DebugConfig{})

	rs := authRuleset(
		domain.Rule{ID: "vel-rule", Priority: 10, Enabled: true, Action: domain.DecisionApprove,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "USD"}},
			Velocity: &domain.VelocityConfig{
				Dimension:  "card_hash",
				WindowSecs: 3600,
				Threshold:  2,
				Action:     domain.DecisionDecline,
			}},
	)

	ctx := context.Background()
	tx := authTx("tx-4")

	// First two evaluations stay under the threshold.
	for i := 0; i < 2; i++ {
		dec := eval.Evaluate(ctx, tx, rs)
		if dec.Decision != domain.DecisionApprove {
			t.Fatalf("evaluation %d: expected APPROVE under threshold, got %s", i+1, dec.Decision)
		}
	}

	// Third crosses it: the velocity action overrides the rule action.
	dec := eval.Evaluate(ctx, tx, rs)
	if dec.Decision != domain.DecisionDecline {
		t.Errorf("expected DECLINE on exceedance, got %s", dec.Decision)
	}
	vr, ok := dec.VelocityResults["vel-rule"]
	if !ok {
		t.Fatal("velocity result not recorded")
	}
	if vr.CurrentCount != 3 || !vr.Exceeded() {
		t.Errorf("unexpected velocity result: %+v", vr)
	}
	if vr.KeyFingerprint == "cardhash-1" {
		t.Error("velocity result leaks raw dimension value")
	}
}

func TestAuthVelocityUnavailableDegrades(t *testing.T) {
	store := velocity.NewMemoryStore()
	eval := newTestEvaluator(t, store, domain.DebugConfig{})
	store.SetFailing(true)

	rs := authRuleset(
		domain.Rule{ID: "vel-rule", Priority: 10, Enabled: true, Action: domain.DecisionReview,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "USD"}},
			Velocity: &domain.VelocityConfig{
				Dimension:  "card_hash",
				WindowSecs: 3600,
				Threshold:  2,
				Action:     domain.DecisionDecline,
			}},
	)

	dec := eval.Evaluate(context.Background(), authTx("tx-5"), rs)

	// The matched rule's own action stands; only the mode degrades.
	if dec.Decision != domain.DecisionReview {
		t.Errorf("expected rule action REVIEW, got %s", dec.Decision)
	}
	if dec.EngineMode != domain.ModeDegraded {
		t.Errorf("expected DEGRADED, got %s", dec.EngineMode)
	}
	if dec.EngineErrorCode != domain.ErrCodeRedisUnavailable {
		t.Errorf("expected REDIS_UNAVAILABLE, got %s", dec.EngineErrorCode)
	}
}

func TestAuthMissingDimensionSkipsVelocity(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	rs := authRuleset(
		domain.Rule{ID: "vel-rule", Priority: 10, Enabled: true, Action: domain.DecisionReview,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "USD"}},
			Velocity: &domain.VelocityConfig{
				Dimension:  "device_id", // absent on the transaction
				WindowSecs: 3600,
				Threshold:  2,
				Action:     domain.DecisionDecline,
			}},
	)

	dec := eval.Evaluate(context.Background(), authTx("tx-6"), rs)

	if dec.Decision != domain.DecisionReview {
		t.Errorf("expected rule action REVIEW, got %s", dec.Decision)
	}
	if dec.EngineMode != domain.ModeNormal {
		t.Errorf("missing dimension should not degrade, got %s", dec.EngineMode)
	}
}

func TestAuthPredicateErrorFailsOpen(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	rs := authRuleset(
		domain.Rule{ID: "broken", Priority: 10, Enabled: true, Action: domain.DecisionDecline,
			Predicate: func(tx *domain.Transaction) (bool, error) {
				return false, errors.New("boom")
			}},
	)

	dec := eval.Evaluate(context.Background(), authTx("tx-7"), rs)

	if dec.Decision != domain.DecisionApprove {
		t.Errorf("AUTH must fail open to APPROVE, got %s", dec.Decision)
	}
	if dec.EngineMode != domain.ModeFailOpen {
		t.Errorf("expected FAIL_OPEN, got %s", dec.EngineMode)
	}
	if dec.EngineErrorCode != domain.ErrCodeEvaluationError {
		t.Errorf("expected EVALUATION_ERROR, got %s", dec.EngineErrorCode)
	}
}

func TestMonitoringAllMatchPreservesDecision(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	rs := monitoringRuleset(
		domain.Rule{ID: "m1", Priority: 100, Enabled: true, Action: domain.DecisionDecline,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "USD"}}},
		domain.Rule{ID: "m2", Priority: 50, Enabled: true, Action: domain.DecisionReview,
			Conditions: []domain.Condition{{Field: "amount", Operator: "gt", Value: 100}}},
		domain.Rule{ID: "m3", Priority: 10, Enabled: true, Action: domain.DecisionDecline,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "EUR"}}},
	)

	tx := authTx("tx-8")
	tx.Decision = "decline" // case-insensitive upstream decision

	dec := eval.Evaluate(context.Background(), tx, rs)

	// MONITORING never changes the upstream decision, only normalizes it.
	if dec.Decision != domain.DecisionDecline {
		t.Errorf("expected normalized DECLINE, got %s", dec.Decision)
	}
	if dec.EngineMode != domain.ModeNormal {
		t.Errorf("expected NORMAL mode, got %s", dec.EngineMode)
	}
	// All matching rules are collected, not just the first.
	if len(dec.MatchedRules) != 2 {
		t.Fatalf("expected 2 matched rules, got %d", len(dec.MatchedRules))
	}
	if dec.MatchedRules[0].RuleID != "m1" || dec.MatchedRules[1].RuleID != "m2" {
		t.Errorf("unexpected matches: %+v", dec.MatchedRules)
	}
}

func TestMonitoringMissingDecision(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	dec := eval.Evaluate(context.Background(), authTx("tx-9"), monitoringRuleset())

	if dec.EngineMode != domain.ModeDegraded {
		t.Errorf("expected DEGRADED, got %s", dec.EngineMode)
	}
	if dec.EngineErrorCode != domain.ErrCodeMissingDecision {
		t.Errorf("expected MISSING_DECISION, got %s", dec.EngineErrorCode)
	}
	if dec.Decision != domain.DecisionApprove {
		t.Errorf("expected APPROVE default, got %s", dec.Decision)
	}
}

func TestMonitoringInvalidDecision(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	tx := authTx("tx-10")
	tx.Decision = "MAYBE"

	dec := eval.Evaluate(context.Background(), tx, monitoringRuleset())

	if dec.EngineMode != domain.ModeDegraded {
		t.Errorf("expected DEGRADED, got %s", dec.EngineMode)
	}
	if dec.EngineErrorCode != domain.ErrCodeInvalidDecision {
		t.Errorf("expected INVALID_DECISION, got %s", dec.EngineErrorCode)
	}
}

func TestMonitoringRuleErrorKeepsUpstreamDecision(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	rs := monitoringRuleset(
		domain.Rule{ID: "good", Priority: 100, Enabled: true, Action: domain.DecisionReview,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "USD"}}},
		domain.Rule{ID: "broken", Priority: 50, Enabled: true, Action: domain.DecisionDecline,
			Predicate: func(tx *domain.Transaction) (bool, error) {
				return false, errors.New("boom")
			}},
	)

	tx := authTx("tx-11")
	tx.Decision = domain.DecisionDecline

	dec := eval.Evaluate(context.Background(), tx, rs)

	if dec.Decision != domain.DecisionDecline {
		t.Errorf("upstream decision must survive a rule error, got %s", dec.Decision)
	}
	if dec.EngineMode != domain.ModeDegraded {
		t.Errorf("expected DEGRADED, got %s", dec.EngineMode)
	}
	// Matches before the failure are preserved.
	if len(dec.MatchedRules) != 1 || dec.MatchedRules[0].RuleID != "good" {
		t.Errorf("expected the pre-failure match, got %+v", dec.MatchedRules)
	}
}

func TestReplayDoesNotIncrement(t *testing.T) {
	store := velocity.NewMemoryStore()
	eval := newTestEvaluator(t, store, domain.DebugConfig{})

	rs := authRuleset(
		domain.Rule{ID: "vel-rule", Priority: 10, Enabled: true, Action: domain.DecisionApprove,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "USD"}},
			Velocity: &domain.VelocityConfig{
				Dimension:  "card_hash",
				WindowSecs: 3600,
				Threshold:  5,
				Action:     domain.DecisionDecline,
			}},
	)

	ctx := context.Background()
	tx := authTx("tx-12")

	eval.Evaluate(ctx, tx, rs)

	for i := 0; i < 3; i++ {
		dec := eval.EvaluateReplay(ctx, tx, rs)
		vr := dec.VelocityResults["vel-rule"]
		if vr.CurrentCount != 1 {
			t.Errorf("replay %d incremented the counter: count %d", i+1, vr.CurrentCount)
		}
	}
}

func TestDebugCapture(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{
		Enabled:                 true,
		SampleRate:              1, // every transaction samples in
		MaxConditionEvaluations: 2,
		IncludeFieldValues:      true,
	})

	rs := authRuleset(
		domain.Rule{ID: "r1", Priority: 10, Enabled: true, Action: domain.DecisionDecline,
			Conditions: []domain.Condition{
				{Field: "currency", Operator: "eq", Value: "USD"},
				{Field: "amount", Operator: "gt", Value: 100},
				{Field: "country_code", Operator: "eq", Value: "US"},
			}},
	)

	dec := eval.Evaluate(context.Background(), authTx("tx-13"), rs)

	if dec.DebugInfo == nil {
		t.Fatal("expected debug info on sampled-in transaction")
	}
	if dec.DebugInfo.SampleRate != 1 {
		t.Errorf("expected sample rate 1, got %d", dec.DebugInfo.SampleRate)
	}
	// Capped at 2 evaluations; the third truncates silently.
	if len(dec.DebugInfo.ConditionEvaluations) != 2 {
		t.Errorf("expected 2 captured evaluations, got %d", len(dec.DebugInfo.ConditionEvaluations))
	}
	if !dec.DebugInfo.Truncated {
		t.Error("expected truncation flag")
	}
	if _, ok := dec.DebugInfo.FieldValues["currency"]; !ok {
		t.Error("expected field values captured")
	}
	// The decision itself is unaffected by capture.
	if dec.Decision != domain.DecisionDecline {
		t.Errorf("expected DECLINE, got %s", dec.Decision)
	}
}

func TestDebugDisabled(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	dec := eval.Evaluate(context.Background(), authTx("tx-14"), authRuleset())
	if dec.DebugInfo != nil {
		t.Error("expected no debug info when capture is disabled")
	}
}

func TestTimingBreakdown(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	rs := authRuleset(
		domain.Rule{ID: "vel-rule", Priority: 10, Enabled: true, Action: domain.DecisionApprove,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "USD"}},
			Velocity: &domain.VelocityConfig{
				Dimension:  "card_hash",
				WindowSecs: 3600,
				Threshold:  100,
				Action:     domain.DecisionDecline,
			}},
	)

	dec := eval.Evaluate(context.Background(), authTx("tx-15"), rs)

	tb := dec.TimingBreakdown
	if tb == nil {
		t.Fatal("expected timing breakdown")
	}
	if tb.VelocityCheckCount != 1 {
		t.Errorf("expected 1 velocity check, got %d", tb.VelocityCheckCount)
	}
	if tb.TotalProcessingTimeMs < 0 {
		t.Errorf("negative total time: %f", tb.TotalProcessingTimeMs)
	}
}

func TestCELPredicateCompilation(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	rs := authRuleset(
		domain.Rule{ID: "cel-rule", Priority: 10, Enabled: true, Action: domain.DecisionDecline,
			Expression: `amount > 100.0 && currency == "USD"`},
	)

	if err := eval.PrepareRuleset(rs); err != nil {
		t.Fatalf("PrepareRuleset failed: %v", err)
	}
	if rs.Rules[0].Predicate == nil {
		t.Fatal("expected compiled predicate")
	}

	dec := eval.Evaluate(context.Background(), authTx("tx-16"), rs)
	if dec.Decision != domain.DecisionDecline {
		t.Errorf("expected DECLINE from CEL predicate, got %s", dec.Decision)
	}

	small := authTx("tx-17")
	small.Amount = amount("50")
	dec = eval.Evaluate(context.Background(), small, rs)
	if dec.Decision != domain.DecisionApprove {
		t.Errorf("expected APPROVE when predicate is false, got %s", dec.Decision)
	}
}

func TestCELNonBooleanExpressionRejected(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	rs := authRuleset(
		domain.Rule{ID: "bad-cel", Priority: 10, Enabled: true, Action: domain.DecisionDecline,
			Expression: `amount + 1.0`},
	)

	if err := eval.PrepareRuleset(rs); err == nil {
		t.Error("expected error for non-boolean expression")
	}
}

func TestCELAbsentFieldDoesNotMatch(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	rs := authRuleset(
		domain.Rule{ID: "low-amount", Priority: 10, Enabled: true, Action: domain.DecisionDecline,
			Expression: `amount < 100.0`},
	)
	if err := eval.PrepareRuleset(rs); err != nil {
		t.Fatalf("PrepareRuleset failed: %v", err)
	}

	// No amount at all: the predicate must not match, and the evaluation
	// stays NORMAL rather than failing open.
	tx := &domain.Transaction{TransactionID: "tx-no-amount", Currency: "USD"}
	dec := eval.Evaluate(context.Background(), tx, rs)

	if dec.Decision != domain.DecisionApprove {
		t.Errorf("expected APPROVE for absent amount, got %s", dec.Decision)
	}
	if dec.EngineMode != domain.ModeNormal {
		t.Errorf("expected NORMAL mode, got %s", dec.EngineMode)
	}
	if dec.EngineErrorCode != "" {
		t.Errorf("unexpected error code %s", dec.EngineErrorCode)
	}
	if len(dec.MatchedRules) != 0 {
		t.Errorf("expected no matched rules, got %+v", dec.MatchedRules)
	}
}

func TestPrepareRulesetRejectsBadVelocity(t *testing.T) {
	eval := newTestEvaluator(t, velocity.NewMemoryStore(), domain.DebugConfig{})

	tests := []struct {
		name string
		vc   *domain.VelocityConfig
	}{
		{"ZeroWindow", &domain.VelocityConfig{Dimension: "card_hash", WindowSecs: 0, Threshold: 5, Action: domain.DecisionDecline}},
		{"NegativeWindow", &domain.VelocityConfig{Dimension: "card_hash", WindowSecs: -60, Threshold: 5, Action: domain.DecisionDecline}},
		{"ZeroThreshold", &domain.VelocityConfig{Dimension: "card_hash", WindowSecs: 60, Threshold: 0, Action: domain.DecisionDecline}},
		{"MissingDimension", &domain.VelocityConfig{WindowSecs: 60, Threshold: 5, Action: domain.DecisionDecline}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := authRuleset(
				domain.Rule{ID: "vel-rule", Priority: 10, Enabled: true, Action: domain.DecisionApprove,
					Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "USD"}},
					Velocity:   tt.vc},
			)
			if err := eval.PrepareRuleset(rs); err == nil {
				t.Error("expected registration to fail")
			}
		})
	}

	// A valid config still prepares.
	rs := authRuleset(
		domain.Rule{ID: "vel-rule", Priority: 10, Enabled: true, Action: domain.DecisionApprove,
			Conditions: []domain.Condition{{Field: "currency", Operator: "eq", Value: "USD"}},
			Velocity:   &domain.VelocityConfig{Dimension: "card_hash", WindowSecs: 60, Threshold: 5, Action: domain.DecisionDecline}},
	)
	if err := eval.PrepareRuleset(rs); err != nil {
		t.Errorf("valid velocity config rejected: %v", err)
	}
}

func TestNewErrorDecision(t *testing.T) {
	t.Run("AuthFailsOpen", func(t *testing.T) {
		tx := authTx("tx-18")
		dec := NewErrorDecision(tx, domain.EvalAuth, domain.DefaultAuthRulesetKey,
			domain.ErrCodeRulesetNotLoaded, "no ruleset")

		if dec.Decision != domain.DecisionApprove {
			t.Errorf("expected APPROVE, got %s", dec.Decision)
		}
		if dec.EngineMode != domain.ModeFailOpen {
			t.Errorf("expected FAIL_OPEN, got %s", dec.EngineMode)
		}
		if dec.EngineErrorCode != domain.ErrCodeRulesetNotLoaded {
			t.Errorf("expected RULESET_NOT_LOADED, got %s", dec.EngineErrorCode)
		}
	})

	t.Run("MonitoringPreservesDecision", func(t *testing.T) {
		tx := authTx("tx-19")
		tx.Decision = "decline"
		dec := NewErrorDecision(tx, domain.EvalMonitoring, domain.DefaultMonitoringRulesetKey,
			domain.ErrCodeRulesetNotLoaded, "no ruleset")

		if dec.Decision != domain.DecisionDecline {
			t.Errorf("expected preserved DECLINE, got %s", dec.Decision)
		}
		if dec.EngineMode != domain.ModeDegraded {
			t.Errorf("expected DEGRADED, got %s", dec.EngineMode)
		}
	})
}
