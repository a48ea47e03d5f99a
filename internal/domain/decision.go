package domain

import "strings"

// Decision values.
const (
	DecisionApprove = "APPROVE"
	DecisionDecline = "DECLINE"
	DecisionReview  = "REVIEW"
)

// Engine modes. FAIL_OPEN always carries decision=APPROVE.
const (
	ModeNormal   = "NORMAL"
	ModeDegraded = "DEGRADED"
	ModeFailOpen = "FAIL_OPEN"
)

// Engine error codes surfaced on decisions.
const (
	ErrCodeRulesetNotLoaded   = "RULESET_NOT_LOADED"
	ErrCodeEvaluationError    = "EVALUATION_ERROR"
	ErrCodeRedisUnavailable   = "REDIS_UNAVAILABLE"
	ErrCodeMissingDecision    = "MISSING_DECISION"
	ErrCodeInvalidDecision    = "INVALID_DECISION"
	ErrCodeEventPublishFailed = "EVENT_PUBLISH_FAILED"
	ErrCodeOutboxUnavailable  = "OUTBOX_UNAVAILABLE"
)

// MatchedRule records a rule whose conditions (or predicate) held.
type MatchedRule struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name,omitempty"`
	Action   string `json:"action"`
	Priority int    `json:"priority"`
}

// VelocityResult is the outcome of one rolling-window counter check.
// CurrentCount > Threshold means exceeded. WindowBucket is the fixed
// bucket index the count was taken in, kept for auditability.
type VelocityResult struct {
	Dimension      string `json:"dimension"`
	KeyFingerprint string `json:"key_fingerprint"`
	CurrentCount   int64  `json:"current_count"`
	Threshold      int64  `json:"threshold"`
	WindowSecs     int64  `json:"window_seconds"`
	WindowBucket   int64  `json:"window_bucket"`
}

// Exceeded reports whether the counter crossed the threshold.
func (v VelocityResult) Exceeded() bool {
	return v.CurrentCount > v.Threshold
}

// TimingBreakdown captures component-level latency for a single evaluation.
type TimingBreakdown struct {
	TotalProcessingTimeMs float64 `json:"total_processing_time_ms"`
	RulesetLookupTimeMs   float64 `json:"ruleset_lookup_time_ms,omitempty"`
	RuleEvaluationTimeMs  float64 `json:"rule_evaluation_time_ms,omitempty"`
	VelocityCheckTimeMs   float64 `json:"velocity_check_time_ms,omitempty"`
	VelocityCheckCount    int     `json:"velocity_check_count,omitempty"`
	OutboxEnqueueTimeMs   float64 `json:"outbox_enqueue_time_ms,omitempty"`
}

// ConditionEvaluation is one debug-captured condition evaluation.
type ConditionEvaluation struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Result   bool   `json:"result"`
}

// DebugInfo is attached to sampled-in decisions when debug capture is on.
// Overflow past the per-request cap truncates silently.
type DebugInfo struct {
	SampleRate           int                   `json:"sample_rate"`
	ConditionEvaluations []ConditionEvaluation `json:"condition_evaluations"`
	FieldValues          map[string]any        `json:"field_values,omitempty"`
	Truncated            bool                  `json:"truncated,omitempty"`
}

// Decision is the full evaluation outcome.
type Decision struct {
	Decision       string `json:"decision"`
	EvaluationType string `json:"evaluation_type"`
	RulesetKey     string `json:"ruleset_key"`
	RulesetVersion int64  `json:"ruleset_version,omitempty"`
	TransactionID  string `json:"transaction_id"`
	DecisionID     string `json:"decision_id"`

	EngineMode         string `json:"engine_mode"`
	EngineErrorCode    string `json:"engine_error_code,omitempty"`
	EngineErrorMessage string `json:"engine_error_message,omitempty"`

	MatchedRules    []MatchedRule             `json:"matched_rules"`
	VelocityResults map[string]VelocityResult `json:"velocity_results,omitempty"`

	ProcessingTimeMs float64          `json:"processing_time_ms"`
	TimingBreakdown  *TimingBreakdown `json:"timing_breakdown,omitempty"`
	DebugInfo        *DebugInfo       `json:"debug_info,omitempty"`

	// TransactionContext is embedded for MONITORING decisions and for
	// outbox events; the slim AUTH response omits it.
	TransactionContext *Transaction `json:"transaction_context,omitempty"`
}

// NormalizeDecision uppercases and validates a MONITORING input decision.
// Returns "" when the value is not APPROVE or DECLINE.
func NormalizeDecision(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case DecisionApprove:
		return DecisionApprove
	case DecisionDecline:
		return DecisionDecline
	default:
		return ""
	}
}
