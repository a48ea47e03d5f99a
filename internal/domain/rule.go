package domain

// Operator names recognized by the condition evaluator.
const (
	OpEq         = "eq"
	OpNe         = "ne"
	OpGt         = "gt"
	OpGte        = "gte"
	OpLt         = "lt"
	OpLte        = "lte"
	OpIn         = "in"
	OpNotIn      = "not_in"
	OpBetween    = "between"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpExists     = "exists"
)

// Condition is a single (field, operator, value) predicate.
// List operators (in, not_in, between) use Values; the rest use Value.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
	Values   []any  `json:"values,omitempty"`
}

// Predicate is a precompiled rule predicate. When set it replaces the
// condition list entirely. Populated by the engine during ruleset
// preparation (CEL), never serialized.
type Predicate func(tx *Transaction) (bool, error)

// Rule is one entry of a compiled ruleset.
type Rule struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Priority   int             `json:"priority"`
	Enabled    bool            `json:"enabled"`
	Action     string          `json:"action"`
	Conditions []Condition     `json:"conditions,omitempty"`
	Velocity   *VelocityConfig `json:"velocity,omitempty"`

	// Expression is an optional CEL expression compiled into Predicate
	// at registration time.
	Expression string    `json:"expression,omitempty"`
	Predicate  Predicate `json:"-"`
}

// VelocityConfig defines a rolling-window counter attached to a rule and
// the decision taken when the counter exceeds the threshold.
type VelocityConfig struct {
	Dimension  string `json:"dimension"`
	WindowSecs int64  `json:"window_seconds"`
	Threshold  int64  `json:"threshold"`
	Action     string `json:"action"`
}

// Evaluation types.
const (
	EvalAuth       = "AUTH"
	EvalMonitoring = "MONITORING"
)

// GlobalCountry is the registry fallback scope. Lowercase and literal;
// never a real country code.
const GlobalCountry = "global"

// Default ruleset keys per evaluation type.
const (
	DefaultAuthRulesetKey       = "CARD_AUTH"
	DefaultMonitoringRulesetKey = "CARD_MONITORING"
)

// Ruleset is an ordered, versioned rule collection. Immutable once
// registered: hot-swap publishes a new value, never mutates in place.
type Ruleset struct {
	Key            string `json:"key"`
	Version        int64  `json:"version"`
	Country        string `json:"country"`
	EvaluationType string `json:"evaluation_type"`
	Rules          []Rule `json:"rules"`
}
